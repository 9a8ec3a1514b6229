// poolreplay replays a recorded Uniswap V3 pool history against a
// development node, then benchmarks the node with price-neutral null blocks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/poolreplay/internal/account"
	"github.com/gateway-fm/poolreplay/internal/benchmark"
	"github.com/gateway-fm/poolreplay/internal/config"
	"github.com/gateway-fm/poolreplay/internal/eventlog"
	"github.com/gateway-fm/poolreplay/internal/gasprofile"
	"github.com/gateway-fm/poolreplay/internal/metrics"
	"github.com/gateway-fm/poolreplay/internal/node"
	"github.com/gateway-fm/poolreplay/internal/rpc"
	"github.com/gateway-fm/poolreplay/internal/runner"
	"github.com/gateway-fm/poolreplay/internal/storage"
	"github.com/gateway-fm/poolreplay/internal/transport"
	"github.com/gateway-fm/poolreplay/internal/uniswapv3"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "poolreplay: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("poolreplay failed", slog.String("mode", cfg.Mode), slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// stdout carries the JSON result, so logs go to stderr.
	if cfg.LogFormat == "text" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Mode {
	case config.ModeImport:
		return importEvents(ctx, cfg, logger)
	case config.ModeServe:
		return serve(ctx, cfg, logger)
	}

	m := metrics.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	c, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Mode == config.ModeGasProfile {
		return profileGas(ctx, cfg, c, logger)
	}

	summary, err := c.execute(ctx, cfg, runner.Request{Mode: cfg.Mode}, m, nil, false, logger)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

// chain is the node-facing state shared by every run.
type chain struct {
	client  *rpc.HTTPClient
	account *account.Account
	pool    *uniswapv3.PoolClient
	control *node.Control
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chain, error) {
	rpcCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	rpcCfg.Logger = logger
	client := rpc.NewHTTPClient(rpcCfg)

	var (
		acct *account.Account
		err  error
	)
	if cfg.PrivateKey != "" {
		acct, err = account.NewAccountFromHex(cfg.PrivateKey)
	} else {
		acct, err = account.DevAccount(cfg.DevAccount)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	signer, err := account.NewSigner(ctx, client, acct, account.SignerConfig{
		GasPrice: cfg.GasPriceWei(),
		Legacy:   cfg.Capabilities.RequiresLegacyTx,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.RPCURL, err)
	}

	control, err := node.NewControl(client, cfg.Capabilities, node.ControlConfig{
		From:        acct.Address,
		Signer:      signer,
		ForceSigned: cfg.ForceSigned,
		SendRate:    cfg.SendRate,
		NodeLogging: cfg.NodeLogging,
		Logger:      logger,
	})
	switch {
	case err == nil:
		if err := control.Setup(ctx); err != nil {
			logger.Warn("node setup failed", slog.String("error", err.Error()))
		}
	case errors.Is(err, node.ErrUnsupported) && (cfg.Mode == config.ModeReplay || cfg.Mode == config.ModeGasProfile):
		// Replay and gas profiling only send pool transactions.
		logger.Warn("node cannot drive a benchmark", slog.String("error", err.Error()))
	default:
		return nil, err
	}

	contracts := cfg.Contracts()
	logger.Info("connected",
		slog.String("node", cfg.Capabilities.String()),
		slog.String("account", acct.Address.Hex()),
		slog.String("pool", contracts.Pool.Hex()),
		slog.Bool("blockControl", control != nil),
	)
	return &chain{
		client:  client,
		account: acct,
		pool:    uniswapv3.NewPoolClient(client, signer, contracts, 0, logger),
		control: control,
	}, nil
}

// CheckNode implements transport.HealthChecker.
func (c *chain) CheckNode(ctx context.Context) error {
	_, err := c.client.GetBlockNumber(ctx)
	return err
}

// execute runs one replay (and benchmark, in run mode) with req's overrides
// applied on top of cfg.
func (c *chain) execute(ctx context.Context, cfg *config.Config, req runner.Request, m runner.Metrics, onStage func(runner.Stage), isolate bool, logger *slog.Logger) (*runner.Summary, error) {
	limit := cfg.EventLimit
	if req.EventLimit > 0 {
		limit = req.EventLimit
	}
	src, closeSrc, err := openSource(cfg, limit, logger)
	if err != nil {
		return nil, err
	}
	defer closeSrc()

	cmp, err := cfg.Comparator()
	if err != nil {
		return nil, err
	}

	plan := cfg.Plan()
	if req.NullSwapsPerBlock > 0 {
		plan.NullSwapsPerBlock = req.NullSwapsPerBlock
	}
	if req.BlocksToMine > 0 {
		plan.BlocksToMine = req.BlocksToMine
	}
	if req.PerCall != nil {
		plan.PerCall = *req.PerCall
	}
	if req.VerifyPrice != nil {
		plan.VerifyPrice = *req.VerifyPrice
	}

	contracts := c.pool.Contracts()
	rc := runner.Config{
		Source:        src,
		Tolerance:     cmp,
		Plan:          plan,
		Pool:          contracts.Pool,
		Callee:        contracts.Callee,
		Recipient:     c.pool.Recipient(),
		SkipBenchmark: req.Mode == runner.ModeReplay,
		Metrics:       m,
		OnStage:       onStage,
		Logger:        logger,
	}
	var bn benchmark.Node
	if c.control != nil {
		bn = c.control
	}
	if isolate {
		// A revert rolls the sender's nonce back with the chain.
		if err := c.account.Reset(ctx, c.client); err != nil {
			return nil, fmt.Errorf("sync nonce: %w", err)
		}
		rc.Isolation = c.control
	}
	return runner.New(c.pool, bn, rc).Run(ctx)
}

func openSource(cfg *config.Config, limit int, logger *slog.Logger) (eventlog.Source, func(), error) {
	if cfg.EventsDB != "" {
		src, err := eventlog.OpenSQLite(cfg.EventsDB, limit, logger)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	}
	return eventlog.FileSource{
		EventsPath:   cfg.EventsPath,
		MetadataPath: cfg.MetadataPath,
		Limit:        limit,
		Logger:       logger,
	}, func() {}, nil
}

func profileGas(ctx context.Context, cfg *config.Config, c *chain, logger *slog.Logger) error {
	src, closeSrc, err := openSource(cfg, cfg.EventLimit, logger)
	if err != nil {
		return err
	}
	defer closeSrc()

	seq, meta, err := eventlog.LoadSequence(ctx, src)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if err := c.pool.ApproveCallee(ctx); err != nil {
		return err
	}
	if err := c.pool.Initialize(ctx, meta.InitSqrtPriceX96); err != nil {
		return err
	}
	profile, err := gasprofile.Run(ctx, c.pool, gasprofile.DefaultScenario(seq.FinalSwap()), logger)
	if err != nil {
		return fmt.Errorf("gas profile: %w", err)
	}
	logger.Info("gas profile completed", slog.Uint64("totalGas", profile.Total))
	return printJSON(profile)
}

func importEvents(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	files := eventlog.FileSource{
		EventsPath:   cfg.EventsPath,
		MetadataPath: cfg.MetadataPath,
		Limit:        cfg.EventLimit,
		Logger:       logger,
	}
	meta, err := files.Metadata(ctx)
	if err != nil {
		return err
	}
	events, err := files.Events(ctx)
	if err != nil {
		return err
	}

	db, err := eventlog.OpenSQLite(cfg.EventsDB, 0, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Import(ctx, events, meta); err != nil {
		return fmt.Errorf("import into %s: %w", cfg.EventsDB, err)
	}
	logger.Info("events imported", slog.Int("events", len(events)), slog.String("path", cfg.EventsDB))
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var store storage.Storage
	if cfg.DatabasePath != "" {
		db, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		defer db.Close()
		store = db
		logger.Info("initialized storage", slog.String("path", cfg.DatabasePath))
	}

	c, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	isolate := cfg.Capabilities.SupportsSnapshots()
	if !isolate {
		logger.Warn("node cannot snapshot, repeated runs will fail to initialize the pool",
			slog.String("node", cfg.Capabilities.String()))
	}

	m := metrics.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	svc := runner.NewService(func(ctx context.Context, req runner.Request, onStage func(runner.Stage)) (*runner.Summary, error) {
		return c.execute(ctx, cfg, req, m, onStage, isolate, logger)
	}, runner.ServiceConfig{
		Store:  store,
		Node:   cfg.Capabilities.String(),
		Logger: logger,
	})

	if cfg.WSURL != "" {
		watcher := node.NewHeadWatcher(cfg.WSURL, svc.RecordHead, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("head watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	api := transport.NewServer(svc, c, logger, cfg.CORSAllowedOrigins)
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.ListenAddr {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Stop(); err != nil && !errors.Is(err, runner.ErrNotRunning) {
		logger.Warn("failed to stop run", slog.String("error", err.Error()))
	}
	if err := svc.Wait(shutdownCtx); err != nil {
		logger.Warn("run did not finish before shutdown", slog.String("error", err.Error()))
	}
	return srv.Shutdown(shutdownCtx)
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
