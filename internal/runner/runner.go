// Package runner wires one end-to-end run: load the recorded history,
// initialize the pool, replay, synthesize the null block and benchmark it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/benchmark"
	"github.com/gateway-fm/poolreplay/internal/eventlog"
	"github.com/gateway-fm/poolreplay/internal/nullblock"
	"github.com/gateway-fm/poolreplay/internal/replay"
	"github.com/gateway-fm/poolreplay/internal/tolerance"
)

// Pool is the pool surface a run needs. uniswapv3.PoolClient implements it.
type Pool interface {
	replay.Pool
	ApproveCallee(ctx context.Context) error
	Initialize(ctx context.Context, sqrtPriceX96 *big.Int) error
}

// Metrics receives replay and benchmark observations plus the run status.
// metrics.PrometheusMetrics implements it.
type Metrics interface {
	replay.Observer
	benchmark.Observer
	SetRunStatus(status string)
}

// Snapshotter saves and restores chain state. node.Control implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (string, error)
	Revert(ctx context.Context, id string) error
}

// Stage is the phase a run is in.
type Stage string

const (
	StageLoading      Stage = "loading"
	StageInitializing Stage = "initializing"
	StageReplaying    Stage = "replaying"
	StageSynthesizing Stage = "synthesizing"
	StageBenchmarking Stage = "benchmarking"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// metricsStatus maps a stage onto the run status gauge values.
func (s Stage) metricsStatus() string {
	switch s {
	case StageBenchmarking:
		return "benchmarking"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "error"
	default:
		return "replaying"
	}
}

// Config configures a Runner.
type Config struct {
	Source    eventlog.Source
	Tolerance tolerance.Comparator
	Plan      benchmark.Plan
	// Pool is the address the synthesized swaps name; Callee receives them.
	Pool      common.Address
	Callee    common.Address
	Recipient common.Address
	// SkipBenchmark stops after the replay.
	SkipBenchmark bool
	// Isolation, when set, restores the chain state after the run so the
	// next run can initialize the pool again.
	Isolation     Snapshotter
	ProgressEvery int
	Metrics       Metrics
	// OnStage, when set, is called on every stage change.
	OnStage func(Stage)
	Logger  *slog.Logger
}

// Summary is the outcome of a completed run.
type Summary struct {
	Events       int                   `json:"events"`
	Counts       map[eventlog.Kind]int `json:"counts"`
	Replay       *replay.Report        `json:"replay"`
	InitialPrice string                `json:"initialPrice"`
	Batch        *BatchInfo            `json:"batch,omitempty"`
	Benchmark    *benchmark.Result     `json:"benchmark,omitempty"`
	Duration     time.Duration         `json:"durationNs"`
}

// BatchInfo describes a synthesized null block.
type BatchInfo struct {
	Pairs        int    `json:"pairs"`
	Calls        int    `json:"calls"`
	ForwardLimit string `json:"forwardLimit"`
	BackLimit    string `json:"backLimit"`
	ZeroForOne   bool   `json:"zeroForOne"`
	PayloadBytes int    `json:"payloadBytes"`
}

func describe(batch nullblock.Batch) (*BatchInfo, error) {
	if batch.Len() < 2 {
		return nil, errors.New("empty batch")
	}
	payload, err := batch.Multicall()
	if err != nil {
		return nil, err
	}
	return &BatchInfo{
		Pairs:        batch.Pairs(),
		Calls:        batch.Len(),
		ForwardLimit: batch.Calls[0].Limit.String(),
		BackLimit:    batch.Calls[1].Limit.String(),
		ZeroForOne:   batch.Calls[0].ZeroForOne,
		PayloadBytes: len(payload),
	}, nil
}

// Runner executes runs against one pool and node.
type Runner struct {
	pool   Pool
	node   benchmark.Node
	cfg    Config
	logger *slog.Logger
}

// New creates a Runner. node may be nil when cfg.SkipBenchmark is set.
func New(pool Pool, node benchmark.Node, cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{pool: pool, node: node, cfg: cfg, logger: logger}
}

func (r *Runner) stage(s Stage) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SetRunStatus(s.metricsStatus())
	}
	if r.cfg.OnStage != nil {
		r.cfg.OnStage(s)
	}
	r.logger.Debug("run stage", slog.String("stage", string(s)))
}

// Run executes one run. No Summary is returned for a failed run.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	if r.cfg.Isolation != nil {
		id, err := r.cfg.Isolation.Snapshot(ctx)
		if err != nil {
			r.stage(StageFailed)
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		defer func() {
			if err := r.cfg.Isolation.Revert(context.WithoutCancel(ctx), id); err != nil {
				r.logger.Warn("failed to restore chain state",
					slog.String("snapshot", id),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	summary, err := r.run(ctx)
	if err != nil {
		r.stage(StageFailed)
		return nil, err
	}
	r.stage(StageCompleted)
	return summary, nil
}

func (r *Runner) run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	if r.cfg.Source == nil {
		return nil, errors.New("no event source configured")
	}
	if !r.cfg.SkipBenchmark {
		if r.node == nil {
			return nil, errors.New("benchmark requires a node")
		}
		if err := r.cfg.Plan.Validate(); err != nil {
			return nil, fmt.Errorf("invalid plan: %w", err)
		}
	}

	r.stage(StageLoading)
	seq, meta, err := eventlog.LoadSequence(ctx, r.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	r.logger.Info("events loaded",
		slog.Int("events", seq.Len()),
		slog.String("initSqrtPriceX96", meta.InitSqrtPriceX96.String()),
	)

	r.stage(StageInitializing)
	if err := r.pool.ApproveCallee(ctx); err != nil {
		return nil, err
	}
	if err := r.pool.Initialize(ctx, meta.InitSqrtPriceX96); err != nil {
		return nil, err
	}

	r.stage(StageReplaying)
	var observer replay.Observer
	if r.cfg.Metrics != nil {
		observer = r.cfg.Metrics
	}
	report, err := replay.New(r.pool, replay.Config{
		Tolerance:     r.cfg.Tolerance,
		ProgressEvery: r.cfg.ProgressEvery,
		Observer:      observer,
		Logger:        r.logger,
	}).Run(ctx, seq)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	summary := &Summary{
		Events:       seq.Len(),
		Counts:       seq.Counts(),
		Replay:       report,
		InitialPrice: report.FinalPrice.String(),
	}
	if r.cfg.SkipBenchmark {
		summary.Duration = time.Since(start)
		return summary, nil
	}

	r.stage(StageSynthesizing)
	// The post-replay price is both the observed and the initial price: the
	// batch starts there and must return there.
	initial := new(big.Int).Set(report.FinalPrice)
	synth := nullblock.Synthesizer{Pool: r.cfg.Pool, Recipient: r.cfg.Recipient}
	batch, err := synth.Synthesize(seq.FinalSwap(), initial, initial, r.cfg.Plan.NullSwapsPerBlock)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if summary.Batch, err = describe(batch); err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	r.stage(StageBenchmarking)
	var benchObserver benchmark.Observer
	if r.cfg.Metrics != nil {
		benchObserver = r.cfg.Metrics
	}
	result, err := benchmark.New(r.node, r.pool, benchmark.Config{
		Callee:    r.cfg.Callee,
		Tolerance: r.cfg.Tolerance,
		Observer:  benchObserver,
		Logger:    r.logger,
	}).Run(ctx, r.cfg.Plan, batch, initial)
	if err != nil {
		return nil, fmt.Errorf("benchmark: %w", err)
	}
	summary.Benchmark = result
	summary.Duration = time.Since(start)

	r.logger.Info("run completed",
		slog.Int("verified", report.Verified),
		slog.Int("recovered", report.Recovered),
		slog.Int("totalTransactions", result.TotalTransactions),
		slog.Float64("throughput", result.AverageThroughput),
		slog.Float64("latencyMs", result.AverageLatencyMs),
	)
	return summary, nil
}
