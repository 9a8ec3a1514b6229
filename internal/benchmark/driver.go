package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/metrics"
	"github.com/gateway-fm/poolreplay/internal/nullblock"
	"github.com/gateway-fm/poolreplay/internal/rpc"
	"github.com/gateway-fm/poolreplay/internal/tolerance"
)

// Node controls block production on a development node. Submissions return
// transaction hashes; receipts exist only once the block is mined.
type Node interface {
	// SetAutomine toggles mining a block per submitted transaction.
	SetAutomine(ctx context.Context, enabled bool) error
	// SetIntervalMining sets the automatic mining interval; zero disables it.
	SetIntervalMining(ctx context.Context, seconds int) error
	SetNextBlockTimestamp(ctx context.Context, ts int64) error
	Mine(ctx context.Context) error
	SubmitBatch(ctx context.Context, to common.Address, payload []byte, gas uint64, gasPrice *big.Int) (common.Hash, error)
	SubmitCalls(ctx context.Context, to common.Address, calls [][]byte, gasPerCall uint64, gasPrice *big.Int) ([]common.Hash, error)
	Receipts(ctx context.Context, hashes []common.Hash) ([]*rpc.TransactionReceipt, error)
}

// PriceReader reads the pool's current sqrtPriceX96.
type PriceReader interface {
	CurrentPrice(ctx context.Context) (*big.Int, error)
}

// Observer receives per-block measurements. metrics.PrometheusMetrics
// implements it.
type Observer interface {
	ObserveBlock(d time.Duration, txs int)
	ObservePriceViolation()
	ObserveThroughput(tps float64)
}

// ErrBlockFailed reports a block whose submitted transactions did not all
// succeed.
var ErrBlockFailed = errors.New("benchmark block failed")

// Config configures a Driver.
type Config struct {
	// Callee receives every submitted swap.
	Callee    common.Address
	Tolerance tolerance.Comparator
	Observer  Observer
	Logger    *slog.Logger
}

// Driver runs benchmarks. Blocks are mined strictly one at a time.
type Driver struct {
	node     Node
	prices   PriceReader
	callee   common.Address
	cmp      tolerance.Comparator
	observer Observer
	logger   *slog.Logger
}

// New creates a Driver.
func New(node Node, prices PriceReader, cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		node:     node,
		prices:   prices,
		callee:   cfg.Callee,
		cmp:      cfg.Tolerance,
		observer: cfg.Observer,
		logger:   logger,
	}
}

// restoreMining turns automine back on so later transactions, such as the
// next run's pool setup, are mined without an explicit evm_mine.
func (d *Driver) restoreMining(ctx context.Context) {
	if err := d.node.SetAutomine(context.WithoutCancel(ctx), true); err != nil {
		d.logger.Warn("failed to restore automine", slog.String("error", err.Error()))
	}
}

// Run mines plan.BlocksToMine blocks, each carrying batch. initialPrice is the
// reference for the optional price-neutrality check. Any failed block aborts
// the run and no Result is returned. Automatic mining is off while blocks are
// mined and automine is switched back on when Run returns.
func (d *Driver) Run(ctx context.Context, plan Plan, batch nullblock.Batch, initialPrice *big.Int) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if batch.Pairs() != plan.NullSwapsPerBlock || batch.Len() != 2*plan.NullSwapsPerBlock {
		return nil, fmt.Errorf("batch has %d calls, plan needs %d", batch.Len(), 2*plan.NullSwapsPerBlock)
	}
	if plan.VerifyPrice && initialPrice == nil {
		return nil, errors.New("price verification needs an initial price")
	}

	var payload []byte
	if !plan.PerCall {
		var err error
		if payload, err = batch.Multicall(); err != nil {
			return nil, err
		}
	}
	calls := batch.Payloads()
	gasPrice := plan.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}

	if err := d.node.SetAutomine(ctx, false); err != nil {
		return nil, fmt.Errorf("disable automine: %w", err)
	}
	defer d.restoreMining(ctx)
	if err := d.node.SetIntervalMining(ctx, 0); err != nil {
		return nil, fmt.Errorf("disable interval mining: %w", err)
	}

	d.logger.Info("benchmark started",
		slog.Int("blocks", plan.BlocksToMine),
		slog.Int("swapPairsPerBlock", plan.NullSwapsPerBlock),
		slog.Bool("perCall", plan.PerCall),
		slog.Bool("verifyPrice", plan.VerifyPrice),
	)

	latency := metrics.NewStreamingLatencyStats(nil)
	hashes := make([][]common.Hash, plan.BlocksToMine)
	violations := 0
	txsPerBlock := batch.Len()

	start := time.Now()
	for i := range plan.BlocksToMine {
		blockStart := time.Now()

		ts := plan.Timestamp(i)
		if err := d.node.SetNextBlockTimestamp(ctx, ts); err != nil {
			return nil, fmt.Errorf("block %d: set timestamp %d: %w", i, ts, err)
		}

		if plan.PerCall {
			h, err := d.node.SubmitCalls(ctx, d.callee, calls, plan.CallGasLimit, gasPrice)
			if err != nil {
				return nil, fmt.Errorf("block %d: submit calls: %w", i, err)
			}
			hashes[i] = h
		} else {
			h, err := d.node.SubmitBatch(ctx, d.callee, payload, plan.batchGas(len(calls)), gasPrice)
			if err != nil {
				return nil, fmt.Errorf("block %d: submit batch: %w", i, err)
			}
			hashes[i] = []common.Hash{h}
		}

		if err := d.node.Mine(ctx); err != nil {
			return nil, fmt.Errorf("block %d: mine: %w", i, err)
		}

		elapsed := time.Since(blockStart)
		latency.Add(float64(elapsed.Microseconds()) / 1000)
		if d.observer != nil {
			d.observer.ObserveBlock(elapsed, txsPerBlock)
		}

		if plan.VerifyPrice {
			ok, err := d.checkPrice(ctx, i, initialPrice)
			if err != nil {
				return nil, err
			}
			if !ok {
				violations++
			}
		}

		d.logger.Debug("block mined",
			slog.Int("block", i),
			slog.Int64("timestamp", ts),
			slog.Duration("duration", elapsed),
		)
	}
	wall := time.Since(start)

	gasUsed, err := d.verify(ctx, hashes)
	if err != nil {
		return nil, err
	}

	if wall <= 0 {
		wall = time.Nanosecond
	}
	total := plan.TotalTransactions()
	seconds := wall.Seconds()
	tps := float64(total) / seconds

	result := &Result{
		TotalTransactions: total,
		WallClockSeconds:  seconds,
		AverageThroughput: tps,
		AverageLatencyMs:  1000 / tps,
		Blocks:            plan.BlocksToMine,
		PriceViolations:   violations,
		GasUsed:           gasUsed,
		BlockLatency:      latency.GetStats(),
	}
	if d.observer != nil {
		d.observer.ObserveThroughput(tps)
	}

	d.logger.Info("benchmark complete",
		slog.Int("transactions", total),
		slog.Float64("seconds", seconds),
		slog.Float64("tps", tps),
		slog.Float64("latencyMs", result.AverageLatencyMs),
		slog.Int("priceViolations", violations),
	)
	return result, nil
}

// checkPrice compares the pool price to initial. A violation is logged and
// counted, never fatal.
func (d *Driver) checkPrice(ctx context.Context, block int, initial *big.Int) (bool, error) {
	price, err := d.prices.CurrentPrice(ctx)
	if err != nil {
		return false, fmt.Errorf("block %d: read price: %w", block, err)
	}
	if d.cmp.Within(initial, price) {
		return true, nil
	}
	d.logger.Warn("pool price left tolerance of initial price",
		slog.Int("block", block),
		slog.String("expected", initial.String()),
		slog.String("actual", price.String()),
		slog.String("relativeDiffPpm", tolerance.RelativeDiff(initial, price).String()),
	)
	if d.observer != nil {
		d.observer.ObservePriceViolation()
	}
	return false, nil
}

// verify requires a successful receipt for every submitted transaction.
func (d *Driver) verify(ctx context.Context, hashes [][]common.Hash) (uint64, error) {
	var gas uint64
	for i, block := range hashes {
		receipts, err := d.node.Receipts(ctx, block)
		if err != nil {
			return 0, fmt.Errorf("block %d: receipts: %w", i, err)
		}
		if len(receipts) != len(block) {
			return 0, fmt.Errorf("%w: block %d: %d receipts for %d transactions", ErrBlockFailed, i, len(receipts), len(block))
		}
		for j, r := range receipts {
			if r == nil {
				return 0, fmt.Errorf("%w: block %d: no receipt for %s", ErrBlockFailed, i, block[j].Hex())
			}
			if !r.Succeeded() {
				return 0, fmt.Errorf("%w: block %d: transaction %s reverted", ErrBlockFailed, i, r.TxHash.Hex())
			}
			gas += r.GasUsed
		}
	}
	return gas, nil
}
