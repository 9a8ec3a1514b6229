// Package replay re-executes a recorded pool event sequence against a live
// pool and verifies every emitted result against the recording.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gateway-fm/poolreplay/internal/eventlog"
	"github.com/gateway-fm/poolreplay/internal/tolerance"
	"github.com/gateway-fm/poolreplay/internal/uniswapv3"
)

// Pool is the pool surface the engine drives. Each mutating call returns the
// typed events its transaction emitted.
type Pool interface {
	AddLiquidity(ctx context.Context, tickLower, tickUpper int32, amount *big.Int) (*uniswapv3.Logs, error)
	RemoveLiquidity(ctx context.Context, tickLower, tickUpper int32, amount *big.Int) (*uniswapv3.Logs, error)
	// Swap swaps amountIn of token0 (zeroForOne) or token1. A nil limit is
	// unconstrained.
	Swap(ctx context.Context, zeroForOne bool, amountIn, limit *big.Int) (*uniswapv3.Logs, error)
	CurrentPrice(ctx context.Context) (*big.Int, error)
}

// Observer receives per-event outcomes. metrics.PrometheusMetrics implements it.
type Observer interface {
	ObserveEvent(kind, outcome string)
}

// Event outcomes passed to Observer.
const (
	OutcomeVerified  = "verified"
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
)

// Config configures an Engine.
type Config struct {
	// Tolerance applies to every verified quantity except swap liquidity.
	// The zero Comparator requires exact matches.
	Tolerance tolerance.Comparator
	// ProgressEvery logs progress every n events; zero disables.
	ProgressEvery int
	Observer      Observer
	Logger        *slog.Logger
}

// Report summarizes a completed replay.
type Report struct {
	Verified   int                   `json:"verified"`
	Recovered  int                   `json:"recovered"`
	ByKind     map[eventlog.Kind]int `json:"byKind"`
	GasUsed    uint64                `json:"gasUsed"`
	FinalPrice *big.Int              `json:"finalPrice"`
	Duration   time.Duration         `json:"durationNs"`
}

// Engine replays events one at a time, in order.
type Engine struct {
	pool     Pool
	cmp      tolerance.Comparator
	every    int
	observer Observer
	logger   *slog.Logger
}

// New creates an Engine over pool.
func New(pool Pool, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		pool:     pool,
		cmp:      cfg.Tolerance,
		every:    cfg.ProgressEvery,
		observer: cfg.Observer,
		logger:   logger,
	}
}

// Run replays every event of seq except the reserved final swap, then reads
// the pool's price. Any fatal condition aborts the run and no report is
// returned.
func (e *Engine) Run(ctx context.Context, seq *eventlog.Sequence) (*Report, error) {
	start := time.Now()
	report := &Report{ByKind: make(map[eventlog.Kind]int, 3)}
	events := seq.Replayable()

	e.logger.Info("replay started",
		slog.Int("events", len(events)),
		slog.Float64("tolerance", e.cmp.Fraction()),
	)

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("replay interrupted at event %d: %w", ev.GlobalIndex, err)
		}

		recovered, gas, err := e.replayEvent(ctx, ev)
		if err != nil {
			e.observe(ev.Kind, OutcomeFailed)
			e.logger.Error("replay failed",
				slog.Int64("globalIndex", ev.GlobalIndex),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			return nil, err
		}

		report.Verified++
		report.ByKind[ev.Kind]++
		report.GasUsed += gas
		if recovered {
			report.Recovered++
			e.observe(ev.Kind, OutcomeRecovered)
		} else {
			e.observe(ev.Kind, OutcomeVerified)
		}

		if e.every > 0 && (i+1)%e.every == 0 {
			e.logger.Info("replay progress",
				slog.Int("done", i+1),
				slog.Int("total", len(events)),
				slog.Int("recovered", report.Recovered),
			)
		}
	}

	price, err := e.pool.CurrentPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("read final price: %w", err)
	}
	report.FinalPrice = price
	report.Duration = time.Since(start)

	e.logger.Info("replay complete",
		slog.Int("verified", report.Verified),
		slog.Int("recovered", report.Recovered),
		slog.String("finalSqrtPriceX96", price.String()),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}

func (e *Engine) observe(kind eventlog.Kind, outcome string) {
	if e.observer != nil {
		e.observer.ObserveEvent(string(kind), outcome)
	}
}

func (e *Engine) replayEvent(ctx context.Context, ev eventlog.Event) (recovered bool, gas uint64, err error) {
	switch p := ev.Payload.(type) {
	case eventlog.LiquidityChange:
		if ev.Kind == eventlog.KindMint {
			gas, err = e.replayMint(ctx, ev, p)
		} else {
			gas, err = e.replayBurn(ctx, ev, p)
		}
		return false, gas, err
	case eventlog.Swap:
		return e.replaySwap(ctx, ev, p)
	default:
		return false, 0, &eventlog.ConfigError{GlobalIndex: ev.GlobalIndex, Field: "data", Reason: fmt.Sprintf("unsupported payload %T", p)}
	}
}

func (e *Engine) replayMint(ctx context.Context, ev eventlog.Event, p eventlog.LiquidityChange) (uint64, error) {
	logs, err := e.pool.AddLiquidity(ctx, p.TickLower, p.TickUpper, p.Amount)
	if err != nil {
		return 0, missing(ev, "mint", err)
	}

	var amount0, amount1 *big.Int
	if m, ok := logs.Mint(); ok {
		amount0, amount1 = m.Amount0, m.Amount1
	} else if owed, ok := logs.MintCallback(); ok {
		amount0, amount1 = owed.Amount0, owed.Amount1
	} else {
		return 0, missing(ev, "mint", errors.New("no Mint event"))
	}

	if err := e.within(ev, "amount0", p.Amount0, amount0); err != nil {
		return 0, err
	}
	return logs.GasUsed, e.within(ev, "amount1", p.Amount1, amount1)
}

func (e *Engine) replayBurn(ctx context.Context, ev eventlog.Event, p eventlog.LiquidityChange) (uint64, error) {
	logs, err := e.pool.RemoveLiquidity(ctx, p.TickLower, p.TickUpper, p.Amount)
	if err != nil {
		return 0, missing(ev, "burn", err)
	}
	b, ok := logs.Burn()
	if !ok {
		return 0, missing(ev, "burn", errors.New("no Burn event"))
	}
	if err := e.within(ev, "amount0", p.Amount0, b.Amount0); err != nil {
		return 0, err
	}
	return logs.GasUsed, e.within(ev, "amount1", p.Amount1, b.Amount1)
}

func (e *Engine) replaySwap(ctx context.Context, ev eventlog.Event, p eventlog.Swap) (bool, uint64, error) {
	zeroForOne := p.ZeroForOne()

	got, gas, err := e.swap(ctx, ev, zeroForOne, p.AmountIn(), nil)
	if err != nil {
		return false, 0, err
	}
	if err := e.exact(ev, "liquidity", p.Liquidity, got.Liquidity); err != nil {
		return false, 0, err
	}
	if err := e.within(ev, "amount0", p.Amount0, got.Amount0); err != nil {
		return false, 0, err
	}
	if err := e.within(ev, "amount1", p.Amount1, got.Amount1); err != nil {
		return false, 0, err
	}
	if e.cmp.Within(p.SqrtPriceX96, got.SqrtPriceX96) {
		return false, gas, nil
	}

	e.logger.Warn("did not swap to expected final swap price, retrying at recorded price",
		slog.Int64("globalIndex", ev.GlobalIndex),
		slog.String("expected", p.SqrtPriceX96.String()),
		slog.String("actual", got.SqrtPriceX96.String()),
	)

	retry, retryGas, err := e.swap(ctx, ev, zeroForOne, p.AmountIn(), p.SqrtPriceX96)
	if err != nil {
		return false, 0, err
	}
	if err := e.exact(ev, "liquidity", p.Liquidity, retry.Liquidity); err != nil {
		return false, 0, err
	}
	if !e.cmp.Within(p.SqrtPriceX96, retry.SqrtPriceX96) {
		return false, 0, &ToleranceError{
			GlobalIndex: ev.GlobalIndex,
			Kind:        ev.Kind,
			Field:       "sqrtPriceX96",
			Expected:    p.SqrtPriceX96,
			Actual:      retry.SqrtPriceX96,
			Fraction:    e.cmp.Fraction(),
			Retried:     true,
		}
	}
	return true, gas + retryGas, nil
}

func (e *Engine) swap(ctx context.Context, ev eventlog.Event, zeroForOne bool, amountIn, limit *big.Int) (uniswapv3.SwapEvent, uint64, error) {
	op := "swap"
	if limit != nil {
		op = "swap retry"
	}
	logs, err := e.pool.Swap(ctx, zeroForOne, amountIn, limit)
	if err != nil {
		return uniswapv3.SwapEvent{}, 0, missing(ev, op, err)
	}
	got, ok := logs.Swap()
	if !ok {
		return uniswapv3.SwapEvent{}, 0, missing(ev, op, errors.New("no Swap event"))
	}
	return got, logs.GasUsed, nil
}

func (e *Engine) within(ev eventlog.Event, field string, expected, actual *big.Int) error {
	if e.cmp.Within(expected, actual) {
		return nil
	}
	return &ToleranceError{
		GlobalIndex: ev.GlobalIndex,
		Kind:        ev.Kind,
		Field:       field,
		Expected:    expected,
		Actual:      actual,
		Fraction:    e.cmp.Fraction(),
	}
}

func (e *Engine) exact(ev eventlog.Event, field string, expected, actual *big.Int) error {
	if actual != nil && expected.Cmp(actual) == 0 {
		return nil
	}
	return &InvariantError{GlobalIndex: ev.GlobalIndex, Kind: ev.Kind, Field: field, Expected: expected, Actual: actual}
}

func missing(ev eventlog.Event, op string, err error) error {
	return &MissingResultError{GlobalIndex: ev.GlobalIndex, Kind: ev.Kind, Op: op, Err: err}
}
