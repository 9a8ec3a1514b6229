package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/gateway-fm/poolreplay/internal/eventlog"
	"github.com/gateway-fm/poolreplay/internal/pooltest"
	"github.com/gateway-fm/poolreplay/internal/tolerance"
	"github.com/gateway-fm/poolreplay/internal/uniswapv3"
)

var (
	q96         = new(big.Int).Lsh(big.NewInt(1), 96)
	quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveEvent(kind, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[kind+"/"+outcome]++
}

func TestEngineReplaysRecordedHistory(t *testing.T) {
	events, err := pooltest.Record(q96, pooltest.History(100))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	seq, err := eventlog.NewSequence(events)
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}

	sim := pooltest.NewSim(q96)
	obs := &countingObserver{}
	engine := New(sim, Config{Tolerance: tolerance.Default(), ProgressEvery: 25, Observer: obs, Logger: quietLogger})

	report, err := engine.Run(context.Background(), seq)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Verified != 99 {
		t.Errorf("Verified = %d, want 99", report.Verified)
	}
	if report.Recovered != 0 {
		t.Errorf("Recovered = %d, want 0", report.Recovered)
	}

	want := seq.Counts()
	for kind, n := range want {
		if report.ByKind[kind] != n {
			t.Errorf("ByKind[%s] = %d, want %d", kind, report.ByKind[kind], n)
		}
		if got := obs.counts[string(kind)+"/"+OutcomeVerified]; got != n {
			t.Errorf("observed %s verified = %d, want %d", kind, got, n)
		}
	}

	price, _ := sim.CurrentPrice(context.Background())
	if report.FinalPrice.Cmp(price) != 0 {
		t.Errorf("FinalPrice = %s, want %s", report.FinalPrice, price)
	}
	// The reserved final swap was not executed.
	if got, wantSwaps := sim.Swaps(), want[eventlog.KindSwap]; got != wantSwaps {
		t.Errorf("Swaps() = %d, want %d", got, wantSwaps)
	}
}

// scriptedPool returns canned results and records swap limits.
type scriptedPool struct {
	swaps    []*uniswapv3.Logs
	swapErr  error
	limits   []*big.Int
	mint     *uniswapv3.Logs
	burn     *uniswapv3.Logs
	price    *big.Int
	priceErr error
}

func (p *scriptedPool) AddLiquidity(context.Context, int32, int32, *big.Int) (*uniswapv3.Logs, error) {
	return p.mint, nil
}

func (p *scriptedPool) RemoveLiquidity(context.Context, int32, int32, *big.Int) (*uniswapv3.Logs, error) {
	return p.burn, nil
}

func (p *scriptedPool) Swap(_ context.Context, _ bool, _, limit *big.Int) (*uniswapv3.Logs, error) {
	p.limits = append(p.limits, limit)
	if p.swapErr != nil {
		return nil, p.swapErr
	}
	if len(p.swaps) == 0 {
		return &uniswapv3.Logs{}, nil
	}
	next := p.swaps[0]
	p.swaps = p.swaps[1:]
	return next, nil
}

func (p *scriptedPool) CurrentPrice(context.Context) (*big.Int, error) {
	if p.priceErr != nil {
		return nil, p.priceErr
	}
	if p.price == nil {
		return new(big.Int).Set(q96), nil
	}
	return p.price, nil
}

var recordedPrice = new(big.Int).Mul(q96, big.NewInt(2))

func recordedSwap() eventlog.Swap {
	return eventlog.Swap{
		Amount0:      big.NewInt(1_000_000),
		Amount1:      big.NewInt(-990_000),
		Liquidity:    big.NewInt(5_000_000_000),
		SqrtPriceX96: recordedPrice,
	}
}

// swapSequence holds one replayable swap followed by the reserved final swap.
func swapSequence(t *testing.T, sw eventlog.Swap) *eventlog.Sequence {
	t.Helper()
	seq, err := eventlog.NewSequence([]eventlog.Event{
		{GlobalIndex: 10, Kind: eventlog.KindSwap, Payload: sw},
		{GlobalIndex: 11, Kind: eventlog.KindSwap, Payload: recordedSwap()},
	})
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	return seq
}

func swapLogs(amount0, amount1, liquidity, price *big.Int) *uniswapv3.Logs {
	return &uniswapv3.Logs{
		GasUsed: 100_000,
		Swaps: []uniswapv3.SwapEvent{{
			Amount0:      amount0,
			Amount1:      amount1,
			Liquidity:    liquidity,
			SqrtPriceX96: price,
		}},
	}
}

// offBy scales v by (1 + percent/100).
func offBy(v *big.Int, percent int64) *big.Int {
	d := new(big.Int).Mul(v, big.NewInt(percent))
	return d.Add(v, d.Quo(d, big.NewInt(100)))
}

func TestEngineRecoversFromPriceDrift(t *testing.T) {
	sw := recordedSwap()
	pool := &scriptedPool{swaps: []*uniswapv3.Logs{
		swapLogs(sw.Amount0, sw.Amount1, sw.Liquidity, offBy(sw.SqrtPriceX96, 1)),
		swapLogs(big.NewInt(1), big.NewInt(-1), sw.Liquidity, sw.SqrtPriceX96),
	}}
	obs := &countingObserver{}
	engine := New(pool, Config{Tolerance: tolerance.Default(), Observer: obs, Logger: quietLogger})

	report, err := engine.Run(context.Background(), swapSequence(t, sw))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Verified != 1 || report.Recovered != 1 {
		t.Errorf("Verified/Recovered = %d/%d, want 1/1", report.Verified, report.Recovered)
	}
	if report.GasUsed != 200_000 {
		t.Errorf("GasUsed = %d, want 200000", report.GasUsed)
	}
	if len(pool.limits) != 2 {
		t.Fatalf("swap calls = %d, want 2", len(pool.limits))
	}
	if pool.limits[0] != nil {
		t.Errorf("first limit = %s, want nil", pool.limits[0])
	}
	if pool.limits[1] == nil || pool.limits[1].Cmp(sw.SqrtPriceX96) != 0 {
		t.Errorf("retry limit = %v, want %s", pool.limits[1], sw.SqrtPriceX96)
	}
	if got := obs.counts["Swap/"+OutcomeRecovered]; got != 1 {
		t.Errorf("observed recovered = %d, want 1", got)
	}
}

func TestEngineFailsWhenRetryStillDrifts(t *testing.T) {
	sw := recordedSwap()
	drifted := offBy(sw.SqrtPriceX96, 1)
	pool := &scriptedPool{swaps: []*uniswapv3.Logs{
		swapLogs(sw.Amount0, sw.Amount1, sw.Liquidity, drifted),
		swapLogs(sw.Amount0, sw.Amount1, sw.Liquidity, drifted),
	}}
	obs := &countingObserver{}
	engine := New(pool, Config{Tolerance: tolerance.Default(), Observer: obs, Logger: quietLogger})

	report, err := engine.Run(context.Background(), swapSequence(t, sw))
	if report != nil {
		t.Errorf("Run() report = %+v, want nil", report)
	}
	var tolErr *ToleranceError
	if !errors.As(err, &tolErr) {
		t.Fatalf("Run() error = %v, want ToleranceError", err)
	}
	if !tolErr.Retried || tolErr.Field != "sqrtPriceX96" || tolErr.GlobalIndex != 10 {
		t.Errorf("ToleranceError = %+v, want retried sqrtPriceX96 at 10", tolErr)
	}
	if len(pool.limits) != 2 {
		t.Errorf("swap calls = %d, want exactly one retry", len(pool.limits))
	}
	if got := obs.counts["Swap/"+OutcomeFailed]; got != 1 {
		t.Errorf("observed failed = %d, want 1", got)
	}
}

func TestEngineSwapMismatches(t *testing.T) {
	sw := recordedSwap()
	tests := []struct {
		name      string
		logs      *uniswapv3.Logs
		wantField string
		invariant bool
	}{
		{
			name:      "liquidity differs by one",
			logs:      swapLogs(sw.Amount0, sw.Amount1, new(big.Int).Add(sw.Liquidity, big.NewInt(1)), sw.SqrtPriceX96),
			wantField: "liquidity",
			invariant: true,
		},
		{
			name:      "amount0 outside tolerance",
			logs:      swapLogs(offBy(sw.Amount0, 1), sw.Amount1, sw.Liquidity, sw.SqrtPriceX96),
			wantField: "amount0",
		},
		{
			name:      "amount1 outside tolerance",
			logs:      swapLogs(sw.Amount0, offBy(sw.Amount1, 1), sw.Liquidity, sw.SqrtPriceX96),
			wantField: "amount1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &scriptedPool{swaps: []*uniswapv3.Logs{tt.logs}}
			engine := New(pool, Config{Tolerance: tolerance.Default(), Logger: quietLogger})

			_, err := engine.Run(context.Background(), swapSequence(t, sw))
			if tt.invariant {
				var invErr *InvariantError
				if !errors.As(err, &invErr) || invErr.Field != tt.wantField {
					t.Errorf("Run() error = %v, want InvariantError on %s", err, tt.wantField)
				}
			} else {
				var tolErr *ToleranceError
				if !errors.As(err, &tolErr) || tolErr.Field != tt.wantField || tolErr.Retried {
					t.Errorf("Run() error = %v, want ToleranceError on %s without retry", err, tt.wantField)
				}
			}
			if len(pool.limits) != 1 {
				t.Errorf("swap calls = %d, want 1", len(pool.limits))
			}
		})
	}
}

func TestEngineWithinToleranceVerifies(t *testing.T) {
	sw := recordedSwap()
	// 0.05% off on every toleranced field.
	half := func(v *big.Int) *big.Int {
		d := new(big.Int).Quo(v, big.NewInt(2000))
		return d.Add(v, d)
	}
	pool := &scriptedPool{swaps: []*uniswapv3.Logs{
		swapLogs(half(sw.Amount0), half(sw.Amount1), sw.Liquidity, half(sw.SqrtPriceX96)),
	}}
	engine := New(pool, Config{Tolerance: tolerance.Default(), Logger: quietLogger})

	report, err := engine.Run(context.Background(), swapSequence(t, sw))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Recovered != 0 || len(pool.limits) != 1 {
		t.Errorf("Recovered = %d, swap calls = %d, want 0 and 1", report.Recovered, len(pool.limits))
	}
}

func TestEngineMissingResult(t *testing.T) {
	sw := recordedSwap()
	boom := errors.New("transaction reverted")
	tests := []struct {
		name    string
		pool    *scriptedPool
		wantErr error
	}{
		{"submission error", &scriptedPool{swapErr: boom}, boom},
		{"no swap event", &scriptedPool{swaps: []*uniswapv3.Logs{{}}}, nil},
		{"nil logs", &scriptedPool{swaps: []*uniswapv3.Logs{nil}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := New(tt.pool, Config{Tolerance: tolerance.Default(), Logger: quietLogger})
			report, err := engine.Run(context.Background(), swapSequence(t, sw))
			if report != nil {
				t.Errorf("Run() report = %+v, want nil", report)
			}
			var missErr *MissingResultError
			if !errors.As(err, &missErr) {
				t.Fatalf("Run() error = %v, want MissingResultError", err)
			}
			if missErr.GlobalIndex != 10 {
				t.Errorf("GlobalIndex = %d, want 10", missErr.GlobalIndex)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want wrapping %v", err, tt.wantErr)
			}
		})
	}
}

func liquiditySequence(t *testing.T, kind eventlog.Kind, change eventlog.LiquidityChange) *eventlog.Sequence {
	t.Helper()
	seq, err := eventlog.NewSequence([]eventlog.Event{
		{GlobalIndex: 1, Kind: kind, Payload: change},
		{GlobalIndex: 2, Kind: eventlog.KindSwap, Payload: recordedSwap()},
	})
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	return seq
}

func TestEngineLiquidityEvents(t *testing.T) {
	change := eventlog.LiquidityChange{
		Amount:    big.NewInt(1_000_000),
		Amount0:   big.NewInt(40_000),
		Amount1:   big.NewInt(60_000),
		TickLower: -600,
		TickUpper: 600,
	}
	exact := uniswapv3.LiquidityEvent{Amount: change.Amount, Amount0: change.Amount0, Amount1: change.Amount1}
	off := uniswapv3.LiquidityEvent{Amount: change.Amount, Amount0: change.Amount0, Amount1: big.NewInt(61_000)}

	tests := []struct {
		name    string
		kind    eventlog.Kind
		pool    *scriptedPool
		wantErr any
	}{
		{"mint event", eventlog.KindMint, &scriptedPool{mint: &uniswapv3.Logs{Mints: []uniswapv3.LiquidityEvent{exact}}}, nil},
		{
			"mint callback fallback",
			eventlog.KindMint,
			&scriptedPool{mint: &uniswapv3.Logs{MintCallbacks: []uniswapv3.OwedEvent{{Amount0: change.Amount0, Amount1: change.Amount1}}}},
			nil,
		},
		{"mint without events", eventlog.KindMint, &scriptedPool{mint: &uniswapv3.Logs{}}, &MissingResultError{}},
		{"mint amount off", eventlog.KindMint, &scriptedPool{mint: &uniswapv3.Logs{Mints: []uniswapv3.LiquidityEvent{off}}}, &ToleranceError{}},
		{"burn event", eventlog.KindBurn, &scriptedPool{burn: &uniswapv3.Logs{Burns: []uniswapv3.LiquidityEvent{exact}}}, nil},
		{"burn amount off", eventlog.KindBurn, &scriptedPool{burn: &uniswapv3.Logs{Burns: []uniswapv3.LiquidityEvent{off}}}, &ToleranceError{}},
		{"burn without event", eventlog.KindBurn, &scriptedPool{burn: &uniswapv3.Logs{}}, &MissingResultError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := New(tt.pool, Config{Tolerance: tolerance.Default(), Logger: quietLogger})
			report, err := engine.Run(context.Background(), liquiditySequence(t, tt.kind, change))
			switch want := tt.wantErr.(type) {
			case nil:
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				if report.ByKind[tt.kind] != 1 {
					t.Errorf("ByKind[%s] = %d, want 1", tt.kind, report.ByKind[tt.kind])
				}
			case *MissingResultError:
				if !errors.As(err, &want) {
					t.Errorf("Run() error = %v, want MissingResultError", err)
				}
			case *ToleranceError:
				if !errors.As(err, &want) || want.Field != "amount1" {
					t.Errorf("Run() error = %v, want ToleranceError on amount1", err)
				}
			}
		})
	}
}

func TestEngineZeroComparatorIsExact(t *testing.T) {
	sw := recordedSwap()
	pool := &scriptedPool{swaps: []*uniswapv3.Logs{
		swapLogs(new(big.Int).Add(sw.Amount0, big.NewInt(1)), sw.Amount1, sw.Liquidity, sw.SqrtPriceX96),
	}}
	engine := New(pool, Config{Logger: quietLogger})

	_, err := engine.Run(context.Background(), swapSequence(t, sw))
	var tolErr *ToleranceError
	if !errors.As(err, &tolErr) || tolErr.Field != "amount0" {
		t.Errorf("Run() error = %v, want ToleranceError on amount0", err)
	}
}

func TestEngineStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := &scriptedPool{}
	engine := New(pool, Config{Tolerance: tolerance.Default(), Logger: quietLogger})
	report, err := engine.Run(ctx, swapSequence(t, recordedSwap()))
	if report != nil {
		t.Errorf("Run() report = %+v, want nil", report)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(pool.limits) != 0 {
		t.Errorf("swap calls = %d, want 0", len(pool.limits))
	}
}

func TestEngineFinalPriceError(t *testing.T) {
	sw := recordedSwap()
	pool := &scriptedPool{
		swaps:    []*uniswapv3.Logs{swapLogs(sw.Amount0, sw.Amount1, sw.Liquidity, sw.SqrtPriceX96)},
		priceErr: errors.New("slot0 failed"),
	}
	engine := New(pool, Config{Tolerance: tolerance.Default(), Logger: quietLogger})
	if _, err := engine.Run(context.Background(), swapSequence(t, sw)); err == nil {
		t.Error("Run() error = nil, want error")
	}
}
