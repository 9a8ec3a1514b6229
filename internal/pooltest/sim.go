// Package pooltest provides an in-memory pool for tests: a single
// full-range position priced with constant-liquidity swap math and no fees.
package pooltest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/gateway-fm/poolreplay/internal/eventlog"
	"github.com/gateway-fm/poolreplay/internal/uniswapv3"
)

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// ErrPriceLimit mirrors the pool's revert for a limit on the wrong side of
// the current price.
var ErrPriceLimit = errors.New("SPL")

// ErrLocked mirrors the pool's revert for any call before initialization.
var ErrLocked = errors.New("LOK")

// ErrNotMining is returned for a transaction sent while the node mines
// nothing: a real node would accept it and never produce a receipt.
var ErrNotMining = errors.New("transaction never mined: automatic mining is off")

// Sim is an in-memory pool. It is safe for concurrent use.
type Sim struct {
	mu        sync.Mutex
	price     *big.Int
	liquidity *big.Int
	swaps     int
	// halted is set by Node while neither automine nor interval mining is
	// on. Only Apply, which runs inside an explicit mine, executes then.
	halted bool
}

func (s *Sim) setHalted(halted bool) {
	s.mu.Lock()
	s.halted = halted
	s.mu.Unlock()
}

// NewSim creates a pool at sqrtPriceX96 with no liquidity. A nil price
// creates an uninitialized pool.
func NewSim(sqrtPriceX96 *big.Int) *Sim {
	s := &Sim{liquidity: new(big.Int)}
	if sqrtPriceX96 != nil {
		s.price = new(big.Int).Set(sqrtPriceX96)
	}
	return s
}

// Initialize sets the starting price. It fails once the pool has a price.
func (s *Sim) Initialize(_ context.Context, sqrtPriceX96 *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return ErrNotMining
	}
	if s.price != nil {
		return errors.New("AI")
	}
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return fmt.Errorf("invalid sqrtPriceX96 %v", sqrtPriceX96)
	}
	s.price = new(big.Int).Set(sqrtPriceX96)
	return nil
}

// ApproveCallee only checks that it would be mined: the simulation has no
// token balances.
func (s *Sim) ApproveCallee(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return ErrNotMining
	}
	return nil
}

// Swaps returns the number of executed swaps.
func (s *Sim) Swaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swaps
}

// Liquidity returns the active liquidity.
func (s *Sim) Liquidity() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.liquidity)
}

// CurrentPrice returns sqrtPriceX96.
func (s *Sim) CurrentPrice(context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.price == nil {
		return nil, ErrLocked
	}
	return new(big.Int).Set(s.price), nil
}

// AddLiquidity adds amount of liquidity. Ticks are ignored.
func (s *Sim) AddLiquidity(_ context.Context, tickLower, tickUpper int32, amount *big.Int) (*uniswapv3.Logs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return nil, ErrNotMining
	}
	if s.price == nil {
		return nil, ErrLocked
	}
	a0, a1 := s.amounts(amount, true)
	s.liquidity.Add(s.liquidity, amount)
	ev := uniswapv3.LiquidityEvent{TickLower: tickLower, TickUpper: tickUpper, Amount: new(big.Int).Set(amount), Amount0: a0, Amount1: a1}
	return &uniswapv3.Logs{
		Mints:         []uniswapv3.LiquidityEvent{ev},
		MintCallbacks: []uniswapv3.OwedEvent{{Amount0: a0, Amount1: a1}},
	}, nil
}

// RemoveLiquidity removes amount of liquidity. Ticks are ignored.
func (s *Sim) RemoveLiquidity(_ context.Context, tickLower, tickUpper int32, amount *big.Int) (*uniswapv3.Logs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return nil, ErrNotMining
	}
	if s.price == nil {
		return nil, ErrLocked
	}
	if amount.Cmp(s.liquidity) > 0 {
		return nil, fmt.Errorf("burn %s exceeds liquidity %s", amount, s.liquidity)
	}
	a0, a1 := s.amounts(amount, false)
	s.liquidity.Sub(s.liquidity, amount)
	ev := uniswapv3.LiquidityEvent{TickLower: tickLower, TickUpper: tickUpper, Amount: new(big.Int).Set(amount), Amount0: a0, Amount1: a1}
	return &uniswapv3.Logs{Burns: []uniswapv3.LiquidityEvent{ev}}, nil
}

// amounts returns the token amounts backing liquidity at the current price.
func (s *Sim) amounts(liquidity *big.Int, roundUp bool) (*big.Int, *big.Int) {
	a0 := div(new(big.Int).Mul(liquidity, q96), s.price, roundUp)
	a1 := div(new(big.Int).Mul(liquidity, s.price), q96, roundUp)
	return a0, a1
}

// Swap swaps exact amountIn. A nil limit is unconstrained.
func (s *Sim) Swap(_ context.Context, zeroForOne bool, amountIn, limit *big.Int) (*uniswapv3.Logs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return nil, ErrNotMining
	}
	ev, err := s.swap(zeroForOne, amountIn, uniswapv3.LimitFor(zeroForOne, limit))
	if err != nil {
		return nil, err
	}
	return &uniswapv3.Logs{Swaps: []uniswapv3.SwapEvent{ev}}, nil
}

func (s *Sim) swap(zeroForOne bool, amountIn, limit *big.Int) (uniswapv3.SwapEvent, error) {
	if s.price == nil {
		return uniswapv3.SwapEvent{}, ErrLocked
	}
	if !uniswapv3.LimitValid(zeroForOne, s.price, limit) {
		return uniswapv3.SwapEvent{}, fmt.Errorf("%w: limit %s, price %s", ErrPriceLimit, limit, s.price)
	}
	if s.liquidity.Sign() == 0 {
		return uniswapv3.SwapEvent{}, errors.New("no liquidity")
	}

	L := s.liquidity
	p := s.price
	used := new(big.Int).Set(amountIn)
	var target, out *big.Int

	if zeroForOne {
		// 1/target = 1/p + amountIn/L
		num := new(big.Int).Mul(L, p)
		num.Mul(num, q96)
		den := new(big.Int).Mul(L, q96)
		den.Add(den, new(big.Int).Mul(amountIn, p))
		target = div(num, den, true)
		if target.Cmp(limit) < 0 {
			target = new(big.Int).Set(limit)
			used = delta0(L, target, p, true)
		}
		out = new(big.Int).Mul(L, new(big.Int).Sub(p, target))
		out = div(out, q96, false)
	} else {
		target = new(big.Int).Add(p, div(new(big.Int).Mul(amountIn, q96), L, false))
		if target.Cmp(limit) > 0 {
			target = new(big.Int).Set(limit)
			used = div(new(big.Int).Mul(L, new(big.Int).Sub(target, p)), q96, true)
		}
		out = delta0(L, p, target, false)
	}

	s.price = target
	s.swaps++

	ev := uniswapv3.SwapEvent{
		SqrtPriceX96: new(big.Int).Set(target),
		Liquidity:    new(big.Int).Set(L),
	}
	if zeroForOne {
		ev.Amount0, ev.Amount1 = used, new(big.Int).Neg(out)
	} else {
		ev.Amount0, ev.Amount1 = new(big.Int).Neg(out), used
	}
	return ev, nil
}

// Apply executes callee calldata: a single swap or a multicall of swaps.
// A multicall is atomic.
func (s *Sim) Apply(data []byte) error {
	calls, err := uniswapv3.DecodeMulticall(data)
	if err != nil {
		calls = [][]byte{data}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.price == nil {
		return ErrLocked
	}
	snapshot := new(big.Int).Set(s.price)
	swaps := s.swaps
	for i, raw := range calls {
		call, err := uniswapv3.DecodeSwap(raw)
		if err == nil {
			_, err = s.swap(call.ZeroForOne, call.AmountIn, call.Limit)
		}
		if err != nil {
			s.price, s.swaps = snapshot, swaps
			return fmt.Errorf("call %d: %w", i, err)
		}
	}
	return nil
}

// delta0 is the token0 amount between prices a < b: L*q96*(b-a)/(a*b).
func delta0(L, a, b *big.Int, roundUp bool) *big.Int {
	num := new(big.Int).Mul(L, q96)
	num.Mul(num, new(big.Int).Sub(b, a))
	return div(num, new(big.Int).Mul(a, b), roundUp)
}

func div(a, b *big.Int, roundUp bool) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if roundUp && r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Step is one operation of a recorded history.
type Step struct {
	Kind       eventlog.Kind
	Amount     *big.Int // liquidity for Mint/Burn, amountIn for Swap
	ZeroForOne bool
}

// Record plays steps against a fresh Sim and returns them as recorded events
// with increasing globalIndex, as an indexer would have captured them.
func Record(initPrice *big.Int, steps []Step) ([]eventlog.Event, error) {
	sim := NewSim(initPrice)
	ctx := context.Background()
	events := make([]eventlog.Event, 0, len(steps))

	for i, st := range steps {
		ev := eventlog.Event{
			GlobalIndex: int64(1_000_000 + i),
			Kind:        st.Kind,
			Block:       eventlog.Block{Timestamp: int64(1_619_830_000 + 15*i), BlockNumber: uint64(12_370_000 + i)},
		}
		switch st.Kind {
		case eventlog.KindMint, eventlog.KindBurn:
			op := sim.AddLiquidity
			if st.Kind == eventlog.KindBurn {
				op = sim.RemoveLiquidity
			}
			logs, err := op(ctx, eventlog.MinTick, eventlog.MaxTick, st.Amount)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			m, ok := logs.Mint()
			if !ok {
				m, _ = logs.Burn()
			}
			ev.Payload = eventlog.LiquidityChange{
				Amount:    m.Amount,
				Amount0:   m.Amount0,
				Amount1:   m.Amount1,
				TickLower: eventlog.MinTick,
				TickUpper: eventlog.MaxTick,
			}
		case eventlog.KindSwap:
			logs, err := sim.Swap(ctx, st.ZeroForOne, st.Amount, nil)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			sw, _ := logs.Swap()
			ev.Payload = eventlog.Swap{
				Amount0:      sw.Amount0,
				Amount1:      sw.Amount1,
				Liquidity:    sw.Liquidity,
				SqrtPriceX96: sw.SqrtPriceX96,
			}
		default:
			return nil, fmt.Errorf("step %d: unsupported kind %s", i, st.Kind)
		}
		events = append(events, ev)
	}
	return events, nil
}

var wei = big.NewInt(1_000_000_000_000_000_000)

// History returns n recorded steps: an opening mint of 1000e18, then swaps
// of 1e18 to 3e18 in alternating directions with a mint and a burn every
// ten steps. For n of at least 2 the final step is a swap when n-1 is not
// congruent to 5 or 7 modulo 10.
func History(n int) []Step {
	steps := []Step{{Kind: eventlog.KindMint, Amount: new(big.Int).Mul(big.NewInt(1000), wei)}}
	for i := 1; i < n; i++ {
		switch i % 10 {
		case 5:
			steps = append(steps, Step{Kind: eventlog.KindMint, Amount: new(big.Int).Mul(big.NewInt(50), wei)})
		case 7:
			steps = append(steps, Step{Kind: eventlog.KindBurn, Amount: new(big.Int).Mul(big.NewInt(20), wei)})
		default:
			steps = append(steps, Step{
				Kind:       eventlog.KindSwap,
				Amount:     new(big.Int).Mul(big.NewInt(int64(i%3+1)), wei),
				ZeroForOne: i%2 == 0,
			})
		}
	}
	return steps
}
