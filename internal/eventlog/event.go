// Package eventlog models recorded pool events and the reference metadata
// a recorded sequence assumes.
package eventlog

import (
	"fmt"
	"math/big"
)

// Kind identifies the type of a recorded pool event.
type Kind string

const (
	KindMint  Kind = "Mint"
	KindBurn  Kind = "Burn"
	KindSwap  Kind = "Swap"
	KindFlash Kind = "Flash"
)

// Tick bounds of the pool.
const (
	MinTick = -887272
	MaxTick = 887272
)

// Block locates an event on the source chain.
type Block struct {
	Timestamp   int64
	BlockNumber uint64
}

// Event is one recorded pool event. Immutable once loaded.
type Event struct {
	GlobalIndex int64
	Kind        Kind
	Block       Block
	Payload     Payload
}

// Payload is the kind-specific part of an Event: LiquidityChange or Swap.
type Payload interface {
	payload()
}

// LiquidityChange is the payload of Mint and Burn events.
type LiquidityChange struct {
	Amount    *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
	TickLower int32
	TickUpper int32
}

func (LiquidityChange) payload() {}

// Swap is the payload of a Swap event. Exactly one of Amount0 and Amount1 is
// negative: the token leaving the pool.
type Swap struct {
	Amount0      *big.Int
	Amount1      *big.Int
	Liquidity    *big.Int
	SqrtPriceX96 *big.Int
}

func (Swap) payload() {}

// ZeroForOne reports whether token0 flows into the pool.
func (s Swap) ZeroForOne() bool {
	return s.Amount1.Sign() < 0
}

// AmountIn returns the positive input amount.
func (s Swap) AmountIn() *big.Int {
	if s.ZeroForOne() {
		return new(big.Int).Set(s.Amount0)
	}
	return new(big.Int).Set(s.Amount1)
}

// AmountOut returns the magnitude of the output amount.
func (s Swap) AmountOut() *big.Int {
	if s.ZeroForOne() {
		return new(big.Int).Neg(s.Amount1)
	}
	return new(big.Int).Neg(s.Amount0)
}

func (s Swap) validate() error {
	neg0 := s.Amount0.Sign() < 0
	neg1 := s.Amount1.Sign() < 0
	if neg0 == neg1 {
		return fmt.Errorf("exactly one of amount0 (%s) and amount1 (%s) must be negative", s.Amount0, s.Amount1)
	}
	if s.Liquidity.Sign() < 0 {
		return fmt.Errorf("negative liquidity %s", s.Liquidity)
	}
	if s.SqrtPriceX96.Sign() <= 0 {
		return fmt.Errorf("non-positive sqrtPriceX96 %s", s.SqrtPriceX96)
	}
	return nil
}

func (c LiquidityChange) validate() error {
	if c.TickLower < MinTick || c.TickUpper > MaxTick {
		return fmt.Errorf("tick range [%d, %d] outside [%d, %d]", c.TickLower, c.TickUpper, MinTick, MaxTick)
	}
	if c.TickLower >= c.TickUpper {
		return fmt.Errorf("tickLower %d must be below tickUpper %d", c.TickLower, c.TickUpper)
	}
	for name, v := range map[string]*big.Int{"amount": c.Amount, "amount0": c.Amount0, "amount1": c.Amount1} {
		if v.Sign() < 0 {
			return fmt.Errorf("negative %s %s", name, v)
		}
	}
	return nil
}

// PoolMetadata describes the initial condition a recorded sequence assumes.
type PoolMetadata struct {
	InitSqrtPriceX96 *big.Int
	Timestamp        int64
	Fee              uint32
	LastIndexedBlock uint64
	LastGlobalIndex  int64
}

// Sequence is a validated, ordered event list split into the replayable
// prefix and the final Swap reserved as the synthesis reference.
type Sequence struct {
	replayable []Event
	final      Event
}

// NewSequence validates ordering and payloads. The final event must be a Swap.
func NewSequence(events []Event) (*Sequence, error) {
	if len(events) == 0 {
		return nil, &ConfigError{Field: "events", Reason: "empty event sequence"}
	}

	for i, ev := range events {
		if i > 0 && ev.GlobalIndex <= events[i-1].GlobalIndex {
			return nil, &ConfigError{
				GlobalIndex: ev.GlobalIndex,
				Field:       "globalIndex",
				Reason:      fmt.Sprintf("not increasing (previous %d)", events[i-1].GlobalIndex),
			}
		}
		if err := checkPayload(ev); err != nil {
			return nil, err
		}
	}

	last := events[len(events)-1]
	if _, ok := last.Payload.(Swap); !ok {
		return nil, &ConfigError{
			GlobalIndex: last.GlobalIndex,
			Field:       "type",
			Reason:      fmt.Sprintf("final event must be a Swap, got %s", last.Kind),
		}
	}

	replayable := make([]Event, len(events)-1)
	copy(replayable, events[:len(events)-1])
	return &Sequence{replayable: replayable, final: last}, nil
}

func checkPayload(ev Event) error {
	var err error
	switch p := ev.Payload.(type) {
	case LiquidityChange:
		if ev.Kind != KindMint && ev.Kind != KindBurn {
			err = fmt.Errorf("liquidity payload on %s event", ev.Kind)
		} else {
			err = p.validate()
		}
	case Swap:
		if ev.Kind != KindSwap {
			err = fmt.Errorf("swap payload on %s event", ev.Kind)
		} else {
			err = p.validate()
		}
	default:
		err = fmt.Errorf("unsupported payload for %s event", ev.Kind)
	}
	if err != nil {
		return &ConfigError{GlobalIndex: ev.GlobalIndex, Field: "data", Reason: err.Error()}
	}
	return nil
}

// Replayable returns the events to be replayed, in order. The final Swap is
// never included.
func (s *Sequence) Replayable() []Event {
	return s.replayable
}

// Final returns the reserved final event.
func (s *Sequence) Final() Event {
	return s.final
}

// FinalSwap returns the reserved final event's payload.
func (s *Sequence) FinalSwap() Swap {
	return s.final.Payload.(Swap)
}

// Len returns the total number of events including the final one.
func (s *Sequence) Len() int {
	return len(s.replayable) + 1
}

// Counts returns the number of replayable events per kind.
func (s *Sequence) Counts() map[Kind]int {
	counts := make(map[Kind]int, 3)
	for _, ev := range s.replayable {
		counts[ev.Kind]++
	}
	return counts
}
