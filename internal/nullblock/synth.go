// Package nullblock builds price-neutral swap batches: pairs of swaps that
// push the pool price to a recorded target and back again.
package nullblock

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/eventlog"
	"github.com/gateway-fm/poolreplay/internal/uniswapv3"
)

var two = big.NewInt(2)

// Call is one encoded callee swap.
type Call struct {
	ZeroForOne bool
	AmountIn   *big.Int
	Limit      *big.Int
	Data       []byte
}

// Batch is an ordered list of swap pairs.
type Batch struct {
	Calls []Call
}

// Len returns the number of calls.
func (b Batch) Len() int {
	return len(b.Calls)
}

// Pairs returns the number of swap pairs.
func (b Batch) Pairs() int {
	return len(b.Calls) / 2
}

// Payloads returns the calldata of every call, in order.
func (b Batch) Payloads() [][]byte {
	out := make([][]byte, len(b.Calls))
	for i, c := range b.Calls {
		out[i] = c.Data
	}
	return out
}

// Multicall wraps the whole batch into one callee.multicall payload.
func (b Batch) Multicall() ([]byte, error) {
	return uniswapv3.EncodeMulticall(b.Payloads())
}

// Synthesizer encodes swaps for one pool. Construction is pure.
type Synthesizer struct {
	Pool      common.Address
	Recipient common.Address
}

// Synthesize emits count pairs derived from the final recorded swap. The
// first leg swaps twice the recorded input in the recorded direction,
// limited at the recorded price. The second leg swaps twice the recorded
// output back, limited at initialPrice. The limits bound each leg, so the
// doubled amounts only guarantee the limit is reached.
//
// observedPrice is the pool price the batch will start from.
func (s Synthesizer) Synthesize(final eventlog.Swap, observedPrice, initialPrice *big.Int, count int) (Batch, error) {
	if count <= 0 {
		return Batch{}, &eventlog.ConfigError{Field: "nullSwapsPerBlock", Reason: fmt.Sprintf("must be positive, got %d", count)}
	}
	if observedPrice == nil || observedPrice.Sign() <= 0 {
		return Batch{}, &eventlog.ConfigError{Field: "observedPrice", Reason: fmt.Sprintf("must be positive, got %v", observedPrice)}
	}
	if initialPrice == nil || initialPrice.Sign() <= 0 {
		return Batch{}, &eventlog.ConfigError{Field: "initialPrice", Reason: fmt.Sprintf("must be positive, got %v", initialPrice)}
	}
	if final.SqrtPriceX96 == nil || final.Amount0 == nil || final.Amount1 == nil {
		return Batch{}, &eventlog.ConfigError{Field: "finalSwap", Reason: "incomplete swap payload"}
	}
	if (final.Amount0.Sign() < 0) == (final.Amount1.Sign() < 0) {
		return Batch{}, &eventlog.ConfigError{Field: "finalSwap", Reason: "direction cannot be resolved from amounts"}
	}

	dir := final.ZeroForOne()
	target := final.SqrtPriceX96

	if !uniswapv3.LimitValid(dir, observedPrice, target) {
		return Batch{}, &eventlog.ConfigError{
			Field: "sqrtPriceX96",
			Reason: fmt.Sprintf("first leg limit %s is not %s observed price %s",
				target, side(dir), observedPrice),
		}
	}
	if !uniswapv3.LimitValid(!dir, target, initialPrice) {
		return Batch{}, &eventlog.ConfigError{
			Field: "initialPrice",
			Reason: fmt.Sprintf("second leg limit %s is not %s recorded price %s",
				initialPrice, side(!dir), target),
		}
	}

	forward := s.call(dir, new(big.Int).Mul(final.AmountIn(), two), target)
	back := s.call(!dir, new(big.Int).Mul(final.AmountOut(), two), initialPrice)

	calls := make([]Call, 0, 2*count)
	for range count {
		calls = append(calls, forward, back)
	}
	return Batch{Calls: calls}, nil
}

func (s Synthesizer) call(zeroForOne bool, amountIn, limit *big.Int) Call {
	return Call{
		ZeroForOne: zeroForOne,
		AmountIn:   amountIn,
		Limit:      new(big.Int).Set(limit),
		Data:       uniswapv3.EncodeSwap(s.Pool, zeroForOne, amountIn, s.Recipient, limit),
	}
}

func side(zeroForOne bool) string {
	if zeroForOne {
		return "below"
	}
	return "above"
}
