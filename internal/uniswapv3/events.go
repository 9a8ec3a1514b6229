package uniswapv3

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/rpc"
)

const poolEventsABI = `[
{"type":"event","name":"Mint","anonymous":false,"inputs":[
 {"name":"sender","type":"address","indexed":false},
 {"name":"owner","type":"address","indexed":true},
 {"name":"tickLower","type":"int24","indexed":true},
 {"name":"tickUpper","type":"int24","indexed":true},
 {"name":"amount","type":"uint128","indexed":false},
 {"name":"amount0","type":"uint256","indexed":false},
 {"name":"amount1","type":"uint256","indexed":false}]},
{"type":"event","name":"Burn","anonymous":false,"inputs":[
 {"name":"owner","type":"address","indexed":true},
 {"name":"tickLower","type":"int24","indexed":true},
 {"name":"tickUpper","type":"int24","indexed":true},
 {"name":"amount","type":"uint128","indexed":false},
 {"name":"amount0","type":"uint256","indexed":false},
 {"name":"amount1","type":"uint256","indexed":false}]},
{"type":"event","name":"Collect","anonymous":false,"inputs":[
 {"name":"owner","type":"address","indexed":true},
 {"name":"recipient","type":"address","indexed":false},
 {"name":"tickLower","type":"int24","indexed":true},
 {"name":"tickUpper","type":"int24","indexed":true},
 {"name":"amount0","type":"uint128","indexed":false},
 {"name":"amount1","type":"uint128","indexed":false}]},
{"type":"event","name":"Swap","anonymous":false,"inputs":[
 {"name":"sender","type":"address","indexed":true},
 {"name":"recipient","type":"address","indexed":true},
 {"name":"amount0","type":"int256","indexed":false},
 {"name":"amount1","type":"int256","indexed":false},
 {"name":"sqrtPriceX96","type":"uint160","indexed":false},
 {"name":"liquidity","type":"uint128","indexed":false},
 {"name":"tick","type":"int24","indexed":false}]}
]`

const calleeEventsABI = `[
{"type":"event","name":"MintCallback","anonymous":false,"inputs":[
 {"name":"amount0Owed","type":"uint256","indexed":false},
 {"name":"amount1Owed","type":"uint256","indexed":false}]}
]`

var (
	poolEvents   = mustParseABI(poolEventsABI)
	calleeEvents = mustParseABI(calleeEventsABI)
)

// Event topics.
var (
	TopicMint         = poolEvents.Events["Mint"].ID
	TopicBurn         = poolEvents.Events["Burn"].ID
	TopicCollect      = poolEvents.Events["Collect"].ID
	TopicSwap         = poolEvents.Events["Swap"].ID
	TopicMintCallback = calleeEvents.Events["MintCallback"].ID
)

// SwapEvent is a decoded pool Swap event.
type SwapEvent struct {
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
}

// LiquidityEvent is a decoded pool Mint or Burn event.
type LiquidityEvent struct {
	TickLower int32
	TickUpper int32
	Amount    *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

// CollectEvent is a decoded pool Collect event.
type CollectEvent struct {
	TickLower int32
	TickUpper int32
	Amount0   *big.Int
	Amount1   *big.Int
}

// OwedEvent is a decoded callee MintCallback event: the token amounts the
// pool pulled in for a mint.
type OwedEvent struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// Logs is the typed set of events one transaction emitted. Lookups are by
// event kind, never by log position.
type Logs struct {
	TxHash  common.Hash
	GasUsed uint64

	Swaps         []SwapEvent
	Mints         []LiquidityEvent
	Burns         []LiquidityEvent
	Collects      []CollectEvent
	MintCallbacks []OwedEvent
}

// Swap returns the first Swap event.
func (l *Logs) Swap() (SwapEvent, bool) {
	if l == nil || len(l.Swaps) == 0 {
		return SwapEvent{}, false
	}
	return l.Swaps[0], true
}

// Mint returns the first Mint event.
func (l *Logs) Mint() (LiquidityEvent, bool) {
	if l == nil || len(l.Mints) == 0 {
		return LiquidityEvent{}, false
	}
	return l.Mints[0], true
}

// Burn returns the first Burn event.
func (l *Logs) Burn() (LiquidityEvent, bool) {
	if l == nil || len(l.Burns) == 0 {
		return LiquidityEvent{}, false
	}
	return l.Burns[0], true
}

// Collect returns the first Collect event.
func (l *Logs) Collect() (CollectEvent, bool) {
	if l == nil || len(l.Collects) == 0 {
		return CollectEvent{}, false
	}
	return l.Collects[0], true
}

// MintCallback returns the first MintCallback event.
func (l *Logs) MintCallback() (OwedEvent, bool) {
	if l == nil || len(l.MintCallbacks) == 0 {
		return OwedEvent{}, false
	}
	return l.MintCallbacks[0], true
}

// ParseLogs decodes receipt logs emitted by pool and callee. Logs from other
// addresses and unknown topics are ignored.
func ParseLogs(contracts Contracts, logs []rpc.Log) (*Logs, error) {
	out := &Logs{}
	for i, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		var err error
		switch {
		case lg.Address == contracts.Pool:
			err = out.addPoolLog(lg)
		case lg.Address == contracts.Callee && lg.Topics[0] == TopicMintCallback:
			var v []any
			if v, err = unpack(calleeEvents.Events["MintCallback"], lg.Data); err == nil {
				out.MintCallbacks = append(out.MintCallbacks, OwedEvent{Amount0: asBig(v[0]), Amount1: asBig(v[1])})
			}
		}
		if err != nil {
			return nil, fmt.Errorf("decode log %d: %w", i, err)
		}
	}
	return out, nil
}

func (l *Logs) addPoolLog(lg rpc.Log) error {
	switch lg.Topics[0] {
	case TopicSwap:
		v, err := unpack(poolEvents.Events["Swap"], lg.Data)
		if err != nil {
			return err
		}
		l.Swaps = append(l.Swaps, SwapEvent{
			Amount0:      asBig(v[0]),
			Amount1:      asBig(v[1]),
			SqrtPriceX96: asBig(v[2]),
			Liquidity:    asBig(v[3]),
			Tick:         int32(asBig(v[4]).Int64()),
		})
	case TopicMint, TopicBurn:
		name := "Mint"
		if lg.Topics[0] == TopicBurn {
			name = "Burn"
		}
		if len(lg.Topics) < 4 {
			return fmt.Errorf("%s: expected 4 topics, got %d", name, len(lg.Topics))
		}
		v, err := unpack(poolEvents.Events[name], lg.Data)
		if err != nil {
			return err
		}
		// Mint carries the sender ahead of the amounts.
		if name == "Mint" {
			v = v[1:]
		}
		ev := LiquidityEvent{
			TickLower: topicInt24(lg.Topics[2]),
			TickUpper: topicInt24(lg.Topics[3]),
			Amount:    asBig(v[0]),
			Amount0:   asBig(v[1]),
			Amount1:   asBig(v[2]),
		}
		if name == "Mint" {
			l.Mints = append(l.Mints, ev)
		} else {
			l.Burns = append(l.Burns, ev)
		}
	case TopicCollect:
		if len(lg.Topics) < 4 {
			return fmt.Errorf("Collect: expected 4 topics, got %d", len(lg.Topics))
		}
		v, err := unpack(poolEvents.Events["Collect"], lg.Data)
		if err != nil {
			return err
		}
		l.Collects = append(l.Collects, CollectEvent{
			TickLower: topicInt24(lg.Topics[2]),
			TickUpper: topicInt24(lg.Topics[3]),
			Amount0:   asBig(v[1]),
			Amount1:   asBig(v[2]),
		})
	}
	return nil
}

func unpack(ev abi.Event, data []byte) ([]any, error) {
	v, err := ev.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", ev.Name, err)
	}
	return v, nil
}

func asBig(v any) *big.Int {
	switch x := v.(type) {
	case *big.Int:
		return x
	case int32:
		return big.NewInt(int64(x))
	case int64:
		return big.NewInt(x)
	case uint64:
		return new(big.Int).SetUint64(x)
	}
	return new(big.Int)
}

// topicInt24 decodes a sign-extended int24 stored in an indexed topic.
func topicInt24(h common.Hash) int32 {
	v := new(big.Int).SetBytes(h.Bytes())
	if h[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return int32(v.Int64())
}
