package runner

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/eventlog"
	"github.com/gateway-fm/poolreplay/internal/nullblock"
)

// Inspection describes a recorded history without touching a node.
type Inspection struct {
	Events           int                   `json:"events"`
	Counts           map[eventlog.Kind]int `json:"counts"`
	FirstIndex       int64                 `json:"firstGlobalIndex"`
	FinalIndex       int64                 `json:"finalGlobalIndex"`
	FirstBlock       uint64                `json:"firstBlock"`
	FinalBlock       uint64                `json:"finalBlock"`
	InitSqrtPriceX96 string                `json:"initSqrtPriceX96"`
	Fee              uint32                `json:"fee"`
	FinalSwap        FinalSwapInfo         `json:"finalSwap"`
}

// FinalSwapInfo is the reserved final swap.
type FinalSwapInfo struct {
	ZeroForOne   bool   `json:"zeroForOne"`
	AmountIn     string `json:"amountIn"`
	AmountOut    string `json:"amountOut"`
	SqrtPriceX96 string `json:"sqrtPriceX96"`
	Liquidity    string `json:"liquidity"`
}

// Inspect loads src and summarizes it.
func Inspect(ctx context.Context, src eventlog.Source) (*Inspection, error) {
	seq, meta, err := eventlog.LoadSequence(ctx, src)
	if err != nil {
		return nil, err
	}
	final := seq.Final()
	first := final
	if events := seq.Replayable(); len(events) > 0 {
		first = events[0]
	}
	swap := seq.FinalSwap()
	return &Inspection{
		Events:           seq.Len(),
		Counts:           seq.Counts(),
		FirstIndex:       first.GlobalIndex,
		FinalIndex:       final.GlobalIndex,
		FirstBlock:       first.Block.BlockNumber,
		FinalBlock:       final.Block.BlockNumber,
		InitSqrtPriceX96: meta.InitSqrtPriceX96.String(),
		Fee:              meta.Fee,
		FinalSwap: FinalSwapInfo{
			ZeroForOne:   swap.ZeroForOne(),
			AmountIn:     swap.AmountIn().String(),
			AmountOut:    swap.AmountOut().String(),
			SqrtPriceX96: swap.SqrtPriceX96.String(),
			Liquidity:    swap.Liquidity.String(),
		},
	}, nil
}

// RecordedPrice returns the price the recorded history left the pool at
// before its final swap: the last replayable swap's price, or the initial
// price when no swap precedes the final one.
func RecordedPrice(seq *eventlog.Sequence, meta *eventlog.PoolMetadata) *big.Int {
	events := seq.Replayable()
	for i := len(events) - 1; i >= 0; i-- {
		if swap, ok := events[i].Payload.(eventlog.Swap); ok {
			return new(big.Int).Set(swap.SqrtPriceX96)
		}
	}
	return new(big.Int).Set(meta.InitSqrtPriceX96)
}

// SynthesizeRecorded builds a null block from src alone, taking the
// recorded pre-final price as both the observed and the initial price.
func SynthesizeRecorded(ctx context.Context, src eventlog.Source, pool, recipient common.Address, count int) (nullblock.Batch, *BatchInfo, error) {
	seq, meta, err := eventlog.LoadSequence(ctx, src)
	if err != nil {
		return nullblock.Batch{}, nil, err
	}
	price := RecordedPrice(seq, meta)
	batch, err := nullblock.Synthesizer{Pool: pool, Recipient: recipient}.Synthesize(seq.FinalSwap(), price, price, count)
	if err != nil {
		return nullblock.Batch{}, nil, err
	}
	info, err := describe(batch)
	if err != nil {
		return nullblock.Batch{}, nil, fmt.Errorf("describe batch: %w", err)
	}
	return batch, info, nil
}
