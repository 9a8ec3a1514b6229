// Package benchmark mines blocks filled with a synthesized swap batch and
// measures execution throughput.
package benchmark

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gateway-fm/poolreplay/internal/metrics"
)

// Plan defaults.
const (
	DefaultNullSwapsPerBlock    = 1000
	DefaultBlocksToMine         = 10
	DefaultCallGasLimit         = 1_000_000
	DefaultStartTimestamp       = 1_619_830_000
	DefaultBlockIntervalSeconds = 15
)

// Plan configures a benchmark run.
type Plan struct {
	// NullSwapsPerBlock is the number of swap pairs submitted per block.
	NullSwapsPerBlock int
	BlocksToMine      int
	// CallGasLimit is the gas ceiling of one swap call.
	CallGasLimit uint64
	// BatchGasLimit overrides the multicall gas limit. Zero means
	// CallGasLimit times the number of calls.
	BatchGasLimit        uint64
	StartTimestamp       int64
	BlockIntervalSeconds int64
	// PerCall submits every swap as its own transaction instead of one
	// multicall per block.
	PerCall bool
	// GasPrice is the price of unsigned submissions. Signed submissions pay
	// the signer's price; a different non-zero value fails the submission.
	GasPrice *big.Int
	// VerifyPrice reads the pool price after every block and compares it to
	// the pre-run price.
	VerifyPrice bool
}

// DefaultPlan returns the plan used when nothing is configured.
func DefaultPlan() Plan {
	return Plan{
		NullSwapsPerBlock:    DefaultNullSwapsPerBlock,
		BlocksToMine:         DefaultBlocksToMine,
		CallGasLimit:         DefaultCallGasLimit,
		StartTimestamp:       DefaultStartTimestamp,
		BlockIntervalSeconds: DefaultBlockIntervalSeconds,
		GasPrice:             big.NewInt(0),
		VerifyPrice:          true,
	}
}

// Validate checks the plan.
func (p Plan) Validate() error {
	var errs []error
	if p.NullSwapsPerBlock <= 0 {
		errs = append(errs, fmt.Errorf("nullSwapsPerBlock must be positive, got %d", p.NullSwapsPerBlock))
	}
	if p.BlocksToMine <= 0 {
		errs = append(errs, fmt.Errorf("blocksToMine must be positive, got %d", p.BlocksToMine))
	}
	if p.CallGasLimit == 0 {
		errs = append(errs, errors.New("callGasLimit must be positive"))
	}
	if p.BlockIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("blockIntervalSeconds must be positive, got %d", p.BlockIntervalSeconds))
	}
	if p.StartTimestamp < 0 {
		errs = append(errs, fmt.Errorf("startTimestamp must not be negative, got %d", p.StartTimestamp))
	}
	if p.GasPrice != nil && p.GasPrice.Sign() < 0 {
		errs = append(errs, fmt.Errorf("gasPrice must not be negative, got %s", p.GasPrice))
	}
	return errors.Join(errs...)
}

// TotalTransactions is the number of swap calls the plan executes.
func (p Plan) TotalTransactions() int {
	return p.BlocksToMine * p.NullSwapsPerBlock * 2
}

// Timestamp returns the timestamp of block i.
func (p Plan) Timestamp(i int) int64 {
	return p.StartTimestamp + int64(i)*p.BlockIntervalSeconds
}

// batchGas returns the gas limit of a multicall of n calls.
func (p Plan) batchGas(n int) uint64 {
	if p.BatchGasLimit > 0 {
		return p.BatchGasLimit
	}
	return p.CallGasLimit * uint64(n)
}

// Result is emitted only for a run where every block succeeded.
type Result struct {
	TotalTransactions int     `json:"totalTransactions"`
	WallClockSeconds  float64 `json:"wallClockSeconds"`
	AverageThroughput float64 `json:"averageThroughput"`
	AverageLatencyMs  float64 `json:"averageLatencyMs"`
	Blocks            int     `json:"blocks"`
	PriceViolations   int     `json:"priceViolations"`
	GasUsed           uint64  `json:"gasUsed"`
	// BlockLatency summarizes per-block timestamp+submit+mine durations.
	BlockLatency *metrics.LatencyStats `json:"blockLatency,omitempty"`
}
