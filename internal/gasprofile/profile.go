// Package gasprofile measures the gas of a fixed position lifecycle: two
// mints of one position, a swap, a fee collection and two burns.
package gasprofile

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/eventlog"
	"github.com/gateway-fm/poolreplay/internal/uniswapv3"
)

// Default position of the scenario.
const (
	DefaultTickLower = 191150
	DefaultTickUpper = 198080
)

// DefaultMintAmount is the liquidity minted by each mint step.
var DefaultMintAmount = big.NewInt(1_000_000)

// Pool is the pool surface the scenario drives. uniswapv3.PoolClient
// implements it.
type Pool interface {
	AddLiquidity(ctx context.Context, tickLower, tickUpper int32, amount *big.Int) (*uniswapv3.Logs, error)
	RemoveLiquidity(ctx context.Context, tickLower, tickUpper int32, amount *big.Int) (*uniswapv3.Logs, error)
	CollectFees(ctx context.Context, tickLower, tickUpper int32) (*uniswapv3.Logs, error)
	Swap(ctx context.Context, zeroForOne bool, amountIn, limit *big.Int) (*uniswapv3.Logs, error)
}

// Scenario configures one profile.
type Scenario struct {
	TickLower  int32
	TickUpper  int32
	MintAmount *big.Int
	// Swap is the recorded swap executed between the mints and the burns,
	// without a price limit.
	Swap eventlog.Swap
}

// DefaultScenario returns the standard scenario around swap.
func DefaultScenario(swap eventlog.Swap) Scenario {
	return Scenario{
		TickLower:  DefaultTickLower,
		TickUpper:  DefaultTickUpper,
		MintAmount: new(big.Int).Set(DefaultMintAmount),
		Swap:       swap,
	}
}

// Step is the measured cost of one transaction.
type Step struct {
	Name    string      `json:"name"`
	TxHash  common.Hash `json:"txHash"`
	GasUsed uint64      `json:"gasUsed"`
}

// Profile is the result of a scenario.
type Profile struct {
	Steps []Step `json:"steps"`
	Total uint64 `json:"totalGas"`
}

// Gas returns the gas of the named step.
func (p *Profile) Gas(name string) (uint64, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s.GasUsed, true
		}
	}
	return 0, false
}

// Run executes the scenario in order and stops at the first failure.
func Run(ctx context.Context, pool Pool, sc Scenario, logger *slog.Logger) (*Profile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sc.TickLower >= sc.TickUpper {
		return nil, &eventlog.ConfigError{Field: "ticks", Reason: fmt.Sprintf("tickLower %d must be below tickUpper %d", sc.TickLower, sc.TickUpper)}
	}
	if sc.MintAmount == nil || sc.MintAmount.Sign() <= 0 {
		return nil, &eventlog.ConfigError{Field: "mintAmount", Reason: "must be positive"}
	}
	if sc.Swap.Amount0 == nil || sc.Swap.Amount1 == nil {
		return nil, &eventlog.ConfigError{Field: "swap", Reason: "incomplete swap payload"}
	}

	steps := []struct {
		name string
		op   func() (*uniswapv3.Logs, error)
	}{
		{"mint1", func() (*uniswapv3.Logs, error) {
			return pool.AddLiquidity(ctx, sc.TickLower, sc.TickUpper, sc.MintAmount)
		}},
		{"mint2", func() (*uniswapv3.Logs, error) {
			return pool.AddLiquidity(ctx, sc.TickLower, sc.TickUpper, sc.MintAmount)
		}},
		{"swap", func() (*uniswapv3.Logs, error) {
			return pool.Swap(ctx, sc.Swap.ZeroForOne(), sc.Swap.AmountIn(), nil)
		}},
		{"collect", func() (*uniswapv3.Logs, error) {
			return pool.CollectFees(ctx, sc.TickLower, sc.TickUpper)
		}},
		{"burn1", func() (*uniswapv3.Logs, error) {
			return pool.RemoveLiquidity(ctx, sc.TickLower, sc.TickUpper, sc.MintAmount)
		}},
		{"burn2", func() (*uniswapv3.Logs, error) {
			return pool.RemoveLiquidity(ctx, sc.TickLower, sc.TickUpper, sc.MintAmount)
		}},
	}

	profile := &Profile{Steps: make([]Step, 0, len(steps))}
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logs, err := st.op()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}
		if logs == nil {
			return nil, fmt.Errorf("%s: %w", st.name, uniswapv3.ErrNoReceipt)
		}
		profile.Steps = append(profile.Steps, Step{Name: st.name, TxHash: logs.TxHash, GasUsed: logs.GasUsed})
		profile.Total += logs.GasUsed

		logger.Info("gas measured",
			slog.String("step", st.name),
			slog.Uint64("gasUsed", logs.GasUsed),
			slog.String("txHash", logs.TxHash.Hex()),
		)
	}
	return profile, nil
}
