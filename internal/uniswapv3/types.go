package uniswapv3

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Fee tiers.
const (
	FeeLow    uint32 = 500
	FeeMedium uint32 = 3000
	FeeHigh   uint32 = 10000
)

// Price bounds of the pool, exclusive for swap limits.
var (
	MinSqrtRatio    = new(big.Int).SetUint64(4295128739)
	MaxSqrtRatio, _ = new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)
)

// MaxUint256 is the maximum uint256 value (used for approvals).
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Contracts holds the addresses a replay talks to.
type Contracts struct {
	Token0 common.Address
	Token1 common.Address
	Pool   common.Address
	Callee common.Address
}

// LimitFor returns the sqrt price limit to send for a swap. A nil limit
// means unconstrained and maps to the pool bound on the side the price moves.
func LimitFor(zeroForOne bool, limit *big.Int) *big.Int {
	if limit != nil {
		return new(big.Int).Set(limit)
	}
	if zeroForOne {
		return new(big.Int).Add(MinSqrtRatio, big.NewInt(1))
	}
	return new(big.Int).Sub(MaxSqrtRatio, big.NewInt(1))
}

// LimitValid reports whether limit is a price a swap in the given direction
// can move to from current: below it for zeroForOne, above it otherwise,
// and inside the pool bounds.
func LimitValid(zeroForOne bool, current, limit *big.Int) bool {
	if zeroForOne {
		return limit.Cmp(current) < 0 && limit.Cmp(MinSqrtRatio) > 0
	}
	return limit.Cmp(current) > 0 && limit.Cmp(MaxSqrtRatio) < 0
}
