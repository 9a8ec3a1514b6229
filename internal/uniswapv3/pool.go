package uniswapv3

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PoolInitCodeHash is the keccak256 of the canonical UniswapV3Pool creation
// code, used by the factory's CREATE2 deployment.
var PoolInitCodeHash = common.HexToHash("0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54")

// ComputePoolAddress computes the CREATE2 address of the pool a factory
// deploys for a token pair and fee.
func ComputePoolAddress(factory common.Address, tokenA, tokenB common.Address, fee uint32, initCodeHash common.Hash) common.Address {
	token0, token1 := SortTokens(tokenA, tokenB)

	// salt = keccak256(abi.encode(token0, token1, fee))
	salt := crypto.Keccak256Hash(
		common.LeftPadBytes(token0.Bytes(), 32),
		common.LeftPadBytes(token1.Bytes(), 32),
		common.LeftPadBytes(big.NewInt(int64(fee)).Bytes(), 32),
	)

	data := make([]byte, 1+20+32+32)
	data[0] = 0xff
	copy(data[1:21], factory.Bytes())
	copy(data[21:53], salt.Bytes())
	copy(data[53:85], initCodeHash.Bytes())

	hash := crypto.Keccak256Hash(data)
	return common.BytesToAddress(hash[12:])
}
