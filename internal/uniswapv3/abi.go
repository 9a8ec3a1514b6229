package uniswapv3

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Function selectors (first 4 bytes of keccak256(signature))
var (
	// ERC20 selectors
	SelectorApprove = selector("approve(address,uint256)")

	// UniswapV3Pool selectors
	SelectorInitialize = selector("initialize(uint160)")
	SelectorSlot0      = selector("slot0()")

	// Test callee selectors
	SelectorCalleeMint     = selector("mint(address,address,int24,int24,uint128)")
	SelectorCalleeBurn     = selector("burn(address,int24,int24,uint128)")
	SelectorCalleeCollect  = selector("collect(address,int24,int24)")
	SelectorSwapExact0For1 = selector("swapExact0For1(address,uint256,address,uint160)")
	SelectorSwapExact1For0 = selector("swapExact1For0(address,uint256,address,uint160)")
	SelectorMulticall      = selector("multicall(bytes[])")
)

// selector computes the 4-byte function selector from signature.
func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

const calleeMulticallABI = `[{"type":"function","name":"multicall","stateMutability":"nonpayable",
"inputs":[{"name":"data","type":"bytes[]"}],"outputs":[{"name":"results","type":"bytes[]"}]}]`

var calleeABI = mustParseABI(calleeMulticallABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("uniswapv3: parse abi: %v", err))
	}
	return parsed
}

// EncodeApprove encodes ERC20.approve(address,uint256) call.
func EncodeApprove(spender common.Address, amount *big.Int) []byte {
	data := make([]byte, 4+32+32)
	copy(data[:4], SelectorApprove)
	copy(data[4+12:36], spender.Bytes())
	amount.FillBytes(data[36:68])
	return data
}

// EncodeInitialize encodes UniswapV3Pool.initialize(uint160) call.
func EncodeInitialize(sqrtPriceX96 *big.Int) []byte {
	data := make([]byte, 4+32)
	copy(data[:4], SelectorInitialize)
	sqrtPriceX96.FillBytes(data[4:36])
	return data
}

// EncodeSlot0 encodes UniswapV3Pool.slot0() call.
func EncodeSlot0() []byte {
	return SelectorSlot0
}

// EncodeCalleeMint encodes callee.mint(pool, recipient, tickLower, tickUpper, amount).
func EncodeCalleeMint(pool, recipient common.Address, tickLower, tickUpper int32, amount *big.Int) []byte {
	data := make([]byte, 4+5*32)
	copy(data[:4], SelectorCalleeMint)
	copy(data[4+12:36], pool.Bytes())
	copy(data[36+12:68], recipient.Bytes())
	putInt24(data[68:100], tickLower)
	putInt24(data[100:132], tickUpper)
	amount.FillBytes(data[132:164])
	return data
}

// EncodeCalleeBurn encodes callee.burn(pool, tickLower, tickUpper, amount).
func EncodeCalleeBurn(pool common.Address, tickLower, tickUpper int32, amount *big.Int) []byte {
	data := make([]byte, 4+4*32)
	copy(data[:4], SelectorCalleeBurn)
	copy(data[4+12:36], pool.Bytes())
	putInt24(data[36:68], tickLower)
	putInt24(data[68:100], tickUpper)
	amount.FillBytes(data[100:132])
	return data
}

// EncodeCalleeCollect encodes callee.collect(pool, tickLower, tickUpper).
func EncodeCalleeCollect(pool common.Address, tickLower, tickUpper int32) []byte {
	data := make([]byte, 4+3*32)
	copy(data[:4], SelectorCalleeCollect)
	copy(data[4+12:36], pool.Bytes())
	putInt24(data[36:68], tickLower)
	putInt24(data[68:100], tickUpper)
	return data
}

// EncodeSwap encodes callee.swapExact0For1 when zeroForOne is set and
// callee.swapExact1For0 otherwise. limit must already be a valid price
// limit; see LimitFor.
func EncodeSwap(pool common.Address, zeroForOne bool, amountIn *big.Int, recipient common.Address, limit *big.Int) []byte {
	sel := SelectorSwapExact1For0
	if zeroForOne {
		sel = SelectorSwapExact0For1
	}
	data := make([]byte, 4+4*32)
	copy(data[:4], sel)
	copy(data[4+12:36], pool.Bytes())
	amountIn.FillBytes(data[36:68])
	copy(data[68+12:100], recipient.Bytes())
	limit.FillBytes(data[100:132])
	return data
}

// EncodeMulticall wraps calls into a single callee.multicall(bytes[]) call.
func EncodeMulticall(calls [][]byte) ([]byte, error) {
	data, err := calleeABI.Pack("multicall", calls)
	if err != nil {
		return nil, fmt.Errorf("pack multicall: %w", err)
	}
	return data, nil
}

// SwapCall is a decoded callee swap.
type SwapCall struct {
	Pool       common.Address
	ZeroForOne bool
	AmountIn   *big.Int
	Recipient  common.Address
	Limit      *big.Int
}

// DecodeSwap decodes calldata produced by EncodeSwap.
func DecodeSwap(data []byte) (SwapCall, error) {
	if len(data) != 4+4*32 {
		return SwapCall{}, fmt.Errorf("swap calldata: want %d bytes, got %d", 4+4*32, len(data))
	}
	var call SwapCall
	switch {
	case bytes.Equal(data[:4], SelectorSwapExact0For1):
		call.ZeroForOne = true
	case bytes.Equal(data[:4], SelectorSwapExact1For0):
	default:
		return SwapCall{}, fmt.Errorf("swap calldata: unknown selector %x", data[:4])
	}
	call.Pool = common.BytesToAddress(data[4:36])
	call.AmountIn = new(big.Int).SetBytes(data[36:68])
	call.Recipient = common.BytesToAddress(data[68:100])
	call.Limit = new(big.Int).SetBytes(data[100:132])
	return call, nil
}

// DecodeMulticall returns the inner calls of a multicall(bytes[]) payload.
func DecodeMulticall(data []byte) ([][]byte, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], SelectorMulticall) {
		return nil, fmt.Errorf("not a multicall payload")
	}
	out, err := calleeABI.Methods["multicall"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack multicall: %w", err)
	}
	calls, ok := out[0].([][]byte)
	if !ok {
		return nil, fmt.Errorf("unpack multicall: unexpected %T", out[0])
	}
	return calls, nil
}

// DecodeSlot0Price extracts sqrtPriceX96 from a slot0() return value.
func DecodeSlot0Price(ret []byte) (*big.Int, error) {
	if len(ret) < 32 {
		return nil, fmt.Errorf("slot0 result too short: %d bytes", len(ret))
	}
	return new(big.Int).SetBytes(ret[:32]), nil
}

// putInt24 writes v sign-extended to int256 (two's complement).
func putInt24(dst []byte, v int32) {
	b := big.NewInt(int64(v))
	if v < 0 {
		b.Add(b, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	b.FillBytes(dst)
}

// SortTokens returns tokens in the correct order (lower address first).
func SortTokens(tokenA, tokenB common.Address) (common.Address, common.Address) {
	if bytes.Compare(tokenA.Bytes(), tokenB.Bytes()) < 0 {
		return tokenA, tokenB
	}
	return tokenB, tokenA
}
