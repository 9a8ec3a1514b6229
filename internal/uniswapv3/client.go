package uniswapv3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/account"
	"github.com/gateway-fm/poolreplay/internal/rpc"
)

// Default gas limits for pool operations.
const (
	DefaultCallGas    uint64 = 1_000_000
	DefaultApproveGas uint64 = 100_000
)

// ErrNoReceipt is returned when an operation produced no receipt.
var ErrNoReceipt = errors.New("no receipt")

// Transactor submits a call and waits for its receipt.
type Transactor interface {
	Address() common.Address
	Transact(ctx context.Context, to common.Address, data []byte, gas uint64) (*rpc.TransactionReceipt, error)
}

var _ Transactor = (*account.Signer)(nil)

// PoolClient drives a deployed pool through the test callee contract.
type PoolClient struct {
	client    rpc.Client
	tx        Transactor
	contracts Contracts
	gas       uint64
	logger    *slog.Logger
}

// NewPoolClient creates a PoolClient. gas of zero selects DefaultCallGas.
func NewPoolClient(client rpc.Client, tx Transactor, contracts Contracts, gas uint64, logger *slog.Logger) *PoolClient {
	if logger == nil {
		logger = slog.Default()
	}
	if gas == 0 {
		gas = DefaultCallGas
	}
	return &PoolClient{
		client:    client,
		tx:        tx,
		contracts: contracts,
		gas:       gas,
		logger:    logger,
	}
}

// Contracts returns the addresses the client talks to.
func (p *PoolClient) Contracts() Contracts {
	return p.contracts
}

// Recipient returns the address receiving swap output and minted positions.
func (p *PoolClient) Recipient() common.Address {
	return p.tx.Address()
}

// ApproveCallee grants the callee an unlimited allowance on both tokens.
func (p *PoolClient) ApproveCallee(ctx context.Context) error {
	for _, token := range []common.Address{p.contracts.Token0, p.contracts.Token1} {
		if _, err := p.tx.Transact(ctx, token, EncodeApprove(p.contracts.Callee, MaxUint256), DefaultApproveGas); err != nil {
			return fmt.Errorf("approve %s: %w", token.Hex(), err)
		}
	}
	p.logger.Info("approved callee", slog.String("callee", p.contracts.Callee.Hex()))
	return nil
}

// Initialize sets the pool's starting price.
func (p *PoolClient) Initialize(ctx context.Context, sqrtPriceX96 *big.Int) error {
	if _, err := p.tx.Transact(ctx, p.contracts.Pool, EncodeInitialize(sqrtPriceX96), p.gas); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	p.logger.Info("pool initialized",
		slog.String("pool", p.contracts.Pool.Hex()),
		slog.String("sqrtPriceX96", sqrtPriceX96.String()),
	)
	return nil
}

// AddLiquidity mints amount of liquidity over [tickLower, tickUpper].
func (p *PoolClient) AddLiquidity(ctx context.Context, tickLower, tickUpper int32, amount *big.Int) (*Logs, error) {
	data := EncodeCalleeMint(p.contracts.Pool, p.tx.Address(), tickLower, tickUpper, amount)
	return p.transact(ctx, "mint", data)
}

// RemoveLiquidity burns amount of liquidity over [tickLower, tickUpper].
func (p *PoolClient) RemoveLiquidity(ctx context.Context, tickLower, tickUpper int32, amount *big.Int) (*Logs, error) {
	data := EncodeCalleeBurn(p.contracts.Pool, tickLower, tickUpper, amount)
	return p.transact(ctx, "burn", data)
}

// CollectFees collects owed tokens of the position [tickLower, tickUpper].
func (p *PoolClient) CollectFees(ctx context.Context, tickLower, tickUpper int32) (*Logs, error) {
	data := EncodeCalleeCollect(p.contracts.Pool, tickLower, tickUpper)
	return p.transact(ctx, "collect", data)
}

// Swap swaps amountIn in the given direction. A nil limit is unconstrained.
func (p *PoolClient) Swap(ctx context.Context, zeroForOne bool, amountIn, limit *big.Int) (*Logs, error) {
	data := EncodeSwap(p.contracts.Pool, zeroForOne, amountIn, p.tx.Address(), LimitFor(zeroForOne, limit))
	return p.transact(ctx, "swap", data)
}

// CurrentPrice reads sqrtPriceX96 from slot0.
func (p *PoolClient) CurrentPrice(ctx context.Context) (*big.Int, error) {
	ret, err := p.client.EthCall(ctx, rpc.CallMsg{To: p.contracts.Pool, Data: EncodeSlot0()})
	if err != nil {
		return nil, fmt.Errorf("slot0: %w", err)
	}
	return DecodeSlot0Price(ret)
}

func (p *PoolClient) transact(ctx context.Context, op string, data []byte) (*Logs, error) {
	receipt, err := p.tx.Transact(ctx, p.contracts.Callee, data, p.gas)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoReceipt)
	}
	logs, err := ParseLogs(p.contracts, receipt.Logs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logs.TxHash = receipt.TxHash
	logs.GasUsed = receipt.GasUsed
	p.logger.Debug("pool operation mined",
		slog.String("op", op),
		slog.String("tx", receipt.TxHash.Hex()),
		slog.Uint64("gasUsed", receipt.GasUsed),
	)
	return logs, nil
}
