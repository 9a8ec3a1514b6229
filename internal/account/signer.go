package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/poolreplay/internal/rpc"
)

// ErrUnknownDevAccount is returned by DevAccount for an out-of-range index.
var ErrUnknownDevAccount = errors.New("unknown dev account index")

// SignerConfig configures a Signer.
type SignerConfig struct {
	// GasPrice overrides the node's eth_gasPrice when set.
	GasPrice *big.Int
	// Legacy selects type-0 transactions instead of EIP-1559.
	Legacy bool
	// ReceiptPoll and ReceiptTimeout bound Transact's wait for inclusion.
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
	Logger         *slog.Logger
}

// Signer signs and submits transactions from a single account.
type Signer struct {
	account        *Account
	client         rpc.Client
	chainID        *big.Int
	gasPrice       *big.Int
	legacy         bool
	receiptPoll    time.Duration
	receiptTimeout time.Duration
	logger         *slog.Logger
}

// NewSigner resolves chain ID and gas price from the node and syncs the
// account nonce.
func NewSigner(ctx context.Context, client rpc.Client, acct *Account, cfg SignerConfig) (*Signer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chainID, err := client.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}

	gasPrice := cfg.GasPrice
	if gasPrice == nil {
		gasPrice, err = client.GetGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("get gas price: %w", err)
		}
	}

	if err := acct.Resync(ctx, client); err != nil {
		return nil, fmt.Errorf("sync nonce: %w", err)
	}

	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	logger.Debug("signer ready",
		slog.String("address", acct.Address.Hex()),
		slog.String("chainId", chainID.String()),
		slog.String("gasPrice", gasPrice.String()),
		slog.Uint64("nonce", acct.PeekNonce()),
	)

	return &Signer{
		account:        acct,
		client:         client,
		chainID:        chainID,
		gasPrice:       gasPrice,
		legacy:         cfg.Legacy,
		receiptPoll:    poll,
		receiptTimeout: timeout,
		logger:         logger,
	}, nil
}

// Address returns the sending address.
func (s *Signer) Address() common.Address {
	return s.account.Address
}

// GasPrice returns the gas price used for every transaction.
func (s *Signer) GasPrice() *big.Int {
	return new(big.Int).Set(s.gasPrice)
}

// Send signs a call to `to` and submits it. A nonce rejected by the node is
// resynced from chain and the send is retried.
func (s *Signer) Send(ctx context.Context, to common.Address, data []byte, gas uint64) (common.Hash, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := range maxAttempts {
		hash, err := s.sendOnce(ctx, to, data, gas)
		if err == nil {
			return hash, nil
		}
		lastErr = err

		if !isNonceError(err) {
			return common.Hash{}, err
		}

		s.logger.Debug("nonce rejected, resyncing",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		if syncErr := s.account.Resync(ctx, s.client); syncErr != nil {
			return common.Hash{}, fmt.Errorf("resync nonce: %w", syncErr)
		}
	}
	return common.Hash{}, fmt.Errorf("max send attempts exceeded: %w", lastErr)
}

func (s *Signer) sendOnce(ctx context.Context, to common.Address, data []byte, gas uint64) (common.Hash, error) {
	n := s.account.ReserveNonce()
	defer n.Rollback()

	var tx *types.Transaction
	if s.legacy {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    n.Value(),
			GasPrice: s.gasPrice,
			Gas:      gas,
			To:       &to,
			Data:     data,
		})
	} else {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     n.Value(),
			GasTipCap: s.gasPrice,
			GasFeeCap: s.gasPrice,
			Gas:       gas,
			To:        &to,
			Data:      data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.account.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode: %w", err)
	}

	if _, err := s.client.SendRawTransaction(ctx, raw); err != nil {
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}
	n.Commit()
	return signed.Hash(), nil
}

// Transact sends a transaction and waits for its receipt. A reverted
// transaction is returned with its receipt and a non-nil error.
func (s *Signer) Transact(ctx context.Context, to common.Address, data []byte, gas uint64) (*rpc.TransactionReceipt, error) {
	hash, err := s.Send(ctx, to, data, gas)
	if err != nil {
		return nil, err
	}
	receipt, err := rpc.WaitForReceipt(ctx, s.client, hash, s.receiptPoll, s.receiptTimeout)
	if err != nil {
		return nil, err
	}
	if !receipt.Succeeded() {
		return receipt, fmt.Errorf("transaction %s reverted", hash.Hex())
	}
	return receipt, nil
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high")
}
