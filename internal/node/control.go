// Package node drives block production on a development node over JSON-RPC.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/execnode"
	"github.com/gateway-fm/poolreplay/internal/ratelimit"
	"github.com/gateway-fm/poolreplay/internal/rpc"
)

var (
	// ErrUnsupported is returned for a node that lacks a required capability.
	ErrUnsupported = errors.New("node capability not supported")
	// ErrGasPrice reports a gas price the submission path cannot honor.
	ErrGasPrice = errors.New("gas price not applicable")
)

// Sender signs and submits transactions. account.Signer implements it.
type Sender interface {
	Send(ctx context.Context, to common.Address, data []byte, gas uint64) (common.Hash, error)
}

// ControlConfig configures a Control.
type ControlConfig struct {
	// From is the impersonated sender of unsigned transactions.
	From common.Address
	// Signer is used when the node has no unsigned send method, or when
	// ForceSigned is set.
	Signer      Sender
	ForceSigned bool
	// SendRate caps per-call submissions per second. Zero is unlimited.
	SendRate float64
	// NodeLogging keeps the node's console logging on. Setup turns it off
	// otherwise.
	NodeLogging bool
	Logger      *slog.Logger
}

// Control implements benchmark.Node for one node profile.
type Control struct {
	client   rpc.Client
	caps     *execnode.ExecutionLayerCapabilities
	from     common.Address
	signer   Sender
	unsigned bool
	limiter  *ratelimit.Limiter
	logging  bool
	logger   *slog.Logger
}

// NewControl checks that caps allows manual mining and picks the submission
// path: unsigned when the node supports it, signed otherwise.
func NewControl(client rpc.Client, caps *execnode.ExecutionLayerCapabilities, cfg ControlConfig) (*Control, error) {
	if !caps.SupportsManualMining() {
		return nil, fmt.Errorf("%w: %s cannot mine on demand", ErrUnsupported, caps)
	}
	unsigned := caps.SupportsUnsigned() && !cfg.ForceSigned
	if !unsigned && cfg.Signer == nil {
		return nil, fmt.Errorf("%w: %s needs a signer for submissions", ErrUnsupported, caps)
	}

	var limiter *ratelimit.Limiter
	if cfg.SendRate > 0 {
		var err error
		if limiter, err = ratelimit.New(cfg.SendRate); err != nil {
			return nil, err
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("node control ready",
		slog.String("node", caps.String()),
		slog.Bool("unsigned", unsigned),
	)

	return &Control{
		client:   client,
		caps:     caps,
		from:     cfg.From,
		signer:   cfg.Signer,
		unsigned: unsigned,
		limiter:  limiter,
		logging:  cfg.NodeLogging,
		logger:   logger,
	}, nil
}

// Setup applies the node settings a session starts with. Per-call console
// logging is switched off unless NodeLogging was set.
func (c *Control) Setup(ctx context.Context) error {
	if c.logging {
		return nil
	}
	if err := c.SetLogging(ctx, false); err != nil {
		return fmt.Errorf("disable node logging: %w", err)
	}
	return nil
}

// Unsigned reports whether submissions skip signing.
func (c *Control) Unsigned() bool {
	return c.unsigned
}

// SetIntervalMining sets the automatic block interval; zero disables it.
func (c *Control) SetIntervalMining(ctx context.Context, seconds int) error {
	_, err := c.client.Call(ctx, c.caps.IntervalMiningMethod, []any{seconds})
	return err
}

// SetAutomine toggles mining a block per submitted transaction. A node
// without the method is left unchanged.
func (c *Control) SetAutomine(ctx context.Context, enabled bool) error {
	if c.caps.AutomineMethod == "" {
		return nil
	}
	_, err := c.client.Call(ctx, c.caps.AutomineMethod, []any{enabled})
	return err
}

// SetNextBlockTimestamp sets the timestamp of the next mined block.
func (c *Control) SetNextBlockTimestamp(ctx context.Context, ts int64) error {
	_, err := c.client.Call(ctx, c.caps.TimestampMethod, []any{ts})
	return err
}

// Mine produces one block.
func (c *Control) Mine(ctx context.Context) error {
	_, err := c.client.Call(ctx, c.caps.MineMethod, []any{})
	return err
}

// Snapshot saves the chain state and returns its id.
func (c *Control) Snapshot(ctx context.Context) (string, error) {
	if !c.caps.SupportsSnapshots() {
		return "", fmt.Errorf("%w: %s has no snapshots", ErrUnsupported, c.caps)
	}
	result, err := c.client.Call(ctx, c.caps.SnapshotMethod, []any{})
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(result, &id); err != nil {
		return "", fmt.Errorf("decode snapshot id: %w", err)
	}
	return id, nil
}

// Revert restores the state saved by Snapshot. The snapshot is consumed.
func (c *Control) Revert(ctx context.Context, id string) error {
	if !c.caps.SupportsSnapshots() {
		return fmt.Errorf("%w: %s has no snapshots", ErrUnsupported, c.caps)
	}
	result, err := c.client.Call(ctx, c.caps.RevertMethod, []any{id})
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil {
		return fmt.Errorf("decode revert result: %w", err)
	}
	if !ok {
		return fmt.Errorf("revert to snapshot %s rejected", id)
	}
	return nil
}

// SetLogging toggles node console logging. A node without the method is
// left unchanged.
func (c *Control) SetLogging(ctx context.Context, enabled bool) error {
	if c.caps.LoggingMethod == "" {
		return nil
	}
	_, err := c.client.Call(ctx, c.caps.LoggingMethod, []any{enabled})
	return err
}

// SubmitBatch submits one transaction carrying payload. gasPrice applies to
// unsigned submissions. Signed ones pay the signer's price, and any other
// non-zero gasPrice is rejected.
func (c *Control) SubmitBatch(ctx context.Context, to common.Address, payload []byte, gas uint64, gasPrice *big.Int) (common.Hash, error) {
	if !c.unsigned {
		if err := c.checkSignedPrice(gasPrice); err != nil {
			return common.Hash{}, err
		}
		return c.signer.Send(ctx, to, payload, gas)
	}
	return c.client.SendUnsignedTransaction(ctx, c.caps.UnsignedTxMethod, c.msg(to, payload, gas, gasPrice))
}

// SubmitCalls submits every call as its own transaction, one at a time and
// in order. Each send returns before the next one starts.
func (c *Control) SubmitCalls(ctx context.Context, to common.Address, calls [][]byte, gasPerCall uint64, gasPrice *big.Int) ([]common.Hash, error) {
	if !c.unsigned {
		if err := c.checkSignedPrice(gasPrice); err != nil {
			return nil, err
		}
	}
	hashes := make([]common.Hash, len(calls))
	for i, data := range calls {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		var (
			h   common.Hash
			err error
		)
		if c.unsigned {
			h, err = c.client.SendUnsignedTransaction(ctx, c.caps.UnsignedTxMethod, c.msg(to, data, gasPerCall, gasPrice))
		} else {
			h, err = c.signer.Send(ctx, to, data, gasPerCall)
		}
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		hashes[i] = h
	}
	return hashes, nil
}

type pricedSender interface {
	GasPrice() *big.Int
}

func (c *Control) checkSignedPrice(gasPrice *big.Int) error {
	if gasPrice == nil || gasPrice.Sign() == 0 {
		return nil
	}
	if p, ok := c.signer.(pricedSender); ok && p.GasPrice() != nil && p.GasPrice().Cmp(gasPrice) == 0 {
		return nil
	}
	return fmt.Errorf("%w: signed submissions pay the signer's price, got %s", ErrGasPrice, gasPrice)
}

// Receipts fetches receipts in one batch. Unknown transactions yield nil
// entries.
func (c *Control) Receipts(ctx context.Context, hashes []common.Hash) ([]*rpc.TransactionReceipt, error) {
	return c.client.GetTransactionReceiptsBatch(ctx, hashes)
}

func (c *Control) msg(to common.Address, data []byte, gas uint64, gasPrice *big.Int) rpc.CallMsg {
	return rpc.CallMsg{From: c.from, To: to, Data: data, Gas: gas, GasPrice: gasPrice}
}
