// Package account holds the signing account used to drive the pool and node.
package account

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/poolreplay/internal/rpc"
)

// devKeys are the first funded accounts of anvil and hardhat dev chains.
var devKeys = [...]string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6",
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a",
}

// Account is a key plus the next nonce this process will sign with.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address

	mu   sync.Mutex
	next uint64
}

func NewAccount(key *ecdsa.PrivateKey) *Account {
	return &Account{PrivateKey: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewAccountFromHex parses a hex private key, with or without 0x.
func NewAccountFromHex(hexKey string) (*Account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, err
	}
	return NewAccount(key), nil
}

// DevAccount returns the i-th prefunded dev chain account.
func DevAccount(i int) (*Account, error) {
	if i < 0 || i >= len(devKeys) {
		return nil, ErrUnknownDevAccount
	}
	return NewAccountFromHex(devKeys[i])
}

// Nonce is a nonce taken from an Account. Exactly one of Commit or Rollback
// takes effect; later calls are no-ops.
type Nonce struct {
	value uint64
	owner *Account
	done  atomic.Bool
}

func (n *Nonce) Value() uint64 { return n.value }

// Commit keeps the nonce as used.
func (n *Nonce) Commit() { n.done.Store(true) }

// Rollback hands the nonce back when it is still the latest one issued.
// Otherwise the gap stays until the next Resync or Reset.
func (n *Nonce) Rollback() {
	if n.done.Swap(true) {
		return
	}
	a := n.owner
	a.mu.Lock()
	if a.next == n.value+1 {
		a.next = n.value
	}
	a.mu.Unlock()
}

// ReserveNonce takes the next nonce. Pair it with a deferred Rollback and
// Commit once the transaction is accepted.
func (a *Account) ReserveNonce() *Nonce {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := &Nonce{value: a.next, owner: a}
	a.next++
	return n
}

func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

func (a *Account) SetNonce(nonce uint64) {
	a.mu.Lock()
	a.next = nonce
	a.mu.Unlock()
}

// Resync adopts the chain's pending nonce when it is ahead of ours.
func (a *Account) Resync(ctx context.Context, client rpc.Client) error {
	return a.syncFrom(ctx, client, false)
}

// Reset adopts the chain's pending nonce unconditionally. Needed after a
// snapshot revert, which moves the chain nonce backwards.
func (a *Account) Reset(ctx context.Context, client rpc.Client) error {
	return a.syncFrom(ctx, client, true)
}

func (a *Account) syncFrom(ctx context.Context, client rpc.Client, backwards bool) error {
	pending, err := client.GetNonce(ctx, a.Address)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if backwards || pending > a.next {
		a.next = pending
	}
	a.mu.Unlock()
	return nil
}
