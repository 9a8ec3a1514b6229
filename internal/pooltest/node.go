package pooltest

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/rpc"
)

// SimState is a saved Sim state.
type SimState struct {
	price     *big.Int
	liquidity *big.Int
	swaps     int
}

// Save returns a copy of the pool state.
func (s *Sim) Save() SimState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SimState{liquidity: new(big.Int).Set(s.liquidity), swaps: s.swaps}
	if s.price != nil {
		st.price = new(big.Int).Set(s.price)
	}
	return st
}

// Restore resets the pool to st.
func (s *Sim) Restore(st SimState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price, s.swaps = nil, st.swaps
	if st.price != nil {
		s.price = new(big.Int).Set(st.price)
	}
	s.liquidity = new(big.Int).Set(st.liquidity)
}

// Node is an in-memory development node over a Sim. Submitted calldata is
// executed when a block is mined; receipts exist only after mining. Mining
// modes follow anvil: automine starts on and a zero interval turns all
// automatic mining off, during which the Sim refuses direct transactions.
type Node struct {
	Sim *Sim
	// Callee, when set, is the only accepted destination.
	Callee common.Address

	// Failure injection.
	SubmitErr error
	MineErr   error
	// RevertAt makes the transactions of that block revert; -1 disables.
	RevertAt int
	// DropReceipts makes Receipts report every transaction as unknown.
	DropReceipts bool

	mu         sync.Mutex
	calls      []string
	timestamps []int64
	intervals  []int
	automine   bool
	interval   int
	pending    [][]byte
	pendingTx  []common.Hash
	receipts   map[common.Hash]*rpc.TransactionReceipt
	nextTx     int
	blocks     int
	snapshots  []SimState
}

// NewNode creates a node mining into sim.
func NewNode(sim *Sim) *Node {
	return &Node{Sim: sim, RevertAt: -1, automine: true, receipts: make(map[common.Hash]*rpc.TransactionReceipt)}
}

// Calls returns the control calls received, in order: automine, interval,
// timestamp, batch, calls, mine, snapshot and revert.
func (n *Node) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// Timestamps returns every requested next-block timestamp.
func (n *Node) Timestamps() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.timestamps...)
}

// Intervals returns every requested mining interval.
func (n *Node) Intervals() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.intervals...)
}

// Submitted returns the number of submitted transactions.
func (n *Node) Submitted() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nextTx
}

// Blocks returns the number of mined blocks.
func (n *Node) Blocks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blocks
}

func (n *Node) record(call string) {
	n.calls = append(n.calls, call)
}

// Mining reports whether transactions are mined without an explicit Mine.
func (n *Node) Mining() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mining()
}

func (n *Node) mining() bool {
	return n.automine || n.interval > 0
}

// SetAutomine toggles automine.
func (n *Node) SetAutomine(_ context.Context, enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("automine")
	n.automine = enabled
	n.Sim.setHalted(!n.mining())
	return nil
}

// SetIntervalMining records the interval. Zero stops automatic mining
// altogether.
func (n *Node) SetIntervalMining(_ context.Context, seconds int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("interval")
	n.intervals = append(n.intervals, seconds)
	n.interval = seconds
	if seconds == 0 {
		n.automine = false
	}
	n.Sim.setHalted(!n.mining())
	return nil
}

// SetNextBlockTimestamp records the timestamp.
func (n *Node) SetNextBlockTimestamp(_ context.Context, ts int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("timestamp")
	n.timestamps = append(n.timestamps, ts)
	return nil
}

func (n *Node) submit(data []byte) common.Hash {
	n.nextTx++
	h := common.BigToHash(big.NewInt(int64(n.nextTx)))
	n.pending = append(n.pending, data)
	n.pendingTx = append(n.pendingTx, h)
	return h
}

func (n *Node) checkTarget(to common.Address) error {
	if n.Callee != (common.Address{}) && to != n.Callee {
		return fmt.Errorf("unexpected destination %s", to.Hex())
	}
	return nil
}

// SubmitBatch queues payload as one transaction.
func (n *Node) SubmitBatch(_ context.Context, to common.Address, payload []byte, gas uint64, _ *big.Int) (common.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("batch")
	if n.SubmitErr != nil {
		return common.Hash{}, n.SubmitErr
	}
	if err := n.checkTarget(to); err != nil {
		return common.Hash{}, err
	}
	if gas == 0 {
		return common.Hash{}, fmt.Errorf("zero gas")
	}
	return n.submit(payload), nil
}

// SubmitCalls queues every call as its own transaction.
func (n *Node) SubmitCalls(_ context.Context, to common.Address, calls [][]byte, gasPerCall uint64, _ *big.Int) ([]common.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("calls")
	if n.SubmitErr != nil {
		return nil, n.SubmitErr
	}
	if err := n.checkTarget(to); err != nil {
		return nil, err
	}
	hashes := make([]common.Hash, len(calls))
	for i, c := range calls {
		hashes[i] = n.submit(c)
	}
	return hashes, nil
}

// Mine executes the queued transactions in order.
func (n *Node) Mine(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("mine")
	if n.MineErr != nil {
		return n.MineErr
	}
	for i, data := range n.pending {
		status := uint64(1)
		if n.blocks == n.RevertAt || n.Sim.Apply(data) != nil {
			status = 0
		}
		n.receipts[n.pendingTx[i]] = &rpc.TransactionReceipt{
			TxHash:      n.pendingTx[i],
			Status:      status,
			GasUsed:     21_000,
			BlockNumber: uint64(n.blocks),
		}
	}
	n.pending, n.pendingTx = nil, nil
	n.blocks++
	return nil
}

// Receipts returns the receipts of mined transactions; unknown hashes map
// to nil.
func (n *Node) Receipts(_ context.Context, hashes []common.Hash) ([]*rpc.TransactionReceipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*rpc.TransactionReceipt, len(hashes))
	if n.DropReceipts {
		return out, nil
	}
	for i, h := range hashes {
		out[i] = n.receipts[h]
	}
	return out, nil
}

// Snapshot saves the pool state.
func (n *Node) Snapshot(context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("snapshot")
	n.snapshots = append(n.snapshots, n.Sim.Save())
	return "0x" + strconv.FormatInt(int64(len(n.snapshots)-1), 16), nil
}

// Revert restores the pool state saved under id.
func (n *Node) Revert(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("revert")
	i, err := strconv.ParseInt(id, 0, 64)
	if err != nil || i < 0 || int(i) >= len(n.snapshots) {
		return fmt.Errorf("unknown snapshot %q", id)
	}
	n.Sim.Restore(n.snapshots[i])
	n.snapshots = n.snapshots[:i]
	return nil
}
