// Package execnode provides execution node capability definitions and registry.
// This allows the replay and benchmark to adapt to different development nodes
// (anvil, hardhat, reth --dev) without scattered conditionals.
package execnode

// ExecutionLayerCapabilities defines what block-control features a node supports.
// An empty method name means the feature is unavailable.
type ExecutionLayerCapabilities struct {
	// Name is the canonical identifier for this node (e.g., "anvil", "hardhat")
	Name string

	// UnsignedTxMethod submits a transaction the node executes without a
	// signature, impersonating the sender.
	UnsignedTxMethod string

	// IntervalMiningMethod toggles the node's automatic block timer.
	IntervalMiningMethod string

	// AutomineMethod toggles mining a block per submitted transaction.
	AutomineMethod string

	// MineMethod produces one block on demand.
	MineMethod string

	// TimestampMethod sets the timestamp of the next mined block.
	TimestampMethod string

	// SnapshotMethod and RevertMethod save and restore chain state.
	SnapshotMethod string
	RevertMethod   string

	// LoggingMethod toggles per-call console logging on the node.
	LoggingMethod string

	// RequiresLegacyTx indicates the node rejects EIP-1559 transactions.
	RequiresLegacyTx bool
}

// String returns the canonical name of the node.
func (c *ExecutionLayerCapabilities) String() string {
	if c == nil {
		return "unknown"
	}
	return c.Name
}

// SupportsUnsigned reports whether unsigned submission is available.
func (c *ExecutionLayerCapabilities) SupportsUnsigned() bool {
	return c != nil && c.UnsignedTxMethod != ""
}

// SupportsManualMining reports whether blocks can be produced on demand
// with the interval miner disabled and timestamps set per block.
func (c *ExecutionLayerCapabilities) SupportsManualMining() bool {
	return c != nil && c.MineMethod != "" && c.IntervalMiningMethod != "" && c.TimestampMethod != ""
}

// SupportsSnapshots reports whether chain state can be saved and restored.
func (c *ExecutionLayerCapabilities) SupportsSnapshots() bool {
	return c != nil && c.SnapshotMethod != "" && c.RevertMethod != ""
}
