package execnode

import (
	"sort"
	"sync"
)

// Registry holds registered node capability definitions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*ExecutionLayerCapabilities
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*ExecutionLayerCapabilities),
	}
}

// Register adds or updates a capability definition.
func (r *Registry) Register(caps *ExecutionLayerCapabilities) {
	if caps == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[caps.Name] = caps
}

// Get retrieves capabilities by name. Returns nil if not found.
func (r *Registry) Get(name string) *ExecutionLayerCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered node names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with built-in nodes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(AnvilCapabilities())
	r.Register(HardhatCapabilities())
	r.Register(RethDevCapabilities())
	// Alias: "foundry" maps to anvil
	r.Register(FoundryCapabilities())
	return r
}

// AnvilCapabilities returns the capabilities of foundry's anvil.
func AnvilCapabilities() *ExecutionLayerCapabilities {
	return &ExecutionLayerCapabilities{
		Name:                 "anvil",
		UnsignedTxMethod:     "eth_sendUnsignedTransaction",
		IntervalMiningMethod: "evm_setIntervalMining",
		AutomineMethod:       "evm_setAutomine",
		MineMethod:           "evm_mine",
		TimestampMethod:      "evm_setNextBlockTimestamp",
		SnapshotMethod:       "evm_snapshot",
		RevertMethod:         "evm_revert",
		LoggingMethod:        "anvil_setLoggingEnabled",
	}
}

// FoundryCapabilities returns capabilities for the "foundry" alias (same as anvil).
func FoundryCapabilities() *ExecutionLayerCapabilities {
	caps := AnvilCapabilities()
	caps.Name = "foundry"
	return caps
}

// HardhatCapabilities returns the capabilities of the hardhat network node.
// Unsigned submission is not available; transactions are signed locally.
func HardhatCapabilities() *ExecutionLayerCapabilities {
	return &ExecutionLayerCapabilities{
		Name:                 "hardhat",
		IntervalMiningMethod: "evm_setIntervalMining",
		AutomineMethod:       "evm_setAutomine",
		MineMethod:           "evm_mine",
		TimestampMethod:      "evm_setNextBlockTimestamp",
		SnapshotMethod:       "evm_snapshot",
		RevertMethod:         "evm_revert",
		LoggingMethod:        "hardhat_setLoggingEnabled",
	}
}

// RethDevCapabilities returns the capabilities of reth in --dev mode, which
// mines on its own schedule. It can replay but not drive a benchmark.
func RethDevCapabilities() *ExecutionLayerCapabilities {
	return &ExecutionLayerCapabilities{
		Name: "reth-dev",
	}
}
