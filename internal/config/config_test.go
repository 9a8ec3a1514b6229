package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/poolreplay/internal/uniswapv3"
)

const (
	testToken0  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testToken1  = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
	testFactory = "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"
	testPool    = "0x1111111111111111111111111111111111111111"
	testCallee  = "0xCf7Ed3AccA5a467e9e704C703E8D87F634fB0Fc9"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Token0 = testToken0
	cfg.Token1 = testToken1
	cfg.Pool = testPool
	cfg.Callee = testCallee
	return cfg
}

func addressArgs(extra ...string) []string {
	args := []string{"-token0", testToken0, "-token1", testToken1, "-pool", testPool, "-callee", testCallee}
	return append(args, extra...)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown mode", func(c *Config) { c.Mode = "stress" }, "invalid mode"},
		{"tolerance above one", func(c *Config) { c.Tolerance = 1.5 }, "tolerance"},
		{"negative tolerance", func(c *Config) { c.Tolerance = -0.1 }, "tolerance"},
		{"missing pool", func(c *Config) { c.Pool = "" }, "pool address is required"},
		{"bad callee", func(c *Config) { c.Callee = "0x1234" }, "invalid callee address"},
		{"bad rpc scheme", func(c *Config) { c.RPCURL = "ws://localhost:8545" }, "RPC URL scheme"},
		{"rpc without host", func(c *Config) { c.RPCURL = "localhost" }, "invalid RPC URL"},
		{"bad ws scheme", func(c *Config) { c.WSURL = "http://localhost:8546" }, "WebSocket URL scheme"},
		{"zero blocks", func(c *Config) { c.BlocksToMine = 0 }, "benchmark plan"},
		{"zero blocks in replay mode", func(c *Config) { c.Mode = ModeReplay; c.BlocksToMine = 0 }, ""},
		{"negative gas price", func(c *Config) { c.GasPrice = -1 }, "gas price"},
		{"negative send rate", func(c *Config) { c.SendRate = -1 }, "send rate"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
		{"no fixtures", func(c *Config) { c.EventsPath = "" }, "events and metadata"},
		{"events db replaces fixtures", func(c *Config) { c.EventsPath = ""; c.EventsDB = "events.db" }, ""},
		{"import without db", func(c *Config) { c.Mode = ModeImport }, "events database"},
		{
			name: "import needs no chain",
			mutate: func(c *Config) {
				c.Mode = ModeImport
				c.EventsDB = "events.db"
				c.Pool = ""
				c.RPCURL = ""
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load(addressArgs("-swaps", "250", "-blocks", "4", "-tolerance", "0.01", "-per-call", "-node", "hardhat", "-send-rate", "250", "-node-logging"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeRun {
		t.Errorf("Mode = %q, want %q", cfg.Mode, ModeRun)
	}
	if cfg.NullSwapsPerBlock != 250 || cfg.BlocksToMine != 4 || !cfg.PerCall {
		t.Errorf("swaps, blocks, perCall = %d, %d, %v", cfg.NullSwapsPerBlock, cfg.BlocksToMine, cfg.PerCall)
	}
	if cfg.Tolerance != 0.01 || cfg.SendRate != 250 {
		t.Errorf("Tolerance, SendRate = %v, %v, want 0.01, 250", cfg.Tolerance, cfg.SendRate)
	}
	if !cfg.NodeLogging {
		t.Error("NodeLogging = false, want true")
	}
	if cfg.Capabilities == nil || cfg.Capabilities.Name != "hardhat" {
		t.Errorf("Capabilities = %v, want hardhat", cfg.Capabilities)
	}

	plan := cfg.Plan()
	if plan.NullSwapsPerBlock != 250 || plan.BlocksToMine != 4 || !plan.PerCall || plan.GasPrice != nil {
		t.Errorf("Plan() = %+v", plan)
	}
	if plan.TotalTransactions() != 2000 {
		t.Errorf("TotalTransactions() = %d, want 2000", plan.TotalTransactions())
	}
}

func TestLoadPositionalMode(t *testing.T) {
	cfg, err := Load(append([]string{"replay"}, addressArgs("-limit", "50")...))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeReplay || cfg.EventLimit != 50 {
		t.Errorf("Mode, EventLimit = %q, %d, want replay, 50", cfg.Mode, cfg.EventLimit)
	}

	if _, err := Load(append(addressArgs(), "extra")); err == nil {
		t.Error("Load(trailing argument) error = nil, want error")
	}
}

func TestLoadUnknownNode(t *testing.T) {
	_, err := Load(addressArgs("-node", "geth"))
	if err == nil || !strings.Contains(err.Error(), "unknown node profile") {
		t.Errorf("Load() error = %v, want unknown node profile", err)
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_POOLREPLAY_CALLEE", testCallee)
	path := writeFile(t, "poolreplay.yaml", `
rpc_url: http://127.0.0.1:8545
node: anvil
token0: `+testToken0+`
token1: `+testToken1+`
pool: `+testPool+`
callee: ${TEST_POOLREPLAY_CALLEE}
null_swaps_per_block: 100
blocks_to_mine: 2
verify_price: false
`)

	cfg, err := Load([]string{"-config", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Callee != testCallee {
		t.Errorf("Callee = %q, want expanded %q", cfg.Callee, testCallee)
	}
	if cfg.RPCURL != "http://127.0.0.1:8545" || cfg.NullSwapsPerBlock != 100 || cfg.BlocksToMine != 2 || cfg.VerifyPrice {
		t.Errorf("cfg = %+v", cfg)
	}
	// Unset keys keep their defaults.
	if cfg.CallGasLimit != Default().CallGasLimit {
		t.Errorf("CallGasLimit = %d, want default", cfg.CallGasLimit)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, "poolreplay.toml", `
token0 = "`+testToken0+`"
token1 = "`+testToken1+`"
pool = "`+testPool+`"
callee = "`+testCallee+`"
null_swaps_per_block = 100
blocks_to_mine = 2
tolerance = 0.002
`)
	envPath := writeFile(t, "test.env", "BLOCKS_TO_MINE=7\nTOLERANCE=0.003\n")
	t.Setenv("TOLERANCE", "0.004")
	t.Cleanup(func() { os.Unsetenv("BLOCKS_TO_MINE") })

	cfg, err := Load([]string{"--config=" + path, "-env-file", envPath, "-swaps", "300"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// File < .env < existing environment < flags.
	if cfg.BlocksToMine != 7 {
		t.Errorf("BlocksToMine = %d, want 7 from .env", cfg.BlocksToMine)
	}
	if cfg.Tolerance != 0.004 {
		t.Errorf("Tolerance = %v, want 0.004 from the environment", cfg.Tolerance)
	}
	if cfg.NullSwapsPerBlock != 300 {
		t.Errorf("NullSwapsPerBlock = %d, want 300 from flags", cfg.NullSwapsPerBlock)
	}
}

func TestLoadFileErrors(t *testing.T) {
	cfg := Default()
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile(missing) error = nil, want error")
	}
	if err := cfg.LoadFile(writeFile(t, "cfg.json", "{}")); err == nil {
		t.Error("LoadFile(.json) error = nil, want error")
	}
	if err := cfg.LoadFile(writeFile(t, "cfg.toml", "tolerance = [")); err == nil {
		t.Error("LoadFile(bad toml) error = nil, want error")
	}
}

func TestInvalidEnvNumber(t *testing.T) {
	t.Setenv("NULL_SWAPS_PER_BLOCK", "lots")
	if _, err := Load(addressArgs()); err == nil {
		t.Error("Load() error = nil, want invalid NULL_SWAPS_PER_BLOCK")
	}
}

func TestNodeLoggingEnv(t *testing.T) {
	tests := []struct {
		env     string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"0", false, false},
		{"loud", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("NODE_LOGGING", tt.env)
			cfg, err := Load(addressArgs())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg.NodeLogging != tt.want {
				t.Errorf("NodeLogging = %v, want %v", cfg.NodeLogging, tt.want)
			}
		})
	}
}

func TestResolveDerivesPool(t *testing.T) {
	cfg := validConfig()
	cfg.Pool = ""
	cfg.Factory = testFactory
	cfg.Fee = uniswapv3.FeeLow
	if err := cfg.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := uniswapv3.ComputePoolAddress(common.HexToAddress(testFactory), common.HexToAddress(testToken0),
		common.HexToAddress(testToken1), uniswapv3.FeeLow, uniswapv3.PoolInitCodeHash)
	if cfg.Pool != want.Hex() {
		t.Errorf("Pool = %s, want %s", cfg.Pool, want.Hex())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() after Resolve error = %v", err)
	}

	// An explicit pool is kept.
	cfg.Pool = testPool
	if err := cfg.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Pool != testPool {
		t.Errorf("Pool = %s, want %s", cfg.Pool, testPool)
	}
}

func TestContractsSortsTokens(t *testing.T) {
	cfg := validConfig()
	cfg.Token0, cfg.Token1 = testToken1, testToken0
	c := cfg.Contracts()
	if c.Token0 != common.HexToAddress(testToken0) || c.Token1 != common.HexToAddress(testToken1) {
		t.Errorf("tokens = %s, %s, want sorted", c.Token0, c.Token1)
	}
	if c.Pool != common.HexToAddress(testPool) || c.Callee != common.HexToAddress(testCallee) {
		t.Errorf("Contracts() = %+v", c)
	}
}
