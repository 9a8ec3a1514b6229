// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/gateway-fm/poolreplay/internal/benchmark"
	"github.com/gateway-fm/poolreplay/internal/execnode"
	"github.com/gateway-fm/poolreplay/internal/tolerance"
	"github.com/gateway-fm/poolreplay/internal/uniswapv3"
)

// Modes.
const (
	ModeRun        = "run"
	ModeReplay     = "replay"
	ModeGasProfile = "gas-profile"
	ModeImport     = "import"
	ModeServe      = "serve"
)

// Config holds poolreplay configuration.
type Config struct {
	Mode string `yaml:"mode" toml:"mode"`

	RPCURL string `yaml:"rpc_url" toml:"rpc_url"`
	WSURL  string `yaml:"ws_url" toml:"ws_url"` // newHeads subscription, optional
	// Node selects the execution node profile ("anvil", "hardhat", ...).
	Node        string `yaml:"node" toml:"node"`
	PrivateKey  string `yaml:"private_key" toml:"private_key"`
	DevAccount  int    `yaml:"dev_account" toml:"dev_account"` // used when PrivateKey is empty
	ForceSigned bool   `yaml:"force_signed" toml:"force_signed"`
	GasPrice    int64  `yaml:"gas_price" toml:"gas_price"` // 0 = ask the node
	// SendRate caps per-call submissions per second, 0 = unlimited.
	SendRate float64 `yaml:"send_rate" toml:"send_rate"`
	// NodeLogging keeps the node's per-call console logging on.
	NodeLogging bool `yaml:"node_logging" toml:"node_logging"`

	Token0  string `yaml:"token0" toml:"token0"`
	Token1  string `yaml:"token1" toml:"token1"`
	Factory string `yaml:"factory" toml:"factory"`
	Fee     uint32 `yaml:"fee" toml:"fee"`
	// Pool is derived from Factory, tokens and Fee when empty.
	Pool   string `yaml:"pool" toml:"pool"`
	Callee string `yaml:"callee" toml:"callee"`

	EventsPath   string `yaml:"events_path" toml:"events_path"`
	MetadataPath string `yaml:"metadata_path" toml:"metadata_path"`
	// EventsDB, when set, loads events from an indexer SQLite database
	// instead of the JSON export.
	EventsDB   string  `yaml:"events_db" toml:"events_db"`
	EventLimit int     `yaml:"event_limit" toml:"event_limit"`
	Tolerance  float64 `yaml:"tolerance" toml:"tolerance"`

	NullSwapsPerBlock    int    `yaml:"null_swaps_per_block" toml:"null_swaps_per_block"`
	BlocksToMine         int    `yaml:"blocks_to_mine" toml:"blocks_to_mine"`
	CallGasLimit         uint64 `yaml:"call_gas_limit" toml:"call_gas_limit"`
	StartTimestamp       int64  `yaml:"start_timestamp" toml:"start_timestamp"`
	BlockIntervalSeconds int64  `yaml:"block_interval_seconds" toml:"block_interval_seconds"`
	PerCall              bool   `yaml:"per_call" toml:"per_call"`
	VerifyPrice          bool   `yaml:"verify_price" toml:"verify_price"`

	ListenAddr         string `yaml:"listen_addr" toml:"listen_addr"`
	MetricsAddr        string `yaml:"metrics_addr" toml:"metrics_addr"`
	DatabasePath       string `yaml:"database_path" toml:"database_path"` // run history, off when empty
	CORSAllowedOrigins string `yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	LogLevel           string `yaml:"log_level" toml:"log_level"`
	LogFormat          string `yaml:"log_format" toml:"log_format"`

	// Capabilities holds the resolved node profile.
	// This is populated automatically based on Node.
	Capabilities *execnode.ExecutionLayerCapabilities `yaml:"-" toml:"-"`
}

// Defaults
const (
	DefaultMode               = ModeRun
	DefaultRPCURL             = "http://localhost:8545"
	DefaultNode               = "anvil"
	DefaultFee                = uniswapv3.FeeMedium
	DefaultEventsPath         = "./data/logs.json"
	DefaultMetadataPath       = "./data/poolData.json"
	DefaultListenAddr         = ":3001"
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultEnvFile            = ".env"
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	plan := benchmark.DefaultPlan()
	return &Config{
		Mode:                 DefaultMode,
		RPCURL:               DefaultRPCURL,
		Node:                 DefaultNode,
		Fee:                  DefaultFee,
		EventsPath:           DefaultEventsPath,
		MetadataPath:         DefaultMetadataPath,
		Tolerance:            tolerance.DefaultFraction,
		NullSwapsPerBlock:    plan.NullSwapsPerBlock,
		BlocksToMine:         plan.BlocksToMine,
		CallGasLimit:         plan.CallGasLimit,
		StartTimestamp:       plan.StartTimestamp,
		BlockIntervalSeconds: plan.BlockIntervalSeconds,
		VerifyPrice:          plan.VerifyPrice,
		ListenAddr:           DefaultListenAddr,
		CORSAllowedOrigins:   DefaultCORSAllowedOrigins,
		LogLevel:             DefaultLogLevel,
		LogFormat:            DefaultLogFormat,
	}
}

// Load builds the configuration from, in increasing precedence: defaults,
// the file named by -config, environment variables (including those from
// the .env file) and command-line flags. A leading non-flag argument names
// the mode. args excludes the program name.
func Load(args []string) (*Config, error) {
	cfg := Default()

	// The .env file only feeds the environment, so it is loaded first to make
	// its variables visible to ${VAR} references in the config file. A missing
	// .env is not an error and existing variables are not overridden.
	if err := godotenv.Load(envFile(args)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	if path := configPath(args); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML or TOML file, chosen by extension. ${VAR}
// references in YAML files are expanded from the environment.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file type: %s", path)
	}
	return nil
}

// flagValue returns the value of -name or --name in args.
func flagValue(args []string, name string) string {
	for i, a := range args {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		a = strings.TrimPrefix(strings.TrimPrefix(a, "-"), "-")
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return v
		}
	}
	return ""
}

func configPath(args []string) string {
	if v := flagValue(args, "config"); v != "" {
		return v
	}
	return os.Getenv("POOLREPLAY_CONFIG")
}

func envFile(args []string) string {
	if v := flagValue(args, "env-file"); v != "" {
		return v
	}
	return DefaultEnvFile
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"POOLREPLAY_MODE":      &c.Mode,
		"RPC_URL":              &c.RPCURL,
		"WS_URL":               &c.WSURL,
		"NODE_PROFILE":         &c.Node,
		"PRIVATE_KEY":          &c.PrivateKey,
		"TOKEN0_ADDRESS":       &c.Token0,
		"TOKEN1_ADDRESS":       &c.Token1,
		"FACTORY_ADDRESS":      &c.Factory,
		"POOL_ADDRESS":         &c.Pool,
		"CALLEE_ADDRESS":       &c.Callee,
		"EVENTS_PATH":          &c.EventsPath,
		"METADATA_PATH":        &c.MetadataPath,
		"EVENTS_DB":            &c.EventsDB,
		"LISTEN_ADDR":          &c.ListenAddr,
		"METRICS_ADDR":         &c.MetricsAddr,
		"DATABASE_PATH":        &c.DatabasePath,
		"CORS_ALLOWED_ORIGINS": &c.CORSAllowedOrigins,
		"LOG_LEVEL":            &c.LogLevel,
		"LOG_FORMAT":           &c.LogFormat,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DEV_ACCOUNT":          &c.DevAccount,
		"EVENT_LIMIT":          &c.EventLimit,
		"NULL_SWAPS_PER_BLOCK": &c.NullSwapsPerBlock,
		"BLOCKS_TO_MINE":       &c.BlocksToMine,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid TOLERANCE: %w", err)
		}
		c.Tolerance = f
	}
	if v := os.Getenv("SEND_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid SEND_RATE: %w", err)
		}
		c.SendRate = f
	}
	if v := os.Getenv("NODE_LOGGING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid NODE_LOGGING: %w", err)
		}
		c.NodeLogging = b
	}
	if v := os.Getenv("POOL_FEE"); v != "" {
		fee, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid POOL_FEE: %w", err)
		}
		c.Fee = uint32(fee)
	}
	if v := os.Getenv("GAS_PRICE"); v != "" {
		price, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid GAS_PRICE: %w", err)
		}
		c.GasPrice = price
	}
	return nil
}

func (c *Config) parseFlags(args []string) error {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		c.Mode, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("poolreplay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Consumed before flag parsing; declared so they are accepted.
	fs.String("config", "", "YAML or TOML config file")
	fs.String("env-file", DefaultEnvFile, ".env file")

	fs.StringVar(&c.Mode, "mode", c.Mode, "Mode (run, replay, gas-profile, import, serve)")
	fs.StringVar(&c.RPCURL, "rpc", c.RPCURL, "Node JSON-RPC URL")
	fs.StringVar(&c.WSURL, "ws", c.WSURL, "Node WebSocket URL for newHeads")
	fs.StringVar(&c.Node, "node", c.Node, "Node profile")
	fs.StringVar(&c.PrivateKey, "key", c.PrivateKey, "Hex private key of the sender")
	fs.IntVar(&c.DevAccount, "dev-account", c.DevAccount, "Dev account index used when no key is set")
	fs.BoolVar(&c.ForceSigned, "signed", c.ForceSigned, "Sign benchmark transactions even if the node accepts unsigned ones")
	fs.Int64Var(&c.GasPrice, "gasprice", c.GasPrice, "Gas price in wei (0=ask the node)")
	fs.Float64Var(&c.SendRate, "send-rate", c.SendRate, "Max per-call submissions per second (0=unlimited)")
	fs.BoolVar(&c.NodeLogging, "node-logging", c.NodeLogging, "Keep the node's console logging on")
	fs.StringVar(&c.Token0, "token0", c.Token0, "Token0 address")
	fs.StringVar(&c.Token1, "token1", c.Token1, "Token1 address")
	fs.StringVar(&c.Factory, "factory", c.Factory, "Factory address")
	var fee uint64
	fs.Uint64Var(&fee, "fee", uint64(c.Fee), "Pool fee tier")
	fs.StringVar(&c.Pool, "pool", c.Pool, "Pool address (derived from factory when empty)")
	fs.StringVar(&c.Callee, "callee", c.Callee, "Test callee address")
	fs.StringVar(&c.EventsPath, "events", c.EventsPath, "Recorded events JSON (.zst allowed)")
	fs.StringVar(&c.MetadataPath, "metadata", c.MetadataPath, "Pool metadata JSON (.zst allowed)")
	fs.StringVar(&c.EventsDB, "events-db", c.EventsDB, "Indexer SQLite database")
	fs.IntVar(&c.EventLimit, "limit", c.EventLimit, "Replay at most this many events (0=all)")
	fs.Float64Var(&c.Tolerance, "tolerance", c.Tolerance, "Relative tolerance for replay comparisons")
	fs.IntVar(&c.NullSwapsPerBlock, "swaps", c.NullSwapsPerBlock, "Null swap pairs per block")
	fs.IntVar(&c.BlocksToMine, "blocks", c.BlocksToMine, "Blocks to mine")
	fs.Uint64Var(&c.CallGasLimit, "call-gas", c.CallGasLimit, "Gas limit per swap call")
	fs.Int64Var(&c.StartTimestamp, "start-timestamp", c.StartTimestamp, "Timestamp of the first benchmark block")
	fs.Int64Var(&c.BlockIntervalSeconds, "block-interval", c.BlockIntervalSeconds, "Seconds between benchmark block timestamps")
	fs.BoolVar(&c.PerCall, "per-call", c.PerCall, "Submit each swap as its own transaction")
	fs.BoolVar(&c.VerifyPrice, "verify-price", c.VerifyPrice, "Check the pool price after every block")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address (serve mode)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus listen address")
	fs.StringVar(&c.DatabasePath, "db", c.DatabasePath, "Run history database (serve mode, empty disables history)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (json, text)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fee > 1_000_000 {
		return fmt.Errorf("fee %d out of range", fee)
	}
	c.Fee = uint32(fee)
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

// Resolve fills derived fields: the node profile and, when only the
// factory and tokens are known, the pool address.
func (c *Config) Resolve() error {
	c.Capabilities = execnode.DefaultRegistry().Get(c.Node)
	if c.Capabilities == nil {
		return fmt.Errorf("unknown node profile: %s (supported: %s)", c.Node, strings.Join(execnode.DefaultRegistry().Names(), ", "))
	}
	if c.Pool == "" && c.Factory != "" && c.Token0 != "" && c.Token1 != "" {
		pool := uniswapv3.ComputePoolAddress(
			common.HexToAddress(c.Factory),
			common.HexToAddress(c.Token0),
			common.HexToAddress(c.Token1),
			c.Fee,
			uniswapv3.PoolInitCodeHash,
		)
		c.Pool = pool.Hex()
	}
	return nil
}

// NeedsChain reports whether the mode talks to a node.
func (c *Config) NeedsChain() bool {
	return c.Mode != ModeImport
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRun, ModeReplay, ModeGasProfile, ModeImport, ModeServe:
	default:
		return fmt.Errorf("invalid mode: %s", c.Mode)
	}
	if c.Tolerance < 0 || c.Tolerance > 1 {
		return fmt.Errorf("tolerance must be between 0 and 1, got %v", c.Tolerance)
	}
	if c.EventLimit < 0 {
		return fmt.Errorf("event limit cannot be negative")
	}
	if c.EventsDB == "" && (c.EventsPath == "" || c.MetadataPath == "") {
		return fmt.Errorf("events and metadata paths are required without an events database")
	}
	if c.Mode == ModeImport && c.EventsDB == "" {
		return fmt.Errorf("import mode requires an events database")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	if !c.NeedsChain() {
		return nil
	}

	if err := checkURL("RPC URL", c.RPCURL, "http", "https"); err != nil {
		return err
	}
	if c.WSURL != "" {
		if err := checkURL("WebSocket URL", c.WSURL, "ws", "wss"); err != nil {
			return err
		}
	}
	for name, addr := range map[string]string{"pool": c.Pool, "callee": c.Callee, "token0": c.Token0, "token1": c.Token1} {
		if addr == "" {
			return fmt.Errorf("%s address is required", name)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid %s address: %s", name, addr)
		}
	}
	if c.Factory != "" && !common.IsHexAddress(c.Factory) {
		return fmt.Errorf("invalid factory address: %s", c.Factory)
	}
	if c.GasPrice < 0 {
		return fmt.Errorf("gas price cannot be negative")
	}
	if c.SendRate < 0 {
		return fmt.Errorf("send rate cannot be negative")
	}
	if c.Mode == ModeRun || c.Mode == ModeServe {
		if err := c.Plan().Validate(); err != nil {
			return fmt.Errorf("invalid benchmark plan: %w", err)
		}
	}
	return nil
}

func checkURL(what, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid %s: %q", what, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s scheme %q (want %s)", what, u.Scheme, strings.Join(schemes, " or "))
}

// Contracts returns the pool addresses with the tokens in pool order.
func (c *Config) Contracts() uniswapv3.Contracts {
	token0, token1 := uniswapv3.SortTokens(common.HexToAddress(c.Token0), common.HexToAddress(c.Token1))
	return uniswapv3.Contracts{
		Token0: token0,
		Token1: token1,
		Pool:   common.HexToAddress(c.Pool),
		Callee: common.HexToAddress(c.Callee),
	}
}

// Plan returns the benchmark plan.
func (c *Config) Plan() benchmark.Plan {
	plan := benchmark.DefaultPlan()
	plan.NullSwapsPerBlock = c.NullSwapsPerBlock
	plan.BlocksToMine = c.BlocksToMine
	plan.CallGasLimit = c.CallGasLimit
	plan.StartTimestamp = c.StartTimestamp
	plan.BlockIntervalSeconds = c.BlockIntervalSeconds
	plan.PerCall = c.PerCall
	plan.VerifyPrice = c.VerifyPrice
	plan.GasPrice = c.GasPriceWei()
	return plan
}

// GasPriceWei returns the configured gas price, or nil to ask the node.
func (c *Config) GasPriceWei() *big.Int {
	if c.GasPrice == 0 {
		return nil
	}
	return big.NewInt(c.GasPrice)
}

// Comparator returns the tolerance comparator.
func (c *Config) Comparator() (tolerance.Comparator, error) {
	return tolerance.New(c.Tolerance)
}
