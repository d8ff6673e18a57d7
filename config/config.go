// Package config defines the crawler's TOML configuration.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/flonet/flocrawl/chainparams"
)

// DefaultDirPerm is the default permissions used when creating directories.
const DefaultDirPerm = 0700

var defaultConfigFileName = "config.toml"

// Config defines the top-level configuration, with one section per concern.
type Config struct {
	BaseConfig `mapstructure:",squash"`

	Scanner         *ScannerConfig         `mapstructure:"scanner" toml:"scanner"`
	FullNode        *FullNodeConfig        `mapstructure:"fullnode" toml:"fullnode"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation" toml:"instrumentation"`
}

// DefaultConfig returns a default configuration for the crawler.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Scanner:         DefaultScannerConfig(),
		FullNode:        DefaultFullNodeConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration for tests: testnet, quiet, no
// instrumentation.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Network = "testnet"
	cfg.LogLevel = "error"
	cfg.PeerLogLevel = "error"
	cfg.Scanner.DisableLogUpdate = true
	cfg.Instrumentation.Prometheus = false
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if _, err := cfg.Params(); err != nil {
		return err
	}
	if err := cfg.Scanner.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [scanner] section: %w", err)
	}
	return nil
}

// Params resolves the configured network (and anchor override, if any) to
// chain parameters.
func (cfg *Config) Params() (chainparams.Params, error) {
	params, err := chainparams.FromName(cfg.Network)
	if err != nil {
		return chainparams.Params{}, err
	}
	if cfg.AnchorHash != "" {
		h, err := chainhash.NewHashFromStr(cfg.AnchorHash)
		if err != nil {
			return chainparams.Params{}, fmt.Errorf("invalid anchor-hash: %w", err)
		}
		params = params.WithAnchor(h)
	}
	return params, nil
}

// SetRoot sets the RootDir for all sub-config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.RootDir = root
	return cfg
}

// ConfigFilePath returns the path the config file is read from.
func (cfg *Config) ConfigFilePath() string {
	return filepath.Join(cfg.RootDir, defaultConfigFileName)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for the crawler.
type BaseConfig struct {
	// RootDir is the prefix directory for crawler data and the full node's
	// store.
	RootDir string `mapstructure:"home" toml:"-"`

	// Network selects the chain parameters: "livenet" or "testnet".
	Network string `mapstructure:"network" toml:"network"`

	// AnchorHash overrides the built-in bootstrap header anchor. Display
	// (reversed) hex order, as printed by block explorers.
	AnchorHash string `mapstructure:"anchor-hash" toml:"anchor-hash"`

	// LogLevel gates supervisor logging.
	LogLevel string `mapstructure:"log-level" toml:"log-level"`

	// PeerLogLevel gates per-session logging separately; crawling a public
	// network produces a lot of per-peer noise.
	PeerLogLevel string `mapstructure:"peer-log-level" toml:"peer-log-level"`

	// LogFormat is "plain" or "json".
	LogFormat string `mapstructure:"log-format" toml:"log-format"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Network:      "livenet",
		LogLevel:     "info",
		PeerLogLevel: "error",
		LogFormat:    "plain",
	}
}

//-----------------------------------------------------------------------------
// ScannerConfig

// ScannerConfig configures the peer supervisor.
type ScannerConfig struct {
	// MaxPeers caps concurrent sessions.
	MaxPeers int `mapstructure:"max-peers" toml:"max-peers"`

	// ReorgTriggerLength is the minimum fork branch length worth an alert.
	ReorgTriggerLength int64 `mapstructure:"reorg-trigger-length" toml:"reorg-trigger-length"`

	// ReorgTipMaxAge is how far below the active tip a fork may sit and
	// still count as recent.
	ReorgTipMaxAge int64 `mapstructure:"reorg-tip-maxage" toml:"reorg-tip-maxage"`

	// DisableLogUpdate suppresses the periodic status render.
	DisableLogUpdate bool `mapstructure:"disable-log-update" toml:"disable-log-update"`
}

// DefaultScannerConfig returns a default scanner configuration.
func DefaultScannerConfig() *ScannerConfig {
	return &ScannerConfig{
		MaxPeers:           1000,
		ReorgTriggerLength: 10,
		ReorgTipMaxAge:     25,
	}
}

// ValidateBasic performs basic validation and returns an error if any check
// fails.
func (cfg *ScannerConfig) ValidateBasic() error {
	if cfg.MaxPeers < 1 {
		return fmt.Errorf("max-peers must be positive, got %d", cfg.MaxPeers)
	}
	if cfg.ReorgTriggerLength < 1 {
		return fmt.Errorf("reorg-trigger-length must be positive, got %d", cfg.ReorgTriggerLength)
	}
	if cfg.ReorgTipMaxAge < 0 {
		return fmt.Errorf("reorg-tip-maxage cannot be negative, got %d", cfg.ReorgTipMaxAge)
	}
	return nil
}

//-----------------------------------------------------------------------------
// FullNodeConfig

// FullNodeConfig locates the local flod daemon.
type FullNodeConfig struct {
	RPCHost string `mapstructure:"rpc-host" toml:"rpc-host"`
	RPCUser string `mapstructure:"rpc-user" toml:"rpc-user"`
	RPCPass string `mapstructure:"rpc-pass" toml:"rpc-pass"`
}

// DefaultFullNodeConfig returns a default full node configuration.
func DefaultFullNodeConfig() *FullNodeConfig {
	return &FullNodeConfig{
		RPCHost: "127.0.0.1:7313",
	}
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// Prometheus, when true, serves metrics under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus" toml:"prometheus"`

	// PrometheusListenAddr is the address the metrics server binds.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr" toml:"prometheus-listen-addr"`

	// Namespace is the metrics namespace.
	Namespace string `mapstructure:"namespace" toml:"namespace"`
}

// DefaultInstrumentationConfig returns a default instrumentation
// configuration.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "flocrawl",
	}
}
