package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

const (
	// LogFormatPlain defines a logging format as human-readable text.
	LogFormatPlain = "plain"
	// LogFormatJSON defines a logging format as JSON lines.
	LogFormatJSON = "json"

	// DefaultLogLevel is the default log level.
	DefaultLogLevel = "info"

	// DefaultDBBackend is the default database backend for the header index.
	DefaultDBBackend = "goleveldb"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go.
var (
	DefaultFulcrumDir = ".fulcrum"
	defaultConfigDir  = "config"
	defaultDataDir    = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a Fulcrum server.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Node            *NodeConfig            `mapstructure:"node"`
	Sync            *SyncConfig            `mapstructure:"sync"`
	Server          *ServerConfig          `mapstructure:"server"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a Fulcrum server.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Node:            DefaultNodeConfig(),
		Sync:            DefaultSyncConfig(),
		Server:          DefaultServerConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.Sync.PollInterval = 50 * time.Millisecond
	cfg.Sync.HeadersPerBatch = 8
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Instrumentation.Prometheus = false
	return cfg
}

// SetRoot sets the RootDir for all Config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Node.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [node] section: %w", err)
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [sync] section: %w", err)
	}
	if err := cfg.Server.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [server] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a Fulcrum server.
type BaseConfig struct {
	// The root directory for all data.
	RootDir string `mapstructure:"home"`

	// Database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		DBBackend: DefaultDBBackend,
		DBPath:    defaultDataDir,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
	}
}

// DBDir returns the full path to the database directory.
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ConfigFilePath returns the full path to the config.toml file.
func (cfg BaseConfig) ConfigFilePath() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log format (must be 'plain' or 'json')")
	}
	return nil
}

//-----------------------------------------------------------------------------
// NodeConfig

// NodeConfig defines how to reach the bitcoind node whose chain is indexed.
type NodeConfig struct {
	// Address of the node's JSON-RPC listener
	Remote string `mapstructure:"remote"`

	// RPC credentials; rpcuser/rpcpassword in the node's own config
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Per-request timeout applied to every call
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
}

// DefaultNodeConfig returns a default node configuration.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Remote:         "http://127.0.0.1:8332",
		RequestTimeout: 30 * time.Second,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *NodeConfig) ValidateBasic() error {
	if cfg.Remote == "" {
		return errors.New("remote must not be empty")
	}
	if _, err := url.Parse(cfg.Remote); err != nil {
		return fmt.Errorf("remote is not a valid URL: %w", err)
	}
	if cfg.RequestTimeout < 0 {
		return errors.New("request-timeout can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the behavior of the header synchronization controller.
type SyncConfig struct {
	// How often to poll the node for a new tip while idle or after a
	// failed round
	PollInterval time.Duration `mapstructure:"poll-interval"`

	// Maximum number of download tasks run concurrently per round
	Parallelism int `mapstructure:"parallelism"`

	// Headers fetched and committed per storage batch inside a task
	HeadersPerBatch int `mapstructure:"headers-per-batch"`
}

// DefaultSyncConfig returns a default sync configuration.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		PollInterval:    5000 * time.Millisecond,
		Parallelism:     4,
		HeadersPerBatch: 500,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.PollInterval <= 0 {
		return errors.New("poll-interval must be positive")
	}
	if cfg.Parallelism <= 0 {
		return errors.New("parallelism must be positive")
	}
	if cfg.HeadersPerBatch <= 0 {
		return errors.New("headers-per-batch must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ServerConfig

// ServerConfig defines the client-facing HTTP/WebSocket server. The server
// does not accept connections until the index has caught up with the node for
// the first time.
type ServerConfig struct {
	// TCP address for the server to listen on
	ListenAddress string `mapstructure:"laddr"`

	// A list of origins a cross-domain request can be executed from.
	// If the special '*' value is present in the list, all origins will
	// be allowed. An origin may contain a wildcard (*) to replace 0 or
	// more characters (i.e.: http://*.domain.com).
	CORSAllowedOrigins []string `mapstructure:"cors-allowed-origins"`

	// A list of methods the client is allowed to use with cross-domain
	// requests
	CORSAllowedMethods []string `mapstructure:"cors-allowed-methods"`

	// A list of non simple headers the client is allowed to use with
	// cross-domain requests
	CORSAllowedHeaders []string `mapstructure:"cors-allowed-headers"`

	// How long to wait for a request to complete before timing it out
	ReadTimeout  time.Duration `mapstructure:"read-timeout"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
}

// DefaultServerConfig returns a default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddress:      "0.0.0.0:50001",
		CORSAllowedOrigins: []string{},
		CORSAllowedMethods: []string{"GET"},
		CORSAllowedHeaders: []string{"Origin", "Accept", "Content-Type"},
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
	}
}

// IsCorsEnabled returns true if cross-origin resource sharing is enabled.
func (cfg *ServerConfig) IsCorsEnabled() bool {
	return len(cfg.CORSAllowedOrigins) != 0
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ServerConfig) ValidateBasic() error {
	if cfg.ListenAddress == "" {
		return errors.New("laddr must not be empty")
	}
	if cfg.ReadTimeout < 0 {
		return errors.New("read-timeout can't be negative")
	}
	if cfg.WriteTimeout < 0 {
		return errors.New("write-timeout can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Maximum number of simultaneous connections.
	MaxOpenConnections int `mapstructure:"max-open-connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "fulcrum",
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max-open-connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
