package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tmmath "github.com/hybridchain/hybridchain/libs/math"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// ProtocolDPoS selects round-robin delegated production.
	ProtocolDPoS = "dpos"
	// ProtocolBFT selects view-based byzantine agreement.
	ProtocolBFT = "bft"
	// ProtocolHybrid selects delegated production with byzantine finality.
	ProtocolHybrid = "hybrid"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultHybridchainDir = ".hybridchain"
	defaultConfigDir      = "config"
	defaultDataDir        = "data"

	defaultConfigFileName  = "config.toml"
	defaultGenesisJSONName = "genesis.json"

	defaultProducerKeyName = "producer_key.json"

	defaultConfigFilePath  = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultGenesisJSONPath = filepath.Join(defaultConfigDir, defaultGenesisJSONName)
	defaultProducerKeyPath = filepath.Join(defaultConfigDir, defaultProducerKeyName)
)

// Config defines the top level configuration for a hybridchain node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Consensus       *ConsensusConfig       `mapstructure:"consensus"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a hybridchain node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Consensus:       DefaultConsensusConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Consensus:       TestConsensusConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
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
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [consensus] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a hybridchain node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Database backend: goleveldb | memdb
	// * goleveldb (github.com/syndtr/goleveldb - most popular implementation)
	//   - pure go
	//   - stable
	// * memdb
	//   - nothing persists across restarts, for tests and demos
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`

	// Path to the JSON file containing the initial roster and the
	// registration authority
	Genesis string `mapstructure:"genesis_file"`

	// Path to the JSON file containing the key this node produces and
	// attests with
	ProducerKey string `mapstructure:"producer_key_file"`
}

// DefaultBaseConfig returns a default base configuration for a hybridchain node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Genesis:     defaultGenesisJSONPath,
		ProducerKey: defaultProducerKeyPath,
		Moniker:     defaultMoniker,
		LogLevel:    DefaultLogLevel,
		LogFormat:   LogFormatPlain,
		DBBackend:   "goleveldb",
		DBPath:      defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a hybridchain node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	cfg.LogLevel = "debug"
	return cfg
}

// GenesisFile returns the full path to the genesis.json file
func (cfg BaseConfig) GenesisFile() string {
	return rootify(cfg.Genesis, cfg.RootDir)
}

// ProducerKeyFile returns the full path to the producer_key.json file
func (cfg BaseConfig) ProducerKeyFile() string {
	return rootify(cfg.ProducerKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db_backend %q", cfg.DBBackend)
	}
	return nil
}

// DefaultLogLevel is the level used when none is configured.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// ConsensusConfig

// ConsensusConfig holds the protocol selection and every tunable of producer
// rotation, quorum and caching. It is read once at startup and never mutated.
type ConsensusConfig struct {
	// Protocol: dpos | bft | hybrid
	Protocol string `mapstructure:"protocol"`

	// Target spacing between blocks. Time indices are counted in whole
	// intervals since EpochTime.
	BlockInterval time.Duration `mapstructure:"block_interval"`

	// Unix seconds the time index counts from. Zero means the genesis time.
	EpochTime int64 `mapstructure:"epoch_time"`

	// Blocks between producer elections. Height 0 is always a boundary.
	ElectionInterval int64 `mapstructure:"election_interval"`

	// Roster size bounds. Elections yielding fewer than MinProducers
	// eligible candidates keep the previous roster.
	MinProducers int `mapstructure:"min_producers"`
	MaxProducers int `mapstructure:"max_producers"`

	// Share of the roster whose signatures make a quorum.
	AgreementRate tmmath.Fraction `mapstructure:"agreement_rate"`

	// An active producer idle for longer than ProducerTimeout is flagged
	// delayed and banned for BanDuration on the following maintenance pass.
	ProducerTimeout time.Duration `mapstructure:"producer_timeout"`
	BanDuration     time.Duration `mapstructure:"ban_duration"`

	// How long a BFT view waits for the due validator before moving on.
	ViewTimeout time.Duration `mapstructure:"view_timeout"`

	// Bounded recency caches.
	TipCacheSize    int `mapstructure:"tip_cache_size"`
	HeaderCacheSize int `mapstructure:"header_cache_size"`

	// Capacity of the consensus event loop queue.
	EventQueueSize int `mapstructure:"event_queue_size"`

	// Produce blocks when this node is due.
	Produce bool `mapstructure:"produce"`
}

// DefaultConsensusConfig returns a default configuration for the consensus service
func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		Protocol:         ProtocolDPoS,
		BlockInterval:    3 * time.Second,
		EpochTime:        0,
		ElectionInterval: 100,
		MinProducers:     1,
		MaxProducers:     21,
		AgreementRate:    tmmath.Fraction{Numerator: 2, Denominator: 3},
		ProducerTimeout:  10 * time.Minute,
		BanDuration:      1 * time.Hour,
		ViewTimeout:      10 * time.Second,
		TipCacheSize:     500,
		HeaderCacheSize:  1000,
		EventQueueSize:   128,
		Produce:          true,
	}
}

// TestConsensusConfig returns a configuration for testing the consensus service
func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.BlockInterval = 1 * time.Second
	cfg.ElectionInterval = 10
	cfg.ViewTimeout = 100 * time.Millisecond
	cfg.TipCacheSize = 16
	cfg.HeaderCacheSize = 64
	cfg.EventQueueSize = 16
	return cfg
}

// BlockIntervalSeconds returns the block interval in whole seconds, at
// least one.
func (cfg *ConsensusConfig) BlockIntervalSeconds() int64 {
	secs := int64(cfg.BlockInterval / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ConsensusConfig) ValidateBasic() error {
	switch cfg.Protocol {
	case ProtocolDPoS, ProtocolBFT, ProtocolHybrid:
	default:
		return fmt.Errorf("unknown protocol %q (must be dpos, bft or hybrid)", cfg.Protocol)
	}
	if cfg.BlockInterval < time.Second {
		return errors.New("block_interval must be at least one second")
	}
	if cfg.EpochTime < 0 {
		return errors.New("epoch_time can't be negative")
	}
	if cfg.ElectionInterval <= 0 {
		return errors.New("election_interval must be positive")
	}
	if cfg.MinProducers <= 0 {
		return errors.New("min_producers must be positive")
	}
	if cfg.MaxProducers < cfg.MinProducers {
		return errors.New("max_producers can't be less than min_producers")
	}
	if err := cfg.AgreementRate.ValidateBasic(); err != nil {
		return fmt.Errorf("agreement_rate: %w", err)
	}
	if cfg.ProducerTimeout <= 0 {
		return errors.New("producer_timeout must be positive")
	}
	if cfg.BanDuration <= 0 {
		return errors.New("ban_duration must be positive")
	}
	if cfg.ViewTimeout <= 0 {
		return errors.New("view_timeout must be positive")
	}
	if cfg.TipCacheSize <= 0 {
		return errors.New("tip_cache_size must be positive")
	}
	if cfg.HeaderCacheSize <= 0 {
		return errors.New("header_cache_size must be positive")
	}
	if cfg.EventQueueSize <= 0 {
		return errors.New("event_queue_size must be positive")
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
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "hybridchain",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	if cfg.Namespace == "" {
		return errors.New("namespace can't be empty")
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

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
