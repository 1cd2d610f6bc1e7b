package config

import (
	"bytes"
	"path/filepath"
	"text/template"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/atomicfile"

	tmos "github.com/hybridchain/hybridchain/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't
// exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := tmos.EnsureDir(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	// Reject a template that renders invalid TOML.
	var decoded map[string]interface{}
	if _, err := toml.Decode(buffer.String(), &decoded); err != nil {
		return err
	}

	_, err := atomicfile.WriteAll(path, &buffer, 0644)
	return err
}

// ConfigFile returns the full path to config.toml under rootDir.
func ConfigFile(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/myawesomeapp/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.hybridchain" by default, but could be changed via $HCHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Database backend: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ .BaseConfig.DBPath }}"

# Output level for logging: debug | info | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

# Path to the JSON file containing the initial roster and the
# registration authority
genesis_file = "{{ .BaseConfig.Genesis }}"

# Path to the JSON file containing the key this node produces and attests with
producer_key_file = "{{ .BaseConfig.ProducerKey }}"

#######################################################################
###                 Consensus Configuration Options                 ###
#######################################################################
[consensus]

# dpos | bft | hybrid
protocol = "{{ .Consensus.Protocol }}"

# Target spacing between blocks
block_interval = "{{ .Consensus.BlockInterval }}"

# Unix seconds the time index counts from (0 = genesis time)
epoch_time = {{ .Consensus.EpochTime }}

# Blocks between producer elections
election_interval = {{ .Consensus.ElectionInterval }}

# Roster size bounds
min_producers = {{ .Consensus.MinProducers }}
max_producers = {{ .Consensus.MaxProducers }}

# Idle producers are flagged after producer_timeout and banned for ban_duration
producer_timeout = "{{ .Consensus.ProducerTimeout }}"
ban_duration = "{{ .Consensus.BanDuration }}"

# How long a BFT view waits for the due validator
view_timeout = "{{ .Consensus.ViewTimeout }}"

# Bounded recency caches
tip_cache_size = {{ .Consensus.TipCacheSize }}
header_cache_size = {{ .Consensus.HeaderCacheSize }}

# Capacity of the consensus event queue
event_queue_size = {{ .Consensus.EventQueueSize }}

# Produce blocks when this node is due
produce = {{ .Consensus.Produce }}

# Share of the roster whose signatures make a quorum
[consensus.agreement_rate]
numerator = {{ .Consensus.AgreementRate.Numerator }}
denominator = {{ .Consensus.AgreementRate.Denominator }}

#######################################################################
###                Instrumentation Configuration Options            ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# prometheus_listen_addr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
