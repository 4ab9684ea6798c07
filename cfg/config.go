package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// Overload policy names accepted in topic configuration.
const (
	PolicyError         = "error"
	PolicyDiscardNewest = "discard_newest"
	PolicyDiscardOldest = "discard_oldest"
	PolicyBlock         = "block"
)

// Ring backend names accepted in topic configuration.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendNATS   = "nats"
)

// TopicConfiguration is the per-topic-name configuration, resolved once per
// name and immutable thereafter. Pattern is a glob matched against topic
// names; the first matching section wins, with zero-valued fields filled
// from the defaults section.
type TopicConfiguration struct {
	Pattern              string `toml:"pattern"`
	Backend              string `toml:"backend"`
	Capacity             int64  `toml:"capacity"`
	TTLSeconds           int    `toml:"ttl_seconds"`
	OverloadPolicy       string `toml:"overload_policy"`
	ReadBatchSize        int    `toml:"read_batch_size"`
	LossTolerant         bool   `toml:"loss_tolerant"`
	Compression          string `toml:"compression"` // "none" or "zstd"
	BlockRetryIntervalMS int    `toml:"block_retry_interval_ms"`
	BlockWaitBudgetMS    int    `toml:"block_wait_budget_ms"` // negative = wait forever
	PollIntervalMS       int    `toml:"poll_interval_ms"`
	ReadRetryInitialMS   int    `toml:"read_retry_initial_ms"`
	ReadRetryMaxMS       int    `toml:"read_retry_max_ms"`
	ReadMaxRetries       int    `toml:"read_max_retries"`
}

// NATSConfiguration for the JetStream ring backend.
type NATSConfiguration struct {
	URL string `toml:"url"`
}

// BridgeConfiguration attaches a Kafka forwarder to a topic.
type BridgeConfiguration struct {
	Name         string   `toml:"name"`
	Topic        string   `toml:"topic"`
	Brokers      []string `toml:"brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
	LossTolerant bool     `toml:"loss_tolerant"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration for the admin HTTP API.
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the root config document.
type Configuration struct {
	NodeID           uint64 `toml:"node_id"` // 0 = derive from machine id
	DataDir          string `toml:"data_dir"`
	PublisherAddress string `toml:"publisher_address"` // defaults to hostname

	Defaults TopicConfiguration    `toml:"topic_defaults"`
	Topics   []TopicConfiguration  `toml:"topic"`
	Bridges  []BridgeConfiguration `toml:"bridge"`

	NATS       NATSConfiguration       `toml:"nats"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./retopic-data",

	Defaults: TopicConfiguration{
		Backend:              BackendMemory,
		Capacity:             10000,
		TTLSeconds:           0, // retention bounded by capacity only
		OverloadPolicy:       PolicyBlock,
		ReadBatchSize:        100,
		LossTolerant:         false,
		Compression:          "none",
		BlockRetryIntervalMS: 250,
		BlockWaitBudgetMS:    30000,
		PollIntervalMS:       100,
		ReadRetryInitialMS:   100,
		ReadRetryMaxMS:       5000,
		ReadMaxRetries:       10,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8080,
	},
}

// compiledTopic pairs a topic section with its compiled pattern.
type compiledTopic struct {
	pattern glob.Glob
	cfg     TopicConfiguration
}

var compiledTopics []compiledTopic

// Load loads configuration from file and applies CLI overrides.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Default publisher address to the hostname
	if Config.PublisherAddress == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.PublisherAddress = hostname
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID.
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("retopic")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors and compiles topic patterns.
func Validate() error {
	if err := validateTopicSection(&Config.Defaults, "topic_defaults"); err != nil {
		return err
	}
	if Config.Defaults.Capacity < 1 {
		return fmt.Errorf("topic_defaults.capacity must be >= 1")
	}

	compiledTopics = compiledTopics[:0]
	for i := range Config.Topics {
		tc := &Config.Topics[i]
		if tc.Pattern == "" {
			return fmt.Errorf("topic section %d has no pattern", i)
		}
		if err := validateTopicSection(tc, tc.Pattern); err != nil {
			return err
		}
		g, err := glob.Compile(tc.Pattern)
		if err != nil {
			return fmt.Errorf("invalid topic pattern %q: %w", tc.Pattern, err)
		}
		compiledTopics = append(compiledTopics, compiledTopic{pattern: g, cfg: *tc})
	}

	for i := range Config.Bridges {
		b := &Config.Bridges[i]
		if b.Name == "" {
			return fmt.Errorf("bridge section %d has no name", i)
		}
		if b.Topic == "" {
			return fmt.Errorf("bridge %q has no topic", b.Name)
		}
		if len(b.Brokers) == 0 {
			return fmt.Errorf("bridge %q has no brokers", b.Name)
		}
		if b.KafkaTopic == "" {
			return fmt.Errorf("bridge %q has no kafka_topic", b.Name)
		}
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}
	return nil
}

func validateTopicSection(tc *TopicConfiguration, where string) error {
	switch tc.Backend {
	case "", BackendMemory, BackendPebble, BackendNATS:
	default:
		return fmt.Errorf("%s: unknown backend %q", where, tc.Backend)
	}
	switch tc.OverloadPolicy {
	case "", PolicyError, PolicyDiscardNewest, PolicyDiscardOldest, PolicyBlock:
	default:
		return fmt.Errorf("%s: unknown overload policy %q", where, tc.OverloadPolicy)
	}
	switch tc.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("%s: unknown compression %q", where, tc.Compression)
	}
	if tc.Capacity < 0 {
		return fmt.Errorf("%s: capacity must be >= 1", where)
	}
	return nil
}

// ResolveTopic returns the effective configuration for a topic name: the
// first matching pattern section, with zero-valued fields filled from the
// defaults. Boolean fields are taken from the matching section as-is.
func ResolveTopic(name string) TopicConfiguration {
	for _, ct := range compiledTopics {
		if ct.pattern.Match(name) {
			return mergeTopic(ct.cfg, Config.Defaults)
		}
	}
	return Config.Defaults
}

func mergeTopic(tc, def TopicConfiguration) TopicConfiguration {
	if tc.Backend == "" {
		tc.Backend = def.Backend
	}
	if tc.Capacity == 0 {
		tc.Capacity = def.Capacity
	}
	if tc.TTLSeconds == 0 {
		tc.TTLSeconds = def.TTLSeconds
	}
	if tc.OverloadPolicy == "" {
		tc.OverloadPolicy = def.OverloadPolicy
	}
	if tc.ReadBatchSize == 0 {
		tc.ReadBatchSize = def.ReadBatchSize
	}
	if tc.Compression == "" {
		tc.Compression = def.Compression
	}
	if tc.BlockRetryIntervalMS == 0 {
		tc.BlockRetryIntervalMS = def.BlockRetryIntervalMS
	}
	if tc.BlockWaitBudgetMS == 0 {
		tc.BlockWaitBudgetMS = def.BlockWaitBudgetMS
	}
	if tc.PollIntervalMS == 0 {
		tc.PollIntervalMS = def.PollIntervalMS
	}
	if tc.ReadRetryInitialMS == 0 {
		tc.ReadRetryInitialMS = def.ReadRetryInitialMS
	}
	if tc.ReadRetryMaxMS == 0 {
		tc.ReadRetryMaxMS = def.ReadRetryMaxMS
	}
	if tc.ReadMaxRetries == 0 {
		tc.ReadMaxRetries = def.ReadMaxRetries
	}
	return tc
}
