// Package config provides configuration loading and validation for a
// quorumcast node.
//
// Configuration file: /etc/quorumcast/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - The AT2 threshold chain must hold:
//     ready_threshold < feedback_threshold < delivery_threshold, with
//     ready_threshold     >= ceil(echo_sample_size/2)+1,
//     feedback_threshold  >= ceil(ready_sample_size*0.75),
//     delivery_threshold  >= ceil(delivery_sample_size*0.85).
//   - Numeric ranges enforced (latencies > 0, monitor intervals >= 1s).
//   - Invalid config on startup: node refuses to start (fatal error).
//
// The thresholds are constructor-time invariants, not tunables to be
// clamped: a config that violates them describes a broadcast that cannot
// deliver, so the node rejects it outright.

package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be overridden at build time via
// -ldflags -X; unset, they keep the values below.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Sample selection algorithms.
const (
	SampleNormal  = "normal"
	SampleRandom  = "random"
	SamplePoisson = "poisson"
)

// Config is the root configuration structure for a quorumcast node.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Node configures this node's endpoints and the bootstrap roster.
	Node NodeConfig `yaml:"node"`

	// AT2 configures the broadcast sample sizes and thresholds.
	AT2 AT2Configuration `yaml:"at2"`

	// Congestion configures the adaptive cadence controller.
	Congestion CongestionConfig `yaml:"congestion"`

	// Storage configures the optional delivery ledger.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// NodeConfig holds this node's endpoints and the bootstrap peer roster.
type NodeConfig struct {
	// RouterBind is the ZeroMQ ROUTER endpoint this node binds for signed
	// request/response traffic. Example: tcp://127.0.0.1:20001.
	RouterBind string `yaml:"router_bind"`

	// PublisherBind is the PUB endpoint for echo/ready response fan-out.
	PublisherBind string `yaml:"publisher_bind"`

	// BootstrapRouters lists every known peer router endpoint, excluding
	// this node's own. PeerDiscovery is sent to each at startup.
	BootstrapRouters []string `yaml:"bootstrap_routers"`
}

// AT2Configuration holds the broadcast sample sizes and reply thresholds.
// The invariants in Validate() are constructor-time requirements; the
// broadcast engine assumes they hold for the whole run.
type AT2Configuration struct {
	EchoSampleSize     int `yaml:"echo_sample_size"`
	ReadySampleSize    int `yaml:"ready_sample_size"`
	DeliverySampleSize int `yaml:"delivery_sample_size"`
	ReadyThreshold     int `yaml:"ready_threshold"`
	FeedbackThreshold  int `yaml:"feedback_threshold"`
	DeliveryThreshold  int `yaml:"delivery_threshold"`

	// SampleAlgorithm selects how echo/ready samples are drawn from the
	// peer set: normal (default), random, or poisson.
	SampleAlgorithm string `yaml:"sample_algorithm"`

	// MaxGossipTimeout bounds each of the echo wait and the ready wait.
	// Default: 60s.
	MaxGossipTimeout time.Duration `yaml:"max_gossip_timeout"`
}

// Validate checks the AT2 threshold chain. Returns every violation found.
func (a AT2Configuration) Validate() []string {
	var errs []string

	if a.EchoSampleSize < 1 || a.ReadySampleSize < 1 || a.DeliverySampleSize < 1 {
		errs = append(errs, "at2 sample sizes must all be >= 1")
	}
	if !(a.ReadyThreshold < a.FeedbackThreshold && a.FeedbackThreshold < a.DeliveryThreshold) {
		errs = append(errs, fmt.Sprintf(
			"at2 thresholds must be strictly increasing: ready(%d) < feedback(%d) < delivery(%d)",
			a.ReadyThreshold, a.FeedbackThreshold, a.DeliveryThreshold))
	}
	if min := int(math.Ceil(float64(a.EchoSampleSize)/2)) + 1; a.ReadyThreshold < min {
		errs = append(errs, fmt.Sprintf(
			"at2.ready_threshold must be >= ceil(echo_sample_size/2)+1 = %d, got %d",
			min, a.ReadyThreshold))
	}
	if min := int(math.Ceil(float64(a.ReadySampleSize) * 0.75)); a.FeedbackThreshold < min {
		errs = append(errs, fmt.Sprintf(
			"at2.feedback_threshold must be >= ceil(ready_sample_size*0.75) = %d, got %d",
			min, a.FeedbackThreshold))
	}
	if min := int(math.Ceil(float64(a.DeliverySampleSize) * 0.85)); a.DeliveryThreshold < min {
		errs = append(errs, fmt.Sprintf(
			"at2.delivery_threshold must be >= ceil(delivery_sample_size*0.85) = %d, got %d",
			min, a.DeliveryThreshold))
	}
	switch a.SampleAlgorithm {
	case SampleNormal, SampleRandom, SamplePoisson:
	default:
		errs = append(errs, fmt.Sprintf(
			"at2.sample_algorithm must be one of normal, random, poisson; got %q",
			a.SampleAlgorithm))
	}
	if a.MaxGossipTimeout < time.Second {
		errs = append(errs, fmt.Sprintf(
			"at2.max_gossip_timeout must be >= 1s, got %s", a.MaxGossipTimeout))
	}
	return errs
}

// CongestionConfig holds the adaptive cadence controller parameters.
// Latencies are expressed as durations in the file and converted to float
// seconds inside the controller (the wire carries float seconds).
type CongestionConfig struct {
	// InitialLatency seeds current_latency: the seconds between batch
	// builder flushes. Default: 5s.
	InitialLatency time.Duration `yaml:"initial_latency"`

	// TargetLatency is the desired end-to-end delivery latency. The
	// increase monitor only creeps the cadence while the weighted observed
	// latency sits at or above this target. Default: 2s.
	TargetLatency time.Duration `yaml:"target_latency"`

	// MinimumLatency floors both cadences during decrease. Default: 1s.
	MinimumLatency time.Duration `yaml:"minimum_latency"`

	// InitialPublishFrequency seeds publish_pending_frequency: the seconds
	// between response fan-out flushes. Default: 1s.
	InitialPublishFrequency time.Duration `yaml:"initial_publish_frequency"`

	// MaxPublishFrequency caps the response flush period when the increase
	// monitor scales it. Default: 10s.
	MaxPublishFrequency time.Duration `yaml:"max_publish_frequency"`

	// IncreaseInterval is the base cadence of the increase monitor; each
	// firing adds 0.1–2.5s of jitter. Default: 5s.
	IncreaseInterval time.Duration `yaml:"increase_interval"`

	// DecreaseInterval is the cadence of the decrease monitor. Default: 10s.
	DecreaseInterval time.Duration `yaml:"decrease_interval"`
}

// StorageConfig holds the optional bbolt delivery ledger parameters.
// The broadcast state itself is in-memory per run; the ledger is an
// append-only record of delivered batches for offline inspection.
type StorageConfig struct {
	// LedgerEnabled turns the delivery ledger on. Default: false.
	LedgerEnabled bool `yaml:"ledger_enabled"`

	// DBPath is the absolute path to the bbolt file.
	// Default: /var/lib/quorumcast/quorumcast.db.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9094.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// DefaultDBPath is the default ledger location.
const DefaultDBPath = "/var/lib/quorumcast/quorumcast.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Node: NodeConfig{
			RouterBind:    "tcp://127.0.0.1:20001",
			PublisherBind: "tcp://127.0.0.1:21001",
		},
		AT2: AT2Configuration{
			EchoSampleSize:     6,
			ReadySampleSize:    6,
			DeliverySampleSize: 6,
			ReadyThreshold:     4,
			FeedbackThreshold:  5,
			DeliveryThreshold:  6,
			SampleAlgorithm:    SampleNormal,
			MaxGossipTimeout:   60 * time.Second,
		},
		Congestion: CongestionConfig{
			InitialLatency:          5 * time.Second,
			TargetLatency:           2 * time.Second,
			MinimumLatency:          time.Second,
			InitialPublishFrequency: time.Second,
			MaxPublishFrequency:     10 * time.Second,
			IncreaseInterval:        5 * time.Second,
			DecreaseInterval:        10 * time.Second,
		},
		Storage: StorageConfig{
			LedgerEnabled: false,
			DBPath:        DefaultDBPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9094",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Node.RouterBind == "" {
		errs = append(errs, "node.router_bind must not be empty")
	}
	if cfg.Node.PublisherBind == "" {
		errs = append(errs, "node.publisher_bind must not be empty")
	}

	errs = append(errs, cfg.AT2.Validate()...)

	c := cfg.Congestion
	if c.InitialLatency <= 0 {
		errs = append(errs, fmt.Sprintf("congestion.initial_latency must be > 0, got %s", c.InitialLatency))
	}
	if c.TargetLatency <= 0 {
		errs = append(errs, fmt.Sprintf("congestion.target_latency must be > 0, got %s", c.TargetLatency))
	}
	if c.MinimumLatency <= 0 {
		errs = append(errs, fmt.Sprintf("congestion.minimum_latency must be > 0, got %s", c.MinimumLatency))
	}
	if c.InitialPublishFrequency <= 0 {
		errs = append(errs, fmt.Sprintf("congestion.initial_publish_frequency must be > 0, got %s", c.InitialPublishFrequency))
	}
	if c.MaxPublishFrequency < c.InitialPublishFrequency {
		errs = append(errs, fmt.Sprintf(
			"congestion.max_publish_frequency must be >= initial_publish_frequency, got %s < %s",
			c.MaxPublishFrequency, c.InitialPublishFrequency))
	}
	if c.IncreaseInterval < time.Second || c.DecreaseInterval < time.Second {
		errs = append(errs, "congestion monitor intervals must be >= 1s")
	}

	if cfg.Storage.LedgerEnabled && cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty when the ledger is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
