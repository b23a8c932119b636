package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thermoflow/thermoflow/internal/adapters/opcua"
	"github.com/thermoflow/thermoflow/internal/adapters/replay"
	"github.com/thermoflow/thermoflow/internal/adapters/store"
	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/logger"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// EnvStoreURL overrides store.url when set.
const EnvStoreURL = "CLOUD_DEVICE_URL"

const (
	SourceOPCUA  = "opcua"
	SourceReplay = "replay"

	StoreHTTP     = "http"
	StorePostgres = "postgres"
)

type Config struct {
	Policy  ports.Policy  `yaml:"policy"`
	Source  SourceConfig  `yaml:"source"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
	Spool   SpoolConfig   `yaml:"spool"`
	Log     LogConfig     `yaml:"log"`
}

// SourceConfig selects the collector. An empty Kind means the collector is
// supplied programmatically.
type SourceConfig struct {
	Kind   string        `yaml:"kind"`
	OPCUA  opcua.Config  `yaml:"opcua"`
	Replay replay.Config `yaml:"replay"`
}

// StoreConfig selects the downstream store. An empty Kind means the store is
// supplied programmatically.
type StoreConfig struct {
	Kind         string `yaml:"kind"`
	URL          string `yaml:"url"`
	ConnString   string `yaml:"conn_string"`
	Table        string `yaml:"table"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type SpoolConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file. Missing source and store kinds default to
// the OPC UA collector and the HTTP store.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	if cfg.Source.Kind == "" {
		cfg.Source.Kind = SourceOPCUA
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = StoreHTTP
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPolicy is the policy used when no field is set.
func DefaultPolicy() ports.Policy {
	var p ports.Policy
	applyPolicyDefaults(&p)
	return p
}

func applyPolicyDefaults(p *ports.Policy) {
	if p.WindowCapacity == 0 {
		p.WindowCapacity = 4
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = 200 * time.Millisecond
	}
	if p.BackoffMax == 0 {
		p.BackoffMax = 5 * time.Second
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = 10 * time.Second
	}
	if p.InboxLen == 0 {
		p.InboxLen = 256
	}
	if p.MaxSpoolSizeBytes == 0 {
		p.MaxSpoolSizeBytes = 1 << 30
	}
	if p.OnInboxFull == "" {
		p.OnInboxFull = "drop"
	}
	if p.OnForwardExhausted == "" {
		p.OnForwardExhausted = "spool"
	}
}

func (c *Config) ApplyDefaults() {
	applyPolicyDefaults(&c.Policy)

	if v := os.Getenv(EnvStoreURL); v != "" {
		c.Store.URL = v
	}
	if c.Store.URL == "" {
		c.Store.URL = "http://localhost:8067/telemetry"
	}
	if c.Store.Table == "" {
		c.Store.Table = "telemetry"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Spool.Dir == "" {
		c.Spool.Dir = "./data/spool"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logger.FormatConsole
	}

	switch c.Source.Kind {
	case SourceOPCUA:
		c.Source.OPCUA.ApplyDefaults()
	case SourceReplay:
		c.Source.Replay.ApplyDefaults()
		if c.Source.Replay.Interval == 0 {
			c.Source.Replay.Interval = 500 * time.Millisecond
		}
	}
}

// Validate reports every problem as an ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := ValidatePolicy(c.Policy); err != nil {
		return err
	}
	if c.Metrics.Addr == "" {
		return invalid("metrics.addr is required")
	}
	if c.Policy.OnForwardExhausted == "spool" && c.Spool.Dir == "" {
		return invalid("spool.dir is required when policy.on_forward_exhausted is spool")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if c.Log.Format != logger.FormatConsole && c.Log.Format != logger.FormatJSON {
		return invalid("log.format must be console or json, got %q", c.Log.Format)
	}

	switch c.Source.Kind {
	case "":
	case SourceOPCUA:
		if err := c.Source.OPCUA.Validate(); err != nil {
			return invalid("source.opcua: %v", err)
		}
	case SourceReplay:
		if err := c.Source.Replay.Validate(); err != nil {
			return invalid("source.replay: %v", err)
		}
	default:
		return invalid("source.kind must be opcua or replay, got %q", c.Source.Kind)
	}

	switch c.Store.Kind {
	case "":
	case StoreHTTP:
		u, err := url.Parse(c.Store.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("store.url %q is not an absolute URL", c.Store.URL)
		}
	case StorePostgres:
		if c.Store.ConnString == "" {
			return invalid("store.conn_string is required for the postgres store")
		}
		if !store.ValidTableName(c.Store.Table) {
			return invalid("store.table %q is not a valid identifier", c.Store.Table)
		}
	default:
		return invalid("store.kind must be http or postgres, got %q", c.Store.Kind)
	}
	return nil
}

func ValidatePolicy(p ports.Policy) error {
	switch {
	case p.WindowCapacity <= 0:
		return invalid("policy.window_capacity must be > 0, got %d", p.WindowCapacity)
	case p.ExpectedNodes < 0:
		return invalid("policy.expected_nodes must be >= 0, got %d", p.ExpectedNodes)
	case p.MaxAttempts <= 0:
		return invalid("policy.max_attempts must be > 0, got %d", p.MaxAttempts)
	case p.BackoffBase <= 0 || p.BackoffMax <= 0 || p.AttemptTimeout <= 0:
		return invalid("policy durations must be positive")
	case p.BackoffBase > p.BackoffMax:
		return invalid("policy.backoff_base %s exceeds backoff_max %s", p.BackoffBase, p.BackoffMax)
	case p.BackoffJitter < 0 || p.BackoffJitter >= 1:
		return invalid("policy.backoff_jitter must be in [0, 1), got %v", p.BackoffJitter)
	case p.InboxLen <= 0:
		return invalid("policy.inbox_len must be > 0, got %d", p.InboxLen)
	case p.MaxSpoolSizeBytes < 0:
		return invalid("policy.max_spool_size_bytes must be >= 0")
	}
	switch p.OnInboxFull {
	case "drop", "block":
	default:
		return invalid("policy.on_inbox_full must be drop or block, got %q", p.OnInboxFull)
	}
	switch p.OnForwardExhausted {
	case "drop", "spool":
	default:
		return invalid("policy.on_forward_exhausted must be drop or spool, got %q", p.OnForwardExhausted)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidConfig}, args...)...)
}
