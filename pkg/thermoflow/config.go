package thermoflow

import (
	"github.com/thermoflow/thermoflow/internal/adapters/opcua"
	"github.com/thermoflow/thermoflow/internal/adapters/replay"
	"github.com/thermoflow/thermoflow/internal/app/config"
	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// Config is the root runtime configuration; build it in code or load it
// with LoadConfig.
type Config = config.Config

type (
	// Policy holds the window, retry and backpressure settings.
	Policy = ports.Policy
	// SourceConfig selects the built-in collector.
	SourceConfig = config.SourceConfig
	// OPCUAConfig describes the device endpoint and its TelemetryObject.
	OPCUAConfig = opcua.Config
	// ReplayConfig points the replay collector at a snapshot directory.
	ReplayConfig = replay.Config
	// StoreConfig selects the built-in store.
	StoreConfig   = config.StoreConfig
	MetricsConfig = config.MetricsConfig
	SpoolConfig   = config.SpoolConfig
	LogConfig     = config.LogConfig
)

const (
	SourceOPCUA   = config.SourceOPCUA
	SourceReplay  = config.SourceReplay
	StoreHTTP     = config.StoreHTTP
	StorePostgres = config.StorePostgres
)

// Sentinel errors, usable with errors.Is.
var (
	ErrInvalidConfig      = domain.ErrInvalidConfig
	ErrMalformedSnapshot  = domain.ErrMalformedSnapshot
	ErrRejected           = domain.ErrRejected
	ErrForwardExhausted   = domain.ErrForwardExhausted
	ErrInconsistentWindow = domain.ErrInconsistentWindow
)

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultPolicy returns the policy used for every unset field.
func DefaultPolicy() Policy {
	return config.DefaultPolicy()
}
