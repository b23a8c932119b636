package thermoflow

import (
	"time"

	base "github.com/thermoflow/thermoflow/pkg/thermoflow"
)

// Re-exported errors for convenience.
var (
	ErrInvalidConfig      = base.ErrInvalidConfig
	ErrMalformedSnapshot  = base.ErrMalformedSnapshot
	ErrRejected           = base.ErrRejected
	ErrForwardExhausted   = base.ErrForwardExhausted
	ErrChannelStoreClosed = base.ErrChannelStoreClosed
	ErrCollectorStopped   = base.ErrCollectorStopped
)

// Type aliases so consumers can import github.com/thermoflow/thermoflow directly.
type (
	Config            = base.Config
	Policy            = base.Policy
	SourceConfig      = base.SourceConfig
	OPCUAConfig       = base.OPCUAConfig
	ReplayConfig      = base.ReplayConfig
	StoreConfig       = base.StoreConfig
	MetricsConfig     = base.MetricsConfig
	SpoolConfig       = base.SpoolConfig
	LogConfig         = base.LogConfig
	Flow              = base.Flow
	FlowOption        = base.FlowOption
	StreamInOption    = base.StreamInOption
	StreamOutOption   = base.StreamOutOption
	EdgeRuntime       = base.EdgeRuntime
	EdgeRuntimeOption = base.EdgeRuntimeOption
	RuntimeStats      = base.RuntimeStats
	ResultHook        = base.ResultHook
	RawSnapshot       = base.RawSnapshot
	TelemetrySnapshot = base.TelemetrySnapshot
	ReducedRecord     = base.ReducedRecord
	Snapshot          = base.Snapshot
	Collector         = base.Collector
	Normalizer        = base.Normalizer
	Store             = base.Store
	SubmitResult      = base.SubmitResult
	Observability     = base.Observability
	Field             = base.Field
	Spool             = base.Spool
	RecordCallback    = base.RecordCallback
	PushCollector     = base.PushCollector
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultPolicy() Policy {
	return base.DefaultPolicy()
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...EdgeRuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func WithWindow(capacity, expectedNodes int) FlowOption {
	return base.WithWindow(capacity, expectedNodes)
}

func WithRetry(maxAttempts int, attemptTimeout, backoffMax time.Duration) FlowOption {
	return base.WithRetry(maxAttempts, attemptTimeout, backoffMax)
}

func WithOverflow(onInboxFull, onForwardExhausted string) FlowOption {
	return base.WithOverflow(onInboxFull, onForwardExhausted)
}

func WithSpoolDir(dir string, maxBytes int64) FlowOption {
	return base.WithSpoolDir(dir, maxBytes)
}

func StreamInCollector(col Collector) StreamInOption {
	return base.StreamInCollector(col)
}

func StreamInNormalizer(n Normalizer) StreamInOption {
	return base.StreamInNormalizer(n)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutStore(s Store) StreamOutOption {
	return base.StreamOutStore(s)
}

func StreamOutSpool(s Spool) StreamOutOption {
	return base.StreamOutSpool(s)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn RecordCallback) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Edge runtime and options.
func NewEdgeRuntime(cfg *Config, opts ...EdgeRuntimeOption) (*EdgeRuntime, error) {
	return base.NewEdgeRuntime(cfg, opts...)
}

func WithCollector(col Collector) EdgeRuntimeOption {
	return base.WithCollector(col)
}

func WithStore(s Store) EdgeRuntimeOption {
	return base.WithStore(s)
}

func WithNormalizer(n Normalizer) EdgeRuntimeOption {
	return base.WithNormalizer(n)
}

func WithSpool(s Spool) EdgeRuntimeOption {
	return base.WithSpool(s)
}

func WithObservability(obs Observability) EdgeRuntimeOption {
	return base.WithObservability(obs)
}

func WithResultHook(h ResultHook) EdgeRuntimeOption {
	return base.WithResultHook(h)
}

// Store adapters.
func NewCallbackStore(name string, fn RecordCallback) Store {
	return base.NewCallbackStore(name, fn)
}

func NewChannelStore(name string, buffer int) (Store, <-chan ReducedRecord, func()) {
	return base.NewChannelStore(name, buffer)
}

// Push collector.
func NewPushCollector() *PushCollector {
	return base.NewPushCollector()
}
