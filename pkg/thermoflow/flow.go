package thermoflow

import (
	"context"
	"fmt"
	"time"
)

// Flow builds an EdgeRuntime in three steps: Conf picks the window and
// forwarding policy, StreamIN picks where snapshots come from and StreamOUT
// picks where reduced records go.
//
//	rt, err := thermoflow.ConfFromConfig(cfg, thermoflow.WithWindow(8, 1581)).
//		StreamIN(thermoflow.StreamInCollector(col)).
//		StreamOUT(thermoflow.StreamOutCallback("print", printRecord))
type Flow struct {
	cfg  *Config
	opts []EdgeRuntimeOption
}

// FlowOption adjusts the loaded configuration before the runtime is built.
type FlowOption func(*Flow)

type StreamInOption func(*Flow)

type StreamOutOption func(*Flow)

// Conf loads a YAML config and applies opts on top of it.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig starts a Flow from cfg. The options modify cfg in place;
// the result is validated when StreamOUT builds the runtime.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends runtime options that have no Flow counterpart, such as
// WithLogger or WithResultHook.
func (f *Flow) Options(opts ...EdgeRuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT applies the store-side options and builds the runtime.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*EdgeRuntime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewEdgeRuntime(f.cfg, f.opts...)
}

// Run builds the runtime and runs it until ctx is done or the source runs dry.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithWindow sets the number of snapshots per window and, when expectedNodes
// is positive, the node count every snapshot must carry.
func WithWindow(capacity, expectedNodes int) FlowOption {
	return func(f *Flow) {
		f.cfg.Policy.WindowCapacity = capacity
		if expectedNodes > 0 {
			f.cfg.Policy.ExpectedNodes = expectedNodes
		}
	}
}

// WithRetry bounds how long one record may spend reaching the store.
func WithRetry(maxAttempts int, attemptTimeout, backoffMax time.Duration) FlowOption {
	return func(f *Flow) {
		f.cfg.Policy.MaxAttempts = maxAttempts
		f.cfg.Policy.AttemptTimeout = attemptTimeout
		f.cfg.Policy.BackoffMax = backoffMax
	}
}

// WithOverflow picks what happens to a snapshot arriving at a full inbox
// ("drop" or "block") and to a record whose attempts ran out ("drop" or
// "spool"). Empty values keep the configured policy.
func WithOverflow(onInboxFull, onForwardExhausted string) FlowOption {
	return func(f *Flow) {
		if onInboxFull != "" {
			f.cfg.Policy.OnInboxFull = onInboxFull
		}
		if onForwardExhausted != "" {
			f.cfg.Policy.OnForwardExhausted = onForwardExhausted
		}
	}
}

// WithSpoolDir keeps undeliverable records under dir, capped at maxBytes
// when positive.
func WithSpoolDir(dir string, maxBytes int64) FlowOption {
	return func(f *Flow) {
		f.cfg.Spool.Dir = dir
		if maxBytes > 0 {
			f.cfg.Policy.MaxSpoolSizeBytes = maxBytes
		}
	}
}

func WithFlowOptions(opts ...EdgeRuntimeOption) FlowOption {
	return func(f *Flow) {
		f.appendOptions(opts...)
	}
}

// StreamInCollector replaces the configured source, e.g. with a PushCollector.
func StreamInCollector(col Collector) StreamInOption {
	return func(f *Flow) {
		if col != nil {
			f.appendOptions(WithCollector(col))
		}
	}
}

func StreamInNormalizer(n Normalizer) StreamInOption {
	return func(f *Flow) {
		if n != nil {
			f.appendOptions(WithNormalizer(n))
		}
	}
}

func StreamInObservability(obs Observability) StreamInOption {
	return func(f *Flow) {
		if obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// StreamOutStore replaces the configured HTTP or Postgres store.
func StreamOutStore(s Store) StreamOutOption {
	return func(f *Flow) {
		if s != nil {
			f.appendOptions(WithStore(s))
		}
	}
}

func StreamOutSpool(s Spool) StreamOutOption {
	return func(f *Flow) {
		if s != nil {
			f.appendOptions(WithSpool(s))
		}
	}
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return func(f *Flow) {
		if obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// StreamOutCallback delivers every reduced record to fn. Returning an error
// wrapping ErrRejected drops the record; any other error is retried.
func StreamOutCallback(name string, fn RecordCallback) StreamOutOption {
	return func(f *Flow) {
		f.appendOptions(WithStore(NewCallbackStore(name, fn)))
	}
}

func (f *Flow) appendOptions(opts ...EdgeRuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
