package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

type PromObs struct {
	log      zerolog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

var counterHelp = map[string]string{
	ports.MetricSnapshotsReceived: "Raw snapshots received from the source.",
	ports.MetricSnapshotsDropped:  "Snapshots discarded as malformed, over inbox capacity, or for an aborted machine.",
	ports.MetricWindowsReduced:    "Windows reduced into records.",
	ports.MetricPartialWindows:    "Partial windows force-flushed at shutdown.",
	ports.MetricRecordsAccepted:   "Records accepted by the store.",
	ports.MetricRecordsRejected:   "Records permanently rejected by the store.",
	ports.MetricForwardExhausted:  "Records whose forward attempts ran out.",
	ports.MetricForwardAttempts:   "Store submit attempts, retries included.",
	ports.MetricRecordsSpooled:    "Records written to the on-disk spool.",
	ports.MetricRecordsDropped:    "Undeliverable records discarded by policy, spool cap or spool failure.",
	ports.MetricPipelinesAborted:  "Machine pipelines stopped by an invariant violation.",
}

var gaugeHelp = map[string]string{
	ports.GaugeActiveMachines: "Machines with a running pipeline.",
	ports.GaugeSpoolSizeBytes: "Size of the spool on disk.",
}

// NewPromObs registers the runtime metrics on reg (the default registerer
// when nil) and logs through log.
func NewPromObs(reg prometheus.Registerer, log zerolog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PromObs{
		log:      log,
		counters: make(map[string]prometheus.Counter, len(counterHelp)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
		histos:   make(map[string]prometheus.Observer, 1),
	}

	var collectors []prometheus.Collector
	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		p.counters[name] = c
		collectors = append(collectors, c)
	}
	for name, help := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		p.gauges[name] = g
		collectors = append(collectors, g)
	}
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.HistForwardLatency,
		Help:    "Time from first submit attempt to the forward outcome.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	p.histos[ports.HistForwardLatency] = latency
	collectors = append(collectors, latency)

	reg.MustRegister(collectors...)
	return p
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	withFields(p.log.Info(), fields).Msg(msg)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	withFields(p.log.Error().Err(err), fields).Msg(msg)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	withFields(p.log.WithLevel(zerolog.FatalLevel).Err(err), fields).Msg(msg)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDropped(raw *domain.RawSnapshot, err error) {
	p.IncCounter(ports.MetricSnapshotsDropped, 1)
	ev := p.log.Warn().Err(err)
	if raw != nil {
		ev = ev.Str("source", raw.Source).Time("received_at", raw.ReceivedAt)
	}
	ev.Msg("snapshot_dropped")
}

// withFields is nil-safe: zerolog returns a nil event for disabled levels.
func withFields(ev *zerolog.Event, fields []ports.Field) *zerolog.Event {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	return ev
}

var _ ports.Observability = (*PromObs)(nil)
