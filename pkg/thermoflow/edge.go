package thermoflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/thermoflow/thermoflow/internal/adapters/observability"
	"github.com/thermoflow/thermoflow/internal/adapters/opcua"
	"github.com/thermoflow/thermoflow/internal/adapters/replay"
	"github.com/thermoflow/thermoflow/internal/adapters/spool"
	"github.com/thermoflow/thermoflow/internal/adapters/store"
	"github.com/thermoflow/thermoflow/internal/adapters/window"
	"github.com/thermoflow/thermoflow/internal/app/config"
	"github.com/thermoflow/thermoflow/internal/app/forward"
	"github.com/thermoflow/thermoflow/internal/app/normalize"
	"github.com/thermoflow/thermoflow/internal/app/pipeline"
	"github.com/thermoflow/thermoflow/internal/logger"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// EdgeRuntimeOption customizes the dependencies used by EdgeRuntime.
type EdgeRuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	collector     Collector
	store         Store
	normalizer    Normalizer
	spool         Spool
	observability Observability
	logger        *zerolog.Logger
	hooks         []ResultHook
}

// ResultHook observes every resolved window: accepted reports whether the
// store took it, err carries the rejection or exhaustion otherwise.
type ResultHook func(rec *ReducedRecord, accepted bool, err error)

// WithCollector replaces the collector selected by source.kind.
func WithCollector(col Collector) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.collector = col
	}
}

// WithStore replaces the store selected by store.kind.
func WithStore(s Store) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.store = s
	}
}

func WithNormalizer(n Normalizer) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.normalizer = n
	}
}

// WithSpool lets callers bring their own spool instead of the file spool in spool.dir.
func WithSpool(s Spool) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.spool = s
	}
}

// WithObservability replaces the Prometheus + zerolog backend.
func WithObservability(obs Observability) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l zerolog.Logger) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = &l
	}
}

func WithResultHook(h ResultHook) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		if h != nil {
			o.hooks = append(o.hooks, h)
		}
	}
}

// RuntimeStats is a point-in-time view of the per-machine pipelines.
type RuntimeStats struct {
	Machines int `json:"machines"`
	Aborted  int `json:"aborted"`
	InFlight int `json:"in_flight"`
}

// EdgeRuntime wires collector → normalizer → per-machine windows → reducer →
// forwarding client → store and serves /metrics and /healthz alongside.
type EdgeRuntime struct {
	cfg         *Config
	log         zerolog.Logger
	registry    *prometheus.Registry
	obs         ports.Observability
	collector   ports.Collector
	normalizer  ports.Normalizer
	store       ports.Store
	spool       ports.Spool
	ownsSpool   bool
	forwarder   *forward.Forwarder
	coord       *pipeline.Coordinator
	db          *sql.DB
	pgStore     *store.PostgresStore
	metricsSrv  *http.Server
	gaugeStopCh chan struct{}
}

// NewEdgeRuntime builds the default adapters from cfg (collector by
// source.kind, store by store.kind, file spool, Prometheus observability).
// Options override any of them; a kind left empty must be supplied by option.
func NewEdgeRuntime(cfg *Config, opts ...EdgeRuntimeOption) (*EdgeRuntime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	e := &EdgeRuntime{cfg: cfg, registry: prometheus.NewRegistry()}

	if overrides.logger != nil {
		e.log = *overrides.logger
	} else {
		l, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		e.log = l
	}

	e.obs = overrides.observability
	if e.obs == nil {
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		e.obs = observability.NewPromObs(e.registry, e.log)
	}

	e.normalizer = overrides.normalizer
	if e.normalizer == nil {
		e.normalizer = normalize.New(cfg.Policy.ExpectedNodes)
	}

	var err error
	if e.collector, err = e.buildCollector(overrides.collector); err != nil {
		return nil, err
	}
	if e.store, err = e.buildStore(overrides.store); err != nil {
		return nil, err
	}

	e.spool = overrides.spool
	if e.spool == nil && cfg.Policy.OnForwardExhausted == "spool" {
		fs, err := spool.NewFileSpool(cfg.Spool.Dir)
		if err != nil {
			e.closeDB()
			return nil, fmt.Errorf("open spool: %w", err)
		}
		e.spool, e.ownsSpool = fs, true
	}

	e.forwarder, err = forward.New(e.store, cfg.Policy, e.obs)
	if err != nil {
		e.release()
		return nil, err
	}

	copts := []pipeline.Option{pipeline.WithResultHook(resultHook(overrides.hooks))}
	if e.spool != nil {
		copts = append(copts, pipeline.WithSpool(e.spool))
	}
	if ack, ok := e.collector.(ports.Acknowledger); ok {
		copts = append(copts, pipeline.WithAcknowledger(ack))
	}
	e.coord, err = pipeline.NewCoordinator(cfg.Policy, window.Factory, e.forwarder, e.obs, copts...)
	if err != nil {
		e.release()
		return nil, err
	}
	return e, nil
}

func (e *EdgeRuntime) buildCollector(col Collector) (ports.Collector, error) {
	if col != nil {
		return col, nil
	}
	switch e.cfg.Source.Kind {
	case config.SourceOPCUA:
		return opcua.NewCollector(e.cfg.Source.OPCUA, e.log.With().Str("component", "opcua").Logger())
	case config.SourceReplay:
		return replay.NewCollector(e.cfg.Source.Replay, e.log.With().Str("component", "replay").Logger())
	default:
		return nil, fmt.Errorf("%w: no collector configured", ErrInvalidConfig)
	}
}

func (e *EdgeRuntime) buildStore(s Store) (ports.Store, error) {
	if s != nil {
		return s, nil
	}
	switch e.cfg.Store.Kind {
	case config.StoreHTTP:
		return store.NewHTTPStore(e.cfg.Store.URL, &http.Client{})
	case config.StorePostgres:
		db, err := sql.Open("postgres", e.cfg.Store.ConnString)
		if err != nil {
			return nil, err
		}
		pg, err := store.NewPostgresStore(db, e.cfg.Store.Table)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		e.db, e.pgStore = db, pg
		return pg, nil
	default:
		return nil, fmt.Errorf("%w: no store configured", ErrInvalidConfig)
	}
}

// Run replays the spool, starts the metrics server and runs the pipeline
// until ctx is cancelled or a finite source runs out. Every buffered window
// is flushed before Run returns.
func (e *EdgeRuntime) Run(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("edge runtime is nil")
	}

	if e.pgStore != nil && e.cfg.Store.EnsureSchema {
		if err := e.pgStore.EnsureSchema(ctx); err != nil {
			e.release()
			return err
		}
	}

	if e.spool != nil {
		n, err := pipeline.ReplaySpool(ctx, e.spool, e.forwarder, e.obs)
		if err != nil && ctx.Err() == nil {
			e.obs.LogError("spool_replay_failed", err, ports.Field{Key: "replayed", Value: n})
		}
	}

	e.startMetrics()
	runErr := pipeline.RunEdgePipeline(ctx, e.collector, e.normalizer, e.coord, e.cfg.Policy, e.obs)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, e.Shutdown(shutdownCtx))
}

// Shutdown stops the metrics server and releases the spool and DB pool.
// Run calls it on exit.
func (e *EdgeRuntime) Shutdown(ctx context.Context) error {
	var errs []error

	if e.gaugeStopCh != nil {
		close(e.gaugeStopCh)
		e.gaugeStopCh = nil
	}

	if e.metricsSrv != nil {
		if err := e.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
		e.metricsSrv = nil
	}

	errs = append(errs, e.release())
	return errors.Join(errs...)
}

func (e *EdgeRuntime) Stats() RuntimeStats {
	st := e.coord.Stats()
	return RuntimeStats{Machines: st.Machines, Aborted: st.Aborted, InFlight: st.InFlight}
}

// MachineState reports the pipeline state of a machine ("accumulating",
// "reducing", "forwarding" or "aborted").
func (e *EdgeRuntime) MachineState(machineID string) (string, bool) {
	st, ok := e.coord.MachineState(machineID)
	if !ok {
		return "", false
	}
	return st.String(), true
}

// Registry exposes the Prometheus registry served on /metrics.
func (e *EdgeRuntime) Registry() *prometheus.Registry { return e.registry }

func (e *EdgeRuntime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status string `json:"status"`
			RuntimeStats
		}{Status: "ok", RuntimeStats: e.Stats()})
	})

	e.metricsSrv = &http.Server{
		Addr:              e.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := e.metricsSrv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error().Err(err).Str("addr", srv.Addr).Msg("metrics server exited")
		}
	}()

	if e.spool != nil {
		e.gaugeStopCh = make(chan struct{})
		go e.recordSpoolGauge(e.gaugeStopCh, time.Second)
	}
}

func (e *EdgeRuntime) recordSpoolGauge(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.obs.SetGauge(ports.GaugeSpoolSizeBytes, float64(e.spool.Stats().SizeBytes))
		}
	}
}

func (e *EdgeRuntime) release() error {
	var errs []error
	if e.ownsSpool && e.spool != nil {
		errs = append(errs, e.spool.Close())
		e.ownsSpool = false
	}
	errs = append(errs, e.closeDB())
	return errors.Join(errs...)
}

func (e *EdgeRuntime) closeDB() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

func resultHook(hooks []ResultHook) pipeline.ResultHook {
	if len(hooks) == 0 {
		return nil
	}
	return func(rec *ReducedRecord, res forward.Result) {
		for _, h := range hooks {
			h(rec, res.Status == forward.StatusAccepted, res.Err)
		}
	}
}
