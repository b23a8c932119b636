package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/thermoflow/thermoflow/internal/app/forward"
	"github.com/thermoflow/thermoflow/internal/app/reduce"
	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

var errMachineAborted = errors.New("machine pipeline aborted")

type MachineState uint32

const (
	StateAccumulating MachineState = iota + 1
	StateReducing
	StateForwarding
	StateAborted
)

func (s MachineState) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateReducing:
		return "reducing"
	case StateForwarding:
		return "forwarding"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Forwarder is satisfied by *forward.Forwarder.
type Forwarder interface {
	Forward(ctx context.Context, rec *domain.ReducedRecord) forward.Result
}

// ResultHook observes every resolved window. It runs on the forwarding
// goroutine of the machine and must not block for long.
type ResultHook func(rec *domain.ReducedRecord, res forward.Result)

type Option func(*Coordinator)

func WithSpool(sp ports.Spool) Option {
	return func(c *Coordinator) { c.spool = sp }
}

func WithAcknowledger(a ports.Acknowledger) Option {
	return func(c *Coordinator) { c.ack = a }
}

func WithResultHook(h ResultHook) Option {
	return func(c *Coordinator) { c.hook = h }
}

type Stats struct {
	Machines int
	Aborted  int
	InFlight int
}

// Coordinator routes snapshots to one sequential pipeline per machine.
// Dispatch is meant to be called from a single dispatcher goroutine;
// MachineState and Stats are safe from any goroutine.
type Coordinator struct {
	pol       ports.Policy
	newBuffer ports.BufferFactory
	fwd       Forwarder
	obs       ports.Observability
	spool     ports.Spool
	ack       ports.Acknowledger
	hook      ResultHook

	spoolMu sync.Mutex

	mu       sync.RWMutex
	machines map[string]*machine
	closed   bool
	wg       sync.WaitGroup
}

type machine struct {
	id    string
	inbox chan *domain.TelemetrySnapshot
	seq   atomic.Uint64
	state atomic.Uint32
	// set while a window of this machine is being forwarded
	inFlight atomic.Bool
}

func (m *machine) load() MachineState { return MachineState(m.state.Load()) }

func (m *machine) set(s MachineState) {
	for {
		cur := m.state.Load()
		if MachineState(cur) == StateAborted {
			return
		}
		if m.state.CompareAndSwap(cur, uint32(s)) {
			return
		}
	}
}

func NewCoordinator(pol ports.Policy, newBuffer ports.BufferFactory, fwd Forwarder, obs ports.Observability, opts ...Option) (*Coordinator, error) {
	if pol.WindowCapacity <= 0 {
		return nil, fmt.Errorf("%w: window capacity must be > 0, got %d", domain.ErrInvalidConfig, pol.WindowCapacity)
	}
	if newBuffer == nil || fwd == nil || obs == nil {
		return nil, errors.New("coordinator: buffer factory, forwarder and observability are required")
	}
	if pol.InboxLen <= 0 {
		pol.InboxLen = 1
	}
	c := &Coordinator{
		pol:       pol,
		newBuffer: newBuffer,
		fwd:       fwd,
		obs:       obs,
		machines:  make(map[string]*machine),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run dispatches snapshots from in until it is closed or ctx is done, then
// shuts every machine pipeline down gracefully.
func (c *Coordinator) Run(ctx context.Context, in <-chan *domain.TelemetrySnapshot) error {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-in:
			if !ok {
				return nil
			}
			c.Dispatch(s)
		}
	}
}

// Dispatch routes s to its machine pipeline, creating the pipeline on the
// first snapshot of a machine. It reports whether s was enqueued.
func (c *Coordinator) Dispatch(s *domain.TelemetrySnapshot) bool {
	if s == nil {
		return false
	}
	m := c.machineFor(s.MachineID)
	if m == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	if m.load() == StateAborted {
		c.dropped(s, errMachineAborted)
		return false
	}

	s.Seq = m.seq.Add(1)

	switch c.pol.OnInboxFull {
	case "block":
		m.inbox <- s
		return true
	default:
		select {
		case m.inbox <- s:
			return true
		default:
			c.obs.LogError("inbox_full_drop", fmt.Errorf("inbox length exceeded capacity %d", cap(m.inbox)),
				ports.Field{Key: "machine_id", Value: s.MachineID},
				ports.Field{Key: "seq", Value: s.Seq})
			c.obs.IncCounter(ports.MetricSnapshotsDropped, 1)
			return false
		}
	}
}

// Close stops accepting snapshots and waits for every machine to drain its
// inbox, finish its in-flight forward and flush its partial window.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	for _, m := range c.machines {
		close(m.inbox)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.obs.SetGauge(ports.GaugeActiveMachines, 0)
}

// MachineState reports the pipeline state of a machine seen so far.
func (c *Coordinator) MachineState(id string) (MachineState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.machines[id]
	if !ok {
		return 0, false
	}
	return m.load(), true
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{Machines: len(c.machines)}
	for _, m := range c.machines {
		if m.load() == StateAborted {
			st.Aborted++
		}
		if m.inFlight.Load() {
			st.InFlight++
		}
	}
	return st
}

func (c *Coordinator) machineFor(id string) *machine {
	c.mu.RLock()
	m, ok := c.machines[id]
	c.mu.RUnlock()
	if ok {
		return m
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if m, ok = c.machines[id]; ok {
		return m
	}
	m = &machine{id: id, inbox: make(chan *domain.TelemetrySnapshot, c.pol.InboxLen)}
	m.state.Store(uint32(StateAccumulating))
	c.machines[id] = m
	c.wg.Add(1)
	go c.runMachine(m)

	c.obs.SetGauge(ports.GaugeActiveMachines, float64(len(c.machines)))
	c.obs.LogInfo("machine_pipeline_started", ports.Field{Key: "machine_id", Value: id})
	return m
}

func (c *Coordinator) runMachine(m *machine) {
	defer c.wg.Done()

	var (
		buf      = c.newBuffer(c.pol.WindowCapacity)
		inflight <-chan struct{}
		nodes    int
	)

	for s := range m.inbox {
		if m.load() == StateAborted {
			c.dropped(s, errMachineAborted)
			continue
		}

		// the first snapshot of a window fixes its node count
		if buf.Len() == 0 {
			nodes = s.NodeCount
		}
		if nodes <= 0 || s.NodeCount != nodes || len(s.Temperatures) != nodes {
			c.dropped(s, fmt.Errorf("%w: %d readings in a window of %d nodes",
				domain.ErrMalformedSnapshot, len(s.Temperatures), nodes))
			continue
		}

		state, err := buf.Accept(s)
		if err != nil {
			c.abort(m, err)
			continue
		}
		if state != ports.BufferFull {
			continue
		}

		wait(inflight)
		rec, err := c.reduce(m, buf.Drain())
		if err != nil {
			c.abort(m, err)
			continue
		}
		inflight = c.startForward(m, rec)
	}

	wait(inflight)
	if m.load() == StateAborted || buf.Len() == 0 {
		return
	}
	rec, err := c.reduce(m, buf.Drain())
	if err != nil {
		c.abort(m, err)
		return
	}
	c.obs.LogInfo("partial_window_flushed",
		ports.Field{Key: "machine_id", Value: m.id},
		ports.Field{Key: "samples", Value: rec.SampleCount})
	wait(c.startForward(m, rec))
}

func (c *Coordinator) reduce(m *machine, window []*domain.TelemetrySnapshot) (*domain.ReducedRecord, error) {
	m.set(StateReducing)
	rec, err := reduce.Reduce(window)
	if err != nil {
		return nil, err
	}
	rec.ID = uuid.NewString()
	rec.Partial = len(window) < c.pol.WindowCapacity

	c.obs.IncCounter(ports.MetricWindowsReduced, 1)
	if rec.Partial {
		c.obs.IncCounter(ports.MetricPartialWindows, 1)
	}
	return rec, nil
}

func (c *Coordinator) startForward(m *machine, rec *domain.ReducedRecord) <-chan struct{} {
	done := make(chan struct{})
	m.inFlight.Store(true)
	m.set(StateForwarding)

	go func() {
		defer close(done)
		// shutdown never cancels a forward; attempt timeouts bound it.
		res := c.fwd.Forward(context.Background(), rec)
		c.resolve(rec, res)
		m.inFlight.Store(false)
		m.set(StateAccumulating)
	}()
	return done
}

func (c *Coordinator) resolve(rec *domain.ReducedRecord, res forward.Result) {
	fields := []ports.Field{
		{Key: "machine_id", Value: rec.MachineID},
		{Key: "record_id", Value: rec.ID},
		{Key: "samples", Value: rec.SampleCount},
		{Key: "attempts", Value: res.Attempts},
	}

	switch res.Status {
	case forward.StatusAccepted:
		c.obs.LogInfo("record_forwarded", append(fields, ports.Field{Key: "store_ref", Value: res.StoreRef})...)
		if c.ack != nil {
			c.ack.Acknowledge(rec.MachineID, res.StoreRef)
		}
	case forward.StatusRejected:
		c.obs.LogError("record_rejected", res.Err, fields...)
	default:
		if c.pol.OnForwardExhausted == "spool" {
			c.spoolRecord(rec, fields)
		} else {
			c.droppedRecord("record_dropped", res.Err, fields)
		}
	}

	if c.hook != nil {
		c.hook(rec, res)
	}
}

func (c *Coordinator) spoolRecord(rec *domain.ReducedRecord, fields []ports.Field) {
	if c.spool == nil {
		c.droppedRecord("record_dropped", errors.New("no spool configured"), fields)
		return
	}

	c.spoolMu.Lock()
	defer c.spoolMu.Unlock()

	if limit := c.pol.MaxSpoolSizeBytes; limit > 0 {
		if size := c.spool.Stats().SizeBytes; size >= limit {
			c.droppedRecord("spool_full_drop", fmt.Errorf("size=%d limit=%d", size, limit), fields)
			return
		}
	}

	id, err := c.spool.Append(rec)
	if err != nil {
		c.obs.LogCritical("spool_append_failed", err, fields...)
		c.obs.IncCounter(ports.MetricRecordsDropped, 1)
		return
	}
	c.obs.IncCounter(ports.MetricRecordsSpooled, 1)
	c.obs.SetGauge(ports.GaugeSpoolSizeBytes, float64(c.spool.Stats().SizeBytes))
	c.obs.LogInfo("record_spooled", append(fields, ports.Field{Key: "spool_id", Value: uint64(id)})...)
}

func (c *Coordinator) abort(m *machine, err error) {
	m.state.Store(uint32(StateAborted))
	c.obs.LogCritical("machine_pipeline_aborted", err, ports.Field{Key: "machine_id", Value: m.id})
	c.obs.IncCounter(ports.MetricPipelinesAborted, 1)
}

func (c *Coordinator) droppedRecord(msg string, err error, fields []ports.Field) {
	c.obs.IncCounter(ports.MetricRecordsDropped, 1)
	c.obs.LogError(msg, err, fields...)
}

func (c *Coordinator) dropped(s *domain.TelemetrySnapshot, err error) {
	c.obs.IncCounter(ports.MetricSnapshotsDropped, 1)
	c.obs.LogError("snapshot_dropped", err,
		ports.Field{Key: "machine_id", Value: s.MachineID},
		ports.Field{Key: "seq", Value: s.Seq})
}

func wait(ch <-chan struct{}) {
	if ch != nil {
		<-ch
	}
}
