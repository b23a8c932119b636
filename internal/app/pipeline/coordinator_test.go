package pipeline

import (
	"context"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thermoflow/thermoflow/internal/adapters/window"
	"github.com/thermoflow/thermoflow/internal/app/forward"
	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

func TestCoordinatorEmitsOneRecordPerFullWindow(t *testing.T) {
	fwd := &stubForwarder{}
	rec := &recorder{}
	c := newTestCoordinator(t, 4, fwd, newMockObs(), WithResultHook(rec.hook))

	for i := 0; i < 8; i++ {
		require.True(t, c.Dispatch(snap("machine-1", 300, 300)))
	}
	c.Close()

	got := rec.all()
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, 4, r.SampleCount)
		assert.False(t, r.Partial)
		assert.Equal(t, 300.0, r.TempMean)
		assert.Equal(t, 0.0, r.TempStdDev)
		assert.NotEmpty(t, r.ID)
	}
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestCoordinatorForceFlushesPartialWindowOnClose(t *testing.T) {
	rec := &recorder{}
	obs := newMockObs()
	c := newTestCoordinator(t, 5, &stubForwarder{}, obs, WithResultHook(rec.hook))

	c.Dispatch(snap("machine-1", 290, 310))
	c.Dispatch(snap("machine-1", 290, 310))
	c.Close()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].SampleCount)
	assert.True(t, got[0].Partial)
	assert.Equal(t, 1.0, obs.counter(ports.MetricPartialWindows))
}

func TestCoordinatorAssignsPerMachineSequence(t *testing.T) {
	c := newTestCoordinator(t, 10, &stubForwarder{}, newMockObs())
	defer c.Close()

	a1, a2 := snap("a", 1), snap("a", 1)
	b1 := snap("b", 1)
	c.Dispatch(a1)
	c.Dispatch(b1)
	c.Dispatch(a2)

	assert.Equal(t, uint64(1), a1.Seq)
	assert.Equal(t, uint64(2), a2.Seq)
	assert.Equal(t, uint64(1), b1.Seq)
}

func TestCoordinatorAbortIsolatedToOneMachine(t *testing.T) {
	rec := &recorder{}
	obs := newMockObs()
	c, err := NewCoordinator(ports.Policy{WindowCapacity: 2, InboxLen: 64, OnInboxFull: "block"},
		faultyFactory("bad"), &stubForwarder{}, obs, WithResultHook(rec.hook))
	require.NoError(t, err)

	c.Dispatch(snap("bad", 1, 2))
	c.Dispatch(snap("good", 1, 2))
	c.Dispatch(snap("good", 3, 4))

	require.Eventually(t, func() bool {
		st, _ := c.MachineState("bad")
		return st == StateAborted
	}, time.Second, 5*time.Millisecond)

	assert.False(t, c.Dispatch(snap("bad", 1, 2)))
	c.Dispatch(snap("good", 5, 6))
	c.Dispatch(snap("good", 7, 8))
	c.Close()

	got := rec.all()
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, "good", r.MachineID)
	}
	assert.Equal(t, 1.0, obs.counter(ports.MetricPipelinesAborted))
	assert.Equal(t, 1.0, obs.counter(ports.MetricSnapshotsDropped))
	assert.Equal(t, 1, c.Stats().Aborted)
}

func TestCoordinatorDropsSnapshotWithChangedNodeCount(t *testing.T) {
	rec := &recorder{}
	obs := newMockObs()
	c := newTestCoordinator(t, 4, &stubForwarder{}, obs, WithResultHook(rec.hook))

	for i := 0; i < 3; i++ {
		require.True(t, c.Dispatch(snap("m", 10, 20)))
	}
	c.Dispatch(snap("m", 10, 20, 30))
	c.Dispatch(snap("m", 10, 20))
	c.Dispatch(snap("m", 10, 20))
	c.Close()

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].SampleCount)
	assert.Equal(t, 2, got[0].NodeCount)
	assert.False(t, got[0].Partial)
	assert.Equal(t, 1, got[1].SampleCount)
	assert.True(t, got[1].Partial)

	assert.Equal(t, 1.0, obs.counter(ports.MetricSnapshotsDropped))
	assert.Equal(t, 0.0, obs.counter(ports.MetricPipelinesAborted))
	st, ok := c.MachineState("m")
	require.True(t, ok)
	assert.Equal(t, StateAccumulating, st)
}

func TestCoordinatorNewNodeCountTakesEffectNextWindow(t *testing.T) {
	rec := &recorder{}
	c := newTestCoordinator(t, 2, &stubForwarder{}, newMockObs(), WithResultHook(rec.hook))

	c.Dispatch(snap("m", 1, 2))
	c.Dispatch(snap("m", 1, 2))
	c.Dispatch(snap("m", 1, 2, 3))
	c.Dispatch(snap("m", 1, 2, 3))
	c.Close()

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].NodeCount)
	assert.Equal(t, 3, got[1].NodeCount)
	assert.False(t, got[1].Partial)
}

func TestCoordinatorIsolatesMachinesWithDifferentNodeCounts(t *testing.T) {
	rec := &recorder{}
	obs := newMockObs()
	c := newTestCoordinator(t, 3, &stubForwarder{}, obs, WithResultHook(rec.hook))

	for i := 0; i < 3; i++ {
		require.True(t, c.Dispatch(snap("a", 10, 20)))
		require.True(t, c.Dispatch(snap("b", 1, 2, 3)))
	}
	c.Close()

	got := rec.all()
	require.Len(t, got, 2)
	byMachine := map[string]*domain.ReducedRecord{}
	for _, r := range got {
		byMachine[r.MachineID] = r
	}

	a := byMachine["a"]
	require.NotNil(t, a)
	assert.Equal(t, 2, a.NodeCount)
	assert.Equal(t, 3, a.SampleCount)
	assert.Equal(t, 10.0, a.TempMin)
	assert.Equal(t, 20.0, a.TempMax)
	assert.InDelta(t, 15.0, a.TempMean, 1e-12)
	assert.InDelta(t, 5.0, a.TempStdDev, 1e-12)
	assert.InDeltaSlice(t, []float64{10, 20}, a.NodeMeans, 1e-12)

	b := byMachine["b"]
	require.NotNil(t, b)
	assert.Equal(t, 3, b.NodeCount)
	assert.Equal(t, 3, b.SampleCount)
	assert.Equal(t, 1.0, b.TempMin)
	assert.Equal(t, 3.0, b.TempMax)
	assert.InDelta(t, 2.0, b.TempMean, 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3.0), b.TempStdDev, 1e-12)
	assert.InDeltaSlice(t, []float64{1, 2, 3}, b.NodeMeans, 1e-12)

	assert.Equal(t, 0.0, obs.counter(ports.MetricPipelinesAborted))
	assert.Equal(t, 0.0, obs.counter(ports.MetricSnapshotsDropped))
	assert.Equal(t, 0, c.Stats().Aborted)
}

func TestCoordinatorSlowMachineDoesNotStallOthers(t *testing.T) {
	gate := make(chan struct{})
	fwd := &stubForwarder{block: map[string]chan struct{}{"slow": gate}}
	rec := &recorder{}
	c := newTestCoordinator(t, 2, fwd, newMockObs(), WithResultHook(rec.hook))

	c.Dispatch(snap("slow", 1))
	c.Dispatch(snap("slow", 1))
	require.Eventually(t, func() bool {
		st, _ := c.MachineState("slow")
		return st == StateForwarding
	}, time.Second, 5*time.Millisecond)

	c.Dispatch(snap("fast", 1))
	c.Dispatch(snap("fast", 1))
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "fast", rec.all()[0].MachineID)

	// the slow machine keeps accumulating into a fresh buffer meanwhile
	assert.True(t, c.Dispatch(snap("slow", 1)))
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	close(gate)
	c.Close()
	assert.Len(t, rec.all(), 3)
}

func TestCoordinatorDropsWhenInboxFull(t *testing.T) {
	gate := make(chan struct{})
	fwd := &stubForwarder{block: map[string]chan struct{}{"m": gate}}
	obs := newMockObs()
	c, err := NewCoordinator(ports.Policy{WindowCapacity: 1, InboxLen: 1, OnInboxFull: "drop"},
		window.Factory, fwd, obs)
	require.NoError(t, err)

	c.Dispatch(snap("m", 1))
	require.Eventually(t, func() bool {
		st, _ := c.MachineState("m")
		return st == StateForwarding
	}, time.Second, 5*time.Millisecond)

	var rejected int
	for i := 0; i < 10; i++ {
		if !c.Dispatch(snap("m", 1)) {
			rejected++
		}
	}
	assert.GreaterOrEqual(t, rejected, 8)
	assert.Equal(t, float64(rejected), obs.counter(ports.MetricSnapshotsDropped))

	close(gate)
	c.Close()
}

func TestCoordinatorKeepsAccumulatingAfterExhaustedForward(t *testing.T) {
	fwd := &stubForwarder{statuses: []forward.Status{forward.StatusExhausted}}
	rec := &recorder{}
	sp := &memSpool{}
	obs := newMockObs()
	c, err := NewCoordinator(ports.Policy{WindowCapacity: 2, InboxLen: 8, OnForwardExhausted: "spool"},
		window.Factory, fwd, obs, WithResultHook(rec.hook), WithSpool(sp))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		c.Dispatch(snap("m", 300))
	}
	c.Close()

	got := rec.all()
	require.Len(t, got, 2)
	require.Len(t, sp.records, 1)
	assert.Equal(t, got[0].ID, sp.records[0].ID)
	assert.Equal(t, 1.0, obs.counter(ports.MetricRecordsSpooled))

	st, ok := c.MachineState("m")
	require.True(t, ok)
	assert.Equal(t, StateAccumulating, st)
}

func TestCoordinatorSpoolCapDropsRecord(t *testing.T) {
	fwd := &stubForwarder{statuses: []forward.Status{forward.StatusExhausted}}
	sp := &memSpool{size: 100}
	obs := newMockObs()
	c, err := NewCoordinator(ports.Policy{WindowCapacity: 1, InboxLen: 1, OnForwardExhausted: "spool", MaxSpoolSizeBytes: 100},
		window.Factory, fwd, obs, WithSpool(sp))
	require.NoError(t, err)

	c.Dispatch(snap("m", 1))
	c.Close()

	assert.Empty(t, sp.records)
	assert.Contains(t, obs.errorMsgs(), "spool_full_drop")
	assert.Equal(t, 1.0, obs.counter(ports.MetricRecordsDropped))
}

func TestCoordinatorCountsRecordsDroppedByPolicy(t *testing.T) {
	fwd := &stubForwarder{statuses: []forward.Status{forward.StatusExhausted, forward.StatusExhausted}}
	obs := newMockObs()
	c, err := NewCoordinator(ports.Policy{WindowCapacity: 1, InboxLen: 4, OnForwardExhausted: "drop"},
		window.Factory, fwd, obs)
	require.NoError(t, err)

	c.Dispatch(snap("m", 1))
	c.Dispatch(snap("m", 2))
	c.Close()

	assert.Equal(t, 2.0, obs.counter(ports.MetricRecordsDropped))
	assert.Equal(t, 0.0, obs.counter(ports.MetricRecordsSpooled))
}

func TestCoordinatorCountsRecordsDroppedWithoutSpool(t *testing.T) {
	fwd := &stubForwarder{statuses: []forward.Status{forward.StatusExhausted}}
	obs := newMockObs()
	c, err := NewCoordinator(ports.Policy{WindowCapacity: 1, InboxLen: 4, OnForwardExhausted: "spool"},
		window.Factory, fwd, obs)
	require.NoError(t, err)

	c.Dispatch(snap("m", 1))
	c.Close()

	assert.Equal(t, 1.0, obs.counter(ports.MetricRecordsDropped))
	assert.Contains(t, obs.errorMsgs(), "record_dropped")
}

func TestCoordinatorAcknowledgesAcceptedRecords(t *testing.T) {
	ack := &recordingAck{}
	c := newTestCoordinator(t, 1, &stubForwarder{}, newMockObs(), WithAcknowledger(ack))

	c.Dispatch(snap("m", 1))
	c.Close()

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, []string{"m=ref-1"}, ack.calls)
}

func TestCoordinatorRunStopsOnClosedInput(t *testing.T) {
	rec := &recorder{}
	c := newTestCoordinator(t, 3, &stubForwarder{}, newMockObs(), WithResultHook(rec.hook))

	in := make(chan *domain.TelemetrySnapshot, 4)
	in <- snap("m", 1)
	in <- snap("m", 1)
	close(in)

	require.NoError(t, c.Run(context.Background(), in))
	require.Len(t, rec.all(), 1)
	assert.True(t, rec.all()[0].Partial)
	assert.False(t, c.Dispatch(snap("m", 1)), "dispatch after shutdown must be refused")
}

func TestMachineStateUnknownMachine(t *testing.T) {
	c := newTestCoordinator(t, 1, &stubForwarder{}, newMockObs())
	defer c.Close()

	_, ok := c.MachineState("nope")
	assert.False(t, ok)
}

func TestNewCoordinatorRejectsZeroCapacity(t *testing.T) {
	_, err := NewCoordinator(ports.Policy{}, window.Factory, &stubForwarder{}, newMockObs())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func newTestCoordinator(t *testing.T, capacity int, fwd Forwarder, obs ports.Observability, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(ports.Policy{WindowCapacity: capacity, InboxLen: 64, OnInboxFull: "block"},
		window.Factory, fwd, obs, opts...)
	require.NoError(t, err)
	return c
}

func snap(machine string, temps ...float64) *domain.TelemetrySnapshot {
	return &domain.TelemetrySnapshot{
		MachineID:        machine,
		Timestamp:        time.Now(),
		NodeCount:        len(temps),
		Temperatures:     temps,
		PowerConsumption: 1500,
	}
}

// faultyFactory builds buffers that overrun on every snapshot of machine.
func faultyFactory(machine string) ports.BufferFactory {
	return func(capacity int) ports.WindowBuffer {
		return &faultyBuffer{WindowBuffer: window.Factory(capacity), machine: machine}
	}
}

type faultyBuffer struct {
	ports.WindowBuffer
	machine string
}

func (b *faultyBuffer) Accept(s *domain.TelemetrySnapshot) (ports.BufferState, error) {
	if s.MachineID == b.machine {
		return 0, domain.ErrBufferOverrun
	}
	return b.WindowBuffer.Accept(s)
}

type recorder struct {
	mu   sync.Mutex
	recs []*domain.ReducedRecord
}

func (r *recorder) hook(rec *domain.ReducedRecord, _ forward.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) all() []*domain.ReducedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.ReducedRecord(nil), r.recs...)
}

// stubForwarder resolves records with the scripted statuses, then accepts.
// Records of machines listed in block wait for their channel to close.
type stubForwarder struct {
	mu       sync.Mutex
	statuses []forward.Status
	block    map[string]chan struct{}
	n        int
}

func (f *stubForwarder) Forward(_ context.Context, rec *domain.ReducedRecord) forward.Result {
	if gate, ok := f.block[rec.MachineID]; ok {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	status := forward.StatusAccepted
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	res := forward.Result{Status: status, Attempts: 1}
	switch status {
	case forward.StatusAccepted:
		res.StoreRef = "ref-" + strconv.Itoa(f.n)
	case forward.StatusRejected:
		res.Err = domain.ErrRejected
	default:
		res.Err = domain.ErrForwardExhausted
	}
	return res
}

type memSpool struct {
	mu      sync.Mutex
	records []*domain.ReducedRecord
	size    int64
	commit  ports.SpoolEntryID
}

func (m *memSpool) Append(rec *domain.ReducedRecord) (ports.SpoolEntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	m.size += 10
	return ports.SpoolEntryID(len(m.records)), nil
}

func (m *memSpool) Iterate(from ports.SpoolEntryID, fn func(ports.SpoolEntryID, *domain.ReducedRecord) error) error {
	m.mu.Lock()
	recs := append([]*domain.ReducedRecord(nil), m.records...)
	m.mu.Unlock()
	for i, rec := range recs {
		id := ports.SpoolEntryID(i + 1)
		if id < from {
			continue
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *memSpool) Commit(upto ports.SpoolEntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if upto > m.commit {
		m.commit = upto
	}
	return nil
}

func (m *memSpool) Stats() ports.SpoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ports.SpoolStats{
		OldestUncommitted: m.commit + 1,
		LatestAppended:    ports.SpoolEntryID(len(m.records)),
		SizeBytes:         m.size,
	}
}

func (m *memSpool) Close() error { return nil }

type recordingAck struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAck) Acknowledge(machineID, storeRef string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, machineID+"="+storeRef)
}
