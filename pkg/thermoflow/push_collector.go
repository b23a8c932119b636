package thermoflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/thermoflow/thermoflow/internal/app/normalize"
	"github.com/thermoflow/thermoflow/internal/domain"
)

// ErrCollectorStopped is returned by Publish once the runtime stopped the collector.
var ErrCollectorStopped = errors.New("thermoflow: push collector stopped")

// Snapshot is one reading pushed by an embedding application.
type Snapshot struct {
	MachineID        string
	Timestamp        time.Time
	SimulationTime   string
	Temperatures     []float64
	PowerConsumption float64
}

// PushCollector lets external producers feed snapshots into an EdgeRuntime.
// Pass it with WithCollector or StreamInCollector; Publish blocks until the
// runtime has started it.
type PushCollector struct {
	mu      sync.Mutex
	out     chan<- *domain.RawSnapshot
	ready   chan struct{}
	stopped chan struct{}
	start   sync.Once
	stop    sync.Once
}

func NewPushCollector() *PushCollector {
	return &PushCollector{
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (p *PushCollector) Start(out chan<- *domain.RawSnapshot) error {
	select {
	case <-p.stopped:
		return ErrCollectorStopped
	default:
	}
	p.start.Do(func() {
		p.mu.Lock()
		p.out = out
		p.mu.Unlock()
		close(p.ready)
	})
	return nil
}

func (p *PushCollector) Stop() error {
	p.stop.Do(func() { close(p.stopped) })
	return nil
}

// Publish hands s to the pipeline. It goes through the same validation as
// snapshots from any other source.
func (p *PushCollector) Publish(ctx context.Context, s Snapshot) error {
	select {
	case <-p.ready:
	case <-p.stopped:
		return ErrCollectorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	out := p.out
	p.mu.Unlock()

	raw := s.raw()
	select {
	case <-p.stopped:
		return ErrCollectorStopped
	default:
	}
	select {
	case out <- raw:
		return nil
	case <-p.stopped:
		return ErrCollectorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Snapshot) raw() *domain.RawSnapshot {
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &domain.RawSnapshot{
		Source: "push",
		Fields: map[string]any{
			normalize.FieldMachineID:        s.MachineID,
			normalize.FieldTimestamp:        ts,
			normalize.FieldSimulationTime:   s.SimulationTime,
			normalize.FieldNumNodes:         len(s.Temperatures),
			normalize.FieldTemperatures:     append([]float64(nil), s.Temperatures...),
			normalize.FieldPowerConsumption: s.PowerConsumption,
		},
		ReceivedAt: time.Now(),
	}
}
