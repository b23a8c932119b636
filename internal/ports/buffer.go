package ports

import "github.com/thermoflow/thermoflow/internal/domain"

type BufferState uint8

const (
	BufferAccumulating BufferState = iota + 1
	BufferFull
)

func (s BufferState) String() string {
	switch s {
	case BufferAccumulating:
		return "accumulating"
	case BufferFull:
		return "full"
	default:
		return "unknown"
	}
}

// WindowBuffer accumulates one machine's snapshots until the window is full.
// Implementations are owned by a single goroutine and need no locking.
type WindowBuffer interface {
	Accept(s *domain.TelemetrySnapshot) (BufferState, error)
	Drain() []*domain.TelemetrySnapshot
	Len() int
	Cap() int
}

// BufferFactory builds an empty buffer of the given capacity.
type BufferFactory func(capacity int) WindowBuffer
