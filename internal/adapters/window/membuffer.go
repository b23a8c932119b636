package window

import (
	"fmt"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// MemBuffer is a bounded in-memory window that preserves receive order.
// It is not safe for concurrent use; each machine pipeline owns its own.
type MemBuffer struct {
	data []*domain.TelemetrySnapshot
	cap  int
}

func NewMemBuffer(capacity int) *MemBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemBuffer{
		data: make([]*domain.TelemetrySnapshot, 0, capacity),
		cap:  capacity,
	}
}

// Factory satisfies ports.BufferFactory.
func Factory(capacity int) ports.WindowBuffer {
	return NewMemBuffer(capacity)
}

func (b *MemBuffer) Accept(s *domain.TelemetrySnapshot) (ports.BufferState, error) {
	if len(b.data) >= b.cap {
		return ports.BufferFull, fmt.Errorf("%w: capacity %d reached", domain.ErrBufferOverrun, b.cap)
	}
	b.data = append(b.data, s)
	if len(b.data) == b.cap {
		return ports.BufferFull, nil
	}
	return ports.BufferAccumulating, nil
}

// Drain hands the accumulated snapshots to the caller and leaves the buffer
// empty with its backing storage replaced, so the returned slice is never
// overwritten by later Accept calls.
func (b *MemBuffer) Drain() []*domain.TelemetrySnapshot {
	if len(b.data) == 0 {
		return nil
	}
	out := b.data
	b.data = make([]*domain.TelemetrySnapshot, 0, b.cap)
	return out
}

func (b *MemBuffer) Len() int { return len(b.data) }

func (b *MemBuffer) Cap() int { return b.cap }

var (
	_ ports.WindowBuffer  = (*MemBuffer)(nil)
	_ ports.BufferFactory = Factory
)
