package thermoflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelStoreClosed is reported when a channel store is written to after being closed.
var ErrChannelStoreClosed = errors.New("thermoflow: channel store closed")

// RecordCallback receives one reduced record. Returning an error wrapping
// ErrRejected rejects the record permanently; any other error is treated as
// the store being unavailable and the record is retried.
type RecordCallback func(ctx context.Context, rec ReducedRecord) error

// NewCallbackStore adapts a RecordCallback into a Store so callers can plug
// arbitrary functions without defining structs.
func NewCallbackStore(name string, fn RecordCallback) Store {
	if name == "" {
		name = "callback"
	}
	return &callbackStore{name: name, fn: fn}
}

// NewChannelStore exposes accepted records via a channel; it returns the
// store, the read-only channel, and a close function the caller invokes
// during shutdown. A record is accepted once the channel takes it. The
// channel itself is never closed.
func NewChannelStore(name string, buffer int) (Store, <-chan ReducedRecord, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan ReducedRecord, buffer)
	s := &channelStore{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackStore struct {
	name string
	fn   RecordCallback
}

func (s *callbackStore) Submit(ctx context.Context, rec *ReducedRecord) SubmitResult {
	if s.fn == nil {
		return SubmitResult{Outcome: SubmitRejected, Reason: fmt.Sprintf("callback store %q: nil handler", s.name)}
	}
	if err := s.fn(ctx, copyRecord(rec)); err != nil {
		if errors.Is(err, ErrRejected) {
			return SubmitResult{Outcome: SubmitRejected, Reason: err.Error()}
		}
		return SubmitResult{Outcome: SubmitUnavailable, Reason: err.Error()}
	}
	return SubmitResult{Outcome: SubmitAccepted, StoreRef: rec.ID}
}

func (s *callbackStore) Name() string { return s.name }

type channelStore struct {
	name   string
	ch     chan ReducedRecord
	closed chan struct{}
	once   sync.Once
}

func (s *channelStore) Submit(ctx context.Context, rec *ReducedRecord) SubmitResult {
	select {
	case <-s.closed:
		return SubmitResult{Outcome: SubmitUnavailable, Reason: ErrChannelStoreClosed.Error()}
	default:
	}

	select {
	case <-s.closed:
		return SubmitResult{Outcome: SubmitUnavailable, Reason: ErrChannelStoreClosed.Error()}
	case <-ctx.Done():
		return SubmitResult{Outcome: SubmitUnavailable, Reason: ctx.Err().Error()}
	case s.ch <- copyRecord(rec):
		return SubmitResult{Outcome: SubmitAccepted, StoreRef: rec.ID}
	}
}

func (s *channelStore) Name() string { return s.name }

// close leaves the channel open; a Submit racing with close must never
// send on a closed channel.
func (s *channelStore) close() {
	s.once.Do(func() {
		close(s.closed)
	})
}

func copyRecord(rec *ReducedRecord) ReducedRecord {
	out := *rec
	if rec.NodeMeans != nil {
		out.NodeMeans = append([]float64(nil), rec.NodeMeans...)
	}
	return out
}
