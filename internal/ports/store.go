package ports

import (
	"context"

	"github.com/thermoflow/thermoflow/internal/domain"
)

type SubmitOutcome uint8

const (
	SubmitAccepted SubmitOutcome = iota + 1
	SubmitRejected
	SubmitUnavailable
)

func (o SubmitOutcome) String() string {
	switch o {
	case SubmitAccepted:
		return "accepted"
	case SubmitRejected:
		return "rejected"
	case SubmitUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// SubmitResult is the three-way answer of the downstream store.
// Reason carries the rejection text or the transport error; StoreRef is the
// store-side identifier of an accepted record, when it has one.
type SubmitResult struct {
	Outcome  SubmitOutcome
	Reason   string
	StoreRef string
}

type Store interface {
	Submit(ctx context.Context, rec *domain.ReducedRecord) SubmitResult
	Name() string
}
