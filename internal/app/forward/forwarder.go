// Package forward delivers reduced records to the downstream store with
// bounded retries.
package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

type Status uint8

const (
	StatusAccepted Status = iota + 1
	StatusRejected
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result is the resolution of one Forward call. Err wraps domain.ErrRejected
// or domain.ErrForwardExhausted when Status is not StatusAccepted.
type Result struct {
	Status   Status
	Attempts int
	Reason   string
	StoreRef string
	Elapsed  time.Duration
	Err      error
}

type Forwarder struct {
	store ports.Store
	pol   ports.Policy
	obs   ports.Observability
}

func New(store ports.Store, pol ports.Policy, obs ports.Observability) (*Forwarder, error) {
	if store == nil {
		return nil, fmt.Errorf("forwarder: store is nil")
	}
	if obs == nil {
		return nil, fmt.Errorf("forwarder: observability is nil")
	}
	if pol.MaxAttempts <= 0 {
		return nil, fmt.Errorf("forwarder: max attempts must be > 0, got %d", pol.MaxAttempts)
	}
	if pol.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("forwarder: attempt timeout must be > 0")
	}
	return &Forwarder{store: store, pol: pol, obs: obs}, nil
}

// Forward submits rec until the store accepts it, rejects it, or the attempt
// budget runs out. Each attempt runs under its own timeout; a cancelled ctx
// stops further retries but never interrupts an attempt before its timeout
// unless ctx itself carries that cancellation.
func (f *Forwarder) Forward(ctx context.Context, rec *domain.ReducedRecord) Result {
	var (
		res      Result
		rejected bool
		start    = time.Now()
	)

	op := func() error {
		res.Attempts++
		f.obs.IncCounter(ports.MetricForwardAttempts, 1)

		attemptCtx, cancel := context.WithTimeout(ctx, f.pol.AttemptTimeout)
		out := f.store.Submit(attemptCtx, rec)
		cancel()

		switch out.Outcome {
		case ports.SubmitAccepted:
			res.StoreRef = out.StoreRef
			return nil
		case ports.SubmitRejected:
			rejected = true
			res.Reason = out.Reason
			return backoff.Permanent(errors.New(out.Reason))
		default:
			res.Reason = out.Reason
			if res.Reason == "" {
				res.Reason = "store unavailable"
			}
			return errors.New(res.Reason)
		}
	}

	notify := func(err error, wait time.Duration) {
		f.obs.LogInfo("forward_retry",
			ports.Field{Key: "machine_id", Value: rec.MachineID},
			ports.Field{Key: "record_id", Value: rec.ID},
			ports.Field{Key: "attempt", Value: res.Attempts},
			ports.Field{Key: "wait", Value: wait.String()},
			ports.Field{Key: "reason", Value: err.Error()})
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(f.backOff(), uint64(f.pol.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)

	res.Elapsed = time.Since(start)
	f.obs.ObserveLatency(ports.HistForwardLatency, res.Elapsed.Seconds())

	switch {
	case err == nil:
		res.Status = StatusAccepted
		f.obs.IncCounter(ports.MetricRecordsAccepted, 1)
	case rejected:
		res.Status = StatusRejected
		res.Err = fmt.Errorf("%w: %s", domain.ErrRejected, res.Reason)
		f.obs.IncCounter(ports.MetricRecordsRejected, 1)
	default:
		res.Status = StatusExhausted
		res.Err = fmt.Errorf("%w after %d attempts: %s", domain.ErrForwardExhausted, res.Attempts, res.Reason)
		f.obs.IncCounter(ports.MetricForwardExhausted, 1)
	}
	return res
}

// Bound is the worst-case duration of one Forward call.
func (f *Forwarder) Bound() time.Duration {
	return f.pol.ForwardBound()
}

func (f *Forwarder) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.pol.BackoffBase
	eb.Multiplier = 2
	eb.RandomizationFactor = f.pol.BackoffJitter
	eb.MaxInterval = f.pol.BackoffMax
	eb.MaxElapsedTime = 0
	return eb
}
