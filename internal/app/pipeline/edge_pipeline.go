package pipeline

import (
	"context"
	"errors"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// RunEdgePipeline feeds collector output through the normalizer into the
// coordinator. It blocks until ctx is done or a finite collector runs out,
// then stops the collector and shuts the coordinator down gracefully.
func RunEdgePipeline(ctx context.Context, col ports.Collector, norm ports.Normalizer, coord *Coordinator, pol ports.Policy, obs ports.Observability) error {
	ch := make(chan *domain.RawSnapshot, max(pol.InboxLen, 1))

	if err := col.Start(ch); err != nil {
		coord.Close()
		return err
	}

	var done <-chan struct{}
	if f, ok := col.(ports.Finite); ok {
		done = f.Done()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-done:
			break loop
		case raw := <-ch:
			ingest(raw, norm, coord, obs)
		}
	}

	stopErr := col.Stop()
	drain(ch, norm, coord, obs)
	coord.Close()

	if stopErr != nil {
		obs.LogError("collector_stop_failed", stopErr)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(err, stopErr)
	}
	return stopErr
}

func ingest(raw *domain.RawSnapshot, norm ports.Normalizer, coord *Coordinator, obs ports.Observability) {
	if raw == nil {
		return
	}
	obs.IncCounter(ports.MetricSnapshotsReceived, 1)

	s, err := norm.Normalize(raw)
	if err != nil {
		obs.RecordDropped(raw, err)
		return
	}
	coord.Dispatch(s)
}

// drain handles whatever the collector sent before it stopped.
func drain(ch <-chan *domain.RawSnapshot, norm ports.Normalizer, coord *Coordinator, obs ports.Observability) {
	for {
		select {
		case raw := <-ch:
			ingest(raw, norm, coord, obs)
		default:
			return
		}
	}
}
