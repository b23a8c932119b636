package pipeline

import (
	"context"
	"errors"

	"github.com/thermoflow/thermoflow/internal/app/forward"
	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

var errStillUnavailable = errors.New("store still unavailable")

// ReplaySpool forwards uncommitted spooled records in order. Accepted and
// rejected entries are committed; the first record that exhausts again stops
// the replay so the commit offset never skips an unresolved entry.
func ReplaySpool(ctx context.Context, sp ports.Spool, fwd Forwarder, obs ports.Observability) (replayed int, err error) {
	stats := sp.Stats()
	if stats.LatestAppended == 0 {
		return 0, nil
	}
	start := stats.OldestUncommitted
	if start == 0 || start > stats.LatestAppended {
		return 0, nil
	}

	err = sp.Iterate(start, func(id ports.SpoolEntryID, rec *domain.ReducedRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := fwd.Forward(ctx, rec)
		switch res.Status {
		case forward.StatusAccepted:
			replayed++
		case forward.StatusRejected:
			obs.LogError("spooled_record_rejected", res.Err,
				ports.Field{Key: "record_id", Value: rec.ID},
				ports.Field{Key: "spool_id", Value: uint64(id)})
		default:
			return errStillUnavailable
		}
		return sp.Commit(id)
	})

	obs.SetGauge(ports.GaugeSpoolSizeBytes, float64(sp.Stats().SizeBytes))
	if errors.Is(err, errStillUnavailable) {
		obs.LogInfo("spool_replay_deferred", ports.Field{Key: "replayed", Value: replayed})
		return replayed, nil
	}
	if err != nil {
		return replayed, err
	}
	if replayed > 0 {
		obs.LogInfo("spool_replay_complete",
			ports.Field{Key: "records", Value: replayed},
			ports.Field{Key: "from_id", Value: uint64(start)})
	}
	return replayed, nil
}
