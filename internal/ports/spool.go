package ports

import "github.com/thermoflow/thermoflow/internal/domain"

type SpoolEntryID uint64

// Spool keeps reduced records whose delivery was exhausted so they can be
// forwarded again after a restart.
type Spool interface {
	Append(rec *domain.ReducedRecord) (SpoolEntryID, error)
	Iterate(from SpoolEntryID, fn func(id SpoolEntryID, rec *domain.ReducedRecord) error) error
	Commit(upto SpoolEntryID) error
	Stats() SpoolStats
	Close() error
}

type SpoolStats struct {
	OldestUncommitted SpoolEntryID
	LatestAppended    SpoolEntryID
	SizeBytes         int64
}
