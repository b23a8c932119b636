package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// PostgresStore writes reduced records straight into the telemetry table.
type PostgresStore struct {
	table *TelemetryTable
}

func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	t, err := NewTelemetryTable(db, table)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{table: t}, nil
}

func (p *PostgresStore) Name() string { return "postgres" }

// EnsureSchema creates the telemetry table when it does not exist yet.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	return p.table.EnsureSchema(ctx)
}

func (p *PostgresStore) Submit(ctx context.Context, rec *domain.ReducedRecord) ports.SubmitResult {
	id, err := p.table.Insert(ctx, RowFromRecord(rec, time.Now().UTC()))
	if err != nil {
		return classifyPQ(err)
	}
	return ports.SubmitResult{Outcome: ports.SubmitAccepted, StoreRef: strconv.FormatInt(id, 10)}
}

// RowFromRecord maps a reduced record onto the telemetry table layout: the
// per-node window means become the temperature array and the pooled window
// statistics fill the stats columns.
func RowFromRecord(rec *domain.ReducedRecord, receivedAt time.Time) *TelemetryRow {
	return &TelemetryRow{
		WindowID:         rec.ID,
		MachineID:        rec.MachineID,
		Timestep:         rec.WindowEnd.UTC().Format(time.RFC3339Nano),
		SimulationTime:   rec.SimulationTime,
		NumNodes:         rec.NodeCount,
		Temperatures:     rec.NodeMeans,
		PowerConsumption: rec.PowerMean,
		ReceivedAt:       receivedAt,
		SampleCount:      rec.SampleCount,
		Partial:          rec.Partial,
		Stats: Stats{
			Min:  rec.TempMin,
			Max:  rec.TempMax,
			Mean: rec.TempMean,
			Std:  rec.TempStdDev,
		},
	}
}

// classifyPQ treats data and constraint violations as permanent; everything
// else (connection loss, timeouts, server shutdown) is worth retrying.
func classifyPQ(err error) ports.SubmitResult {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return ports.SubmitResult{Outcome: ports.SubmitRejected, Reason: pqErr.Message}
		}
	}
	return ports.SubmitResult{Outcome: ports.SubmitUnavailable, Reason: err.Error()}
}

var _ ports.Store = (*PostgresStore)(nil)
