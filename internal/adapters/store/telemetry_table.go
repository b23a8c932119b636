package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidTableName reports whether name can be interpolated into SQL as a
// table identifier.
func ValidTableName(name string) bool { return identRe.MatchString(name) }

// TelemetryRow is one row of the telemetry table. WindowID is empty for rows
// posted by clients that do not send an idempotency key.
type TelemetryRow struct {
	ID               int64     `json:"id"`
	WindowID         string    `json:"window_id,omitempty"`
	MachineID        string    `json:"machine_id"`
	Timestep         string    `json:"timestep"`
	SimulationTime   string    `json:"simulation_time"`
	NumNodes         int       `json:"num_nodes"`
	Temperatures     []float64 `json:"temperatures"`
	PowerConsumption float64   `json:"power_consumption"`
	ReceivedAt       time.Time `json:"received_at"`
	SampleCount      int       `json:"sample_count"`
	Partial          bool      `json:"partial"`
	Stats            Stats     `json:"stats"`
}

type Stats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// TelemetryTable owns the SQL for the telemetry table shared by the edge
// PostgreSQL store and the reference ingestion service.
type TelemetryTable struct {
	db    *sql.DB
	table string
}

func NewTelemetryTable(db *sql.DB, table string) (*TelemetryTable, error) {
	if db == nil {
		return nil, errors.New("telemetry table: db is nil")
	}
	if table == "" {
		table = "telemetry"
	}
	if !ValidTableName(table) {
		return nil, fmt.Errorf("telemetry table: invalid table name %q", table)
	}
	return &TelemetryTable{db: db, table: table}, nil
}

func (t *TelemetryTable) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	window_id VARCHAR(64) UNIQUE,
	machine_id VARCHAR(100) NOT NULL,
	timestep VARCHAR(100) NOT NULL,
	simulation_time VARCHAR(50),
	num_nodes INTEGER NOT NULL,
	temperatures JSONB NOT NULL,
	power_consumption FLOAT NOT NULL,
	received_at TIMESTAMP NOT NULL,
	sample_count INTEGER NOT NULL DEFAULT 1,
	partial BOOLEAN NOT NULL DEFAULT FALSE,
	min_temp FLOAT,
	max_temp FLOAT,
	mean_temp FLOAT,
	std_temp FLOAT
)`, t.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_machine_timestep ON %s (machine_id, timestep)`, t.table, t.table),
	}
	for _, stmt := range stmts {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Insert stores row and returns its id. A row whose WindowID already exists
// is not inserted twice; the existing id is returned instead.
func (t *TelemetryTable) Insert(ctx context.Context, row *TelemetryRow) (int64, error) {
	temps, err := json.Marshal(row.Temperatures)
	if err != nil {
		return 0, fmt.Errorf("marshal temperatures: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (window_id, machine_id, timestep, simulation_time, num_nodes, temperatures, power_consumption, received_at, sample_count, partial, min_temp, max_temp, mean_temp, std_temp) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) ON CONFLICT (window_id) DO UPDATE SET window_id = EXCLUDED.window_id RETURNING id`, t.table)

	var id int64
	err = t.db.QueryRowContext(ctx, query,
		nullString(row.WindowID),
		row.MachineID,
		row.Timestep,
		row.SimulationTime,
		row.NumNodes,
		string(temps),
		row.PowerConsumption,
		row.ReceivedAt,
		row.SampleCount,
		row.Partial,
		row.Stats.Min,
		row.Stats.Max,
		row.Stats.Mean,
		row.Stats.Std,
	).Scan(&id)
	return id, err
}

// List returns rows oldest first for one machine, or newest first for all.
func (t *TelemetryTable) List(ctx context.Context, machineID string) ([]*TelemetryRow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if machineID != "" {
		rows, err = t.db.QueryContext(ctx, t.selectSQL()+" WHERE machine_id = $1 ORDER BY received_at ASC", machineID)
	} else {
		rows, err = t.db.QueryContext(ctx, t.selectSQL()+" ORDER BY received_at DESC")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TelemetryRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Get returns sql.ErrNoRows when id does not exist.
func (t *TelemetryTable) Get(ctx context.Context, id int64) (*TelemetryRow, error) {
	return scanRow(t.db.QueryRowContext(ctx, t.selectSQL()+" WHERE id = $1", id))
}

func (t *TelemetryTable) Machines(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT machine_id FROM %s ORDER BY machine_id", t.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	machines := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (t *TelemetryTable) Count(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t.table)).Scan(&n)
	return n, err
}

func (t *TelemetryTable) selectSQL() string {
	return fmt.Sprintf(`SELECT id, COALESCE(window_id, ''), machine_id, timestep, COALESCE(simulation_time, ''), num_nodes, temperatures, power_consumption, received_at, sample_count, partial, COALESCE(min_temp, 0), COALESCE(max_temp, 0), COALESCE(mean_temp, 0), COALESCE(std_temp, 0) FROM %s`, t.table)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (*TelemetryRow, error) {
	var (
		row   TelemetryRow
		temps []byte
	)
	if err := s.Scan(
		&row.ID,
		&row.WindowID,
		&row.MachineID,
		&row.Timestep,
		&row.SimulationTime,
		&row.NumNodes,
		&temps,
		&row.PowerConsumption,
		&row.ReceivedAt,
		&row.SampleCount,
		&row.Partial,
		&row.Stats.Min,
		&row.Stats.Max,
		&row.Stats.Mean,
		&row.Stats.Std,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(temps, &row.Temperatures); err != nil {
		return nil, fmt.Errorf("decode temperatures of row %d: %w", row.ID, err)
	}
	return &row, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
