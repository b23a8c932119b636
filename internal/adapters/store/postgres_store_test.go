package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/thermoflow/thermoflow/internal/ports"
)

var insertSQL = regexp.QuoteMeta("INSERT INTO telemetry (window_id, machine_id, timestep, simulation_time, num_nodes, temperatures, power_consumption, received_at, sample_count, partial, min_temp, max_temp, mean_temp, std_temp) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) ON CONFLICT (window_id) DO UPDATE SET window_id = EXCLUDED.window_id RETURNING id")

func TestPostgresStoreSubmitAccepted(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	st, err := NewPostgresStore(db, "telemetry")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rec := testRecord()

	mock.ExpectQuery(insertSQL).
		WithArgs(sqlmock.AnyArg(), "MACHINE_001", "2025-12-03T16:20:43Z", "0.04", 2, "[296,304]", 285.0,
			sqlmock.AnyArg(), 4, false, 295.0, 305.0, 300.0, 5.0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	res := st.Submit(context.Background(), rec)
	if res.Outcome != ports.SubmitAccepted || res.StoreRef != "42" {
		t.Fatalf("expected accepted with ref 42, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreConstraintViolationIsRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	st, _ := NewPostgresStore(db, "telemetry")
	mock.ExpectQuery(insertSQL).
		WillReturnError(&pq.Error{Code: "23502", Message: "null value in column \"machine_id\""})

	res := st.Submit(context.Background(), testRecord())
	if res.Outcome != ports.SubmitRejected {
		t.Fatalf("expected rejected, got %+v", res)
	}
}

func TestPostgresStoreConnectionErrorIsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	st, _ := NewPostgresStore(db, "telemetry")
	mock.ExpectQuery(insertSQL).WillReturnError(errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"))

	res := st.Submit(context.Background(), testRecord())
	if res.Outcome != ports.SubmitUnavailable {
		t.Fatalf("expected unavailable, got %+v", res)
	}

	mock.ExpectQuery(insertSQL).WillReturnError(&pq.Error{Code: "57P01", Message: "terminating connection"})
	if res := st.Submit(context.Background(), testRecord()); res.Outcome != ports.SubmitUnavailable {
		t.Fatalf("expected admin shutdown to be retryable, got %+v", res)
	}
}

func TestPostgresStoreName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	st, _ := NewPostgresStore(db, "telemetry")
	if st.Name() != "postgres" {
		t.Fatalf("expected store name postgres, got %s", st.Name())
	}
}

func TestNewPostgresStoreRejectsBadTableName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	if _, err := NewPostgresStore(db, "telemetry; DROP TABLE x"); err == nil {
		t.Fatalf("expected invalid table name to be rejected")
	}
}
