package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

func testRecord() *domain.ReducedRecord {
	end := time.Date(2025, 12, 3, 16, 20, 43, 0, time.UTC)
	return &domain.ReducedRecord{
		ID:             "3b6f0c1e-0000-4000-8000-000000000001",
		MachineID:      "MACHINE_001",
		WindowStart:    end.Add(-3 * time.Second),
		WindowEnd:      end,
		SimulationTime: "0.04",
		NodeCount:      2,
		SampleCount:    4,
		TempMin:        295,
		TempMax:        305,
		TempMean:       300,
		TempStdDev:     5,
		PowerMean:      285,
		NodeMeans:      []float64{296, 304},
	}
}

func TestHTTPStoreAccepted(t *testing.T) {
	var got TelemetryPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "3b6f0c1e-0000-4000-8000-000000000001", r.Header.Get(IdempotencyHeader))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"success","record_id":17,"stats":{"min":296,"max":304,"mean":300,"std":4}}`))
	}))
	defer srv.Close()

	st, err := NewHTTPStore(srv.URL, nil)
	require.NoError(t, err)

	res := st.Submit(context.Background(), testRecord())
	assert.Equal(t, ports.SubmitAccepted, res.Outcome)
	assert.Equal(t, "17", res.StoreRef)

	assert.Equal(t, "MACHINE_001", got.MachineID)
	assert.Equal(t, "2025-12-03T16:20:43Z", got.Timestep)
	assert.Equal(t, 2, got.NumNodes)
	assert.Equal(t, []float64{296, 304}, got.Temperatures)
	assert.Equal(t, 285.0, got.PowerConsumption)
	require.NotNil(t, got.WindowStats)
	assert.Equal(t, 5.0, got.WindowStats.Std)
	assert.Equal(t, 4, got.SampleCount)
}

func TestHTTPStoreClientErrorIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid array size. Expected 1581 values, got 2"}`))
	}))
	defer srv.Close()

	st, err := NewHTTPStore(srv.URL, nil)
	require.NoError(t, err)

	res := st.Submit(context.Background(), testRecord())
	assert.Equal(t, ports.SubmitRejected, res.Outcome)
	assert.Equal(t, "Invalid array size. Expected 1581 values, got 2", res.Reason)
}

func TestHTTPStoreServerErrorsAreUnavailable(t *testing.T) {
	for _, code := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))

		st, err := NewHTTPStore(srv.URL, nil)
		require.NoError(t, err)

		res := st.Submit(context.Background(), testRecord())
		assert.Equal(t, ports.SubmitUnavailable, res.Outcome, "status %d", code)
		assert.NotEmpty(t, res.Reason)
		srv.Close()
	}
}

func TestHTTPStoreTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	st, err := NewHTTPStore(srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := st.Submit(ctx, testRecord())
	assert.Equal(t, ports.SubmitUnavailable, res.Outcome)
}

func TestHTTPStoreConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	st, err := NewHTTPStore(url, nil)
	require.NoError(t, err)

	res := st.Submit(context.Background(), testRecord())
	assert.Equal(t, ports.SubmitUnavailable, res.Outcome)
}

func TestNewHTTPStoreRequiresURL(t *testing.T) {
	_, err := NewHTTPStore("  ", nil)
	assert.Error(t, err)
}
