package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// IdempotencyHeader carries the record id so a retried POST is stored once.
const IdempotencyHeader = "Idempotency-Key"

// TelemetryPayload is the JSON body of POST /telemetry. The first six fields
// are the device telemetry shape; the rest describe the window behind it.
type TelemetryPayload struct {
	MachineID        string    `json:"machine_id"`
	Timestep         string    `json:"timestep"`
	SimulationTime   string    `json:"simulation_time"`
	NumNodes         int       `json:"num_nodes"`
	Temperatures     []float64 `json:"temperatures"`
	PowerConsumption float64   `json:"power_consumption"`

	WindowID    string `json:"window_id,omitempty"`
	WindowStart string `json:"window_start_time,omitempty"`
	SampleCount int    `json:"sample_count,omitempty"`
	Partial     bool   `json:"partial,omitempty"`
	WindowStats *Stats `json:"window_stats,omitempty"`
}

func PayloadFromRecord(rec *domain.ReducedRecord) TelemetryPayload {
	return TelemetryPayload{
		MachineID:        rec.MachineID,
		Timestep:         rec.WindowEnd.UTC().Format(time.RFC3339Nano),
		SimulationTime:   rec.SimulationTime,
		NumNodes:         rec.NodeCount,
		Temperatures:     rec.NodeMeans,
		PowerConsumption: rec.PowerMean,
		WindowID:         rec.ID,
		WindowStart:      rec.WindowStart.UTC().Format(time.RFC3339Nano),
		SampleCount:      rec.SampleCount,
		Partial:          rec.Partial,
		WindowStats: &Stats{
			Min:  rec.TempMin,
			Max:  rec.TempMax,
			Mean: rec.TempMean,
			Std:  rec.TempStdDev,
		},
	}
}

type submitResponse struct {
	RecordID json.Number `json:"record_id"`
	Error    string      `json:"error"`
}

// HTTPStore posts records to a telemetry ingestion endpoint.
type HTTPStore struct {
	url    string
	client *http.Client
}

// NewHTTPStore uses client when non-nil. Per-attempt deadlines come from the
// request context, so the client needs no timeout of its own.
func NewHTTPStore(url string, client *http.Client) (*HTTPStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("http store: empty url")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPStore{url: url, client: client}, nil
}

func (h *HTTPStore) Name() string { return "http" }

func (h *HTTPStore) Submit(ctx context.Context, rec *domain.ReducedRecord) ports.SubmitResult {
	body, err := json.Marshal(PayloadFromRecord(rec))
	if err != nil {
		return ports.SubmitResult{Outcome: ports.SubmitRejected, Reason: fmt.Sprintf("encode record: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return ports.SubmitResult{Outcome: ports.SubmitRejected, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if rec.ID != "" {
		req.Header.Set(IdempotencyHeader, rec.ID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return ports.SubmitResult{Outcome: ports.SubmitUnavailable, Reason: err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out submitResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ports.SubmitResult{Outcome: ports.SubmitAccepted, StoreRef: out.RecordID.String()}
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return ports.SubmitResult{Outcome: ports.SubmitUnavailable, Reason: reason(resp, out, raw)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ports.SubmitResult{Outcome: ports.SubmitRejected, Reason: reason(resp, out, raw)}
	default:
		return ports.SubmitResult{Outcome: ports.SubmitUnavailable, Reason: reason(resp, out, raw)}
	}
}

func reason(resp *http.Response, out submitResponse, raw []byte) string {
	if out.Error != "" {
		return out.Error
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" && len(msg) <= 200 {
		return fmt.Sprintf("http %d: %s", resp.StatusCode, msg)
	}
	return fmt.Sprintf("http %d", resp.StatusCode)
}

var _ ports.Store = (*HTTPStore)(nil)
