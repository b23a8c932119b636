// Package storeapi is the reference ingestion service for reduced telemetry:
// it accepts POST /telemetry from edge runtimes and stores rows in
// PostgreSQL. Its status codes follow the accepted/rejected/unavailable
// contract the edge HTTP store relies on.
package storeapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/thermoflow/thermoflow/internal/adapters/store"
)

type Repository interface {
	Insert(ctx context.Context, row *store.TelemetryRow) (int64, error)
	List(ctx context.Context, machineID string) ([]*store.TelemetryRow, error)
	Get(ctx context.Context, id int64) (*store.TelemetryRow, error)
	Machines(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
}

var _ Repository = (*store.TelemetryTable)(nil)

type Server struct {
	repo          Repository
	log           zerolog.Logger
	expectedNodes int
	now           func() time.Time
	requests      *prometheus.CounterVec
}

// NewServer validates posted arrays against expectedNodes when it is > 0,
// otherwise against the posted num_nodes. Request counts are registered on
// reg when it is non-nil.
func NewServer(repo Repository, log zerolog.Logger, expectedNodes int, reg prometheus.Registerer) *Server {
	s := &Server{repo: repo, log: log, expectedNodes: expectedNodes, now: time.Now}
	if reg != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermo_store_requests_total",
			Help: "Requests served by the ingestion store, by route and status code.",
		}, []string{"route", "code"})
		reg.MustRegister(s.requests)
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/telemetry", s.postTelemetry).Methods(http.MethodPost)
	r.HandleFunc("/telemetry", s.listTelemetry).Methods(http.MethodGet)
	r.HandleFunc("/telemetry/{id:[0-9]+}", s.getTelemetry).Methods(http.MethodGet)
	r.HandleFunc("/machines", s.listMachines).Methods(http.MethodGet)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Use(s.countRequests)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	return r
}

type telemetryRequest struct {
	MachineID        *string         `json:"machine_id"`
	Timestep         any             `json:"timestep"`
	SimulationTime   any             `json:"simulation_time"`
	NumNodes         *int            `json:"num_nodes"`
	Temperatures     json.RawMessage `json:"temperatures"`
	PowerConsumption *float64        `json:"power_consumption"`
	WindowID         string          `json:"window_id"`
	SampleCount      int             `json:"sample_count"`
	Partial          bool            `json:"partial"`
	WindowStats      *store.Stats    `json:"window_stats"`
}

func (s *Server) postTelemetry(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "No JSON data provided")
		return
	}

	switch {
	case req.MachineID == nil:
		writeError(w, http.StatusBadRequest, "Missing 'machine_id' field")
		return
	case req.Timestep == nil:
		writeError(w, http.StatusBadRequest, "Missing 'timestep' field")
		return
	case len(req.Temperatures) == 0 || string(req.Temperatures) == "null":
		writeError(w, http.StatusBadRequest, "Missing 'temperatures' field")
		return
	case req.PowerConsumption == nil:
		writeError(w, http.StatusBadRequest, "Missing 'power_consumption' field")
		return
	case req.NumNodes == nil:
		writeError(w, http.StatusBadRequest, "Missing 'num_nodes' field")
		return
	}

	var temps []float64
	if err := json.Unmarshal(req.Temperatures, &temps); err != nil {
		writeError(w, http.StatusBadRequest, "Temperatures must be an array")
		return
	}
	want := s.expectedNodes
	if want <= 0 {
		want = *req.NumNodes
	}
	if len(temps) != want || len(temps) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid array size. Expected %d values, got %d", want, len(temps)))
		return
	}

	stats := arrayStats(temps)
	if req.WindowStats != nil {
		stats = *req.WindowStats
	}

	windowID := r.Header.Get("Idempotency-Key")
	if windowID == "" {
		windowID = req.WindowID
	}
	sampleCount := req.SampleCount
	if sampleCount <= 0 {
		sampleCount = 1
	}

	row := &store.TelemetryRow{
		WindowID:         windowID,
		MachineID:        *req.MachineID,
		Timestep:         tag(req.Timestep),
		SimulationTime:   tag(req.SimulationTime),
		NumNodes:         *req.NumNodes,
		Temperatures:     temps,
		PowerConsumption: *req.PowerConsumption,
		ReceivedAt:       s.now().UTC(),
		SampleCount:      sampleCount,
		Partial:          req.Partial,
		Stats:            stats,
	}

	id, err := s.repo.Insert(r.Context(), row)
	if err != nil {
		s.log.Error().Err(err).Str("machine_id", row.MachineID).Msg("telemetry_insert_failed")
		writeError(w, http.StatusInternalServerError, "Internal server error: "+err.Error())
		return
	}
	s.log.Info().Int64("record_id", id).Str("machine_id", row.MachineID).Str("timestep", row.Timestep).Msg("telemetry_stored")

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":            "success",
		"message":           "Telemetry data received and stored",
		"record_id":         id,
		"machine_id":        row.MachineID,
		"timestep":          row.Timestep,
		"simulation_time":   row.SimulationTime,
		"num_nodes":         row.NumNodes,
		"power_consumption": row.PowerConsumption,
		"stats":             stats,
	})
}

func (s *Server) listTelemetry(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	rows, err := s.repo.List(r.Context(), machineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve telemetry: "+err.Error())
		return
	}
	if rows == nil {
		rows = []*store.TelemetryRow{}
	}

	var filter any
	if machineID != "" {
		filter = machineID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_records": len(rows),
		"machine_id":    filter,
		"data":          rows,
	})
}

func (s *Server) getTelemetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	row, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve telemetry: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.repo.Machines(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve machines: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines, "total": len(machines)})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"database": "disconnected",
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"database":      "connected",
		"total_records": n,
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.requests == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// arrayStats uses the population standard deviation.
func arrayStats(v []float64) store.Stats {
	mean, variance := stat.PopMeanVariance(v, nil)
	return store.Stats{
		Min:  floats.Min(v),
		Max:  floats.Max(v),
		Mean: mean,
		Std:  math.Sqrt(math.Max(variance, 0)),
	}
}

// tag renders timestep and simulation_time values the way they are stored:
// strings verbatim, numbers in their shortest form.
func tag(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
