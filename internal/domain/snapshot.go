package domain

import "time"

// RawSnapshot is an inbound telemetry record as the transport delivered it,
// before any shape validation. Fields are keyed by the wire names used by the
// physical device (machine_id, timestamp, num_nodes, temperatures, ...).
type RawSnapshot struct {
	Source     string         `json:"source"`
	Fields     map[string]any `json:"fields"`
	ReceivedAt time.Time      `json:"received_at"`
}

// TelemetrySnapshot is one validated reading from a machine: a fixed-length
// temperature vector (Kelvin, index = node identity) plus scalar metrics.
type TelemetrySnapshot struct {
	MachineID        string    `json:"machine_id"`
	Timestamp        time.Time `json:"timestamp"`
	SimulationTime   string    `json:"simulation_time"`
	NodeCount        int       `json:"num_nodes"`
	Temperatures     []float64 `json:"temperatures"`
	PowerConsumption float64   `json:"power_consumption"`
	Seq              uint64    `json:"seq"`
}

// ReducedRecord is the statistical summary of one window of snapshots from a
// single machine. Temperature statistics are pooled over every reading in the
// window; NodeMeans holds the per-node mean across the window.
type ReducedRecord struct {
	ID             string    `json:"record_id"`
	MachineID      string    `json:"machine_id"`
	WindowStart    time.Time `json:"window_start_time"`
	WindowEnd      time.Time `json:"window_end_time"`
	SimulationTime string    `json:"simulation_time"`
	NodeCount      int       `json:"num_nodes"`
	SampleCount    int       `json:"sample_count"`
	TempMin        float64   `json:"temp_min"`
	TempMax        float64   `json:"temp_max"`
	TempMean       float64   `json:"temp_mean"`
	TempStdDev     float64   `json:"temp_stddev"`
	PowerMean      float64   `json:"power_mean"`
	NodeMeans      []float64 `json:"node_means,omitempty"`
	Partial        bool      `json:"partial"`
}
