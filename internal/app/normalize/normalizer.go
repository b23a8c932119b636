// Package normalize turns transport-specific snapshot payloads into validated
// domain.TelemetrySnapshot values. It performs type and shape checks only.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

// Wire field names, with the aliases older device firmware used.
const (
	FieldMachineID        = "machine_id"
	FieldTimestamp        = "timestamp"
	FieldTimestep         = "timestep"
	FieldSimulationTime   = "simulation_time"
	FieldNumNodes         = "num_nodes"
	FieldNodeCount        = "node_count"
	FieldTemperatures     = "temperatures"
	FieldPowerConsumption = "power_consumption"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

type Normalizer struct {
	expectedNodes int
}

// New returns a Normalizer. When expectedNodes > 0 every snapshot must carry
// exactly that many readings.
func New(expectedNodes int) *Normalizer {
	if expectedNodes < 0 {
		expectedNodes = 0
	}
	return &Normalizer{expectedNodes: expectedNodes}
}

func (n *Normalizer) Normalize(raw *domain.RawSnapshot) (*domain.TelemetrySnapshot, error) {
	if raw == nil || len(raw.Fields) == 0 {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrMalformedSnapshot)
	}
	f := raw.Fields

	machineID, err := requiredString(f, FieldMachineID)
	if err != nil {
		return nil, err
	}

	tsKey, tsVal, ok := lookup(f, FieldTimestamp, FieldTimestep)
	if !ok {
		return nil, missing(FieldTimestamp)
	}
	ts, err := toTime(tsVal)
	if err != nil {
		return nil, malformed(tsKey, err.Error())
	}

	var simTime string
	if v, present := f[FieldSimulationTime]; present && v != nil {
		simTime, err = toTag(v)
		if err != nil {
			return nil, malformed(FieldSimulationTime, err.Error())
		}
	}

	nodesKey, nodesVal, ok := lookup(f, FieldNumNodes, FieldNodeCount)
	if !ok {
		return nil, missing(FieldNumNodes)
	}
	nodeCount, err := toInt(nodesVal)
	if err != nil {
		return nil, malformed(nodesKey, err.Error())
	}
	if nodeCount <= 0 {
		return nil, malformed(nodesKey, fmt.Sprintf("must be positive, got %d", nodeCount))
	}
	if n.expectedNodes > 0 && nodeCount != n.expectedNodes {
		return nil, malformed(nodesKey, fmt.Sprintf("expected %d nodes, got %d", n.expectedNodes, nodeCount))
	}

	tempsVal, ok := f[FieldTemperatures]
	if !ok || tempsVal == nil {
		return nil, missing(FieldTemperatures)
	}
	temps, err := toFloatSlice(tempsVal)
	if err != nil {
		return nil, malformed(FieldTemperatures, err.Error())
	}
	if len(temps) != nodeCount {
		return nil, malformed(FieldTemperatures, fmt.Sprintf("length %d does not match %s=%d", len(temps), nodesKey, nodeCount))
	}

	powerVal, ok := f[FieldPowerConsumption]
	if !ok || powerVal == nil {
		return nil, missing(FieldPowerConsumption)
	}
	power, err := toFloat(powerVal)
	if err != nil {
		return nil, malformed(FieldPowerConsumption, err.Error())
	}

	return &domain.TelemetrySnapshot{
		MachineID:        machineID,
		Timestamp:        ts,
		SimulationTime:   simTime,
		NodeCount:        nodeCount,
		Temperatures:     temps,
		PowerConsumption: power,
	}, nil
}

func lookup(f map[string]any, keys ...string) (string, any, bool) {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != nil {
			return k, v, true
		}
	}
	return "", nil, false
}

func requiredString(f map[string]any, key string) (string, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", missing(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", malformed(key, fmt.Sprintf("expected string, got %T", v))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", malformed(key, "empty")
	}
	return s, nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("zero time")
		}
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable time %q", t)
	default:
		secs, err := toFloat(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("expected time, got %T", v)
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), nil
	}
}

func toTag(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int8:
		return int(t), nil
	case int16:
		return int(t), nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case uint8:
		return int(t), nil
	case uint16:
		return int(t), nil
	case uint32:
		return int(t), nil
	case uint64:
		return int(t), nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("expected integer, got %v", f)
	}
	return int(f), nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", t)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %v", f)
	}
	return f, nil
}

// toFloatSlice accepts a decoded JSON array, a typed slice, or a JSON-encoded
// array string (the OPC UA device publishes temperatures that way).
func toFloatSlice(v any) ([]float64, error) {
	switch t := v.(type) {
	case []float64:
		out := make([]float64, len(t))
		for i, x := range t {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("index %d: non-finite value %v", i, x)
			}
			out[i] = x
		}
		return out, nil
	case []float32:
		out := make([]float64, len(t))
		for i, x := range t {
			f, err := toFloat(x)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = f
		}
		return out, nil
	case []any:
		out := make([]float64, len(t))
		for i, x := range t {
			f, err := toFloat(x)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = f
		}
		return out, nil
	case string:
		var decoded []any
		dec := json.NewDecoder(strings.NewReader(t))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("decode array string: %w", err)
		}
		return toFloatSlice(decoded)
	default:
		return nil, fmt.Errorf("expected array, got %T", v)
	}
}

func missing(key string) error {
	return fmt.Errorf("%w: missing field %q", domain.ErrMalformedSnapshot, key)
}

func malformed(key, why string) error {
	return fmt.Errorf("%w: field %q: %s", domain.ErrMalformedSnapshot, key, why)
}

var _ ports.Normalizer = (*Normalizer)(nil)
