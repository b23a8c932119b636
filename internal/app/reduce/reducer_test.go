package reduce

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thermoflow/thermoflow/internal/domain"
)

var t0 = time.Date(2025, 12, 3, 16, 0, 0, 0, time.UTC)

func snap(machine string, offset int, power float64, temps ...float64) *domain.TelemetrySnapshot {
	return &domain.TelemetrySnapshot{
		MachineID:        machine,
		Timestamp:        t0.Add(time.Duration(offset) * time.Second),
		SimulationTime:   time.Duration(offset).String(),
		NodeCount:        len(temps),
		Temperatures:     temps,
		PowerConsumption: power,
	}
}

func TestReduceConstantWindow(t *testing.T) {
	window := []*domain.TelemetrySnapshot{
		snap("m1", 0, 10, 300, 300, 300),
		snap("m1", 1, 20, 300, 300, 300),
		snap("m1", 2, 30, 300, 300, 300),
		snap("m1", 3, 40, 300, 300, 300),
	}

	rec, err := Reduce(window)
	require.NoError(t, err)

	assert.Equal(t, 300.0, rec.TempMean)
	assert.Equal(t, 300.0, rec.TempMin)
	assert.Equal(t, 300.0, rec.TempMax)
	assert.Equal(t, 0.0, rec.TempStdDev)
	assert.Equal(t, 25.0, rec.PowerMean)
	assert.Equal(t, 4, rec.SampleCount)
	assert.Equal(t, 3, rec.NodeCount)
	assert.Equal(t, []float64{300, 300, 300}, rec.NodeMeans)
}

func TestReduceMatchesReferenceStatistics(t *testing.T) {
	window := []*domain.TelemetrySnapshot{
		snap("m1", 0, 1, 2, 4),
		snap("m1", 1, 3, 4, 5),
		snap("m1", 2, 5, 5, 7),
		snap("m1", 3, 7, 9, 4),
	}
	// pooled: 2 4 4 5 5 7 9 4 -> mean 5, population variance 4
	rec, err := Reduce(window)
	require.NoError(t, err)

	assert.InDelta(t, 5.0, rec.TempMean, 1e-12)
	assert.InDelta(t, 2.0, rec.TempStdDev, 1e-12)
	assert.Equal(t, 2.0, rec.TempMin)
	assert.Equal(t, 9.0, rec.TempMax)
	assert.InDelta(t, 4.0, rec.PowerMean, 1e-12)
	assert.InDeltaSlice(t, []float64{5, 5}, rec.NodeMeans, 1e-12)
	assert.Equal(t, t0, rec.WindowStart)
	assert.Equal(t, t0.Add(3*time.Second), rec.WindowEnd)
	assert.Equal(t, window[3].SimulationTime, rec.SimulationTime)
}

func TestReduceOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	window := make([]*domain.TelemetrySnapshot, 6)
	for i := range window {
		temps := make([]float64, 16)
		for j := range temps {
			temps[j] = 280 + rng.Float64()*60
		}
		window[i] = snap("m1", i, rng.Float64()*500, temps...)
	}

	want, err := Reduce(window)
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		permuted := append([]*domain.TelemetrySnapshot(nil), window...)
		rng.Shuffle(len(permuted), func(i, j int) { permuted[i], permuted[j] = permuted[j], permuted[i] })

		got, err := Reduce(permuted)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReduceOutOfOrderTimestamps(t *testing.T) {
	window := []*domain.TelemetrySnapshot{
		snap("m1", 5, 0, 1),
		snap("m1", 1, 0, 1),
		snap("m1", 9, 0, 1),
	}
	rec, err := Reduce(window)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), rec.WindowStart)
	assert.Equal(t, t0.Add(9*time.Second), rec.WindowEnd)
}

func TestReduceInvariantsHold(t *testing.T) {
	window := []*domain.TelemetrySnapshot{
		snap("m1", 0, 0, 0.1, 0.1, 0.1),
		snap("m1", 1, 0, 0.1, 0.1, 0.1),
		snap("m1", 2, 0, 0.1, 0.1, 0.1),
	}
	rec, err := Reduce(window)
	require.NoError(t, err)

	assert.LessOrEqual(t, rec.TempMin, rec.TempMean)
	assert.LessOrEqual(t, rec.TempMean, rec.TempMax)
	assert.GreaterOrEqual(t, rec.TempStdDev, 0.0)
	assert.False(t, math.IsNaN(rec.TempStdDev))
}

func TestReduceRejectsInconsistentWindows(t *testing.T) {
	cases := map[string][]*domain.TelemetrySnapshot{
		"empty":          nil,
		"mixed machines": {snap("m1", 0, 0, 1, 2), snap("m2", 1, 0, 1, 2)},
		"mixed nodes":    {snap("m1", 0, 0, 1, 2), snap("m1", 1, 0, 1, 2, 3)},
		"nil snapshot":   {snap("m1", 0, 0, 1), nil},
	}
	for name, window := range cases {
		t.Run(name, func(t *testing.T) {
			rec, err := Reduce(window)
			require.ErrorIs(t, err, domain.ErrInconsistentWindow)
			assert.Nil(t, rec)
		})
	}
}

func TestReduceSingleSnapshot(t *testing.T) {
	rec, err := Reduce([]*domain.TelemetrySnapshot{snap("m1", 0, 42, 290, 310)})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SampleCount)
	assert.Equal(t, 300.0, rec.TempMean)
	assert.Equal(t, 10.0, rec.TempStdDev)
	assert.Equal(t, 42.0, rec.PowerMean)
	assert.Equal(t, rec.WindowStart, rec.WindowEnd)
}

func TestReduceExtremeReadingsStayFinite(t *testing.T) {
	rec, err := Reduce([]*domain.TelemetrySnapshot{snap("m1", 0, 1, 1e308, 1e308)})
	require.NoError(t, err)
	assert.Equal(t, 1e308, rec.TempMean)
	assert.Equal(t, 0.0, rec.TempStdDev)
	assert.Equal(t, []float64{1e308, 1e308}, rec.NodeMeans)

	rec, err = Reduce([]*domain.TelemetrySnapshot{
		snap("m1", 0, math.MaxFloat64, -1e308, 1e308),
		snap("m1", 1, math.MaxFloat64, -1e308, 1e308),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, rec.TempMean, 1e292)
	assert.InDelta(t, 1e308, rec.TempStdDev, 1e293)
	assert.Equal(t, math.MaxFloat64, rec.PowerMean)
	assert.False(t, math.IsNaN(rec.TempStdDev))
	assert.False(t, math.IsInf(rec.TempStdDev, 0))
}
