// Package reduce computes the descriptive statistics of a completed window.
package reduce

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/thermoflow/thermoflow/internal/domain"
)

// Reduce summarises a non-empty window of snapshots from one machine.
//
// Temperature statistics are pooled over every reading of every snapshot and
// use the population standard deviation. Values are sorted before summation,
// so any permutation of the same window produces an identical record.
// The caller owns record identity (ID) and the Partial flag.
func Reduce(snaps []*domain.TelemetrySnapshot) (*domain.ReducedRecord, error) {
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: empty window", domain.ErrInconsistentWindow)
	}
	first := snaps[0]
	if first == nil {
		return nil, fmt.Errorf("%w: nil snapshot at index 0", domain.ErrInconsistentWindow)
	}
	if first.NodeCount <= 0 {
		return nil, fmt.Errorf("%w: window has no nodes", domain.ErrInconsistentWindow)
	}

	var (
		nodes  = first.NodeCount
		pooled = make([]float64, 0, len(snaps)*nodes)
		power  = make([]float64, 0, len(snaps))
		start  = first.Timestamp
		end    = first
	)

	for i, s := range snaps {
		if s == nil {
			return nil, fmt.Errorf("%w: nil snapshot at index %d", domain.ErrInconsistentWindow, i)
		}
		if s.MachineID != first.MachineID {
			return nil, fmt.Errorf("%w: machine %q mixed with %q", domain.ErrInconsistentWindow, s.MachineID, first.MachineID)
		}
		if s.NodeCount != nodes || len(s.Temperatures) != nodes {
			return nil, fmt.Errorf("%w: snapshot %d has %d readings, window has %d nodes",
				domain.ErrInconsistentWindow, i, len(s.Temperatures), nodes)
		}
		pooled = append(pooled, s.Temperatures...)
		power = append(power, s.PowerConsumption)
		if s.Timestamp.Before(start) {
			start = s.Timestamp
		}
		if laterThan(s, end) {
			end = s
		}
	}

	sort.Float64s(pooled)
	sort.Float64s(power)

	lo, hi := floats.Min(pooled), floats.Max(pooled)
	mean, std := meanStdDev(pooled, lo, hi)
	powerMean, _ := meanStdDev(power, power[0], power[len(power)-1])
	means := nodeMeans(snaps, nodes)

	if !finite(mean) || !finite(std) || !finite(powerMean) || !allFinite(means) {
		return nil, fmt.Errorf("%w: statistics of machine %q are not finite", domain.ErrInconsistentWindow, first.MachineID)
	}

	return &domain.ReducedRecord{
		MachineID:      first.MachineID,
		WindowStart:    start,
		WindowEnd:      end.Timestamp,
		SimulationTime: end.SimulationTime,
		NodeCount:      nodes,
		SampleCount:    len(snaps),
		TempMin:        lo,
		TempMax:        hi,
		TempMean:       clamp(mean, lo, hi),
		TempStdDev:     std,
		PowerMean:      powerMean,
		NodeMeans:      means,
	}, nil
}

// nodeMeans is the element-wise mean across the window.
func nodeMeans(snaps []*domain.TelemetrySnapshot, nodes int) []float64 {
	out := make([]float64, nodes)
	column := make([]float64, len(snaps))
	for i := 0; i < nodes; i++ {
		for j, s := range snaps {
			column[j] = s.Temperatures[i]
		}
		sort.Float64s(column)
		out[i], _ = meanStdDev(column, column[0], column[len(column)-1])
	}
	return out
}

// meanStdDev returns the mean and population standard deviation of sorted
// xs, whose extremes are lo and hi. Readings near the float64 limit overflow
// the sum of squares, so those are scaled into [-1, 1] first.
func meanStdDev(xs []float64, lo, hi float64) (float64, float64) {
	if len(xs) == 1 {
		return xs[0], 0
	}
	mean, variance := stat.PopMeanVariance(xs, nil)
	if finite(mean) && finite(variance) {
		return mean, math.Sqrt(math.Max(variance, 0))
	}

	scale := math.Max(math.Abs(lo), math.Abs(hi))
	if scale == 0 || !finite(scale) {
		return mean, variance
	}
	scaled := make([]float64, len(xs))
	for i, x := range xs {
		scaled[i] = x / scale
	}
	mean, variance = stat.PopMeanVariance(scaled, nil)
	return mean * scale, math.Sqrt(math.Max(variance, 0)) * scale
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if !finite(x) {
			return false
		}
	}
	return true
}

// laterThan orders snapshots by timestamp; ties break on the simulation tag
// so the chosen window end does not depend on arrival order.
func laterThan(a, b *domain.TelemetrySnapshot) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.SimulationTime > b.SimulationTime
}

// rounding in the summation can push the mean of near-constant data a few
// ulps past the extremes.
func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
