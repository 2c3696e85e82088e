// Package normalize provides intensity normalization strategies applied
// immediately before a "normalized" output variant is written.
package normalize

import (
	"math"
	"sort"
)

// Normalizer maps raw voxel intensities to a normalized range. Normalize
// must not mutate its input slice.
type Normalizer interface {
	Name() string
	Normalize(data []float64) []float64
}

// Percentile maps the [lower, upper] percentile intensity window onto
// [LowerLimit, UpperLimit], clipping outside values.
type Percentile struct {
	LowerPercentile float64
	UpperPercentile float64
	LowerLimit      float64
	UpperLimit      float64
}

// NewPercentile returns a percentile normalizer mapping the full intensity
// range onto [0, 1].
func NewPercentile() *Percentile {
	return &Percentile{LowerPercentile: 0, UpperPercentile: 100, LowerLimit: 0, UpperLimit: 1}
}

func (p *Percentile) Name() string { return "percentile" }

func (p *Percentile) Normalize(data []float64) []float64 {
	lower := percentile(data, p.LowerPercentile)
	upper := percentile(data, p.UpperPercentile)
	span := upper - lower

	out := make([]float64, len(data))
	for i, v := range data {
		var scaled float64
		if span != 0 {
			scaled = (v - lower) / span
		}
		scaled = math.Min(1, math.Max(0, scaled))
		out[i] = scaled*(p.UpperLimit-p.LowerLimit) + p.LowerLimit
	}
	return out
}

// percentile computes the pth percentile with linear interpolation, the
// numpy default.
func percentile(data []float64, pct float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	if pct <= 0 {
		return sorted[0]
	}
	if pct >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Windowing clips intensities to a [center-width/2, center+width/2]
// window, the radiological windowing operation.
type Windowing struct {
	Center float64
	Width  float64
}

func (w *Windowing) Name() string { return "windowing" }

func (w *Windowing) Normalize(data []float64) []float64 {
	min := w.Center - w.Width/2
	max := w.Center + w.Width/2
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = math.Min(max, math.Max(min, v))
	}
	return out
}
