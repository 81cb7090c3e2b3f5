package residual

import (
	"fmt"
	"math"
	"time"

	"github.com/mrcode/glucoforecast/internal/models"
)

const (
	minBG = 20
	maxBG = 600
)

// TrendCategory encodes the CGM trend arrow as a small ordinal for the
// feature vector: -3 falling fast through +3 rising fast.
func TrendCategory(direction string) (float64, bool) {
	switch direction {
	case "DoubleDown":
		return -3, true
	case "SingleDown":
		return -2, true
	case "FortyFiveDown":
		return -1, true
	case "Flat":
		return 0, true
	case "FortyFiveUp":
		return 1, true
	case "SingleUp":
		return 2, true
	case "DoubleUp":
		return 3, true
	}
	return 0, false
}

// FeatureInput carries everything the feature builder needs. Pointer
// fields are required features: a nil makes the overlay a no-op.
type FeatureInput struct {
	Now       time.Time
	CurrentBG *float64
	BGAgeMin  float64
	// TrendCat comes from TrendCategory; nil when the arrow is unknown.
	TrendCat *float64

	IOB models.IOBEstimate
	COB models.COBEstimate

	InsulinUnits3h  float64
	InsulinUnits6h  float64
	CarbGrams3h     float64
	CarbGrams6h     float64
	BasalUnits24h   float64
	BasalUnits48h   float64
	SourceCount     int
	SourcesConflict bool
}

// BuildFeatures assembles the named feature map consumed by the bundle's
// linear models. The second return is false when a required feature is
// absent, in which case the overlay must not run.
func BuildFeatures(in FeatureInput, horizons []int, series []models.ForecastPoint) (map[string]float64, bool) {
	if in.CurrentBG == nil || in.TrendCat == nil {
		return nil, false
	}
	if in.IOB.Value == nil || in.COB.Value == nil {
		return nil, false
	}

	minuteOfDay := float64(in.Now.Hour()*60 + in.Now.Minute())
	f := map[string]float64{
		"bg":             *in.CurrentBG,
		"bg_age_min":     in.BGAgeMin,
		"trend_category": *in.TrendCat,
		"iob":            *in.IOB.Value,
		"iob_ok":         statusFeature(in.IOB.Status),
		"cob":            *in.COB.Value,
		"cob_ok":         statusFeature(in.COB.Status),
		"insulin_3h":     in.InsulinUnits3h,
		"insulin_6h":     in.InsulinUnits6h,
		"carbs_3h":       in.CarbGrams3h,
		"carbs_6h":       in.CarbGrams6h,
		"basal_24h":      in.BasalUnits24h,
		"basal_48h":      in.BasalUnits48h,
		"source_count":   float64(in.SourceCount),
		"tod_sin":        math.Sin(2 * math.Pi * minuteOfDay / 1440),
		"tod_cos":        math.Cos(2 * math.Pi * minuteOfDay / 1440),
	}
	if in.SourcesConflict {
		f["sources_consistent"] = 0
	} else {
		f["sources_consistent"] = 1
	}

	for _, h := range horizons {
		v, ok := baselineAt(series, float64(h))
		if !ok {
			return nil, false
		}
		f[fmt.Sprintf("baseline_%dm", h)] = v
	}
	return f, true
}

func statusFeature(s models.DataState) float64 {
	if s == models.StateOK {
		return 1
	}
	return 0
}

// baselineAt reads the physics trajectory value at minute t, which must
// land on or between grid points.
func baselineAt(series []models.ForecastPoint, t float64) (float64, bool) {
	for i := range series {
		if series[i].TMin == t {
			return series[i].BG, true
		}
		if i > 0 && series[i-1].TMin < t && t < series[i].TMin {
			span := series[i].TMin - series[i-1].TMin
			frac := (t - series[i-1].TMin) / span
			return series[i-1].BG + frac*(series[i].BG-series[i-1].BG), true
		}
	}
	return 0, false
}

// Result is the overlay outcome. When Applied is false, Series is the
// exact physics baseline slice the caller passed in, unchanged.
type Result struct {
	Series     []models.ForecastPoint
	Band       *models.MLBand
	Applied    bool
	Confidence float64
}

// Apply corrects the physics trajectory with the bundle's median-quantile
// residuals and derives a confidence band from the 10th/90th quantiles.
// Any readiness or feature gap returns the baseline untouched.
func Apply(bundle *Bundle, features map[string]float64, series []models.ForecastPoint) Result {
	passthrough := Result{Series: series, Confidence: bundle.Confidence()}
	if !bundle.Ready() || features == nil || len(series) == 0 {
		return passthrough
	}

	horizons := bundle.Horizons()
	knots := make([]residKnot, 0, len(horizons))
	for _, h := range horizons {
		med, ok := predictAt(bundle, h, 0.5, features)
		if !ok {
			return passthrough
		}
		p10, ok10 := predictAt(bundle, h, 0.1, features)
		p90, ok90 := predictAt(bundle, h, 0.9, features)
		if !ok10 || !ok90 {
			return passthrough
		}
		if p90 < p10 {
			p10, p90 = p90, p10
		}
		knots = append(knots, residKnot{t: float64(h), med: med, p10: p10, p90: p90})
	}

	corrected := make([]models.ForecastPoint, len(series))
	band := &models.MLBand{
		Lower: make([]models.ForecastPoint, len(series)),
		Upper: make([]models.ForecastPoint, len(series)),
	}
	for i, pt := range series {
		med := interpolate(pt.TMin, knots, func(k residKnot) float64 { return k.med })
		lo := interpolate(pt.TMin, knots, func(k residKnot) float64 { return k.p10 })
		hi := interpolate(pt.TMin, knots, func(k residKnot) float64 { return k.p90 })

		corrected[i] = models.ForecastPoint{TMin: pt.TMin, BG: clampBG(pt.BG + med)}
		lower := clampBG(pt.BG + lo)
		upper := clampBG(pt.BG + hi)
		if upper < lower {
			upper = lower
		}
		band.Lower[i] = models.ForecastPoint{TMin: pt.TMin, BG: lower}
		band.Upper[i] = models.ForecastPoint{TMin: pt.TMin, BG: upper}
	}

	return Result{Series: corrected, Band: band, Applied: true, Confidence: bundle.Confidence()}
}

func predictAt(bundle *Bundle, horizonMin int, quantile float64, features map[string]float64) (float64, bool) {
	m, ok := bundle.ModelFor(horizonMin, quantile)
	if !ok {
		return 0, false
	}
	return m.Predict(features)
}

// residKnot is one horizon's predicted residual set.
type residKnot struct {
	t        float64
	med      float64
	p10, p90 float64
}

// interpolate evaluates the residual at minute t: zero at t=0 ramping to
// the first knot, linear between knots, held flat past the last.
func interpolate(t float64, knots []residKnot, pick func(residKnot) float64) float64 {
	if len(knots) == 0 {
		return 0
	}
	first := knots[0]
	if t <= first.t {
		if first.t == 0 {
			return pick(first)
		}
		return pick(first) * (t / first.t)
	}
	for i := 1; i < len(knots); i++ {
		if t <= knots[i].t {
			span := knots[i].t - knots[i-1].t
			frac := (t - knots[i-1].t) / span
			return pick(knots[i-1]) + frac*(pick(knots[i])-pick(knots[i-1]))
		}
	}
	return pick(knots[len(knots)-1])
}

func clampBG(v float64) float64 {
	if v < minBG {
		return minBG
	}
	if v > maxBG {
		return maxBG
	}
	return v
}
