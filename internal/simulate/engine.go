// Package simulate implements the deterministic stepwise glucose physics
// engine. It is pure and CPU-bound: all I/O has been resolved by the time
// Run is called, and concurrent invocations share no state.
package simulate

import (
	"math"

	"github.com/mrcode/glucoforecast/internal/curves"
	"github.com/mrcode/glucoforecast/internal/models"
	"github.com/mrcode/glucoforecast/internal/momentum"
)

// Display clamp bounds in mg/dL.
const (
	MinDisplayBG = 20.0
	MaxDisplayBG = 600.0
)

// Grid defaults.
const (
	DefaultStepMin    = 5.0
	DefaultHorizonMin = 360.0
)

// Slow meals absorb noticeably slower; matches the stretch applied to
// large meals in the absorption model this engine grew out of.
const slowDigestionStretch = 1.3

// Input bundles everything the engine needs for one deterministic run.
type Input struct {
	StartBG         float64
	Params          models.SimulationParams
	Doses           []models.DoseEvent
	Carbs           []models.CarbEvent
	BasalInjections []models.BasalInjection
	RecentSamples   []models.RecentGlucoseSample
	MomentumConfig  momentum.Config

	StepMin    float64 // defaults to 5
	HorizonMin float64 // defaults to 360

	HighThresholdBG float64 // defaults to 180
	LowThresholdBG  float64 // defaults to 70
}

// Output is the engine result: parallel series on the same fixed grid,
// the summary derived from them, and momentum data-quality warnings.
type Output struct {
	Series     []models.ForecastPoint
	Components []models.ComponentImpact
	Summary    models.ForecastSummary
	Slope      float64
	Warnings   []string
	Quality    models.ForecastQuality
}

// Run produces a glucose trajectory over the configured horizon. The grid
// is fixed: points at 0, step, ..., horizon. Instantaneous insulin, carb
// and basal rates are evaluated at each step midpoint and accumulated as a
// Riemann sum; the momentum contribution is analytic.
func Run(in Input) Output {
	step := in.StepMin
	if step <= 0 {
		step = DefaultStepMin
	}
	horizon := in.HorizonMin
	if horizon <= 0 {
		horizon = DefaultHorizonMin
	}
	high := in.HighThresholdBG
	if high <= 0 {
		high = 180
	}
	low := in.LowThresholdBG
	if low <= 0 {
		low = 70
	}

	slope, warnings := momentum.Estimate(in.RecentSamples, in.MomentumConfig)

	steps := int(math.Round(horizon / step))
	series := make([]models.ForecastPoint, 0, steps+1)
	components := make([]models.ComponentImpact, 0, steps+1)

	series = append(series, models.ForecastPoint{TMin: 0, BG: clampBG(in.StartBG)})
	components = append(components, models.ComponentImpact{TMin: 0})

	var insulinTotal, carbTotal, basalTotal float64

	for i := 1; i <= steps; i++ {
		t := float64(i) * step
		mid := t - step/2

		insulinTotal -= in.insulinRateAt(mid) * step
		carbTotal += in.carbRateAt(mid) * step
		basalTotal += in.basalDriftRateAt(mid) * step

		momentumImpact := momentum.Contribution(slope, t)

		bg := in.StartBG + momentumImpact + insulinTotal + carbTotal + basalTotal

		series = append(series, models.ForecastPoint{TMin: t, BG: clampBG(bg)})
		components = append(components, models.ComponentImpact{
			TMin:           t,
			InsulinImpact:  insulinTotal,
			CarbImpact:     carbTotal,
			BasalImpact:    basalTotal,
			MomentumImpact: momentumImpact,
		})
	}

	return Output{
		Series:     series,
		Components: components,
		Summary:    summarize(series, high, low),
		Slope:      slope,
		Warnings:   warnings,
		Quality:    quality(warnings, len(in.RecentSamples)),
	}
}

// insulinRateAt returns the summed glucose-lowering rate (mg/dL per
// minute) of all active doses at minute t of the simulation.
func (in Input) insulinRateAt(t float64) float64 {
	var rate float64
	for _, d := range in.Doses {
		if d.Units <= 0 {
			continue
		}
		since := t - d.TimeOffsetMin
		if since <= 0 {
			continue
		}
		activity := curves.DoseActivityRate(
			since, d.DurationMin,
			in.Params.InsulinActionDurationMin, in.Params.InsulinPeakMin,
			in.Params.InsulinCurveKind,
		)
		rate += d.Units * activity * in.Params.InsulinSensitivityFactor
	}
	return rate
}

// carbRateAt returns the summed glucose-raising rate (mg/dL per minute)
// of all active carb events at minute t.
func (in Input) carbRateAt(t float64) float64 {
	var rate float64
	for _, c := range in.Carbs {
		if c.Grams <= 0 {
			continue
		}
		since := t - c.TimeOffsetMin
		if since <= 0 {
			continue
		}

		icr := c.InsulinToCarbRatio
		if icr <= 0 {
			icr = in.Params.InsulinToCarbRatio
		}
		csf := in.Params.InsulinSensitivityFactor / icr

		absorption := c.AbsorptionMinutes
		if absorption <= 0 {
			absorption = in.Params.CarbAbsorptionMinutes
		}
		if c.SlowDigestion() {
			absorption *= slowDigestionStretch
		}

		activity := curves.CarbAbsorptionRate(since, absorption, in.Params.EffectiveCarbShape())
		rate += c.Grams * activity * csf
	}
	return rate
}

// basalDriftRateAt models insulin fading relative to the activity level at
// simulation start: (rate_at_t0 - rate_at_t) * ISF. With no injections
// supplied there is no drift term; this is a deliberate simplification,
// not a liver-output model.
func (in Input) basalDriftRateAt(t float64) float64 {
	var drift float64
	for _, b := range in.BasalInjections {
		if b.Units <= 0 || b.DurationMin <= 0 {
			continue
		}
		sinceAtStart := -b.TimeOffsetMin
		sinceAtT := t - b.TimeOffsetMin
		rate0 := curves.BasalActivityRate(sinceAtStart, b.DurationMin, b.Kind, b.Units)
		rateT := curves.BasalActivityRate(sinceAtT, b.DurationMin, b.Kind, b.Units)
		drift += (rate0 - rateT) * in.Params.InsulinSensitivityFactor
	}
	return drift
}

// Summarize derives the result statistics from a series. Callers that
// adjust the trajectory after Run use it to keep the summary consistent.
func Summarize(series []models.ForecastPoint, high, low float64) models.ForecastSummary {
	return summarize(series, high, low)
}

// summarize derives the result statistics from the series rather than
// recomputing them from the inputs.
func summarize(series []models.ForecastPoint, high, low float64) models.ForecastSummary {
	if len(series) == 0 {
		return models.ForecastSummary{HighInMinutes: -1, LowInMinutes: -1}
	}

	s := models.ForecastSummary{
		MinBG: series[0].BG,
		MaxBG: series[0].BG,
		EndBG: series[len(series)-1].BG,
	}
	for _, p := range series {
		if p.BG < s.MinBG {
			s.MinBG = p.BG
			s.TimeToMinMin = p.TMin
		}
		if p.BG > s.MaxBG {
			s.MaxBG = p.BG
		}
	}

	s.HighInMinutes = crossingMinutes(series, high, true)
	s.LowInMinutes = crossingMinutes(series, low, false)
	return s
}

// crossingMinutes returns the interpolated minute the series first crosses
// the threshold, or -1 when it never does. The starting point itself does
// not count as a crossing.
func crossingMinutes(series []models.ForecastPoint, threshold float64, upward bool) float64 {
	for i := 1; i < len(series); i++ {
		prev, cur := series[i-1], series[i]
		var crossed bool
		if upward {
			crossed = prev.BG < threshold && cur.BG >= threshold
		} else {
			crossed = prev.BG > threshold && cur.BG <= threshold
		}
		if !crossed {
			continue
		}
		span := cur.BG - prev.BG
		if span == 0 {
			return cur.TMin
		}
		ratio := (threshold - prev.BG) / span
		return prev.TMin + ratio*(cur.TMin-prev.TMin)
	}
	return -1
}

// quality grades the forecast from the momentum warnings and sample
// coverage, independent of any ML readiness.
func quality(warnings []string, sampleCount int) models.ForecastQuality {
	for _, w := range warnings {
		switch w {
		case momentum.WarnGapDetected, momentum.WarnInsufficientData:
			return models.QualityLow
		}
	}
	for _, w := range warnings {
		if w == momentum.WarnSlopeLimited {
			return models.QualityMedium
		}
	}
	if sampleCount < 5 {
		return models.QualityMedium
	}
	return models.QualityHigh
}

func clampBG(v float64) float64 {
	if v < MinDisplayBG || math.IsNaN(v) {
		return MinDisplayBG
	}
	if v > MaxDisplayBG {
		return MaxDisplayBG
	}
	return v
}
