// Package curves implements the pharmacokinetic activity curves for
// insulin, carbohydrate and basal models. All functions are total: inputs
// are clamped to [0, inf), outputs to their documented ranges, and nothing
// here panics or allocates.
package curves

import (
	"math"

	"github.com/mrcode/glucoforecast/internal/models"
)

// remainingFunc computes the fraction of a dose still active at
// minutesSince, given the action duration and activity peak in minutes.
type remainingFunc func(minutesSince, actionDuration, peakMin float64) float64

// insulinCurves dispatches curve kinds to their implementations. Closed
// table; unknown kinds fall back to exponential.
var insulinCurves = map[models.CurveKind]remainingFunc{
	models.CurveExponential:   exponentialRemaining,
	models.CurveBilinear:      bilinearRemaining,
	models.CurveBiexponential: biexponentialRemaining,
}

// InsulinRemainingFraction returns the fraction [0,1] of a single
// instantaneous dose still pharmacologically active minutesSince delivery.
func InsulinRemainingFraction(minutesSince, actionDuration, peakMin float64, kind models.CurveKind) float64 {
	minutesSince = math.Max(0, minutesSince)
	actionDuration = math.Max(1, actionDuration)
	peakMin = clampPeak(peakMin, actionDuration)

	if minutesSince >= actionDuration {
		return 0
	}

	fn, ok := insulinCurves[kind]
	if !ok {
		fn = exponentialRemaining
	}
	return clamp01(fn(minutesSince, actionDuration, peakMin))
}

// InsulinActivityRate returns the instantaneous activity rate (fraction of
// the dose consumed per minute) at minutesSince. Derived from the
// remaining-fraction curve so every kind stays single-sourced.
func InsulinActivityRate(minutesSince, actionDuration, peakMin float64, kind models.CurveKind) float64 {
	const dt = 0.5
	before := InsulinRemainingFraction(minutesSince-dt, actionDuration, peakMin, kind)
	after := InsulinRemainingFraction(minutesSince+dt, actionDuration, peakMin, kind)
	rate := (before - after) / (2 * dt)
	if rate < 0 {
		return 0
	}
	return rate
}

// deliveryChunkMinutes is the discretization width for extended doses.
const deliveryChunkMinutes = 5.0

// DoseRemainingFraction returns the on-board fraction for a dose that may
// have an extended (square-wave) delivery window. Delivery is discretized
// into 5-minute sub-chunks; chunks not yet delivered count as fully on
// board.
func DoseRemainingFraction(minutesSince, deliveryDuration, actionDuration, peakMin float64, kind models.CurveKind) float64 {
	if deliveryDuration <= deliveryChunkMinutes {
		return InsulinRemainingFraction(minutesSince, actionDuration, peakMin, kind)
	}

	chunks := int(math.Ceil(deliveryDuration / deliveryChunkMinutes))
	var total float64
	for i := 0; i < chunks; i++ {
		chunkAt := (float64(i) + 0.5) * deliveryDuration / float64(chunks)
		sinceChunk := minutesSince - chunkAt
		if sinceChunk <= 0 {
			total += 1 // not yet delivered
			continue
		}
		total += InsulinRemainingFraction(sinceChunk, actionDuration, peakMin, kind)
	}
	return clamp01(total / float64(chunks))
}

// DoseActivityRate is the instantaneous activity rate for a possibly
// extended dose, as fraction of total dose per minute.
func DoseActivityRate(minutesSince, deliveryDuration, actionDuration, peakMin float64, kind models.CurveKind) float64 {
	const dt = 0.5
	before := DoseRemainingFraction(minutesSince-dt, deliveryDuration, actionDuration, peakMin, kind)
	after := DoseRemainingFraction(minutesSince+dt, deliveryDuration, actionDuration, peakMin, kind)
	rate := (before - after) / (2 * dt)
	if rate < 0 {
		return 0
	}
	return rate
}

// exponentialRemaining is the oref-style exponential model. The time
// constant is derived from the peak so that activity tops out at peakMin.
func exponentialRemaining(t, dia, peak float64) float64 {
	tau := peak * (1 - peak/dia)
	if tau <= 0 {
		tau = peak * 0.75
	}

	a := 2 * tau / dia
	s := 1 / (1 - a + (1+a)*math.Exp(-dia/tau))

	return 1 - s*(1-(1+t/tau)*math.Exp(-t/tau))
}

// bilinearRemaining integrates a triangular activity profile: linear rise
// to the peak, linear fall to zero at the action duration.
func bilinearRemaining(t, dia, peak float64) float64 {
	if t < peak {
		return 1 - t*t/(dia*peak)
	}
	rem := dia - t
	return rem * rem / (dia * (dia - peak))
}

// biexponentialRemaining integrates a two-compartment activity profile
// a(t) ~ exp(-t/tau2) - exp(-t/tau1) with tau2 = 2*tau1, which peaks at
// 2*tau1*ln(2). tau1 is chosen so the activity peak lands at peakMin, and
// the integral is normalized so remaining hits exactly zero at the action
// duration.
func biexponentialRemaining(t, dia, peak float64) float64 {
	tau1 := peak / (2 * math.Ln2)
	if tau1 <= 0 {
		tau1 = dia / 8
	}
	tau2 := 2 * tau1

	absorbed := func(x float64) float64 {
		return tau2*(1-math.Exp(-x/tau2)) - tau1*(1-math.Exp(-x/tau1))
	}

	total := absorbed(dia)
	if total <= 0 {
		return 0
	}
	return 1 - absorbed(t)/total
}

func clampPeak(peak, dia float64) float64 {
	if peak <= 0 {
		peak = dia * 0.25
	}
	// The peak must sit strictly inside the action window.
	return math.Min(peak, dia*0.9)
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
