package curves

import (
	"math"

	"github.com/mrcode/glucoforecast/internal/models"
)

// Logistic steepness and center for the fast-then-slow absorption profile.
// Peak absorption rate lands roughly a third of the way into the meal.
const (
	carbLogisticK      = 8.0
	carbLogisticCenter = 0.35
)

// CarbRemainingFraction returns the fraction [0,1] of a meal's
// carbohydrate not yet absorbed minutesSince intake.
func CarbRemainingFraction(minutesSince, absorptionDuration float64, shape models.CarbShape) float64 {
	minutesSince = math.Max(0, minutesSince)
	absorptionDuration = math.Max(1, absorptionDuration)

	if minutesSince >= absorptionDuration {
		return 0
	}

	progress := minutesSince / absorptionDuration
	switch shape {
	case models.CarbBiexponential:
		return clamp01(1 - logisticAbsorbed(progress))
	default:
		return clamp01(1 - progress)
	}
}

// CarbAbsorptionRate returns the instantaneous absorption rate as fraction
// of the meal per minute.
func CarbAbsorptionRate(minutesSince, absorptionDuration float64, shape models.CarbShape) float64 {
	const dt = 0.5
	before := CarbRemainingFraction(minutesSince-dt, absorptionDuration, shape)
	after := CarbRemainingFraction(minutesSince+dt, absorptionDuration, shape)
	rate := (before - after) / (2 * dt)
	if rate < 0 {
		return 0
	}
	return rate
}

// logisticAbsorbed maps absorption progress [0,1] to absorbed fraction
// [0,1], renormalized so the endpoints land exactly at 0 and 1.
func logisticAbsorbed(progress float64) float64 {
	l := func(p float64) float64 {
		return 1 / (1 + math.Exp(-carbLogisticK*(p-carbLogisticCenter)))
	}
	l0 := l(0)
	l1 := l(1)
	return (l(progress) - l0) / (l1 - l0)
}
