package curves

import (
	"math"

	"github.com/mrcode/glucoforecast/internal/models"
)

// Tapered-profile geometry as fractions of the injection duration.
const (
	taperRiseFrac = 0.1
	taperFallFrac = 0.3
)

// BasalActivityRate returns the activity rate in units per minute of a
// long-acting injection at minutesSince. The integral over the duration
// equals the injected units.
func BasalActivityRate(minutesSince, duration float64, kind models.BasalKind, units float64) float64 {
	minutesSince = math.Max(0, minutesSince)
	duration = math.Max(1, duration)
	units = math.Max(0, units)

	if minutesSince >= duration || units == 0 {
		return 0
	}

	switch kind {
	case models.BasalTapered:
		return taperedRate(minutesSince, duration, units)
	default:
		return units / duration
	}
}

// taperedRate is a trapezoidal profile: ramp over the first 10% of the
// duration, plateau, then taper over the last 30%.
func taperedRate(t, duration, units float64) float64 {
	rise := duration * taperRiseFrac
	fall := duration * taperFallFrac
	// Plateau height chosen so the trapezoid area equals the dose.
	plateau := units / (duration - rise/2 - fall/2)

	switch {
	case t < rise:
		return plateau * t / rise
	case t > duration-fall:
		return plateau * (duration - t) / fall
	default:
		return plateau
	}
}
