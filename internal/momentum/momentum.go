// Package momentum estimates the short-horizon glucose trend from recent
// sensor samples.
package momentum

import (
	"math"
	"sort"

	"github.com/mrcode/glucoforecast/internal/models"
)

// Warning strings emitted alongside a degraded slope. These are data
// quality signals, not errors: the estimator always returns a usable
// slope.
const (
	WarnInsufficientData = "momentum: insufficient data"
	WarnGapDetected      = "momentum: gap detected"
	WarnSlopeLimited     = "momentum: slope limited"
)

const (
	// MaxSlopeMgdlPerMin caps the reported trend.
	MaxSlopeMgdlPerMin = 3.0
	// MaxGapMinutes is the largest tolerated spacing between any two
	// consecutive samples, inside the regression window or not.
	MaxGapMinutes = 15.0
	// DecayWindowMinutes is how long the slope contributes to a forecast
	// before decaying to zero.
	DecayWindowMinutes = 30.0
)

// Config controls the estimation window.
type Config struct {
	// LookbackPoints is the number of most recent samples the regression
	// is fit through. Minimum 3.
	LookbackPoints int
}

// DefaultConfig uses a five-point window, about 25 minutes of CGM data.
func DefaultConfig() Config {
	return Config{LookbackPoints: 5}
}

// Estimate fits an ordinary least-squares line through the most recent
// samples and returns the slope in mg/dL per minute plus any data quality
// warnings. Degenerate input degrades to slope 0, never an error.
func Estimate(samples []models.RecentGlucoseSample, cfg Config) (float64, []string) {
	lookback := cfg.LookbackPoints
	if lookback < 3 {
		lookback = 3
	}

	if len(samples) < 3 || len(samples) < lookback {
		return 0, []string{WarnInsufficientData}
	}

	// Sort ascending in time, i.e. descending in minutes-ago.
	sorted := make([]models.RecentGlucoseSample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinutesAgo > sorted[j].MinutesAgo
	})

	// A gap anywhere in the supplied history means the sensor was not
	// reporting reliably, so the trend is suspect even when the fit
	// window itself is dense.
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i-1].MinutesAgo - sorted[i].MinutesAgo
		if gap > MaxGapMinutes {
			return 0, []string{WarnGapDetected}
		}
	}

	window := sorted[len(sorted)-lookback:]

	slope, ok := fitSlope(window)
	if !ok {
		return 0, []string{WarnInsufficientData}
	}

	if math.Abs(slope) > MaxSlopeMgdlPerMin {
		limited := math.Copysign(MaxSlopeMgdlPerMin, slope)
		return limited, []string{WarnSlopeLimited}
	}

	return slope, nil
}

// fitSlope runs OLS with x = -minutesAgo so a positive slope means rising
// glucose. Returns false when x has no variance.
func fitSlope(window []models.RecentGlucoseSample) (float64, bool) {
	n := float64(len(window))
	var sumX, sumY, sumXY, sumX2 float64
	for _, s := range window {
		x := -s.MinutesAgo
		y := s.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / denom, true
}

// Contribution returns the cumulative glucose movement attributable to the
// slope at minutesOut, using a triangular impulse that decays linearly to
// zero over the decay window. Beyond the window the contribution is flat:
// the trend is never extrapolated further.
func Contribution(slope, minutesOut float64) float64 {
	if minutesOut <= 0 {
		return 0
	}
	w := DecayWindowMinutes
	if minutesOut >= w {
		// Full triangle area: slope * w / 2.
		return slope * w / 2
	}
	// Integral of slope*(1 - t/w) from 0 to minutesOut.
	return slope * (minutesOut - minutesOut*minutesOut/(2*w))
}
