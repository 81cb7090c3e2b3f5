// Package nightbias learns a per-time-bucket overnight glucose drift
// profile from historical data and applies it as a capped uniform
// correction to forecast trajectories, behind strict safety gating.
package nightbias

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mrcode/glucoforecast/internal/models"
)

// SkipReason explains why a correction was not applied. Empty means the
// correction was applied.
type SkipReason string

const (
	SkipDisabled      SkipReason = "disabled"
	SkipOutsideWindow SkipReason = "outside overnight window"
	SkipRecentEvent   SkipReason = "recent meal or bolus"
	SkipIOBHigh       SkipReason = "insulin on board above ceiling"
	SkipCOBPresent    SkipReason = "carbs still on board"
	SkipNoSlope       SkipReason = "trend slope unavailable"
	SkipSlopeRising   SkipReason = "glucose rising"
	SkipSlowDigestion SkipReason = "slow digestion signal in strict window"
	SkipNoBucket      SkipReason = "no learned bucket for this time"
	SkipSparseBucket  SkipReason = "bucket has too few clean samples"
)

// Window is one configured overnight span in minutes of day. End may be
// smaller than Start, in which case the window wraps midnight. Strict
// windows additionally refuse to correct under a slow-digestion signal.
type Window struct {
	StartMinuteOfDay int     `json:"startMinuteOfDay"`
	EndMinuteOfDay   int     `json:"endMinuteOfDay"`
	Weight           float64 `json:"weight"`
	Strict           bool    `json:"strict"`
}

// Contains reports whether the minute of day falls inside the window.
func (w Window) Contains(minuteOfDay int) bool {
	if w.StartMinuteOfDay <= w.EndMinuteOfDay {
		return minuteOfDay >= w.StartMinuteOfDay && minuteOfDay < w.EndMinuteOfDay
	}
	return minuteOfDay >= w.StartMinuteOfDay || minuteOfDay < w.EndMinuteOfDay
}

// Config tunes both learning and application.
type Config struct {
	Enabled bool `json:"enabled"`
	// Windows lists the overnight spans; typically an early lenient one
	// and a late strict one.
	Windows        []Window `json:"windows"`
	BucketWidthMin int      `json:"bucketWidthMin"`
	// HorizonMin is the delta horizon each bucket measures.
	HorizonMin int `json:"horizonMin"`
	// CapMgdl bounds the applied correction magnitude.
	CapMgdl float64 `json:"capMgdl"`
	// IOBCeilingUnits gates application when too much insulin is active.
	IOBCeilingUnits float64 `json:"iobCeilingUnits"`
	// COBNearZeroGrams is the largest COB still treated as "near zero".
	COBNearZeroGrams float64 `json:"cobNearZeroGrams"`
	// SlopeRiseThreshold gates application when glucose is rising faster
	// than this (mg/dL per minute).
	SlopeRiseThreshold float64 `json:"slopeRiseThreshold"`
	// QuietPeriodMin is how long after the last meal or bolus the
	// correction stays suppressed.
	QuietPeriodMin      float64       `json:"quietPeriodMin"`
	MinSamplesPerBucket int           `json:"minSamplesPerBucket"`
	RecomputeInterval   time.Duration `json:"recomputeInterval"`
	SampleDays          int           `json:"sampleDays"`
}

// DefaultConfig returns a conservative profile: 22:00-02:00 lenient at
// half weight, 02:00-06:00 strict at full weight.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Windows: []Window{
			{StartMinuteOfDay: 22 * 60, EndMinuteOfDay: 2 * 60, Weight: 0.5},
			{StartMinuteOfDay: 2 * 60, EndMinuteOfDay: 6 * 60, Weight: 1.0, Strict: true},
		},
		BucketWidthMin:      30,
		HorizonMin:          60,
		CapMgdl:             15,
		IOBCeilingUnits:     1.0,
		COBNearZeroGrams:    5,
		SlopeRiseThreshold:  0.5,
		QuietPeriodMin:      180,
		MinSamplesPerBucket: 4,
		RecomputeInterval:   24 * time.Hour,
		SampleDays:          14,
	}
}

// Fingerprint identifies the learning-relevant configuration so cached
// profiles invalidate when bucket width, horizon or windows change.
func (c Config) Fingerprint() string {
	fp := fmt.Sprintf("w%d-h%d-d%d", c.BucketWidthMin, c.HorizonMin, c.SampleDays)
	for _, w := range c.Windows {
		fp += fmt.Sprintf("-%d:%d", w.StartMinuteOfDay, w.EndMinuteOfDay)
	}
	return fp
}

func (c Config) windowAt(minuteOfDay int) (Window, bool) {
	for _, w := range c.Windows {
		if w.Contains(minuteOfDay) {
			return w, true
		}
	}
	return Window{}, false
}

// ComputeProfile builds the night profile from glucose and treatment
// history. Only "clean" sample pairs contribute: no insulin or carb
// record in the quiet period before the start sample nor between the
// start sample and its horizon partner.
func ComputeProfile(now time.Time, entries []models.GlucoseEntry, treatments []models.Treatment, cfg Config, loc *time.Location) *models.NightPatternProfile {
	if loc == nil {
		loc = time.Local
	}
	if cfg.BucketWidthMin <= 0 || cfg.HorizonMin <= 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Date < entries[j].Date })

	// pairTolerance accepts the partner sample within half a CGM interval
	// of the exact horizon.
	const pairToleranceMin = 7.5

	deltas := map[int][]float64{}
	for i, e := range entries {
		start := e.Time().In(loc)
		minuteOfDay := start.Hour()*60 + start.Minute()
		if _, ok := cfg.windowAt(minuteOfDay); !ok {
			continue
		}

		partner, ok := findPartner(entries, i, float64(cfg.HorizonMin), pairToleranceMin)
		if !ok {
			continue
		}
		if !isClean(e.Time(), float64(cfg.HorizonMin), cfg.QuietPeriodMin, treatments) {
			continue
		}

		bucketStart := (minuteOfDay / cfg.BucketWidthMin) * cfg.BucketWidthMin
		deltas[bucketStart] = append(deltas[bucketStart], float64(partner.SGV-e.SGV))
	}

	profile := &models.NightPatternProfile{
		ComputedAt:     now,
		BucketWidthMin: cfg.BucketWidthMin,
		HorizonMin:     cfg.HorizonMin,
		SampleDays:     cfg.SampleDays,
	}
	starts := make([]int, 0, len(deltas))
	for s := range deltas {
		starts = append(starts, s)
	}
	sort.Ints(starts)
	for _, s := range starts {
		d := deltas[s]
		profile.Buckets = append(profile.Buckets, models.NightBucket{
			StartMinuteOfDay: s,
			MedianDelta:      median(d),
			Dispersion:       iqr(d),
			SampleCount:      len(d),
		})
	}
	return profile
}

// findPartner locates the entry closest to horizonMin after entries[i],
// within tolerance.
func findPartner(entries []models.GlucoseEntry, i int, horizonMin, toleranceMin float64) (models.GlucoseEntry, bool) {
	target := entries[i].Date + int64(horizonMin*60000)
	best := -1
	bestDiff := toleranceMin * 60000
	for j := i + 1; j < len(entries); j++ {
		diff := math.Abs(float64(entries[j].Date - target))
		if diff <= bestDiff {
			best = j
			bestDiff = diff
		}
		if entries[j].Date > target+int64(toleranceMin*60000) {
			break
		}
	}
	if best < 0 {
		return models.GlucoseEntry{}, false
	}
	return entries[best], true
}

// isClean reports whether no insulin or carb record interferes with the
// sample pair starting at t.
func isClean(t time.Time, horizonMin, quietPeriodMin float64, treatments []models.Treatment) bool {
	windowStart := t.Add(-time.Duration(quietPeriodMin) * time.Minute)
	windowEnd := t.Add(time.Duration(horizonMin) * time.Minute)
	for i := range treatments {
		tr := &treatments[i]
		if !tr.HasInsulin() && !tr.HasCarbs() {
			continue
		}
		at := tr.Time()
		if !at.Before(windowStart) && !at.After(windowEnd) {
			return false
		}
	}
	return true
}

// ApplyInput carries the live state the gating checks inspect.
type ApplyInput struct {
	Now time.Time
	// Loc resolves Now to a minute of day; nil means time.Local.
	Loc            *time.Location
	IOBUnits       float64
	COBGrams       float64
	SlopeAvailable bool
	// SlopeMgdlPerMin is meaningful only when SlopeAvailable.
	SlopeMgdlPerMin float64
	// MinutesSinceLastBolus and MinutesSinceLastMeal are +Inf when no
	// such event is known.
	MinutesSinceLastBolus float64
	MinutesSinceLastMeal  float64
	SlowDigestion         bool
}

// Correction evaluates the gating ladder and returns the capped uniform
// adjustment in mg/dL. When any gate fails the correction is exactly 0
// and the reason names the first failing gate.
func Correction(profile *models.NightPatternProfile, cfg Config, in ApplyInput) (float64, SkipReason) {
	if !cfg.Enabled {
		return 0, SkipDisabled
	}

	loc := in.Loc
	if loc == nil {
		loc = time.Local
	}
	local := in.Now.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()

	window, ok := cfg.windowAt(minuteOfDay)
	if !ok {
		return 0, SkipOutsideWindow
	}
	if in.MinutesSinceLastBolus < cfg.QuietPeriodMin || in.MinutesSinceLastMeal < cfg.QuietPeriodMin {
		return 0, SkipRecentEvent
	}
	if in.IOBUnits >= cfg.IOBCeilingUnits {
		return 0, SkipIOBHigh
	}
	if in.COBGrams > cfg.COBNearZeroGrams {
		return 0, SkipCOBPresent
	}
	if !in.SlopeAvailable {
		return 0, SkipNoSlope
	}
	if in.SlopeMgdlPerMin > cfg.SlopeRiseThreshold {
		return 0, SkipSlopeRising
	}
	if window.Strict && in.SlowDigestion {
		return 0, SkipSlowDigestion
	}

	bucket := profile.Bucket(minuteOfDay)
	if bucket == nil {
		return 0, SkipNoBucket
	}
	if bucket.SampleCount < cfg.MinSamplesPerBucket {
		return 0, SkipSparseBucket
	}

	correction := window.Weight * bucket.MedianDelta
	if correction > cfg.CapMgdl {
		correction = cfg.CapMgdl
	} else if correction < -cfg.CapMgdl {
		correction = -cfg.CapMgdl
	}
	return correction, ""
}

// Apply adds the correction uniformly to every trajectory point, keeping
// values inside display bounds. The input slice is modified in place.
func Apply(series []models.ForecastPoint, correction float64) {
	if correction == 0 {
		return
	}
	for i := range series {
		series[i].BG = clampBG(series[i].BG + correction)
	}
}

func clampBG(v float64) float64 {
	if v < 20 {
		return 20
	}
	if v > 600 {
		return 600
	}
	return v
}

func median(vals []float64) float64 {
	return percentile(vals, 0.5)
}

func iqr(vals []float64) float64 {
	return percentile(vals, 0.75) - percentile(vals, 0.25)
}

// percentile computes the given quantile with linear interpolation. The
// input is copied so callers keep their ordering.
func percentile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
