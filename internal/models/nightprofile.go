package models

import "time"

// NightBucket is one time-of-night bucket of the learned correction
// profile. Deltas are mg/dL observed over the profile horizon.
type NightBucket struct {
	StartMinuteOfDay int     `json:"startMinuteOfDay"`
	MedianDelta      float64 `json:"medianDelta"`
	Dispersion       float64 `json:"dispersion"` // inter-quartile range
	SampleCount      int     `json:"sampleCount"`
}

// NightPatternProfile is the cached per-user overnight correction profile.
// It is mutated only by the night-bias learner and recomputed on a ~24h
// cadence.
type NightPatternProfile struct {
	Buckets        []NightBucket `json:"buckets"`
	SampleDays     int           `json:"sampleDays"`
	ComputedAt     time.Time     `json:"computedAt"`
	BucketWidthMin int           `json:"bucketWidthMin"`
	HorizonMin     int           `json:"horizonMin"`
}

// Bucket returns the bucket covering the given minute of day, or nil.
func (p *NightPatternProfile) Bucket(minuteOfDay int) *NightBucket {
	if p == nil || p.BucketWidthMin <= 0 {
		return nil
	}
	for i := range p.Buckets {
		b := &p.Buckets[i]
		start := b.StartMinuteOfDay
		end := start + p.BucketWidthMin
		if end <= 1440 {
			if minuteOfDay >= start && minuteOfDay < end {
				return b
			}
			continue
		}
		// Bucket wraps midnight.
		if minuteOfDay >= start || minuteOfDay < end-1440 {
			return b
		}
	}
	return nil
}

// Expired reports whether the profile is older than the recompute interval.
func (p *NightPatternProfile) Expired(now time.Time, recompute time.Duration) bool {
	if p == nil {
		return true
	}
	return now.Sub(p.ComputedAt) >= recompute
}
