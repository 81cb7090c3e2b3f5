package models

import "time"

// GlucoseEntry is a single sensor glucose reading from the glucose
// history provider.
type GlucoseEntry struct {
	ID        string `json:"_id"`
	SGV       int    `json:"sgv"`  // sensor glucose value in mg/dL
	Date      int64  `json:"date"` // Unix timestamp in milliseconds
	Direction string `json:"direction"`
	Device    string `json:"device"`
}

// Time returns the time of the glucose entry.
func (g *GlucoseEntry) Time() time.Time {
	return time.UnixMilli(g.Date)
}

// ValueMgDL returns the glucose value in mg/dL.
func (g *GlucoseEntry) ValueMgDL() float64 {
	return float64(g.SGV)
}

// ToSample converts the entry to a momentum-window sample relative to now.
func (g *GlucoseEntry) ToSample(now time.Time) RecentGlucoseSample {
	return RecentGlucoseSample{
		MinutesAgo: now.Sub(g.Time()).Minutes(),
		Value:      float64(g.SGV),
	}
}
