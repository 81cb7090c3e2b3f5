// Package models contains data structures shared across the forecasting core.
package models

import "time"

// CurveKind identifies the insulin activity curve used for a dose.
type CurveKind string

const (
	CurveExponential   CurveKind = "exponential"
	CurveBilinear      CurveKind = "bilinear"
	CurveBiexponential CurveKind = "biexponential"
)

// Valid reports whether the curve kind is one of the supported variants.
func (k CurveKind) Valid() bool {
	switch k {
	case CurveExponential, CurveBilinear, CurveBiexponential:
		return true
	}
	return false
}

// CarbShape identifies the carbohydrate absorption model.
type CarbShape string

const (
	CarbLinear        CarbShape = "linear"
	CarbBiexponential CarbShape = "biexponential"
)

// DoseEvent is a single insulin delivery, expressed relative to the
// simulation clock. A negative TimeOffsetMin means the dose was given in
// the past. DurationMin > 0 marks an extended (square-wave) delivery.
type DoseEvent struct {
	TimeOffsetMin float64 `json:"timeOffsetMin"`
	Units         float64 `json:"units"`
	DurationMin   float64 `json:"durationMin"`
}

// CarbEvent is a single carbohydrate intake relative to the simulation
// clock. AbsorptionMinutes and InsulinToCarbRatio override the global
// parameters when non-zero.
type CarbEvent struct {
	TimeOffsetMin      float64 `json:"timeOffsetMin"`
	Grams              float64 `json:"grams"`
	AbsorptionMinutes  float64 `json:"absorptionMinutes"`
	InsulinToCarbRatio float64 `json:"insulinToCarbRatio"`
	FatG               float64 `json:"fatG"`
	ProteinG           float64 `json:"proteinG"`
	FiberG             float64 `json:"fiberG"`
}

// SlowDigestion reports whether the meal composition suggests delayed
// absorption (high fat/protein relative to carbs).
func (c CarbEvent) SlowDigestion() bool {
	if c.Grams <= 0 {
		return c.FatG+c.ProteinG >= 20
	}
	return c.FatG+c.ProteinG >= 0.6*c.Grams && c.FatG+c.ProteinG >= 15
}

// BasalInjection is a long-acting insulin injection.
type BasalInjection struct {
	TimeOffsetMin float64   `json:"timeOffsetMin"`
	Units         float64   `json:"units"`
	DurationMin   float64   `json:"durationMin"`
	Kind          BasalKind `json:"kind"`
}

// BasalKind identifies the long-acting insulin model.
type BasalKind string

const (
	BasalFlat    BasalKind = "flat"    // constant activity over the duration
	BasalTapered BasalKind = "tapered" // ramp up, plateau, taper off
)

// RecentGlucoseSample is one reading in the momentum window.
type RecentGlucoseSample struct {
	MinutesAgo float64 `json:"minutesAgo"`
	Value      float64 `json:"value"` // mg/dL
}

// SampleTime returns the absolute time of the sample relative to now.
func (s RecentGlucoseSample) SampleTime(now time.Time) time.Time {
	return now.Add(-time.Duration(s.MinutesAgo * float64(time.Minute)))
}

// ToMmol converts a mg/dL value to mmol/L.
func ToMmol(mgdl float64) float64 {
	return mgdl / 18.0182
}

// ToMgdl converts a mmol/L value to mg/dL.
func ToMgdl(mmol float64) float64 {
	return mmol * 18.0182
}
