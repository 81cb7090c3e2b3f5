package models

import "time"

// ForecastPoint is a single predicted glucose value on the simulation grid.
type ForecastPoint struct {
	TMin float64 `json:"tMin"`
	BG   float64 `json:"bg"` // mg/dL, clamped to [20, 600]
}

// ComponentImpact breaks a grid point's movement into its contributing
// terms. The series is parallel to the ForecastPoint series.
type ComponentImpact struct {
	TMin           float64 `json:"tMin"`
	InsulinImpact  float64 `json:"insulinImpact"`
	CarbImpact     float64 `json:"carbImpact"`
	BasalImpact    float64 `json:"basalImpact"`
	MomentumImpact float64 `json:"momentumImpact"`
}

// ForecastQuality reflects momentum and data completeness, independent of
// whether the ML overlay was applied.
type ForecastQuality string

const (
	QualityHigh   ForecastQuality = "high"
	QualityMedium ForecastQuality = "medium"
	QualityLow    ForecastQuality = "low"
)

// ForecastSummary holds statistics derived from the final series.
type ForecastSummary struct {
	MinBG        float64 `json:"minBG"`
	MaxBG        float64 `json:"maxBG"`
	EndBG        float64 `json:"endBG"`
	TimeToMinMin float64 `json:"timeToMinMin"`
	// Interpolated minutes until a threshold crossing; -1 when the series
	// never crosses.
	HighInMinutes float64 `json:"highInMinutes"`
	LowInMinutes  float64 `json:"lowInMinutes"`
}

// MLBand is the quantile confidence band produced by the residual overlay.
// Lower and Upper are parallel to the forecast series and never invert.
type MLBand struct {
	Lower []ForecastPoint `json:"lower"`
	Upper []ForecastPoint `json:"upper"`
}

// ForecastResult is the full output of a forecast call.
type ForecastResult struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	StartBG     float64           `json:"startBG"`
	StepMin     float64           `json:"stepMin"`
	HorizonMin  float64           `json:"horizonMin"`
	Series      []ForecastPoint   `json:"series"`
	Components  []ComponentImpact `json:"components"`
	Summary     ForecastSummary   `json:"summary"`

	IOB IOBEstimate `json:"iob"`
	COB COBEstimate `json:"cob"`

	// Sources reports the outcome of each record origin consulted during
	// reconciliation; empty on scenario-only runs.
	Sources         []SourceStatus `json:"sources,omitempty"`
	SourcesConflict bool           `json:"sourcesConflict,omitempty"`

	// MLPrediction is present only when the residual overlay applied a
	// correction; it then replaces Series as the best estimate.
	MLPrediction []ForecastPoint `json:"mlPrediction,omitempty"`
	MLBand       *MLBand         `json:"mlBand,omitempty"`
	MLApplied    bool            `json:"mlApplied"`
	MLConfidence float64         `json:"mlConfidence,omitempty"`

	NightBiasApplied bool    `json:"nightBiasApplied"`
	NightBiasMgdl    float64 `json:"nightBiasMgdl,omitempty"`
	NightBiasReason  string  `json:"nightBiasReason,omitempty"`

	Warnings []string        `json:"warnings,omitempty"`
	Quality  ForecastQuality `json:"quality"`
}
