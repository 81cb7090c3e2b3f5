package models

import "time"

// Treatment is a timestamped treatment record as returned by the history
// provider (insulin doses, carb intakes, hypo treatments, temp basals).
type Treatment struct {
	ID        string  `json:"_id"`
	EventType string  `json:"eventType"`
	Date      int64   `json:"date"` // Unix timestamp in milliseconds
	CreatedAt string  `json:"created_at"`
	Insulin   float64 `json:"insulin"`  // units
	Carbs     float64 `json:"carbs"`    // grams
	Protein   float64 `json:"protein"`  // grams
	Fat       float64 `json:"fat"`      // grams
	Fiber     float64 `json:"fiber"`    // grams
	Duration  float64 `json:"duration"` // minutes, for extended boluses and temp basals
	Notes     string  `json:"notes"`
	EnteredBy string  `json:"enteredBy"`
}

// Time returns the time of the treatment, falling back to created_at when
// the millisecond timestamp is absent.
func (t *Treatment) Time() time.Time {
	if t.Date > 0 {
		return time.UnixMilli(t.Date)
	}
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// HasInsulin returns true if this treatment includes insulin.
func (t *Treatment) HasInsulin() bool {
	return t.Insulin > 0
}

// HasCarbs returns true if this treatment includes carbohydrates.
func (t *Treatment) HasCarbs() bool {
	return t.Carbs > 0
}

// IsBolus returns true if this is a bolus treatment rather than a basal
// rate change.
func (t *Treatment) IsBolus() bool {
	bolusTypes := map[string]bool{
		"Bolus":            true,
		"Snack Bolus":      true,
		"Meal Bolus":       true,
		"Correction Bolus": true,
		"Combo Bolus":      true,
		"Bolus Wizard":     true,
	}
	return bolusTypes[t.EventType] || (t.HasInsulin() && t.EventType != "Temp Basal")
}

// IsBasal returns true if this records a long-acting or temp basal dose.
func (t *Treatment) IsBasal() bool {
	switch t.EventType {
	case "Temp Basal", "Basal", "Basal Insulin":
		return true
	}
	return false
}

// IsHypoTreatment returns true for fast-carb rescue events, which the
// night-bias learner must treat as interference.
func (t *Treatment) IsHypoTreatment() bool {
	if t.EventType == "Carb Correction" && t.Carbs > 0 && t.Carbs <= 25 && !t.HasInsulin() {
		return true
	}
	return t.EventType == "Hypo Treatment"
}

// ToDoseEvent converts the treatment into a simulation dose event relative
// to now. Returns false when the treatment carries no bolus insulin.
func (t *Treatment) ToDoseEvent(now time.Time) (DoseEvent, bool) {
	if !t.HasInsulin() || !t.IsBolus() {
		return DoseEvent{}, false
	}
	return DoseEvent{
		TimeOffsetMin: -now.Sub(t.Time()).Minutes(),
		Units:         t.Insulin,
		DurationMin:   t.Duration,
	}, true
}

// ToCarbEvent converts the treatment into a simulation carb event relative
// to now. Returns false when the treatment carries no carbs.
func (t *Treatment) ToCarbEvent(now time.Time) (CarbEvent, bool) {
	if !t.HasCarbs() {
		return CarbEvent{}, false
	}
	return CarbEvent{
		TimeOffsetMin: -now.Sub(t.Time()).Minutes(),
		Grams:         t.Carbs,
		FatG:          t.Fat,
		ProteinG:      t.Protein,
		FiberG:        t.Fiber,
	}, true
}
