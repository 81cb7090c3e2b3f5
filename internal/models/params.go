package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// SimulationParams holds the per-call physiological parameters. It is
// validated once at the start of a forecast and treated as immutable
// afterwards.
type SimulationParams struct {
	// ISF: mg/dL glucose drop per unit of insulin.
	InsulinSensitivityFactor float64 `json:"insulinSensitivityFactor" validate:"gt=0,lte=500"`
	// ICR: grams of carbohydrate covered per unit of insulin.
	InsulinToCarbRatio float64 `json:"insulinToCarbRatio" validate:"gt=0,lte=150"`
	// DIA in minutes.
	InsulinActionDurationMin float64   `json:"insulinActionDurationMin" validate:"gte=120,lte=600"`
	CarbAbsorptionMinutes    float64   `json:"carbAbsorptionMinutes" validate:"gte=30,lte=480"`
	InsulinPeakMin           float64   `json:"insulinPeakMin" validate:"gt=0,lte=180"`
	InsulinCurveKind         CurveKind `json:"insulinCurveKind" validate:"required"`
	// CarbShape selects the absorption model; empty means biexponential.
	CarbShape       CarbShape `json:"carbShape,omitempty"`
	DailyBasalUnits float64   `json:"dailyBasalUnits" validate:"gte=0,lte=200"`
	TargetBG        float64   `json:"targetBG" validate:"gte=70,lte=200"`
}

// DefaultSimulationParams returns conservative defaults matching a typical
// rapid-acting insulin profile.
func DefaultSimulationParams() SimulationParams {
	return SimulationParams{
		InsulinSensitivityFactor: 50,
		InsulinToCarbRatio:       10,
		InsulinActionDurationMin: 300,
		CarbAbsorptionMinutes:    180,
		InsulinPeakMin:           75,
		InsulinCurveKind:         CurveExponential,
		CarbShape:                CarbBiexponential,
		DailyBasalUnits:          0,
		TargetBG:                 110,
	}
}

var validate = validator.New()

// Validate checks the parameter ranges and the curve kind enumeration.
func (p SimulationParams) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("simulation params: %w", err)
	}
	if !p.InsulinCurveKind.Valid() {
		return fmt.Errorf("simulation params: unknown curve kind %q", p.InsulinCurveKind)
	}
	if p.InsulinPeakMin >= p.InsulinActionDurationMin {
		return fmt.Errorf("simulation params: peak %.0f must be before action duration %.0f",
			p.InsulinPeakMin, p.InsulinActionDurationMin)
	}
	return nil
}

// EffectiveCarbShape resolves the absorption model, defaulting to the
// biexponential shape when unset.
func (p SimulationParams) EffectiveCarbShape() CarbShape {
	if p.CarbShape == CarbLinear {
		return CarbLinear
	}
	return CarbBiexponential
}
