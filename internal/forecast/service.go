// Package forecast wires the reconciler, physics engine, night-bias
// learner and residual overlay into the simulate_forecast entry point.
package forecast

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/glucoforecast/internal/curves"
	"github.com/mrcode/glucoforecast/internal/models"
	"github.com/mrcode/glucoforecast/internal/momentum"
	"github.com/mrcode/glucoforecast/internal/nightbias"
	"github.com/mrcode/glucoforecast/internal/reconcile"
	"github.com/mrcode/glucoforecast/internal/residual"
	"github.com/mrcode/glucoforecast/internal/simulate"
)

// Request describes one forecast call. Events supplied inline are always
// included; sources add reconciled history on top unless ScenarioOnly.
type Request struct {
	Now     time.Time
	StartBG float64
	Params  models.SimulationParams
	User    string

	Doses           []models.DoseEvent
	Carbs           []models.CarbEvent
	BasalInjections []models.BasalInjection
	RecentSamples   []models.RecentGlucoseSample
	// TrendDirection is the CGM arrow, e.g. "Flat"; feeds the ML feature
	// vector only.
	TrendDirection string
	// GlucoseAgeMin is the age of StartBG's reading.
	GlucoseAgeMin float64

	StepMin         float64
	HorizonMin      float64
	HighThresholdBG float64
	LowThresholdBG  float64

	// ScenarioOnly skips source reconciliation: only inline events run.
	// Used for what-if simulations.
	ScenarioOnly bool
}

// Service orchestrates a forecast end to end. All collaborators are
// optional except the reconciler; a nil holder or profile provider simply
// disables that layer.
type Service struct {
	reconciler *reconcile.Reconciler
	sources    reconcile.Sources
	profiles   *nightbias.Profiles
	biasConfig nightbias.Config
	bundles    *residual.Holder
	loc        *time.Location
	logger     *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSources attaches the record sources consulted on non-scenario runs.
func WithSources(s reconcile.Sources) Option {
	return func(svc *Service) { svc.sources = s }
}

// WithNightBias attaches the learned overnight correction.
func WithNightBias(p *nightbias.Profiles, cfg nightbias.Config) Option {
	return func(svc *Service) {
		svc.profiles = p
		svc.biasConfig = cfg
	}
}

// WithResidualModels attaches the quantile residual bundle holder.
func WithResidualModels(h *residual.Holder) Option {
	return func(svc *Service) { svc.bundles = h }
}

// WithLocation sets the timezone used for time-of-day logic.
func WithLocation(loc *time.Location) Option {
	return func(svc *Service) { svc.loc = loc }
}

// New creates a forecast service.
func New(logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		reconciler: reconcile.New(logger),
		biasConfig: nightbias.DefaultConfig(),
		loc:        time.Local,
		logger:     logger,
	}
	for _, o := range opts {
		o(svc)
	}
	return svc
}

// EstimateOnBoard exposes the reconciler's entry point with the service's
// configured sources.
func (s *Service) EstimateOnBoard(ctx context.Context, now time.Time, params models.SimulationParams, opts reconcile.Options) (models.IOBEstimate, models.COBEstimate, error) {
	return s.reconciler.EstimateOnBoard(ctx, now, params, s.sources, opts)
}

// SimulateForecast runs the full pipeline: reconcile, simulate, night
// bias, residual overlay. A forecast is always returned when the inputs
// validate; degradation shows up in quality and warnings, not errors.
func (s *Service) SimulateForecast(ctx context.Context, req Request) (*models.ForecastResult, error) {
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	if req.Params == (models.SimulationParams{}) {
		req.Params = models.DefaultSimulationParams()
	}
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	if req.StartBG < 10 || req.StartBG > 1000 {
		return nil, fmt.Errorf("forecast: start glucose %.0f out of range", req.StartBG)
	}

	doses := append([]models.DoseEvent(nil), req.Doses...)
	carbs := append([]models.CarbEvent(nil), req.Carbs...)

	iob := models.IOBEstimate{Status: models.StateOK, Origin: models.OriginRequest}
	cob := models.COBEstimate{Status: models.StateOK, Origin: models.OriginRequest, Model: models.COBModelBiexponential}
	var warnings []string
	var sourceStatuses []models.SourceStatus
	var sourcesConflict bool

	if !req.ScenarioOnly && (s.sources.Store != nil || s.sources.Provider != nil) {
		// Forecasts always complete: degraded sources fall back to zero
		// on-board and surface through warnings, unlike the dosing path
		// where EstimateOnBoard enforces the acknowledgement gate.
		opts := reconcile.Options{
			FallbackToZero: true,
			CacheKey:       cacheKey(req.User),
		}
		rv, err := s.reconciler.ResolveEvents(ctx, req.Now, req.Params, s.sources, opts)
		if err != nil {
			return nil, err
		}
		doses = append(doses, rv.Doses...)
		carbs = append(carbs, rv.Carbs...)
		iob, cob = rv.IOB, rv.COB
		sourceStatuses, sourcesConflict = rv.Sources, rv.SourcesConflict
		if iob.Status.WorseThan(models.StateOK) {
			warnings = append(warnings, "on-board data degraded: "+string(iob.Status))
		}
		warnings = append(warnings, iob.Assumptions...)
		for _, a := range cob.Assumptions {
			if !slices.Contains(iob.Assumptions, a) {
				warnings = append(warnings, a)
			}
		}
	} else {
		iobVal, cobVal := onBoardFromEvents(doses, carbs, req.Params)
		iob.Value = &iobVal
		cob.Value = &cobVal
	}

	out := simulate.Run(simulate.Input{
		StartBG:         req.StartBG,
		Params:          req.Params,
		Doses:           doses,
		Carbs:           carbs,
		BasalInjections: req.BasalInjections,
		RecentSamples:   req.RecentSamples,
		StepMin:         req.StepMin,
		HorizonMin:      req.HorizonMin,
		HighThresholdBG: req.HighThresholdBG,
		LowThresholdBG:  req.LowThresholdBG,
	})
	warnings = append(warnings, out.Warnings...)

	result := &models.ForecastResult{
		GeneratedAt:     req.Now,
		StartBG:         req.StartBG,
		StepMin:         gridStep(req.StepMin),
		HorizonMin:      gridHorizon(req.HorizonMin),
		Series:          out.Series,
		Components:      out.Components,
		Summary:         out.Summary,
		IOB:             iob,
		COB:             cob,
		Sources:         sourceStatuses,
		SourcesConflict: sourcesConflict,
		Quality:         out.Quality,
	}

	s.applyNightBias(ctx, req, result, out, doses, carbs)
	s.applyResidual(req, result, doses, carbs)

	result.Warnings = append(warnings, nightBiasWarning(result)...)
	return result, nil
}

// applyNightBias evaluates the gating ladder and shifts the series when
// the correction applies.
func (s *Service) applyNightBias(ctx context.Context, req Request, result *models.ForecastResult, out simulate.Output, doses []models.DoseEvent, carbs []models.CarbEvent) {
	if s.profiles == nil {
		return
	}

	slowDigestion := false
	for _, c := range carbs {
		if c.SlowDigestion() {
			slowDigestion = true
			break
		}
	}

	in := nightbias.ApplyInput{
		Now:                   req.Now,
		Loc:                   s.loc,
		IOBUnits:              result.IOB.ValueOrZero(),
		COBGrams:              result.COB.ValueOrZero(),
		SlopeAvailable:        slopeAvailable(out.Warnings),
		SlopeMgdlPerMin:       out.Slope,
		MinutesSinceLastBolus: minutesSinceLastDose(doses),
		MinutesSinceLastMeal:  minutesSinceLastCarb(carbs),
		SlowDigestion:         slowDigestion,
	}

	profile := s.profiles.For(ctx, req.Now, req.User, s.biasConfig, s.loc)
	correction, reason := nightbias.Correction(profile, s.biasConfig, in)
	if reason != "" {
		result.NightBiasReason = string(reason)
		return
	}

	nightbias.Apply(result.Series, correction)
	result.NightBiasApplied = true
	result.NightBiasMgdl = correction
	result.Summary = simulate.Summarize(result.Series, highThreshold(req), lowThreshold(req))
}

// applyResidual runs the ML overlay on top of whatever the night bias
// produced. Passthrough is exact when readiness or features fail.
func (s *Service) applyResidual(req Request, result *models.ForecastResult, doses []models.DoseEvent, carbs []models.CarbEvent) {
	if s.bundles == nil {
		return
	}
	bundle := s.bundles.Current()
	if bundle == nil {
		return
	}
	result.MLConfidence = bundle.Confidence()

	trend, trendOK := residual.TrendCategory(req.TrendDirection)
	in := residual.FeatureInput{
		Now:       req.Now.In(s.loc),
		CurrentBG: &req.StartBG,
		BGAgeMin:  req.GlucoseAgeMin,
		IOB:       result.IOB,
		COB:       result.COB,
	}
	if trendOK {
		in.TrendCat = &trend
	}
	in.InsulinUnits3h, in.InsulinUnits6h = doseTotals(doses)
	in.CarbGrams3h, in.CarbGrams6h = carbTotals(carbs)
	in.BasalUnits24h, in.BasalUnits48h = basalTotals(req.BasalInjections)
	in.SourceCount = sourceCount(s.sources, req)
	in.SourcesConflict = result.SourcesConflict

	features, ok := residual.BuildFeatures(in, bundle.Horizons(), result.Series)
	if !ok {
		return
	}

	res := residual.Apply(bundle, features, result.Series)
	if !res.Applied {
		return
	}
	result.MLPrediction = res.Series
	result.MLBand = res.Band
	result.MLApplied = true
	result.MLConfidence = res.Confidence
}

func nightBiasWarning(result *models.ForecastResult) []string {
	if result.NightBiasApplied {
		return []string{fmt.Sprintf("night bias applied: %+.1f mg/dL", result.NightBiasMgdl)}
	}
	return nil
}

// onBoardFromEvents computes IOB/COB for scenario runs directly from the
// inline event lists.
func onBoardFromEvents(doses []models.DoseEvent, carbs []models.CarbEvent, params models.SimulationParams) (float64, float64) {
	var iob, cob float64
	for _, d := range doses {
		since := -d.TimeOffsetMin
		if since < 0 {
			since = 0
		}
		iob += d.Units * curves.DoseRemainingFraction(since, d.DurationMin,
			params.InsulinActionDurationMin, params.InsulinPeakMin, params.InsulinCurveKind)
	}
	for _, c := range carbs {
		since := -c.TimeOffsetMin
		if since < 0 {
			since = 0
		}
		absorption := c.AbsorptionMinutes
		if absorption <= 0 {
			absorption = params.CarbAbsorptionMinutes
		}
		cob += c.Grams * curves.CarbRemainingFraction(since, absorption, params.EffectiveCarbShape())
	}
	return math.Max(iob, 0), math.Max(cob, 0)
}

func minutesSinceLastDose(doses []models.DoseEvent) float64 {
	latest := math.Inf(1)
	for _, d := range doses {
		if d.Units <= 0 || d.TimeOffsetMin > 0 {
			continue
		}
		if age := -d.TimeOffsetMin; age < latest {
			latest = age
		}
	}
	return latest
}

func minutesSinceLastCarb(carbs []models.CarbEvent) float64 {
	latest := math.Inf(1)
	for _, c := range carbs {
		if c.Grams <= 0 || c.TimeOffsetMin > 0 {
			continue
		}
		if age := -c.TimeOffsetMin; age < latest {
			latest = age
		}
	}
	return latest
}

func doseTotals(doses []models.DoseEvent) (units3h, units6h float64) {
	for _, d := range doses {
		age := -d.TimeOffsetMin
		if age < 0 || d.Units <= 0 {
			continue
		}
		if age <= 180 {
			units3h += d.Units
		}
		if age <= 360 {
			units6h += d.Units
		}
	}
	return units3h, units6h
}

func carbTotals(carbs []models.CarbEvent) (grams3h, grams6h float64) {
	for _, c := range carbs {
		age := -c.TimeOffsetMin
		if age < 0 || c.Grams <= 0 {
			continue
		}
		if age <= 180 {
			grams3h += c.Grams
		}
		if age <= 360 {
			grams6h += c.Grams
		}
	}
	return grams3h, grams6h
}

func basalTotals(injections []models.BasalInjection) (units24h, units48h float64) {
	for _, b := range injections {
		age := -b.TimeOffsetMin
		if age < 0 || b.Units <= 0 {
			continue
		}
		if age <= 24*60 {
			units24h += b.Units
		}
		if age <= 48*60 {
			units48h += b.Units
		}
	}
	return units24h, units48h
}

// slopeAvailable reports whether the momentum estimator produced a usable
// slope. A limited slope is still a slope; gaps and missing data are not.
func slopeAvailable(warnings []string) bool {
	for _, w := range warnings {
		if w == momentum.WarnGapDetected || w == momentum.WarnInsufficientData {
			return false
		}
	}
	return true
}

func sourceCount(s reconcile.Sources, req Request) int {
	n := 0
	if !req.ScenarioOnly {
		if s.Store != nil {
			n++
		}
		if s.Provider != nil {
			n++
		}
	}
	if len(req.Doses) > 0 || len(req.Carbs) > 0 {
		n++
	}
	return n
}

func cacheKey(user string) string {
	if user == "" {
		user = "default"
	}
	return "onboard:" + user
}

func gridStep(step float64) float64 {
	if step <= 0 {
		return simulate.DefaultStepMin
	}
	return step
}

func gridHorizon(h float64) float64 {
	if h <= 0 {
		return simulate.DefaultHorizonMin
	}
	return h
}

func highThreshold(req Request) float64 {
	if req.HighThresholdBG > 0 {
		return req.HighThresholdBG
	}
	return 180
}

func lowThreshold(req Request) float64 {
	if req.LowThresholdBG > 0 {
		return req.LowThresholdBG
	}
	return 70
}
