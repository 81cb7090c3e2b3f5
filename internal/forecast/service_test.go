package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/glucoforecast/internal/models"
	"github.com/mrcode/glucoforecast/internal/nightbias"
	"github.com/mrcode/glucoforecast/internal/reconcile"
	"github.com/mrcode/glucoforecast/internal/residual"
)

type memStore struct {
	treatments []models.Treatment
	entries    []models.GlucoseEntry
	kv         map[string]string
	kvAt       map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{kv: map[string]string{}, kvAt: map[string]time.Time{}}
}

func (s *memStore) TreatmentsSince(_ context.Context, from time.Time) ([]models.Treatment, error) {
	var out []models.Treatment
	for _, t := range s.treatments {
		if !t.Time().Before(from) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) EntriesSince(_ context.Context, from time.Time) ([]models.GlucoseEntry, error) {
	var out []models.GlucoseEntry
	for _, e := range s.entries {
		if !e.Time().Before(from) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) SaveTreatments(_ context.Context, treatments []models.Treatment) error {
	s.treatments = append(s.treatments, treatments...)
	return nil
}

func (s *memStore) PutJSON(_ context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.kv[key] = string(data)
	s.kvAt[key] = time.Now()
	return nil
}

func (s *memStore) GetJSON(_ context.Context, key string, dst any) (time.Time, error) {
	raw, ok := s.kv[key]
	if !ok {
		return time.Time{}, errors.New("not found")
	}
	return s.kvAt[key], json.Unmarshal([]byte(raw), dst)
}

type failingProvider struct{}

func (failingProvider) GetTreatmentsHours(context.Context, time.Time, int) ([]models.Treatment, error) {
	return nil, context.DeadlineExceeded
}

type memProvider struct {
	treatments []models.Treatment
}

func (p memProvider) GetTreatmentsHours(context.Context, time.Time, int) ([]models.Treatment, error) {
	return p.treatments, nil
}

func steadySamples(value float64) []models.RecentGlucoseSample {
	out := make([]models.RecentGlucoseSample, 6)
	for i := range out {
		out[i] = models.RecentGlucoseSample{MinutesAgo: float64(i * 5), Value: value}
	}
	return out
}

func TestSimulateForecast_ScenarioOnly(t *testing.T) {
	svc := New(nil)
	res, err := svc.SimulateForecast(context.Background(), Request{
		Now:           time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		StartBG:       150,
		Doses:         []models.DoseEvent{{TimeOffsetMin: 0, Units: 2}},
		RecentSamples: steadySamples(150),
		ScenarioOnly:  true,
	})
	require.NoError(t, err)

	assert.Len(t, res.Series, 73, "default grid is 0..360 by 5")
	assert.Equal(t, models.StateOK, res.IOB.Status)
	assert.Equal(t, models.OriginRequest, res.IOB.Origin)
	assert.InDelta(t, 2.0, res.IOB.ValueOrZero(), 0.01, "undelivered dose is fully on board")
	assert.Less(t, res.Summary.EndBG, 150.0, "insulin pulls the trajectory down")
	assert.False(t, res.MLApplied)
	assert.False(t, res.NightBiasApplied)
}

func TestSimulateForecast_RejectsBadInputs(t *testing.T) {
	svc := New(nil)

	_, err := svc.SimulateForecast(context.Background(), Request{StartBG: 1500})
	assert.Error(t, err)

	bad := models.DefaultSimulationParams()
	bad.InsulinSensitivityFactor = -5
	_, err = svc.SimulateForecast(context.Background(), Request{StartBG: 150, Params: bad})
	assert.Error(t, err)
}

func TestSimulateForecast_DegradedSourcesStillForecast(t *testing.T) {
	svc := New(nil, WithSources(reconcile.Sources{Store: newMemStore(), Provider: failingProvider{}}))

	res, err := svc.SimulateForecast(context.Background(), Request{
		Now:           time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		StartBG:       120,
		RecentSamples: steadySamples(120),
	})
	require.NoError(t, err, "a forecast is always returned; degradation is reported, not raised")

	assert.Equal(t, models.StateUnavailable, res.IOB.Status)
	assert.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings, "IOB assumed zero due to unavailable data")
	assert.Contains(t, res.Warnings, "COB assumed zero due to unavailable data")
	assert.Len(t, res.Series, 73)
}

func TestSimulateForecast_SourceDiagnostics(t *testing.T) {
	svc := New(nil, WithSources(reconcile.Sources{Store: newMemStore(), Provider: failingProvider{}}))

	res, err := svc.SimulateForecast(context.Background(), Request{
		Now:           time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		StartBG:       120,
		RecentSamples: steadySamples(120),
	})
	require.NoError(t, err)

	byOrigin := map[models.SourceOrigin]models.SourceStatus{}
	for _, s := range res.Sources {
		byOrigin[s.Origin] = s
	}
	require.Len(t, byOrigin, 2)
	assert.Equal(t, models.StateUnavailable, byOrigin[models.OriginProvider].State)
	assert.NotEmpty(t, byOrigin[models.OriginProvider].Reason)
	assert.Equal(t, models.StateOK, byOrigin[models.OriginStore].State)
	assert.False(t, res.SourcesConflict)
}

func TestSimulateForecast_ScenarioOnlySkipsSourceDiagnostics(t *testing.T) {
	svc := New(nil, WithSources(reconcile.Sources{Store: newMemStore(), Provider: failingProvider{}}))

	res, err := svc.SimulateForecast(context.Background(), Request{
		Now:           time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		StartBG:       120,
		RecentSamples: steadySamples(120),
		ScenarioOnly:  true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Sources, "no sources are consulted on a what-if run")
}

func TestSimulateForecast_NightBiasEndToEnd(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 10, 3, 15, 0, 0, time.UTC)

	cfg := nightbias.DefaultConfig()
	profile := models.NightPatternProfile{
		Buckets:        []models.NightBucket{{StartMinuteOfDay: 180, MedianDelta: -12, SampleCount: 10}},
		BucketWidthMin: cfg.BucketWidthMin,
		HorizonMin:     cfg.HorizonMin,
		ComputedAt:     now.Add(-time.Hour),
	}
	require.NoError(t, store.PutJSON(context.Background(), "nightprofile:default:"+cfg.Fingerprint(), profile))

	svc := New(nil,
		WithNightBias(nightbias.NewProfiles(store, nil), cfg),
		WithLocation(time.UTC))

	res, err := svc.SimulateForecast(context.Background(), Request{
		Now:           now,
		StartBG:       130,
		RecentSamples: steadySamples(130),
		ScenarioOnly:  true,
	})
	require.NoError(t, err)

	require.True(t, res.NightBiasApplied, "skip reason: %s", res.NightBiasReason)
	assert.Equal(t, -12.0, res.NightBiasMgdl)
	assert.InDelta(t, 118, res.Series[1].BG, 0.5, "series shifted uniformly")
	assert.InDelta(t, 118, res.Summary.EndBG, 0.5, "summary recomputed after the shift")
}

func TestSimulateForecast_NightBiasGatedDuringDay(t *testing.T) {
	store := newMemStore()
	svc := New(nil,
		WithNightBias(nightbias.NewProfiles(store, nil), nightbias.DefaultConfig()),
		WithLocation(time.UTC))

	res, err := svc.SimulateForecast(context.Background(), Request{
		Now:           time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		StartBG:       130,
		RecentSamples: steadySamples(130),
		ScenarioOnly:  true,
	})
	require.NoError(t, err)

	assert.False(t, res.NightBiasApplied)
	assert.Equal(t, string(nightbias.SkipOutsideWindow), res.NightBiasReason)
	assert.InDelta(t, 130, res.Series[1].BG, 0.5, "trajectory untouched when gated")
}

// writeTestBundle lays out a minimal residual bundle. Intercept-only
// models make the expected shift obvious.
func writeTestBundle(t *testing.T, passing bool) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name string, v any) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}

	horizons := []int{30, 60}
	write("metadata.json", residual.Metadata{
		Horizons: horizons, Features: []string{"bg"},
		MAEMargin: 0.05, RMSEMargin: 0.05, BiasThreshold: 5,
	})
	modelMAE := 7.0
	if !passing {
		modelMAE = 12.0
	}
	metrics := map[string]residual.HorizonMetrics{}
	for _, h := range horizons {
		metrics[fmt.Sprintf("%d", h)] = residual.HorizonMetrics{
			ModelMAE: modelMAE, ModelRMSE: 9, BaselineMAE: 10, BaselineRMSE: 12, Bias: 0.5,
		}
	}
	write("metrics.json", map[string]any{"horizons": metrics})

	for _, h := range horizons {
		for q, icpt := range map[int]float64{10: -4, 50: 6, 90: 14} {
			write(fmt.Sprintf("model_%dm_q%d.json", h, q), residual.Model{
				Features: []string{"bg"}, Weights: []float64{0}, Intercept: icpt,
			})
		}
	}
	return dir
}

func TestSimulateForecast_ResidualOverlayApplied(t *testing.T) {
	holder := residual.NewHolder(nil)
	require.NoError(t, holder.Load(writeTestBundle(t, true)))

	svc := New(nil, WithResidualModels(holder), WithLocation(time.UTC))
	res, err := svc.SimulateForecast(context.Background(), Request{
		Now:            time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		StartBG:        140,
		TrendDirection: "Flat",
		RecentSamples:  steadySamples(140),
		ScenarioOnly:   true,
	})
	require.NoError(t, err)

	require.True(t, res.MLApplied)
	require.NotNil(t, res.MLBand)
	assert.Greater(t, res.MLConfidence, 0.0)
	require.Len(t, res.MLPrediction, len(res.Series))
	assert.InDelta(t, res.Series[6].BG+6, res.MLPrediction[6].BG, 1e-9, "median residual at the 30-minute knot")
	assert.Equal(t, res.Series[0].BG, res.MLPrediction[0].BG, "no correction at t=0")
}

func TestSimulateForecast_ResidualPassthroughWhenNotReady(t *testing.T) {
	holder := residual.NewHolder(nil)
	require.NoError(t, holder.Load(writeTestBundle(t, false)))

	svc := New(nil, WithResidualModels(holder), WithLocation(time.UTC))
	res, err := svc.SimulateForecast(context.Background(), Request{
		Now:            time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		StartBG:        140,
		TrendDirection: "Flat",
		RecentSamples:  steadySamples(140),
		ScenarioOnly:   true,
	})
	require.NoError(t, err)

	assert.False(t, res.MLApplied)
	assert.Nil(t, res.MLPrediction)
	assert.Nil(t, res.MLBand)
}

func TestSimulateForecast_ResidualPassthroughWithoutTrend(t *testing.T) {
	holder := residual.NewHolder(nil)
	require.NoError(t, holder.Load(writeTestBundle(t, true)))

	svc := New(nil, WithResidualModels(holder), WithLocation(time.UTC))
	res, err := svc.SimulateForecast(context.Background(), Request{
		Now:           time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		StartBG:       140,
		RecentSamples: steadySamples(140),
		ScenarioOnly:  true,
	})
	require.NoError(t, err)
	assert.False(t, res.MLApplied, "missing trend arrow is a missing required feature")
}

// writeConsistencyBundle weights the median model entirely on the
// source-consistency feature, so conflicting origins shift the corrected
// trajectory and agreeing origins leave it untouched.
func writeConsistencyBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name string, v any) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}

	horizons := []int{30, 60}
	write("metadata.json", residual.Metadata{
		Horizons: horizons, Features: []string{"sources_consistent"},
		MAEMargin: 0.05, RMSEMargin: 0.05, BiasThreshold: 5,
	})
	metrics := map[string]residual.HorizonMetrics{}
	for _, h := range horizons {
		metrics[fmt.Sprintf("%d", h)] = residual.HorizonMetrics{
			ModelMAE: 7, ModelRMSE: 9, BaselineMAE: 10, BaselineRMSE: 12, Bias: 0.5,
		}
	}
	write("metrics.json", map[string]any{"horizons": metrics})

	for _, h := range horizons {
		write(fmt.Sprintf("model_%dm_q50.json", h), residual.Model{
			Features: []string{"sources_consistent"}, Weights: []float64{-8}, Intercept: 8,
		})
		write(fmt.Sprintf("model_%dm_q10.json", h), residual.Model{
			Features: []string{"sources_consistent"}, Weights: []float64{0}, Intercept: -4,
		})
		write(fmt.Sprintf("model_%dm_q90.json", h), residual.Model{
			Features: []string{"sources_consistent"}, Weights: []float64{0}, Intercept: 14,
		})
	}
	return dir
}

func TestSimulateForecast_SourceConflictReachesOverlay(t *testing.T) {
	holder := residual.NewHolder(nil)
	require.NoError(t, holder.Load(writeConsistencyBundle(t)))
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	request := Request{
		Now:            now,
		StartBG:        140,
		TrendDirection: "Flat",
		RecentSamples:  steadySamples(140),
	}

	// Provider and store disagree about the same bolus.
	conflicted := newMemStore()
	conflicted.treatments = []models.Treatment{
		{ID: "l1", EventType: "Meal Bolus", Date: now.Add(-28 * time.Minute).UnixMilli(), Insulin: 3},
	}
	provider := memProvider{treatments: []models.Treatment{
		{ID: "p1", EventType: "Meal Bolus", Date: now.Add(-30 * time.Minute).UnixMilli(), Insulin: 5},
	}}
	svc := New(nil, WithResidualModels(holder), WithLocation(time.UTC),
		WithSources(reconcile.Sources{Store: conflicted, Provider: provider}))

	res, err := svc.SimulateForecast(context.Background(), request)
	require.NoError(t, err)
	require.True(t, res.SourcesConflict)
	require.True(t, res.MLApplied)
	assert.InDelta(t, res.Series[6].BG+8, res.MLPrediction[6].BG, 1e-9,
		"conflicting origins zero the consistency feature, leaving the full intercept")

	// Same setup with agreeing records: the consistency feature cancels
	// the intercept and the correction vanishes.
	agreeing := newMemStore()
	agreeing.treatments = []models.Treatment{
		{ID: "l1", EventType: "Meal Bolus", Date: now.Add(-28 * time.Minute).UnixMilli(), Insulin: 5},
	}
	svc = New(nil, WithResidualModels(holder), WithLocation(time.UTC),
		WithSources(reconcile.Sources{Store: agreeing, Provider: provider}))

	res, err = svc.SimulateForecast(context.Background(), request)
	require.NoError(t, err)
	require.False(t, res.SourcesConflict)
	require.True(t, res.MLApplied)
	assert.InDelta(t, res.Series[6].BG, res.MLPrediction[6].BG, 1e-9)
}

func TestEstimateOnBoard_DelegatesWithSources(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.treatments = []models.Treatment{
		{ID: "b1", EventType: "Meal Bolus", Date: now.Add(-20 * time.Minute).UnixMilli(), Insulin: 3},
	}
	svc := New(nil, WithSources(reconcile.Sources{Store: store, Provider: failingProvider{}}))

	iob, _, err := svc.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(), reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.StatePartial, iob.Status)
	assert.Greater(t, iob.ValueOrZero(), 2.5)
}
