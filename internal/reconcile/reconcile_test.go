package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/glucoforecast/internal/models"
)

type fakeProvider struct {
	treatments []models.Treatment
	err        error
}

func (p *fakeProvider) GetTreatmentsHours(_ context.Context, _ time.Time, _ int) ([]models.Treatment, error) {
	return p.treatments, p.err
}

type fakeStore struct {
	treatments []models.Treatment
	fetchErr   error
	kv         map[string]string
	kvAt       map[string]time.Time
	saved      []models.Treatment
}

func newFakeStore() *fakeStore {
	return &fakeStore{kv: map[string]string{}, kvAt: map[string]time.Time{}}
}

func (s *fakeStore) TreatmentsSince(_ context.Context, from time.Time) ([]models.Treatment, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []models.Treatment
	for _, t := range s.treatments {
		if !t.Time().Before(from) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveTreatments(_ context.Context, treatments []models.Treatment) error {
	s.saved = append(s.saved, treatments...)
	return nil
}

func (s *fakeStore) PutJSON(_ context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.kv[key] = string(data)
	s.kvAt[key] = time.Now()
	return nil
}

func (s *fakeStore) GetJSON(_ context.Context, key string, dst any) (time.Time, error) {
	raw, ok := s.kv[key]
	if !ok {
		return time.Time{}, errors.New("not found")
	}
	return s.kvAt[key], json.Unmarshal([]byte(raw), dst)
}

func bolus(id string, at time.Time, units float64) models.Treatment {
	return models.Treatment{ID: id, EventType: "Meal Bolus", Date: at.UnixMilli(), Insulin: units}
}

func TestEstimateOnBoard_ProviderOK(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{treatments: []models.Treatment{bolus("p1", now.Add(-30*time.Minute), 4)}}
	store := newFakeStore()

	r := New(nil)
	iob, cob, err := r.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: store, Provider: provider}, Options{})
	require.NoError(t, err)

	assert.Equal(t, models.StateOK, iob.Status)
	assert.Equal(t, models.OriginProvider, iob.Origin)
	require.NotNil(t, iob.Value)
	assert.Greater(t, *iob.Value, 2.0, "most of a 30-minute-old bolus is still on board")
	assert.Less(t, *iob.Value, 4.0)
	assert.Empty(t, iob.Assumptions)

	assert.Equal(t, models.StateOK, cob.Status)
	assert.Equal(t, 0.0, cob.ValueOrZero(), "no active carbs is a valid zero, not an error")

	assert.NotEmpty(t, store.saved, "provider records persisted locally")
	assert.Contains(t, store.kv, "onboard:default", "last-known value cached")
}

func TestEstimateOnBoard_ProviderFailsWithRecentLocalRecord(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{err: context.DeadlineExceeded}
	store := newFakeStore()
	store.treatments = []models.Treatment{bolus("l1", now.Add(-10*time.Minute), 3)}

	r := New(nil)
	iob, _, err := r.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: store, Provider: provider}, Options{})
	require.NoError(t, err)

	assert.Equal(t, models.StatePartial, iob.Status)
	assert.Equal(t, models.OriginStore, iob.Origin)
	require.NotNil(t, iob.Value, "local record's derived value is trusted")
	assert.Greater(t, *iob.Value, 2.5)
	assert.Empty(t, iob.Assumptions, "no substitution happened, so no assumptions")
}

func TestEstimateOnBoard_ProviderFailsNoLocalData(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{err: context.DeadlineExceeded}
	store := newFakeStore()

	r := New(nil)
	iob, cob, err := r.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: store, Provider: provider}, Options{})
	require.NoError(t, err)

	assert.Equal(t, models.StateUnavailable, iob.Status)
	assert.Nil(t, iob.Value)
	assert.Equal(t, models.StateUnavailable, cob.Status)
}

func TestEstimateOnBoard_FallbackToZeroRecordsAssumption(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{err: context.DeadlineExceeded}

	r := New(nil)
	iob, cob, err := r.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: newFakeStore(), Provider: provider}, Options{FallbackToZero: true})
	require.NoError(t, err)

	require.NotNil(t, iob.Value)
	assert.Equal(t, 0.0, *iob.Value)
	assert.NotEmpty(t, iob.Assumptions)
	assert.Contains(t, iob.Assumptions[0], "assumed zero")
	assert.NotEmpty(t, cob.Assumptions)
}

func TestEstimateOnBoard_StaleFromCache(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	require.NoError(t, store.PutJSON(context.Background(), "onboard:default",
		cachedOnBoard{IOB: 1.7, COB: 12, ComputedAt: now.Add(-time.Hour)}))

	provider := &fakeProvider{err: errors.New("connection refused")}
	r := New(nil)
	iob, cob, err := r.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: store, Provider: provider}, Options{})
	require.NoError(t, err)

	assert.Equal(t, models.StateStale, iob.Status)
	assert.Equal(t, models.OriginCache, iob.Origin)
	assert.Nil(t, iob.Value, "stale state reports last-known, never fabricates a current value")
	require.NotNil(t, iob.LastKnown)
	assert.Equal(t, 1.7, *iob.LastKnown)
	require.NotNil(t, cob.LastKnown)
	assert.Equal(t, 12.0, *cob.LastKnown)
}

func TestEstimateOnBoard_AcknowledgementGate(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{err: context.DeadlineExceeded}
	sources := Sources{Store: newFakeStore(), Provider: provider}

	r := New(nil)
	iob, _, err := r.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(),
		sources, Options{RequireAcknowledgement: true})
	assert.ErrorIs(t, err, ErrAcknowledgementRequired)
	assert.Equal(t, models.StateUnavailable, iob.Status, "estimate still returned alongside the gate error")

	_, _, err = r.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(),
		sources, Options{RequireAcknowledgement: true, AcknowledgedDegraded: true})
	assert.NoError(t, err)
}

func TestEstimateOnBoard_RequestPayloadCountsAsLocal(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{err: context.DeadlineExceeded}

	r := New(nil)
	iob, _, err := r.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: newFakeStore(), Provider: provider, Request: []models.Treatment{bolus("", now.Add(-5*time.Minute), 2)}},
		Options{})
	require.NoError(t, err)

	assert.Equal(t, models.StatePartial, iob.Status)
	assert.Equal(t, models.OriginRequest, iob.Origin)
	assert.Greater(t, iob.ValueOrZero(), 1.8)
}

func TestDeduplicate_IdenticalDoses58MinutesApart(t *testing.T) {
	now := time.Now()
	a := bolus("a", now.Add(-2*time.Hour), 4.0)
	b := bolus("b", now.Add(-2*time.Hour).Add(58*time.Minute), 4.0)

	got := Deduplicate([]models.Treatment{a, b})
	assert.Len(t, got, 1, "58 minutes is within 5 minutes of an exact 1-hour offset")
}

func TestDeduplicate_DistinctDosesKept(t *testing.T) {
	now := time.Now()
	a := bolus("a", now.Add(-3*time.Hour), 4.0)
	b := bolus("b", now.Add(-30*time.Minute), 4.0)
	c := bolus("c", now.Add(-25*time.Minute), 1.5)

	got := Deduplicate([]models.Treatment{a, b, c})
	assert.Len(t, got, 3, "different times and different magnitudes are separate events")
}

func TestDeduplicate_RicherRecordWins(t *testing.T) {
	now := time.Now()
	lean := models.Treatment{ID: "lean", Date: now.Add(-20 * time.Minute).UnixMilli(), Carbs: 45}
	rich := models.Treatment{ID: "rich", Date: now.Add(-22 * time.Minute).UnixMilli(),
		EventType: "Meal Bolus", Carbs: 45.4, Fat: 20, Protein: 10, Notes: "pizza"}

	got := Deduplicate([]models.Treatment{lean, rich})
	require.Len(t, got, 1)
	assert.Equal(t, "rich", got[0].ID)
}

func TestDeduplicate_CarbToleranceBoundary(t *testing.T) {
	now := time.Now()
	a := models.Treatment{ID: "a", Date: now.Add(-10 * time.Minute).UnixMilli(), Carbs: 45}
	b := models.Treatment{ID: "b", Date: now.Add(-12 * time.Minute).UnixMilli(), Carbs: 46.5}

	got := Deduplicate([]models.Treatment{a, b})
	assert.Len(t, got, 2, "1.5 g apart exceeds the carb tolerance")
}

func TestDeduplicate_LeavesInputUnchanged(t *testing.T) {
	now := time.Now()
	in := []models.Treatment{
		bolus("newest", now.Add(-5*time.Minute), 1),
		bolus("oldest", now.Add(-3*time.Hour), 4),
		bolus("middle", now.Add(-1*time.Hour), 2),
	}

	_ = Deduplicate(in)

	assert.Equal(t, "newest", in[0].ID)
	assert.Equal(t, "oldest", in[1].ID)
	assert.Equal(t, "middle", in[2].ID)
}

func TestResolveEvents_SplitsDosesAndCarbs(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{treatments: []models.Treatment{
		{ID: "m1", EventType: "Meal Bolus", Date: now.Add(-45 * time.Minute).UnixMilli(), Insulin: 5, Carbs: 60},
		{ID: "c1", EventType: "Correction Bolus", Date: now.Add(-15 * time.Minute).UnixMilli(), Insulin: 1},
	}}

	r := New(nil)
	rv, err := r.ResolveEvents(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: newFakeStore(), Provider: provider}, Options{})
	require.NoError(t, err)

	require.Len(t, rv.Doses, 2)
	require.Len(t, rv.Carbs, 1)
	assert.Equal(t, models.StateOK, rv.IOB.Status)
	assert.Less(t, rv.Doses[0].TimeOffsetMin, 0.0, "past events land before the simulation clock")
	assert.Equal(t, 60.0, rv.Carbs[0].Grams)
}

func TestResolveEvents_ConflictingSourcesFlagged(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{treatments: []models.Treatment{bolus("p1", now.Add(-30*time.Minute), 5)}}
	store := newFakeStore()
	store.treatments = []models.Treatment{bolus("l1", now.Add(-28*time.Minute), 3)}

	r := New(nil)
	rv, err := r.ResolveEvents(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: store, Provider: provider}, Options{})
	require.NoError(t, err)

	assert.True(t, rv.SourcesConflict, "5U and 3U two minutes apart describe the same moment differently")
	assert.Equal(t, models.StateOK, rv.IOB.Status, "a conflict degrades trust, not availability")
	require.NotEmpty(t, rv.IOB.Assumptions)
	assert.Contains(t, rv.IOB.Assumptions[0], "conflicting treatment records")
	assert.Contains(t, rv.COB.Assumptions, rv.IOB.Assumptions[0])
}

func TestResolveEvents_AgreeingSourcesDoNotConflict(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{treatments: []models.Treatment{bolus("p1", now.Add(-30*time.Minute), 5)}}
	store := newFakeStore()
	store.treatments = []models.Treatment{bolus("l1", now.Add(-28*time.Minute), 5)}

	r := New(nil)
	rv, err := r.ResolveEvents(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: store, Provider: provider}, Options{})
	require.NoError(t, err)

	assert.False(t, rv.SourcesConflict, "the same bolus seen by both origins is a duplicate, not a conflict")
	assert.Empty(t, rv.IOB.Assumptions)
}

func TestResolveEvents_DistinctEventsInBothOriginsDoNotConflict(t *testing.T) {
	now := time.Now()
	meal := bolus("m", now.Add(-40*time.Minute), 4)
	correction := bolus("c", now.Add(-30*time.Minute), 1)
	provider := &fakeProvider{treatments: []models.Treatment{meal, correction}}
	store := newFakeStore()
	store.treatments = []models.Treatment{meal, correction}

	r := New(nil)
	rv, err := r.ResolveEvents(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: store, Provider: provider}, Options{})
	require.NoError(t, err)

	assert.False(t, rv.SourcesConflict, "each record has an exact counterpart in the other origin")
	require.Len(t, rv.Doses, 2)
}

func TestResolveEvents_PerSourceStatuses(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{err: context.DeadlineExceeded}
	store := newFakeStore()

	r := New(nil)
	rv, err := r.ResolveEvents(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: store, Provider: provider, Request: []models.Treatment{bolus("", now.Add(-5*time.Minute), 2)}},
		Options{})
	require.NoError(t, err)

	byOrigin := map[models.SourceOrigin]models.SourceStatus{}
	for _, s := range rv.Sources {
		byOrigin[s.Origin] = s
	}
	require.Len(t, byOrigin, 3)
	assert.Equal(t, models.StateUnavailable, byOrigin[models.OriginProvider].State)
	assert.NotEmpty(t, byOrigin[models.OriginProvider].Reason)
	assert.Equal(t, models.StateOK, byOrigin[models.OriginStore].State)
	assert.Equal(t, models.StateOK, byOrigin[models.OriginRequest].State)
	assert.False(t, byOrigin[models.OriginStore].FetchedAt.IsZero())
}

func TestResolveEvents_UnconfiguredSourceReportsUnknown(t *testing.T) {
	now := time.Now()
	store := newFakeStore()

	r := New(nil)
	rv, err := r.ResolveEvents(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: store}, Options{})
	require.NoError(t, err)

	byOrigin := map[models.SourceOrigin]models.SourceStatus{}
	for _, s := range rv.Sources {
		byOrigin[s.Origin] = s
	}
	assert.Equal(t, models.StateUnknown, byOrigin[models.OriginProvider].State,
		"a source that was never consulted is unknown, not failed")
	assert.Equal(t, "not configured", byOrigin[models.OriginProvider].Reason)
}

func TestEstimateOnBoard_NeverNegative(t *testing.T) {
	now := time.Now()
	// A dose old enough that its curve fraction is exactly zero.
	provider := &fakeProvider{treatments: []models.Treatment{bolus("old", now.Add(-8*time.Hour), 10)}}

	r := New(nil)
	iob, _, err := r.EstimateOnBoard(context.Background(), now, models.DefaultSimulationParams(),
		Sources{Store: newFakeStore(), Provider: provider}, Options{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, iob.ValueOrZero(), 0.0)
}
