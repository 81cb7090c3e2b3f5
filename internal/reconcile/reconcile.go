// Package reconcile merges treatment records from multiple origins (durable
// store, live provider, inline request payload) into a single deduplicated
// event list and derives insulin/carbs-on-board estimates with an explicit
// data-quality classification.
package reconcile

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcode/glucoforecast/internal/curves"
	"github.com/mrcode/glucoforecast/internal/models"
)

// ErrAcknowledgementRequired is returned when the estimate is degraded
// (stale or unavailable) and the caller has not acknowledged the
// treat-as-zero fallback. The estimates are still returned alongside it.
var ErrAcknowledgementRequired = errors.New("reconcile: degraded data requires acknowledgement")

const (
	// DefaultFetchTimeout bounds each individual source fetch.
	DefaultFetchTimeout = 5 * time.Second

	// DefaultCacheMaxAge is how long a cached last-known value stays
	// usable for stale reporting before it is discarded entirely.
	DefaultCacheMaxAge = 6 * time.Hour

	// Dedup thresholds: two records describe the same event when their
	// magnitudes match within these tolerances and their timestamps are
	// close, or sit near an exact hour offset (timezone artifact).
	dedupUnitsTolerance = 0.01
	dedupCarbsTolerance = 1.0
	dedupWindowMin      = 15.0
	dedupOffsetSlackMin = 5.0
)

// Provider fetches treatments from a live remote source.
type Provider interface {
	GetTreatmentsHours(ctx context.Context, now time.Time, hours int) ([]models.Treatment, error)
}

// Store is the durable local record source and advisory cache.
type Store interface {
	TreatmentsSince(ctx context.Context, from time.Time) ([]models.Treatment, error)
	SaveTreatments(ctx context.Context, treatments []models.Treatment) error
	PutJSON(ctx context.Context, key string, v any) error
	GetJSON(ctx context.Context, key string, dst any) (time.Time, error)
}

// Sources bundles the record origins for one estimate call. Any of them
// may be nil/empty; the reconciler degrades status accordingly.
type Sources struct {
	Store    Store
	Provider Provider
	// Request carries records supplied inline with the call, e.g. a dose
	// the caller is about to log. Always trusted as local data.
	Request []models.Treatment
}

// Options tunes reconciliation behavior.
type Options struct {
	FetchTimeout time.Duration
	CacheMaxAge  time.Duration
	// CacheKey isolates cached last-known values per user and settings
	// fingerprint. Defaults to "onboard:default".
	CacheKey string
	// RequireAcknowledgement makes EstimateOnBoard return
	// ErrAcknowledgementRequired when the result is degraded and
	// AcknowledgedDegraded is false.
	RequireAcknowledgement bool
	AcknowledgedDegraded   bool
	// FallbackToZero substitutes 0 for an unavailable value and records
	// the substitution in Assumptions.
	FallbackToZero bool
}

func (o *Options) withDefaults() {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.CacheMaxAge <= 0 {
		o.CacheMaxAge = DefaultCacheMaxAge
	}
	if o.CacheKey == "" {
		o.CacheKey = "onboard:default"
	}
}

// Reconciler resolves on-board estimates from multiple sources. The live
// provider sits behind a circuit breaker so a flapping remote degrades to
// local data quickly instead of burning the fetch timeout on every call.
type Reconciler struct {
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New creates a Reconciler.
func New(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "treatment-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 3 && counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

// cachedOnBoard is the advisory last-known record written on every
// successful estimate.
type cachedOnBoard struct {
	IOB        float64   `json:"iob"`
	COB        float64   `json:"cob"`
	ComputedAt time.Time `json:"computedAt"`
}

// resolution is the outcome of one source fan-out: the merged record list
// plus enough provenance to derive status.
type resolution struct {
	merged      []models.Treatment
	provider    []models.Treatment
	providerErr error
	storeErr    error
	storeCount  int
	hasLocal    bool
	requestUsed bool
	statuses    []models.SourceStatus
	conflict    bool
}

// resolve fans out to the configured sources, each under its own timeout,
// and merges whatever came back. It never returns an error: source
// failures are recorded in the resolution and surface as status.
func (r *Reconciler) resolve(ctx context.Context, now time.Time, lookbackHours int, sources Sources, opts Options) resolution {
	from := now.Add(-time.Duration(lookbackHours) * time.Hour)

	var res resolution
	var local []models.Treatment

	g, gctx := errgroup.WithContext(ctx)
	if sources.Store != nil {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, opts.FetchTimeout)
			defer cancel()
			local, res.storeErr = sources.Store.TreatmentsSince(fctx, from)
			return nil
		})
	} else {
		res.storeErr = errors.New("no store configured")
	}
	if sources.Provider != nil {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, opts.FetchTimeout)
			defer cancel()
			out, err := r.breaker.Execute(func() (interface{}, error) {
				return sources.Provider.GetTreatmentsHours(fctx, now, lookbackHours)
			})
			if err != nil {
				res.providerErr = err
				return nil
			}
			res.provider = out.([]models.Treatment)
			return nil
		})
	} else {
		res.providerErr = errors.New("no provider configured")
	}
	_ = g.Wait()

	if res.providerErr != nil && sources.Provider != nil {
		r.logger.Warn("provider fetch failed", zap.Error(res.providerErr))
	}
	if res.storeErr != nil && sources.Store != nil {
		r.logger.Warn("store fetch failed", zap.Error(res.storeErr))
	}

	res.storeCount = len(local)
	res.hasLocal = len(local) > 0 || len(sources.Request) > 0
	res.requestUsed = len(sources.Request) > 0
	res.statuses = sourceStatuses(sources, &res, now)
	res.conflict = conflictBetween(res.provider, local) ||
		conflictBetween(res.provider, sources.Request) ||
		conflictBetween(local, sources.Request)
	res.merged = Deduplicate(collect(res.provider, local, sources.Request))
	return res
}

// sourceStatuses records the outcome of consulting each origin. A source
// that was never configured is unknown, not failed.
func sourceStatuses(sources Sources, res *resolution, now time.Time) []models.SourceStatus {
	statuses := []models.SourceStatus{
		originStatus(models.OriginProvider, sources.Provider != nil, res.providerErr, now),
		originStatus(models.OriginStore, sources.Store != nil, res.storeErr, now),
	}
	if len(sources.Request) > 0 {
		statuses = append(statuses, models.SourceStatus{
			Origin: models.OriginRequest, State: models.StateOK, FetchedAt: now,
		})
	}
	return statuses
}

func originStatus(origin models.SourceOrigin, configured bool, err error, at time.Time) models.SourceStatus {
	s := models.SourceStatus{Origin: origin, FetchedAt: at}
	switch {
	case !configured:
		s.State = models.StateUnknown
		s.Reason = "not configured"
	case err != nil:
		s.State = models.StateUnavailable
		s.Reason = err.Error()
	default:
		s.State = models.StateOK
	}
	return s
}

// EstimateOnBoard resolves IOB and COB for the given instant. Store and
// provider fetches run concurrently, each under its own timeout; the
// deterministic math runs only after all I/O has completed or failed.
func (r *Reconciler) EstimateOnBoard(ctx context.Context, now time.Time, params models.SimulationParams, sources Sources, opts Options) (models.IOBEstimate, models.COBEstimate, error) {
	opts.withDefaults()

	res := r.resolve(ctx, now, lookbackHours(params), sources, opts)
	iob, cob := r.classify(ctx, now, res, params, sources, opts)
	r.logStatuses(res)

	if iob.Status == models.StateOK || iob.Status == models.StatePartial {
		r.persist(ctx, sources.Store, res.provider, opts, iob.ValueOrZero(), cob.ValueOrZero(), now)
	}

	if opts.RequireAcknowledgement && !opts.AcknowledgedDegraded && iob.Degraded() {
		return iob, cob, ErrAcknowledgementRequired
	}
	return iob, cob, nil
}

// Resolved is the full outcome of one reconciliation fan-out: the event
// lists for the simulator, the on-board estimates derived from the same
// records, and per-source provenance for diagnostics.
type Resolved struct {
	Doses []models.DoseEvent
	Carbs []models.CarbEvent
	IOB   models.IOBEstimate
	COB   models.COBEstimate
	// Sources reports the outcome of consulting each origin.
	Sources []models.SourceStatus
	// SourcesConflict is set when two origins described the same moment
	// with materially different records. Duplicate collapse already kept
	// one of them; the disagreement itself is a data quality signal.
	SourcesConflict bool
}

// ResolveEvents returns the deduplicated dose and carb event lists for a
// simulation starting at now, plus the on-board estimates derived from
// the same fan-out, so callers never see events and estimates disagree.
func (r *Reconciler) ResolveEvents(ctx context.Context, now time.Time, params models.SimulationParams, sources Sources, opts Options) (Resolved, error) {
	opts.withDefaults()

	res := r.resolve(ctx, now, lookbackHours(params), sources, opts)
	iob, cob := r.classify(ctx, now, res, params, sources, opts)
	r.logStatuses(res)

	if iob.Status == models.StateOK || iob.Status == models.StatePartial {
		r.persist(ctx, sources.Store, res.provider, opts, iob.ValueOrZero(), cob.ValueOrZero(), now)
	}

	rv := Resolved{IOB: iob, COB: cob, Sources: res.statuses, SourcesConflict: res.conflict}
	for i := range res.merged {
		t := &res.merged[i]
		if d, ok := t.ToDoseEvent(now); ok && !t.IsBasal() {
			rv.Doses = append(rv.Doses, d)
		}
		if c, ok := t.ToCarbEvent(now); ok {
			rv.Carbs = append(rv.Carbs, c)
		}
	}

	var err error
	if opts.RequireAcknowledgement && !opts.AcknowledgedDegraded && iob.Degraded() {
		err = ErrAcknowledgementRequired
	}
	return rv, err
}

func (r *Reconciler) logStatuses(res resolution) {
	for _, s := range res.statuses {
		r.logger.Debug("source consulted",
			zap.String("origin", string(s.Origin)),
			zap.String("state", string(s.State)),
			zap.String("reason", s.Reason))
	}
	if res.conflict {
		r.logger.Warn("treatment records conflict across sources")
	}
}

// classify derives the status ladder from a resolution. The ladder only
// degrades: ok when the primary source answered, partial when it failed
// but local records cover the window, stale when only an aged cache entry
// exists, unavailable otherwise.
func (r *Reconciler) classify(ctx context.Context, now time.Time, res resolution, params models.SimulationParams, sources Sources, opts Options) (models.IOBEstimate, models.COBEstimate) {
	iobVal, cobVal := onBoardAt(now, res.merged, params)

	iob := models.IOBEstimate{Status: models.StateUnknown}
	cob := models.COBEstimate{Status: models.StateUnknown, Model: cobModel(params.EffectiveCarbShape())}

	switch {
	case res.providerErr == nil:
		iob.Status, cob.Status = models.StateOK, models.StateOK
		iob.Origin, cob.Origin = models.OriginProvider, models.OriginProvider
		iob.Value, cob.Value = ptr(iobVal), ptr(cobVal)

	case res.hasLocal:
		// Primary source failed but a local record covers the window:
		// the value is trusted, provenance is degraded.
		origin := models.OriginStore
		if res.storeCount == 0 && res.requestUsed {
			origin = models.OriginRequest
		}
		iob.Status, cob.Status = models.StatePartial, models.StatePartial
		iob.Origin, cob.Origin = origin, origin
		iob.Value, cob.Value = ptr(iobVal), ptr(cobVal)

	case res.storeErr == nil:
		// Local store is healthy and simply has no active events. With
		// the primary down we cannot rule out unseen remote records, so
		// consult the cache before claiming anything.
		fallthrough

	default:
		cached, cachedAt, cacheErr := r.readCache(ctx, sources.Store, opts)
		if cacheErr == nil && now.Sub(cachedAt) <= opts.CacheMaxAge {
			iob.Status, cob.Status = models.StateStale, models.StateStale
			iob.Origin, cob.Origin = models.OriginCache, models.OriginCache
			iob.LastKnown, cob.LastKnown = ptr(cached.IOB), ptr(cached.COB)
			iob.LastKnownAt, cob.LastKnownAt = cachedAt, cachedAt
		} else {
			iob.Status, cob.Status = models.StateUnavailable, models.StateUnavailable
			iob.Origin, cob.Origin = models.OriginNone, models.OriginNone
		}
		if opts.FallbackToZero {
			iob.Value = ptr(0)
			cob.Value = ptr(0)
			iob.Assumptions = append(iob.Assumptions, "IOB assumed zero due to "+string(iob.Status)+" data")
			cob.Assumptions = append(cob.Assumptions, "COB assumed zero due to "+string(cob.Status)+" data")
		}
	}

	if res.conflict {
		iob.Assumptions = append(iob.Assumptions, "conflicting treatment records across sources; richer record used")
		cob.Assumptions = append(cob.Assumptions, "conflicting treatment records across sources; richer record used")
	}

	return iob, cob
}

func (r *Reconciler) readCache(ctx context.Context, store Store, opts Options) (cachedOnBoard, time.Time, error) {
	if store == nil {
		return cachedOnBoard{}, time.Time{}, errors.New("no store")
	}
	var cached cachedOnBoard
	at, err := store.GetJSON(ctx, opts.CacheKey, &cached)
	return cached, at, err
}

func (r *Reconciler) persist(ctx context.Context, store Store, fetched []models.Treatment, opts Options, iob, cob float64, now time.Time) {
	if store == nil {
		return
	}
	if len(fetched) > 0 {
		if err := store.SaveTreatments(ctx, fetched); err != nil {
			r.logger.Warn("persist treatments failed", zap.Error(err))
		}
	}
	if err := store.PutJSON(ctx, opts.CacheKey, cachedOnBoard{IOB: iob, COB: cob, ComputedAt: now}); err != nil {
		r.logger.Warn("cache write failed", zap.Error(err))
	}
}

func lookbackHours(params models.SimulationParams) int {
	h := int(math.Ceil(math.Max(params.InsulinActionDurationMin, params.CarbAbsorptionMinutes) / 60))
	if h < 1 {
		return 6
	}
	return h
}

// onBoardAt computes total IOB (units) and COB (grams) remaining at now
// from the merged treatment list.
func onBoardAt(now time.Time, treatments []models.Treatment, params models.SimulationParams) (iob, cob float64) {
	for i := range treatments {
		t := &treatments[i]
		minutesSince := now.Sub(t.Time()).Minutes()
		if minutesSince < 0 {
			continue
		}
		if t.HasInsulin() && !t.IsBasal() {
			iob += t.Insulin * curves.DoseRemainingFraction(minutesSince, t.Duration,
				params.InsulinActionDurationMin, params.InsulinPeakMin, params.InsulinCurveKind)
		}
		if t.HasCarbs() {
			absorption := params.CarbAbsorptionMinutes
			if ev, ok := t.ToCarbEvent(now); ok && ev.SlowDigestion() {
				absorption *= 1.3
			}
			cob += t.Carbs * curves.CarbRemainingFraction(minutesSince, absorption, params.EffectiveCarbShape())
		}
	}
	// Curve fractions are clamped to [0,1] so these cannot go negative,
	// but guard anyway since the values feed dosing decisions.
	return math.Max(iob, 0), math.Max(cob, 0)
}

// Deduplicate collapses records describing the same physical event. Two
// records match when their magnitudes agree within tolerance and their
// timestamps are within the dedup window, or within a few minutes of an
// exact one- or two-hour offset. The richer record wins; on a richness
// tie the newer one does. The input slice is not modified.
func Deduplicate(treatments []models.Treatment) []models.Treatment {
	sorted := make([]models.Treatment, len(treatments))
	copy(sorted, treatments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date > sorted[j].Date
	})

	var kept []models.Treatment
	for _, cand := range sorted {
		matched := false
		for i := range kept {
			if !sameEvent(&cand, &kept[i]) {
				continue
			}
			matched = true
			if richness(&cand) > richness(&kept[i]) {
				kept[i] = cand
			}
			break
		}
		if !matched {
			kept = append(kept, cand)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Date < kept[j].Date
	})
	return kept
}

func sameEvent(a, b *models.Treatment) bool {
	unitsMatch := a.HasInsulin() && b.HasInsulin() && math.Abs(a.Insulin-b.Insulin) < dedupUnitsTolerance
	carbsMatch := a.HasCarbs() && b.HasCarbs() && math.Abs(a.Carbs-b.Carbs) < dedupCarbsTolerance
	if !unitsMatch && !carbsMatch {
		return false
	}

	deltaMin := math.Abs(float64(a.Date-b.Date)) / 60000.0
	if deltaMin <= dedupWindowMin {
		return true
	}
	for _, offset := range []float64{60, 120} {
		if math.Abs(deltaMin-offset) <= dedupOffsetSlackMin {
			return true
		}
	}
	return false
}

// conflictBetween reports whether a record in one origin has a near-time
// counterpart in the other whose magnitude disagrees beyond the dedup
// tolerances, with no matching record to explain it away. Two genuinely
// distinct events present in both origins do not conflict.
func conflictBetween(a, b []models.Treatment) bool {
	for i := range a {
		near := false
		matched := false
		for j := range b {
			if sameEvent(&a[i], &b[j]) {
				matched = true
				break
			}
			if disagree(&a[i], &b[j]) {
				near = true
			}
		}
		if near && !matched {
			return true
		}
	}
	return false
}

// disagree reports whether two records claim the same moment with
// materially different magnitudes.
func disagree(a, b *models.Treatment) bool {
	deltaMin := math.Abs(float64(a.Date-b.Date)) / 60000.0
	if deltaMin > dedupWindowMin {
		return false
	}
	if a.HasInsulin() && b.HasInsulin() && math.Abs(a.Insulin-b.Insulin) >= dedupUnitsTolerance {
		return true
	}
	if a.HasCarbs() && b.HasCarbs() && math.Abs(a.Carbs-b.Carbs) >= dedupCarbsTolerance {
		return true
	}
	return false
}

// richness scores how much information a record carries so conflicts
// resolve toward the more complete one.
func richness(t *models.Treatment) int {
	score := 0
	for _, v := range []float64{t.Insulin, t.Carbs, t.Fat, t.Protein, t.Fiber, t.Duration} {
		if v != 0 {
			score++
		}
	}
	if t.Notes != "" {
		score++
	}
	if t.EventType != "" {
		score++
	}
	return score
}

func collect(groups ...[]models.Treatment) []models.Treatment {
	var out []models.Treatment
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func cobModel(shape models.CarbShape) models.COBModel {
	if shape == models.CarbBiexponential {
		return models.COBModelBiexponential
	}
	return models.COBModelLinear
}

func ptr(v float64) *float64 { return &v }
