package nightbias

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/glucoforecast/internal/models"
)

// Store provides the glucose/treatment history the learner reads and the
// key-value cache profiles live in.
type Store interface {
	EntriesSince(ctx context.Context, from time.Time) ([]models.GlucoseEntry, error)
	TreatmentsSince(ctx context.Context, from time.Time) ([]models.Treatment, error)
	PutJSON(ctx context.Context, key string, v any) error
	GetJSON(ctx context.Context, key string, dst any) (time.Time, error)
}

// Profiles hands out cached night profiles, recomputing on the configured
// cadence. Cache writes are last-writer-wins; a racing recompute is
// harmless because the profile is advisory.
type Profiles struct {
	store  Store
	logger *zap.Logger
}

// NewProfiles creates a profile provider backed by the given store.
func NewProfiles(store Store, logger *zap.Logger) *Profiles {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profiles{store: store, logger: logger}
}

func profileKey(user string, cfg Config) string {
	if user == "" {
		user = "default"
	}
	return "nightprofile:" + user + ":" + cfg.Fingerprint()
}

// For returns the profile for the user, recomputing from history when the
// cached one is missing or expired. A recompute failure falls back to the
// expired profile rather than erroring: the caller's gating handles a nil
// profile.
func (p *Profiles) For(ctx context.Context, now time.Time, user string, cfg Config, loc *time.Location) *models.NightPatternProfile {
	key := profileKey(user, cfg)

	var cached models.NightPatternProfile
	_, err := p.store.GetJSON(ctx, key, &cached)
	if err == nil && !cached.Expired(now, cfg.RecomputeInterval) {
		return &cached
	}

	from := now.AddDate(0, 0, -cfg.SampleDays)
	entries, entErr := p.store.EntriesSince(ctx, from)
	treatments, trErr := p.store.TreatmentsSince(ctx, from)
	if entErr != nil || trErr != nil {
		p.logger.Warn("night profile recompute fetch failed",
			zap.NamedError("entries", entErr), zap.NamedError("treatments", trErr))
		if err == nil {
			return &cached
		}
		return nil
	}

	profile := ComputeProfile(now, entries, treatments, cfg, loc)
	if profile == nil {
		return nil
	}
	if putErr := p.store.PutJSON(ctx, key, profile); putErr != nil {
		p.logger.Warn("night profile cache write failed", zap.Error(putErr))
	}
	return profile
}
