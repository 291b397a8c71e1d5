package webguard

import (
	"context"
	"time"
)

// reputationGainFactor converts a detection's severity weight into
// reputation points. One full-confidence sqli hit adds 15 points, so a
// source crosses the default blocking threshold after a short burst of
// high-confidence attacks.
const reputationGainFactor = 10.0

func attackWindowKey(source string) string { return "attacks|" + source }
func authFailureKey(source string) string  { return "authfail|" + source }

// ReputationTracker maintains per-source attack history and a monotonic
// reputation score on top of a StateStore. Updates for the same source
// serialize inside the store; the tracker itself holds no state.
type ReputationTracker struct {
	store StateStore
}

// NewReputationTracker wraps the given store.
func NewReputationTracker(store StateStore) *ReputationTracker {
	return &ReputationTracker{store: store}
}

// RecordAttack appends an attack timestamp for source, raises its
// reputation proportionally to severityWeight (confidence x type weight),
// and flips the record to blocked when either hard threshold from cfg is
// crossed. Returns the recent attack count within the retention horizon and
// the updated record.
func (t *ReputationTracker) RecordAttack(ctx context.Context, source string, at time.Time, severityWeight float64, cfg *Config) (int, ReputationRecord, error) {
	horizon := cfg.RetentionHorizon()
	recent, err := t.store.AppendWindow(ctx, attackWindowKey(source), at, horizon)
	if err != nil {
		return 0, ReputationRecord{}, err
	}
	_ = t.store.Expire(ctx, attackWindowKey(source), horizon)

	rec, err := t.store.UpdateReputation(ctx, source, func(r *ReputationRecord) {
		r.TotalRequests++
		r.AttackCount++
		r.LastSeen = at
		r.Reputation += severityWeight * reputationGainFactor
		if r.AttackCount >= cfg.Blocking.MaxAttackCount || r.Reputation >= cfg.Blocking.MaxReputation {
			r.Blocked = true
		}
	})
	if err != nil {
		return recent, ReputationRecord{}, err
	}
	return recent, rec, nil
}

// RecordBenign counts a clean request against the source's totals.
func (t *ReputationTracker) RecordBenign(ctx context.Context, source string, at time.Time) (ReputationRecord, error) {
	return t.store.UpdateReputation(ctx, source, func(r *ReputationRecord) {
		r.TotalRequests++
		r.LastSeen = at
	})
}

// RecentAttacks returns the number of attacks from source within horizon,
// pruning stale entries on the way.
func (t *ReputationTracker) RecentAttacks(ctx context.Context, source string, now time.Time, horizon time.Duration) (int, error) {
	return t.store.CountWindow(ctx, attackWindowKey(source), now, horizon)
}

// RecordAuthFailure registers a failed authentication attempt, reported by
// the application behind the engine. Returns the failure count within the
// brute force window.
func (t *ReputationTracker) RecordAuthFailure(ctx context.Context, source string, at time.Time, window time.Duration) (int, error) {
	count, err := t.store.AppendWindow(ctx, authFailureKey(source), at, window)
	if err != nil {
		return 0, err
	}
	_ = t.store.Expire(ctx, authFailureKey(source), window)
	return count, nil
}

// AuthFailures counts failed authentication attempts within window.
func (t *ReputationTracker) AuthFailures(ctx context.Context, source string, now time.Time, window time.Duration) (int, error) {
	return t.store.CountWindow(ctx, authFailureKey(source), now, window)
}

// IsBlocked reports whether the source has been hard-blocked.
func (t *ReputationTracker) IsBlocked(ctx context.Context, source string) (bool, error) {
	rec, ok, err := t.store.GetReputation(ctx, source)
	if err != nil {
		return false, err
	}
	return ok && rec.Blocked, nil
}

// Reputation returns the record for source.
func (t *ReputationTracker) Reputation(ctx context.Context, source string) (ReputationRecord, bool, error) {
	return t.store.GetReputation(ctx, source)
}

// Block marks the source blocked. Administrative operation; the inspection
// path only ever blocks through threshold crossings in RecordAttack.
func (t *ReputationTracker) Block(ctx context.Context, source string) (ReputationRecord, error) {
	return t.store.UpdateReputation(ctx, source, func(r *ReputationRecord) {
		r.Blocked = true
	})
}

// Unblock clears the blocked flag without touching the reputation score.
func (t *ReputationTracker) Unblock(ctx context.Context, source string) (ReputationRecord, error) {
	return t.store.UpdateReputation(ctx, source, func(r *ReputationRecord) {
		r.Blocked = false
	})
}

// ResetReputation is the explicit external decay action: it is the only
// path through which a reputation score decreases.
func (t *ReputationTracker) ResetReputation(ctx context.Context, source string) (ReputationRecord, error) {
	return t.store.UpdateReputation(ctx, source, func(r *ReputationRecord) {
		r.Reputation = 0
		r.Blocked = false
	})
}

// FrequencyMultiplier maps the recent attack count onto the scoring
// multiplier: recent/10 clamped to [1.0, 2.0]. The floor keeps a sparse
// history from discounting content evidence; the cap keeps a single bursty
// source from amplifying without bound. Non-decreasing over the count.
func FrequencyMultiplier(recentAttacks int) float64 {
	return clamp(float64(recentAttacks)/10.0, 1.0, 2.0)
}

// ReputationMultiplier maps a reputation score onto [1.0, 2.0].
func ReputationMultiplier(rec ReputationRecord) float64 {
	extra := rec.Reputation / 100.0
	if extra > 1.0 {
		extra = 1.0
	}
	if extra < 0 {
		extra = 0
	}
	return 1.0 + extra
}
