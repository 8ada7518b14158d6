// Package armstats keeps the running reward counters the bandit reads on
// every decision.
package armstats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/headline-goat/price-goat/internal/store"
)

// Backend persists arm counters. *store.SQLiteStore and *cache.RedisStats
// both implement it.
type Backend interface {
	IncrArmStats(ctx context.Context, armID string, d store.StatsDelta) error
	GetArmStats(ctx context.Context, armIDs []string) (map[string]store.ArmStats, error)
	SetArmStats(ctx context.Context, st store.ArmStats) error
}

type counters struct {
	impressions  atomic.Int64
	conversions  atomic.Int64
	revenueCents atomic.Int64
	loadedAt     atomic.Int64 // unix nanos of the last backend load, 0 if never
}

func (c *counters) snapshot(armID string) store.ArmStats {
	return store.ArmStats{
		ArmID:        armID,
		Impressions:  c.impressions.Load(),
		Conversions:  c.conversions.Load(),
		RevenueCents: c.revenueCents.Load(),
		UpdatedAt:    time.Unix(0, c.loadedAt.Load()),
	}
}

func (c *counters) replace(st store.ArmStats, at time.Time) {
	c.impressions.Store(st.Impressions)
	c.conversions.Store(st.Conversions)
	c.revenueCents.Store(st.RevenueCents)
	c.loadedAt.Store(at.UnixNano())
}

// Aggregator writes increments through to a Backend and mirrors them in
// per-arm atomic counters. Snapshots are served from the mirror until it is
// older than the staleness TTL.
type Aggregator struct {
	backend Backend
	ttl     time.Duration
	arms    sync.Map // arm id -> *counters
	now     func() time.Time
	logger  *slog.Logger
}

func New(backend Backend, ttl time.Duration) *Aggregator {
	return &Aggregator{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		logger:  slog.Default().With("module", "armstats"),
	}
}

func (a *Aggregator) counters(armID string) *counters {
	if c, ok := a.arms.Load(armID); ok {
		return c.(*counters)
	}
	c, _ := a.arms.LoadOrStore(armID, &counters{})
	return c.(*counters)
}

func (a *Aggregator) RecordImpression(ctx context.Context, armID string) error {
	return a.apply(ctx, armID, store.StatsDelta{Impressions: 1})
}

func (a *Aggregator) RecordConversion(ctx context.Context, armID string, revenueCents int64) error {
	return a.apply(ctx, armID, store.StatsDelta{Conversions: 1, RevenueCents: revenueCents})
}

func (a *Aggregator) apply(ctx context.Context, armID string, d store.StatsDelta) error {
	if err := a.backend.IncrArmStats(ctx, armID, d); err != nil {
		return err
	}
	c := a.counters(armID)
	c.impressions.Add(d.Impressions)
	c.conversions.Add(d.Conversions)
	c.revenueCents.Add(d.RevenueCents)
	return nil
}

// Snapshot returns counters for every requested arm. Fresh local values are
// used as-is; stale or unknown arms are reloaded from the backend in one
// call. If that call fails the last local values are returned, which is
// acceptable for a sampler that tolerates delayed feedback.
func (a *Aggregator) Snapshot(ctx context.Context, armIDs []string) map[string]store.ArmStats {
	now := a.now()
	out := make(map[string]store.ArmStats, len(armIDs))

	var stale []string
	for _, id := range armIDs {
		c := a.counters(id)
		loaded := c.loadedAt.Load()
		if loaded == 0 || now.Sub(time.Unix(0, loaded)) > a.ttl {
			stale = append(stale, id)
			continue
		}
		out[id] = c.snapshot(id)
	}
	if len(stale) == 0 {
		return out
	}

	fresh, err := a.backend.GetArmStats(ctx, stale)
	if err != nil {
		a.logger.WarnContext(ctx, "serving stale arm stats", "arms", len(stale), "error", err.Error())
		for _, id := range stale {
			out[id] = a.counters(id).snapshot(id)
		}
		return out
	}

	for _, id := range stale {
		st := fresh[id]
		st.ArmID = id
		a.counters(id).replace(st, now)
		out[id] = st
	}
	return out
}

// Rebuild overwrites an arm's counters with recomputed values.
func (a *Aggregator) Rebuild(ctx context.Context, st store.ArmStats) error {
	if err := a.backend.SetArmStats(ctx, st); err != nil {
		return err
	}
	a.counters(st.ArmID).replace(st, a.now())
	return nil
}

// Invalidate drops the local mirror so the next snapshot reloads every arm.
func (a *Aggregator) Invalidate() {
	a.arms.Range(func(key, value any) bool {
		value.(*counters).loadedAt.Store(0)
		return true
	})
}
