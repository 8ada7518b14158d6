package armstats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/headline-goat/price-goat/internal/armstats"
	"github.com/headline-goat/price-goat/internal/store"
	"github.com/headline-goat/price-goat/internal/testutil"
)

// memBackend is an in-memory Backend whose reads and writes can be made to
// fail.
type memBackend struct {
	mu        sync.Mutex
	stats     map[string]store.ArmStats
	failReads bool
	failIncr  bool
}

func newMemBackend() *memBackend {
	return &memBackend{stats: map[string]store.ArmStats{}}
}

var errDown = &store.TransientStoreError{Op: "test", Err: errors.New("backend down")}

func (m *memBackend) IncrArmStats(ctx context.Context, armID string, d store.StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIncr {
		return errDown
	}
	st := m.stats[armID]
	st.ArmID = armID
	st.Impressions += d.Impressions
	st.Conversions += d.Conversions
	st.RevenueCents += d.RevenueCents
	m.stats[armID] = st
	return nil
}

func (m *memBackend) GetArmStats(ctx context.Context, armIDs []string) (map[string]store.ArmStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, errDown
	}
	out := map[string]store.ArmStats{}
	for _, id := range armIDs {
		if st, ok := m.stats[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (m *memBackend) SetArmStats(ctx context.Context, st store.ArmStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[st.ArmID] = st
	return nil
}

func (m *memBackend) set(st store.ArmStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[st.ArmID] = st
}

func TestAggregator_WritesThrough(t *testing.T) {
	backend := newMemBackend()
	agg := armstats.New(backend, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := agg.RecordImpression(ctx, "a"); err != nil {
			t.Fatalf("impression failed: %v", err)
		}
	}
	if err := agg.RecordConversion(ctx, "a", 199); err != nil {
		t.Fatalf("conversion failed: %v", err)
	}

	if got := backend.stats["a"]; got.Impressions != 2 || got.Conversions != 1 || got.RevenueCents != 199 {
		t.Errorf("backend got %+v, want 2/1/199", got)
	}
	if got := agg.Snapshot(ctx, []string{"a"})["a"]; got.Impressions != 2 || got.Conversions != 1 || got.RevenueCents != 199 {
		t.Errorf("snapshot got %+v, want 2/1/199", got)
	}
}

func TestAggregator_ServesMirrorWithinTTL(t *testing.T) {
	backend := newMemBackend()
	backend.set(store.ArmStats{ArmID: "a", Impressions: 10})
	agg := armstats.New(backend, time.Hour)
	ctx := context.Background()

	if got := agg.Snapshot(ctx, []string{"a"})["a"].Impressions; got != 10 {
		t.Fatalf("got %d impressions, want 10", got)
	}

	// another instance wrote to the shared backend
	backend.set(store.ArmStats{ArmID: "a", Impressions: 50})
	if got := agg.Snapshot(ctx, []string{"a"})["a"].Impressions; got != 10 {
		t.Errorf("within TTL: got %d impressions, want cached 10", got)
	}

	agg.Invalidate()
	if got := agg.Snapshot(ctx, []string{"a"})["a"].Impressions; got != 50 {
		t.Errorf("after invalidate: got %d impressions, want 50", got)
	}
}

func TestAggregator_StaleOnBackendFailure(t *testing.T) {
	backend := newMemBackend()
	agg := armstats.New(backend, time.Hour)
	ctx := context.Background()

	if err := agg.RecordConversion(ctx, "a", 99); err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	agg.Snapshot(ctx, []string{"a"})

	backend.failReads = true
	agg.Invalidate()

	snap := agg.Snapshot(ctx, []string{"a", "b"})
	if got := snap["a"]; got.Conversions != 1 {
		t.Errorf("got %+v, want last known 1 conversion", got)
	}
	if got := snap["b"]; got.ArmID != "b" || got.Impressions != 0 {
		t.Errorf("unknown arm: got %+v, want zero counters", got)
	}
}

func TestAggregator_FailedIncrementLeavesMirror(t *testing.T) {
	backend := newMemBackend()
	backend.failIncr = true
	agg := armstats.New(backend, time.Hour)
	ctx := context.Background()

	if err := agg.RecordImpression(ctx, "a"); !store.IsTransient(err) {
		t.Fatalf("got %v, want TransientStoreError", err)
	}

	backend.failReads = true
	if got := agg.Snapshot(ctx, []string{"a"})["a"]; got.Impressions != 0 {
		t.Errorf("got %d impressions, want 0", got.Impressions)
	}
}

func TestAggregator_Rebuild(t *testing.T) {
	backend := newMemBackend()
	agg := armstats.New(backend, time.Hour)
	ctx := context.Background()

	if err := agg.RecordImpression(ctx, "a"); err != nil {
		t.Fatalf("impression failed: %v", err)
	}
	if err := agg.Rebuild(ctx, store.ArmStats{ArmID: "a", Impressions: 7, Conversions: 2, RevenueCents: 398}); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	if got := backend.stats["a"]; got.Impressions != 7 {
		t.Errorf("backend got %+v, want 7 impressions", got)
	}
	if got := agg.Snapshot(ctx, []string{"a"})["a"]; got.Impressions != 7 || got.RevenueCents != 398 {
		t.Errorf("snapshot got %+v, want rebuilt values", got)
	}
}

func TestAggregator_ConcurrentIncrements(t *testing.T) {
	backend := newMemBackend()
	agg := armstats.New(backend, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := agg.RecordImpression(ctx, "a"); err != nil {
					t.Errorf("impression failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := agg.Snapshot(ctx, []string{"a"})["a"].Impressions; got != 1000 {
		t.Errorf("got %d impressions, want 1000", got)
	}
}

func TestAggregator_SQLiteBackend(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()

	writer := armstats.New(s, time.Hour)
	for i := 0; i < 3; i++ {
		if err := writer.RecordImpression(ctx, "arm-1"); err != nil {
			t.Fatalf("impression failed: %v", err)
		}
	}

	// a second instance sharing the database sees the persisted counters
	reader := armstats.New(s, time.Hour)
	if got := reader.Snapshot(ctx, []string{"arm-1"})["arm-1"].Impressions; got != 3 {
		t.Errorf("got %d impressions, want 3", got)
	}
}
