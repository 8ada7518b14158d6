package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/headline-goat/price-goat/internal/store"
)

// SetupTestStore creates a test database and returns the store.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// Fixture is a draft experiment on one item with one agnostic variant per arm.
type Fixture struct {
	Item       *store.Item
	Variants   []*store.Variant
	Experiment *store.Experiment
	Arms       []*store.Arm
}

// SeedExperiment creates an item "gems" with one variant and one arm per
// weight. The first arm is the control; variant i costs 199+100*i cents.
// Pass start to move the experiment to running.
func SeedExperiment(t *testing.T, s store.Store, weights []int, start bool) *Fixture {
	t.Helper()
	ctx := context.Background()

	item, err := s.CreateItem(ctx, "gems", "Gem pack")
	if err != nil {
		t.Fatalf("failed to create item: %v", err)
	}
	exp, err := s.CreateExperiment(ctx, store.ExperimentConfig{ItemID: item.ID})
	if err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}

	f := &Fixture{Item: item, Experiment: exp}
	for i, w := range weights {
		v, err := s.CreateVariant(ctx, store.VariantConfig{
			ItemID:     item.ID,
			PriceCents: int64(199 + 100*i),
			Quantity:   100,
			Currency:   "USD",
		})
		if err != nil {
			t.Fatalf("failed to create variant: %v", err)
		}
		arm, err := s.AddArm(ctx, exp.ID, store.ArmConfig{
			Name:      fmt.Sprintf("arm-%c", 'a'+i),
			Weight:    w,
			IsControl: i == 0,
			VariantID: v.ID,
		})
		if err != nil {
			t.Fatalf("failed to add arm: %v", err)
		}
		f.Variants = append(f.Variants, v)
		f.Arms = append(f.Arms, arm)
	}

	if start {
		exp, err = s.Transition(ctx, exp.ID, store.StateRunning)
		if err != nil {
			t.Fatalf("failed to start experiment: %v", err)
		}
		f.Experiment = exp
	}
	return f
}
