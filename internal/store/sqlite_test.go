package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/headline-goat/price-goat/internal/store"
	"github.com/headline-goat/price-goat/internal/testutil"
)

func TestOpen(t *testing.T) {
	s := testutil.SetupTestStore(t)
	if s == nil {
		t.Fatal("expected non-nil store")
	}
}

func TestCreateItem(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, "gems", "Gem pack")
	if err != nil {
		t.Fatalf("failed to create item: %v", err)
	}

	byExternal, err := s.ResolveItem(ctx, "gems")
	if err != nil {
		t.Fatalf("failed to resolve by external id: %v", err)
	}
	byID, err := s.ResolveItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to resolve by id: %v", err)
	}
	if byExternal.ID != item.ID || byID.ID != item.ID {
		t.Errorf("got %s and %s, want %s", byExternal.ID, byID.ID, item.ID)
	}

	if _, err := s.CreateItem(ctx, "gems", "again"); !store.IsValidation(err) {
		t.Errorf("duplicate external id: got %v, want ValidationError", err)
	}
	if _, err := s.ResolveItem(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCreateVariant_Validation(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	item, err := s.CreateItem(ctx, "gems", "")
	if err != nil {
		t.Fatalf("failed to create item: %v", err)
	}

	tests := []struct {
		name string
		cfg  store.VariantConfig
	}{
		{"negative price", store.VariantConfig{ItemID: item.ID, PriceCents: -1, Quantity: 1, Currency: "USD"}},
		{"zero quantity", store.VariantConfig{ItemID: item.ID, PriceCents: 99, Currency: "USD"}},
		{"bad currency", store.VariantConfig{ItemID: item.ID, PriceCents: 99, Quantity: 1, Currency: "DOLLARS"}},
		{"ios without product id", store.VariantConfig{ItemID: item.ID, PriceCents: 99, Quantity: 1, Currency: "USD", Binding: store.IOSBinding{}}},
		{"android without sku", store.VariantConfig{ItemID: item.ID, PriceCents: 99, Quantity: 1, Currency: "USD", Binding: store.AndroidBinding{}}},
		{"unknown product type", store.VariantConfig{ItemID: item.ID, PriceCents: 99, Quantity: 1, Currency: "USD", ProductType: "bundle"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateVariant(ctx, tt.cfg); !store.IsValidation(err) {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}

	v, err := s.CreateVariant(ctx, store.VariantConfig{
		ItemID: item.ID, PriceCents: 499, Quantity: 500, Currency: "usd",
		Binding: store.AndroidBinding{SKU: "gems_500"},
	})
	if err != nil {
		t.Fatalf("failed to create variant: %v", err)
	}
	got, err := s.GetVariant(ctx, v.ID)
	if err != nil {
		t.Fatalf("failed to get variant: %v", err)
	}
	if got.Currency != "USD" || got.Platform() != store.PlatformAndroid || got.ProductID() != "gems_500" || !got.Active {
		t.Errorf("got %+v, want active android variant gems_500 in USD", got)
	}
}

func TestUpdateVariant_FrozenWhileExperimentLive(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{50, 50}, true)
	price := int64(999)

	for _, state := range []store.ExperimentState{store.StateRunning, store.StatePaused} {
		if state != store.StateRunning {
			if _, err := s.Transition(ctx, f.Experiment.ID, state); err != nil {
				t.Fatalf("failed to move to %s: %v", state, err)
			}
		}
		if _, err := s.UpdateVariant(ctx, f.Variants[0].ID, store.VariantUpdate{PriceCents: &price}); !store.IsValidation(err) {
			t.Errorf("%s: got %v, want ValidationError", state, err)
		}
	}

	if _, err := s.Transition(ctx, f.Experiment.ID, store.StateStopped); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	v, err := s.UpdateVariant(ctx, f.Variants[0].ID, store.VariantUpdate{PriceCents: &price})
	if err != nil {
		t.Fatalf("failed to update variant of stopped experiment: %v", err)
	}
	if v.PriceCents != 999 {
		t.Errorf("got price %d, want 999", v.PriceCents)
	}
}

func TestTransition_Lifecycle(t *testing.T) {
	tests := []struct {
		name    string
		path    []store.ExperimentState
		wantErr bool
	}{
		{"draft to running", []store.ExperimentState{store.StateRunning}, false},
		{"running to paused to running", []store.ExperimentState{store.StateRunning, store.StatePaused, store.StateRunning}, false},
		{"draft to stopped", []store.ExperimentState{store.StateStopped}, false},
		{"draft to paused", []store.ExperimentState{store.StatePaused}, true},
		{"running to draft", []store.ExperimentState{store.StateRunning, store.StateDraft}, true},
		{"stopped is terminal", []store.ExperimentState{store.StateStopped, store.StateRunning}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.SetupTestStore(t)
			ctx := context.Background()
			f := testutil.SeedExperiment(t, s, []int{50, 50}, false)

			var err error
			var exp *store.Experiment
			for _, target := range tt.path {
				if exp, err = s.Transition(ctx, f.Experiment.ID, target); err != nil {
					break
				}
			}
			if tt.wantErr {
				if !store.IsValidation(err) {
					t.Errorf("got %v, want ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("transition failed: %v", err)
			}
			if want := tt.path[len(tt.path)-1]; exp.State != want {
				t.Errorf("got state %s, want %s", exp.State, want)
			}
		})
	}
}

func TestTransition_Timestamps(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{100}, true)

	if f.Experiment.StartedAt == nil {
		t.Fatal("expected started_at after start")
	}
	stopped, err := s.Transition(ctx, f.Experiment.ID, store.StateStopped)
	if err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if stopped.EndedAt == nil {
		t.Error("expected ended_at after stop")
	}
	if err := s.SetExperimentMetadata(ctx, f.Experiment.ID, "k", "v"); !store.IsValidation(err) {
		t.Errorf("metadata on stopped experiment: got %v, want ValidationError", err)
	}
}

func TestTransition_OneRunningExperimentPerItem(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{100}, true)

	second, err := s.CreateExperiment(ctx, store.ExperimentConfig{ItemID: f.Item.ID, Name: "second"})
	if err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
	if _, err := s.AddArm(ctx, second.ID, store.ArmConfig{Weight: 100, IsControl: true, VariantID: f.Variants[0].ID}); err != nil {
		t.Fatalf("failed to add arm: %v", err)
	}

	if _, err := s.Transition(ctx, second.ID, store.StateRunning); !store.IsValidation(err) {
		t.Errorf("got %v, want ValidationError for second running experiment", err)
	}

	running, err := s.GetRunningExperimentForItem(ctx, f.Item.ID)
	if err != nil {
		t.Fatalf("failed to get running experiment: %v", err)
	}
	if running.ID != f.Experiment.ID {
		t.Errorf("got running %s, want %s", running.ID, f.Experiment.ID)
	}
}

func TestTransition_RequiresRunnableArms(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, "coins", "")
	if err != nil {
		t.Fatalf("failed to create item: %v", err)
	}
	exp, err := s.CreateExperiment(ctx, store.ExperimentConfig{ItemID: item.ID, Platforms: []store.Platform{store.PlatformIOS}})
	if err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}

	if _, err := s.Transition(ctx, exp.ID, store.StateRunning); !store.IsValidation(err) {
		t.Errorf("no arms: got %v, want ValidationError", err)
	}

	android, err := s.CreateVariant(ctx, store.VariantConfig{
		ItemID: item.ID, PriceCents: 99, Quantity: 1, Currency: "USD", Binding: store.AndroidBinding{SKU: "c1"},
	})
	if err != nil {
		t.Fatalf("failed to create variant: %v", err)
	}
	if _, err := s.AddArm(ctx, exp.ID, store.ArmConfig{Weight: 50, VariantID: android.ID}); err != nil {
		t.Fatalf("failed to add arm: %v", err)
	}
	if _, err := s.Transition(ctx, exp.ID, store.StateRunning); !store.IsValidation(err) {
		t.Errorf("android arm on ios experiment: got %v, want ValidationError", err)
	}
}

func TestSetVariantActive(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{50, 50}, false)

	if err := s.SetVariantActive(ctx, f.Variants[1].ID, false); err != nil {
		t.Fatalf("failed to deactivate: %v", err)
	}
	if _, err := s.Transition(ctx, f.Experiment.ID, store.StateRunning); !store.IsValidation(err) {
		t.Errorf("inactive variant: got %v, want ValidationError", err)
	}

	if err := s.SetVariantActive(ctx, f.Variants[1].ID, true); err != nil {
		t.Fatalf("failed to reactivate: %v", err)
	}
	if _, err := s.Transition(ctx, f.Experiment.ID, store.StateRunning); err != nil {
		t.Errorf("reactivated variant: got %v, want nil", err)
	}

	if err := s.SetVariantActive(ctx, "missing", false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestAddArm_Invariants(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{60}, false)

	tests := []struct {
		name string
		cfg  store.ArmConfig
	}{
		{"second control", store.ArmConfig{Weight: 10, IsControl: true, VariantID: f.Variants[0].ID}},
		{"total weight above 100", store.ArmConfig{Weight: 41, VariantID: f.Variants[0].ID}},
		{"weight out of range", store.ArmConfig{Weight: 101, VariantID: f.Variants[0].ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.AddArm(ctx, f.Experiment.ID, tt.cfg); !store.IsValidation(err) {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}

	if _, err := s.AddArm(ctx, f.Experiment.ID, store.ArmConfig{Weight: 40, VariantID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing variant: got %v, want ErrNotFound", err)
	}

	arm, err := s.AddArm(ctx, f.Experiment.ID, store.ArmConfig{Weight: 40, VariantID: f.Variants[0].ID})
	if err != nil {
		t.Fatalf("failed to add arm up to 100: %v", err)
	}
	if arm.Name != "arm-2" {
		t.Errorf("got default name %s, want arm-2", arm.Name)
	}

	if _, err := s.Transition(ctx, f.Experiment.ID, store.StateRunning); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if _, err := s.AddArm(ctx, f.Experiment.ID, store.ArmConfig{VariantID: f.Variants[0].ID}); !store.IsValidation(err) {
		t.Errorf("arm on running experiment: got %v, want ValidationError", err)
	}
}

func TestCreateAssignment_FirstWriteWins(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{50, 50}, true)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := s.CreateAssignment(ctx, store.Assignment{
				PlayerID: "p1", ExperimentID: f.Experiment.ID, ArmID: f.Arms[i%2].ID,
			})
			if err != nil {
				t.Errorf("assignment %d failed: %v", i, err)
				return
			}
			results[i] = a.ArmID
		}(i)
	}
	wg.Wait()

	for i, armID := range results {
		if armID != results[0] {
			t.Errorf("goroutine %d saw arm %s, want %s", i, armID, results[0])
		}
	}
}

func TestCreateAssignment_RequiresRunningExperiment(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{100}, false)

	_, err := s.CreateAssignment(ctx, store.Assignment{PlayerID: "p1", ExperimentID: f.Experiment.ID, ArmID: f.Arms[0].ID})
	if !errors.Is(err, store.ErrExperimentNotRunning) {
		t.Errorf("got %v, want ErrExperimentNotRunning", err)
	}
	if _, err := s.GetAssignment(ctx, "p1", f.Experiment.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestApplyPurchase_StateMachine(t *testing.T) {
	tests := []struct {
		name        string
		steps       []store.PurchaseStatus
		wantStatus  store.PurchaseStatus
		wantCounted int
	}{
		{"verified once", []store.PurchaseStatus{store.PurchaseVerified}, store.PurchaseVerified, 1},
		{"verified replayed", []store.PurchaseStatus{store.PurchaseVerified, store.PurchaseVerified}, store.PurchaseVerified, 1},
		{"pending then verified", []store.PurchaseStatus{store.PurchasePending, store.PurchaseVerified}, store.PurchaseVerified, 1},
		{"pending then failed", []store.PurchaseStatus{store.PurchasePending, store.PurchaseFailed}, store.PurchaseFailed, 0},
		{"failed is terminal", []store.PurchaseStatus{store.PurchaseFailed, store.PurchaseVerified}, store.PurchaseFailed, 0},
		{"late pending ignored", []store.PurchaseStatus{store.PurchaseVerified, store.PurchasePending}, store.PurchaseVerified, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.SetupTestStore(t)
			ctx := context.Background()
			f := testutil.SeedExperiment(t, s, []int{100}, true)

			counted := 0
			var last store.PurchaseTransition
			for _, status := range tt.steps {
				var err error
				last, err = s.ApplyPurchase(ctx, store.Purchase{
					TransactionID: "tx", PlayerID: "p1", ItemID: f.Item.ID, ExperimentID: f.Experiment.ID,
					ArmID: f.Arms[0].ID, PriceCents: 199, Quantity: 100, Status: status,
				})
				if err != nil {
					t.Fatalf("apply %s failed: %v", status, err)
				}
				if last.Counted {
					counted++
				}
			}

			if last.Purchase.Status != tt.wantStatus {
				t.Errorf("got status %s, want %s", last.Purchase.Status, tt.wantStatus)
			}
			if counted != tt.wantCounted {
				t.Errorf("counted %d times, want %d", counted, tt.wantCounted)
			}
		})
	}
}

func TestApplyPurchase_VerifiedAtIsEventTime(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{100}, true)

	verified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return verified.Add(48 * time.Hour) })

	base := store.Purchase{
		TransactionID: "tx", PlayerID: "p1", ItemID: f.Item.ID, ExperimentID: f.Experiment.ID,
		ArmID: f.Arms[0].ID, PriceCents: 199, Quantity: 100,
	}
	pending := base
	pending.Status = store.PurchasePending
	pending.OccurredAt = verified.Add(-time.Minute)
	tr, err := s.ApplyPurchase(ctx, pending)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if tr.Purchase.VerifiedAt != nil {
		t.Errorf("pending purchase has verified time %v", tr.Purchase.VerifiedAt)
	}

	done := base
	done.Status = store.PurchaseVerified
	done.OccurredAt = verified
	tr, err = s.ApplyPurchase(ctx, done)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if tr.Purchase.VerifiedAt == nil || !tr.Purchase.VerifiedAt.Equal(verified) {
		t.Errorf("got verified time %v, want %v", tr.Purchase.VerifiedAt, verified)
	}

	totals, err := s.WindowTotals(ctx, f.Experiment.ID, verified.Add(-time.Hour), verified.Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to get totals: %v", err)
	}
	if got := totals[f.Arms[0].ID]; got.Conversions != 1 || got.RevenueCents != 199 {
		t.Errorf("event-time window: got %+v, want 1 conversion 199 revenue", got)
	}

	before := verified.Add(-time.Second)
	st, err := s.ComputeArmStats(ctx, f.Arms[0].ID, &before)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if st.Conversions != 0 {
		t.Errorf("got %d conversions before verification, want 0", st.Conversions)
	}
}

func TestApplyPurchase_RejectsNegativeAmounts(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{100}, true)

	tests := []struct {
		name     string
		price    int64
		quantity int
	}{
		{"negative price", -100000, 1},
		{"negative quantity", 199, -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ApplyPurchase(ctx, store.Purchase{
				TransactionID: "tx-" + tt.name, PlayerID: "p1", ItemID: f.Item.ID, ArmID: f.Arms[0].ID,
				PriceCents: tt.price, Quantity: tt.quantity, Status: store.PurchaseVerified,
			})
			if !store.IsValidation(err) {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}
}

func TestArmStats_IncrementAndSet(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.IncrArmStats(ctx, "arm-1", store.StatsDelta{Impressions: 2, Conversions: 1, RevenueCents: 99}); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}

	stats, err := s.GetArmStats(ctx, []string{"arm-1", "arm-2"})
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if got := stats["arm-1"]; got.Impressions != 6 || got.Conversions != 3 || got.RevenueCents != 297 {
		t.Errorf("got %+v, want 6/3/297", got)
	}
	if _, ok := stats["arm-2"]; ok {
		t.Error("arm without activity should be absent")
	}

	if err := s.SetArmStats(ctx, store.ArmStats{ArmID: "arm-1", Impressions: 1}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	stats, _ = s.GetArmStats(ctx, []string{"arm-1"})
	if got := stats["arm-1"]; got.Impressions != 1 || got.Conversions != 0 {
		t.Errorf("got %+v, want overwritten 1/0", got)
	}
}

func TestWindowTotals(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{50, 50}, true)

	day1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	for i, at := range []time.Time{day1, day1, day2} {
		_, err := s.RecordOutcome(ctx, store.Outcome{
			EventType: store.EventImpression, PlayerID: fmt.Sprintf("p%d", i), ItemID: f.Item.ID,
			ExperimentID: f.Experiment.ID, ArmID: f.Arms[0].ID, CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("failed to record impression: %v", err)
		}
	}

	s.SetClock(func() time.Time { return day2 })
	_, err := s.ApplyPurchase(ctx, store.Purchase{
		TransactionID: "tx", PlayerID: "p0", ItemID: f.Item.ID, ExperimentID: f.Experiment.ID,
		ArmID: f.Arms[0].ID, PriceCents: 199, Quantity: 100, Status: store.PurchaseVerified,
	})
	if err != nil {
		t.Fatalf("failed to apply purchase: %v", err)
	}

	all, err := s.WindowTotals(ctx, f.Experiment.ID, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("failed to get totals: %v", err)
	}
	if got := all[f.Arms[0].ID]; got.Impressions != 3 || got.Conversions != 1 || got.RevenueCents != 199 {
		t.Errorf("open window: got %+v, want 3/1/199", got)
	}

	first, err := s.WindowTotals(ctx, f.Experiment.ID, day1.Add(-time.Hour), day1.Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to get totals: %v", err)
	}
	if got := first[f.Arms[0].ID]; got.Impressions != 2 || got.Conversions != 0 {
		t.Errorf("day one: got %+v, want 2/0", got)
	}
}

func TestComputeArmStats_Until(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	f := testutil.SeedExperiment(t, s, []int{100}, true)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := s.RecordOutcome(ctx, store.Outcome{
			EventType: store.EventImpression, PlayerID: "p1", ItemID: f.Item.ID,
			ExperimentID: f.Experiment.ID, ArmID: f.Arms[0].ID, CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("failed to record impression: %v", err)
		}
	}

	until := base.Add(90 * time.Minute)
	st, err := s.ComputeArmStats(ctx, f.Arms[0].ID, &until)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if st.Impressions != 2 {
		t.Errorf("got %d impressions before cutoff, want 2", st.Impressions)
	}
}
