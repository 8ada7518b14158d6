package bandit_test

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/headline-goat/price-goat/internal/bandit"
	"github.com/headline-goat/price-goat/internal/store"
)

func twoArms(wA, wB int) []*store.Arm {
	return []*store.Arm{
		{ID: "arm-a", Weight: wA, IsControl: true},
		{ID: "arm-b", Weight: wB},
	}
}

func TestSelect_ColdStartFollowsWeights(t *testing.T) {
	sel := bandit.New(bandit.DefaultConfig())
	arms := twoArms(25, 75)

	const n = 100000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		got, err := sel.Select(arms, nil)
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if got.Method != bandit.MethodColdStart {
			t.Fatalf("got method %s, want cold_start", got.Method)
		}
		counts[got.ArmID]++
	}

	share := float64(counts["arm-a"]) / n
	if math.Abs(share-0.25) > 0.02 {
		t.Errorf("got arm-a share %.4f, want 0.25 +/- 0.02", share)
	}
}

func TestSelect_ConvergesToBetterArm(t *testing.T) {
	sel := bandit.New(bandit.DefaultConfig())
	arms := twoArms(50, 50)

	// arm-b converts at 3x the rate of arm-a; each batch doubles the evidence
	const draws = 20000
	prev := 0.0
	for i, n := range []int64{50, 100, 200, 400} {
		stats := map[string]store.ArmStats{
			"arm-a": {ArmID: "arm-a", Impressions: n, Conversions: n * 2 / 100},
			"arm-b": {ArmID: "arm-b", Impressions: n, Conversions: n * 6 / 100},
		}

		picked := 0
		for j := 0; j < draws; j++ {
			got, err := sel.Select(arms, stats)
			if err != nil {
				t.Fatalf("select failed: %v", err)
			}
			if got.Method != bandit.MethodThompson {
				t.Fatalf("got method %s, want thompson", got.Method)
			}
			if got.ArmID == "arm-b" {
				picked++
			}
		}

		p := float64(picked) / draws
		if p <= prev {
			t.Errorf("batch %d: P(arm-b) = %.4f did not increase from %.4f", i, p, prev)
		}
		prev = p
	}
	if prev < 0.95 {
		t.Errorf("final P(arm-b) = %.4f, want > 0.95", prev)
	}
}

func TestSelect_TieBreak(t *testing.T) {
	constant := bandit.WithSampler(func(alpha, beta float64) float64 { return 0.5 })
	sel := bandit.New(bandit.DefaultConfig(), constant)
	stats := map[string]store.ArmStats{
		"arm-a": {Impressions: 10, Conversions: 1},
		"arm-b": {Impressions: 10, Conversions: 1},
	}

	tests := []struct {
		name   string
		wA, wB int
		want   string
	}{
		{"higher weight wins", 30, 70, "arm-b"},
		{"higher weight wins reversed", 70, 30, "arm-a"},
		{"equal weight smaller id wins", 50, 50, "arm-a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sel.Select(twoArms(tt.wA, tt.wB), stats)
			if err != nil {
				t.Fatalf("select failed: %v", err)
			}
			if got.ArmID != tt.want {
				t.Errorf("got %s, want %s", got.ArmID, tt.want)
			}
		})
	}
}

func TestSelect_WeightScalesPrior(t *testing.T) {
	alphas := map[float64]bool{}
	record := bandit.WithSampler(func(alpha, beta float64) float64 {
		alphas[alpha] = true
		return 0.5
	})
	sel := bandit.New(bandit.DefaultConfig(), record)
	stats := map[string]store.ArmStats{
		"arm-a": {Impressions: 10, Conversions: 1},
		"arm-b": {Impressions: 10, Conversions: 1},
	}

	if _, err := sel.Select(twoArms(25, 75), stats); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	// mean weight 50: arm-a gets 0.5 + 1, arm-b gets 1.5 + 1
	if !alphas[1.5] || !alphas[2.5] || len(alphas) != 2 {
		t.Errorf("got alphas %v, want 1.5 and 2.5", alphas)
	}
}

func TestSelect_SkewPersistsAfterColdStart(t *testing.T) {
	sel := bandit.New(bandit.DefaultConfig())
	stats := map[string]store.ArmStats{
		"arm-a": {Impressions: 10, Conversions: 1},
		"arm-b": {Impressions: 10, Conversions: 1},
	}

	const n = 20000
	picked := 0
	for i := 0; i < n; i++ {
		got, err := sel.Select(twoArms(25, 75), stats)
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if got.ArmID == "arm-b" {
			picked++
		}
	}
	if share := float64(picked) / n; share < 0.55 {
		t.Errorf("got arm-b share %.4f with equal evidence, want > 0.55", share)
	}
}

func TestSelect_FallsBackToWeighted(t *testing.T) {
	always := bandit.WithUniform(func() float64 { return 0.99 })

	tests := []struct {
		name    string
		arms    []*store.Arm
		stats   map[string]store.ArmStats
		sampler bandit.Sampler
		want    string
	}{
		{
			name:  "conversions above impressions",
			arms:  twoArms(50, 50),
			stats: map[string]store.ArmStats{"arm-a": {Impressions: 1, Conversions: 5}},
			want:  "arm-b",
		},
		{
			name:  "negative counts",
			arms:  twoArms(50, 50),
			stats: map[string]store.ArmStats{"arm-a": {Impressions: -3, Conversions: 2}},
			want:  "arm-b",
		},
		{
			name:    "sampler returns NaN",
			arms:    twoArms(50, 50),
			stats:   map[string]store.ArmStats{"arm-a": {Impressions: 10, Conversions: 2}},
			sampler: func(alpha, beta float64) float64 { return math.NaN() },
			want:    "arm-b",
		},
		{
			name: "single eligible arm",
			arms: []*store.Arm{{ID: "only", Weight: 0}, {ID: "live", Weight: 40}},
			want: "live",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []bandit.Option{always}
			if tt.sampler != nil {
				opts = append(opts, bandit.WithSampler(tt.sampler))
			}
			sel := bandit.New(bandit.DefaultConfig(), opts...)

			got, err := sel.Select(tt.arms, tt.stats)
			if err != nil {
				t.Fatalf("select failed: %v", err)
			}
			if got.Method != bandit.MethodWeighted {
				t.Errorf("got method %s, want weighted", got.Method)
			}
			if got.ArmID != tt.want {
				t.Errorf("got %s, want %s", got.ArmID, tt.want)
			}
		})
	}
}

func TestSelect_NoArms(t *testing.T) {
	sel := bandit.New(bandit.DefaultConfig())

	_, err := sel.Select(nil, nil)
	if !errors.Is(err, bandit.ErrNoEligibleArm) {
		t.Errorf("got error %v, want ErrNoEligibleArm", err)
	}
}

func TestSelect_AllZeroWeightsCompeteEqually(t *testing.T) {
	sel := bandit.New(bandit.DefaultConfig(), bandit.WithUniform(func() float64 { return 0.75 }))

	got, err := sel.Select(twoArms(0, 0), nil)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got.ArmID != "arm-b" {
		t.Errorf("got %s, want arm-b", got.ArmID)
	}
}

func TestSelect_OverweightIsRenormalised(t *testing.T) {
	// 80/120 behaves like 40/60
	sel := bandit.New(bandit.DefaultConfig(), bandit.WithUniform(func() float64 { return 0.39 }))

	got, err := sel.Select(twoArms(80, 120), nil)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got.ArmID != "arm-a" {
		t.Errorf("got %s, want arm-a", got.ArmID)
	}
}

func TestHashSelect_DeterministicAndWeighted(t *testing.T) {
	arms := twoArms(25, 75)

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("exp-1:player-%d", i)
		first, err := bandit.HashSelect(arms, key)
		if err != nil {
			t.Fatalf("hash select failed: %v", err)
		}
		again, _ := bandit.HashSelect(arms, key)
		if first.ArmID != again.ArmID {
			t.Fatalf("key %s mapped to %s then %s", key, first.ArmID, again.ArmID)
		}
		counts[first.ArmID]++
	}

	share := float64(counts["arm-a"]) / 10000
	if math.Abs(share-0.25) > 0.03 {
		t.Errorf("got arm-a share %.4f, want 0.25 +/- 0.03", share)
	}
}

func TestAdmit(t *testing.T) {
	if bandit.Admit("k", 0) {
		t.Error("0 percent admitted a key")
	}
	if !bandit.Admit("k", 100) {
		t.Error("100 percent rejected a key")
	}

	admitted := 0
	for i := 0; i < 10000; i++ {
		if bandit.Admit(fmt.Sprintf("exp:p%d", i), 30) {
			admitted++
		}
	}
	if share := float64(admitted) / 10000; math.Abs(share-0.30) > 0.03 {
		t.Errorf("got admitted share %.4f, want 0.30 +/- 0.03", share)
	}
}
