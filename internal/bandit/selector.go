// Package bandit chooses which arm of an experiment a new player gets.
//
// Each arm's conversion probability is modelled as a Beta posterior
// Beta(PriorAlpha*w/w̄ + conversions, PriorBeta + impressions - conversions),
// where w/w̄ is the arm's traffic weight relative to the mean eligible weight.
// Equal weights give the plain Laplace prior; skewed weights tilt the prior
// toward heavier arms and fade as evidence accumulates. Selection draws one
// sample per arm and picks the highest (Thompson Sampling). Until the
// experiment has seen any reward signal the configured traffic weights are
// used directly, so operator skew is honoured from the first request.
package bandit

import (
	"errors"
	"math"
	"math/rand"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/headline-goat/price-goat/internal/store"
)

// ErrNoEligibleArm means the experiment has nothing to allocate to. It is not
// an internal failure; callers fall back to a non-experiment decision.
var ErrNoEligibleArm = errors.New("no eligible arm")

type Method string

const (
	MethodThompson  Method = "thompson"
	MethodColdStart Method = "cold_start"
	MethodWeighted  Method = "weighted"
	MethodHash      Method = "hash"
)

type Config struct {
	PriorAlpha float64
	PriorBeta  float64
	// ColdStartConversions is the number of conversions across all arms
	// below which allocation follows traffic weights. 0 disables cold start.
	ColdStartConversions int64
}

func DefaultConfig() Config {
	return Config{PriorAlpha: 1, PriorBeta: 1, ColdStartConversions: 1}
}

type Selection struct {
	ArmID  string
	Method Method
}

// Sampler draws from Beta(alpha, beta).
type Sampler func(alpha, beta float64) float64

// BetaSample is the default Sampler.
func BetaSample(alpha, beta float64) float64 {
	return distuv.Beta{Alpha: alpha, Beta: beta}.Rand()
}

type Selector struct {
	cfg     Config
	sample  Sampler
	uniform func() float64
}

type Option func(*Selector)

func WithSampler(s Sampler) Option {
	return func(sel *Selector) { sel.sample = s }
}

// WithUniform replaces the [0,1) source used for weighted draws.
func WithUniform(f func() float64) Option {
	return func(sel *Selector) { sel.uniform = f }
}

func New(cfg Config, opts ...Option) *Selector {
	if cfg.PriorAlpha <= 0 {
		cfg.PriorAlpha = 1
	}
	if cfg.PriorBeta <= 0 {
		cfg.PriorBeta = 1
	}
	s := &Selector{cfg: cfg, sample: BetaSample, uniform: rand.Float64}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidate struct {
	id     string
	weight int
}

// eligible keeps arms with a positive weight. When every weight is zero all
// arms compete equally.
func eligible(arms []*store.Arm) []candidate {
	out := make([]candidate, 0, len(arms))
	for _, a := range arms {
		if a.Weight > 0 {
			out = append(out, candidate{id: a.ID, weight: a.Weight})
		}
	}
	if len(out) == 0 {
		for _, a := range arms {
			out = append(out, candidate{id: a.ID, weight: 1})
		}
	}
	return out
}

// Select returns one arm for a fresh assignment. It never panics and only
// fails with ErrNoEligibleArm.
func (s *Selector) Select(arms []*store.Arm, stats map[string]store.ArmStats) (Selection, error) {
	cands := eligible(arms)
	if len(cands) == 0 {
		return Selection{}, ErrNoEligibleArm
	}
	if len(cands) < 2 {
		return s.weighted(cands), nil
	}

	var conversions int64
	for _, c := range cands {
		conversions += stats[c.id].Conversions
	}
	if conversions < s.cfg.ColdStartConversions {
		sel := s.weighted(cands)
		sel.Method = MethodColdStart
		return sel, nil
	}

	if sel, ok := s.thompson(cands, stats); ok {
		return sel, nil
	}
	return s.weighted(cands), nil
}

func (s *Selector) thompson(cands []candidate, stats map[string]store.ArmStats) (Selection, bool) {
	total := 0
	for _, c := range cands {
		total += c.weight
	}
	mean := float64(total) / float64(len(cands))

	best := -1
	bestDraw := math.Inf(-1)
	for i, c := range cands {
		st := stats[c.id]
		if st.Impressions < 0 || st.Conversions < 0 || st.Conversions > st.Impressions {
			return Selection{}, false
		}
		alpha := s.cfg.PriorAlpha*float64(c.weight)/mean + float64(st.Conversions)
		beta := s.cfg.PriorBeta + float64(st.Impressions-st.Conversions)
		if !finitePositive(alpha) || !finitePositive(beta) {
			return Selection{}, false
		}

		draw := s.sample(alpha, beta)
		if math.IsNaN(draw) || math.IsInf(draw, 0) {
			return Selection{}, false
		}
		if best < 0 || beats(draw, c, bestDraw, cands[best]) {
			best, bestDraw = i, draw
		}
	}
	return Selection{ArmID: cands[best].id, Method: MethodThompson}, true
}

// beats orders by draw, then higher weight, then smaller id.
func beats(draw float64, c candidate, bestDraw float64, best candidate) bool {
	if draw != bestDraw {
		return draw > bestDraw
	}
	if c.weight != best.weight {
		return c.weight > best.weight
	}
	return c.id < best.id
}

func finitePositive(x float64) bool {
	return x > 0 && !math.IsInf(x, 0) && !math.IsNaN(x)
}

// weighted picks an arm with probability proportional to its weight. Weights
// summing past 100 are implicitly re-normalised.
func (s *Selector) weighted(cands []candidate) Selection {
	total := 0
	for _, c := range cands {
		total += c.weight
	}
	r := s.uniform() * float64(total)
	for _, c := range cands {
		r -= float64(c.weight)
		if r < 0 {
			return Selection{ArmID: c.id, Method: MethodWeighted}
		}
	}
	return Selection{ArmID: cands[len(cands)-1].id, Method: MethodWeighted}
}

// HashSelect maps key deterministically into the weighted arm space. The same
// key always lands on the same arm while the arm set is unchanged.
func HashSelect(arms []*store.Arm, key string) (Selection, error) {
	cands := eligible(arms)
	if len(cands) == 0 {
		return Selection{}, ErrNoEligibleArm
	}
	total := 0
	for _, c := range cands {
		total += c.weight
	}
	point := int(xxhash.Sum64String(key) % uint64(total))
	for _, c := range cands {
		point -= c.weight
		if point < 0 {
			return Selection{ArmID: c.id, Method: MethodHash}, nil
		}
	}
	return Selection{ArmID: cands[len(cands)-1].id, Method: MethodHash}, nil
}

// Admit reports whether key falls inside the first percent of traffic.
func Admit(key string, percent int) bool {
	if percent >= 100 {
		return true
	}
	if percent <= 0 {
		return false
	}
	return xxhash.Sum64String(key)%10000 < uint64(percent)*100
}
