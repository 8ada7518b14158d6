// Package decision answers "which price should this player see for this
// item". It is the only component on the storefront hot path.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/headline-goat/price-goat/internal/armstats"
	"github.com/headline-goat/price-goat/internal/bandit"
	"github.com/headline-goat/price-goat/internal/ingest"
	"github.com/headline-goat/price-goat/internal/store"
)

type Stickiness string

const (
	// StickyAssignment persists one assignment row per (player, experiment).
	StickyAssignment Stickiness = "assignment"
	// StickyHash derives the arm from a hash of (experiment, player) and
	// stores nothing.
	StickyHash Stickiness = "hash"
)

func ParseStickiness(s string) (Stickiness, error) {
	switch st := Stickiness(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StickyAssignment, nil
	case StickyAssignment, StickyHash:
		return st, nil
	}
	return "", fmt.Errorf("unknown stickiness mode %q", s)
}

// Reasons explain why a decision is not a regular experiment allocation.
const (
	ReasonNoExperiment     = "no_experiment"
	ReasonPlatformExcluded = "platform_excluded"
	ReasonHeldOut          = "held_out"
	ReasonNoEligibleArm    = "no_eligible_arm"
	ReasonNotRunning       = "not_running"
	ReasonResolutionError  = "resolution_error"
	ReasonNotFound         = "not_found"
	ReasonFallback         = "fallback"
)

// MethodSticky marks a decision served from an existing assignment.
const MethodSticky = "sticky"

type Config struct {
	// Timeout bounds all store I/O of one decision. 0 means no bound.
	Timeout    time.Duration
	Stickiness Stickiness
}

type Request struct {
	ItemID   string
	PlayerID string
	Platform store.Platform
}

type Decision struct {
	VariantID    string `json:"variantId"`
	PriceCents   int64  `json:"priceCents"`
	Currency     string `json:"currency"`
	Quantity     int    `json:"quantity"`
	ProductID    string `json:"productId,omitempty"`
	IsExperiment bool   `json:"isExperiment"`
	ExperimentID string `json:"experimentId,omitempty"`
	ArmID        string `json:"armId,omitempty"`
	IsControl    bool   `json:"isControl"`
	Reason       string `json:"reason,omitempty"`
	Method       string `json:"-"`
}

// ResolutionError means no variant of the item can be sold on the requested
// platform. It points at catalog misconfiguration rather than missing data.
type ResolutionError struct {
	ItemID    string
	Platform  store.Platform
	VariantID string
}

func (e *ResolutionError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("no %s-compatible variant equivalent to %s for item %s", e.Platform, e.VariantID, e.ItemID)
	}
	return fmt.Sprintf("no active %s-compatible variant for item %s", e.Platform, e.ItemID)
}

var errHeldOut = errors.New("player held out of experiment")

type Resolver struct {
	store    store.Store
	stats    *armstats.Aggregator
	selector *bandit.Selector
	ingest   *ingest.Ingestor
	cfg      Config
	logger   *slog.Logger

	// last default decision per (item ref, platform), served when the store
	// is unavailable
	defaults sync.Map
}

func New(s store.Store, stats *armstats.Aggregator, sel *bandit.Selector, in *ingest.Ingestor, cfg Config) *Resolver {
	if cfg.Stickiness == "" {
		cfg.Stickiness = StickyAssignment
	}
	return &Resolver{
		store:    s,
		stats:    stats,
		selector: sel,
		ingest:   in,
		cfg:      cfg,
		logger:   slog.Default().With("module", "decision"),
	}
}

// Decide returns the offer to show. Only an unknown item, an item with no
// sellable variant for the platform, or a store outage with nothing cached
// fail the call; every other problem degrades to a default decision.
func (r *Resolver) Decide(ctx context.Context, req Request) (Decision, error) {
	req.ItemID = strings.TrimSpace(req.ItemID)
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	if req.ItemID == "" || req.PlayerID == "" {
		return Decision{}, &store.ValidationError{Reason: "decision needs itemId and playerId"}
	}
	platform, err := store.ParsePlatform(string(req.Platform))
	if err != nil {
		return Decision{}, err
	}
	req.Platform = platform

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	item, err := r.store.ResolveItem(ctx, req.ItemID)
	if err == nil {
		var d Decision
		if d, err = r.decide(ctx, item, req); err == nil {
			r.emitImpression(ctx, item.ID, req.PlayerID, d)
			return d, nil
		}
	}

	if store.IsTransient(err) {
		if cached, ok := r.defaults.Load(defaultKey(req)); ok {
			d := cached.(Decision)
			d.Reason = ReasonFallback
			r.logger.WarnContext(ctx, "store unavailable, serving cached default",
				"item_id", req.ItemID, "platform", req.Platform, "error", err.Error())
			return d, nil
		}
	}
	return Decision{}, err
}

func (r *Resolver) decide(ctx context.Context, item *store.Item, req Request) (Decision, error) {
	exp, err := r.store.GetRunningExperimentForItem(ctx, item.ID)
	if errors.Is(err, store.ErrNotFound) {
		return r.defaultDecision(ctx, item, req, ReasonNoExperiment)
	}
	if err != nil {
		return Decision{}, err
	}
	if !exp.AllowsPlatform(req.Platform) {
		return r.defaultDecision(ctx, item, req, ReasonPlatformExcluded)
	}

	// Keep a default on hand for outages even when every request is in the
	// experiment.
	if _, ok := r.defaults.Load(defaultKey(req)); !ok {
		if _, err := r.defaultDecision(ctx, item, req, ""); err != nil && store.IsTransient(err) {
			return Decision{}, err
		}
	}

	arm, method, err := r.assign(ctx, exp, req.PlayerID)
	switch {
	case errors.Is(err, errHeldOut):
		return r.defaultDecision(ctx, item, req, ReasonHeldOut)
	case errors.Is(err, bandit.ErrNoEligibleArm):
		return r.defaultDecision(ctx, item, req, ReasonNoEligibleArm)
	case errors.Is(err, store.ErrExperimentNotRunning):
		return r.defaultDecision(ctx, item, req, ReasonNotRunning)
	case err != nil:
		return Decision{}, err
	}

	variant, err := r.resolveVariant(ctx, item, arm.VariantID, req.Platform)
	if err != nil {
		var re *ResolutionError
		switch {
		case errors.As(err, &re):
			r.logger.ErrorContext(ctx, "arm variant not sellable on platform",
				"experiment_id", exp.ID, "arm_id", arm.ID, "error", err.Error())
			return r.defaultDecision(ctx, item, req, ReasonResolutionError)
		case errors.Is(err, store.ErrNotFound):
			r.logger.ErrorContext(ctx, "arm variant missing",
				"experiment_id", exp.ID, "arm_id", arm.ID, "variant_id", arm.VariantID)
			return r.defaultDecision(ctx, item, req, ReasonNotFound)
		}
		return Decision{}, err
	}

	d := fromVariant(variant)
	d.IsExperiment = true
	d.ExperimentID = exp.ID
	d.ArmID = arm.ID
	d.IsControl = arm.IsControl
	d.Method = method
	return d, nil
}

// assign returns the player's arm, creating the assignment on first contact.
func (r *Resolver) assign(ctx context.Context, exp *store.Experiment, playerID string) (*store.Arm, string, error) {
	arms, err := r.store.ListArms(ctx, exp.ID)
	if err != nil {
		return nil, "", err
	}
	key := exp.ID + ":" + playerID

	if r.cfg.Stickiness == StickyHash {
		if !bandit.Admit(key, exp.TrafficPercent) {
			return nil, "", errHeldOut
		}
		sel, err := bandit.HashSelect(arms, key)
		if err != nil {
			return nil, "", err
		}
		return findArm(arms, sel.ArmID), string(sel.Method), nil
	}

	existing, err := r.store.GetAssignment(ctx, playerID, exp.ID)
	if err == nil {
		if arm := findArm(arms, existing.ArmID); arm != nil {
			return arm, MethodSticky, nil
		}
		arm, err := r.store.GetArm(ctx, existing.ArmID)
		return arm, MethodSticky, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}

	if !bandit.Admit(key, exp.TrafficPercent) {
		return nil, "", errHeldOut
	}

	ids := make([]string, len(arms))
	for i, a := range arms {
		ids[i] = a.ID
	}
	sel, err := r.selector.Select(arms, r.stats.Snapshot(ctx, ids))
	if err != nil {
		return nil, "", err
	}

	won, err := r.store.CreateAssignment(ctx, store.Assignment{
		PlayerID:     playerID,
		ExperimentID: exp.ID,
		ArmID:        sel.ArmID,
	})
	if err != nil {
		return nil, "", err
	}
	method := string(sel.Method)
	if won.ArmID != sel.ArmID {
		method = MethodSticky
	}
	return findArm(arms, won.ArmID), method, nil
}

func findArm(arms []*store.Arm, id string) *store.Arm {
	for _, a := range arms {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// resolveVariant returns the arm's variant if it is sellable on the
// platform, otherwise an active compatible variant of the same item with the
// same price, quantity and currency.
func (r *Resolver) resolveVariant(ctx context.Context, item *store.Item, variantID string, platform store.Platform) (*store.Variant, error) {
	primary, err := r.store.GetVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}
	if primary.Active && store.Compatible(primary.Binding, platform) {
		return primary, nil
	}

	variants, err := r.store.ListVariants(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	match := cheapest(variants, platform, func(v *store.Variant) bool { return v.SameOffer(primary) })
	if match == nil {
		return nil, &ResolutionError{ItemID: item.ID, Platform: platform, VariantID: variantID}
	}
	return match, nil
}

// defaultDecision is the lowest-price active variant sellable on the
// platform. It also refreshes the outage cache.
func (r *Resolver) defaultDecision(ctx context.Context, item *store.Item, req Request, reason string) (Decision, error) {
	variants, err := r.store.ListVariants(ctx, item.ID)
	if err != nil {
		return Decision{}, err
	}
	v := cheapest(variants, req.Platform, nil)
	if v == nil {
		return Decision{}, &ResolutionError{ItemID: item.ID, Platform: req.Platform}
	}

	d := fromVariant(v)
	d.IsControl = true
	r.defaults.Store(defaultKey(req), d)
	d.Reason = reason
	return d, nil
}

// cheapest picks the first active compatible variant from a price-ordered
// list, preferring an exact platform match over an agnostic one at equal
// price.
func cheapest(variants []*store.Variant, platform store.Platform, accept func(*store.Variant) bool) *store.Variant {
	var best *store.Variant
	for _, v := range variants {
		if !v.Active || !store.Compatible(v.Binding, platform) {
			continue
		}
		if accept != nil && !accept(v) {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		if v.PriceCents > best.PriceCents {
			break
		}
		if best.Platform() == store.PlatformAgnostic && v.Platform() == platform {
			best = v
		}
	}
	return best
}

func fromVariant(v *store.Variant) Decision {
	return Decision{
		VariantID:  v.ID,
		PriceCents: v.PriceCents,
		Currency:   v.Currency,
		Quantity:   v.Quantity,
		ProductID:  v.ProductID(),
	}
}

func defaultKey(req Request) string {
	return req.ItemID + "|" + string(req.Platform)
}

func (r *Resolver) emitImpression(ctx context.Context, itemID, playerID string, d Decision) {
	if r.ingest == nil {
		return
	}
	imp := ingest.Impression{PlayerID: playerID, ItemID: itemID}
	if d.IsExperiment {
		imp.ExperimentID = d.ExperimentID
		imp.ArmID = d.ArmID
	}
	if err := r.ingest.RecordImpression(ctx, imp); err != nil {
		r.logger.WarnContext(ctx, "failed to record impression",
			"item_id", itemID, "player_id", playerID, "error", err.Error())
	}
}
