// Package ingest records impressions and purchase outcomes and feeds the arm
// statistics the bandit learns from.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/headline-goat/price-goat/internal/armstats"
	"github.com/headline-goat/price-goat/internal/store"
)

type Ingestor struct {
	store  store.Store
	stats  *armstats.Aggregator
	logger *slog.Logger
}

func New(s store.Store, stats *armstats.Aggregator) *Ingestor {
	return &Ingestor{
		store:  s,
		stats:  stats,
		logger: slog.Default().With("module", "ingest"),
	}
}

type Impression struct {
	PlayerID     string
	ItemID       string
	ExperimentID string
	ArmID        string
	OccurredAt   time.Time
}

type Purchase struct {
	TransactionID string
	PlayerID      string
	ItemID        string
	ExperimentID  string
	ArmID         string
	PriceCents    int64
	Quantity      int
	Status        store.PurchaseStatus
	OccurredAt    time.Time
}

type PurchaseResult struct {
	Status    store.PurchaseStatus
	Duplicate bool
	Counted   bool
}

// RecordImpression appends an impression. Only impressions attributed to an
// arm of a live (not stopped) experiment reach the arm counters.
func (in *Ingestor) RecordImpression(ctx context.Context, imp Impression) error {
	if strings.TrimSpace(imp.PlayerID) == "" || strings.TrimSpace(imp.ItemID) == "" {
		return &store.ValidationError{Reason: "impression needs player and item"}
	}

	experimentID, err := in.attributeArm(ctx, imp.ArmID, imp.ExperimentID)
	if err != nil {
		return err
	}

	_, err = in.store.RecordOutcome(ctx, store.Outcome{
		EventType:    store.EventImpression,
		PlayerID:     imp.PlayerID,
		ItemID:       imp.ItemID,
		ExperimentID: experimentID,
		ArmID:        imp.ArmID,
		CreatedAt:    imp.OccurredAt,
	})
	if err != nil {
		return err
	}

	if imp.ArmID == "" {
		return nil
	}
	live, err := in.live(ctx, experimentID)
	if err != nil || !live {
		return err
	}
	if err := in.stats.RecordImpression(ctx, imp.ArmID); err != nil {
		// The outcome row is committed; retrying would log the impression twice.
		in.logger.ErrorContext(ctx, "impression not counted, run rebuild-stats",
			"arm_id", imp.ArmID, "error", err.Error())
	}
	return nil
}

// RecordPurchase applies one purchase event. Replays of a transaction that
// already reached a terminal state are successful no-ops, so callers may
// deliver at least once.
func (in *Ingestor) RecordPurchase(ctx context.Context, p Purchase) (PurchaseResult, error) {
	if strings.TrimSpace(p.TransactionID) == "" {
		return PurchaseResult{}, &store.ValidationError{Reason: "purchase events need a transaction id"}
	}
	if _, err := store.ParsePurchaseStatus(string(p.Status)); err != nil {
		return PurchaseResult{}, err
	}
	if p.PriceCents < 0 || p.Quantity < 0 {
		return PurchaseResult{}, &store.ValidationError{Reason: "priceCents and quantity must not be negative"}
	}

	// Late purchases often arrive without the arm; recover it from the
	// player's assignment.
	if p.ArmID == "" && p.ExperimentID != "" && p.PlayerID != "" {
		a, err := in.store.GetAssignment(ctx, p.PlayerID, p.ExperimentID)
		switch {
		case err == nil:
			p.ArmID = a.ArmID
		case !errors.Is(err, store.ErrNotFound):
			return PurchaseResult{}, err
		}
	}

	experimentID, err := in.attributeArm(ctx, p.ArmID, p.ExperimentID)
	if err != nil {
		return PurchaseResult{}, err
	}
	p.ExperimentID = experimentID

	tr, err := in.store.ApplyPurchase(ctx, store.Purchase{
		TransactionID: p.TransactionID,
		PlayerID:      p.PlayerID,
		ItemID:        p.ItemID,
		ExperimentID:  p.ExperimentID,
		ArmID:         p.ArmID,
		PriceCents:    p.PriceCents,
		Quantity:      p.Quantity,
		Status:        p.Status,
		OccurredAt:    p.OccurredAt,
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	result := PurchaseResult{Status: tr.Purchase.Status, Duplicate: !tr.Changed, Counted: tr.Counted}
	if !tr.Changed {
		return result, nil
	}

	_, err = in.store.RecordOutcome(ctx, store.Outcome{
		EventType:     eventTypeFor(tr.Purchase.Status),
		PlayerID:      tr.Purchase.PlayerID,
		ItemID:        tr.Purchase.ItemID,
		ExperimentID:  tr.Purchase.ExperimentID,
		ArmID:         tr.Purchase.ArmID,
		TransactionID: tr.Purchase.TransactionID,
		PriceCents:    tr.Purchase.PriceCents,
		Quantity:      tr.Purchase.Quantity,
		Status:        tr.Purchase.Status,
		CreatedAt:     p.OccurredAt,
	})
	if err != nil {
		in.logger.ErrorContext(ctx, "failed to log purchase event",
			"transaction_id", p.TransactionID, "error", err.Error())
	}

	if !tr.Counted || tr.Purchase.ArmID == "" {
		return result, nil
	}
	live, err := in.live(ctx, tr.Purchase.ExperimentID)
	if err != nil {
		return result, err
	}
	if !live {
		return result, nil
	}
	if err := in.stats.RecordConversion(ctx, tr.Purchase.ArmID, tr.Purchase.PriceCents); err != nil {
		// The verified row is already committed and a redelivery would be a
		// duplicate, so report success; rebuild-stats recovers the counter.
		in.logger.ErrorContext(ctx, "verified purchase not counted, run rebuild-stats",
			"transaction_id", p.TransactionID, "arm_id", tr.Purchase.ArmID, "error", err.Error())
	}
	return result, nil
}

// attributeArm returns the experiment owning armID, checking it against a
// caller-supplied experiment id.
func (in *Ingestor) attributeArm(ctx context.Context, armID, experimentID string) (string, error) {
	if armID == "" {
		return experimentID, nil
	}
	arm, err := in.store.GetArm(ctx, armID)
	if err != nil {
		return "", err
	}
	if experimentID != "" && experimentID != arm.ExperimentID {
		return "", &store.ValidationError{Reason: fmt.Sprintf("arm %s does not belong to experiment %s", armID, experimentID)}
	}
	return arm.ExperimentID, nil
}

// live reports whether statistics for the experiment may still change.
func (in *Ingestor) live(ctx context.Context, experimentID string) (bool, error) {
	exp, err := in.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return false, err
	}
	return exp.State != store.StateStopped, nil
}

func eventTypeFor(status store.PurchaseStatus) store.EventType {
	switch status {
	case store.PurchaseVerified:
		return store.EventPurchaseComplete
	case store.PurchaseFailed:
		return store.EventPurchaseFail
	default:
		return store.EventPurchaseStart
	}
}

// RebuildArmStats recomputes every arm of an experiment from the outcome log.
// Stopped experiments are rebuilt as of their end time.
func (in *Ingestor) RebuildArmStats(ctx context.Context, experimentID string) ([]store.ArmStats, error) {
	exp, err := in.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	arms, err := in.store.ListArms(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	var until *time.Time
	if exp.State == store.StateStopped {
		until = exp.EndedAt
	}

	rebuilt := make([]store.ArmStats, 0, len(arms))
	for _, arm := range arms {
		st, err := in.store.ComputeArmStats(ctx, arm.ID, until)
		if err != nil {
			return nil, err
		}
		if err := in.stats.Rebuild(ctx, st); err != nil {
			return nil, err
		}
		rebuilt = append(rebuilt, st)
	}

	in.logger.InfoContext(ctx, "arm stats rebuilt", "experiment_id", experimentID, "arms", len(rebuilt))
	return rebuilt, nil
}
