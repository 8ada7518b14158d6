// Package results computes per-arm reporting aggregates over a time window.
// It reads outcome rows directly and never touches the live arm counters.
package results

import (
	"context"
	"time"

	"github.com/headline-goat/price-goat/internal/stats"
	"github.com/headline-goat/price-goat/internal/store"
)

// Window bounds a report to [From, To). Zero bounds are open.
type Window struct {
	From time.Time
	To   time.Time
}

type ArmReport struct {
	ArmID          string  `json:"armId"`
	Name           string  `json:"name"`
	IsControl      bool    `json:"isControl"`
	Weight         int     `json:"weight"`
	VariantID      string  `json:"variantId"`
	Impressions    int64   `json:"impressions"`
	Conversions    int64   `json:"conversions"`
	RevenueCents   int64   `json:"revenueCents"`
	ConversionRate float64 `json:"conversionRate"`
	ARPU           float64 `json:"arpu"`
	ARPUExact      Decimal `json:"arpuExact"`
	CILower        float64 `json:"ciLower"`
	CIUpper        float64 `json:"ciUpper"`
}

type Report struct {
	ExperimentID        string                `json:"experimentId"`
	ItemID              string                `json:"itemId"`
	Name                string                `json:"name"`
	State               store.ExperimentState `json:"state"`
	From                *time.Time            `json:"from,omitempty"`
	To                  *time.Time            `json:"to,omitempty"`
	Arms                []ArmReport           `json:"arms"`
	ControlArmID        string                `json:"controlArmId"`
	LeadingArmID        string                `json:"leadingArmId"`
	ConfidenceLevel     float64               `json:"confidenceLevel"`
	Confident           bool                  `json:"confident"`
	BaselineImpressions int64                 `json:"baselineImpressions"`
}

type Engine struct {
	store store.Store
}

func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// Compute reports on an experiment in any lifecycle state.
func (e *Engine) Compute(ctx context.Context, experimentID string, w Window) (*Report, error) {
	if !w.From.IsZero() && !w.To.IsZero() && !w.From.Before(w.To) {
		return nil, &store.ValidationError{Reason: "window start must be before its end"}
	}

	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	arms, err := e.store.ListArms(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	totals, err := e.store.WindowTotals(ctx, experimentID, w.From, w.To)
	if err != nil {
		return nil, err
	}
	baseline, err := e.store.BaselineImpressions(ctx, exp.ItemID, w.From, w.To)
	if err != nil {
		return nil, err
	}

	analysis := stats.Analyze(arms, totals)
	report := &Report{
		ExperimentID:        exp.ID,
		ItemID:              exp.ItemID,
		Name:                exp.Name,
		State:               exp.State,
		Arms:                make([]ArmReport, len(arms)),
		ControlArmID:        analysis.ControlArmID,
		LeadingArmID:        analysis.LeadingArmID,
		ConfidenceLevel:     analysis.ConfidenceLevel,
		Confident:           analysis.Confident,
		BaselineImpressions: baseline,
	}
	if !w.From.IsZero() {
		report.From = &w.From
	}
	if !w.To.IsZero() {
		report.To = &w.To
	}

	for i, arm := range arms {
		a := analysis.Arms[i]
		arpu := ARPU(a.RevenueCents, a.Impressions)
		report.Arms[i] = ArmReport{
			ArmID:          arm.ID,
			Name:           arm.Name,
			IsControl:      arm.IsControl,
			Weight:         arm.Weight,
			VariantID:      arm.VariantID,
			Impressions:    a.Impressions,
			Conversions:    a.Conversions,
			RevenueCents:   a.RevenueCents,
			ConversionRate: a.ConversionRate,
			ARPU:           arpu.Float64(),
			ARPUExact:      arpu,
			CILower:        a.CILower,
			CIUpper:        a.CIUpper,
		}
	}
	return report, nil
}
