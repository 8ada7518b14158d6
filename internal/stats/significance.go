package stats

import (
	"math"

	"github.com/headline-goat/price-goat/internal/store"
)

// Result compares the arms of one experiment.
type Result struct {
	Arms            []ArmResult
	ControlArmID    string
	LeadingArmID    string
	Confident       bool    // >= 95% confidence
	ConfidenceLevel float64 // 0-1
}

type ArmResult struct {
	ArmID          string
	Name           string
	IsControl      bool
	Impressions    int64
	Conversions    int64
	RevenueCents   int64
	ConversionRate float64
	CILower        float64
	CIUpper        float64
}

// SignificanceTest performs a two-proportion z-test and returns the
// confidence (0-1) that A converts better than B.
func SignificanceTest(aConv, aViews, bConv, bViews int64) float64 {
	if aViews <= 0 || bViews <= 0 {
		return 0.5
	}

	pA := float64(aConv) / float64(aViews)
	pB := float64(bConv) / float64(bViews)
	pooled := float64(aConv+bConv) / float64(aViews+bViews)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(aViews) + 1/float64(bViews)))

	if se == 0 {
		switch {
		case pA > pB:
			return 1
		case pA < pB:
			return 0
		}
		return 0.5
	}
	return normalCDF((pA - pB) / se)
}

func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// Rate returns conversions/impressions, 0 when there are no impressions.
func Rate(conversions, impressions int64) float64 {
	if impressions <= 0 {
		return 0
	}
	return float64(conversions) / float64(impressions)
}

// Analyze builds per-arm results and measures the leading arm against the
// control. Without an explicit control the first arm is the baseline. When the
// control leads, it is compared with the best challenger instead.
func Analyze(arms []*store.Arm, totals map[string]store.ArmTotals) *Result {
	res := &Result{Arms: make([]ArmResult, len(arms))}
	if len(arms) == 0 {
		return res
	}

	control, leading := 0, 0
	for i, arm := range arms {
		t := totals[arm.ID]
		lo, hi := WilsonInterval(t.Conversions, t.Impressions, 0.95)
		res.Arms[i] = ArmResult{
			ArmID:          arm.ID,
			Name:           arm.Name,
			IsControl:      arm.IsControl,
			Impressions:    t.Impressions,
			Conversions:    t.Conversions,
			RevenueCents:   t.RevenueCents,
			ConversionRate: Rate(t.Conversions, t.Impressions),
			CILower:        lo,
			CIUpper:        hi,
		}
		if arm.IsControl {
			control = i
		}
		if res.Arms[i].ConversionRate > res.Arms[leading].ConversionRate {
			leading = i
		}
	}
	res.ControlArmID = res.Arms[control].ArmID
	res.LeadingArmID = res.Arms[leading].ArmID

	if len(arms) < 2 {
		return res
	}

	if leading == control {
		challenger := -1
		for i := range res.Arms {
			if i == control {
				continue
			}
			if challenger < 0 || res.Arms[i].ConversionRate > res.Arms[challenger].ConversionRate {
				challenger = i
			}
		}
		c, ch := res.Arms[control], res.Arms[challenger]
		res.ConfidenceLevel = SignificanceTest(c.Conversions, c.Impressions, ch.Conversions, ch.Impressions)
	} else {
		l, c := res.Arms[leading], res.Arms[control]
		res.ConfidenceLevel = SignificanceTest(l.Conversions, l.Impressions, c.Conversions, c.Impressions)
	}
	res.Confident = res.ConfidenceLevel >= 0.95
	return res
}
