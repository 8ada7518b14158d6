package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/results"
	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newResultsCmd())
}

func newResultsCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "results <experiment-id>",
		Short: "Show detailed results for an experiment",
		Long: `Show per-arm conversion rates, ARPU and confidence intervals.

Examples:
  price-goat results <experiment-id>
  price-goat results <experiment-id> --from 2026-03-01T00:00:00Z --to 2026-03-08T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := parseWindow(from, to)
			if err != nil {
				return err
			}
			return withStore(func(s *store.SQLiteStore) error {
				report, err := results.New(s).Compute(cmd.Context(), args[0], window)
				if err != nil {
					return describeErr("compute results", err)
				}
				printReport(cmd, report)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC3339)")
	return cmd
}

func parseWindow(from, to string) (results.Window, error) {
	var w results.Window
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return w, fmt.Errorf("invalid --from: %w", err)
		}
		w.From = t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return w, fmt.Errorf("invalid --to: %w", err)
		}
		w.To = t
	}
	return w, nil
}

func printReport(cmd *cobra.Command, report *results.Report) {
	out := cmd.OutOrStdout()

	// Print header
	fmt.Fprintf(out, "EXPERIMENT: %s\n", report.Name)
	fmt.Fprintf(out, "STATE: %s\n", report.State)
	if report.From != nil || report.To != nil {
		fmt.Fprintf(out, "WINDOW: %s - %s\n", formatBound(report.From), formatBound(report.To))
	}
	fmt.Fprintf(out, "BASELINE IMPRESSIONS: %d\n", report.BaselineImpressions)
	fmt.Fprintln(out)

	// Print table header
	fmt.Fprintln(out, "ARM               IMPRESSIONS  CONVERSIONS  RATE     ARPU      95% CI")
	fmt.Fprintln(out, strings.Repeat("─", 78))

	for _, a := range report.Arms {
		indicator := ""
		if a.ArmID == report.LeadingArmID && len(report.Arms) > 1 {
			indicator = " ← LEADING"
		}
		if a.IsControl {
			indicator += " (control)"
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", a.CILower*100, a.CIUpper*100)
		if a.Impressions == 0 {
			ciStr = "N/A"
		}

		// Truncate name if too long
		name := a.Name
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		fmt.Fprintf(out, "%-16s  %-11d  %-11d  %-7s  %-8s  %s%s\n",
			name,
			a.Impressions,
			a.Conversions,
			formatPercent(a.ConversionRate),
			a.ARPUExact.String(),
			ciStr,
			indicator,
		)
	}

	fmt.Fprintln(out)

	// Print significance message
	if len(report.Arms) > 1 {
		leading := report.LeadingArmID
		for _, a := range report.Arms {
			if a.ArmID == report.LeadingArmID {
				leading = a.Name
			}
		}
		confPct := report.ConfidenceLevel * 100

		switch {
		case report.Confident:
			fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" is the winner\n", confPct, leading)
		case confPct >= 90:
			fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" beats control (not yet significant)\n", confPct, leading)
		default:
			fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
		}
	}
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "open"
	}
	return t.Format(time.RFC3339)
}
