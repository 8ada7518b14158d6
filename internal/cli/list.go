package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newListCmd())
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all experiments",
		Long:  `List all price experiments with their state and live arm counters.`,
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		ctx := cmd.Context()

		experiments, err := s.ListExperiments(ctx)
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}

		if len(experiments) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No experiments yet.")
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "Create one with: price-goat create <item>")
			return nil
		}

		// Print table
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tARMS\tTRAFFIC\tIMPRESSIONS\tCONVERSIONS\tCREATED")

		for _, exp := range experiments {
			arms, err := s.ListArms(ctx, exp.ID)
			if err != nil {
				return fmt.Errorf("failed to list arms for experiment %s: %w", exp.ID, err)
			}
			ids := make([]string, len(arms))
			for i, a := range arms {
				ids[i] = a.ID
			}
			stats, err := s.GetArmStats(ctx, ids)
			if err != nil {
				return fmt.Errorf("failed to get stats for experiment %s: %w", exp.ID, err)
			}

			var impressions, conversions int64
			for _, st := range stats {
				impressions += st.Impressions
				conversions += st.Conversions
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d%%\t%s\t%s\t%s\n",
				exp.ID,
				exp.Name,
				strings.ToUpper(string(exp.State)),
				len(arms),
				exp.TrafficPercent,
				formatNumber(impressions),
				formatNumber(conversions),
				exp.CreatedAt.Format("2006-01-02"),
			)
		}

		return w.Flush()
	})
}
