package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/armstats"
	"github.com/headline-goat/price-goat/internal/ingest"
	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newRebuildStatsCmd())
}

func newRebuildStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-stats <experiment-id>",
		Short: "Recompute arm counters from the outcome log",
		Long: `Recompute the live arm counters of an experiment from its outcome
log and overwrite the stored values. Use after a lost Redis instance or
when counters drifted from the log.

Example:
  price-goat rebuild-stats <experiment-id>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()

				backend, release, err := statsBackend(ctx, s)
				if err != nil {
					return err
				}
				defer release()

				in := ingest.New(s, armstats.New(backend, cfg.StatsTTL))
				rebuilt, err := in.RebuildArmStats(ctx, args[0])
				if err != nil {
					return describeErr("rebuild stats", err)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ARM\tIMPRESSIONS\tCONVERSIONS\tREVENUE")
				for _, st := range rebuilt {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", st.ArmID, formatNumber(st.Impressions), formatNumber(st.Conversions), st.RevenueCents)
				}
				return w.Flush()
			})
		},
	}
}
