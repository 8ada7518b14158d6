package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newWinnerCmd())
}

func newWinnerCmd() *cobra.Command {
	var (
		armRef string
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "winner <experiment-id>",
		Short: "Declare a winning arm and stop the experiment",
		Long: `Record the winning arm on the experiment and stop it.

After declaring a winner, promote the arm's variant in the catalog; the
engine serves the cheapest compatible variant once nothing is running.

Example:
  price-goat winner <experiment-id> --arm arm-b`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()
				exp, err := s.GetExperiment(ctx, args[0])
				if err != nil {
					return describeErr("find experiment", err)
				}
				if exp.State == store.StateStopped {
					return fmt.Errorf("experiment is already stopped")
				}

				arms, err := s.ListArms(ctx, exp.ID)
				if err != nil {
					return fmt.Errorf("failed to list arms: %w", err)
				}
				var winner *store.Arm
				for _, a := range arms {
					if a.ID == armRef || a.Name == armRef {
						winner = a
						break
					}
				}
				if winner == nil {
					return fmt.Errorf("arm '%s' is not part of experiment %s", armRef, exp.ID)
				}

				if !yes {
					if err := confirm(fmt.Sprintf("Declare '%s' the winner and stop the experiment", winner.Name)); err != nil {
						return err
					}
				}

				if err := s.SetExperimentMetadata(ctx, exp.ID, "winner_arm", winner.ID); err != nil {
					return describeErr("record winner", err)
				}
				if err := s.SetExperimentMetadata(ctx, exp.ID, "winner_variant", winner.VariantID); err != nil {
					return describeErr("record winner", err)
				}
				if _, err := s.Transition(ctx, exp.ID, store.StateStopped); err != nil {
					return describeErr("stop experiment", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Declared winner for experiment '%s': arm '%s' (variant %s)\n", exp.Name, winner.Name, winner.VariantID)
				fmt.Fprintln(out, "Experiment has been stopped.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&armRef, "arm", "", "winning arm id or name (required)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.MarkFlagRequired("arm")
	return cmd
}
