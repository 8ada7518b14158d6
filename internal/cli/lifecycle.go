package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(
		newLifecycleCmd("start", "Start an experiment", store.StateRunning),
		newLifecycleCmd("pause", "Pause a running experiment", store.StatePaused),
		newLifecycleCmd("stop", "Stop an experiment for good", store.StateStopped),
	)
}

// newLifecycleCmd builds start, pause and stop. Stopping is terminal, so it
// asks for confirmation unless --yes is given.
func newLifecycleCmd(use, short string, target store.ExperimentState) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   use + " <experiment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == store.StateStopped && !yes {
				if err := confirm(fmt.Sprintf("Stop experiment %s? This cannot be undone", args[0])); err != nil {
					return err
				}
			}

			return withStore(func(s *store.SQLiteStore) error {
				exp, err := s.Transition(cmd.Context(), args[0], target)
				if err != nil {
					return describeErr(use+" experiment", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Experiment '%s' is now %s\n", exp.Name, exp.State)
				return nil
			})
		},
	}

	if target == store.StateStopped {
		cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	}
	return cmd
}
