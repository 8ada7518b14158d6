package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newArmCmd())
}

func newArmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "arm",
		Short: "Manage experiment arms",
	}
	cmd.AddCommand(newArmAddCmd())
	return cmd
}

func newArmAddCmd() *cobra.Command {
	var (
		name      string
		variantID string
		weight    int
		control   bool
	)

	cmd := &cobra.Command{
		Use:   "add <experiment-id>",
		Short: "Add an arm to a draft or paused experiment",
		Long: `Add an arm pointing at one price variant. Weights are the cold-start
split and must not add up to more than 100.

Example:
  price-goat arm add <experiment-id> --variant <variant-id> --weight 50 --control`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				arm, err := s.AddArm(cmd.Context(), args[0], store.ArmConfig{
					Name:      name,
					Weight:    weight,
					IsControl: control,
					VariantID: variantID,
				})
				if err != nil {
					return describeErr("add arm", err)
				}

				role := ""
				if arm.IsControl {
					role = " (control)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added arm '%s'%s with weight %d: %s\n", arm.Name, role, arm.Weight, arm.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "arm name (optional)")
	cmd.Flags().StringVar(&variantID, "variant", "", "variant id served by this arm (required)")
	cmd.Flags().IntVar(&weight, "weight", 0, "cold-start weight 0-100")
	cmd.Flags().BoolVar(&control, "control", false, "mark this arm as the control")
	cmd.MarkFlagRequired("variant")
	return cmd
}
