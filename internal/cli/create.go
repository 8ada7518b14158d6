package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		name      string
		traffic   int
		platforms string
	)

	cmd := &cobra.Command{
		Use:   "create [item]",
		Short: "Create a draft price experiment",
		Long: `Create a draft price experiment on an item. Without an item argument
you pick one interactively.

Examples:
  price-goat create gems_small --name "gem pack price"
  price-goat create gems_small --traffic 50 --platforms ios,android`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var platformList []store.Platform
			for _, raw := range strings.Split(platforms, ",") {
				if strings.TrimSpace(raw) == "" {
					continue
				}
				p, err := store.ParsePlatform(raw)
				if err != nil {
					return err
				}
				platformList = append(platformList, p)
			}

			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()

				var item *store.Item
				var err error
				if len(args) == 1 {
					item, err = s.ResolveItem(ctx, args[0])
					if err != nil {
						return describeErr("find item", err)
					}
				} else {
					item, err = pickItem(ctx, s)
					if err != nil {
						return err
					}
				}

				exp, err := s.CreateExperiment(ctx, store.ExperimentConfig{
					ItemID:         item.ID,
					Name:           name,
					TrafficPercent: traffic,
					Platforms:      platformList,
				})
				if err != nil {
					return describeErr("create experiment", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created experiment '%s' on item '%s'\n", exp.Name, item.ExternalID)
				fmt.Fprintf(out, "  ID: %s\n", exp.ID)
				fmt.Fprintf(out, "  Traffic: %d%%\n", exp.TrafficPercent)
				if len(exp.Platforms) > 0 {
					fmt.Fprintf(out, "  Platforms: %v\n", exp.Platforms)
				}
				fmt.Fprintln(out)
				fmt.Fprintf(out, "Next: price-goat arm add %s --variant <variant-id> --weight 50 --control\n", exp.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "experiment name (defaults to the item's external id)")
	cmd.Flags().IntVar(&traffic, "traffic", 100, "percent of players enrolled (1-100)")
	cmd.Flags().StringVar(&platforms, "platforms", "", "comma-separated platforms to target (default all)")
	return cmd
}
