package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newItemCmd())
}

func newItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage store items",
	}
	cmd.AddCommand(newItemCreateCmd(), newItemListCmd())
	return cmd
}

func newItemCreateCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create <external-id>",
		Short: "Register a store item",
		Long: `Register an item from the game's catalog so it can be priced.

Example:
  price-goat item create gems_small --name "Small gem pack"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				item, err := s.CreateItem(cmd.Context(), args[0], name)
				if err != nil {
					return describeErr("create item", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created item '%s' (%s)\n", item.ExternalID, item.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the external id)")
	return cmd
}

func newItemListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List store items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				items, err := s.ListItems(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list items: %w", err)
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No items yet.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tEXTERNAL ID\tNAME\tCREATED")
				for _, it := range items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", it.ID, it.ExternalID, it.Name, it.CreatedAt.Format("2006-01-02"))
				}
				return w.Flush()
			})
		},
	}
}
