package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newVariantCmd())
}

func newVariantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variant",
		Short: "Manage price variants of an item",
	}
	cmd.AddCommand(
		newVariantCreateCmd(),
		newVariantListCmd(),
		newVariantUpdateCmd(),
		newVariantActiveCmd("activate", "Make a variant selectable again", true),
		newVariantActiveCmd("deactivate", "Stop offering a variant", false),
	)
	return cmd
}

func newVariantCreateCmd() *cobra.Command {
	var (
		priceCents  int64
		quantity    int
		currency    string
		productType string
		platform    string
		productID   string
		sku         string
		packageName string
	)

	cmd := &cobra.Command{
		Use:   "create <item>",
		Short: "Add a price variant to an item",
		Long: `Add a price variant. Platform-bound variants need the storefront
product identifier.

Examples:
  price-goat variant create gems_small --price 199 --quantity 100
  price-goat variant create gems_small --price 199 --quantity 100 --platform ios --product-id com.game.gems100
  price-goat variant create gems_small --price 199 --quantity 100 --platform android --sku gems_100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := store.ParsePlatform(platform)
			if err != nil {
				return err
			}
			var binding store.Binding
			switch p {
			case store.PlatformIOS:
				binding = store.IOSBinding{ProductID: productID}
			case store.PlatformAndroid:
				binding = store.AndroidBinding{SKU: sku, PackageName: packageName}
			default:
				binding = store.AgnosticBinding{}
			}

			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()
				item, err := s.ResolveItem(ctx, args[0])
				if err != nil {
					return describeErr("find item", err)
				}
				v, err := s.CreateVariant(ctx, store.VariantConfig{
					ItemID:      item.ID,
					PriceCents:  priceCents,
					Quantity:    quantity,
					Currency:    currency,
					ProductType: store.ProductType(productType),
					Binding:     binding,
				})
				if err != nil {
					return describeErr("create variant", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s variant %s: %d for %s\n",
					v.Platform(), v.ID, v.Quantity, formatCents(v.PriceCents, v.Currency))
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&priceCents, "price", 0, "price in cents (required)")
	cmd.Flags().IntVar(&quantity, "quantity", 1, "units granted per purchase")
	cmd.Flags().StringVar(&currency, "currency", "USD", "ISO 4217 currency code")
	cmd.Flags().StringVar(&productType, "type", string(store.ProductConsumable), "consumable, non_consumable or subscription")
	cmd.Flags().StringVar(&platform, "platform", string(store.PlatformAgnostic), "ios, android or agnostic")
	cmd.Flags().StringVar(&productID, "product-id", "", "App Store product id (ios)")
	cmd.Flags().StringVar(&sku, "sku", "", "Play Store sku (android)")
	cmd.Flags().StringVar(&packageName, "package", "", "Play Store package name (android, optional)")
	cmd.MarkFlagRequired("price")

	return cmd
}

func newVariantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <item>",
		Short: "List the variants of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()
				item, err := s.ResolveItem(ctx, args[0])
				if err != nil {
					return describeErr("find item", err)
				}
				variants, err := s.ListVariants(ctx, item.ID)
				if err != nil {
					return fmt.Errorf("failed to list variants: %w", err)
				}
				if len(variants) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Item '%s' has no variants yet.\n", item.ExternalID)
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPRICE\tQUANTITY\tPLATFORM\tPRODUCT\tACTIVE")
				for _, v := range variants {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%t\n",
						v.ID, formatCents(v.PriceCents, v.Currency), v.Quantity, v.Platform(), v.ProductID(), v.Active)
				}
				return w.Flush()
			})
		},
	}
}

func newVariantActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <variant-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				if err := s.SetVariantActive(cmd.Context(), args[0], active); err != nil {
					return describeErr(use+" variant", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Variant %s %sd.\n", args[0], use)
				return nil
			})
		},
	}
}

func newVariantUpdateCmd() *cobra.Command {
	var (
		priceCents int64
		quantity   int
		currency   string
	)

	cmd := &cobra.Command{
		Use:   "update <variant-id>",
		Short: "Change a variant's price, quantity or currency",
		Long: `Change a variant's price, quantity or currency. Variants used by a
running or paused experiment cannot change; add a new variant and arm instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd store.VariantUpdate
			if cmd.Flags().Changed("price") {
				upd.PriceCents = &priceCents
			}
			if cmd.Flags().Changed("quantity") {
				upd.Quantity = &quantity
			}
			if cmd.Flags().Changed("currency") {
				upd.Currency = &currency
			}
			if upd == (store.VariantUpdate{}) {
				return fmt.Errorf("nothing to update: pass --price, --quantity or --currency")
			}

			return withStore(func(s *store.SQLiteStore) error {
				v, err := s.UpdateVariant(cmd.Context(), args[0], upd)
				if err != nil {
					return describeErr("update variant", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated variant %s: %d for %s\n",
					v.ID, v.Quantity, formatCents(v.PriceCents, v.Currency))
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&priceCents, "price", 0, "price in cents")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "units granted per purchase")
	cmd.Flags().StringVar(&currency, "currency", "", "ISO 4217 currency code")

	return cmd
}
