package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/headline-goat/price-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newExportCmd())
}

func newExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <experiment-id>",
		Short: "Export raw outcome data",
		Long: `Export the outcome log of an experiment in CSV or JSON format.

Examples:
  price-goat export <experiment-id> --format csv > outcomes.csv
  price-goat export <experiment-id> --format json > outcomes.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			return withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()

				// Verify experiment exists
				if _, err := s.GetExperiment(ctx, args[0]); err != nil {
					return describeErr("find experiment", err)
				}

				outcomes, err := s.ListOutcomes(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get outcomes: %w", err)
				}

				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), outcomes)
				}
				return exportJSON(cmd.OutOrStdout(), outcomes)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

func exportCSV(out io.Writer, outcomes []*store.Outcome) error {
	w := csv.NewWriter(out)

	// Write header
	header := []string{"timestamp", "event_type", "player_id", "arm_id", "transaction_id", "price_cents", "quantity", "status"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Write rows
	for _, o := range outcomes {
		row := []string{
			o.CreatedAt.UTC().Format(time.RFC3339),
			string(o.EventType),
			o.PlayerID,
			o.ArmID,
			o.TransactionID,
			strconv.FormatInt(o.PriceCents, 10),
			strconv.Itoa(o.Quantity),
			string(o.Status),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	Outcomes []jsonOutcome `json:"outcomes"`
}

type jsonOutcome struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	PlayerID      string    `json:"player_id"`
	ArmID         string    `json:"arm_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	PriceCents    int64     `json:"price_cents,omitempty"`
	Quantity      int       `json:"quantity,omitempty"`
	Status        string    `json:"status,omitempty"`
}

func exportJSON(out io.Writer, outcomes []*store.Outcome) error {
	export := jsonExport{
		Outcomes: make([]jsonOutcome, len(outcomes)),
	}

	for i, o := range outcomes {
		export.Outcomes[i] = jsonOutcome{
			Timestamp:     o.CreatedAt.UTC(),
			EventType:     string(o.EventType),
			PlayerID:      o.PlayerID,
			ArmID:         o.ArmID,
			TransactionID: o.TransactionID,
			PriceCents:    o.PriceCents,
			Quantity:      o.Quantity,
			Status:        string(o.Status),
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
