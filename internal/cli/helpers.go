package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/manifoldco/promptui"

	"github.com/headline-goat/price-goat/internal/armstats"
	"github.com/headline-goat/price-goat/internal/cache"
	"github.com/headline-goat/price-goat/internal/store"
)

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// statsBackend picks where arm counters live: Redis when configured, the
// SQLite store otherwise. The returned func releases the backend.
func statsBackend(ctx context.Context, s *store.SQLiteStore) (armstats.Backend, func(), error) {
	if cfg.RedisURL == "" {
		return s, func() {}, nil
	}
	client, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return cache.NewRedisStats(client), func() { client.Close() }, nil
}

func tokenFilePath() string {
	// Store token file alongside the database
	return filepath.Join(filepath.Dir(cfg.DBPath), ".price-goat-token")
}

var errAborted = errors.New("aborted")

// confirm asks a yes/no question. Anything but "y" aborts.
func confirm(label string) error {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
			return errAborted
		}
		return err
	}
	return nil
}

// pickItem lets the operator choose an item interactively.
func pickItem(ctx context.Context, s store.Store) (*store.Item, error) {
	items, err := s.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no items yet. Create one with: price-goat item create <external-id>")
	}

	labels := make([]string, len(items))
	for i, it := range items {
		labels[i] = fmt.Sprintf("%s (%s)", it.ExternalID, it.Name)
	}
	prompt := promptui.Select{
		Label: "Item",
		Items: labels,
		Size:  10,
	}
	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return nil, errAborted
		}
		return nil, err
	}
	return items[idx], nil
}

// describeErr turns store errors into operator-facing messages.
func describeErr(action string, err error) error {
	var validation *store.ValidationError
	switch {
	case errors.As(err, &validation):
		return fmt.Errorf("cannot %s: %s", action, validation.Reason)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("cannot %s: %w", action, err)
	default:
		return fmt.Errorf("failed to %s: %w", action, err)
	}
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}

func formatCents(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
