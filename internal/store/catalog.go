package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func (s *SQLiteStore) CreateItem(ctx context.Context, externalID, name string) (*Item, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, validationf("item external id is required")
	}

	now := s.now()
	item := &Item{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		Name:       strings.TrimSpace(name),
		CreatedAt:  fromMillis(now.UnixMilli()),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, external_id, name, created_at) VALUES (?, ?, ?, ?)`,
		item.ID, item.ExternalID, item.Name, now.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return nil, validationf("item %q already exists", externalID)
	}
	if err != nil {
		return nil, wrapErr("insert item", err)
	}

	return item, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*Item, error) {
	return s.getItem(ctx, s.db, `WHERE id = ?`, id)
}

// ResolveItem finds an item by internal id or by the developer-facing
// external id.
func (s *SQLiteStore) ResolveItem(ctx context.Context, ref string) (*Item, error) {
	return s.getItem(ctx, s.db, `WHERE id = ? OR external_id = ? LIMIT 1`, ref, ref)
}

func (s *SQLiteStore) getItem(ctx context.Context, q querier, where string, args ...any) (*Item, error) {
	var item Item
	var createdAt int64
	err := q.QueryRowContext(ctx,
		`SELECT id, external_id, name, created_at FROM items `+where, args...,
	).Scan(&item.ID, &item.ExternalID, &item.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "item", ID: fmt.Sprint(args[0])}
	}
	if err != nil {
		return nil, wrapErr("get item", err)
	}
	item.CreatedAt = fromMillis(createdAt)
	return &item, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_id, name, created_at FROM items ORDER BY external_id`,
	)
	if err != nil {
		return nil, wrapErr("list items", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var item Item
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.ExternalID, &item.Name, &createdAt); err != nil {
			return nil, wrapErr("scan item", err)
		}
		item.CreatedAt = fromMillis(createdAt)
		items = append(items, &item)
	}
	return items, wrapErr("list items", rows.Err())
}

const variantColumns = `id, item_id, price_cents, quantity, currency, product_type, platform, binding, active, created_at, updated_at`

func (s *SQLiteStore) CreateVariant(ctx context.Context, cfg VariantConfig) (*Variant, error) {
	if cfg.Binding == nil {
		cfg.Binding = AgnosticBinding{}
	}
	if cfg.ProductType == "" {
		cfg.ProductType = ProductConsumable
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if err := validateVariant(cfg); err != nil {
		return nil, err
	}

	if _, err := s.GetItem(ctx, cfg.ItemID); err != nil {
		return nil, err
	}

	platform, binding, err := encodeBinding(cfg.Binding)
	if err != nil {
		return nil, err
	}

	now := s.now()
	v := &Variant{
		ID:          uuid.NewString(),
		ItemID:      cfg.ItemID,
		PriceCents:  cfg.PriceCents,
		Quantity:    cfg.Quantity,
		Currency:    cfg.Currency,
		ProductType: cfg.ProductType,
		Binding:     cfg.Binding,
		Active:      true,
		CreatedAt:   fromMillis(now.UnixMilli()),
		UpdatedAt:   fromMillis(now.UnixMilli()),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO variants (`+variantColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		v.ID, v.ItemID, v.PriceCents, v.Quantity, v.Currency, string(v.ProductType),
		string(platform), binding, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, wrapErr("insert variant", err)
	}

	return v, nil
}

func validateVariant(cfg VariantConfig) error {
	if cfg.ItemID == "" {
		return validationf("variant item id is required")
	}
	if cfg.PriceCents < 0 {
		return validationf("variant price must not be negative")
	}
	if cfg.Quantity <= 0 {
		return validationf("variant quantity must be positive")
	}
	if len(cfg.Currency) != 3 {
		return validationf("variant currency must be a 3-letter code, got %q", cfg.Currency)
	}
	switch cfg.ProductType {
	case ProductConsumable, ProductNonConsumable, ProductSubscription:
	default:
		return validationf("unknown product type %q", cfg.ProductType)
	}
	switch b := cfg.Binding.(type) {
	case IOSBinding:
		if b.ProductID == "" {
			return validationf("ios variants need a product id")
		}
	case AndroidBinding:
		if b.SKU == "" {
			return validationf("android variants need a sku")
		}
	case AgnosticBinding:
	default:
		return validationf("unsupported platform binding %T", cfg.Binding)
	}
	return nil
}

func encodeBinding(b Binding) (Platform, string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal binding: %w", err)
	}
	return b.Platform(), string(raw), nil
}

func decodeBinding(platform, raw string) (Binding, error) {
	switch Platform(platform) {
	case PlatformIOS:
		var b IOSBinding
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ios binding: %w", err)
		}
		return b, nil
	case PlatformAndroid:
		var b AndroidBinding
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal android binding: %w", err)
		}
		return b, nil
	case PlatformAgnostic:
		return AgnosticBinding{}, nil
	}
	return nil, fmt.Errorf("unknown platform %q in variant row", platform)
}

func scanVariant(row rowScanner) (*Variant, error) {
	var v Variant
	var productType, platform, binding string
	var active int
	var createdAt, updatedAt int64
	if err := row.Scan(&v.ID, &v.ItemID, &v.PriceCents, &v.Quantity, &v.Currency, &productType,
		&platform, &binding, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b, err := decodeBinding(platform, binding)
	if err != nil {
		return nil, err
	}
	v.ProductType = ProductType(productType)
	v.Binding = b
	v.Active = active == 1
	v.CreatedAt = fromMillis(createdAt)
	v.UpdatedAt = fromMillis(updatedAt)
	return &v, nil
}

func (s *SQLiteStore) GetVariant(ctx context.Context, id string) (*Variant, error) {
	return s.getVariant(ctx, s.db, id)
}

func (s *SQLiteStore) getVariant(ctx context.Context, q querier, id string) (*Variant, error) {
	v, err := scanVariant(q.QueryRowContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "variant", ID: id}
	}
	if err != nil {
		return nil, wrapErr("get variant", err)
	}
	return v, nil
}

// ListVariants returns every variant of an item, cheapest first.
func (s *SQLiteStore) ListVariants(ctx context.Context, itemID string) ([]*Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE item_id = ?
		 ORDER BY price_cents, created_at, id`, itemID)
	if err != nil {
		return nil, wrapErr("list variants", err)
	}
	defer rows.Close()

	var variants []*Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, wrapErr("scan variant", err)
		}
		variants = append(variants, v)
	}
	return variants, wrapErr("list variants", rows.Err())
}

// UpdateVariant changes the offer of a variant. Variants referenced by a
// running or paused experiment are frozen so an arm's statistics always
// describe one price; a new variant and arm must be created instead.
func (s *SQLiteStore) UpdateVariant(ctx context.Context, id string, upd VariantUpdate) (*Variant, error) {
	var updated *Variant
	err := s.inTx(ctx, "update variant", func(tx *sql.Tx) error {
		v, err := s.getVariant(ctx, tx, id)
		if err != nil {
			return err
		}

		var live int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM arms a JOIN experiments e ON e.id = a.experiment_id
			 WHERE a.variant_id = ? AND e.state IN ('running', 'paused')`, id,
		).Scan(&live)
		if err != nil {
			return wrapErr("check variant usage", err)
		}
		if live > 0 {
			return validationf("variant %s is referenced by a running or paused experiment", id)
		}

		cfg := VariantConfig{
			ItemID:      v.ItemID,
			PriceCents:  v.PriceCents,
			Quantity:    v.Quantity,
			Currency:    v.Currency,
			ProductType: v.ProductType,
			Binding:     v.Binding,
		}
		if upd.PriceCents != nil {
			cfg.PriceCents = *upd.PriceCents
		}
		if upd.Quantity != nil {
			cfg.Quantity = *upd.Quantity
		}
		if upd.Currency != nil {
			cfg.Currency = strings.ToUpper(strings.TrimSpace(*upd.Currency))
		}
		if err := validateVariant(cfg); err != nil {
			return err
		}

		now := s.now().UnixMilli()
		_, err = tx.ExecContext(ctx,
			`UPDATE variants SET price_cents = ?, quantity = ?, currency = ?, updated_at = ? WHERE id = ?`,
			cfg.PriceCents, cfg.Quantity, cfg.Currency, now, id,
		)
		if err != nil {
			return wrapErr("update variant", err)
		}

		v.PriceCents, v.Quantity, v.Currency = cfg.PriceCents, cfg.Quantity, cfg.Currency
		v.UpdatedAt = fromMillis(now)
		updated = v
		return nil
	})
	return updated, err
}

func (s *SQLiteStore) SetVariantActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE variants SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), s.now().UnixMilli(), id,
	)
	if err != nil {
		return wrapErr("update variant", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrapErr("get rows affected", err)
	}
	if rowsAffected == 0 {
		return &NotFoundError{Kind: "variant", ID: id}
	}
	return nil
}
