package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"
)

func (s *SQLiteStore) GetAssignment(ctx context.Context, playerID, experimentID string) (*Assignment, error) {
	var a Assignment
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT player_id, experiment_id, arm_id, created_at FROM assignments
		 WHERE player_id = ? AND experiment_id = ?`, playerID, experimentID,
	).Scan(&a.PlayerID, &a.ExperimentID, &a.ArmID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "assignment", ID: playerID + "/" + experimentID}
	}
	if err != nil {
		return nil, wrapErr("get assignment", err)
	}
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

// CreateAssignment binds a player to an arm of a running experiment. The
// insert is conditional on the (player, experiment) key being free, so
// concurrent first requests settle on one row; the row that won is returned.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, a Assignment) (*Assignment, error) {
	if a.PlayerID == "" || a.ExperimentID == "" || a.ArmID == "" {
		return nil, validationf("assignment needs player, experiment and arm")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (player_id, experiment_id, arm_id, created_at)
		 SELECT ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM experiments WHERE id = ? AND state = 'running')
		   AND EXISTS (SELECT 1 FROM arms WHERE id = ? AND experiment_id = ?)`,
		a.PlayerID, a.ExperimentID, a.ArmID, s.now().UnixMilli(),
		a.ExperimentID, a.ArmID, a.ExperimentID,
	)
	if err != nil {
		return nil, wrapErr("insert assignment", err)
	}

	winner, err := s.GetAssignment(ctx, a.PlayerID, a.ExperimentID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrExperimentNotRunning
	}
	return winner, err
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, o Outcome) (*Outcome, error) {
	if o.PlayerID == "" || o.ItemID == "" {
		return nil, validationf("outcome needs player and item")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	o.CreatedAt = fromMillis(o.CreatedAt.UnixMilli())

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (event_type, player_id, item_id, experiment_id, arm_id, transaction_id,
		                       price_cents, quantity, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(o.EventType), o.PlayerID, o.ItemID, nullableString(o.ExperimentID), nullableString(o.ArmID),
		nullableString(o.TransactionID), o.PriceCents, o.Quantity, nullableString(string(o.Status)),
		o.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, wrapErr("record outcome", err)
	}

	o.ID, err = result.LastInsertId()
	if err != nil {
		return nil, wrapErr("get last insert id", err)
	}
	return &o, nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, experimentID string) ([]*Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, player_id, item_id, experiment_id, arm_id, transaction_id,
		        price_cents, quantity, status, created_at
		 FROM outcomes WHERE experiment_id = ? ORDER BY created_at DESC, id DESC`, experimentID)
	if err != nil {
		return nil, wrapErr("list outcomes", err)
	}
	defer rows.Close()

	var outcomes []*Outcome
	for rows.Next() {
		var o Outcome
		var eventType string
		var expID, armID, txID, status sql.NullString
		var createdAt int64
		if err := rows.Scan(&o.ID, &eventType, &o.PlayerID, &o.ItemID, &expID, &armID, &txID,
			&o.PriceCents, &o.Quantity, &status, &createdAt); err != nil {
			return nil, wrapErr("scan outcome", err)
		}
		o.EventType = EventType(eventType)
		o.ExperimentID, o.ArmID, o.TransactionID = expID.String, armID.String, txID.String
		o.Status = PurchaseStatus(status.String)
		o.CreatedAt = fromMillis(createdAt)
		outcomes = append(outcomes, &o)
	}
	return outcomes, wrapErr("list outcomes", rows.Err())
}

const purchaseColumns = `transaction_id, player_id, item_id, experiment_id, arm_id, price_cents, quantity, status, verified_at, created_at, updated_at`

func scanPurchase(row rowScanner) (*Purchase, error) {
	var p Purchase
	var expID, armID sql.NullString
	var status string
	var verifiedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&p.TransactionID, &p.PlayerID, &p.ItemID, &expID, &armID,
		&p.PriceCents, &p.Quantity, &status, &verifiedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.ExperimentID, p.ArmID = expID.String, armID.String
	p.Status = PurchaseStatus(status)
	p.VerifiedAt = nullableMillis(verifiedAt)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// ApplyPurchase advances the per-transaction state machine
// pending -> verified | failed. Unknown transactions are inserted in the
// reported status; terminal transactions never change again. Counted is set
// for the one call that makes the transaction verified.
func (s *SQLiteStore) ApplyPurchase(ctx context.Context, p Purchase) (PurchaseTransition, error) {
	if strings.TrimSpace(p.TransactionID) == "" {
		return PurchaseTransition{}, validationf("purchase needs a transaction id")
	}
	if _, err := ParsePurchaseStatus(string(p.Status)); err != nil {
		return PurchaseTransition{}, err
	}
	if p.PriceCents < 0 || p.Quantity < 0 {
		return PurchaseTransition{}, validationf("purchase price and quantity must not be negative")
	}

	var out PurchaseTransition
	err := s.inTx(ctx, "apply purchase", func(tx *sql.Tx) error {
		existing, err := scanPurchase(tx.QueryRowContext(ctx,
			`SELECT `+purchaseColumns+` FROM purchases WHERE transaction_id = ?`, p.TransactionID))
		now := s.now().UnixMilli()
		var verifiedAt sql.NullInt64
		if p.Status == PurchaseVerified {
			verifiedAt = sql.NullInt64{Int64: now, Valid: true}
			if !p.OccurredAt.IsZero() {
				verifiedAt.Int64 = p.OccurredAt.UnixMilli()
			}
		}

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if p.PlayerID == "" || p.ItemID == "" {
				return validationf("purchase needs player and item")
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO purchases (`+purchaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.TransactionID, p.PlayerID, p.ItemID, nullableString(p.ExperimentID), nullableString(p.ArmID),
				p.PriceCents, p.Quantity, string(p.Status), verifiedAt, now, now,
			)
			if err != nil {
				return wrapErr("insert purchase", err)
			}
			p.CreatedAt, p.UpdatedAt = fromMillis(now), fromMillis(now)
			p.VerifiedAt = nullableMillis(verifiedAt)
			out = PurchaseTransition{Purchase: p, Changed: true, Counted: p.Status == PurchaseVerified}
			return nil

		case err != nil:
			return wrapErr("get purchase", err)
		}

		if existing.Status.Terminal() || !p.Status.Terminal() {
			out = PurchaseTransition{Purchase: *existing}
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE purchases SET
			     status = ?,
			     experiment_id = COALESCE(experiment_id, ?),
			     arm_id = COALESCE(arm_id, ?),
			     price_cents = CASE WHEN ? > 0 THEN ? ELSE price_cents END,
			     quantity = CASE WHEN ? > 0 THEN ? ELSE quantity END,
			     verified_at = ?,
			     updated_at = ?
			 WHERE transaction_id = ? AND status = 'pending'`,
			string(p.Status), nullableString(p.ExperimentID), nullableString(p.ArmID),
			p.PriceCents, p.PriceCents, p.Quantity, p.Quantity, verifiedAt, now, p.TransactionID,
		)
		if err != nil {
			return wrapErr("update purchase", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return wrapErr("get rows affected", err)
		} else if n == 0 {
			out = PurchaseTransition{Purchase: *existing}
			return nil
		}

		updated, err := scanPurchase(tx.QueryRowContext(ctx,
			`SELECT `+purchaseColumns+` FROM purchases WHERE transaction_id = ?`, p.TransactionID))
		if err != nil {
			return wrapErr("get purchase", err)
		}
		out = PurchaseTransition{Purchase: *updated, Changed: true, Counted: updated.Status == PurchaseVerified}
		return nil
	})
	return out, err
}

// IncrArmStats adds d to an arm's counters in a single upsert statement.
func (s *SQLiteStore) IncrArmStats(ctx context.Context, armID string, d StatsDelta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO arm_stats (arm_id, impressions, conversions, revenue_cents, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(arm_id) DO UPDATE SET
		     impressions = impressions + excluded.impressions,
		     conversions = conversions + excluded.conversions,
		     revenue_cents = revenue_cents + excluded.revenue_cents,
		     updated_at = excluded.updated_at`,
		armID, d.Impressions, d.Conversions, d.RevenueCents, s.now().UnixMilli(),
	)
	return wrapErr("increment arm stats", err)
}

// GetArmStats returns stored counters keyed by arm id. Arms without any
// recorded activity are absent from the map.
func (s *SQLiteStore) GetArmStats(ctx context.Context, armIDs []string) (map[string]ArmStats, error) {
	out := make(map[string]ArmStats, len(armIDs))
	if len(armIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(armIDs)), ", ")
	args := make([]any, len(armIDs))
	for i, id := range armIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT arm_id, impressions, conversions, revenue_cents, updated_at
		 FROM arm_stats WHERE arm_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, wrapErr("get arm stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st ArmStats
		var updatedAt int64
		if err := rows.Scan(&st.ArmID, &st.Impressions, &st.Conversions, &st.RevenueCents, &updatedAt); err != nil {
			return nil, wrapErr("scan arm stats", err)
		}
		st.UpdatedAt = fromMillis(updatedAt)
		out[st.ArmID] = st
	}
	return out, wrapErr("get arm stats", rows.Err())
}

func (s *SQLiteStore) SetArmStats(ctx context.Context, st ArmStats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO arm_stats (arm_id, impressions, conversions, revenue_cents, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(arm_id) DO UPDATE SET
		     impressions = excluded.impressions,
		     conversions = excluded.conversions,
		     revenue_cents = excluded.revenue_cents,
		     updated_at = excluded.updated_at`,
		st.ArmID, st.Impressions, st.Conversions, st.RevenueCents, s.now().UnixMilli(),
	)
	return wrapErr("set arm stats", err)
}

// ComputeArmStats derives an arm's counters from the outcome log and the
// verified purchases, optionally ignoring events that happened after until.
func (s *SQLiteStore) ComputeArmStats(ctx context.Context, armID string, until *time.Time) (ArmStats, error) {
	limit := int64(math.MaxInt64)
	if until != nil {
		limit = until.UnixMilli()
	}

	st := ArmStats{ArmID: armID}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outcomes
		 WHERE arm_id = ? AND event_type = 'impression' AND created_at <= ?`, armID, limit,
	).Scan(&st.Impressions)
	if err != nil {
		return ArmStats{}, wrapErr("count impressions", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(price_cents), 0) FROM purchases
		 WHERE arm_id = ? AND status = 'verified' AND verified_at <= ?`, armID, limit,
	).Scan(&st.Conversions, &st.RevenueCents)
	if err != nil {
		return ArmStats{}, wrapErr("sum purchases", err)
	}
	return st, nil
}

func windowBounds(from, to time.Time) (int64, int64) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	return lo, hi
}

// WindowTotals aggregates impressions and verified purchases per arm of an
// experiment for events in [from, to). Both are bucketed by event time:
// impressions by when they were served, purchases by when they were verified.
// Zero bounds are open.
func (s *SQLiteStore) WindowTotals(ctx context.Context, experimentID string, from, to time.Time) (map[string]ArmTotals, error) {
	lo, hi := windowBounds(from, to)
	totals := make(map[string]ArmTotals)

	rows, err := s.db.QueryContext(ctx,
		`SELECT arm_id, COUNT(*) FROM outcomes
		 WHERE experiment_id = ? AND arm_id IS NOT NULL AND event_type = 'impression'
		   AND created_at >= ? AND created_at < ?
		 GROUP BY arm_id`, experimentID, lo, hi)
	if err != nil {
		return nil, wrapErr("window impressions", err)
	}
	for rows.Next() {
		var t ArmTotals
		if err := rows.Scan(&t.ArmID, &t.Impressions); err != nil {
			rows.Close()
			return nil, wrapErr("scan impressions", err)
		}
		totals[t.ArmID] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("window impressions", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT p.arm_id, COUNT(*), COALESCE(SUM(p.price_cents), 0)
		 FROM purchases p JOIN arms a ON a.id = p.arm_id
		 WHERE a.experiment_id = ? AND p.status = 'verified'
		   AND p.verified_at >= ? AND p.verified_at < ?
		 GROUP BY p.arm_id`, experimentID, lo, hi)
	if err != nil {
		return nil, wrapErr("window purchases", err)
	}
	defer rows.Close()
	for rows.Next() {
		var armID string
		var conversions, revenue int64
		if err := rows.Scan(&armID, &conversions, &revenue); err != nil {
			return nil, wrapErr("scan purchases", err)
		}
		t := totals[armID]
		t.ArmID = armID
		t.Conversions = conversions
		t.RevenueCents = revenue
		totals[armID] = t
	}
	return totals, wrapErr("window purchases", rows.Err())
}

// BaselineImpressions counts impressions served outside any experiment.
func (s *SQLiteStore) BaselineImpressions(ctx context.Context, itemID string, from, to time.Time) (int64, error) {
	lo, hi := windowBounds(from, to)
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outcomes
		 WHERE item_id = ? AND experiment_id IS NULL AND event_type = 'impression'
		   AND created_at >= ? AND created_at < ?`, itemID, lo, hi,
	).Scan(&n)
	if err != nil {
		return 0, wrapErr("count baseline impressions", err)
	}
	return n, nil
}
