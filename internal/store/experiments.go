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

const experimentColumns = `id, item_id, name, state, traffic_percent, platforms, metadata, started_at, ended_at, created_at, updated_at`

// transitions lists the allowed lifecycle edges. stopped has none.
var transitions = map[ExperimentState][]ExperimentState{
	StateDraft:   {StateRunning, StateStopped},
	StateRunning: {StatePaused, StateStopped},
	StatePaused:  {StateRunning, StateStopped},
}

func canTransition(from, to ExperimentState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, cfg ExperimentConfig) (*Experiment, error) {
	if cfg.TrafficPercent == 0 {
		cfg.TrafficPercent = 100
	}
	if cfg.TrafficPercent < 0 || cfg.TrafficPercent > 100 {
		return nil, validationf("traffic percent must be within 0-100, got %d", cfg.TrafficPercent)
	}
	for _, p := range cfg.Platforms {
		if _, err := ParsePlatform(string(p)); err != nil {
			return nil, err
		}
	}

	item, err := s.GetItem(ctx, cfg.ItemID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = item.ExternalID
	}

	platformsJSON, err := nullableJSON(cfg.Platforms, len(cfg.Platforms) == 0)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal platforms: %w", err)
	}
	metadataJSON, err := nullableJSON(cfg.Metadata, len(cfg.Metadata) == 0)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := s.now()
	exp := &Experiment{
		ID:             uuid.NewString(),
		ItemID:         item.ID,
		Name:           name,
		State:          StateDraft,
		TrafficPercent: cfg.TrafficPercent,
		Platforms:      cfg.Platforms,
		Metadata:       cfg.Metadata,
		CreatedAt:      fromMillis(now.UnixMilli()),
		UpdatedAt:      fromMillis(now.UnixMilli()),
	}
	if exp.Metadata == nil {
		exp.Metadata = map[string]string{}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, item_id, name, state, traffic_percent, platforms, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, 'draft', ?, ?, ?, ?, ?)`,
		exp.ID, exp.ItemID, exp.Name, exp.TrafficPercent, platformsJSON, metadataJSON,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, wrapErr("insert experiment", err)
	}

	return exp, nil
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	var exp Experiment
	var state string
	var platformsJSON, metadataJSON sql.NullString
	var startedAt, endedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&exp.ID, &exp.ItemID, &exp.Name, &state, &exp.TrafficPercent,
		&platformsJSON, &metadataJSON, &startedAt, &endedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if platformsJSON.Valid && platformsJSON.String != "" {
		if err := json.Unmarshal([]byte(platformsJSON.String), &exp.Platforms); err != nil {
			return nil, fmt.Errorf("failed to unmarshal platforms: %w", err)
		}
	}
	exp.Metadata = map[string]string{}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &exp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	exp.State = ExperimentState(state)
	exp.StartedAt = nullableMillis(startedAt)
	exp.EndedAt = nullableMillis(endedAt)
	exp.CreatedAt = fromMillis(createdAt)
	exp.UpdatedAt = fromMillis(updatedAt)
	return &exp, nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	return s.getExperiment(ctx, s.db, id)
}

func (s *SQLiteStore) getExperiment(ctx context.Context, q querier, id string) (*Experiment, error) {
	exp, err := scanExperiment(q.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "experiment", ID: id}
	}
	if err != nil {
		return nil, wrapErr("get experiment", err)
	}
	return exp, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, wrapErr("list experiments", err)
	}
	defer rows.Close()

	var experiments []*Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, wrapErr("scan experiment", err)
		}
		experiments = append(experiments, exp)
	}
	return experiments, wrapErr("list experiments", rows.Err())
}

func (s *SQLiteStore) GetRunningExperimentForItem(ctx context.Context, itemID string) (*Experiment, error) {
	exp, err := scanExperiment(s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE item_id = ? AND state = 'running'`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "running experiment for item", ID: itemID}
	}
	if err != nil {
		return nil, wrapErr("get running experiment", err)
	}
	return exp, nil
}

// Transition moves an experiment along its lifecycle. The state change is a
// compare-and-set on the state read inside the same transaction, and the
// partial unique index keeps a second experiment for the item from running.
func (s *SQLiteStore) Transition(ctx context.Context, id string, target ExperimentState) (*Experiment, error) {
	var result *Experiment
	err := s.inTx(ctx, "transition experiment", func(tx *sql.Tx) error {
		exp, err := s.getExperiment(ctx, tx, id)
		if err != nil {
			return err
		}
		if exp.State == StateStopped {
			return validationf("experiment %s is stopped; stopped is terminal", id)
		}
		if !canTransition(exp.State, target) {
			return validationf("cannot transition experiment from %s to %s", exp.State, target)
		}

		if target == StateRunning {
			if err := s.validateRunnable(ctx, tx, exp); err != nil {
				return err
			}
		}

		now := s.now().UnixMilli()
		query := `UPDATE experiments SET state = ?, updated_at = ?`
		args := []any{string(target), now}
		switch target {
		case StateRunning:
			query += `, started_at = COALESCE(started_at, ?)`
			args = append(args, now)
		case StateStopped:
			query += `, ended_at = ?`
			args = append(args, now)
		}
		query += ` WHERE id = ? AND state = ?`
		args = append(args, id, string(exp.State))

		res, err := tx.ExecContext(ctx, query, args...)
		if isUniqueViolation(err) {
			return validationf("item %s already has a running experiment", exp.ItemID)
		}
		if err != nil {
			return wrapErr("update experiment state", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapErr("get rows affected", err)
		}
		if n == 0 {
			return validationf("experiment %s changed state concurrently", id)
		}

		result, err = s.getExperiment(ctx, tx, id)
		return err
	})
	return result, err
}

func (s *SQLiteStore) validateRunnable(ctx context.Context, tx *sql.Tx, exp *Experiment) error {
	var otherID string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM experiments WHERE item_id = ? AND state = 'running' AND id != ?`,
		exp.ItemID, exp.ID,
	).Scan(&otherID)
	if err == nil {
		return validationf("item %s already has a running experiment (%s)", exp.ItemID, otherID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return wrapErr("check running experiments", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT a.id, a.is_control, v.id, v.active, v.platform
		 FROM arms a LEFT JOIN variants v ON v.id = a.variant_id
		 WHERE a.experiment_id = ?`, exp.ID)
	if err != nil {
		return wrapErr("load arms", err)
	}
	defer rows.Close()

	arms, controls := 0, 0
	for rows.Next() {
		var armID string
		var isControl int
		var variantID, platform sql.NullString
		var active sql.NullInt64
		if err := rows.Scan(&armID, &isControl, &variantID, &active, &platform); err != nil {
			return wrapErr("scan arm", err)
		}
		arms++
		controls += isControl
		if !variantID.Valid {
			return validationf("arm %s references a missing variant", armID)
		}
		if active.Int64 != 1 {
			return validationf("arm %s references inactive variant %s", armID, variantID.String)
		}
		if !exp.AllowsPlatform(Platform(platform.String)) {
			return validationf("arm %s uses a %s variant but the experiment targets %v", armID, platform.String, exp.Platforms)
		}
	}
	if err := rows.Err(); err != nil {
		return wrapErr("load arms", err)
	}

	if arms == 0 {
		return validationf("experiment %s has no arms", exp.ID)
	}
	if controls > 1 {
		return validationf("experiment %s has %d control arms", exp.ID, controls)
	}
	return nil
}

// SetExperimentMetadata stores one free-form key on a non-stopped experiment.
func (s *SQLiteStore) SetExperimentMetadata(ctx context.Context, id, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return validationf("metadata key is required")
	}
	return s.inTx(ctx, "set metadata", func(tx *sql.Tx) error {
		exp, err := s.getExperiment(ctx, tx, id)
		if err != nil {
			return err
		}
		if exp.State == StateStopped {
			return validationf("experiment %s is stopped", id)
		}
		exp.Metadata[key] = value
		raw, err := json.Marshal(exp.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE experiments SET metadata = ?, updated_at = ? WHERE id = ?`,
			string(raw), s.now().UnixMilli(), id,
		)
		return wrapErr("update metadata", err)
	})
}

// AddArm attaches an arm to a draft or paused experiment, enforcing a single
// control arm and a total weight of at most 100.
func (s *SQLiteStore) AddArm(ctx context.Context, experimentID string, cfg ArmConfig) (*Arm, error) {
	if cfg.Weight < 0 || cfg.Weight > 100 {
		return nil, validationf("arm weight must be within 0-100, got %d", cfg.Weight)
	}

	var arm *Arm
	err := s.inTx(ctx, "add arm", func(tx *sql.Tx) error {
		exp, err := s.getExperiment(ctx, tx, experimentID)
		if err != nil {
			return err
		}
		if exp.State == StateRunning || exp.State == StateStopped {
			return validationf("arms cannot be added to a %s experiment", exp.State)
		}

		variant, err := s.getVariant(ctx, tx, cfg.VariantID)
		if err != nil {
			return err
		}
		if variant.ItemID != exp.ItemID {
			return validationf("variant %s belongs to another item", variant.ID)
		}

		var count, totalWeight, controls int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(weight), 0), COALESCE(SUM(is_control), 0)
			 FROM arms WHERE experiment_id = ?`, experimentID,
		).Scan(&count, &totalWeight, &controls)
		if err != nil {
			return wrapErr("load arm totals", err)
		}
		if cfg.IsControl && controls > 0 {
			return validationf("experiment %s already has a control arm", experimentID)
		}
		if totalWeight+cfg.Weight > 100 {
			return validationf("total arm weight would be %d, above 100", totalWeight+cfg.Weight)
		}

		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			name = fmt.Sprintf("arm-%d", count+1)
		}

		now := s.now()
		arm = &Arm{
			ID:           uuid.NewString(),
			ExperimentID: experimentID,
			Name:         name,
			Weight:       cfg.Weight,
			IsControl:    cfg.IsControl,
			VariantID:    cfg.VariantID,
			CreatedAt:    fromMillis(now.UnixMilli()),
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO arms (id, experiment_id, name, weight, is_control, variant_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			arm.ID, arm.ExperimentID, arm.Name, arm.Weight, boolInt(arm.IsControl), arm.VariantID, now.UnixMilli(),
		)
		if isUniqueViolation(err) {
			return validationf("experiment %s already has a control arm", experimentID)
		}
		return wrapErr("insert arm", err)
	})
	if err != nil {
		return nil, err
	}
	return arm, nil
}

const armColumns = `id, experiment_id, name, weight, is_control, variant_id, created_at`

func scanArm(row rowScanner) (*Arm, error) {
	var arm Arm
	var isControl int
	var createdAt int64
	if err := row.Scan(&arm.ID, &arm.ExperimentID, &arm.Name, &arm.Weight, &isControl, &arm.VariantID, &createdAt); err != nil {
		return nil, err
	}
	arm.IsControl = isControl == 1
	arm.CreatedAt = fromMillis(createdAt)
	return &arm, nil
}

func (s *SQLiteStore) GetArm(ctx context.Context, id string) (*Arm, error) {
	arm, err := scanArm(s.db.QueryRowContext(ctx, `SELECT `+armColumns+` FROM arms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "arm", ID: id}
	}
	if err != nil {
		return nil, wrapErr("get arm", err)
	}
	return arm, nil
}

func (s *SQLiteStore) ListArms(ctx context.Context, experimentID string) ([]*Arm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+armColumns+` FROM arms WHERE experiment_id = ? ORDER BY created_at, rowid`, experimentID)
	if err != nil {
		return nil, wrapErr("list arms", err)
	}
	defer rows.Close()

	var arms []*Arm
	for rows.Next() {
		arm, err := scanArm(rows)
		if err != nil {
			return nil, wrapErr("scan arm", err)
		}
		arms = append(arms, arm)
	}
	return arms, wrapErr("list arms", rows.Err())
}
