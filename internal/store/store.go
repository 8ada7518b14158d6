package store

import (
	"context"
	"time"
)

// Store defines the interface for experiment storage operations
type Store interface {
	// Catalog operations
	CreateItem(ctx context.Context, externalID, name string) (*Item, error)
	GetItem(ctx context.Context, id string) (*Item, error)
	ResolveItem(ctx context.Context, ref string) (*Item, error)
	ListItems(ctx context.Context) ([]*Item, error)

	CreateVariant(ctx context.Context, cfg VariantConfig) (*Variant, error)
	GetVariant(ctx context.Context, id string) (*Variant, error)
	ListVariants(ctx context.Context, itemID string) ([]*Variant, error)
	UpdateVariant(ctx context.Context, id string, upd VariantUpdate) (*Variant, error)
	SetVariantActive(ctx context.Context, id string, active bool) error

	// Experiment operations
	CreateExperiment(ctx context.Context, cfg ExperimentConfig) (*Experiment, error)
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context) ([]*Experiment, error)
	GetRunningExperimentForItem(ctx context.Context, itemID string) (*Experiment, error)
	Transition(ctx context.Context, id string, target ExperimentState) (*Experiment, error)
	SetExperimentMetadata(ctx context.Context, id, key, value string) error

	AddArm(ctx context.Context, experimentID string, cfg ArmConfig) (*Arm, error)
	GetArm(ctx context.Context, id string) (*Arm, error)
	ListArms(ctx context.Context, experimentID string) ([]*Arm, error)

	// Assignment operations
	GetAssignment(ctx context.Context, playerID, experimentID string) (*Assignment, error)
	CreateAssignment(ctx context.Context, a Assignment) (*Assignment, error)

	// Outcome operations
	RecordOutcome(ctx context.Context, o Outcome) (*Outcome, error)
	ListOutcomes(ctx context.Context, experimentID string) ([]*Outcome, error)
	ApplyPurchase(ctx context.Context, p Purchase) (PurchaseTransition, error)

	// Arm statistics
	IncrArmStats(ctx context.Context, armID string, d StatsDelta) error
	GetArmStats(ctx context.Context, armIDs []string) (map[string]ArmStats, error)
	SetArmStats(ctx context.Context, st ArmStats) error
	ComputeArmStats(ctx context.Context, armID string, until *time.Time) (ArmStats, error)

	// Reporting
	WindowTotals(ctx context.Context, experimentID string, from, to time.Time) (map[string]ArmTotals, error)
	BaselineImpressions(ctx context.Context, itemID string, from, to time.Time) (int64, error)

	// Lifecycle
	Close() error
}
