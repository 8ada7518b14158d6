package store

import (
	"strings"
	"time"
)

type ExperimentState string

const (
	StateDraft   ExperimentState = "draft"
	StateRunning ExperimentState = "running"
	StatePaused  ExperimentState = "paused"
	StateStopped ExperimentState = "stopped"
)

func ParseState(s string) (ExperimentState, error) {
	switch st := ExperimentState(strings.ToLower(strings.TrimSpace(s))); st {
	case StateDraft, StateRunning, StatePaused, StateStopped:
		return st, nil
	}
	return "", validationf("unknown experiment state %q", s)
}

type Platform string

const (
	PlatformIOS      Platform = "ios"
	PlatformAndroid  Platform = "android"
	PlatformAgnostic Platform = "agnostic"
)

func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformIOS, PlatformAndroid, PlatformAgnostic:
		return p, nil
	}
	return "", validationf("unknown platform %q", s)
}

// Binding ties a variant to the storefront it can be sold on. Exactly one of
// IOSBinding, AndroidBinding or AgnosticBinding.
type Binding interface {
	Platform() Platform
	isBinding()
}

type IOSBinding struct {
	ProductID string `json:"product_id"`
}

type AndroidBinding struct {
	SKU         string `json:"sku"`
	PackageName string `json:"package_name,omitempty"`
}

type AgnosticBinding struct{}

func (IOSBinding) Platform() Platform      { return PlatformIOS }
func (AndroidBinding) Platform() Platform  { return PlatformAndroid }
func (AgnosticBinding) Platform() Platform { return PlatformAgnostic }

func (IOSBinding) isBinding()      {}
func (AndroidBinding) isBinding()  {}
func (AgnosticBinding) isBinding() {}

// Compatible reports whether a variant bound by b can be offered to a client
// on platform p.
func Compatible(b Binding, p Platform) bool {
	switch b.(type) {
	case AgnosticBinding:
		return true
	case IOSBinding:
		return p == PlatformIOS
	case AndroidBinding:
		return p == PlatformAndroid
	default:
		return false
	}
}

type ProductType string

const (
	ProductConsumable    ProductType = "consumable"
	ProductNonConsumable ProductType = "non_consumable"
	ProductSubscription  ProductType = "subscription"
)

type Item struct {
	ID         string
	ExternalID string
	Name       string
	CreatedAt  time.Time
}

type Variant struct {
	ID          string
	ItemID      string
	PriceCents  int64
	Quantity    int
	Currency    string
	ProductType ProductType
	Binding     Binding
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (v *Variant) Platform() Platform {
	if v.Binding == nil {
		return PlatformAgnostic
	}
	return v.Binding.Platform()
}

// ProductID is the storefront identifier the client needs to start a purchase.
func (v *Variant) ProductID() string {
	switch b := v.Binding.(type) {
	case IOSBinding:
		return b.ProductID
	case AndroidBinding:
		return b.SKU
	default:
		return v.ID
	}
}

// SameOffer reports whether two variants sell the same quantity at the same
// price, regardless of platform.
func (v *Variant) SameOffer(o *Variant) bool {
	return v.PriceCents == o.PriceCents && v.Quantity == o.Quantity && v.Currency == o.Currency
}

type VariantConfig struct {
	ItemID      string
	PriceCents  int64
	Quantity    int
	Currency    string
	ProductType ProductType
	Binding     Binding
}

type VariantUpdate struct {
	PriceCents *int64
	Quantity   *int
	Currency   *string
}

type Experiment struct {
	ID             string
	ItemID         string
	Name           string
	State          ExperimentState
	TrafficPercent int
	Platforms      []Platform // empty means every platform
	Metadata       map[string]string
	StartedAt      *time.Time
	EndedAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (e *Experiment) AllowsPlatform(p Platform) bool {
	if p == PlatformAgnostic || len(e.Platforms) == 0 {
		return true
	}
	for _, allowed := range e.Platforms {
		if allowed == p {
			return true
		}
	}
	return false
}

type ExperimentConfig struct {
	ItemID         string
	Name           string
	TrafficPercent int // 0 defaults to 100
	Platforms      []Platform
	Metadata       map[string]string
}

type Arm struct {
	ID           string
	ExperimentID string
	Name         string
	Weight       int
	IsControl    bool
	VariantID    string
	CreatedAt    time.Time
}

type ArmConfig struct {
	Name      string
	Weight    int
	IsControl bool
	VariantID string
}

type Assignment struct {
	PlayerID     string
	ExperimentID string
	ArmID        string
	CreatedAt    time.Time
}

type EventType string

const (
	EventImpression       EventType = "impression"
	EventPurchaseStart    EventType = "purchase_start"
	EventPurchaseComplete EventType = "purchase_complete"
	EventPurchaseFail     EventType = "purchase_fail"
)

type PurchaseStatus string

const (
	PurchasePending  PurchaseStatus = "pending"
	PurchaseVerified PurchaseStatus = "verified"
	PurchaseFailed   PurchaseStatus = "failed"
)

func (s PurchaseStatus) Terminal() bool {
	return s == PurchaseVerified || s == PurchaseFailed
}

func ParsePurchaseStatus(s string) (PurchaseStatus, error) {
	switch st := PurchaseStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case PurchasePending, PurchaseVerified, PurchaseFailed:
		return st, nil
	}
	return "", validationf("unknown purchase status %q", s)
}

// Outcome is one row of the append-only event log. Empty ExperimentID/ArmID
// mean no experiment was active.
type Outcome struct {
	ID            int64
	EventType     EventType
	PlayerID      string
	ItemID        string
	ExperimentID  string
	ArmID         string
	TransactionID string
	PriceCents    int64
	Quantity      int
	Status        PurchaseStatus
	CreatedAt     time.Time
}

type Purchase struct {
	TransactionID string
	PlayerID      string
	ItemID        string
	ExperimentID  string
	ArmID         string
	PriceCents    int64
	Quantity      int
	Status        PurchaseStatus
	// OccurredAt is when the reported status change happened. Zero means now.
	OccurredAt time.Time
	// VerifiedAt is the event time of verification, nil until verified.
	VerifiedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PurchaseTransition describes what ApplyPurchase did. Counted is true only
// for the single call that moved the transaction into verified.
type PurchaseTransition struct {
	Purchase Purchase
	Changed  bool
	Counted  bool
}

type ArmStats struct {
	ArmID        string
	Impressions  int64
	Conversions  int64
	RevenueCents int64
	UpdatedAt    time.Time
}

type StatsDelta struct {
	Impressions  int64
	Conversions  int64
	RevenueCents int64
}

// ArmTotals are windowed aggregates read from the outcome tables.
type ArmTotals struct {
	ArmID        string
	Impressions  int64
	Conversions  int64
	RevenueCents int64
}
