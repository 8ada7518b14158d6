package ingest

import (
	"context"
	"time"

	"github.com/headline-goat/price-goat/internal/store"
)

// Event is the wire-level ingestion record.
type Event struct {
	EventType     store.EventType
	PlayerID      string
	ItemID        string
	ArmID         string
	ExperimentID  string
	TransactionID string
	PriceCents    int64
	Quantity      int
	Status        string
	OccurredAt    time.Time
}

type EventResult struct {
	Recorded  bool
	Duplicate bool
	Counted   bool
	Status    store.PurchaseStatus
}

// HandleEvent dispatches an ingestion event. purchase_complete may carry
// status=pending when the store receipt is still being verified.
func (in *Ingestor) HandleEvent(ctx context.Context, ev Event) (EventResult, error) {
	if ev.EventType == store.EventImpression {
		err := in.RecordImpression(ctx, Impression{
			PlayerID:     ev.PlayerID,
			ItemID:       ev.ItemID,
			ExperimentID: ev.ExperimentID,
			ArmID:        ev.ArmID,
			OccurredAt:   ev.OccurredAt,
		})
		if err != nil {
			return EventResult{}, err
		}
		return EventResult{Recorded: true}, nil
	}

	status, err := statusFor(ev)
	if err != nil {
		return EventResult{}, err
	}

	res, err := in.RecordPurchase(ctx, Purchase{
		TransactionID: ev.TransactionID,
		PlayerID:      ev.PlayerID,
		ItemID:        ev.ItemID,
		ExperimentID:  ev.ExperimentID,
		ArmID:         ev.ArmID,
		PriceCents:    ev.PriceCents,
		Quantity:      ev.Quantity,
		Status:        status,
		OccurredAt:    ev.OccurredAt,
	})
	if err != nil {
		return EventResult{}, err
	}
	return EventResult{
		Recorded:  !res.Duplicate,
		Duplicate: res.Duplicate,
		Counted:   res.Counted,
		Status:    res.Status,
	}, nil
}

func statusFor(ev Event) (store.PurchaseStatus, error) {
	switch ev.EventType {
	case store.EventPurchaseStart:
		return store.PurchasePending, nil
	case store.EventPurchaseFail:
		return store.PurchaseFailed, nil
	case store.EventPurchaseComplete:
		if ev.Status == "" {
			return store.PurchaseVerified, nil
		}
		status, err := store.ParsePurchaseStatus(ev.Status)
		if err != nil {
			return "", err
		}
		if status == store.PurchaseFailed {
			return "", &store.ValidationError{Reason: "purchase_complete cannot carry status failed"}
		}
		return status, nil
	}
	return "", &store.ValidationError{Reason: "unknown event type " + string(ev.EventType)}
}
