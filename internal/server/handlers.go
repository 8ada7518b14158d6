package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/headline-goat/price-goat/internal/decision"
	"github.com/headline-goat/price-goat/internal/ingest"
	"github.com/headline-goat/price-goat/internal/store"
)

type HealthResponse struct {
	Status             string `json:"status"`
	ExperimentsCount   int    `json:"experimentsCount"`
	RunningExperiments int    `json:"runningExperiments"`
	UptimeSeconds      int64  `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	experiments, err := s.store.ListExperiments(r.Context())
	if err != nil {
		writeStoreError(r.Context(), w, "health", err)
		return
	}

	running := 0
	for _, exp := range experiments {
		if exp.State == store.StateRunning {
			running++
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:             "ok",
		ExperimentsCount:   len(experiments),
		RunningExperiments: running,
		UptimeSeconds:      int64(time.Since(s.startTime).Seconds()),
	})
}

// corsMiddleware lets storefront clients call the public endpoints directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type DecisionRequest struct {
	ItemID   string `json:"itemId"`
	PlayerID string `json:"playerId"`
	Platform string `json:"platform"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		s.metrics.decisionDuration.Observe(time.Since(start).Seconds())
	}()

	var req DecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStoreError(r.Context(), w, "decide", err)
		return
	}

	platform := store.PlatformAgnostic
	if strings.TrimSpace(req.Platform) != "" {
		p, err := store.ParsePlatform(req.Platform)
		if err != nil {
			writeStoreError(r.Context(), w, "decide", err)
			return
		}
		platform = p
	}

	d, err := s.resolver.Decide(r.Context(), decision.Request{
		ItemID:   req.ItemID,
		PlayerID: req.PlayerID,
		Platform: platform,
	})
	if err != nil {
		s.metrics.decisions.WithLabelValues("error", "", "").Inc()
		writeStoreError(r.Context(), w, "decide", err)
		return
	}

	kind := "default"
	if d.IsExperiment {
		kind = "experiment"
	}
	s.metrics.decisions.WithLabelValues(kind, d.Method, d.Reason).Inc()
	writeSuccess(w, http.StatusOK, d)
}

type EventRequest struct {
	EventType     string     `json:"eventType"`
	PlayerID      string     `json:"playerId"`
	ItemID        string     `json:"itemId"`
	ArmID         string     `json:"armId,omitempty"`
	ExperimentID  string     `json:"experimentId,omitempty"`
	TransactionID string     `json:"transactionId,omitempty"`
	PriceCents    int64      `json:"priceCents,omitempty"`
	Quantity      int        `json:"quantity,omitempty"`
	Status        string     `json:"status,omitempty"`
	OccurredAt    *time.Time `json:"occurredAt,omitempty"`
}

type EventResponse struct {
	Recorded  bool   `json:"recorded"`
	Duplicate bool   `json:"duplicate"`
	Counted   bool   `json:"counted"`
	Status    string `json:"status,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.metrics.events.WithLabelValues("unknown", "error").Inc()
		writeStoreError(r.Context(), w, "ingest_event", err)
		return
	}

	ev := ingest.Event{
		EventType:     store.EventType(strings.ToLower(strings.TrimSpace(req.EventType))),
		PlayerID:      req.PlayerID,
		ItemID:        req.ItemID,
		ArmID:         req.ArmID,
		ExperimentID:  req.ExperimentID,
		TransactionID: req.TransactionID,
		PriceCents:    req.PriceCents,
		Quantity:      req.Quantity,
		Status:        req.Status,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}

	res, err := s.ingest.HandleEvent(r.Context(), ev)
	if err != nil {
		s.metrics.events.WithLabelValues(eventLabel(ev.EventType), "error").Inc()
		writeStoreError(r.Context(), w, "ingest_event", err)
		return
	}

	result := "recorded"
	if res.Duplicate {
		result = "duplicate"
	}
	s.metrics.events.WithLabelValues(eventLabel(ev.EventType), result).Inc()

	writeSuccess(w, http.StatusAccepted, EventResponse{
		Recorded:  res.Recorded,
		Duplicate: res.Duplicate,
		Counted:   res.Counted,
		Status:    string(res.Status),
	})
}

// eventLabel bounds the metric label set to the known event types.
func eventLabel(t store.EventType) string {
	switch t {
	case store.EventImpression, store.EventPurchaseStart, store.EventPurchaseComplete, store.EventPurchaseFail:
		return string(t)
	}
	return "unknown"
}
