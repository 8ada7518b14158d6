package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/headline-goat/price-goat/internal/results"
	"github.com/headline-goat/price-goat/internal/store"
)

type ItemView struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId,omitempty"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
}

type VariantView struct {
	ID          string            `json:"id"`
	ItemID      string            `json:"itemId"`
	PriceCents  int64             `json:"priceCents"`
	Quantity    int               `json:"quantity"`
	Currency    string            `json:"currency"`
	ProductType store.ProductType `json:"productType"`
	Platform    store.Platform    `json:"platform"`
	ProductID   string            `json:"productId"`
	Active      bool              `json:"active"`
}

type ArmView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Weight    int    `json:"weight"`
	IsControl bool   `json:"isControl"`
	VariantID string `json:"variantId"`
}

type ExperimentView struct {
	ID             string                `json:"id"`
	ItemID         string                `json:"itemId"`
	Name           string                `json:"name"`
	State          store.ExperimentState `json:"state"`
	TrafficPercent int                   `json:"trafficPercent"`
	Platforms      []store.Platform      `json:"platforms,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
	StartedAt      *time.Time            `json:"startedAt,omitempty"`
	EndedAt        *time.Time            `json:"endedAt,omitempty"`
	Arms           []ArmView             `json:"arms,omitempty"`
}

func itemView(it *store.Item) ItemView {
	return ItemView{ID: it.ID, ExternalID: it.ExternalID, Name: it.Name, CreatedAt: it.CreatedAt}
}

func variantView(v *store.Variant) VariantView {
	return VariantView{
		ID:          v.ID,
		ItemID:      v.ItemID,
		PriceCents:  v.PriceCents,
		Quantity:    v.Quantity,
		Currency:    v.Currency,
		ProductType: v.ProductType,
		Platform:    v.Platform(),
		ProductID:   v.ProductID(),
		Active:      v.Active,
	}
}

func armView(a *store.Arm) ArmView {
	return ArmView{ID: a.ID, Name: a.Name, Weight: a.Weight, IsControl: a.IsControl, VariantID: a.VariantID}
}

func experimentView(e *store.Experiment, arms []*store.Arm) ExperimentView {
	v := ExperimentView{
		ID:             e.ID,
		ItemID:         e.ItemID,
		Name:           e.Name,
		State:          e.State,
		TrafficPercent: e.TrafficPercent,
		Platforms:      e.Platforms,
		Metadata:       e.Metadata,
		StartedAt:      e.StartedAt,
		EndedAt:        e.EndedAt,
	}
	for _, a := range arms {
		v.Arms = append(v.Arms, armView(a))
	}
	return v
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListItems(r.Context())
	if err != nil {
		writeStoreError(r.Context(), w, "list_items", err)
		return
	}
	out := make([]ItemView, 0, len(items))
	for _, it := range items {
		out = append(out, itemView(it))
	}
	writeSuccess(w, http.StatusOK, out)
}

type createItemRequest struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStoreError(r.Context(), w, "create_item", err)
		return
	}
	item, err := s.store.CreateItem(r.Context(), req.ExternalID, req.Name)
	if err != nil {
		writeStoreError(r.Context(), w, "create_item", err)
		return
	}
	writeSuccess(w, http.StatusCreated, itemView(item))
}

func (s *Server) handleListVariants(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.ResolveItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		writeStoreError(r.Context(), w, "list_variants", err)
		return
	}
	variants, err := s.store.ListVariants(r.Context(), item.ID)
	if err != nil {
		writeStoreError(r.Context(), w, "list_variants", err)
		return
	}
	out := make([]VariantView, 0, len(variants))
	for _, v := range variants {
		out = append(out, variantView(v))
	}
	writeSuccess(w, http.StatusOK, out)
}

type createVariantRequest struct {
	PriceCents  int64  `json:"priceCents"`
	Quantity    int    `json:"quantity"`
	Currency    string `json:"currency"`
	ProductType string `json:"productType"`
	Platform    string `json:"platform"`
	ProductID   string `json:"productId"`
	SKU         string `json:"sku"`
	PackageName string `json:"packageName"`
}

func (req createVariantRequest) binding() (store.Binding, error) {
	platform := store.PlatformAgnostic
	if strings.TrimSpace(req.Platform) != "" {
		p, err := store.ParsePlatform(req.Platform)
		if err != nil {
			return nil, err
		}
		platform = p
	}
	switch platform {
	case store.PlatformIOS:
		return store.IOSBinding{ProductID: req.ProductID}, nil
	case store.PlatformAndroid:
		return store.AndroidBinding{SKU: req.SKU, PackageName: req.PackageName}, nil
	default:
		return store.AgnosticBinding{}, nil
	}
}

func (s *Server) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	var req createVariantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStoreError(r.Context(), w, "create_variant", err)
		return
	}
	item, err := s.store.ResolveItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		writeStoreError(r.Context(), w, "create_variant", err)
		return
	}
	binding, err := req.binding()
	if err != nil {
		writeStoreError(r.Context(), w, "create_variant", err)
		return
	}

	v, err := s.store.CreateVariant(r.Context(), store.VariantConfig{
		ItemID:      item.ID,
		PriceCents:  req.PriceCents,
		Quantity:    req.Quantity,
		Currency:    req.Currency,
		ProductType: store.ProductType(strings.ToLower(strings.TrimSpace(req.ProductType))),
		Binding:     binding,
	})
	if err != nil {
		writeStoreError(r.Context(), w, "create_variant", err)
		return
	}
	writeSuccess(w, http.StatusCreated, variantView(v))
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	experiments, err := s.store.ListExperiments(r.Context())
	if err != nil {
		writeStoreError(r.Context(), w, "list_experiments", err)
		return
	}
	out := make([]ExperimentView, 0, len(experiments))
	for _, e := range experiments {
		out = append(out, experimentView(e, nil))
	}
	writeSuccess(w, http.StatusOK, out)
}

type createExperimentRequest struct {
	ItemID         string            `json:"itemId"`
	Name           string            `json:"name"`
	TrafficPercent int               `json:"trafficPercent"`
	Platforms      []string          `json:"platforms"`
	Metadata       map[string]string `json:"metadata"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStoreError(r.Context(), w, "create_experiment", err)
		return
	}
	item, err := s.store.ResolveItem(r.Context(), req.ItemID)
	if err != nil {
		writeStoreError(r.Context(), w, "create_experiment", err)
		return
	}

	platforms := make([]store.Platform, 0, len(req.Platforms))
	for _, raw := range req.Platforms {
		p, err := store.ParsePlatform(raw)
		if err != nil {
			writeStoreError(r.Context(), w, "create_experiment", err)
			return
		}
		platforms = append(platforms, p)
	}

	exp, err := s.store.CreateExperiment(r.Context(), store.ExperimentConfig{
		ItemID:         item.ID,
		Name:           req.Name,
		TrafficPercent: req.TrafficPercent,
		Platforms:      platforms,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeStoreError(r.Context(), w, "create_experiment", err)
		return
	}
	writeSuccess(w, http.StatusCreated, experimentView(exp, nil))
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "experimentID")
	exp, err := s.store.GetExperiment(r.Context(), id)
	if err != nil {
		writeStoreError(r.Context(), w, "get_experiment", err)
		return
	}
	arms, err := s.store.ListArms(r.Context(), id)
	if err != nil {
		writeStoreError(r.Context(), w, "get_experiment", err)
		return
	}
	writeSuccess(w, http.StatusOK, experimentView(exp, arms))
}

type addArmRequest struct {
	Name      string `json:"name"`
	Weight    int    `json:"weight"`
	IsControl bool   `json:"isControl"`
	VariantID string `json:"variantId"`
}

func (s *Server) handleAddArm(w http.ResponseWriter, r *http.Request) {
	var req addArmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStoreError(r.Context(), w, "add_arm", err)
		return
	}
	arm, err := s.store.AddArm(r.Context(), chi.URLParam(r, "experimentID"), store.ArmConfig{
		Name:      req.Name,
		Weight:    req.Weight,
		IsControl: req.IsControl,
		VariantID: req.VariantID,
	})
	if err != nil {
		writeStoreError(r.Context(), w, "add_arm", err)
		return
	}
	writeSuccess(w, http.StatusCreated, armView(arm))
}

type transitionRequest struct {
	State string `json:"state"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStoreError(r.Context(), w, "transition", err)
		return
	}
	target, err := store.ParseState(req.State)
	if err != nil {
		writeStoreError(r.Context(), w, "transition", err)
		return
	}

	exp, err := s.store.Transition(r.Context(), chi.URLParam(r, "experimentID"), target)
	if err != nil {
		writeStoreError(r.Context(), w, "transition", err)
		return
	}
	httpLogger().InfoContext(r.Context(), "experiment transitioned",
		"operation", "transition",
		"experiment_id", exp.ID,
		"state", exp.State,
		"request_id", requestIDFromContext(r.Context()),
	)
	writeSuccess(w, http.StatusOK, experimentView(exp, nil))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		writeStoreError(r.Context(), w, "results", err)
		return
	}
	report, err := s.results.Compute(r.Context(), chi.URLParam(r, "experimentID"), window)
	if err != nil {
		writeStoreError(r.Context(), w, "results", err)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

func parseWindow(r *http.Request) (results.Window, error) {
	var w results.Window
	q := r.URL.Query()
	for _, bound := range []struct {
		param string
		dst   *time.Time
	}{{"from", &w.From}, {"to", &w.To}} {
		raw := q.Get(bound.param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return results.Window{}, &store.ValidationError{Reason: bound.param + " must be an RFC3339 timestamp"}
		}
		*bound.dst = t
	}
	return w, nil
}
