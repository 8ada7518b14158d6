package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/headline-goat/price-goat/internal/decision"
	"github.com/headline-goat/price-goat/internal/store"
)

type successResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successResponse{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Status: "error", Code: code, Message: message})
}

// mapError translates the store and decision error taxonomy to a status code.
func mapError(err error) (int, string, string) {
	var validation *store.ValidationError
	var resolution *decision.ResolutionError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "VALIDATION_ERROR", validation.Reason
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.As(err, &resolution):
		return http.StatusUnprocessableEntity, "RESOLUTION_ERROR", resolution.Error()
	case store.IsTransient(err):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "store temporarily unavailable, retry"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

func writeStoreError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status, code, message := mapError(err)
	logOperationError(ctx, operation, status, code, err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, code, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &store.ValidationError{Reason: "invalid JSON body: " + err.Error()}
	}
	return nil
}
