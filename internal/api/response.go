package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/events"
	"github.com/docmchurch/mailqueue/internal/logger"
	"github.com/docmchurch/mailqueue/internal/queue"
)

// respondJSON writes a JSON response with the given status code and data.
// If data is nil, only the status code and Content-Type header are written.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response with the given status code and message.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondValidationErrors writes a 400 response with a list of validation error details.
func respondValidationErrors(w http.ResponseWriter, details []queue.FieldError) {
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "validation_failed",
		"details": details,
	})
}

// respondDomainError maps store, recorder and tracker errors onto HTTP
// statuses. Anything unrecognised is logged and reported as a 500.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		respondValidationErrors(w, verr.Fields)
	case errors.Is(err, queue.ErrNotFound):
		respondError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, account.ErrUnknownAccount):
		respondError(w, http.StatusNotFound, "unknown sending account")
	case errors.Is(err, queue.ErrNotPending):
		respondError(w, http.StatusConflict, "message is not pending")
	case errors.Is(err, events.ErrUnknownEventType):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
