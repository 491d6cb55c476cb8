package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/docmchurch/mailqueue/internal/archive"
	"github.com/docmchurch/mailqueue/internal/auth"
	"github.com/docmchurch/mailqueue/internal/logger"
	"github.com/docmchurch/mailqueue/internal/metrics"
	"github.com/docmchurch/mailqueue/internal/queue"
)

const maxEnqueueBody = 5 << 20

type enqueueResponse struct {
	ID            string       `json:"id"`
	Status        queue.Status `json:"status"`
	CorrelationID string       `json:"correlation_id"`
}

type enqueueRequest struct {
	queue.EnqueueRequest
	CorrelationID string `json:"correlation_id,omitempty"`
}

// EnqueueHandler handles POST /api/v1/messages. The correlation token
// defaults to the request's correlation id.
func EnqueueHandler(store queue.Store, defaultMaxAttempts int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		var req enqueueRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBody)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		msg := req.EnqueueRequest
		msg.CorrelationID = req.CorrelationID
		if msg.CorrelationID == "" {
			msg.CorrelationID = logger.CorrelationIDFromContext(r.Context())
		}
		if msg.MaxAttempts == 0 && defaultMaxAttempts > 0 {
			msg.MaxAttempts = defaultMaxAttempts
		}
		if client := auth.ClientFromContext(r.Context()); client != "" {
			if msg.Metadata == nil {
				msg.Metadata = map[string]any{}
			}
			if _, ok := msg.Metadata["client"]; !ok {
				msg.Metadata["client"] = client
			}
		}

		id, err := store.Enqueue(r.Context(), msg)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		metrics.MessagesEnqueuedTotal.Inc()

		log.Info().
			Str("message_id", id).
			Str("to", msg.To).
			Msg("message enqueued")

		w.Header().Set("Location", "/api/v1/messages/"+id)
		respondJSON(w, http.StatusAccepted, enqueueResponse{
			ID:            id,
			Status:        queue.StatusPending,
			CorrelationID: msg.CorrelationID,
		})
	}
}

type messageResponse struct {
	*queue.Message
	Events []queue.Event `json:"events"`
}

// GetMessageHandler handles GET /api/v1/messages/{id}.
func GetMessageHandler(store queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		msg, err := store.Get(r.Context(), id)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		evs, err := store.ListEvents(r.Context(), id)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		if evs == nil {
			evs = []queue.Event{}
		}

		respondJSON(w, http.StatusOK, messageResponse{Message: msg, Events: evs})
	}
}

// CancelMessageHandler handles POST /api/v1/messages/{id}/cancel. Only
// pending messages can be cancelled; others yield 409.
func CancelMessageHandler(store queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := store.Cancel(r.Context(), id); err != nil {
			respondDomainError(w, r, err)
			return
		}

		log := logger.FromContext(r.Context())
		log.Info().Str("message_id", id).Msg("message cancelled")
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(queue.StatusCancelled)})
	}
}

// RawMessageHandler handles GET /api/v1/messages/{id}/raw, returning the
// original SMTP submission a message was created from.
func RawMessageHandler(store queue.Store, raw archive.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		msg, err := store.Get(r.Context(), id)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		key, _ := msg.Metadata[archive.MetadataKey].(string)
		if raw == nil || key == "" {
			respondError(w, http.StatusNotFound, "raw message not archived")
			return
		}

		data, err := raw.Get(r.Context(), key)
		if errors.Is(err, archive.ErrNotFound) {
			respondError(w, http.StatusNotFound, "raw message not archived")
			return
		}
		if err != nil {
			respondDomainError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "message/rfc822")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
