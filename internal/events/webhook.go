package events

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stewardhq/steward/pkg/models"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// WebhookHandler returns an http.Handler that publishes POSTed JSON objects
// as webhook events. The caller mounts it on its route and handles auth.
func (d *Dispatcher) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		defer r.Body.Close()

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}

		d.Publish(r.Context(), models.Event{Source: models.SourceWebhook, Payload: payload})
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(payload); err != nil {
		// Best-effort: the client may already be gone.
		return
	}
}
