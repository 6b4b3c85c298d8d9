package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/qwer2003tw/unigate/pkg/envelope"
)

// handleEvents receives completion and failure events posted back by
// the processor in async mode and republishes them on the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeProcessor(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var frame map[string]any
	if err := decodeJSON(w, r, &frame); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validator.ValidateFrame(frame); err != nil {
		s.metrics.RecordError("events_endpoint", "invalid_frame")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detail, _ := json.Marshal(frame["detail"])
	event := envelope.Event{
		ID:         stringField(frame, "id"),
		Source:     stringField(frame, "source"),
		DetailType: stringField(frame, "detail-type"),
		Time:       time.Now().UTC(),
		Detail:     detail,
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if raw := stringField(frame, "time"); raw != "" {
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			event.Time = at.UTC()
		}
	}

	if err := s.bus.Publish(r.Context(), event); err != nil {
		s.metrics.RecordError("events_endpoint", "publish_failed")
		writeError(w, http.StatusServiceUnavailable, "Event could not be queued")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": event.ID})
}

// authorizeProcessor accepts the shared processor token when one is
// configured, and otherwise falls back to any valid account token.
func (s *Server) authorizeProcessor(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	if expected := s.cfg.Processor.AuthToken; expected != "" {
		return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
	}
	_, err := s.identity.VerifyToken(token)
	return err == nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
