package carrier

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kaiku-voice/kaiku/internal/call"
)

// webhookEvent is the carrier's call lifecycle notification.
type webhookEvent struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			HangupCause   string `json:"hangup_cause"`
		} `json:"payload"`
	} `json:"data"`
}

// WebhookHandler receives call lifecycle webhooks and maps them onto session
// lifecycle: call.initiated answers the leg via the control plane,
// call.answered admits and starts a session, call.hangup tears it down.
type WebhookHandler struct {
	source  SessionSource
	control *Control
	log     *slog.Logger
}

// NewWebhookHandler returns a handler driving source from carrier webhooks.
// control may be nil, in which case call.initiated events are only logged.
func NewWebhookHandler(source SessionSource, control *Control, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{source: source, control: control, log: log}
}

// ServeHTTP handles one webhook delivery. The carrier retries non-2xx
// responses, so only admission rejection reports failure.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "malformed webhook body", http.StatusBadRequest)
		return
	}
	callID := ev.Data.Payload.CallControlID
	if callID == "" {
		http.Error(w, "missing call_control_id", http.StatusBadRequest)
		return
	}

	log := h.log.With(
		"call_id", callID,
		"from", RedactE164(ev.Data.Payload.From),
		"to", RedactE164(ev.Data.Payload.To),
	)

	switch ev.Data.EventType {
	case "call.initiated":
		log.Info("incoming call")
		if h.control != nil {
			if err := h.control.Answer(r.Context(), callID); err != nil {
				log.Error("answer command failed", "err", err)
				http.Error(w, "answer failed", http.StatusBadGateway)
				return
			}
		}
	case "call.answered":
		_, err := h.source.Answer(r.Context(), callID)
		switch {
		case err == nil:
			log.Info("call answered")
		case errors.Is(err, call.ErrDuplicateCall):
			// Redelivered answered event for a live call. Acknowledge it;
			// hanging up here would kill the session the first delivery
			// created.
			log.Debug("duplicate answered event acknowledged")
		case errors.Is(err, call.ErrAdmissionRejected):
			log.Warn("call rejected at capacity")
			if h.control != nil {
				_ = h.control.Hangup(r.Context(), callID)
			}
			http.Error(w, "at capacity", http.StatusServiceUnavailable)
			return
		default:
			log.Error("session start failed", "err", err)
			http.Error(w, "session start failed", http.StatusInternalServerError)
			return
		}
	case "call.hangup":
		h.source.Hangup(callID, hangupReason(ev.Data.Payload.HangupCause))
		log.Info("call hangup", "cause", ev.Data.Payload.HangupCause)
	default:
		log.Debug("webhook event ignored", "event_type", ev.Data.EventType)
	}

	w.WriteHeader(http.StatusNoContent)
}

func hangupReason(cause string) string {
	if cause == "" {
		return "carrier hangup"
	}
	return "carrier hangup: " + cause
}

// RedactE164 masks a phone number for logging, keeping only the last four
// digits.
func RedactE164(number string) string {
	if len(number) <= 4 {
		return number
	}
	return "…" + number[len(number)-4:]
}
