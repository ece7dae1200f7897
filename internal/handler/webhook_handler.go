package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/clearline/voice-bridge/internal/bxml"
	"github.com/clearline/voice-bridge/internal/orchestrator"
	"github.com/clearline/voice-bridge/pkg/logger"
)

// WebhookHandler terminates the call-control provider's HTTP callbacks.
// Every endpoint answers 200: the provider interprets anything else as an
// instruction to drop the call, so failures are logged and swallowed here.
type WebhookHandler struct {
	orch *orchestrator.Orchestrator
}

// NewWebhookHandler creates handlers around the orchestrator.
func NewWebhookHandler(orch *orchestrator.Orchestrator) *WebhookHandler {
	return &WebhookHandler{orch: orch}
}

// decodeEvent reads the webhook payload. A malformed body is logged and
// treated as an empty event rather than rejected.
func decodeEvent(r *http.Request) orchestrator.Event {
	var ev orchestrator.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		logger.Base().Warn("malformed webhook payload",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	return ev
}

// writeVoiceDoc renders the voice-instruction document onto the response.
func writeVoiceDoc(w http.ResponseWriter, doc *bxml.Response) {
	out, err := doc.Render()
	if err != nil {
		logger.Base().Error("failed to render voice document", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

// IncomingCall handles the provider's notification of a new inbound call.
func (h *WebhookHandler) IncomingCall(w http.ResponseWriter, r *http.Request) {
	writeVoiceDoc(w, h.orch.HandleIncomingCall(r.Context(), decodeEvent(r)))
}

// CallAnswered handles the outbound phone leg's answer callback.
func (h *WebhookHandler) CallAnswered(w http.ResponseWriter, r *http.Request) {
	writeVoiceDoc(w, h.orch.HandleCallAnswered(r.Context(), decodeEvent(r)))
}

// BridgeCallAnswered handles the SIP trunk leg's answer callback.
func (h *WebhookHandler) BridgeCallAnswered(w http.ResponseWriter, r *http.Request) {
	writeVoiceDoc(w, h.orch.HandleBridgeCallAnswered(r.Context(), decodeEvent(r)))
}

// CallStatus handles disconnects and other status changes.
func (h *WebhookHandler) CallStatus(w http.ResponseWriter, r *http.Request) {
	h.orch.HandleCallStatus(r.Context(), decodeEvent(r))
	w.WriteHeader(http.StatusOK)
}

// EndBridgeLeg handles bridge completion callbacks.
func (h *WebhookHandler) EndBridgeLeg(w http.ResponseWriter, r *http.Request) {
	writeVoiceDoc(w, h.orch.HandleEndBridgeLeg(r.Context(), decodeEvent(r)))
}

// KillConnection handles the session provider's participant webhooks.
func (h *WebhookHandler) KillConnection(w http.ResponseWriter, r *http.Request) {
	h.orch.HandleKillConnection(r.Context(), decodeEvent(r))
	w.WriteHeader(http.StatusOK)
}

// Health reports liveness and the number of calls in flight.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"active_calls": h.orch.Registry().Len(),
	})
}

// CatchAll acknowledges any provider callback this service does not act
// on, so unrecognized webhooks never kill a call.
func (h *WebhookHandler) CatchAll(w http.ResponseWriter, r *http.Request) {
	logger.Base().Info("unhandled provider callback",
		zap.String("method", r.Method), zap.String("path", r.URL.Path))
	w.WriteHeader(http.StatusOK)
}
