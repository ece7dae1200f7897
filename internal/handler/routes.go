package handler

import (
	"github.com/gorilla/mux"

	"github.com/clearline/voice-bridge/internal/callctl"
	"github.com/clearline/voice-bridge/internal/config"
	"github.com/clearline/voice-bridge/internal/orchestrator"
	"github.com/clearline/voice-bridge/internal/registry"
	"github.com/clearline/voice-bridge/internal/session"
	"github.com/clearline/voice-bridge/internal/webclient"
)

// HandlerManager wires the provider clients, the orchestrator and the
// browser gateway together and owns route registration.
type HandlerManager struct {
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	webGateway   *webclient.Gateway
	webhooks     *WebhookHandler
}

// NewHandlerManager builds the full service graph from configuration.
func NewHandlerManager(cfg *config.Config) *HandlerManager {
	sessions := session.NewManager(cfg.SessionServerURL, cfg.SessionAPIKey, cfg.SessionAPISecret, cfg.SessionName)

	calls := callctl.NewClient(callctl.Options{
		BaseURL:       cfg.CallControlBaseURL,
		AccountID:     cfg.AccountID,
		Username:      cfg.Username,
		Password:      cfg.Password,
		ApplicationID: cfg.VoiceApplicationID,
		FromNumber:    cfg.ApplicationNumber,
		CallbackBase:  cfg.CallbackBaseURL,
		SIPBridgeURI:  cfg.SIPBridgeURI,
	})

	orch := orchestrator.New(registry.New(), calls, sessions, cfg.ApplicationNumber, cfg.CallbackBaseURL)
	gateway := webclient.NewGateway(sessions, orch, cfg.ApplicationNumber)
	orch.SetNotifier(gateway)

	return &HandlerManager{
		config:       cfg,
		orchestrator: orch,
		webGateway:   gateway,
		webhooks:     NewWebhookHandler(orch),
	}
}

// Orchestrator exposes the call orchestrator, mainly so shutdown can run
// the full teardown cascade.
func (hm *HandlerManager) Orchestrator() *orchestrator.Orchestrator {
	return hm.orchestrator
}

// SetupRoutes registers every endpoint on the router.
func (hm *HandlerManager) SetupRoutes(router *mux.Router) {
	router.Use(CORSMiddleware)
	router.Use(LoggingMiddleware)

	// call-control provider callbacks
	router.HandleFunc("/incomingCall", hm.webhooks.IncomingCall).Methods("POST")
	router.HandleFunc("/callAnswered", hm.webhooks.CallAnswered).Methods("POST")
	router.HandleFunc("/bridgeCallAnswered", hm.webhooks.BridgeCallAnswered).Methods("POST")
	router.HandleFunc("/callStatus", hm.webhooks.CallStatus).Methods("POST")
	router.HandleFunc("/endBridgeLeg", hm.webhooks.EndBridgeLeg).Methods("POST")

	// session provider callbacks
	router.HandleFunc("/killConnection", hm.webhooks.KillConnection).Methods("POST")

	// browser agent channel
	router.HandleFunc("/ws", hm.webGateway.HandleWebSocket)

	router.HandleFunc("/health", hm.webhooks.Health).Methods("GET")

	// any callback not listed above still gets a 200
	router.PathPrefix("/").HandlerFunc(hm.webhooks.CatchAll).Methods("POST")
}
