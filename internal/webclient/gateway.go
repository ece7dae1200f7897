// Package webclient owns the control channel to the browser agent: a
// WebSocket carrying registration, call state updates and outbound dial
// requests. Exactly one browser may be registered at a time.
package webclient

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clearline/voice-bridge/internal/orchestrator"
	"github.com/clearline/voice-bridge/internal/session"
	"github.com/clearline/voice-bridge/pkg/logger"
)

// webParticipantTag labels the browser agent's session membership.
const webParticipantTag = "web-agent"

// Dialer starts an outbound call on behalf of the browser agent.
type Dialer interface {
	PlaceOutboundCall(ctx context.Context, tn string)
}

// serverMessage is the envelope for everything pushed to the browser.
type serverMessage struct {
	Event     string `json:"event"`
	Token     string `json:"token,omitempty"`
	TN        string `json:"tn,omitempty"`
	CallState string `json:"callState,omitempty"`
	Message   string `json:"message,omitempty"`
}

// clientMessage is the envelope for everything the browser sends.
type clientMessage struct {
	Event string `json:"event"`
	TN    string `json:"tn"`
}

// Gateway upgrades browser connections, enforces single occupancy, and
// relays state between the orchestrator and the registered agent. It
// implements orchestrator.Notifier.
type Gateway struct {
	sessions  session.API
	dialer    Dialer
	appNumber string

	upgrader websocket.Upgrader

	mu          sync.Mutex
	conn        *websocket.Conn
	participant session.Participant

	// writeMu serializes writers; the websocket allows only one at a time.
	writeMu sync.Mutex
}

func (g *Gateway) send(conn *websocket.Conn, msg serverMessage) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

var _ orchestrator.Notifier = (*Gateway)(nil)

// NewGateway creates a gateway serving browser agents. The dialer is
// usually the orchestrator.
func NewGateway(sessions session.API, dialer Dialer, appNumber string) *Gateway {
	return &Gateway{
		sessions:  sessions,
		dialer:    dialer,
		appNumber: appNumber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the browser client is served from anywhere during development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the request and registers the browser agent.
// A second browser is told off and disconnected without disturbing the
// first; in-flight calls survive an agent disconnect.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("websocket upgrade failed", zap.Error(err))
		return
	}

	g.mu.Lock()
	if g.conn != nil {
		g.mu.Unlock()
		logger.Base().Warn("rejecting second browser agent",
			zap.String("remote_addr", conn.RemoteAddr().String()))
		_ = conn.WriteJSON(serverMessage{
			Event:   "error",
			Message: "only one browser agent is allowed",
		})
		_ = conn.Close()
		return
	}
	g.conn = conn
	g.mu.Unlock()

	participant, err := g.sessions.CreateParticipant(r.Context(), webParticipantTag)
	if err != nil {
		logger.Base().Error("failed to allocate web participant", zap.Error(err))
		g.clearRegistration(conn)
		_ = conn.Close()
		return
	}

	g.mu.Lock()
	g.participant = participant
	g.mu.Unlock()

	logger.Base().Info("browser agent registered",
		zap.String("participant_id", participant.ID))

	if err := g.send(conn, serverMessage{
		Event:     "registered",
		Token:     participant.Token,
		TN:        g.appNumber,
		CallState: orchestrator.CallStateIdle,
	}); err != nil {
		logger.Base().Error("failed to send registration", zap.Error(err))
		g.clearRegistration(conn)
		_ = conn.Close()
		return
	}

	g.readLoop(conn)
}

// readLoop dispatches browser messages until the connection drops.
func (g *Gateway) readLoop(conn *websocket.Conn) {
	defer func() {
		g.clearRegistration(conn)
		_ = conn.Close()
		logger.Base().Info("browser agent disconnected")
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Base().Warn("browser channel error", zap.Error(err))
			}
			return
		}

		switch msg.Event {
		case "outboundCall":
			logger.Base().Info("outbound call requested", zap.String("tn", msg.TN))
			g.dialer.PlaceOutboundCall(context.Background(), msg.TN)
		default:
			logger.Base().Warn("unknown browser message", zap.String("event", msg.Event))
		}
	}
}

// clearRegistration frees the agent slot if conn still holds it. The
// participant membership is left for the session provider's departure
// callback to report, which drives the full teardown.
func (g *Gateway) clearRegistration(conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == conn {
		g.conn = nil
		g.participant = session.Participant{}
	}
}

// PushCallState sends a callStateUpdate to the registered agent, if any.
func (g *Gateway) PushCallState(state string) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return
	}
	if err := g.send(conn, serverMessage{Event: "callStateUpdate", CallState: state}); err != nil {
		logger.Base().Error("failed to push call state", zap.Error(err))
	}
}

// WebParticipantID returns the registered agent's session identity, or ""
// when no agent is connected.
func (g *Gateway) WebParticipantID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.participant.ID
}

// CloseChannel drops the registered agent's connection and frees the slot.
func (g *Gateway) CloseChannel() {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.participant = session.Participant{}
	g.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
