// Package session wraps the real-time session provider. A session is a
// provider room, lazily created and reused across calls; a participant is
// a room identity plus the signed access token it joins with. The token
// doubles as the correlation credential the SIP trunk carries in its UUI
// header.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"go.uber.org/zap"

	"github.com/clearline/voice-bridge/pkg/logger"
)

// API is the session surface the rest of the service consumes.
type API interface {
	// EnsureSession returns the live session id, creating or recreating
	// the session as needed.
	EnsureSession(ctx context.Context) (string, error)
	// CreateParticipant allocates a membership in the current session and
	// returns its identity and access token.
	CreateParticipant(ctx context.Context, tag string) (Participant, error)
	// DeleteParticipant removes a membership. Memberships self-destruct
	// when the provider loses the underlying media stream, so absence is
	// tolerated.
	DeleteParticipant(ctx context.Context, participantID string) error
	// DeleteSession tears down the session itself.
	DeleteSession(ctx context.Context) error
}

// roomAPI is the slice of the provider SDK the gateway uses; tests fake it.
type roomAPI interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
	RemoveParticipant(ctx context.Context, req *livekit.RoomParticipantIdentity) (*livekit.RemoveParticipantResponse, error)
}

// Manager implements API against the provider's room service.
type Manager struct {
	rooms     roomAPI
	apiKey    string
	apiSecret string
	roomName  string

	mu        sync.Mutex
	sessionID string
}

// NewManager creates a session gateway.
func NewManager(serverURL, apiKey, apiSecret, roomName string) *Manager {
	return &Manager{
		rooms:     lksdk.NewRoomServiceClient(serverURL, apiKey, apiSecret),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		roomName:  roomName,
	}
}

// EnsureSession reuses the cached session when the provider still knows it
// and creates a fresh one on any probe failure, including expired or
// deleted sessions.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != "" {
		resp, err := m.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{m.roomName}})
		if err == nil {
			for _, room := range resp.GetRooms() {
				if room.GetSid() == m.sessionID {
					return m.sessionID, nil
				}
			}
		}
		logger.Base().Info("cached session invalid, creating a new one",
			zap.String("session_id", m.sessionID), zap.Error(err))
		m.sessionID = ""
	}

	room, err := m.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{Name: m.roomName})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if room.GetSid() == "" {
		return "", fmt.Errorf("create session: no session id in provider response")
	}

	m.sessionID = room.GetSid()
	logger.Base().Info("created session", zap.String("session_id", m.sessionID))
	return m.sessionID, nil
}

// CreateParticipant allocates a membership and its delivery token. A
// missing token is fatal to whichever call flow asked for the participant.
func (m *Manager) CreateParticipant(ctx context.Context, tag string) (Participant, error) {
	if _, err := m.EnsureSession(ctx); err != nil {
		return Participant{}, err
	}

	identity := fmt.Sprintf("%s-%s", tag, uuid.NewString())
	token, err := m.participantToken(identity)
	if err != nil {
		return Participant{}, fmt.Errorf("create participant %s: %w", identity, err)
	}
	if token == "" {
		return Participant{}, fmt.Errorf("create participant %s: no token in provider response", identity)
	}

	logger.Base().Info("created participant", zap.String("participant_id", identity), zap.String("tag", tag))
	return Participant{ID: identity, Token: token}, nil
}

// DeleteParticipant removes the membership from the session. The provider
// drops memberships on its own when media flow is lost, so not-found is
// success.
func (m *Manager) DeleteParticipant(ctx context.Context, participantID string) error {
	_, err := m.rooms.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     m.roomName,
		Identity: participantID,
	})
	if err != nil {
		if isNotFound(err) {
			logger.Base().Info("participant already deleted", zap.String("participant_id", participantID))
			return nil
		}
		return fmt.Errorf("delete participant %s: %w", participantID, err)
	}
	logger.Base().Info("deleted participant", zap.String("participant_id", participantID))
	return nil
}

// DeleteSession tears down the session and forgets the cached id.
func (m *Manager) DeleteSession(ctx context.Context) error {
	m.mu.Lock()
	sessionID := m.sessionID
	m.sessionID = ""
	m.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	_, err := m.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: m.roomName})
	if err != nil {
		if isNotFound(err) {
			logger.Base().Info("session already deleted", zap.String("session_id", sessionID))
			return nil
		}
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	logger.Base().Info("deleted session", zap.String("session_id", sessionID))
	return nil
}

func (m *Manager) participantToken(identity string) (string, error) {
	canPublish := true
	canSubscribe := true

	at := auth.NewAccessToken(m.apiKey, m.apiSecret)
	at.SetVideoGrant(&auth.VideoGrant{
		RoomJoin:     true,
		Room:         m.roomName,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}).
		SetIdentity(identity).
		SetValidFor(2 * time.Hour)

	return at.ToJWT()
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}
