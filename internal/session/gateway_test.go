package session

import (
	"context"
	"errors"
	"testing"

	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoomAPI struct {
	rooms       []*livekit.Room
	listErr     error
	createErr   error
	createSID   string
	createCalls int
	removeErr   error
	removed     []string
	deleteErr   error
	deleteCalls int
}

func (f *fakeRoomAPI) CreateRoom(_ context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	room := &livekit.Room{Sid: f.createSID, Name: req.Name}
	f.rooms = append(f.rooms, room)
	return room, nil
}

func (f *fakeRoomAPI) ListRooms(_ context.Context, _ *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &livekit.ListRoomsResponse{Rooms: f.rooms}, nil
}

func (f *fakeRoomAPI) DeleteRoom(_ context.Context, _ *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error) {
	f.deleteCalls++
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.rooms = nil
	return &livekit.DeleteRoomResponse{}, nil
}

func (f *fakeRoomAPI) RemoveParticipant(_ context.Context, req *livekit.RoomParticipantIdentity) (*livekit.RemoveParticipantResponse, error) {
	if f.removeErr != nil {
		return nil, f.removeErr
	}
	f.removed = append(f.removed, req.Identity)
	return &livekit.RemoveParticipantResponse{}, nil
}

func newTestManager(fake *fakeRoomAPI) *Manager {
	return &Manager{
		rooms:     fake,
		apiKey:    "test-key",
		apiSecret: "test-secret-test-secret-test-secret",
		roomName:  "bridge-session",
	}
}

func TestEnsureSessionCreatesThenReuses(t *testing.T) {
	fake := &fakeRoomAPI{createSID: "RM_1"}
	m := newTestManager(fake)

	id, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "RM_1", id)
	assert.Equal(t, 1, fake.createCalls)

	// cached id still live: probe succeeds, no second create
	id, err = m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "RM_1", id)
	assert.Equal(t, 1, fake.createCalls)
}

func TestEnsureSessionRecreatesOnProbeFailure(t *testing.T) {
	fake := &fakeRoomAPI{createSID: "RM_1"}
	m := newTestManager(fake)

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	// provider lost the room; probe errors force a fresh session
	fake.rooms = nil
	fake.listErr = errors.New("twirp error not_found: room does not exist")
	fake.createSID = "RM_2"

	id, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "RM_2", id)
	assert.Equal(t, 2, fake.createCalls)
}

func TestEnsureSessionRejectsMissingSID(t *testing.T) {
	fake := &fakeRoomAPI{createSID: ""}
	m := newTestManager(fake)

	_, err := m.EnsureSession(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session id")
}

func TestCreateParticipantReturnsIdentityAndToken(t *testing.T) {
	fake := &fakeRoomAPI{createSID: "RM_1"}
	m := newTestManager(fake)

	p, err := m.CreateParticipant(context.Background(), "bridge-phone")
	require.NoError(t, err)
	assert.Contains(t, p.ID, "bridge-phone-")
	assert.NotEmpty(t, p.Token)

	// a second participant gets a distinct identity
	p2, err := m.CreateParticipant(context.Background(), "bridge-phone")
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, p2.ID)
}

func TestDeleteParticipantToleratesNotFound(t *testing.T) {
	fake := &fakeRoomAPI{removeErr: errors.New("participant does not exist")}
	m := newTestManager(fake)

	assert.NoError(t, m.DeleteParticipant(context.Background(), "bridge-phone-1"))

	fake.removeErr = errors.New("connection refused")
	assert.Error(t, m.DeleteParticipant(context.Background(), "bridge-phone-1"))
}

func TestDeleteSession(t *testing.T) {
	fake := &fakeRoomAPI{createSID: "RM_1"}
	m := newTestManager(fake)

	// nothing cached: nothing to delete
	require.NoError(t, m.DeleteSession(context.Background()))
	assert.Equal(t, 0, fake.deleteCalls)

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.DeleteSession(context.Background()))
	assert.Equal(t, 1, fake.deleteCalls)

	// deleting again is a no-op: the cached id was cleared
	require.NoError(t, m.DeleteSession(context.Background()))
	assert.Equal(t, 1, fake.deleteCalls)
}
