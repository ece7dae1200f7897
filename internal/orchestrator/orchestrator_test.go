package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline/voice-bridge/internal/registry"
	"github.com/clearline/voice-bridge/internal/session"
)

type fakeCalls struct {
	mu        sync.Mutex
	sipLegs   []string // participant tokens
	phoneLegs []string // dialed numbers
	ended     []string // call ids
	sipErr    error
	phoneErr  error
	endErr    error
	nextID    int
}

func (f *fakeCalls) next(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeCalls) CreateCall(ctx context.Context, toNumber string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phoneErr != nil {
		return "", f.phoneErr
	}
	f.phoneLegs = append(f.phoneLegs, toNumber)
	return f.next("phone"), nil
}

func (f *fakeCalls) CreateSIPLeg(ctx context.Context, participantToken string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sipErr != nil {
		return "", f.sipErr
	}
	f.sipLegs = append(f.sipLegs, participantToken)
	return f.next("sip"), nil
}

func (f *fakeCalls) EndCall(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endErr != nil {
		return f.endErr
	}
	f.ended = append(f.ended, callID)
	return nil
}

func (f *fakeCalls) endedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

type fakeSessions struct {
	mu          sync.Mutex
	created     int
	deleted     []string
	sessionGone bool
	createErr   error
}

func (f *fakeSessions) EnsureSession(ctx context.Context) (string, error) {
	return "SESSION_1", nil
}

func (f *fakeSessions) CreateParticipant(ctx context.Context, tag string) (session.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return session.Participant{}, f.createErr
	}
	f.created++
	id := fmt.Sprintf("%s-%d", tag, f.created)
	return session.Participant{ID: id, Token: "token-" + id}, nil
}

func (f *fakeSessions) DeleteParticipant(ctx context.Context, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, participantID)
	return nil
}

func (f *fakeSessions) DeleteSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionGone = true
	return nil
}

func (f *fakeSessions) deletedParticipants() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	states []string
	webID  string
	closed bool
}

func (f *fakeNotifier) PushCallState(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeNotifier) WebParticipantID() string { return f.webID }

func (f *fakeNotifier) CloseChannel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeNotifier) pushed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.states...)
}

func newTestOrchestrator() (*Orchestrator, *fakeCalls, *fakeSessions, *fakeNotifier) {
	calls := &fakeCalls{}
	sessions := &fakeSessions{}
	notifier := &fakeNotifier{}
	o := New(registry.New(), calls, sessions, "+15559990000", "https://bridge.example.com/callbacks")
	o.SetNotifier(notifier)
	return o, calls, sessions, notifier
}

// waitForRecord blocks until the registry holds a record matching f, or fails
// the test. The leg placements run detached so tests have to wait them out.
func waitForRecord(t *testing.T, o *Orchestrator, f registry.Filter) *registry.CallRecord {
	t.Helper()
	var rec *registry.CallRecord
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = o.Registry().FindMatching(f)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestValidPhoneNumber(t *testing.T) {
	for tn, want := range map[string]bool{
		"+15551234567":  true,
		"+12025550143":  true,
		"+11025550143":  false, // area code cannot start with 1
		"+10255501430":  false,
		"+4915551234":   false, // not a NANP number
		"15551234567":   false, // missing +
		"+1555123456":   false, // too short
		"+155512345678": false, // too long
		"":              false,
	} {
		assert.Equal(t, want, ValidPhoneNumber(tn), "tn=%q", tn)
	}
}

func TestIncomingCallParksCallerAndPlacesSIPLeg(t *testing.T) {
	o, _, _, notifier := newTestOrchestrator()

	doc := o.HandleIncomingCall(context.Background(), Event{CallID: "phone-in-1", From: "+15550001111"})
	out, err := doc.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "We&#39;re finding the other party")
	assert.Contains(t, out, `<Pause duration="120">`)
	assert.NotContains(t, out, "<Bridge")

	rec := waitForRecord(t, o, registry.Filter{PhoneCallID: "phone-in-1"})
	assert.Equal(t, registry.CallTypeIncoming, rec.CallType())

	// the SIP leg id lands asynchronously
	require.Eventually(t, func() bool { return rec.BridgeCallID() != "" }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, notifier.pushed(), CallStateInbound)
}

func TestIncomingThenSIPLegAnsweredBridges(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	o.HandleIncomingCall(context.Background(), Event{CallID: "phone-in-1", From: "+15550001111"})
	rec := waitForRecord(t, o, registry.Filter{PhoneCallID: "phone-in-1"})
	require.Eventually(t, func() bool { return rec.BridgeCallID() != "" }, 2*time.Second, 5*time.Millisecond)

	// incoming calls have no separate phone-answer webhook; the inbound
	// leg counts as answered from the start
	rec.MarkPhoneAnswered()

	doc := o.HandleBridgeCallAnswered(context.Background(), Event{CallID: rec.BridgeCallID()})
	out, err := doc.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "<Bridge")
	assert.Contains(t, out, ">phone-in-1</Bridge>")
	assert.Contains(t, out, "bridgeCompleteUrl=")
}

func TestOutboundPhoneAnsweredFirstThenSIPLeg(t *testing.T) {
	o, _, _, notifier := newTestOrchestrator()

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	rec := waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})
	require.Eventually(t, func() bool {
		return rec.PhoneCallID() != "" && rec.BridgeCallID() != ""
	}, 2*time.Second, 5*time.Millisecond)

	// phone leg answers before the SIP leg does: hold, no bridge yet
	doc := o.HandleCallAnswered(context.Background(), Event{CallID: rec.PhoneCallID()})
	out, err := doc.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "The call will start now")
	assert.NotContains(t, out, "<Bridge")

	// SIP leg answers second and completes the bridge
	doc = o.HandleBridgeCallAnswered(context.Background(), Event{CallID: rec.BridgeCallID()})
	out, err = doc.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "<Bridge")
	assert.Contains(t, out, ">"+rec.PhoneCallID()+"</Bridge>")

	assert.Contains(t, notifier.pushed(), CallStateOutbound)
	assert.Contains(t, notifier.pushed(), CallStateConnected)
}

func TestOutboundSIPLegAnsweredFirstThenPhone(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	rec := waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})
	require.Eventually(t, func() bool {
		return rec.PhoneCallID() != "" && rec.BridgeCallID() != ""
	}, 2*time.Second, 5*time.Millisecond)

	// SIP leg answers first: the phone side has not picked up, so hold
	doc := o.HandleBridgeCallAnswered(context.Background(), Event{CallID: rec.BridgeCallID()})
	out, err := doc.Render()
	require.NoError(t, err)
	assert.NotContains(t, out, "<Bridge")

	// phone leg answers second and completes the bridge from its side
	doc = o.HandleCallAnswered(context.Background(), Event{CallID: rec.PhoneCallID()})
	out, err = doc.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "<Bridge")
	assert.Contains(t, out, ">"+rec.BridgeCallID()+"</Bridge>")
	assert.Contains(t, out, "bridgeTargetCompleteUrl=")
}

func TestBridgeEmittedOnlyOnce(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	rec := waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})
	require.Eventually(t, func() bool {
		return rec.PhoneCallID() != "" && rec.BridgeCallID() != ""
	}, 2*time.Second, 5*time.Millisecond)

	o.HandleCallAnswered(context.Background(), Event{CallID: rec.PhoneCallID()})
	doc := o.HandleBridgeCallAnswered(context.Background(), Event{CallID: rec.BridgeCallID()})
	out, err := doc.Render()
	require.NoError(t, err)
	require.Contains(t, out, "<Bridge")

	// a duplicate answer webhook must not produce a second bridge
	doc = o.HandleCallAnswered(context.Background(), Event{CallID: rec.PhoneCallID()})
	out, err = doc.Render()
	require.NoError(t, err)
	assert.NotContains(t, out, "<Bridge")
}

func TestInvalidNumberRejectedWithoutSideEffects(t *testing.T) {
	o, calls, sessions, _ := newTestOrchestrator()

	o.PlaceOutboundCall(context.Background(), "+1123")

	assert.Equal(t, 0, o.Registry().Len())
	assert.Empty(t, calls.phoneLegs)
	assert.Equal(t, 0, sessions.created)
}

func TestUnknownAnsweredCallGetsNeutralHold(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	doc := o.HandleCallAnswered(context.Background(), Event{CallID: "never-seen"})
	out, err := doc.Render()
	require.NoError(t, err)
	assert.Contains(t, out, `<Pause duration="120">`)
	assert.NotContains(t, out, "<Bridge")
	assert.NotContains(t, out, "<SpeakSentence>")
}

func TestDisconnectTearsDownRecord(t *testing.T) {
	o, calls, sessions, _ := newTestOrchestrator()

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	rec := waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})
	require.Eventually(t, func() bool {
		return rec.PhoneCallID() != "" && rec.BridgeCallID() != ""
	}, 2*time.Second, 5*time.Millisecond)

	o.HandleCallStatus(context.Background(), Event{EventType: "disconnect", CallID: rec.PhoneCallID()})

	assert.Equal(t, 0, o.Registry().Len())
	assert.Contains(t, calls.endedCalls(), rec.BridgeCallID())
	assert.Contains(t, sessions.deletedParticipants(), rec.Key())
	assert.Equal(t, registry.StateTerminated, rec.State())
}

func TestDisconnectOfSIPLegAlsoResolves(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	rec := waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})
	require.Eventually(t, func() bool { return rec.BridgeCallID() != "" }, 2*time.Second, 5*time.Millisecond)

	o.HandleCallStatus(context.Background(), Event{EventType: "disconnect", CallID: rec.BridgeCallID()})
	assert.Equal(t, 0, o.Registry().Len())
}

func TestNonDisconnectStatusIsIgnored(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	rec := waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})
	require.Eventually(t, func() bool { return rec.PhoneCallID() != "" }, 2*time.Second, 5*time.Millisecond)

	o.HandleCallStatus(context.Background(), Event{EventType: "ringing", CallID: rec.PhoneCallID()})
	assert.Equal(t, 1, o.Registry().Len())
}

func TestEndBridgeLegTearsDownAndPausesBriefly(t *testing.T) {
	o, _, _, notifier := newTestOrchestrator()

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	rec := waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})
	require.Eventually(t, func() bool { return rec.BridgeCallID() != "" }, 2*time.Second, 5*time.Millisecond)

	doc := o.HandleEndBridgeLeg(context.Background(), Event{EventType: "bridgeTargetComplete", CallID: rec.BridgeCallID()})
	out, err := doc.Render()
	require.NoError(t, err)
	assert.Contains(t, out, `<Pause duration="10">`)

	assert.Equal(t, 0, o.Registry().Len())
	assert.Contains(t, notifier.pushed(), CallStateIdle)
}

func TestEndBridgeLegUnknownEventTypeAcknowledged(t *testing.T) {
	o, _, _, _ := newTestOrchestrator()

	doc := o.HandleEndBridgeLeg(context.Background(), Event{EventType: "initiate", CallID: "c-1"})
	out, err := doc.Render()
	require.NoError(t, err)
	assert.Equal(t, "<Response></Response>", strings.TrimPrefix(out, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"))
}

func TestTeardownRecordIsIdempotent(t *testing.T) {
	o, calls, _, _ := newTestOrchestrator()

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	rec := waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})
	require.Eventually(t, func() bool { return rec.BridgeCallID() != "" }, 2*time.Second, 5*time.Millisecond)

	o.TeardownRecord(context.Background(), rec)
	o.TeardownRecord(context.Background(), rec) // second pass must not panic or error out

	assert.Equal(t, 0, o.Registry().Len())
	assert.Len(t, calls.endedCalls(), 2) // end attempted both times; the provider tolerates it
}

func TestKillConnectionForWebParticipantTearsDownEverything(t *testing.T) {
	o, _, sessions, notifier := newTestOrchestrator()
	notifier.webID = "web-agent-1"

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})

	o.HandleKillConnection(context.Background(), Event{Event: "onLeave", ParticipantID: "web-agent-1"})

	assert.Equal(t, 0, o.Registry().Len())
	assert.Contains(t, sessions.deletedParticipants(), "web-agent-1")
	assert.True(t, sessions.sessionGone)
	assert.True(t, notifier.closed)
}

func TestKillConnectionForOtherParticipantIsIgnored(t *testing.T) {
	o, _, sessions, notifier := newTestOrchestrator()
	notifier.webID = "web-agent-1"

	o.PlaceOutboundCall(context.Background(), "+15551234567")
	waitForRecord(t, o, registry.Filter{CallType: registry.CallTypeOutgoing})

	o.HandleKillConnection(context.Background(), Event{Event: "onLeave", ParticipantID: "bridge-phone-1"})
	o.HandleKillConnection(context.Background(), Event{Event: "onJoin", ParticipantID: "web-agent-1"})

	assert.Equal(t, 1, o.Registry().Len())
	assert.False(t, sessions.sessionGone)
	assert.False(t, notifier.closed)
}

func TestPhoneLegPlacementFailureReleasesRecord(t *testing.T) {
	o, calls, _, _ := newTestOrchestrator()
	calls.phoneErr = fmt.Errorf("provider unavailable")

	o.PlaceOutboundCall(context.Background(), "+15551234567")

	require.Eventually(t, func() bool { return o.Registry().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
