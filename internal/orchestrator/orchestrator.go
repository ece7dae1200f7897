// Package orchestrator drives the call-bridging state machine. Each webhook
// from the call-control provider looks up or creates a CallRecord, advances
// it, and answers with a voice-instruction document telling the provider to
// speak, hold or bridge. Failures never surface to the provider as errors:
// a non-success response is read as "drop the call".
package orchestrator

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/clearline/voice-bridge/internal/bxml"
	"github.com/clearline/voice-bridge/internal/callctl"
	"github.com/clearline/voice-bridge/internal/registry"
	"github.com/clearline/voice-bridge/internal/session"
	"github.com/clearline/voice-bridge/pkg/logger"
)

// Call states pushed to the browser over its status channel.
const (
	CallStateIdle      = "idle"
	CallStateInbound   = "inbound call"
	CallStateOutbound  = "outbound call"
	CallStateConnected = "connected"
)

const (
	incomingPrompt  = "We're finding the other party"
	answeredPrompt  = "The call will start now"
	bridgeLegPrompt = "a call is happening"

	// participantTag labels the session membership standing in for a
	// phone leg, mostly for provider-side debugging.
	participantTag = "bridge-phone"

	// legPlacementTimeout bounds the fire-and-forget provider calls.
	legPlacementTimeout = 30 * time.Second
)

// phonePattern is the E.164 US pattern accepted for outbound dialing:
// +1, then an area code not starting with 0 or 1, then nine more digits.
var phonePattern = regexp.MustCompile(`^\+1[2-9]\d{9}$`)

// ValidPhoneNumber reports whether tn is dialable by this service.
func ValidPhoneNumber(tn string) bool {
	return phonePattern.MatchString(tn)
}

// Event is the payload shape shared by the provider's webhooks. Each
// webhook populates the subset of fields relevant to it.
type Event struct {
	CallID        string `json:"callId"`
	From          string `json:"from"`
	To            string `json:"to"`
	EventType     string `json:"eventType"`
	Event         string `json:"event"`
	ParticipantID string `json:"participantId"`
}

// Notifier pushes status to the browser agent and exposes its session
// membership for teardown. The web client gateway implements it; before a
// browser registers, a no-op stands in.
type Notifier interface {
	PushCallState(state string)
	WebParticipantID() string
	CloseChannel()
}

type nopNotifier struct{}

func (nopNotifier) PushCallState(string)     {}
func (nopNotifier) WebParticipantID() string { return "" }
func (nopNotifier) CloseChannel()            {}

// Orchestrator correlates the three legs of a logical call and decides
// when to bridge and when to hold.
type Orchestrator struct {
	registry *registry.Registry
	calls    callctl.API
	sessions session.API
	notifier Notifier

	appNumber    string
	callbackBase string
}

// New creates an orchestrator around an injected registry and provider
// clients.
func New(reg *registry.Registry, calls callctl.API, sessions session.API, appNumber, callbackBase string) *Orchestrator {
	return &Orchestrator{
		registry:     reg,
		calls:        calls,
		sessions:     sessions,
		notifier:     nopNotifier{},
		appNumber:    appNumber,
		callbackBase: callbackBase,
	}
}

// SetNotifier wires the browser gateway in once it exists.
func (o *Orchestrator) SetNotifier(n Notifier) {
	if n == nil {
		o.notifier = nopNotifier{}
		return
	}
	o.notifier = n
}

// Registry exposes the call store, mainly for status reporting.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// HandleIncomingCall reacts to an inbound phone call: allocate the bridge
// participant, start the SIP leg, and park the caller while the other leg
// is established. The response must come back quickly or the provider
// times the call out, hence the fire-and-forget SIP placement.
func (o *Orchestrator) HandleIncomingCall(ctx context.Context, ev Event) *bxml.Response {
	logger.Base().Info("incoming call",
		zap.String("call_id", ev.CallID),
		zap.String("from", ev.From))
	o.notifier.PushCallState(CallStateInbound)

	participant, err := o.sessions.CreateParticipant(ctx, participantTag)
	if err != nil {
		// Precondition failure: this call attempt is lost, but the
		// caller still gets a well-formed hold so the provider does
		// not treat the webhook as erred.
		logger.Base().Error("failed to allocate bridge participant", zap.Error(err))
		return bxml.Hold(incomingPrompt)
	}

	rec := registry.NewCallRecord(participant, registry.CallTypeIncoming, ev.From, o.appNumber)
	if err := rec.SetPhoneCallID(ev.CallID); err != nil {
		logger.Base().Error("failed to record phone leg id", zap.Error(err))
	}
	o.registry.Put(rec)

	go o.placeSIPLeg(rec)
	rec.MarkSIPRequested()

	return bxml.Hold(incomingPrompt)
}

// PlaceOutboundCall dials tn on behalf of the browser agent. The phone leg
// and the SIP leg are placed concurrently; their completions converge on
// the record through its lock. Invalid numbers are dropped with a log line
// and no state change.
func (o *Orchestrator) PlaceOutboundCall(ctx context.Context, tn string) {
	if !ValidPhoneNumber(tn) {
		logger.Base().Warn("missing or incorrectly formatted telephone number", zap.String("tn", tn))
		return
	}

	participant, err := o.sessions.CreateParticipant(ctx, participantTag)
	if err != nil {
		logger.Base().Error("failed to allocate bridge participant", zap.Error(err))
		return
	}

	rec := registry.NewCallRecord(participant, registry.CallTypeOutgoing, tn, o.appNumber)
	o.registry.Put(rec)

	go o.placeSIPLeg(rec)
	go o.placePhoneLeg(rec, tn)
	rec.MarkSIPRequested()

	o.notifier.PushCallState(CallStateOutbound)
}

// HandleCallAnswered reacts to the outbound phone leg being picked up.
// If the SIP leg's call id is already known the two legs bridge now;
// otherwise the phone leg holds and the SIP leg's own answer callback
// completes the bridge.
func (o *Orchestrator) HandleCallAnswered(ctx context.Context, ev Event) *bxml.Response {
	logger.Base().Info("phone leg answered",
		zap.String("call_id", ev.CallID),
		zap.String("to", ev.To))

	rec, ok := o.registry.FindMatching(registry.Filter{PhoneCallID: ev.CallID})
	if !ok {
		logger.Base().Warn("no call record for answered phone leg", zap.String("call_id", ev.CallID))
		return bxml.Hold("")
	}

	rec.MarkPhoneAnswered()

	resp := (&bxml.Response{}).Add(bxml.SpeakSentence{Sentence: answeredPrompt})
	if rec.TryBridge() {
		logger.Base().Info("bridging phone leg to sip leg",
			zap.String("phone_call_id", ev.CallID),
			zap.String("bridge_call_id", rec.BridgeCallID()))
		return resp.Add(bxml.Bridge{
			CallID:                  rec.BridgeCallID(),
			BridgeTargetCompleteURL: o.callbackBase + "/endBridgeLeg",
		})
	}
	return resp.Add(bxml.Pause{Duration: bxml.HoldDuration})
}

// HandleBridgeCallAnswered reacts to the SIP trunk leg being picked up.
// The "connected" status is pushed optimistically even when the phone leg
// is still pending: the bridge completes once both sides are ready.
func (o *Orchestrator) HandleBridgeCallAnswered(ctx context.Context, ev Event) *bxml.Response {
	logger.Base().Info("sip trunk leg answered", zap.String("call_id", ev.CallID))

	rec, ok := o.registry.FindMatching(registry.Filter{BridgeCallID: ev.CallID})
	if !ok {
		logger.Base().Warn("no call record for answered sip leg", zap.String("call_id", ev.CallID))
		return bxml.Hold("")
	}

	rec.MarkSIPLegEstablished()
	o.notifier.PushCallState(CallStateConnected)

	resp := (&bxml.Response{}).Add(bxml.SpeakSentence{Sentence: bridgeLegPrompt})
	if rec.TryBridge() {
		logger.Base().Info("bridging sip leg to phone leg",
			zap.String("bridge_call_id", ev.CallID),
			zap.String("phone_call_id", rec.PhoneCallID()))
		return resp.Add(bxml.Bridge{
			CallID:            rec.PhoneCallID(),
			BridgeCompleteURL: o.callbackBase + "/endBridgeLeg",
		})
	}
	return resp.Add(bxml.Pause{Duration: bxml.HoldDuration})
}

// HandleCallStatus reacts to call status changes; in practice the only one
// that matters is a disconnect from either leg.
func (o *Orchestrator) HandleCallStatus(ctx context.Context, ev Event) {
	if ev.EventType != "disconnect" {
		logger.Base().Info("unexpected call status update",
			zap.String("call_id", ev.CallID),
			zap.String("event_type", ev.EventType))
		return
	}

	logger.Base().Info("disconnect", zap.String("call_id", ev.CallID))

	rec, ok := o.registry.FindMatching(registry.Filter{PhoneCallID: ev.CallID})
	if !ok {
		// the SIP leg's disconnect carries its own call id
		rec, ok = o.registry.FindMatching(registry.Filter{BridgeCallID: ev.CallID})
	}
	if !ok {
		logger.Base().Info("disconnect for unknown call, already cleaned up", zap.String("call_id", ev.CallID))
		return
	}

	o.TeardownRecord(ctx, rec)
}

// HandleEndBridgeLeg reacts to a bridge running to completion: one side
// hung up and the provider tore the bridge down, so the SIP leg and its
// participant go too.
func (o *Orchestrator) HandleEndBridgeLeg(ctx context.Context, ev Event) *bxml.Response {
	if ev.EventType != "bridgeTargetComplete" && ev.EventType != "bridgeComplete" {
		logger.Base().Info("unexpected bridge status update",
			zap.String("call_id", ev.CallID),
			zap.String("event_type", ev.EventType))
		return bxml.Empty()
	}

	logger.Base().Info("bridge complete", zap.String("call_id", ev.CallID))

	rec, ok := o.registry.FindMatching(registry.Filter{BridgeCallID: ev.CallID})
	if !ok {
		rec, ok = o.registry.FindMatching(registry.Filter{PhoneCallID: ev.CallID})
	}
	if ok {
		o.TeardownRecord(ctx, rec)
	} else {
		logger.Base().Info("bridge completion for unknown call", zap.String("call_id", ev.CallID))
	}

	o.notifier.PushCallState(CallStateIdle)
	return (&bxml.Response{}).Add(bxml.Pause{Duration: bxml.EndedPauseDuration})
}

// HandleKillConnection reacts to the session provider reporting a
// participant departure. Only the browser agent leaving triggers the full
// cascade; anything else is acknowledged and ignored.
func (o *Orchestrator) HandleKillConnection(ctx context.Context, ev Event) {
	webID := o.notifier.WebParticipantID()
	if ev.Event != "onLeave" || webID == "" || ev.ParticipantID != webID {
		return
	}

	logger.Base().Info("browser agent left session, deallocating all resources",
		zap.String("participant_id", ev.ParticipantID))
	o.TeardownAll(ctx)
	o.notifier.CloseChannel()
}

// placeSIPLeg runs detached: it places the SIP trunk call tagged with the
// record's participant token and writes the resulting call id into the
// record. The answer webhook for this leg may arrive before or after the
// write completes; the AND-gate re-check on both answer paths makes either
// order converge.
func (o *Orchestrator) placeSIPLeg(rec *registry.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), legPlacementTimeout)
	defer cancel()

	callID, err := o.calls.CreateSIPLeg(ctx, rec.BridgeParticipant().Token)
	if err != nil {
		logger.Base().Error("failed to place sip trunk leg",
			zap.String("participant_id", rec.Key()), zap.Error(err))
		return
	}
	if err := rec.SetBridgeCallID(callID); err != nil {
		logger.Base().Error("failed to record sip leg id", zap.Error(err))
	}
}

// placePhoneLeg runs detached alongside placeSIPLeg for outbound calls.
// A placement failure abandons the attempt and releases its resources.
func (o *Orchestrator) placePhoneLeg(rec *registry.CallRecord, tn string) {
	ctx, cancel := context.WithTimeout(context.Background(), legPlacementTimeout)
	defer cancel()

	callID, err := o.calls.CreateCall(ctx, tn)
	if err != nil {
		logger.Base().Error("failed to place phone leg", zap.String("tn", tn), zap.Error(err))
		o.TeardownRecord(ctx, rec)
		return
	}
	if err := rec.SetPhoneCallID(callID); err != nil {
		logger.Base().Error("failed to record phone leg id", zap.Error(err))
	}
}
