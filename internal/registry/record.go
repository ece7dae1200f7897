package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"

	"github.com/clearline/voice-bridge/internal/session"
)

// CallType distinguishes who originated the phone leg.
type CallType string

const (
	CallTypeIncoming CallType = "incoming"
	CallTypeOutgoing CallType = "outgoing"
)

// Lifecycle states of a logical call. The SIP leg and the phone leg are
// established by independent providers, so between sip_requested and bridged
// the record sits in converging until both legs have confirmed.
const (
	StateCreated      = "created"
	StateSIPRequested = "sip_requested"
	StateConverging   = "converging"
	StateBridged      = "bridged"
	StateTerminating  = "terminating"
	StateTerminated   = "terminated"
)

const (
	eventSIPRequested = "sip_requested"
	eventLegUp        = "leg_up"
	eventBridge       = "bridge"
	eventTerminate    = "terminate"
	eventTerminated   = "terminated"
)

// CallRecord is the unit of correlation state joining a bridge participant,
// its SIP leg and its phone leg. All mutation goes through the record lock:
// the two legs are placed fire-and-forget, so their completions race.
type CallRecord struct {
	mu        sync.Mutex
	lifecycle *fsm.FSM

	bridgeParticipant session.Participant
	callType          CallType
	phoneNumber       string
	webAgentNumber    string

	bridgeCallID  string
	phoneCallID   string
	phoneAnswered bool
	sipLegUp      bool
}

// NewCallRecord allocates a record for a freshly created bridge participant.
// The participant identity is the registry key for the record's whole life.
func NewCallRecord(p session.Participant, ct CallType, phoneNumber, webAgentNumber string) *CallRecord {
	return &CallRecord{
		lifecycle: fsm.NewFSM(
			StateCreated,
			fsm.Events{
				{Name: eventSIPRequested, Src: []string{StateCreated}, Dst: StateSIPRequested},
				{Name: eventLegUp, Src: []string{StateSIPRequested, StateConverging}, Dst: StateConverging},
				{Name: eventBridge, Src: []string{StateConverging}, Dst: StateBridged},
				{Name: eventTerminate, Src: []string{StateCreated, StateSIPRequested, StateConverging, StateBridged}, Dst: StateTerminating},
				{Name: eventTerminated, Src: []string{StateTerminating}, Dst: StateTerminated},
			},
			nil,
		),
		bridgeParticipant: p,
		callType:          ct,
		phoneNumber:       phoneNumber,
		webAgentNumber:    webAgentNumber,
	}
}

// Key returns the registry key: the bridge participant identity.
func (r *CallRecord) Key() string {
	return r.bridgeParticipant.ID
}

// BridgeParticipant returns the session membership standing in for the
// phone leg. Immutable after creation.
func (r *CallRecord) BridgeParticipant() session.Participant {
	return r.bridgeParticipant
}

// CallType reports whether the phone leg is inbound or outbound.
func (r *CallRecord) CallType() CallType {
	return r.callType
}

// PhoneNumber returns the far-end telephone number.
func (r *CallRecord) PhoneNumber() string {
	return r.phoneNumber
}

// WebAgentNumber returns the application's own telephone number.
func (r *CallRecord) WebAgentNumber() string {
	return r.webAgentNumber
}

// State returns the current lifecycle state.
func (r *CallRecord) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle.Current()
}

// SetPhoneCallID records the call-control id of the phone leg. The id is
// immutable once set; a second differing id means the record is being reused
// across calls, which the registry invariants forbid.
func (r *CallRecord) SetPhoneCallID(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phoneCallID != "" && r.phoneCallID != id {
		return fmt.Errorf("phone call id already set to %s, refusing %s", r.phoneCallID, id)
	}
	r.phoneCallID = id
	return nil
}

// PhoneCallID returns the phone leg's call-control id, empty until known.
func (r *CallRecord) PhoneCallID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phoneCallID
}

// SetBridgeCallID records the call-control id of the SIP trunk leg,
// written when the fire-and-forget placement completes. Immutable once set.
func (r *CallRecord) SetBridgeCallID(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bridgeCallID != "" && r.bridgeCallID != id {
		return fmt.Errorf("bridge call id already set to %s, refusing %s", r.bridgeCallID, id)
	}
	r.bridgeCallID = id
	return nil
}

// BridgeCallID returns the SIP leg's call-control id, empty until known.
func (r *CallRecord) BridgeCallID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bridgeCallID
}

// MarkSIPRequested moves the record out of created once the SIP leg
// placement has been launched.
func (r *CallRecord) MarkSIPRequested() {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.lifecycle.Event(context.Background(), eventSIPRequested)
}

// MarkPhoneAnswered flips the phone-leg side of the AND-gate.
func (r *CallRecord) MarkPhoneAnswered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phoneAnswered = true
	_ = r.lifecycle.Event(context.Background(), eventLegUp)
}

// PhoneAnswered reports whether the phone leg has confirmed answer.
func (r *CallRecord) PhoneAnswered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phoneAnswered
}

// MarkSIPLegEstablished flips the SIP-leg side of the AND-gate.
func (r *CallRecord) MarkSIPLegEstablished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sipLegUp = true
	_ = r.lifecycle.Event(context.Background(), eventLegUp)
}

// SIPLegEstablished reports whether the SIP trunk leg has answered.
func (r *CallRecord) SIPLegEstablished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sipLegUp
}

// TryBridge is the AND-gate. It returns true exactly once per record: when
// both the SIP leg's call id is known and the phone leg has answered, and
// the record has not already bridged. Callers emit the bridge instruction
// only on a true return, which makes the delivery order of the two answer
// webhooks irrelevant.
func (r *CallRecord) TryBridge() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bridgeCallID == "" || !r.phoneAnswered {
		return false
	}
	if err := r.lifecycle.Event(context.Background(), eventBridge); err != nil {
		return false
	}
	return true
}

// Bridged reports whether the bridge instruction has been emitted.
func (r *CallRecord) Bridged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle.Current() == StateBridged
}

// MarkTerminating stops further transitions; duplicate teardown webhooks
// land here and find the event is no longer valid, which is fine.
func (r *CallRecord) MarkTerminating() {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.lifecycle.Event(context.Background(), eventTerminate)
}

// MarkTerminated finalizes the record after both legs are confirmed down.
func (r *CallRecord) MarkTerminated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.lifecycle.Event(context.Background(), eventTerminated)
}
