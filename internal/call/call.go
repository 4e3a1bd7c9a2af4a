// Package call tracks the lifecycle of every call the server handles:
// the per-call state machine, the manager that owns all state
// transitions, and the end-of-call records handed to CDR persistence.
package call

import (
	"fmt"
	"sync"
	"time"
)

// State is a call's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateConnected
	StateHold
	StateTransferring
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateHold:
		return "hold"
	case StateTransferring:
		return "transferring"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// validTransitions is the allowed successor set per state. Ended is
// terminal; Hold and Connected toggle freely.
var validTransitions = map[State][]State{
	StateIdle:         {StateCalling, StateEnded},
	StateCalling:      {StateRinging, StateConnected, StateEnded},
	StateRinging:      {StateConnected, StateEnded},
	StateConnected:    {StateHold, StateTransferring, StateEnded},
	StateHold:         {StateConnected, StateEnded},
	StateTransferring: {StateConnected, StateEnded},
	StateEnded:        nil,
}

func transitionAllowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Disposition classifies how a call ended, recorded in the CDR.
type Disposition string

const (
	DispositionAnswered  Disposition = "answered"
	DispositionNoAnswer  Disposition = "no_answer"
	DispositionBusy      Disposition = "busy"
	DispositionCancelled Disposition = "cancelled"
	DispositionRejected  Disposition = "rejected"
	DispositionVoicemail Disposition = "voicemail"
	DispositionFailed    Disposition = "failed"
)

// spuriousByeWindow is how long after answer a first BYE on a voicemail
// access call is treated as a client artifact rather than a hangup.
// Some phones emit a stray BYE immediately after their ACK when the
// server answers a service call itself.
const spuriousByeWindow = 2 * time.Second

// digitQueueSize bounds the SIP INFO DTMF queue per call.
const digitQueueSize = 32

// Call is one call through the PBX. All state mutation goes through the
// Manager; other packages read snapshots via the accessor methods.
type Call struct {
	// Immutable after creation.
	ID        string // SIP Call-ID
	FromExt   string
	ToExt     string
	CreatedAt time.Time

	mu    sync.Mutex
	state State

	answeredAt time.Time // monotonic; zero until Connected
	endedAt    time.Time

	voicemailAccess   bool
	routedToVoicemail bool
	recording         bool
	firstByeIgnored   bool

	// digits carries DTMF received via SIP INFO to the IVR session.
	digits chan byte
}

func newCall(id, fromExt, toExt string) *Call {
	return &Call{
		ID:        id,
		FromExt:   fromExt,
		ToExt:     toExt,
		CreatedAt: time.Now(),
		state:     StateIdle,
		digits:    make(chan byte, digitQueueSize),
	}
}

// State returns the call's current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether the call has not ended.
func (c *Call) Active() bool {
	return c.State() != StateEnded
}

// AnsweredAt returns when the call connected, zero if it never did.
func (c *Call) AnsweredAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answeredAt
}

// EndedAt returns when the call ended, zero while active.
func (c *Call) EndedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endedAt
}

// VoicemailAccess reports whether this call is a voicemail IVR session.
func (c *Call) VoicemailAccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voicemailAccess
}

// SetVoicemailAccess marks the call as a voicemail IVR session.
func (c *Call) SetVoicemailAccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voicemailAccess = true
}

// RoutedToVoicemail reports whether the callee's voicemail answered.
func (c *Call) RoutedToVoicemail() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routedToVoicemail
}

// SetRoutedToVoicemail marks the call as diverted to voicemail.
func (c *Call) SetRoutedToVoicemail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routedToVoicemail = true
}

// Recording reports whether the server is recording this call's audio.
func (c *Call) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// SetRecording flips the recording flag.
func (c *Call) SetRecording(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = on
}

// SpuriousBye reports whether a BYE arriving now should be swallowed.
// Only the first BYE on a voicemail access call counts, and only within
// the window after answer; the decision flips firstByeIgnored so the
// next BYE tears the call down normally.
func (c *Call) SpuriousBye(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.voicemailAccess || c.firstByeIgnored {
		return false
	}
	if c.answeredAt.IsZero() || now.Sub(c.answeredAt) >= spuriousByeWindow {
		return false
	}
	c.firstByeIgnored = true
	return true
}

// FirstByeIgnored reports whether a spurious BYE was already swallowed.
func (c *Call) FirstByeIgnored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstByeIgnored
}

// PushDigit queues a SIP INFO DTMF digit for the IVR session. Digits
// beyond the queue capacity are dropped; reports whether it was queued.
func (c *Call) PushDigit(digit byte) bool {
	select {
	case c.digits <- digit:
		return true
	default:
		return false
	}
}

// Digits returns the channel carrying SIP INFO DTMF digits.
func (c *Call) Digits() <-chan byte {
	return c.digits
}

// DurationSeconds returns the connected duration in whole seconds, 0
// for calls that never connected.
func (c *Call) DurationSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answeredAt.IsZero() {
		return 0
	}
	end := c.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return int(end.Sub(c.answeredAt).Seconds())
}

// Snapshot is a point-in-time view of a call for the API and CDRs.
type Snapshot struct {
	ID                string    `json:"id"`
	FromExt           string    `json:"from"`
	ToExt             string    `json:"to"`
	State             string    `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
	AnsweredAt        time.Time `json:"answered_at,omitzero"`
	EndedAt           time.Time `json:"ended_at,omitzero"`
	DurationSeconds   int       `json:"duration_seconds"`
	VoicemailAccess   bool      `json:"voicemail_access,omitempty"`
	RoutedToVoicemail bool      `json:"routed_to_voicemail,omitempty"`
	Recording         bool      `json:"recording,omitempty"`
}

// Snapshot captures the call's current state for external consumers.
func (c *Call) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	duration := 0
	if !c.answeredAt.IsZero() {
		end := c.endedAt
		if end.IsZero() {
			end = time.Now()
		}
		duration = int(end.Sub(c.answeredAt).Seconds())
	}

	return Snapshot{
		ID:                c.ID,
		FromExt:           c.FromExt,
		ToExt:             c.ToExt,
		State:             c.state.String(),
		CreatedAt:         c.CreatedAt,
		AnsweredAt:        c.answeredAt,
		EndedAt:           c.endedAt,
		DurationSeconds:   duration,
		VoicemailAccess:   c.voicemailAccess,
		RoutedToVoicemail: c.routedToVoicemail,
		Recording:         c.recording,
	}
}
