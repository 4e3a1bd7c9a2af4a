// Package ivr implements the voicemail menu: a state machine advanced
// by DTMF digits and playback events, and the session runner that wires
// it to a call's media endpoint.
package ivr

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wirepbx/wirepbx/internal/audio"
)

// SessionState is the menu position of a voicemail session.
type SessionState int

const (
	StateWelcome SessionState = iota
	StatePinEntry
	StateMainMenu
	StateOptions
	StateListening
	StateRecordingGreeting
	StateReviewingGreeting
	StateGoodbye
)

func (s SessionState) String() string {
	switch s {
	case StateWelcome:
		return "welcome"
	case StatePinEntry:
		return "pin_entry"
	case StateMainMenu:
		return "main_menu"
	case StateOptions:
		return "options"
	case StateListening:
		return "listening"
	case StateRecordingGreeting:
		return "recording_greeting"
	case StateReviewingGreeting:
		return "reviewing_greeting"
	case StateGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind discriminates the inputs that advance the state machine.
type EventKind int

const (
	// EventDigit is a DTMF keypress; Event.Digit holds the character.
	EventDigit EventKind = iota
	// EventPromptDone signals that the current playback finished.
	EventPromptDone
	// EventInactivity signals the 60-second inactivity timeout.
	EventInactivity
	// EventMaxRecordTime signals the recording duration cap.
	// Event.Audio carries the recorded u-law buffer.
	EventMaxRecordTime
)

// Event is one input to the state machine.
type Event struct {
	Kind  EventKind
	Digit byte   // for EventDigit
	Audio []byte // recorded u-law, on events that stop a recording
}

// DigitEvent builds a keypress event.
func DigitEvent(d byte) Event { return Event{Kind: EventDigit, Digit: d} }

// Action is one of the closed set of things the session runner does on
// behalf of the state machine. The runner switches exhaustively over
// the concrete types.
type Action interface{ isAction() }

// PlayPrompt plays a named prompt.
type PlayPrompt struct{ Name string }

// PlayMessage plays a stored voicemail message.
type PlayMessage struct {
	ID       int64
	Path     string
	CallerID string
}

// PlayGreeting plays a u-law audio buffer (the recorded greeting).
type PlayGreeting struct{ Audio []byte }

// StartRecording clears the recorder and begins capturing.
type StartRecording struct{}

// StopRecording stops capturing caller audio.
type StopRecording struct{}

// Hangup ends the call after any queued playback.
type Hangup struct{}

func (PlayPrompt) isAction()     {}
func (PlayMessage) isAction()    {}
func (PlayGreeting) isAction()   {}
func (StartRecording) isAction() {}
func (StopRecording) isAction()  {}
func (Hangup) isAction()         {}

// Message is one stored voicemail message as the menu sees it.
type Message struct {
	ID         int64
	CallerID   string
	Path       string
	Duration   int
	Listened   bool
	ReceivedAt time.Time
}

// Mailbox is the voicemail store for one extension.
type Mailbox interface {
	VerifyPIN(pin string) bool
	Messages() ([]Message, error)
	MarkListened(id int64) error
	MarkUnread(id int64) error
	Delete(id int64) error
	SaveGreeting(ulaw []byte, duration int) error
	Greeting() ([]byte, error)
}

const (
	pinLength      = 4
	maxPinFailures = 3
)

// FSM is the voicemail menu state machine for one session. It is not
// safe for concurrent use; the session runner is its only caller.
type FSM struct {
	logger  *slog.Logger
	mailbox Mailbox

	state       SessionState
	pinBuf      []byte
	pinFailures int

	messages []Message
	cursor   int

	greeting []byte // recorded u-law pending commit
}

// NewFSM creates a state machine in the Welcome state.
func NewFSM(mailbox Mailbox, logger *slog.Logger) *FSM {
	return &FSM{
		logger:  logger.With("subsystem", "ivr"),
		mailbox: mailbox,
		state:   StateWelcome,
	}
}

// State returns the current menu position.
func (f *FSM) State() SessionState {
	return f.state
}

// Start leaves Welcome and asks for the PIN.
func (f *FSM) Start() []Action {
	f.state = StatePinEntry
	return []Action{PlayPrompt{Name: audio.PromptEnterPin}}
}

// Advance applies one event and returns the actions to perform. An
// event that has no meaning in the current state returns no actions and
// leaves the state unchanged.
func (f *FSM) Advance(ev Event) []Action {
	if ev.Kind == EventInactivity {
		return f.goodbye()
	}

	from := f.state
	actions := f.advance(ev)
	if f.state != from {
		f.logger.Debug("ivr state", "from", from.String(), "to", f.state.String())
	}
	return actions
}

func (f *FSM) advance(ev Event) []Action {
	switch f.state {
	case StatePinEntry:
		return f.pinEntry(ev)
	case StateMainMenu:
		return f.mainMenu(ev)
	case StateOptions:
		return f.options(ev)
	case StateListening:
		return f.listening(ev)
	case StateRecordingGreeting:
		return f.recordingGreeting(ev)
	case StateReviewingGreeting:
		return f.reviewingGreeting(ev)
	default:
		return nil
	}
}

func (f *FSM) goodbye() []Action {
	f.state = StateGoodbye
	return []Action{PlayPrompt{Name: audio.PromptGoodbye}, Hangup{}}
}

func (f *FSM) pinEntry(ev Event) []Action {
	if ev.Kind != EventDigit || ev.Digit < '0' || ev.Digit > '9' {
		return nil
	}

	f.pinBuf = append(f.pinBuf, ev.Digit)
	if len(f.pinBuf) < pinLength {
		return nil
	}

	pin := string(f.pinBuf)
	f.pinBuf = f.pinBuf[:0]

	if f.mailbox.VerifyPIN(pin) {
		f.pinFailures = 0
		f.state = StateMainMenu
		return []Action{PlayPrompt{Name: audio.PromptMainMenu}}
	}

	f.pinFailures++
	f.logger.Info("pin verification failed", "failures", f.pinFailures)
	if f.pinFailures >= maxPinFailures {
		return f.goodbye()
	}
	return []Action{PlayPrompt{Name: audio.PromptInvalidPin}}
}

func (f *FSM) mainMenu(ev Event) []Action {
	if ev.Kind != EventDigit {
		return nil
	}

	switch ev.Digit {
	case '1':
		return f.startListening()
	case '2':
		f.state = StateOptions
		return []Action{PlayPrompt{Name: audio.PromptOptions}}
	case '3':
		f.state = StateRecordingGreeting
		return []Action{PlayPrompt{Name: audio.PromptBeep}, StartRecording{}}
	case '*':
		return f.goodbye()
	default:
		return nil
	}
}

// startListening loads the mailbox and plays the first unread message,
// or reports that there are none.
func (f *FSM) startListening() []Action {
	msgs, err := f.mailbox.Messages()
	if err != nil {
		f.logger.Error("loading messages", "error", err)
		return []Action{PlayPrompt{Name: audio.PromptError}}
	}
	f.messages = msgs
	f.cursor = -1
	for i, m := range msgs {
		if !m.Listened {
			f.cursor = i
			break
		}
	}
	if f.cursor < 0 {
		return []Action{PlayPrompt{Name: audio.PromptNoMessages}}
	}

	f.state = StateListening
	m := f.messages[f.cursor]
	return []Action{PlayMessage{ID: m.ID, Path: m.Path, CallerID: m.CallerID}}
}

func (f *FSM) listening(ev Event) []Action {
	switch {
	case ev.Kind == EventPromptDone:
		// Message finished playing: mark it listened and return to the
		// menu.
		m := f.messages[f.cursor]
		if err := f.mailbox.MarkListened(m.ID); err != nil {
			f.logger.Error("marking message listened", "message_id", m.ID, "error", err)
		}
		f.state = StateMainMenu
		return []Action{PlayPrompt{Name: audio.PromptMainMenu}}

	case ev.Kind == EventDigit && ev.Digit == '7':
		m := f.messages[f.cursor]
		if err := f.mailbox.Delete(m.ID); err != nil {
			f.logger.Error("deleting message", "message_id", m.ID, "error", err)
			f.state = StateMainMenu
			return []Action{PlayPrompt{Name: audio.PromptError}, PlayPrompt{Name: audio.PromptMainMenu}}
		}
		f.state = StateMainMenu
		return []Action{PlayPrompt{Name: audio.PromptMessageDeleted}, PlayPrompt{Name: audio.PromptMainMenu}}

	default:
		return nil
	}
}

// options handles the message-management submenu: 1 marks the current
// message unread, 2 deletes it, 3 advances to the next message, *
// returns to the main menu.
func (f *FSM) options(ev Event) []Action {
	if ev.Kind != EventDigit {
		return nil
	}

	current := func() (Message, bool) {
		if f.cursor >= 0 && f.cursor < len(f.messages) {
			return f.messages[f.cursor], true
		}
		return Message{}, false
	}

	switch ev.Digit {
	case '1':
		if m, ok := current(); ok {
			if err := f.mailbox.MarkUnread(m.ID); err != nil {
				f.logger.Error("marking message unread", "message_id", m.ID, "error", err)
				return []Action{PlayPrompt{Name: audio.PromptError}}
			}
		}
		return []Action{PlayPrompt{Name: audio.PromptOptions}}
	case '2':
		if m, ok := current(); ok {
			if err := f.mailbox.Delete(m.ID); err != nil {
				f.logger.Error("deleting message", "message_id", m.ID, "error", err)
				return []Action{PlayPrompt{Name: audio.PromptError}}
			}
			f.messages = append(f.messages[:f.cursor], f.messages[f.cursor+1:]...)
			if f.cursor >= len(f.messages) {
				f.cursor = len(f.messages) - 1
			}
			return []Action{PlayPrompt{Name: audio.PromptMessageDeleted}, PlayPrompt{Name: audio.PromptOptions}}
		}
		return []Action{PlayPrompt{Name: audio.PromptOptions}}
	case '3':
		if f.cursor+1 < len(f.messages) {
			f.cursor++
		}
		if m, ok := current(); ok {
			f.state = StateListening
			return []Action{PlayMessage{ID: m.ID, Path: m.Path, CallerID: m.CallerID}}
		}
		return []Action{PlayPrompt{Name: audio.PromptNoMessages}}
	case '*':
		f.state = StateMainMenu
		return []Action{PlayPrompt{Name: audio.PromptMainMenu}}
	default:
		return nil
	}
}

func (f *FSM) recordingGreeting(ev Event) []Action {
	stop := (ev.Kind == EventDigit && ev.Digit == '#') || ev.Kind == EventMaxRecordTime
	if !stop {
		return nil
	}

	f.greeting = ev.Audio
	f.state = StateReviewingGreeting
	return []Action{StopRecording{}, PlayPrompt{Name: audio.PromptGreetingReviewMenu}}
}

func (f *FSM) reviewingGreeting(ev Event) []Action {
	if ev.Kind != EventDigit {
		return nil
	}

	switch ev.Digit {
	case '1':
		return []Action{
			PlayGreeting{Audio: f.greeting},
			PlayPrompt{Name: audio.PromptGreetingReviewMenu},
		}
	case '2':
		duration := len(f.greeting) / audio.SampleRate
		if err := f.mailbox.SaveGreeting(f.greeting, duration); err != nil {
			// Sink failure keeps the call alive: report and fall back
			// to the menu.
			f.logger.Error("saving greeting", "error", err)
			f.state = StateMainMenu
			return []Action{PlayPrompt{Name: audio.PromptError}, PlayPrompt{Name: audio.PromptMainMenu}}
		}
		f.greeting = nil
		f.state = StateMainMenu
		return []Action{PlayPrompt{Name: audio.PromptGreetingSaved}, PlayPrompt{Name: audio.PromptMainMenu}}
	case '3':
		f.greeting = nil
		f.state = StateRecordingGreeting
		return []Action{PlayPrompt{Name: audio.PromptBeep}, StartRecording{}}
	default:
		return nil
	}
}
