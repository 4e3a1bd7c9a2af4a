package ivr

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/wirepbx/wirepbx/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMailbox struct {
	pin      string
	messages []Message
	greeting []byte

	listened []int64
	unread   []int64
	deleted  []int64

	messagesErr     error
	saveGreetingErr error
	deleteErr       error
}

func (m *fakeMailbox) VerifyPIN(pin string) bool { return pin == m.pin }

func (m *fakeMailbox) Messages() ([]Message, error) {
	if m.messagesErr != nil {
		return nil, m.messagesErr
	}
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out, nil
}

func (m *fakeMailbox) MarkListened(id int64) error {
	m.listened = append(m.listened, id)
	return nil
}

func (m *fakeMailbox) MarkUnread(id int64) error {
	m.unread = append(m.unread, id)
	return nil
}

func (m *fakeMailbox) Delete(id int64) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *fakeMailbox) SaveGreeting(ulaw []byte, duration int) error {
	if m.saveGreetingErr != nil {
		return m.saveGreetingErr
	}
	m.greeting = ulaw
	return nil
}

func (m *fakeMailbox) Greeting() ([]byte, error) { return m.greeting, nil }

// digits feeds a digit string into the machine, discarding actions.
func digits(f *FSM, s string) {
	for i := 0; i < len(s); i++ {
		f.Advance(DigitEvent(s[i]))
	}
}

// authedFSM builds a machine already past PIN entry.
func authedFSM(t *testing.T, mb *fakeMailbox) *FSM {
	t.Helper()
	if mb.pin == "" {
		mb.pin = "1234"
	}
	f := NewFSM(mb, testLogger())
	f.Start()
	digits(f, mb.pin)
	if f.State() != StateMainMenu {
		t.Fatalf("setup: state = %s, want main_menu", f.State())
	}
	return f
}

func prompts(actions []Action) []string {
	var out []string
	for _, a := range actions {
		if p, ok := a.(PlayPrompt); ok {
			out = append(out, p.Name)
		}
	}
	return out
}

func TestFSMStart(t *testing.T) {
	f := NewFSM(&fakeMailbox{pin: "1234"}, testLogger())

	actions := f.Start()
	if f.State() != StatePinEntry {
		t.Errorf("state = %s, want pin_entry", f.State())
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptEnterPin}) {
		t.Errorf("actions = %v, want enter_pin", got)
	}
}

func TestFSMPinCorrect(t *testing.T) {
	f := NewFSM(&fakeMailbox{pin: "4321"}, testLogger())
	f.Start()

	// No action until four digits are in.
	for _, d := range []byte{'4', '3', '2'} {
		if actions := f.Advance(DigitEvent(d)); len(actions) != 0 {
			t.Errorf("premature actions on digit %q: %v", d, actions)
		}
	}

	actions := f.Advance(DigitEvent('1'))
	if f.State() != StateMainMenu {
		t.Errorf("state = %s, want main_menu", f.State())
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptMainMenu}) {
		t.Errorf("actions = %v, want main_menu prompt", got)
	}
}

func TestFSMPinWrong(t *testing.T) {
	f := NewFSM(&fakeMailbox{pin: "1234"}, testLogger())
	f.Start()

	digits(f, "999")
	actions := f.Advance(DigitEvent('9'))
	if f.State() != StatePinEntry {
		t.Errorf("state = %s, want pin_entry", f.State())
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptInvalidPin}) {
		t.Errorf("actions = %v, want invalid_pin", got)
	}

	// The buffer was reset; a correct PIN now succeeds.
	digits(f, "1234")
	if f.State() != StateMainMenu {
		t.Errorf("state after correct pin = %s, want main_menu", f.State())
	}
}

func TestFSMPinThreeFailures(t *testing.T) {
	f := NewFSM(&fakeMailbox{pin: "1234"}, testLogger())
	f.Start()

	digits(f, "00000000") // two failures
	if f.State() != StatePinEntry {
		t.Fatalf("state = %s after two failures", f.State())
	}

	digits(f, "000")
	actions := f.Advance(DigitEvent('0')) // third failure
	if f.State() != StateGoodbye {
		t.Errorf("state = %s, want goodbye", f.State())
	}
	found := false
	for _, a := range actions {
		if _, ok := a.(Hangup); ok {
			found = true
		}
	}
	if !found {
		t.Error("no Hangup action after third pin failure")
	}
}

func TestFSMPinIgnoresNonDigits(t *testing.T) {
	f := NewFSM(&fakeMailbox{pin: "1234"}, testLogger())
	f.Start()

	f.Advance(DigitEvent('*'))
	f.Advance(DigitEvent('#'))
	digits(f, "1234")
	if f.State() != StateMainMenu {
		t.Errorf("state = %s, want main_menu", f.State())
	}
}

func TestFSMListenFlow(t *testing.T) {
	mb := &fakeMailbox{
		messages: []Message{
			{ID: 1, CallerID: "1001", Path: "/vm/1.wav", Listened: true},
			{ID: 2, CallerID: "1003", Path: "/vm/2.wav"},
			{ID: 3, CallerID: "1004", Path: "/vm/3.wav"},
		},
	}
	f := authedFSM(t, mb)

	// '1' plays the first unread message.
	actions := f.Advance(DigitEvent('1'))
	if f.State() != StateListening {
		t.Fatalf("state = %s, want listening", f.State())
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %v, want one PlayMessage", actions)
	}
	pm, ok := actions[0].(PlayMessage)
	if !ok || pm.ID != 2 {
		t.Fatalf("action = %+v, want PlayMessage id 2", actions[0])
	}

	// Playback completion marks it listened and returns to the menu.
	actions = f.Advance(Event{Kind: EventPromptDone})
	if f.State() != StateMainMenu {
		t.Errorf("state = %s, want main_menu", f.State())
	}
	if !reflect.DeepEqual(mb.listened, []int64{2}) {
		t.Errorf("listened = %v, want [2]", mb.listened)
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptMainMenu}) {
		t.Errorf("actions = %v, want main_menu prompt", got)
	}
}

func TestFSMListenDelete(t *testing.T) {
	mb := &fakeMailbox{
		messages: []Message{{ID: 5, CallerID: "1001", Path: "/vm/5.wav"}},
	}
	f := authedFSM(t, mb)

	f.Advance(DigitEvent('1'))
	actions := f.Advance(DigitEvent('7'))

	if f.State() != StateMainMenu {
		t.Errorf("state = %s, want main_menu", f.State())
	}
	if !reflect.DeepEqual(mb.deleted, []int64{5}) {
		t.Errorf("deleted = %v, want [5]", mb.deleted)
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptMessageDeleted, audio.PromptMainMenu}) {
		t.Errorf("prompts = %v", got)
	}
}

func TestFSMNoUnreadMessages(t *testing.T) {
	mb := &fakeMailbox{
		messages: []Message{{ID: 1, Listened: true}},
	}
	f := authedFSM(t, mb)

	actions := f.Advance(DigitEvent('1'))
	if f.State() != StateMainMenu {
		t.Errorf("state = %s, want main_menu", f.State())
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptNoMessages}) {
		t.Errorf("prompts = %v, want no_messages", got)
	}
}

func TestFSMMailboxError(t *testing.T) {
	mb := &fakeMailbox{messagesErr: errors.New("db closed")}
	f := authedFSM(t, mb)

	actions := f.Advance(DigitEvent('1'))
	// The call stays up: error prompt, still in the menu.
	if f.State() != StateMainMenu {
		t.Errorf("state = %s, want main_menu", f.State())
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptError}) {
		t.Errorf("prompts = %v, want error", got)
	}
}

func TestFSMOptionsSubmenu(t *testing.T) {
	mb := &fakeMailbox{
		messages: []Message{
			{ID: 1, CallerID: "1001", Path: "/vm/1.wav"},
			{ID: 2, CallerID: "1003", Path: "/vm/2.wav"},
		},
	}
	f := authedFSM(t, mb)

	// Load the mailbox by listening first, then open options.
	f.Advance(DigitEvent('1'))
	f.Advance(Event{Kind: EventPromptDone})
	f.Advance(DigitEvent('2'))
	if f.State() != StateOptions {
		t.Fatalf("state = %s, want options", f.State())
	}

	// Mark the current message unread.
	f.Advance(DigitEvent('1'))
	if !reflect.DeepEqual(mb.unread, []int64{1}) {
		t.Errorf("unread = %v, want [1]", mb.unread)
	}

	// Advance to the next message and play it.
	actions := f.Advance(DigitEvent('3'))
	if f.State() != StateListening {
		t.Fatalf("state = %s, want listening", f.State())
	}
	if pm, ok := actions[0].(PlayMessage); !ok || pm.ID != 2 {
		t.Errorf("action = %+v, want PlayMessage id 2", actions[0])
	}
}

func TestFSMOptionsDelete(t *testing.T) {
	mb := &fakeMailbox{
		messages: []Message{{ID: 9, CallerID: "1001", Path: "/vm/9.wav"}},
	}
	f := authedFSM(t, mb)
	f.Advance(DigitEvent('1'))
	f.Advance(Event{Kind: EventPromptDone})
	f.Advance(DigitEvent('2'))

	f.Advance(DigitEvent('2'))
	if !reflect.DeepEqual(mb.deleted, []int64{9}) {
		t.Errorf("deleted = %v, want [9]", mb.deleted)
	}

	// Back to the main menu.
	f.Advance(DigitEvent('*'))
	if f.State() != StateMainMenu {
		t.Errorf("state = %s, want main_menu", f.State())
	}
}

func TestFSMGreetingFlow(t *testing.T) {
	mb := &fakeMailbox{}
	f := authedFSM(t, mb)

	// '3' starts recording after a beep.
	actions := f.Advance(DigitEvent('3'))
	if f.State() != StateRecordingGreeting {
		t.Fatalf("state = %s, want recording_greeting", f.State())
	}
	if _, ok := actions[len(actions)-1].(StartRecording); !ok {
		t.Fatalf("actions = %v, want trailing StartRecording", actions)
	}

	// '#' stops and moves to review.
	recorded := make([]byte, 8000)
	actions = f.Advance(Event{Kind: EventDigit, Digit: '#', Audio: recorded})
	if f.State() != StateReviewingGreeting {
		t.Fatalf("state = %s, want reviewing_greeting", f.State())
	}
	if _, ok := actions[0].(StopRecording); !ok {
		t.Fatalf("actions = %v, want leading StopRecording", actions)
	}

	// '1' replays the recording.
	actions = f.Advance(DigitEvent('1'))
	if pg, ok := actions[0].(PlayGreeting); !ok || len(pg.Audio) != len(recorded) {
		t.Fatalf("actions = %v, want PlayGreeting with recorded audio", actions)
	}
	if f.State() != StateReviewingGreeting {
		t.Errorf("state = %s, want reviewing_greeting", f.State())
	}

	// '2' commits.
	actions = f.Advance(DigitEvent('2'))
	if f.State() != StateMainMenu {
		t.Errorf("state = %s, want main_menu", f.State())
	}
	if len(mb.greeting) != len(recorded) {
		t.Errorf("greeting not saved: %d bytes", len(mb.greeting))
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptGreetingSaved, audio.PromptMainMenu}) {
		t.Errorf("prompts = %v", got)
	}
}

func TestFSMGreetingRerecord(t *testing.T) {
	f := authedFSM(t, &fakeMailbox{})

	f.Advance(DigitEvent('3'))
	f.Advance(Event{Kind: EventDigit, Digit: '#', Audio: []byte{1, 2, 3}})

	// '3' discards and starts over.
	actions := f.Advance(DigitEvent('3'))
	if f.State() != StateRecordingGreeting {
		t.Fatalf("state = %s, want recording_greeting", f.State())
	}
	if _, ok := actions[len(actions)-1].(StartRecording); !ok {
		t.Errorf("actions = %v, want StartRecording", actions)
	}
	if f.greeting != nil {
		t.Error("discarded greeting retained")
	}
}

func TestFSMGreetingMaxRecordTime(t *testing.T) {
	f := authedFSM(t, &fakeMailbox{})
	f.Advance(DigitEvent('3'))

	f.Advance(Event{Kind: EventMaxRecordTime, Audio: make([]byte, 100)})
	if f.State() != StateReviewingGreeting {
		t.Errorf("state = %s, want reviewing_greeting", f.State())
	}
}

func TestFSMGreetingSaveError(t *testing.T) {
	mb := &fakeMailbox{saveGreetingErr: errors.New("disk full")}
	f := authedFSM(t, mb)

	f.Advance(DigitEvent('3'))
	f.Advance(Event{Kind: EventDigit, Digit: '#', Audio: []byte{1}})
	actions := f.Advance(DigitEvent('2'))

	// Sink failure returns to the menu without ending the call.
	if f.State() != StateMainMenu {
		t.Errorf("state = %s, want main_menu", f.State())
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptError, audio.PromptMainMenu}) {
		t.Errorf("prompts = %v", got)
	}
}

func TestFSMMainMenuHangup(t *testing.T) {
	f := authedFSM(t, &fakeMailbox{})

	actions := f.Advance(DigitEvent('*'))
	if f.State() != StateGoodbye {
		t.Errorf("state = %s, want goodbye", f.State())
	}
	if got := prompts(actions); !reflect.DeepEqual(got, []string{audio.PromptGoodbye}) {
		t.Errorf("prompts = %v, want goodbye", got)
	}
}

func TestFSMInactivityFromAnyState(t *testing.T) {
	states := []func(t *testing.T) *FSM{
		func(t *testing.T) *FSM {
			f := NewFSM(&fakeMailbox{pin: "1234"}, testLogger())
			f.Start()
			return f
		},
		func(t *testing.T) *FSM { return authedFSM(t, &fakeMailbox{}) },
		func(t *testing.T) *FSM {
			f := authedFSM(t, &fakeMailbox{})
			f.Advance(DigitEvent('3'))
			return f
		},
	}

	for i, setup := range states {
		f := setup(t)
		actions := f.Advance(Event{Kind: EventInactivity})
		if f.State() != StateGoodbye {
			t.Errorf("case %d: state = %s, want goodbye", i, f.State())
		}
		hangup := false
		for _, a := range actions {
			if _, ok := a.(Hangup); ok {
				hangup = true
			}
		}
		if !hangup {
			t.Errorf("case %d: no Hangup action", i)
		}
	}
}

func TestFSMIgnoresMeaninglessDigits(t *testing.T) {
	f := authedFSM(t, &fakeMailbox{})

	for _, d := range []byte{'4', '5', '9', '#'} {
		if actions := f.Advance(DigitEvent(d)); len(actions) != 0 {
			t.Errorf("digit %q produced actions %v in main menu", d, actions)
		}
		if f.State() != StateMainMenu {
			t.Fatalf("digit %q moved state to %s", d, f.State())
		}
	}
}
