package sip

import (
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/wirepbx/wirepbx/internal/audio"
	"github.com/wirepbx/wirepbx/internal/call"
	"github.com/wirepbx/wirepbx/internal/media"
)

// recordingTx satisfies sip.ServerTransaction and captures the
// responses a handler sends, so the wire behavior can be asserted
// without a UDP listener.
type recordingTx struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (t *recordingTx) Respond(res *sip.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, res)
	return nil
}

func (t *recordingTx) Acks() <-chan *sip.Request            { return nil }
func (t *recordingTx) OnCancel(f sip.FnTxCancel) bool       { return false }
func (t *recordingTx) Terminate()                           {}
func (t *recordingTx) OnTerminate(f sip.FnTxTerminate) bool { return false }
func (t *recordingTx) Done() <-chan struct{}                { return nil }
func (t *recordingTx) Err() error                           { return nil }

func (t *recordingTx) lastCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.responses) == 0 {
		return 0
	}
	return t.responses[len(t.responses)-1].StatusCode
}

// inviteTestFixture wires an InviteHandler with real collaborators and
// captures every call record the manager emits.
type inviteTestFixture struct {
	handler  *InviteHandler
	calls    *call.Manager
	sessions *SessionTable

	mu      sync.Mutex
	records []call.Record
}

func newInviteTestFixture(t *testing.T) *inviteTestFixture {
	t.Helper()
	logger := testLogger()

	allocator, err := media.NewPortAllocator(40000, 40010, logger)
	if err != nil {
		t.Fatalf("NewPortAllocator: %v", err)
	}

	router, err := NewRouter(`^\d{4}$`)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("test"))
	if err != nil {
		t.Fatalf("NewUA: %v", err)
	}
	t.Cleanup(func() { ua.Close() })

	dialer, err := NewDialer(ua, logger)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	t.Cleanup(dialer.Close)

	f := &inviteTestFixture{
		calls:    call.NewManager(logger),
		sessions: NewSessionTable(logger),
	}
	f.calls.OnEnd = func(rec call.Record) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.records = append(f.records, rec)
	}

	auth := newTestAuthenticator()
	f.handler = NewInviteHandler(
		InviteConfig{
			MediaIP:         "127.0.0.1",
			SIPPort:         5060,
			NoAnswer:        time.Second,
			MaxRecord:       time.Second,
			DTMFDebounce:    500 * time.Millisecond,
			ILBCMode:        30,
			DTMFPayloadType: 101,
		},
		nil,
		f.calls,
		NewRegistrar(auth, logger),
		auth,
		router,
		dialer,
		allocator,
		media.NewRelayManager(allocator, logger),
		f.sessions,
		audio.NewPrompts("", logger),
		nil,
		logger,
	)
	return f
}

// connectedCall creates a call in Connected state with a session that
// has no upstream leg, the shape of a server-answered call.
func (f *inviteTestFixture) connectedCall(t *testing.T, callID string) *call.Call {
	t.Helper()
	c, err := f.calls.New(callID, "1001", "*98")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.calls.SetState(c, call.StateCalling); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := f.calls.SetState(c, call.StateConnected); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	f.sessions.Add(&Session{CallID: callID, Call: c})
	return c
}

func (f *inviteTestFixture) lastDisposition() call.Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return ""
	}
	return f.records[len(f.records)-1].Disposition
}

func byeRequest(callID, source string) *sip.Request {
	req := sip.NewRequest(sip.BYE, sip.Uri{User: "1001", Host: "127.0.0.1", Port: 5060})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.SetSource(source)
	return req
}

func TestHandleByeUnknownCall(t *testing.T) {
	f := newInviteTestFixture(t)

	tx := &recordingTx{}
	f.handler.HandleBye(byeRequest("no-such-call", "203.0.113.7:5060"), tx)

	if got := tx.lastCode(); got != 481 {
		t.Fatalf("response = %d, want 481", got)
	}
}

func TestHandleByeEndsServerAnsweredCall(t *testing.T) {
	f := newInviteTestFixture(t)
	c := f.connectedCall(t, "bye-call-1")

	tx := &recordingTx{}
	f.handler.HandleBye(byeRequest(c.ID, "203.0.113.7:5060"), tx)

	if got := tx.lastCode(); got != 200 {
		t.Fatalf("response = %d, want 200", got)
	}
	if c.Active() {
		t.Fatal("call still active after bye")
	}
	if f.sessions.Get(c.ID) != nil {
		t.Fatal("session still present after bye")
	}
	if got := f.lastDisposition(); got != call.DispositionAnswered {
		t.Fatalf("disposition = %s, want answered", got)
	}
}

func TestHandleByeSpuriousAfterVoicemailAnswer(t *testing.T) {
	f := newInviteTestFixture(t)
	c := f.connectedCall(t, "vm-access-1")
	c.SetVoicemailAccess()

	// The first BYE right after answer is a client artifact: 200, but
	// the call survives.
	tx := &recordingTx{}
	f.handler.HandleBye(byeRequest(c.ID, "203.0.113.7:5060"), tx)

	if got := tx.lastCode(); got != 200 {
		t.Fatalf("first bye response = %d, want 200", got)
	}
	if !c.Active() {
		t.Fatal("spurious bye must not end the call")
	}
	if f.sessions.Get(c.ID) == nil {
		t.Fatal("spurious bye must not remove the session")
	}

	// The second BYE is a real hangup.
	tx = &recordingTx{}
	f.handler.HandleBye(byeRequest(c.ID, "203.0.113.7:5060"), tx)

	if got := tx.lastCode(); got != 200 {
		t.Fatalf("second bye response = %d, want 200", got)
	}
	if c.Active() {
		t.Fatal("second bye must end the call")
	}
}

func TestByeDisposition(t *testing.T) {
	logger := testLogger()
	m := call.NewManager(logger)

	tests := []struct {
		name      string
		setup     func(t *testing.T, c *call.Call)
		voicemail bool
		want      call.Disposition
	}{
		{
			name:  "ringing",
			setup: func(t *testing.T, c *call.Call) {},
			want:  call.DispositionCancelled,
		},
		{
			name: "connected",
			setup: func(t *testing.T, c *call.Call) {
				if err := m.SetState(c, call.StateConnected); err != nil {
					t.Fatalf("SetState: %v", err)
				}
			},
			want: call.DispositionAnswered,
		},
		{
			name: "routed to voicemail",
			setup: func(t *testing.T, c *call.Call) {
				if err := m.SetState(c, call.StateConnected); err != nil {
					t.Fatalf("SetState: %v", err)
				}
				c.SetRoutedToVoicemail()
			},
			want: call.DispositionVoicemail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := m.New("disp-"+tt.name, "1001", "1002")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := m.SetState(c, call.StateCalling); err != nil {
				t.Fatalf("SetState: %v", err)
			}
			tt.setup(t, c)

			if got := byeDisposition(c); got != tt.want {
				t.Fatalf("byeDisposition = %s, want %s", got, tt.want)
			}
		})
	}
}
