package sip

import (
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/wirepbx/wirepbx/internal/call"
	"github.com/wirepbx/wirepbx/internal/media"
)

// Session binds a live call's signaling and media resources: the
// caller's INVITE transaction, the optional upstream leg, the relay or
// media endpoint, and the cancel hooks for its workers. Call state
// itself lives in the call manager; the session only holds what is
// needed to tear the call down from either side.
type Session struct {
	CallID string
	Call   *call.Call

	// CallerReq/CallerTx are the original INVITE from the caller,
	// kept for late responses (487 on CANCEL) and in-dialog BYE.
	CallerReq *sip.Request
	CallerTx  sip.ServerTransaction

	mu sync.Mutex

	// upstream is the answered callee leg for bridged calls.
	upstream *UpstreamLeg

	// cancelRing aborts a pending upstream dial (caller CANCEL).
	cancelRing func()

	// endpoint and pair are set for calls the server answers itself
	// (voicemail access and recording).
	endpoint *media.Endpoint
	pair     *media.PortPair

	// cancelWorker stops the IVR or recording worker.
	cancelWorker func()

	// localTag is the to-tag we answered with, needed for the BYE we
	// originate toward the caller.
	localTag string
}

// SetUpstream records the answered callee leg.
func (s *Session) SetUpstream(leg *UpstreamLeg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream = leg
}

// Upstream returns the answered callee leg, nil for IVR calls.
func (s *Session) Upstream() *UpstreamLeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// SetRingCancel installs the hook that aborts a pending dial.
func (s *Session) SetRingCancel(cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRing = cancel
}

// CancelRing aborts a pending dial, if one is in flight.
func (s *Session) CancelRing() {
	s.mu.Lock()
	cancel := s.cancelRing
	s.cancelRing = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetMedia records the server-side media endpoint and its port pair.
func (s *Session) SetMedia(endpoint *media.Endpoint, pair *media.PortPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = endpoint
	s.pair = pair
}

// Endpoint returns the server-side media endpoint, nil for relayed calls.
func (s *Session) Endpoint() *media.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// SetWorkerCancel installs the hook that stops the IVR or recording
// worker.
func (s *Session) SetWorkerCancel(cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelWorker = cancel
}

// StopWorker cancels the session worker, if any.
func (s *Session) StopWorker() {
	s.mu.Lock()
	cancel := s.cancelWorker
	s.cancelWorker = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetLocalTag records the to-tag used in our 200 OK to the caller.
func (s *Session) SetLocalTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localTag = tag
}

// LocalTag returns the to-tag from our answer.
func (s *Session) LocalTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localTag
}

// releaseMedia stops the endpoint and frees its ports. Idempotent.
func (s *Session) releaseMedia(allocator *media.PortAllocator) {
	s.mu.Lock()
	endpoint := s.endpoint
	pair := s.pair
	s.endpoint = nil
	s.pair = nil
	s.mu.Unlock()

	if endpoint != nil {
		endpoint.Stop()
	}
	if pair != nil {
		allocator.Release(pair)
	}
}

// SessionTable tracks active sessions by Call-ID.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewSessionTable creates an empty session table.
func NewSessionTable(logger *slog.Logger) *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*Session),
		logger:   logger.With("subsystem", "sessions"),
	}
}

// Add registers a session.
func (t *SessionTable) Add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.CallID] = s
	t.logger.Debug("session added", "call_id", s.CallID)
}

// Get returns the session for a Call-ID, nil when absent.
func (t *SessionTable) Get(callID string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[callID]
}

// Remove deletes and returns the session, nil when absent.
func (t *SessionTable) Remove(callID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[callID]
	if !ok {
		return nil
	}
	delete(t.sessions, callID)
	t.logger.Debug("session removed", "call_id", callID)
	return s
}

// Count returns the number of active sessions.
func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
