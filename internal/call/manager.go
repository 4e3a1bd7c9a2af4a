package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrDuplicateCallID is returned when an INVITE reuses the Call-ID
	// of a call that has not ended.
	ErrDuplicateCallID = errors.New("call id already active")

	// ErrCallEnded is returned for transitions attempted on ended calls.
	ErrCallEnded = errors.New("call already ended")
)

const (
	// endedGraceWindow keeps ended calls resolvable by Call-ID so
	// retransmitted BYEs and late INFOs can be answered instead of
	// treated as unknown dialogs.
	endedGraceWindow = 32 * time.Second

	// endedHistorySize bounds the recent-calls list served by the API.
	endedHistorySize = 100
)

// Record summarizes a finished call for CDR persistence.
type Record struct {
	CallID          string
	FromExt         string
	ToExt           string
	StartedAt       time.Time
	AnsweredAt      time.Time
	EndedAt         time.Time
	DurationSeconds int
	Disposition     Disposition
}

// Manager owns every call's state. It is the only writer of call state;
// SIP handlers and the IVR ask it to transition and it either applies
// the change or rejects it.
type Manager struct {
	logger *slog.Logger

	// OnEnd, when set, receives the CDR record of every ended call.
	// Invoked outside the manager lock.
	OnEnd func(Record)

	mu      sync.RWMutex
	calls   map[string]*Call // active calls plus ended ones in grace
	history []Snapshot       // recent ended calls, newest last
}

// NewManager creates an empty call manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger.With("subsystem", "call-manager"),
		calls:  make(map[string]*Call),
	}
}

// New registers a call for an incoming INVITE. The Call-ID must not
// belong to an active call.
func (m *Manager) New(callID, fromExt, toExt string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.calls[callID]; ok && existing.Active() {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCallID, callID)
	}

	c := newCall(callID, fromExt, toExt)
	m.calls[callID] = c

	m.logger.Info("call created", "call_id", callID, "from", fromExt, "to", toExt)
	return c, nil
}

// Get returns the call for a Call-ID. Ended calls remain resolvable
// until the grace window expires; nil after that.
func (m *Manager) Get(callID string) *Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[callID]
}

// SetState transitions a call. Invalid transitions are rejected with an
// error and leave the call untouched. Transitions to Ended must go
// through End so the CDR is emitted.
func (m *Manager) SetState(c *Call, to State) error {
	if to == StateEnded {
		return errors.New("use End to terminate a call")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateEnded {
		return ErrCallEnded
	}
	if !transitionAllowed(c.state, to) {
		return fmt.Errorf("invalid transition %s -> %s", c.state, to)
	}

	from := c.state
	c.state = to
	if to == StateConnected && c.answeredAt.IsZero() {
		c.answeredAt = time.Now()
	}

	m.logger.Info("call state", "call_id", c.ID, "from", from.String(), "to", to.String())
	return nil
}

// End terminates a call with the given disposition. Idempotent: ending
// an ended call is a no-op. The CDR hook fires once.
func (m *Manager) End(c *Call, disposition Disposition) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateEnded
	c.endedAt = time.Now()

	rec := Record{
		CallID:      c.ID,
		FromExt:     c.FromExt,
		ToExt:       c.ToExt,
		StartedAt:   c.CreatedAt,
		AnsweredAt:  c.answeredAt,
		EndedAt:     c.endedAt,
		Disposition: disposition,
	}
	if !c.answeredAt.IsZero() {
		rec.DurationSeconds = int(c.endedAt.Sub(c.answeredAt).Seconds())
	}
	c.mu.Unlock()

	m.mu.Lock()
	m.history = append(m.history, c.Snapshot())
	if len(m.history) > endedHistorySize {
		m.history = m.history[len(m.history)-endedHistorySize:]
	}
	m.mu.Unlock()

	m.logger.Info("call ended",
		"call_id", c.ID,
		"from_state", from.String(),
		"disposition", string(disposition),
		"duration_seconds", rec.DurationSeconds,
	)

	if m.OnEnd != nil {
		m.OnEnd(rec)
	}
}

// EndByID ends the call with the given Call-ID, if it exists and is
// active. Used by the relay idle sweeper.
func (m *Manager) EndByID(callID string, disposition Disposition) {
	if c := m.Get(callID); c != nil && c.Active() {
		m.End(c, disposition)
	}
}

// Active returns snapshots of all calls that have not ended.
func (m *Manager) Active() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.calls))
	for _, c := range m.calls {
		if c.Active() {
			out = append(out, c.Snapshot())
		}
	}
	return out
}

// ActiveCount returns the number of calls that have not ended.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.calls {
		if c.Active() {
			n++
		}
	}
	return n
}

// ForExtension returns the active calls a given extension is party to.
func (m *Manager) ForExtension(ext string) []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Call
	for _, c := range m.calls {
		if c.Active() && (c.FromExt == ext || c.ToExt == ext) {
			out = append(out, c)
		}
	}
	return out
}

// History returns the recent ended-call snapshots, newest last.
func (m *Manager) History() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Run purges ended calls past the grace window until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.purge()
		}
	}
}

// purge removes ended calls whose grace window has expired.
func (m *Manager) purge() {
	cutoff := time.Now().Add(-endedGraceWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.calls {
		if ended := c.EndedAt(); !ended.IsZero() && ended.Before(cutoff) {
			delete(m.calls, id)
		}
	}
}
