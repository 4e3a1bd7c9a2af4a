package ivr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wirepbx/wirepbx/internal/audio"
	"github.com/wirepbx/wirepbx/internal/media"
)

// Endpoint is the media surface a session drives: prompt playback out,
// recorded audio and DTMF in. *media.Endpoint satisfies it.
type Endpoint interface {
	Play(ctx context.Context, ulaw []byte) (*media.PlayResult, error)
	Recorder() *media.Recorder
	Digits() <-chan byte
	InBandDigit() byte
	ResetDetector()
}

// inBandPollInterval is how often the session polls the in-band
// detector between channel events.
const inBandPollInterval = 100 * time.Millisecond

// SessionConfig carries the tunables for one voicemail session.
type SessionConfig struct {
	Inactivity time.Duration // timeout to Goodbye, default 60s
	Debounce   time.Duration // in-band duplicate suppression, default 500ms
	MaxRecord  time.Duration // greeting recording cap, default 120s
}

func (c *SessionConfig) applyDefaults() {
	if c.Inactivity == 0 {
		c.Inactivity = 60 * time.Second
	}
	if c.Debounce == 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.MaxRecord == 0 {
		c.MaxRecord = 120 * time.Second
	}
}

// Session runs one voicemail menu over a call's media endpoint. It owns
// the select loop across DTMF sources, playback completion and timers;
// the FSM owns the menu logic.
type Session struct {
	logger   *slog.Logger
	fsm      *FSM
	endpoint Endpoint
	prompts  *audio.Prompts
	cfg      SessionConfig

	// infoDigits carries DTMF received via SIP INFO. It outranks the
	// RFC 2833 and in-band sources.
	infoDigits <-chan byte

	// OnHangup, when set, is invoked once when the session decides the
	// call should end (Goodbye played or context cancelled).
	OnHangup func()

	playCancel context.CancelFunc
	promptDone chan struct{}
	playing    bool

	recording   bool
	recordTimer *time.Timer

	hangupAfterPlay bool

	lastInBand   byte
	lastInBandAt time.Time
}

// NewSession creates a session runner for one voicemail access call.
func NewSession(callID string, mailbox Mailbox, endpoint Endpoint, infoDigits <-chan byte, prompts *audio.Prompts, cfg SessionConfig, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	l := logger.With("subsystem", "ivr-session", "call_id", callID)
	return &Session{
		logger:     l,
		fsm:        NewFSM(mailbox, l),
		endpoint:   endpoint,
		prompts:    prompts,
		cfg:        cfg,
		infoDigits: infoDigits,
		promptDone: make(chan struct{}, 1),
	}
}

// State exposes the menu position, for tests and the API.
func (s *Session) State() SessionState {
	return s.fsm.State()
}

// Run drives the session until the caller hangs up, the menu reaches
// Goodbye, or the context is cancelled. Blocking; run it in the call's
// session goroutine.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			// A menu bug must not take the process down; force the
			// call to end instead.
			s.logger.Error("ivr session panic", "panic", r)
			s.hangup()
		}
	}()
	defer s.stopPlayback()

	s.execute(ctx, s.fsm.Start())

	inactivity := time.NewTimer(s.cfg.Inactivity)
	defer inactivity.Stop()

	poll := time.NewTicker(inBandPollInterval)
	defer poll.Stop()

	for {
		// SIP INFO digits outrank the other sources when several are
		// ready at once.
		select {
		case d := <-s.infoDigits:
			s.handleDigit(ctx, d, false)
			resetTimer(inactivity, s.cfg.Inactivity)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return

		case d := <-s.infoDigits:
			s.handleDigit(ctx, d, false)
			resetTimer(inactivity, s.cfg.Inactivity)

		case d := <-s.endpoint.Digits():
			s.handleDigit(ctx, d, false)
			resetTimer(inactivity, s.cfg.Inactivity)

		case <-poll.C:
			if d := s.endpoint.InBandDigit(); d != 0 {
				s.handleDigit(ctx, d, true)
				resetTimer(inactivity, s.cfg.Inactivity)
			}

		case <-s.promptDone:
			s.playing = false
			if s.hangupAfterPlay {
				s.hangup()
				return
			}
			s.execute(ctx, s.fsm.Advance(Event{Kind: EventPromptDone}))

		case <-s.recordTimerC():
			s.logger.Info("recording cap reached")
			ev := Event{Kind: EventMaxRecordTime, Audio: s.endpoint.Recorder().Bytes()}
			s.execute(ctx, s.fsm.Advance(ev))

		case <-inactivity.C:
			s.logger.Info("ivr inactivity timeout")
			s.execute(ctx, s.fsm.Advance(Event{Kind: EventInactivity}))
		}

		if s.done() {
			return
		}
	}
}

// done reports whether the session should exit the loop outside of
// playback: Goodbye with nothing left to play.
func (s *Session) done() bool {
	if s.fsm.State() == StateGoodbye && !s.playing && !s.hangupAfterPlay {
		s.hangup()
		return true
	}
	return false
}

func (s *Session) hangup() {
	if s.OnHangup != nil {
		s.OnHangup()
		s.OnHangup = nil
	}
}

// handleDigit routes one DTMF keypress into the state machine.
func (s *Session) handleDigit(ctx context.Context, d byte, inBand bool) {
	if inBand {
		// Debounce: the same key re-detected within the window is the
		// tail of the first press.
		if d == s.lastInBand && time.Since(s.lastInBandAt) < s.cfg.Debounce {
			return
		}
		s.lastInBand = d
		s.lastInBandAt = time.Now()
	}

	s.logger.Debug("dtmf digit", "digit", string(d), "in_band", inBand, "state", s.fsm.State().String())

	// A keypress interrupts whatever is playing.
	s.stopPlayback()

	ev := DigitEvent(d)
	if s.recording && d == '#' {
		ev.Audio = s.endpoint.Recorder().Bytes()
	}

	actions := s.fsm.Advance(ev)

	// Clear captured audio after acting so the tone's echo is not
	// re-detected; a live greeting recording keeps its buffer.
	if !s.recording {
		s.endpoint.Recorder().Clear()
	}
	s.endpoint.ResetDetector()

	s.execute(ctx, actions)
}

// execute performs the FSM's actions: playback is batched into one
// paced stream, recording toggles the recorder, Hangup defers to the
// end of playback.
func (s *Session) execute(ctx context.Context, actions []Action) {
	var playlist []byte

	for _, action := range actions {
		switch a := action.(type) {
		case PlayPrompt:
			playlist = append(playlist, s.prompts.ULaw(a.Name)...)

		case PlayMessage:
			ulaw, err := loadMessageAudio(a.Path)
			if err != nil {
				s.logger.Error("loading message audio", "path", a.Path, "error", err)
				ulaw = s.prompts.ULaw(audio.PromptError)
			}
			playlist = append(playlist, ulaw...)

		case PlayGreeting:
			playlist = append(playlist, a.Audio...)

		case StartRecording:
			s.endpoint.Recorder().Clear()
			s.recording = true
			s.recordTimer = time.NewTimer(s.cfg.MaxRecord)

		case StopRecording:
			s.recording = false
			if s.recordTimer != nil {
				s.recordTimer.Stop()
				s.recordTimer = nil
			}

		case Hangup:
			s.hangupAfterPlay = true
		}
	}

	if len(playlist) > 0 {
		s.startPlayback(ctx, playlist)
	} else if s.hangupAfterPlay && !s.playing {
		s.hangup()
	}
}

// startPlayback streams audio in a goroutine so the select loop keeps
// consuming DTMF; completion is signaled on promptDone unless cancelled.
func (s *Session) startPlayback(ctx context.Context, ulaw []byte) {
	s.stopPlayback()

	playCtx, cancel := context.WithCancel(ctx)
	s.playCancel = cancel
	s.playing = true

	go func() {
		_, err := s.endpoint.Play(playCtx, ulaw)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("prompt playback failed", "error", err)
			}
			return
		}
		select {
		case s.promptDone <- struct{}{}:
		default:
		}
	}()
}

// stopPlayback cancels any in-flight playback and drains a stale
// completion signal.
func (s *Session) stopPlayback() {
	if s.playCancel != nil {
		s.playCancel()
		s.playCancel = nil
	}
	s.playing = false
	select {
	case <-s.promptDone:
	default:
	}
}

// recordTimerC returns the recording cap channel, or a nil channel that
// never fires when no recording is active.
func (s *Session) recordTimerC() <-chan time.Time {
	if s.recordTimer == nil {
		return nil
	}
	return s.recordTimer.C
}

// resetTimer restarts a timer for the full duration, draining a pending
// fire if needed.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// loadMessageAudio reads a stored voicemail WAV and converts it for
// playback.
func loadMessageAudio(path string) ([]byte, error) {
	w, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	return w.ToULaw()
}
