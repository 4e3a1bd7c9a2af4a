package ivr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wirepbx/wirepbx/internal/audio"
)

// MessageSink persists a recorded voicemail message and returns its id.
type MessageSink interface {
	SaveMessage(extension, callerID string, ulaw []byte, duration int) (int64, error)
}

// ErrNothingRecorded is returned when a recording session ends without
// any caller audio.
var ErrNothingRecorded = errors.New("no audio recorded")

// RecordSession captures a voicemail message after a no-answer divert:
// it plays the mailbox greeting and a beep, records the caller until a
// '#', a hangup or the recording cap, and hands the audio to the sink.
type RecordSession struct {
	logger   *slog.Logger
	endpoint Endpoint
	prompts  *audio.Prompts
	sink     MessageSink

	extension string // mailbox owner
	callerID  string
	greeting  []byte // mailbox greeting u-law, nil for the default beep

	infoDigits <-chan byte
	cfg        SessionConfig
}

// NewRecordSession creates a recording session for one diverted call.
func NewRecordSession(callID, extension, callerID string, greeting []byte, sink MessageSink, endpoint Endpoint, infoDigits <-chan byte, prompts *audio.Prompts, cfg SessionConfig, logger *slog.Logger) *RecordSession {
	cfg.applyDefaults()
	return &RecordSession{
		logger:     logger.With("subsystem", "voicemail-record", "call_id", callID, "extension", extension),
		endpoint:   endpoint,
		prompts:    prompts,
		sink:       sink,
		extension:  extension,
		callerID:   callerID,
		greeting:   greeting,
		infoDigits: infoDigits,
		cfg:        cfg,
	}
}

// Run plays the greeting, records and saves. Returns the stored message
// id. A hangup mid-recording still saves what was captured; returns
// ErrNothingRecorded when the caller left nothing.
func (r *RecordSession) Run(ctx context.Context) (int64, error) {
	greeting := r.greeting
	if len(greeting) == 0 {
		greeting = r.prompts.ULaw(audio.PromptBeep)
	} else {
		greeting = append(append([]byte{}, greeting...), r.prompts.ULaw(audio.PromptBeep)...)
	}

	// The greeting is interruptible: early digits skip straight to the
	// recording.
	playCtx, cancelPlay := context.WithCancel(ctx)
	playDone := make(chan struct{})
	go func() {
		defer close(playDone)
		r.endpoint.Play(playCtx, greeting)
	}()

	waitGreeting := true
	for waitGreeting {
		select {
		case <-ctx.Done():
			cancelPlay()
			<-playDone
			return 0, ctx.Err()
		case <-playDone:
			waitGreeting = false
		case <-r.infoDigits:
			cancelPlay()
		case <-r.endpoint.Digits():
			cancelPlay()
		}
	}
	cancelPlay()

	r.endpoint.Recorder().Clear()
	r.endpoint.ResetDetector()

	capTimer := time.NewTimer(r.cfg.MaxRecord)
	defer capTimer.Stop()
	poll := time.NewTicker(inBandPollInterval)
	defer poll.Stop()

	var lastInBand byte
	var lastInBandAt time.Time

	finish := func() (int64, error) {
		ulaw := r.endpoint.Recorder().Bytes()
		if len(ulaw) == 0 {
			return 0, ErrNothingRecorded
		}
		duration := len(ulaw) / audio.SampleRate
		id, err := r.sink.SaveMessage(r.extension, r.callerID, ulaw, duration)
		if err != nil {
			return 0, err
		}
		r.logger.Info("voicemail message recorded",
			"message_id", id,
			"caller", r.callerID,
			"duration_seconds", duration,
		)
		return id, nil
	}

	for {
		select {
		case <-ctx.Done():
			// Caller hung up; keep whatever was said.
			return finish()

		case <-capTimer.C:
			r.logger.Info("recording cap reached")
			return finish()

		case d := <-r.infoDigits:
			if d == '#' {
				return finish()
			}

		case d := <-r.endpoint.Digits():
			if d == '#' {
				return finish()
			}

		case <-poll.C:
			d := r.endpoint.InBandDigit()
			if d == 0 {
				continue
			}
			if d == lastInBand && time.Since(lastInBandAt) < r.cfg.Debounce {
				continue
			}
			lastInBand, lastInBandAt = d, time.Now()
			if d == '#' {
				return finish()
			}
		}
	}
}
