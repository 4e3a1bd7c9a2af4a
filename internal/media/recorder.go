package media

import (
	"sync"
	"time"

	"github.com/wirepbx/wirepbx/internal/audio"
)

// Recorder accumulates received audio payloads into a growable buffer,
// normalized to u-law. The buffer is later wrapped as a WAV file for
// voicemail persistence, and its tail is scanned for in-band DTMF.
//
// Feed may be called from the endpoint's read goroutine while other
// goroutines inspect or clear the buffer.
type Recorder struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int // 0 means unlimited
	full     bool
}

// NewRecorder creates a recorder capped at the given duration of audio.
// A zero duration means no cap.
func NewRecorder(maxDuration time.Duration) *Recorder {
	r := &Recorder{}
	if maxDuration > 0 {
		r.maxBytes = int(maxDuration.Seconds() * audio.SampleRate)
	}
	return r
}

// Feed appends an audio payload. A-law input is transcoded to u-law;
// payload types the recorder cannot decode (G.729 passthrough) are
// ignored. Input past the cap is discarded and Full starts reporting
// true.
func (r *Recorder) Feed(payload []byte, payloadType int) {
	var ulaw []byte
	switch payloadType {
	case PayloadPCMU:
		ulaw = payload
	case PayloadPCMA:
		ulaw = audio.ALawToULaw(payload)
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxBytes > 0 && len(r.buf)+len(ulaw) > r.maxBytes {
		ulaw = ulaw[:r.maxBytes-len(r.buf)]
		r.full = true
	}
	r.buf = append(r.buf, ulaw...)
}

// Len returns the number of buffered u-law bytes.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Full reports whether the recording cap has been reached.
func (r *Recorder) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.full
}

// Bytes returns a copy of the accumulated u-law audio.
func (r *Recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// DurationSeconds returns the buffered audio length in whole seconds.
func (r *Recorder) DurationSeconds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) / audio.SampleRate
}

// Clear discards the buffer and resets the cap state.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
	r.full = false
}
