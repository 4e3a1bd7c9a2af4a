package audio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Symbolic prompt names used by the voicemail IVR.
const (
	PromptEnterPin           = "enter_pin"
	PromptInvalidPin         = "invalid_pin"
	PromptMainMenu           = "main_menu"
	PromptOptions            = "options"
	PromptNoMessages         = "no_messages"
	PromptMessageDeleted     = "message_deleted"
	PromptGreetingReviewMenu = "greeting_review_menu"
	PromptGreetingSaved      = "greeting_saved"
	PromptGoodbye            = "goodbye"
	PromptBeep               = "beep"
	PromptError              = "error"
)

// Prompts resolves symbolic prompt names to u-law audio payloads.
// Files are looked up as <dir>/<name>.wav and cached after first load.
// When a file is missing or unreadable a synthetic tone pattern is
// substituted so IVR flows stay navigable on a bare install.
type Prompts struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

// NewPrompts creates a prompt resolver over the given directory.
// An empty dir means every prompt is synthesized.
func NewPrompts(dir string, logger *slog.Logger) *Prompts {
	return &Prompts{
		dir:    dir,
		logger: logger.With("subsystem", "prompts"),
		cache:  make(map[string][]byte),
	}
}

// ULaw returns the u-law payload for a prompt name. The result is
// never empty; unknown names fall back to a generic tone.
func (p *Prompts) ULaw(name string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if data, ok := p.cache[name]; ok {
		return data
	}

	data, err := p.loadFile(name)
	if err != nil {
		if p.dir != "" && !os.IsNotExist(err) {
			p.logger.Warn("failed to load prompt, using synthetic fallback", "prompt", name, "error", err)
		} else {
			p.logger.Debug("prompt file missing, using synthetic fallback", "prompt", name)
		}
		data = synthesize(name)
	}

	p.cache[name] = data
	return data
}

// loadFile reads <dir>/<name>.wav and converts it to u-law.
func (p *Prompts) loadFile(name string) ([]byte, error) {
	if p.dir == "" {
		return nil, os.ErrNotExist
	}
	path := filepath.Join(p.dir, name+".wav")
	w, err := ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	data, err := w.ToULaw()
	if err != nil {
		return nil, fmt.Errorf("converting %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: empty audio data", path)
	}
	return data, nil
}

// synthesize builds a distinguishable tone pattern for a prompt name.
// Each prompt gets a distinct beep cadence so a caller (or a test) can
// tell them apart without recorded speech.
func synthesize(name string) []byte {
	beep := func(freq float64, dur time.Duration) []byte {
		return LinearToULaw(Tone(freq, dur, 0.5))
	}
	gap := Silence(150 * time.Millisecond)

	var parts [][]byte
	switch name {
	case PromptBeep:
		parts = [][]byte{beep(1000, 300*time.Millisecond)}
	case PromptEnterPin:
		parts = [][]byte{beep(440, 200*time.Millisecond), gap, beep(440, 200*time.Millisecond)}
	case PromptInvalidPin, PromptError:
		parts = [][]byte{beep(300, 400*time.Millisecond), gap, beep(250, 400*time.Millisecond)}
	case PromptMainMenu:
		parts = [][]byte{beep(600, 150*time.Millisecond), gap, beep(700, 150*time.Millisecond), gap, beep(800, 150*time.Millisecond)}
	case PromptGoodbye:
		parts = [][]byte{beep(800, 150*time.Millisecond), gap, beep(500, 300*time.Millisecond)}
	default:
		parts = [][]byte{beep(500, 250*time.Millisecond), gap, beep(500, 250*time.Millisecond)}
	}

	var out []byte
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}
