// Package voicemail stores voicemail recordings and greetings. Audio
// lives on disk as 8 kHz u-law WAV files, metadata in the database.
package voicemail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/wirepbx/wirepbx/internal/audio"
	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/ivr"
)

// Store persists voicemail messages and greetings.
type Store struct {
	logger  *slog.Logger
	dataDir string
	exts    database.ExtensionRepository
	msgs    database.VoicemailMessageRepository
}

// NewStore creates a voicemail store rooted at dataDir.
func NewStore(dataDir string, repos *database.Repositories, logger *slog.Logger) *Store {
	return &Store{
		logger:  logger.With("subsystem", "voicemail"),
		dataDir: dataDir,
		exts:    repos.Extensions,
		msgs:    repos.Voicemail,
	}
}

// SaveMessage writes a recorded message to disk and records it in the
// database. Implements the sink used by recording sessions.
func (s *Store) SaveMessage(extension, callerID string, ulaw []byte, duration int) (int64, error) {
	dir := filepath.Join(s.dataDir, "voicemail", extension)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return 0, fmt.Errorf("creating voicemail directory: %w", err)
	}

	name := fmt.Sprintf("%d-%s.wav", time.Now().Unix(), uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	if err := audio.WriteWAVFile(path, ulaw, audio.FormatULaw); err != nil {
		return 0, fmt.Errorf("writing voicemail file: %w", err)
	}

	msg := &models.VoicemailMessage{
		Extension:  extension,
		CallerID:   callerID,
		FilePath:   path,
		Duration:   duration,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.msgs.Create(context.Background(), msg); err != nil {
		// Keep the file, an operator can reconcile it later.
		return 0, fmt.Errorf("recording voicemail message: %w", err)
	}

	s.logger.Info("voicemail saved",
		"extension", extension,
		"caller_id", callerID,
		"duration", duration,
		"message_id", msg.ID)
	return msg.ID, nil
}

// Greeting returns the custom greeting for an extension as u-law
// samples, or nil when none is recorded.
func (s *Store) Greeting(ctx context.Context, extension string) ([]byte, error) {
	ext, err := s.exts.GetByExtension(ctx, extension)
	if err != nil {
		return nil, err
	}
	if ext == nil || ext.GreetingFile == "" {
		return nil, nil
	}

	wav, err := audio.ReadWAVFile(ext.GreetingFile)
	if err != nil {
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	return wav.ToULaw()
}

// Mailbox returns the menu-facing view of one extension's voicemail.
// The context is call-scoped and covers every mailbox operation.
func (s *Store) Mailbox(ctx context.Context, extension string) *Mailbox {
	return &Mailbox{store: s, ctx: ctx, extension: extension}
}

// Mailbox adapts the store to the voicemail menu for one extension.
type Mailbox struct {
	store     *Store
	ctx       context.Context
	extension string
}

// VerifyPIN checks a PIN against the extension's stored hash. Lookup
// or hash errors count as a failed attempt.
func (m *Mailbox) VerifyPIN(pin string) bool {
	ext, err := m.store.exts.GetByExtension(m.ctx, m.extension)
	if err != nil || ext == nil || ext.VoicemailPIN == "" {
		if err != nil {
			m.store.logger.Error("loading extension for pin check", "extension", m.extension, "error", err)
		}
		return false
	}

	ok, err := database.CheckPIN(pin, ext.VoicemailPIN)
	if err != nil {
		m.store.logger.Error("checking voicemail pin", "extension", m.extension, "error", err)
		return false
	}
	return ok
}

// Messages lists all stored messages, oldest first.
func (m *Mailbox) Messages() ([]ivr.Message, error) {
	rows, err := m.store.msgs.ListByExtension(m.ctx, m.extension, false)
	if err != nil {
		return nil, err
	}

	msgs := make([]ivr.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, ivr.Message{
			ID:         r.ID,
			CallerID:   r.CallerID,
			Path:       r.FilePath,
			Duration:   r.Duration,
			Listened:   r.Listened,
			ReceivedAt: r.ReceivedAt,
		})
	}
	return msgs, nil
}

// MarkListened marks a message as heard.
func (m *Mailbox) MarkListened(id int64) error {
	return m.store.msgs.MarkListened(m.ctx, id)
}

// MarkUnread clears the heard flag on a message.
func (m *Mailbox) MarkUnread(id int64) error {
	return m.store.msgs.MarkUnread(m.ctx, id)
}

// Delete removes a message's database row and its audio file.
func (m *Mailbox) Delete(id int64) error {
	msg, err := m.store.msgs.GetByID(m.ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.msgs.Delete(m.ctx, id); err != nil {
		return err
	}
	if msg != nil && msg.FilePath != "" {
		if err := os.Remove(msg.FilePath); err != nil && !os.IsNotExist(err) {
			m.store.logger.Warn("removing voicemail file", "path", msg.FilePath, "error", err)
		}
	}
	return nil
}

// SaveGreeting stores a recorded greeting and points the extension at
// it. A re-recorded greeting overwrites the previous file.
func (m *Mailbox) SaveGreeting(ulaw []byte, duration int) error {
	dir := filepath.Join(m.store.dataDir, "greetings")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating greetings directory: %w", err)
	}

	path := filepath.Join(dir, m.extension+".wav")
	if err := audio.WriteWAVFile(path, ulaw, audio.FormatULaw); err != nil {
		return fmt.Errorf("writing greeting file: %w", err)
	}

	if err := m.store.exts.SetGreetingFile(m.ctx, m.extension, path); err != nil {
		return fmt.Errorf("updating greeting path: %w", err)
	}

	m.store.logger.Info("greeting saved", "extension", m.extension, "duration", duration)
	return nil
}

// Greeting returns the extension's greeting as u-law, nil when unset.
func (m *Mailbox) Greeting() ([]byte, error) {
	return m.store.Greeting(m.ctx, m.extension)
}
