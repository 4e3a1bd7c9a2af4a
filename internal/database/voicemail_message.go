package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wirepbx/wirepbx/internal/database/models"
)

// voicemailMessageRepo implements VoicemailMessageRepository.
type voicemailMessageRepo struct {
	db *DB
}

// NewVoicemailMessageRepository creates a new VoicemailMessageRepository.
func NewVoicemailMessageRepository(db *DB) VoicemailMessageRepository {
	return &voicemailMessageRepo{db: db}
}

// Create inserts a new voicemail message.
func (r *voicemailMessageRepo) Create(ctx context.Context, msg *models.VoicemailMessage) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO voicemail_messages (extension, caller_id, file_path,
		 duration, listened, listened_at, received_at, created_at)
		 VALUES (?, ?, ?, ?, 0, NULL, ?, datetime('now'))`,
		msg.Extension, msg.CallerID, msg.FilePath, msg.Duration, msg.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting voicemail message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// GetByID returns a voicemail message by ID, nil when absent.
func (r *voicemailMessageRepo) GetByID(ctx context.Context, id int64) (*models.VoicemailMessage, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, extension, caller_id, file_path, duration, listened,
		 listened_at, received_at, created_at
		 FROM voicemail_messages WHERE id = ?`, id,
	))
}

// ListByExtension returns an extension's messages oldest first, so the
// IVR plays them in arrival order. unreadOnly restricts to unheard
// messages.
func (r *voicemailMessageRepo) ListByExtension(ctx context.Context, ext string, unreadOnly bool) ([]models.VoicemailMessage, error) {
	query := `SELECT id, extension, caller_id, file_path, duration, listened,
	 listened_at, received_at, created_at
	 FROM voicemail_messages WHERE extension = ?`
	if unreadOnly {
		query += ` AND listened = 0`
	}
	query += ` ORDER BY received_at`

	rows, err := r.db.QueryContext(ctx, query, ext)
	if err != nil {
		return nil, fmt.Errorf("querying voicemail messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.VoicemailMessage
	for rows.Next() {
		var m models.VoicemailMessage
		if err := rows.Scan(&m.ID, &m.Extension, &m.CallerID, &m.FilePath,
			&m.Duration, &m.Listened, &m.ListenedAt, &m.ReceivedAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning voicemail message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkListened marks a voicemail message as heard.
func (r *voicemailMessageRepo) MarkListened(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE voicemail_messages SET listened = 1, listened_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking voicemail message listened: %w", err)
	}
	return nil
}

// MarkUnread clears the listened flag on a message.
func (r *voicemailMessageRepo) MarkUnread(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE voicemail_messages SET listened = 0, listened_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking voicemail message unread: %w", err)
	}
	return nil
}

// Delete removes a voicemail message by ID.
func (r *voicemailMessageRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM voicemail_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting voicemail message: %w", err)
	}
	return nil
}

// CountUnread returns the number of unheard messages for an extension.
func (r *voicemailMessageRepo) CountUnread(ctx context.Context, ext string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voicemail_messages WHERE extension = ? AND listened = 0`, ext).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// CountAll returns the total number of stored messages across all
// mailboxes.
func (r *voicemailMessageRepo) CountAll(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM voicemail_messages`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting voicemail messages: %w", err)
	}
	return count, nil
}

func (r *voicemailMessageRepo) scanOne(row *sql.Row) (*models.VoicemailMessage, error) {
	var m models.VoicemailMessage
	err := row.Scan(&m.ID, &m.Extension, &m.CallerID, &m.FilePath,
		&m.Duration, &m.Listened, &m.ListenedAt, &m.ReceivedAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning voicemail message: %w", err)
	}
	return &m, nil
}
