package database

import (
	"context"

	"github.com/wirepbx/wirepbx/internal/database/models"
)

// ExtensionRepository manages provisioned extensions.
type ExtensionRepository interface {
	Create(ctx context.Context, ext *models.Extension) error
	GetByExtension(ctx context.Context, ext string) (*models.Extension, error)
	List(ctx context.Context) ([]models.Extension, error)
	Update(ctx context.Context, ext *models.Extension) error
	SetGreetingFile(ctx context.Context, ext, path string) error
	Delete(ctx context.Context, id int64) error
}

// VoicemailMessageRepository manages stored voicemail messages.
type VoicemailMessageRepository interface {
	Create(ctx context.Context, msg *models.VoicemailMessage) error
	GetByID(ctx context.Context, id int64) (*models.VoicemailMessage, error)
	ListByExtension(ctx context.Context, ext string, unreadOnly bool) ([]models.VoicemailMessage, error)
	MarkListened(ctx context.Context, id int64) error
	MarkUnread(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	CountUnread(ctx context.Context, ext string) (int, error)
	CountAll(ctx context.Context) (int, error)
}

// CDRRepository manages call detail records.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByCallID(ctx context.Context, callID string) (*models.CDR, error)
	ListRecent(ctx context.Context, limit int) ([]models.CDR, error)
	CountByDisposition(ctx context.Context) (map[string]int, error)
}

// Repositories bundles every repository over one database handle.
type Repositories struct {
	Extensions ExtensionRepository
	Voicemail  VoicemailMessageRepository
	CDRs       CDRRepository
}

// NewRepositories builds the repository set for a database.
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Extensions: NewExtensionRepository(db),
		Voicemail:  NewVoicemailMessageRepository(db),
		CDRs:       NewCDRRepository(db),
	}
}
