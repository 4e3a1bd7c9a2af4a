package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wirepbx/wirepbx/internal/database/models"
)

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// Create inserts a new call detail record.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_id, from_ext, to_ext, start_time, answer_time,
		 end_time, duration, disposition)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.CallID, cdr.FromExt, cdr.ToExt, cdr.StartTime, cdr.AnswerTime,
		cdr.EndTime, cdr.Duration, cdr.Disposition,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cdr.ID = id
	return nil
}

// GetByCallID returns the CDR for a SIP Call-ID, nil when absent.
func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, call_id, from_ext, to_ext, start_time, answer_time,
		 end_time, duration, disposition
		 FROM cdrs WHERE call_id = ?`, callID,
	))
}

// ListRecent returns the most recent CDRs up to the given limit.
func (r *cdrRepo) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, from_ext, to_ext, start_time, answer_time,
		 end_time, duration, disposition
		 FROM cdrs ORDER BY start_time DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := rows.Scan(&c.ID, &c.CallID, &c.FromExt, &c.ToExt, &c.StartTime,
			&c.AnswerTime, &c.EndTime, &c.Duration, &c.Disposition); err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	return cdrs, rows.Err()
}

// CountByDisposition returns call totals grouped by disposition.
func (r *cdrRepo) CountByDisposition(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM cdrs GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs by disposition: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var disposition string
		var count int
		if err := rows.Scan(&disposition, &count); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		out[disposition] = count
	}
	return out, rows.Err()
}

func (r *cdrRepo) scanOne(row *sql.Row) (*models.CDR, error) {
	var c models.CDR
	err := row.Scan(&c.ID, &c.CallID, &c.FromExt, &c.ToExt, &c.StartTime,
		&c.AnswerTime, &c.EndTime, &c.Duration, &c.Disposition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &c, nil
}
