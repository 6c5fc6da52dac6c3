package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is how every timestamp column is stored: fixed-width UTC
// text, so string comparison orders chronologically.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Render attempt statuses.
const (
	AttemptProcessing = "processing"
	AttemptSuccess    = "success"
	AttemptFailed     = "failed"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("db: not found")

// ErrAttemptNotProcessing is returned when a status transition finds the
// attempt already finalized.
var ErrAttemptNotProcessing = errors.New("db: render attempt is not processing")

// RenderAttempt is the audit record of one render request.
type RenderAttempt struct {
	ID           string
	UserID       string
	Mode         string
	Status       string
	Error        string
	CarpetName   string
	CustomerNote string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repository reads and writes render attempts.
type Repository struct {
	db  *Database
	now func() time.Time
}

// NewRepository creates a Repository over database.
func NewRepository(database *Database) *Repository {
	return &Repository{db: database, now: time.Now}
}

// WithClock returns a copy of r that stamps rows with now.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	cp := *r
	cp.now = now
	return &cp
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a TimestampLayout value.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// CreateRenderAttempt inserts an attempt in the processing state.
func (r *Repository) CreateRenderAttempt(ctx context.Context, attempt RenderAttempt) error {
	if attempt.ID == "" || attempt.UserID == "" {
		return fmt.Errorf("db: render attempt needs an id and a user id")
	}
	now := FormatTimestamp(r.now())

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO render_attempts (
			id, user_id, mode, status, carpet_name, customer_note, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.UserID, attempt.Mode, AttemptProcessing,
		nullable(attempt.CarpetName), nullable(attempt.CustomerNote), now, now,
	)
	if err != nil {
		return fmt.Errorf("db: failed to insert render attempt: %w", err)
	}
	return nil
}

// MarkRenderAttemptFailed finalizes a processing attempt as failed.
// Attempts that already left the processing state are left alone.
func (r *Repository) MarkRenderAttemptFailed(ctx context.Context, id, message string) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}
	_, err = r.MarkRenderAttemptFailedTx(ctx, conn, id, message)
	return err
}

// MarkRenderAttemptFailedTx is MarkRenderAttemptFailed on ex, reporting
// whether a row changed.
func (r *Repository) MarkRenderAttemptFailedTx(ctx context.Context, ex Execer, id, message string) (bool, error) {
	res, err := ex.ExecContext(ctx, `
		UPDATE render_attempts SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		AttemptFailed, message, FormatTimestamp(r.now()), id, AttemptProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("db: failed to mark render attempt failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db: failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// MarkRenderAttemptSucceededTx finalizes a processing attempt as successful
// within ex. It returns ErrAttemptNotProcessing when no row changed.
func (r *Repository) MarkRenderAttemptSucceededTx(ctx context.Context, ex Execer, id string) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE render_attempts SET status = ?, error = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		AttemptSuccess, FormatTimestamp(r.now()), id, AttemptProcessing,
	)
	if err != nil {
		return fmt.Errorf("db: failed to mark render attempt succeeded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db: failed to read affected rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrAttemptNotProcessing, id)
	}
	return nil
}

// GetRenderAttempt loads one attempt by id.
func (r *Repository) GetRenderAttempt(ctx context.Context, id string) (*RenderAttempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, mode, status, error, carpet_name, customer_note, created_at, updated_at
		FROM render_attempts WHERE id = ?`, id)

	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: failed to load render attempt: %w", err)
	}
	return attempt, nil
}

// ListRecentRenderAttempts returns up to limit attempts, newest first.
func (r *Repository) ListRecentRenderAttempts(ctx context.Context, limit int) ([]RenderAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, mode, status, error, carpet_name, customer_note, created_at, updated_at
		FROM render_attempts ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("db: failed to list render attempts: %w", err)
	}
	defer rows.Close()

	var attempts []RenderAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("db: failed to scan render attempt: %w", err)
		}
		attempts = append(attempts, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: failed to iterate render attempts: %w", err)
	}
	return attempts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*RenderAttempt, error) {
	var (
		a                     RenderAttempt
		errText, carpet, note sql.NullString
		createdAt, updatedAt  string
	)
	if err := s.Scan(&a.ID, &a.UserID, &a.Mode, &a.Status, &errText, &carpet, &note, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Error, a.CarpetName, a.CustomerNote = errText.String, carpet.String, note.String

	var err error
	if a.CreatedAt, err = ParseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if a.UpdatedAt, err = ParseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return &a, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
