// Package ledger meters render credit.
//
// Every balance change is a conditional UPDATE evaluated by SQLite: the
// decrement applies only while credit covers the amount, and the affected
// row count tells success from insufficiency. Application code never reads
// a balance and then writes it back. Each successful consume appends one
// immutable ledger entry in the same transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rugcomposer/core"
	"rugcomposer/db"
	"rugcomposer/logging"
)

// ReasonRender tags entries written for completed renders.
const ReasonRender = "render"

// Consume outcomes reported to Recorder.
const (
	OutcomeAllowed      = "allowed"
	OutcomeLimitReached = "limit_reached"
	OutcomeError        = "error"
)

var (
	// ErrAccountNotFound is returned when the user has no credit account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInvalidAmount is returned for amounts below 1.
	ErrInvalidAmount = errors.New("ledger: amount must be at least 1")
)

// Recorder observes consume outcomes.
type Recorder interface {
	RecordLedgerConsume(outcome string)
}

// ConsumeResult reports whether credit was taken and the balance after.
type ConsumeResult struct {
	Allowed    bool
	NewBalance int
}

// Entry is one immutable ledger row.
type Entry struct {
	ID        int64
	UserID    string
	Delta     int
	Reason    string
	AttemptID string
	CreatedAt time.Time
}

// Ledger consumes credit and reports usage.
type Ledger struct {
	db       *db.Database
	attempts *db.Repository
	now      func() time.Time
	logger   *logging.Logger
	recorder Recorder
}

// New creates a Ledger. recorder may be nil.
func New(database *db.Database, logger *logging.Logger, recorder Recorder) *Ledger {
	return &Ledger{
		db:       database,
		attempts: db.NewRepository(database),
		now:      time.Now,
		logger:   logger.Named("ledger"),
		recorder: recorder,
	}
}

// WithClock returns a copy of l that reads time from now, for entries and
// attempt updates alike.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	cp := *l
	cp.now = now
	cp.attempts = l.attempts.WithClock(now)
	return &cp
}

// EnsureAccount creates userID with initialCredit if it does not exist.
// An existing account keeps its balance.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string, initialCredit int) error {
	if userID == "" {
		return fmt.Errorf("ledger: user id is required")
	}
	if initialCredit < 0 {
		return fmt.Errorf("ledger: initial credit must be non-negative, got %d", initialCredit)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO users (id, credit, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		userID, initialCredit, db.FormatTimestamp(l.now()),
	)
	if err != nil {
		return fmt.Errorf("ledger: failed to ensure account: %w", err)
	}
	return nil
}

// Balance returns the user's current credit.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	var credit int
	err := l.db.QueryRowContext(ctx, `SELECT credit FROM users WHERE id = ?`, userID).Scan(&credit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: failed to read balance: %w", err)
	}
	return credit, nil
}

// Consume takes amount credit from userID and appends one entry tagged
// reason. Insufficient credit is reported as Allowed=false, not an error.
func (l *Ledger) Consume(ctx context.Context, userID string, amount int, reason string) (ConsumeResult, error) {
	result, err := l.inTx(ctx, func(tx *sql.Tx) (ConsumeResult, error) {
		ok, err := l.decrement(ctx, tx, userID, amount)
		if err != nil {
			return ConsumeResult{}, err
		}
		if ok {
			if err := l.appendEntry(ctx, tx, userID, -amount, reason, ""); err != nil {
				return ConsumeResult{}, err
			}
		}
		return l.resultIn(ctx, tx, userID, ok)
	})
	l.observe(userID, reason, amount, result, err)
	return result, err
}

// SettleRender charges a completed render. On success the entry and the
// attempt's transition to success commit together. On insufficient credit
// the attempt is marked failed with LIMIT_REACHED and nothing is charged.
func (l *Ledger) SettleRender(ctx context.Context, userID, attemptID string, amount int) (ConsumeResult, error) {
	result, err := l.inTx(ctx, func(tx *sql.Tx) (ConsumeResult, error) {
		ok, err := l.decrement(ctx, tx, userID, amount)
		if errors.Is(err, ErrAccountNotFound) {
			if _, markErr := l.attempts.MarkRenderAttemptFailedTx(ctx, tx, attemptID, "account not found"); markErr != nil {
				return ConsumeResult{}, markErr
			}
			return ConsumeResult{}, commitThen{err}
		}
		if err != nil {
			return ConsumeResult{}, err
		}

		if !ok {
			if _, err := l.attempts.MarkRenderAttemptFailedTx(ctx, tx, attemptID, core.CodeLimitReached); err != nil {
				return ConsumeResult{}, err
			}
			return l.resultIn(ctx, tx, userID, false)
		}

		if err := l.appendEntry(ctx, tx, userID, -amount, ReasonRender, attemptID); err != nil {
			return ConsumeResult{}, err
		}
		if err := l.attempts.MarkRenderAttemptSucceededTx(ctx, tx, attemptID); err != nil {
			return ConsumeResult{}, err
		}
		return l.resultIn(ctx, tx, userID, true)
	})
	l.observe(userID, ReasonRender, amount, result, err, logging.AttemptID(attemptID))
	return result, err
}

// Entries returns the user's ledger entries, newest first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, delta, reason, attempt_id, created_at
		FROM ledger_entries WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			attempt   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &attempt, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan entry: %w", err)
		}
		e.AttemptID = attempt.String
		if e.CreatedAt, err = db.ParseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("ledger: entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// decrement runs the conditional UPDATE and reports whether it applied.
// Zero affected rows means insufficient credit, or a missing account,
// which is told apart by a follow-up existence check.
func (l *Ledger) decrement(ctx context.Context, tx *sql.Tx, userID string, amount int) (bool, error) {
	if amount < 1 {
		return false, ErrInvalidAmount
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET credit = credit - ? WHERE id = ? AND credit >= ?`,
		amount, userID, amount,
	)
	if err != nil {
		return false, fmt.Errorf("ledger: conditional decrement failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: failed to read affected rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrAccountNotFound
	}
	if err != nil {
		return false, fmt.Errorf("ledger: failed to check account: %w", err)
	}
	return false, nil
}

func (l *Ledger) appendEntry(ctx context.Context, tx *sql.Tx, userID string, delta int, reason, attemptID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (user_id, delta, reason, attempt_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, delta, reason, sql.NullString{String: attemptID, Valid: attemptID != ""},
		db.FormatTimestamp(l.now()),
	)
	if err != nil {
		return fmt.Errorf("ledger: failed to append entry: %w", err)
	}
	return nil
}

// resultIn reads the balance inside tx.
func (l *Ledger) resultIn(ctx context.Context, tx *sql.Tx, userID string, allowed bool) (ConsumeResult, error) {
	var credit int
	if err := tx.QueryRowContext(ctx, `SELECT credit FROM users WHERE id = ?`, userID).Scan(&credit); err != nil {
		return ConsumeResult{}, fmt.Errorf("ledger: failed to read balance: %w", err)
	}
	return ConsumeResult{Allowed: allowed, NewBalance: credit}, nil
}

// commitThen carries an error out of a transaction whose writes must still
// commit.
type commitThen struct{ err error }

func (e commitThen) Error() string { return e.err.Error() }

// inTx runs fn in a transaction and commits unless fn fails. A commitThen
// error commits first and then returns the wrapped error.
func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) (ConsumeResult, error)) (ConsumeResult, error) {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := fn(tx)
	var deferred commitThen
	if err != nil && !errors.As(err, &deferred) {
		return ConsumeResult{}, err
	}
	if cerr := tx.Commit(); cerr != nil {
		return ConsumeResult{}, fmt.Errorf("ledger: failed to commit: %w", cerr)
	}
	if err != nil {
		return ConsumeResult{}, deferred.err
	}
	return result, nil
}

func (l *Ledger) observe(userID, reason string, amount int, result ConsumeResult, err error, fields ...zap.Field) {
	outcome := OutcomeAllowed
	switch {
	case err != nil:
		outcome = OutcomeError
	case !result.Allowed:
		outcome = OutcomeLimitReached
	}
	if l.recorder != nil {
		l.recorder.RecordLedgerConsume(outcome)
	}

	fields = append(fields,
		logging.UserID(userID),
		zap.String("reason", reason),
		zap.Int("amount", amount),
		zap.String("outcome", outcome),
		zap.Int("balance", result.NewBalance),
	)
	if err != nil {
		l.logger.Error("Credit consume failed", append(fields, zap.Error(err))...)
		return
	}
	l.logger.Info("Credit consume settled", fields...)
}
