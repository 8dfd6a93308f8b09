// Package journal persists the terminal outcome of every message so callers
// can inspect results after the message leaves the in-memory queue.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/calebward/agentlink/internal/queue"
)

const maxErrorBytes = 4 * 1024

// Entry is one journaled terminal outcome.
type Entry struct {
	MessageID     string
	CorrelationID string
	Priority      string
	Status        queue.Status
	Attempts      int
	CreatedAt     time.Time
	CompletedAt   time.Time
	Duration      time.Duration
	LastError     string
}

var ErrNotFound = errors.New("journal entry not found")

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record appends a terminal outcome. The entry id is the message id; a
// message reaches a terminal state exactly once, so inserts never conflict.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.MessageID == "" {
		return fmt.Errorf("message id is empty")
	}
	if !e.Status.Terminal() {
		return fmt.Errorf("non-terminal status %q", e.Status)
	}

	lastError := e.LastError
	if len(lastError) > maxErrorBytes {
		lastError = lastError[:maxErrorBytes]
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO message_log(
  id, correlation_id, priority, status, attempts, created_at, completed_at, duration_ms, last_error
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		e.MessageID,
		e.CorrelationID,
		e.Priority,
		string(e.Status),
		e.Attempts,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.CompletedAt.UTC().Format(time.RFC3339Nano),
		e.Duration.Milliseconds(),
		nullable(lastError),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Get retrieves the journaled outcome for a message id.
func (j *Journal) Get(ctx context.Context, messageID string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, correlation_id, priority, status, attempts, created_at, completed_at, duration_ms, last_error
FROM message_log
WHERE id = ?;
`, messageID)

	var (
		e            Entry
		statusS      string
		createdS     string
		completedS   string
		durationMS   int64
		correlation  sql.NullString
		lastError    sql.NullString
	)
	err := row.Scan(&e.MessageID, &correlation, &e.Priority, &statusS, &e.Attempts,
		&createdS, &completedS, &durationMS, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load outcome: %w", err)
	}

	e.Status = queue.Status(statusS)
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if correlation.Valid {
		e.CorrelationID = correlation.String
	}
	if lastError.Valid {
		e.LastError = lastError.String
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdS); perr == nil {
		e.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339Nano, completedS); perr == nil {
		e.CompletedAt = t
	}
	return &e, nil
}

// Recent returns the most recently completed entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id FROM message_log ORDER BY completed_at DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan outcome id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := j.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// PruneOlderThan removes entries completed before now-retention and reports
// how many were deleted.
func (j *Journal) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := j.db.ExecContext(ctx, `DELETE FROM message_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
