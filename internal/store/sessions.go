package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session modes.
const (
	ModeNew    = "new"
	ModeResume = "resume"
)

var (
	// ErrSessionOpen is returned when creating a session while another
	// one is still unfinished.
	ErrSessionOpen = errors.New("an unfinished session already exists")
	// ErrSessionFinished is returned when finishing a session twice.
	ErrSessionFinished = errors.New("session already finished")
)

// Session is one audit run across all hosts.
type Session struct {
	ID         int64
	RunID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Mode       string
	Incomplete bool
}

// Finished reports whether the session end time is set.
func (s Session) Finished() bool {
	return s.FinishedAt != nil
}

// ListFilter holds paging parameters for listing sessions.
type ListFilter struct {
	PageSize int
	Page     int
}

// UnfinishedSession returns the session whose end time is not set, or
// ErrNotFound.
func (s *Store) UnfinishedSession(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, started_at, finished_at, mode, incomplete
		 FROM sessions WHERE finished_at IS NULL ORDER BY id DESC LIMIT 1`)

	sess, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sess, nil
}

// CreateSession starts a new session. It refuses when another session is
// still unfinished so at most one is ever open.
func (s *Store) CreateSession(ctx context.Context, mode string) (*Session, error) {
	sess := &Session{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Mode:      mode,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var open int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE finished_at IS NULL`).Scan(&open); err != nil {
			return fmt.Errorf("count unfinished sessions: %w", err)
		}
		if open > 0 {
			return ErrSessionOpen
		}

		result, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (run_id, started_at, mode) VALUES (?, ?, ?)`,
			sess.RunID, formatTime(sess.StartedAt), mode)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		sess.ID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// FinishSession sets the session end time. It succeeds exactly once per
// session; incomplete marks a session that was abandoned rather than run
// to the end.
func (s *Store) FinishSession(ctx context.Context, id int64, incomplete bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ?, incomplete = ? WHERE id = ? AND finished_at IS NULL`,
		formatTime(time.Now()), boolToInt(incomplete), id)
	if err != nil {
		return fmt.Errorf("finish session %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrSessionFinished
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, started_at, finished_at, mode, incomplete FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first together with the total count.
func (s *Store) ListSessions(ctx context.Context, f ListFilter) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, started_at, finished_at, mode, incomplete
		 FROM sessions ORDER BY id DESC LIMIT ? OFFSET ?`, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, total, rows.Err()
}

// Purge deletes finished sessions older than the given duration together
// with their check runs, errors and result rows. Snapshots are kept.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return result.RowsAffected()
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var startedAt string
	var finishedAt sql.NullString
	var incomplete int
	if err := row.Scan(&sess.ID, &sess.RunID, &startedAt, &finishedAt, &sess.Mode, &incomplete); err != nil {
		return nil, err
	}
	sess.StartedAt = parseTime(startedAt)
	sess.FinishedAt = parseNullTime(finishedAt)
	sess.Incomplete = incomplete != 0
	return &sess, nil
}
