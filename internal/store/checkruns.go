package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a check run.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusSkip    Status = "SKIP"
	StatusError   Status = "ERROR"
)

// Terminal reports whether s is a final status. Only terminal runs count
// as done when a session is resumed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusSkip || s == StatusError
}

// Error stages.
const (
	StageConnect = "connect"
	StageProbe   = "probe"
	StageExecute = "execute"
	StageParse   = "parse"
	StageStore   = "store"
)

var (
	// ErrCheckRunDone is returned when opening a check run that already
	// reached a terminal status.
	ErrCheckRunDone = errors.New("check run already terminal")
	// ErrInvalidTransition is returned when finishing a check run that is
	// not pending, or with a non-terminal status.
	ErrInvalidTransition = errors.New("invalid check run transition")
)

// CheckRun records one check executed against one host within a session.
type CheckRun struct {
	ID         int64
	SessionID  int64
	HostID     int64
	CheckName  string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     Status
	Reason     string
}

// ErrorRecord is an append-only failure detail attached to a check run.
type ErrorRecord struct {
	ID         int64
	CheckRunID int64
	Stage      string
	Stderr     string
	ExitCode   *int
	CreatedAt  time.Time
}

// CheckRuns returns the check runs of one host within a session keyed by
// check name.
func (s *Store) CheckRuns(ctx context.Context, sessionID, hostID int64) (map[string]CheckRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, host_id, check_name, started_at, finished_at, status, reason
		 FROM check_runs WHERE session_id = ? AND host_id = ?`, sessionID, hostID)
	if err != nil {
		return nil, fmt.Errorf("query check runs: %w", err)
	}
	defer rows.Close()

	runs := make(map[string]CheckRun)
	for rows.Next() {
		run, err := scanCheckRun(rows)
		if err != nil {
			return nil, err
		}
		runs[run.CheckName] = *run
	}
	return runs, rows.Err()
}

// GetCheckRun returns a check run by ID.
func (s *Store) GetCheckRun(ctx context.Context, id int64) (*CheckRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, host_id, check_name, started_at, finished_at, status, reason
		 FROM check_runs WHERE id = ?`, id)
	run, err := scanCheckRun(row)
	if err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

// ListCheckRuns returns all check runs of a session ordered by host and ID.
func (s *Store) ListCheckRuns(ctx context.Context, sessionID int64) ([]CheckRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, host_id, check_name, started_at, finished_at, status, reason
		 FROM check_runs WHERE session_id = ? ORDER BY host_id, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list check runs: %w", err)
	}
	defer rows.Close()

	var runs []CheckRun
	for rows.Next() {
		run, err := scanCheckRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// OpenCheckRun creates the PENDING run for (session, host, check). A
// pending run left behind by an interrupted process is reused, so there is
// never more than one row per key. Terminal runs yield ErrCheckRunDone.
func (s *Store) OpenCheckRun(ctx context.Context, sessionID, hostID int64, checkName string) (*CheckRun, error) {
	now := time.Now().UTC()
	var run *CheckRun

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, session_id, host_id, check_name, started_at, finished_at, status, reason
			 FROM check_runs WHERE session_id = ? AND host_id = ? AND check_name = ?`,
			sessionID, hostID, checkName)

		existing, err := scanCheckRun(row)
		switch {
		case err == nil:
			if existing.Status.Terminal() {
				return ErrCheckRunDone
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE check_runs SET started_at = ? WHERE id = ?`, formatTime(now), existing.ID); err != nil {
				return fmt.Errorf("restart check run: %w", err)
			}
			existing.StartedAt = now
			run = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup check run: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`INSERT INTO check_runs (session_id, host_id, check_name, started_at, status) VALUES (?, ?, ?, ?, ?)`,
			sessionID, hostID, checkName, formatTime(now), string(StatusPending))
		if err != nil {
			return fmt.Errorf("insert check run: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get last insert id: %w", err)
		}
		run = &CheckRun{
			ID:        id,
			SessionID: sessionID,
			HostID:    hostID,
			CheckName: checkName,
			StartedAt: now,
			Status:    StatusPending,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Errors returns the error records of a check run in insertion order.
func (s *Store) Errors(ctx context.Context, checkRunID int64) ([]ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, check_run_id, stage, stderr, exit_code, created_at
		 FROM errors WHERE check_run_id = ? ORDER BY id`, checkRunID)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	var records []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		var exitCode sql.NullInt64
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.CheckRunID, &rec.Stage, &rec.Stderr, &exitCode, &createdAt); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		rec.CreatedAt = parseTime(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// finishCheckRun moves a pending run to a terminal status.
func finishCheckRun(ctx context.Context, q dbtx, id int64, status Status, reason string, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	result, err := q.ExecContext(ctx,
		`UPDATE check_runs SET finished_at = ?, status = ?, reason = ? WHERE id = ? AND status = ?`,
		formatTime(now), string(status), nullString(reason), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("mark check run %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: check run %d is not pending", ErrInvalidTransition, id)
	}
	return nil
}

func insertError(ctx context.Context, q dbtx, checkRunID int64, rec ErrorRecord, now time.Time) error {
	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO errors (check_run_id, stage, stderr, exit_code, created_at) VALUES (?, ?, ?, ?, ?)`,
		checkRunID, rec.Stage, rec.Stderr, exitCode, formatTime(now))
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// FailCheckRun records err and marks the run ERROR in one transaction.
func (s *Store) FailCheckRun(ctx context.Context, id int64, reason string, rec *ErrorRecord) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if rec != nil {
			if err := insertError(ctx, tx, id, *rec, now); err != nil {
				return err
			}
		}
		return finishCheckRun(ctx, tx, id, StatusError, reason, now)
	})
}

// SkipCheckRun marks a pending run SKIP.
func (s *Store) SkipCheckRun(ctx context.Context, id int64, reason string) error {
	return finishCheckRun(ctx, s.db, id, StatusSkip, reason, time.Now().UTC())
}

func scanCheckRun(row scanner) (*CheckRun, error) {
	var run CheckRun
	var startedAt string
	var finishedAt, reason sql.NullString
	var status string
	if err := row.Scan(&run.ID, &run.SessionID, &run.HostID, &run.CheckName, &startedAt, &finishedAt, &status, &reason); err != nil {
		return nil, err
	}
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseNullTime(finishedAt)
	run.Status = Status(status)
	run.Reason = reason.String
	return &run, nil
}
