package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-tangra/go-tangra-audit/internal/snapshot"
)

// OSInfo is the result row of the osinfo check.
type OSInfo struct {
	Name      string
	VersionID string
	OSID      string
	Kernel    string
	Arch      string
}

// Package is an installed RPM package.
type Package struct {
	Name        string
	Epoch       string
	Version     string
	Release     string
	Arch        string
	InstallTime *int64
}

// VerifiedFile is a file reported as modified by rpm -Va.
type VerifiedFile struct {
	Flags    string
	FileType string
	Path     string
	Snapshot *SnapshotRef
}

// ListenSocket is a listening TCP/UDP socket.
type ListenSocket struct {
	Proto     string
	LocalAddr string
	State     string
	PID       *int
	Process   string
}

// Process is a running process.
type Process struct {
	PID       int
	PPID      int
	User      string
	StartTime string
	ETime     string
	Cmd       string
}

// RoutingState is one captured routing artefact.
type RoutingState struct {
	Kind     string
	Snapshot SnapshotRef
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Snapshot snapshot.Options
	Now      func() time.Time
}

// Recorder writes the results of one check run inside a single
// transaction. Results and the terminal status commit together in Finish;
// Rollback discards everything.
type Recorder struct {
	tx   *sql.Tx
	run  CheckRun
	opts RecorderOptions
	done bool
}

// Begin opens the transaction for run and clears rows left by an earlier
// attempt of the same run.
func (s *Store) Begin(ctx context.Context, run *CheckRun, opts RecorderOptions) (*Recorder, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin check run %d: %w", run.ID, err)
	}

	for _, table := range resultTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE check_run_id = ?`, run.ID); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("clear %s for check run %d: %w", table, run.ID, err)
		}
	}

	return &Recorder{tx: tx, run: *run, opts: opts}, nil
}

// Run returns the check run this recorder writes for.
func (r *Recorder) Run() CheckRun {
	return r.run
}

// PutSnapshot stores raw content under its digest within the transaction.
func (r *Recorder) PutSnapshot(ctx context.Context, raw []byte) (SnapshotRef, error) {
	return putSnapshot(ctx, r.tx, raw, r.opts.Snapshot, r.opts.Now())
}

// InsertOSInfo stores the OS description of the host.
func (r *Recorder) InsertOSInfo(ctx context.Context, info OSInfo) error {
	_, err := r.tx.ExecContext(ctx,
		`INSERT INTO os_info (host_id, check_run_id, name, version_id, os_id, kernel, arch, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.run.HostID, r.run.ID, info.Name, info.VersionID, info.OSID, info.Kernel, info.Arch, formatTime(r.opts.Now()))
	if err != nil {
		return fmt.Errorf("insert os info: %w", err)
	}
	return nil
}

// InsertPackages stores installed packages.
func (r *Recorder) InsertPackages(ctx context.Context, pkgs []Package) error {
	stmt, err := r.tx.PrepareContext(ctx,
		`INSERT INTO rpm_packages (host_id, check_run_id, name, epoch, version, release, arch, install_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare package insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pkgs {
		var installTime sql.NullInt64
		if p.InstallTime != nil {
			installTime = sql.NullInt64{Int64: *p.InstallTime, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.run.HostID, r.run.ID, p.Name, p.Epoch, p.Version, p.Release, p.Arch, installTime); err != nil {
			return fmt.Errorf("insert package %s: %w", p.Name, err)
		}
	}
	return nil
}

// InsertVerifiedFiles stores rpm verification findings.
func (r *Recorder) InsertVerifiedFiles(ctx context.Context, files []VerifiedFile) error {
	for _, f := range files {
		var digest sql.NullString
		truncated := false
		if f.Snapshot != nil {
			digest = nullString(f.Snapshot.Digest)
			truncated = f.Snapshot.Truncated
		}
		_, err := r.tx.ExecContext(ctx,
			`INSERT INTO rpm_verified_files (host_id, check_run_id, flags, file_type, path, snapshot_digest, truncated)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.run.HostID, r.run.ID, f.Flags, f.FileType, f.Path, digest, boolToInt(truncated))
		if err != nil {
			return fmt.Errorf("insert verified file %s: %w", f.Path, err)
		}
	}
	return nil
}

// InsertSockets stores listening sockets.
func (r *Recorder) InsertSockets(ctx context.Context, sockets []ListenSocket) error {
	for _, s := range sockets {
		var pid sql.NullInt64
		if s.PID != nil {
			pid = sql.NullInt64{Int64: int64(*s.PID), Valid: true}
		}
		_, err := r.tx.ExecContext(ctx,
			`INSERT INTO listen_sockets (host_id, check_run_id, proto, local_addr, state, pid, process)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.run.HostID, r.run.ID, s.Proto, s.LocalAddr, s.State, pid, nullString(s.Process))
		if err != nil {
			return fmt.Errorf("insert socket %s: %w", s.LocalAddr, err)
		}
	}
	return nil
}

// InsertProcesses stores the process table.
func (r *Recorder) InsertProcesses(ctx context.Context, procs []Process) error {
	stmt, err := r.tx.PrepareContext(ctx,
		`INSERT INTO processes (host_id, check_run_id, pid, ppid, user, start_time, etime, cmd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare process insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range procs {
		if _, err := stmt.ExecContext(ctx, r.run.HostID, r.run.ID, p.PID, p.PPID, p.User, p.StartTime, p.ETime, p.Cmd); err != nil {
			return fmt.Errorf("insert process %d: %w", p.PID, err)
		}
	}
	return nil
}

// InsertRoutingState stores a captured routing artefact.
func (r *Recorder) InsertRoutingState(ctx context.Context, state RoutingState) error {
	_, err := r.tx.ExecContext(ctx,
		`INSERT INTO routing_state (host_id, check_run_id, kind, snapshot_digest, truncated, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.run.HostID, r.run.ID, state.Kind, state.Snapshot.Digest, boolToInt(state.Snapshot.Truncated), formatTime(r.opts.Now()))
	if err != nil {
		return fmt.Errorf("insert routing state %s: %w", state.Kind, err)
	}
	return nil
}

// Finish sets the terminal status and commits results and status together.
func (r *Recorder) Finish(ctx context.Context, status Status, reason string) error {
	if r.done {
		return fmt.Errorf("%w: recorder already closed", ErrInvalidTransition)
	}
	if err := finishCheckRun(ctx, r.tx, r.run.ID, status, reason, r.opts.Now()); err != nil {
		_ = r.Rollback()
		return err
	}
	r.done = true
	if err := r.tx.Commit(); err != nil {
		return fmt.Errorf("commit check run %d: %w", r.run.ID, err)
	}
	return nil
}

// Rollback discards everything written through the recorder. It is a no-op
// after Finish.
func (r *Recorder) Rollback() error {
	if r.done {
		return nil
	}
	r.done = true
	return r.tx.Rollback()
}
