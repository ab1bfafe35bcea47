package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ResultCounts returns the number of result rows a check run owns, keyed
// by table name. Tables without rows are omitted.
func (s *Store) ResultCounts(ctx context.Context, checkRunID int64) (map[string]int, error) {
	counts := make(map[string]int)
	for _, table := range resultTables {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+table+` WHERE check_run_id = ?`, checkRunID).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		if n > 0 {
			counts[table] = n
		}
	}
	return counts, nil
}

// OSInfoFor returns the os_info row written by a check run.
func (s *Store) OSInfoFor(ctx context.Context, checkRunID int64) (*OSInfo, error) {
	var info OSInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version_id, os_id, kernel, arch FROM os_info WHERE check_run_id = ?`, checkRunID).
		Scan(&info.Name, &info.VersionID, &info.OSID, &info.Kernel, &info.Arch)
	if err != nil {
		return nil, notFound(err)
	}
	return &info, nil
}

// Packages returns the packages written by a check run ordered by name.
func (s *Store) Packages(ctx context.Context, checkRunID int64) ([]Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, epoch, version, release, arch, install_time
		 FROM rpm_packages WHERE check_run_id = ? ORDER BY name, id`, checkRunID)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer rows.Close()

	var pkgs []Package
	for rows.Next() {
		var p Package
		var installTime sql.NullInt64
		if err := rows.Scan(&p.Name, &p.Epoch, &p.Version, &p.Release, &p.Arch, &installTime); err != nil {
			return nil, err
		}
		if installTime.Valid {
			v := installTime.Int64
			p.InstallTime = &v
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, rows.Err()
}

// VerifiedFiles returns the rpm verification findings of a check run.
func (s *Store) VerifiedFiles(ctx context.Context, checkRunID int64) ([]VerifiedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.flags, v.file_type, v.path, v.snapshot_digest, v.truncated, COALESCE(sn.stored_length, 0)
		 FROM rpm_verified_files v LEFT JOIN snapshots sn ON sn.digest = v.snapshot_digest
		 WHERE v.check_run_id = ? ORDER BY v.id`, checkRunID)
	if err != nil {
		return nil, fmt.Errorf("query verified files: %w", err)
	}
	defer rows.Close()

	var files []VerifiedFile
	for rows.Next() {
		var f VerifiedFile
		var digest sql.NullString
		var truncated int
		var stored int64
		if err := rows.Scan(&f.Flags, &f.FileType, &f.Path, &digest, &truncated, &stored); err != nil {
			return nil, err
		}
		if digest.Valid {
			f.Snapshot = &SnapshotRef{Digest: digest.String, StoredLength: stored, Truncated: truncated != 0}
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Sockets returns the listening sockets of a check run.
func (s *Store) Sockets(ctx context.Context, checkRunID int64) ([]ListenSocket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT proto, local_addr, state, pid, process FROM listen_sockets WHERE check_run_id = ? ORDER BY id`, checkRunID)
	if err != nil {
		return nil, fmt.Errorf("query sockets: %w", err)
	}
	defer rows.Close()

	var sockets []ListenSocket
	for rows.Next() {
		var ls ListenSocket
		var pid sql.NullInt64
		var process sql.NullString
		if err := rows.Scan(&ls.Proto, &ls.LocalAddr, &ls.State, &pid, &process); err != nil {
			return nil, err
		}
		if pid.Valid {
			v := int(pid.Int64)
			ls.PID = &v
		}
		ls.Process = process.String
		sockets = append(sockets, ls)
	}
	return sockets, rows.Err()
}

// Processes returns the process table of a check run ordered by PID.
func (s *Store) Processes(ctx context.Context, checkRunID int64) ([]Process, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, ppid, user, start_time, etime, cmd FROM processes WHERE check_run_id = ? ORDER BY pid`, checkRunID)
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	defer rows.Close()

	var procs []Process
	for rows.Next() {
		var p Process
		if err := rows.Scan(&p.PID, &p.PPID, &p.User, &p.StartTime, &p.ETime, &p.Cmd); err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// RoutingStates returns the routing captures of a check run.
func (s *Store) RoutingStates(ctx context.Context, checkRunID int64) ([]RoutingState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.kind, r.snapshot_digest, r.truncated, sn.stored_length
		 FROM routing_state r JOIN snapshots sn ON sn.digest = r.snapshot_digest
		 WHERE r.check_run_id = ? ORDER BY r.id`, checkRunID)
	if err != nil {
		return nil, fmt.Errorf("query routing state: %w", err)
	}
	defer rows.Close()

	var states []RoutingState
	for rows.Next() {
		var rs RoutingState
		var truncated int
		if err := rows.Scan(&rs.Kind, &rs.Snapshot.Digest, &truncated, &rs.Snapshot.StoredLength); err != nil {
			return nil, err
		}
		rs.Snapshot.Truncated = truncated != 0
		states = append(states, rs)
	}
	return states, rows.Err()
}
