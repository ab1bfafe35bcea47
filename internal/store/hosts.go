package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Host is an audit target and its connection parameters.
type Host struct {
	ID        int64
	Hostname  string
	Address   string
	User      string
	KeyPath   string
	Port      int
	UseSudo   bool
	CreatedAt time.Time
}

// Endpoint returns the address to dial, falling back to the hostname.
func (h Host) Endpoint() string {
	if h.Address != "" {
		return h.Address
	}
	return h.Hostname
}

// Limits are the resource limits applied to one host's checks.
type Limits struct {
	MaxSnapshotBytes  int64
	CompressSnapshots bool
	CommandTimeout    time.Duration
}

// Defaults holds the global limits and per-check enable flags.
// Checks missing from the map are enabled.
type Defaults struct {
	Limits Limits
	Checks map[string]bool
}

// Overrides holds per-host settings. A nil field inherits the global value.
type Overrides struct {
	MaxSnapshotBytes  *int64
	CompressSnapshots *bool
	CommandTimeout    *time.Duration
	Checks            map[string]*bool
}

// UpsertHost inserts or updates a host keyed by hostname and returns its ID.
func (s *Store) UpsertHost(ctx context.Context, h *Host) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hosts (hostname, address, ssh_user, ssh_key_path, ssh_port, use_sudo, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hostname) DO UPDATE SET
			address = excluded.address,
			ssh_user = excluded.ssh_user,
			ssh_key_path = excluded.ssh_key_path,
			ssh_port = excluded.ssh_port,
			use_sudo = excluded.use_sudo`,
		h.Hostname,
		h.Address,
		h.User,
		h.KeyPath,
		h.Port,
		boolToInt(h.UseSudo),
		formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert host %s: %w", h.Hostname, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM hosts WHERE hostname = ?`, h.Hostname).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup host %s: %w", h.Hostname, err)
	}
	return id, nil
}

// GetHost retrieves a host by ID.
func (s *Store) GetHost(ctx context.Context, id int64) (*Host, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, hostname, address, ssh_user, ssh_key_path, ssh_port, use_sudo, created_at
		 FROM hosts WHERE id = ?`, id)

	h, err := scanHost(row)
	if err != nil {
		return nil, notFound(err)
	}
	return h, nil
}

// ListHosts returns every configured host in ascending ID order.
func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hostname, address, ssh_user, ssh_key_path, ssh_port, use_sudo, created_at
		 FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

// Defaults reads the global limits and check flags.
func (s *Store) Defaults(ctx context.Context) (Defaults, error) {
	d := Defaults{Checks: map[string]bool{}}

	var maxBytes, compress, timeoutSec int64
	err := s.db.QueryRowContext(ctx,
		`SELECT max_snapshot_bytes, compress_snapshots, command_timeout_sec FROM global_defaults WHERE id = 1`).
		Scan(&maxBytes, &compress, &timeoutSec)
	if err != nil {
		return Defaults{}, fmt.Errorf("read global defaults: %w", err)
	}
	d.Limits = Limits{
		MaxSnapshotBytes:  maxBytes,
		CompressSnapshots: compress != 0,
		CommandTimeout:    time.Duration(timeoutSec) * time.Second,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT check_name, enabled FROM check_defaults`)
	if err != nil {
		return Defaults{}, fmt.Errorf("read check defaults: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var enabled int
		if err := rows.Scan(&name, &enabled); err != nil {
			return Defaults{}, err
		}
		d.Checks[name] = enabled != 0
	}
	return d, rows.Err()
}

// SetDefaults replaces the global limits and check flags.
func (s *Store) SetDefaults(ctx context.Context, d Defaults) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE global_defaults SET max_snapshot_bytes = ?, compress_snapshots = ?, command_timeout_sec = ? WHERE id = 1`,
			d.Limits.MaxSnapshotBytes,
			boolToInt(d.Limits.CompressSnapshots),
			int64(d.Limits.CommandTimeout/time.Second),
		)
		if err != nil {
			return fmt.Errorf("update global defaults: %w", err)
		}

		for name, enabled := range d.Checks {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO check_defaults (check_name, enabled) VALUES (?, ?)
				 ON CONFLICT(check_name) DO UPDATE SET enabled = excluded.enabled`,
				name, boolToInt(enabled))
			if err != nil {
				return fmt.Errorf("upsert check default %s: %w", name, err)
			}
		}
		return nil
	})
}

// Overrides reads the per-host settings. A host without overrides gets an
// empty value that inherits everything.
func (s *Store) Overrides(ctx context.Context, hostID int64) (Overrides, error) {
	o := Overrides{Checks: map[string]*bool{}}

	var maxBytes, compress, timeoutSec sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT max_snapshot_bytes, compress_snapshots, command_timeout_sec FROM host_overrides WHERE host_id = ?`, hostID).
		Scan(&maxBytes, &compress, &timeoutSec)
	if err != nil && err != sql.ErrNoRows {
		return Overrides{}, fmt.Errorf("read host overrides: %w", err)
	}
	if maxBytes.Valid {
		v := maxBytes.Int64
		o.MaxSnapshotBytes = &v
	}
	if compress.Valid {
		v := compress.Int64 != 0
		o.CompressSnapshots = &v
	}
	if timeoutSec.Valid {
		v := time.Duration(timeoutSec.Int64) * time.Second
		o.CommandTimeout = &v
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT check_name, enabled FROM host_check_overrides WHERE host_id = ?`, hostID)
	if err != nil {
		return Overrides{}, fmt.Errorf("read host check overrides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var enabled sql.NullInt64
		if err := rows.Scan(&name, &enabled); err != nil {
			return Overrides{}, err
		}
		if enabled.Valid {
			v := enabled.Int64 != 0
			o.Checks[name] = &v
		} else {
			o.Checks[name] = nil
		}
	}
	return o, rows.Err()
}

// SetOverrides replaces the per-host settings.
func (s *Store) SetOverrides(ctx context.Context, hostID int64, o Overrides) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var maxBytes, compress, timeoutSec sql.NullInt64
		if o.MaxSnapshotBytes != nil {
			maxBytes = sql.NullInt64{Int64: *o.MaxSnapshotBytes, Valid: true}
		}
		if o.CompressSnapshots != nil {
			compress = sql.NullInt64{Int64: int64(boolToInt(*o.CompressSnapshots)), Valid: true}
		}
		if o.CommandTimeout != nil {
			timeoutSec = sql.NullInt64{Int64: int64(*o.CommandTimeout / time.Second), Valid: true}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO host_overrides (host_id, max_snapshot_bytes, compress_snapshots, command_timeout_sec)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(host_id) DO UPDATE SET
				max_snapshot_bytes = excluded.max_snapshot_bytes,
				compress_snapshots = excluded.compress_snapshots,
				command_timeout_sec = excluded.command_timeout_sec`,
			hostID, maxBytes, compress, timeoutSec)
		if err != nil {
			return fmt.Errorf("upsert host overrides: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM host_check_overrides WHERE host_id = ?`, hostID); err != nil {
			return fmt.Errorf("clear host check overrides: %w", err)
		}
		for name, enabled := range o.Checks {
			var v sql.NullInt64
			if enabled != nil {
				v = sql.NullInt64{Int64: int64(boolToInt(*enabled)), Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO host_check_overrides (host_id, check_name, enabled) VALUES (?, ?, ?)`,
				hostID, name, v); err != nil {
				return fmt.Errorf("insert host check override %s: %w", name, err)
			}
		}
		return nil
	})
}

func scanHost(row scanner) (*Host, error) {
	var h Host
	var useSudo int
	var createdAt string
	if err := row.Scan(&h.ID, &h.Hostname, &h.Address, &h.User, &h.KeyPath, &h.Port, &useSudo, &createdAt); err != nil {
		return nil, err
	}
	h.UseSudo = useSudo != 0
	h.CreatedAt = parseTime(createdAt)
	return &h, nil
}
