// Package inventory loads the YAML host inventory and imports it into the
// store.
package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-tangra/go-tangra-audit/internal/store"
)

// File is the on-disk inventory.
type File struct {
	Defaults Defaults `yaml:"defaults"`
	Hosts    []Host   `yaml:"hosts"`
}

// Defaults are the global limits and check flags.
type Defaults struct {
	MaxSnapshotBytes  *int64          `yaml:"max_snapshot_bytes"`
	CompressSnapshots *bool           `yaml:"compress_snapshots"`
	CommandTimeout    string          `yaml:"command_timeout"`
	Checks            map[string]bool `yaml:"checks"`
}

// Host is one audit target.
type Host struct {
	Hostname  string     `yaml:"hostname"`
	Address   string     `yaml:"address"`
	User      string     `yaml:"user"`
	Key       string     `yaml:"key"`
	Port      int        `yaml:"port"`
	Sudo      *bool      `yaml:"sudo"`
	Overrides *Overrides `yaml:"overrides"`
}

// Overrides are per-host settings. Omitted or null values inherit the
// defaults.
type Overrides struct {
	MaxSnapshotBytes  *int64           `yaml:"max_snapshot_bytes"`
	CompressSnapshots *bool            `yaml:"compress_snapshots"`
	CommandTimeout    string           `yaml:"command_timeout"`
	Checks            map[string]*bool `yaml:"checks"`
}

// Fallbacks for values the file leaves out.
const (
	DefaultMaxSnapshotBytes = 1 << 20
	DefaultCommandTimeout   = 60 * time.Second
	DefaultUser             = "root"
	DefaultPort             = 22
)

// LoadFile reads and validates an inventory file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates inventory YAML.
func LoadBytes(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks hostnames, ports, durations and snapshot limits.
func (f *File) Validate() error {
	if _, err := parseTimeout(f.Defaults.CommandTimeout); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if err := checkSnapshotLimit(f.Defaults.MaxSnapshotBytes); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	seen := make(map[string]bool, len(f.Hosts))
	for i, h := range f.Hosts {
		if strings.TrimSpace(h.Hostname) == "" {
			return fmt.Errorf("host %d: hostname is required", i+1)
		}
		if seen[h.Hostname] {
			return fmt.Errorf("host %s: duplicate hostname", h.Hostname)
		}
		seen[h.Hostname] = true

		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("host %s: invalid port %d", h.Hostname, h.Port)
		}
		if h.Overrides != nil {
			if _, err := parseTimeout(h.Overrides.CommandTimeout); err != nil {
				return fmt.Errorf("host %s: %w", h.Hostname, err)
			}
			if err := checkSnapshotLimit(h.Overrides.MaxSnapshotBytes); err != nil {
				return fmt.Errorf("host %s: %w", h.Hostname, err)
			}
		}
	}
	return nil
}

// checkSnapshotLimit rejects a set limit that is not positive; nil inherits.
func checkSnapshotLimit(n *int64) error {
	if n != nil && *n <= 0 {
		return fmt.Errorf("max_snapshot_bytes must be positive, got %d", *n)
	}
	return nil
}

func parseTimeout(s string) (*time.Duration, error) {
	if s == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("invalid command_timeout %q: %w", s, err)
	}
	if d < time.Second {
		return nil, fmt.Errorf("command_timeout %s is below one second", d)
	}
	return &d, nil
}

// SyncResult counts what Sync wrote.
type SyncResult struct {
	Hosts     int
	Overrides int
}

// Sync writes the defaults and every host with its overrides. Hosts are
// upserted by hostname; hosts missing from the file are left in place so
// their history stays intact.
func (f *File) Sync(ctx context.Context, s *store.Store) (SyncResult, error) {
	var res SyncResult

	defaults := store.Defaults{
		Limits: store.Limits{
			MaxSnapshotBytes:  DefaultMaxSnapshotBytes,
			CompressSnapshots: true,
			CommandTimeout:    DefaultCommandTimeout,
		},
		Checks: f.Defaults.Checks,
	}
	if f.Defaults.MaxSnapshotBytes != nil {
		defaults.Limits.MaxSnapshotBytes = *f.Defaults.MaxSnapshotBytes
	}
	if f.Defaults.CompressSnapshots != nil {
		defaults.Limits.CompressSnapshots = *f.Defaults.CompressSnapshots
	}
	if d, _ := parseTimeout(f.Defaults.CommandTimeout); d != nil {
		defaults.Limits.CommandTimeout = *d
	}
	if err := s.SetDefaults(ctx, defaults); err != nil {
		return res, fmt.Errorf("sync defaults: %w", err)
	}

	for _, h := range f.Hosts {
		host := store.Host{
			Hostname: h.Hostname,
			Address:  h.Address,
			User:     h.User,
			KeyPath:  expandHome(h.Key),
			Port:     h.Port,
			UseSudo:  true,
		}
		if host.User == "" {
			host.User = DefaultUser
		}
		if host.Port == 0 {
			host.Port = DefaultPort
		}
		if h.Sudo != nil {
			host.UseSudo = *h.Sudo
		}

		id, err := s.UpsertHost(ctx, &host)
		if err != nil {
			return res, fmt.Errorf("sync host %s: %w", h.Hostname, err)
		}
		res.Hosts++

		var o store.Overrides
		if h.Overrides != nil {
			o = store.Overrides{
				MaxSnapshotBytes:  h.Overrides.MaxSnapshotBytes,
				CompressSnapshots: h.Overrides.CompressSnapshots,
				Checks:            h.Overrides.Checks,
			}
			o.CommandTimeout, _ = parseTimeout(h.Overrides.CommandTimeout)
			res.Overrides++
		}
		if err := s.SetOverrides(ctx, id, o); err != nil {
			return res, fmt.Errorf("sync overrides for %s: %w", h.Hostname, err)
		}
	}
	return res, nil
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
