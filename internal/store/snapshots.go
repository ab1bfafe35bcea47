package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-tangra/go-tangra-audit/internal/snapshot"
)

// SnapshotRef is what a result row keeps about a captured blob.
type SnapshotRef struct {
	Digest       string
	StoredLength int64
	Truncated    bool
}

// Snapshot is the stored metadata of a content-addressed blob.
type Snapshot struct {
	Digest         string
	Encoding       string
	StoredLength   int64
	OriginalLength int64
	Truncated      bool
	ContentKind    string
	CapturedAt     time.Time
}

// SnapshotUsage summarizes the snapshot table.
type SnapshotUsage struct {
	Count        int64
	StoredBytes  int64 // bytes on disk after encoding
	ContentBytes int64 // decompressed bytes
}

// PutSnapshot encodes raw and stores it unless the digest already exists.
func (s *Store) PutSnapshot(ctx context.Context, raw []byte, opts snapshot.Options) (SnapshotRef, error) {
	return putSnapshot(ctx, s.db, raw, opts, time.Now())
}

func putSnapshot(ctx context.Context, q dbtx, raw []byte, opts snapshot.Options, now time.Time) (SnapshotRef, error) {
	blob, err := snapshot.Encode(raw, opts)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT OR IGNORE INTO snapshots (digest, encoding, data, stored_length, original_length, truncated, content_kind, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		blob.Digest,
		blob.Encoding,
		blob.Data,
		blob.StoredLength,
		blob.OriginalLength,
		boolToInt(blob.Truncated),
		blob.ContentKind,
		formatTime(now),
	)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("insert snapshot %s: %w", blob.Digest, err)
	}

	return SnapshotRef{
		Digest:       blob.Digest,
		StoredLength: blob.StoredLength,
		Truncated:    blob.Truncated,
	}, nil
}

// GetSnapshot returns the metadata and decoded content of a snapshot.
func (s *Store) GetSnapshot(ctx context.Context, digest string) (*Snapshot, []byte, error) {
	var meta Snapshot
	var data []byte
	var truncated int
	var capturedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT digest, encoding, data, stored_length, original_length, truncated, content_kind, captured_at
		 FROM snapshots WHERE digest = ?`, digest).
		Scan(&meta.Digest, &meta.Encoding, &data, &meta.StoredLength, &meta.OriginalLength, &truncated, &meta.ContentKind, &capturedAt)
	if err != nil {
		return nil, nil, notFound(err)
	}
	meta.Truncated = truncated != 0
	meta.CapturedAt = parseTime(capturedAt)

	content, err := snapshot.Decode(snapshot.Blob{
		Digest:       meta.Digest,
		Encoding:     meta.Encoding,
		Data:         data,
		StoredLength: meta.StoredLength,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("decode snapshot %s: %w", digest, err)
	}
	return &meta, content, nil
}

// SnapshotUsage returns counts and sizes over all snapshots.
func (s *Store) SnapshotUsage(ctx context.Context) (SnapshotUsage, error) {
	var u SnapshotUsage
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0), COALESCE(SUM(stored_length), 0) FROM snapshots`).
		Scan(&u.Count, &u.StoredBytes, &u.ContentBytes)
	if err != nil {
		return SnapshotUsage{}, fmt.Errorf("snapshot usage: %w", err)
	}
	return u, nil
}

// SnapshotReferences counts result rows that point at digest.
func (s *Store) SnapshotReferences(ctx context.Context, digest string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM rpm_verified_files WHERE snapshot_digest = ?)
		      + (SELECT COUNT(*) FROM routing_state WHERE snapshot_digest = ?)`, digest, digest).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshot references: %w", err)
	}
	return n, nil
}

// PruneSnapshots deletes snapshots no result row points at.
func (s *Store) PruneSnapshots(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots
		 WHERE digest NOT IN (SELECT snapshot_digest FROM rpm_verified_files WHERE snapshot_digest IS NOT NULL)
		   AND digest NOT IN (SELECT snapshot_digest FROM routing_state)`)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return result.RowsAffected()
}
