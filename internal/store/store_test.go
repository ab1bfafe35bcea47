package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-tangra/go-tangra-audit/internal/snapshot"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addHost(t *testing.T, s *Store, name string) int64 {
	t.Helper()
	id, err := s.UpsertHost(context.Background(), &Host{Hostname: name, User: "root", Port: 22, UseSudo: true})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSessions_AtMostOneUnfinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UnfinishedSession(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty db, got %v", err)
	}

	sess, err := s.CreateSession(ctx, ModeNew)
	if err != nil {
		t.Fatal(err)
	}
	if sess.RunID == "" {
		t.Error("expected run id to be set")
	}

	if _, err := s.CreateSession(ctx, ModeNew); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("expected ErrSessionOpen, got %v", err)
	}

	open, err := s.UnfinishedSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if open.ID != sess.ID {
		t.Errorf("expected unfinished session %d, got %d", sess.ID, open.ID)
	}

	if err := s.FinishSession(ctx, sess.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishSession(ctx, sess.ID, false); !errors.Is(err, ErrSessionFinished) {
		t.Fatalf("expected ErrSessionFinished on second finish, got %v", err)
	}
	if err := s.FinishSession(ctx, 999, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Finished() {
		t.Error("expected session to be finished")
	}

	if _, err := s.CreateSession(ctx, ModeNew); err != nil {
		t.Fatalf("expected new session after finishing, got %v", err)
	}
}

func TestCheckRuns_OpenReusesPendingAndRejectsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := addHost(t, s, "web-1")
	sess, err := s.CreateSession(ctx, ModeNew)
	if err != nil {
		t.Fatal(err)
	}

	first, err := s.OpenCheckRun(ctx, sess.ID, hostID, "osinfo")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", first.Status)
	}

	// An interrupted run left PENDING is picked up again, not duplicated.
	again, err := s.OpenCheckRun(ctx, sess.ID, hostID, "osinfo")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Errorf("expected pending run %d to be reused, got %d", first.ID, again.ID)
	}

	if err := s.SkipCheckRun(ctx, first.ID, "nothing to do"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenCheckRun(ctx, sess.ID, hostID, "osinfo"); !errors.Is(err, ErrCheckRunDone) {
		t.Fatalf("expected ErrCheckRunDone, got %v", err)
	}

	// Terminal status never moves again.
	if err := s.FailCheckRun(ctx, first.ID, "late failure", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	runs, err := s.ListCheckRuns(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 check run, got %d", len(runs))
	}
	if runs[0].Status != StatusSkip || runs[0].Reason != "nothing to do" {
		t.Errorf("unexpected run %+v", runs[0])
	}
}

func TestFailCheckRun_AppendsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := addHost(t, s, "db-1")
	sess, _ := s.CreateSession(ctx, ModeNew)
	run, err := s.OpenCheckRun(ctx, sess.ID, hostID, "processes")
	if err != nil {
		t.Fatal(err)
	}

	code := 2
	if err := s.FailCheckRun(ctx, run.ID, "ps failed", &ErrorRecord{Stage: StageExecute, Stderr: "boom", ExitCode: &code}); err != nil {
		t.Fatal(err)
	}

	recs, err := s.Errors(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 error record, got %d", len(recs))
	}
	if recs[0].Stage != StageExecute || recs[0].Stderr != "boom" || recs[0].ExitCode == nil || *recs[0].ExitCode != 2 {
		t.Errorf("unexpected error record %+v", recs[0])
	}
}

func TestRecorder_CommitsResultsWithStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := addHost(t, s, "app-1")
	sess, _ := s.CreateSession(ctx, ModeNew)
	run, _ := s.OpenCheckRun(ctx, sess.ID, hostID, "processes")

	rec, err := s.Begin(ctx, run, RecorderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.InsertProcesses(ctx, []Process{{PID: 1, PPID: 0, User: "root", Cmd: "/sbin/init"}}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Finish(ctx, StatusSuccess, ""); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes WHERE check_run_id = ?`, run.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 process row, got %d", n)
	}
	if err := rec.Finish(ctx, StatusSuccess, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second finish, got %v", err)
	}
}

func TestRecorder_RollbackDiscardsResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := addHost(t, s, "app-2")
	sess, _ := s.CreateSession(ctx, ModeNew)
	run, _ := s.OpenCheckRun(ctx, sess.ID, hostID, "osinfo")

	rec, err := s.Begin(ctx, run, RecorderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.InsertOSInfo(ctx, OSInfo{Name: "Rocky Linux", VersionID: "9.3"}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Rollback(); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM os_info`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected rolled back rows to be gone, got %d", n)
	}

	runs, _ := s.CheckRuns(ctx, sess.ID, hostID)
	if runs["osinfo"].Status != StatusPending {
		t.Errorf("expected run to stay PENDING after rollback, got %s", runs["osinfo"].Status)
	}
}

func TestRecorder_ReexecutionReplacesRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := addHost(t, s, "app-3")
	sess, _ := s.CreateSession(ctx, ModeNew)
	run, _ := s.OpenCheckRun(ctx, sess.ID, hostID, "osinfo")

	// Simulate a crash after rows were written outside a finished run.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO os_info (host_id, check_run_id, name, captured_at) VALUES (?, ?, 'stale', ?)`,
		hostID, run.ID, formatTime(time.Now())); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Begin(ctx, run, RecorderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.InsertOSInfo(ctx, OSInfo{Name: "fresh"}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Finish(ctx, StatusSuccess, ""); err != nil {
		t.Fatal(err)
	}

	var names []string
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM os_info WHERE check_run_id = ?`, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		names = append(names, name)
	}
	if len(names) != 1 || names[0] != "fresh" {
		t.Errorf("expected only the fresh row, got %v", names)
	}
}

func TestPutSnapshot_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	raw := []byte(strings.Repeat("Port 22\n", 100))
	opts := snapshot.Options{Cap: 1 << 20, Compress: true}

	a, err := s.PutSnapshot(ctx, raw, opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.PutSnapshot(ctx, raw, opts)
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest != b.Digest {
		t.Errorf("digests differ: %s vs %s", a.Digest, b.Digest)
	}

	usage, err := s.SnapshotUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if usage.Count != 1 {
		t.Errorf("expected 1 stored snapshot, got %d", usage.Count)
	}

	meta, content, err := s.GetSnapshot(ctx, a.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Encoding != snapshot.EncodingGzip {
		t.Errorf("expected gzip encoding, got %s", meta.Encoding)
	}
	if string(content) != string(raw) {
		t.Error("snapshot content mismatch")
	}
}

func TestPutSnapshot_TruncationRecorded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	raw := []byte(strings.Repeat("z", 64))

	ref, err := s.PutSnapshot(ctx, raw, snapshot.Options{Cap: 16})
	if err != nil {
		t.Fatal(err)
	}
	if !ref.Truncated || ref.StoredLength != 16 {
		t.Fatalf("expected truncated 16-byte snapshot, got %+v", ref)
	}

	meta, content, err := s.GetSnapshot(ctx, ref.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if !meta.Truncated {
		t.Error("expected truncated flag to be stored")
	}
	if meta.OriginalLength != 64 {
		t.Errorf("expected original length 64, got %d", meta.OriginalLength)
	}
	if len(content) != 16 {
		t.Errorf("expected 16 bytes back, got %d", len(content))
	}

	if _, _, err := s.GetSnapshot(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDefaultsAndOverrides(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := addHost(t, s, "edge-1")

	d, err := s.Defaults(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.Limits.MaxSnapshotBytes != 1048576 || !d.Limits.CompressSnapshots || d.Limits.CommandTimeout != 60*time.Second {
		t.Errorf("unexpected seeded defaults %+v", d.Limits)
	}

	err = s.SetDefaults(ctx, Defaults{
		Limits: Limits{MaxSnapshotBytes: 2048, CompressSnapshots: false, CommandTimeout: 30 * time.Second},
		Checks: map[string]bool{"rpm_verify": false},
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err = s.Defaults(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.Limits.MaxSnapshotBytes != 2048 || d.Checks["rpm_verify"] {
		t.Errorf("defaults not updated: %+v", d)
	}

	o, err := s.Overrides(ctx, hostID)
	if err != nil {
		t.Fatal(err)
	}
	if o.MaxSnapshotBytes != nil || len(o.Checks) != 0 {
		t.Errorf("expected empty overrides, got %+v", o)
	}

	timeout := 5 * time.Second
	enabled := true
	err = s.SetOverrides(ctx, hostID, Overrides{
		CommandTimeout: &timeout,
		Checks:         map[string]*bool{"rpm_verify": &enabled, "routes": nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	o, err = s.Overrides(ctx, hostID)
	if err != nil {
		t.Fatal(err)
	}
	if o.CommandTimeout == nil || *o.CommandTimeout != timeout {
		t.Errorf("expected timeout override, got %v", o.CommandTimeout)
	}
	if o.MaxSnapshotBytes != nil {
		t.Error("expected snapshot cap to inherit")
	}
	if v, ok := o.Checks["rpm_verify"]; !ok || v == nil || !*v {
		t.Error("expected rpm_verify override true")
	}
	if v, ok := o.Checks["routes"]; !ok || v != nil {
		t.Error("expected routes override to be present and null")
	}
}

func TestPurge_CascadesButKeepsSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := addHost(t, s, "old-1")
	sess, _ := s.CreateSession(ctx, ModeNew)
	run, _ := s.OpenCheckRun(ctx, sess.ID, hostID, "routes")

	rec, err := s.Begin(ctx, run, RecorderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ref, err := rec.PutSnapshot(ctx, []byte("default via 10.0.0.1 dev eth0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.InsertRoutingState(ctx, RoutingState{Kind: "current", Snapshot: ref}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Finish(ctx, StatusSuccess, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishSession(ctx, sess.ID, false); err != nil {
		t.Fatal(err)
	}

	n, err := s.Purge(ctx, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged session, got %d", n)
	}

	runs, err := s.ListCheckRuns(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("expected check runs to cascade, got %d", len(runs))
	}
	refs, err := s.SnapshotReferences(ctx, ref.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if refs != 0 {
		t.Errorf("expected routing rows to cascade, got %d references", refs)
	}
	if _, _, err := s.GetSnapshot(ctx, ref.Digest); err != nil {
		t.Errorf("snapshot must survive purge: %v", err)
	}
}

func TestPruneSnapshots_KeepsReferenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := addHost(t, s, "web-1")
	sess, _ := s.CreateSession(ctx, ModeNew)
	run, _ := s.OpenCheckRun(ctx, sess.ID, hostID, "routes")

	orphan, err := s.PutSnapshot(ctx, []byte("orphan"), snapshot.Options{})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := s.Begin(ctx, run, RecorderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	kept, err := rec.PutSnapshot(ctx, []byte("10.0.0.0/8 via 10.0.0.1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.InsertRoutingState(ctx, RoutingState{Kind: "current", Snapshot: kept}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Finish(ctx, StatusSuccess, ""); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned snapshot, got %d", n)
	}
	if _, _, err := s.GetSnapshot(ctx, orphan.Digest); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphan snapshot: expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.GetSnapshot(ctx, kept.Digest); err != nil {
		t.Errorf("referenced snapshot must survive prune: %v", err)
	}
}

func TestTally(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := addHost(t, s, "a")
	b := addHost(t, s, "b")
	sess, _ := s.CreateSession(ctx, ModeNew)

	r1, _ := s.OpenCheckRun(ctx, sess.ID, a, "osinfo")
	_ = s.FailCheckRun(ctx, r1.ID, "connection failed", nil)
	r2, _ := s.OpenCheckRun(ctx, sess.ID, b, "osinfo")
	_ = s.SkipCheckRun(ctx, r2.ID, "skipped")
	_, _ = s.OpenCheckRun(ctx, sess.ID, b, "routes")

	tallies, err := s.Tally(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tallies) != 2 {
		t.Fatalf("expected 2 tallies, got %d", len(tallies))
	}
	if tallies[0].Hostname != "a" || tallies[0].Error != 1 {
		t.Errorf("unexpected tally for a: %+v", tallies[0])
	}
	if tallies[1].Skip != 1 || tallies[1].Pending != 1 || tallies[1].Total() != 2 {
		t.Errorf("unexpected tally for b: %+v", tallies[1])
	}
}
