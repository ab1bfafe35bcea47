// Package audit drives audit sessions across the configured hosts and
// resumes interrupted ones.
package audit

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-tangra/go-tangra-audit/internal/check"
	"github.com/go-tangra/go-tangra-audit/internal/remote"
	"github.com/go-tangra/go-tangra-audit/internal/snapshot"
	"github.com/go-tangra/go-tangra-audit/internal/store"
)

var (
	// ErrPersistence wraps failures to record session or check state. The
	// session is left open so it can be resumed.
	ErrPersistence = errors.New("persistence failure")
	// ErrUnfinishedSession is returned by Begin in ModeAuto when an
	// earlier session was never finished.
	ErrUnfinishedSession = errors.New("unfinished session exists")
)

// Check run reasons set by the orchestrator.
const (
	ReasonConnectionFailed = "connection failed"
	ReasonConnectionLost   = "connection lost"
	ReasonOperatorSkip     = "skipped by operator"
)

// Mode selects how Begin treats an unfinished session.
type Mode int

const (
	// ModeAuto refuses to choose when an unfinished session exists.
	ModeAuto Mode = iota
	// ModeResume continues the unfinished session.
	ModeResume
	// ModeNew abandons the unfinished session and starts a new one.
	ModeNew
)

func (m Mode) String() string {
	switch m {
	case ModeResume:
		return "resume"
	case ModeNew:
		return "new"
	default:
		return "auto"
	}
}

// Options narrows a run.
type Options struct {
	// Hosts limits the run to these hostnames. A filtered run never
	// finishes the session.
	Hosts []string
	// Skip marks these checks SKIP without running them.
	Skip []string
	// Timeout replaces the per-command timeout of every host when positive.
	Timeout time.Duration
}

// Report summarizes a run.
type Report struct {
	Session   store.Session
	Hosts     []store.Tally
	Executed  int
	Finalized bool
}

// Orchestrator runs the registered checks against every host, one host
// and one check at a time.
type Orchestrator struct {
	store    *store.Store
	registry *check.Registry
	dialer   remote.Dialer
	log      *logrus.Entry
	now      func() time.Time
}

// New returns an orchestrator.
func New(s *store.Store, reg *check.Registry, dialer remote.Dialer, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		store:    s,
		registry: reg,
		dialer:   dialer,
		log:      log,
		now:      time.Now,
	}
}

// Begin returns the session to run. Without an unfinished session a new
// one is created regardless of mode.
func (o *Orchestrator) Begin(ctx context.Context, mode Mode) (*store.Session, error) {
	open, err := o.store.UnfinishedSession(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return o.newSession(ctx)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	switch mode {
	case ModeResume:
		if err := o.store.MarkResumed(ctx, open.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		open.Mode = store.ModeResume
		o.log.WithFields(logrus.Fields{"session": open.ID, "run_id": open.RunID}).Info("resuming session")
		return open, nil
	case ModeNew:
		if err := o.store.FinishSession(ctx, open.ID, true); err != nil {
			return nil, fmt.Errorf("%w: abandon session %d: %v", ErrPersistence, open.ID, err)
		}
		o.log.WithField("session", open.ID).Warn("abandoned unfinished session")
		return o.newSession(ctx)
	default:
		return nil, fmt.Errorf("%w: session %d started %s", ErrUnfinishedSession, open.ID, open.StartedAt.Format(time.RFC3339))
	}
}

func (o *Orchestrator) newSession(ctx context.Context) (*store.Session, error) {
	sess, err := o.store.CreateSession(ctx, store.ModeNew)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	o.log.WithFields(logrus.Fields{"session": sess.ID, "run_id": sess.RunID}).Info("started session")
	return sess, nil
}

// Run audits every host in ascending ID order within session sessionID and
// finishes the session when all hosts were visited. Check failures are
// recorded, never returned; only persistence failures and cancellation
// abort the run.
func (o *Orchestrator) Run(ctx context.Context, sessionID int64, opts Options) (*Report, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", sessionID, err)
	}
	if sess.Finished() {
		return nil, fmt.Errorf("session %d: %w", sessionID, store.ErrSessionFinished)
	}

	hosts, err := o.store.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	hosts, err = filterHosts(hosts, opts.Hosts)
	if err != nil {
		return nil, err
	}

	defaults, err := o.store.Defaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	log := o.log.WithFields(logrus.Fields{"session": sess.ID, "run_id": sess.RunID})
	report := &Report{Session: *sess}

	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := o.runHost(ctx, sess, host, defaults, opts, log.WithField("host", host.Hostname))
		report.Executed += n
		if err != nil {
			return report, err
		}
	}

	if len(opts.Hosts) == 0 {
		if err := o.store.FinishSession(ctx, sess.ID, false); err != nil {
			return report, fmt.Errorf("%w: finish session: %v", ErrPersistence, err)
		}
		report.Finalized = true
		log.Info("session finished")
	} else {
		log.Info("host filter set, session left open")
	}

	if final, err := o.store.GetSession(ctx, sess.ID); err == nil {
		report.Session = *final
	}
	report.Hosts, err = o.store.Tally(ctx, sess.ID)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return report, nil
}

func filterHosts(hosts []store.Host, names []string) ([]store.Host, error) {
	if len(names) == 0 {
		return hosts, nil
	}
	byName := make(map[string]store.Host, len(hosts))
	for _, h := range hosts {
		byName[h.Hostname] = h
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := byName[n]; !ok {
			return nil, fmt.Errorf("unknown host %q", n)
		}
		want[n] = true
	}

	var out []store.Host
	for _, h := range hosts {
		if want[h.Hostname] {
			out = append(out, h)
		}
	}
	return out, nil
}

// runHost audits one host. It returns the number of checks executed.
func (o *Orchestrator) runHost(ctx context.Context, sess *store.Session, host store.Host, defaults store.Defaults, opts Options, log *logrus.Entry) (int, error) {
	overrides, err := o.store.Overrides(ctx, host.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	plan := effectivePlan(o.registry, defaults, overrides, opts.Timeout)

	done, err := o.store.CheckRuns(ctx, sess.ID, host.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	skip := make(map[string]bool, len(opts.Skip))
	for _, name := range opts.Skip {
		skip[name] = true
	}

	var pending []check.Check
	for _, c := range plan.Checks {
		if run, ok := done[c.Name()]; ok && run.Status.Terminal() {
			continue
		}
		if skip[c.Name()] {
			if err := o.skip(ctx, sess.ID, host.ID, c.Name(), ReasonOperatorSkip); err != nil {
				return 0, err
			}
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		log.Debug("nothing left to run")
		return 0, nil
	}

	transport, err := o.dialer.Dial(ctx, remote.Target{
		Address: host.Endpoint(),
		Port:    host.Port,
		User:    host.User,
		KeyPath: host.KeyPath,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.Errorf("connection failed: %v", err)
		first := &store.ErrorRecord{Stage: store.StageConnect, Stderr: err.Error()}
		return 0, o.failAll(ctx, sess.ID, host.ID, pending, ReasonConnectionFailed, first)
	}

	exec := remote.NewExecutor(transport, remote.Options{
		Timeout:      plan.Limits.CommandTimeout,
		AllowElevate: host.UseSudo,
	})
	defer exec.Close()

	executed := 0
	for i, c := range pending {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		if exec.Broken() {
			log.Error("connection lost, failing remaining checks")
			return executed, o.failAll(ctx, sess.ID, host.ID, pending[i:], ReasonConnectionLost, nil)
		}

		ran, err := o.runCheck(ctx, sess, host, exec, plan.Limits, c, log.WithField("check", c.Name()))
		if ran {
			executed++
		}
		if err != nil {
			return executed, err
		}
	}
	return executed, nil
}

// runCheck takes one check from PENDING to a terminal status. It reports
// whether Execute was called.
func (o *Orchestrator) runCheck(ctx context.Context, sess *store.Session, host store.Host, exec *remote.Executor, limits store.Limits, c check.Check, log *logrus.Entry) (bool, error) {
	run, err := o.store.OpenCheckRun(ctx, sess.ID, host.ID, c.Name())
	if errors.Is(err, store.ErrCheckRunDone) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	rec, err := o.store.Begin(ctx, run, store.RecorderOptions{
		Snapshot: snapshot.Options{Cap: limits.MaxSnapshotBytes, Compress: limits.CompressSnapshots},
		Now:      o.now,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rec.Rollback()

	env := &check.Env{
		Host:    host,
		Exec:    exec,
		Results: rec,
		Limits:  limits,
		Now:     o.now,
		Log:     log,
	}

	probe := safeProbe(ctx, c, env)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	switch {
	case probe.Err != nil:
		_ = rec.Rollback()
		log.Warnf("probe failed: %v", probe.Err)
		return false, o.fail(ctx, run.ID, check.ErrorOutcome(store.StageProbe, probe.Err))
	case !probe.OK:
		log.Infof("skipped: %s", probe.Reason)
		if err := rec.Finish(ctx, store.StatusSkip, probe.Reason); err != nil {
			return false, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return false, nil
	}

	start := o.now()
	outcome := safeExecute(ctx, c, env)
	if ctx.Err() != nil {
		// Left PENDING; the next resume runs it again.
		return true, ctx.Err()
	}

	log = log.WithField("elapsed", time.Since(start).Round(time.Millisecond).String())
	switch outcome.Status {
	case store.StatusSuccess, store.StatusSkip:
		if err := rec.Finish(ctx, outcome.Status, outcome.Reason); err != nil {
			return true, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		log.WithField("status", outcome.Status).Info("check finished")
		return true, nil
	default:
		_ = rec.Rollback()
		log.WithField("stage", outcome.Stage).Warnf("check failed: %s", outcome.Reason)
		return true, o.fail(ctx, run.ID, outcome)
	}
}

// fail records outcome as an Error row and marks the run ERROR.
func (o *Orchestrator) fail(ctx context.Context, runID int64, outcome check.Outcome) error {
	stage := outcome.Stage
	if stage == "" {
		stage = store.StageExecute
	}
	rec := &store.ErrorRecord{Stage: stage, Stderr: outcome.Stderr, ExitCode: outcome.ExitCode}
	if err := o.store.FailCheckRun(ctx, runID, outcome.Reason, rec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (o *Orchestrator) skip(ctx context.Context, sessionID, hostID int64, name, reason string) error {
	run, err := o.store.OpenCheckRun(ctx, sessionID, hostID, name)
	if errors.Is(err, store.ErrCheckRunDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := o.store.SkipCheckRun(ctx, run.ID, reason); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// failAll marks every check ERROR with reason. Only the first run gets
// the error record.
func (o *Orchestrator) failAll(ctx context.Context, sessionID, hostID int64, checks []check.Check, reason string, first *store.ErrorRecord) error {
	for _, c := range checks {
		run, err := o.store.OpenCheckRun(ctx, sessionID, hostID, c.Name())
		if errors.Is(err, store.ErrCheckRunDone) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := o.store.FailCheckRun(ctx, run.ID, reason, first); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		first = nil
	}
	return nil
}

func safeProbe(ctx context.Context, c check.Check, env *check.Env) (p check.Probe) {
	defer func() {
		if r := recover(); r != nil {
			env.Log.Errorf("probe panic: %v\n%s", r, debug.Stack())
			p = check.Probe{Err: fmt.Errorf("probe panic: %v", r)}
		}
	}()
	return c.Probe(ctx, env)
}

func safeExecute(ctx context.Context, c check.Check, env *check.Env) (out check.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			env.Log.Errorf("check panic: %v\n%s", r, debug.Stack())
			out = check.Failed(store.StageExecute, fmt.Sprintf("panic: %v", r), string(debug.Stack()), nil)
		}
	}()
	return c.Execute(ctx, env)
}
