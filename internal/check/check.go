// Package check defines the audit check contract and the built-in checks.
package check

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-tangra/go-tangra-audit/internal/remote"
	"github.com/go-tangra/go-tangra-audit/internal/store"
)

// Executor is the subset of remote.Executor a check may use.
type Executor interface {
	Run(ctx context.Context, command string, elevate bool) (remote.Result, error)
	Which(ctx context.Context, tool string) (bool, error)
}

// Env is everything a check needs while running against one host.
type Env struct {
	Host    store.Host
	Exec    Executor
	Results *store.Recorder
	Limits  store.Limits
	Now     func() time.Time
	Log     *logrus.Entry
}

// Check is a pluggable unit of audit work. Name is the resume key and must
// be stable across releases.
type Check interface {
	Name() string
	// Requires lists the remote tools the check uses. Advisory only.
	Requires() []string
	// Probe decides whether the check can run on the host. It must not
	// change the target.
	Probe(ctx context.Context, env *Env) Probe
	// Execute runs the check and writes its rows through env.Results.
	// Execute must be safe to call again for the same check run.
	Execute(ctx context.Context, env *Env) Outcome
}

// Probe is the answer of Check.Probe.
type Probe struct {
	OK     bool
	Reason string
	// Err is set when the probe itself could not talk to the host.
	Err error
}

// Ready is a successful probe.
func Ready() Probe {
	return Probe{OK: true}
}

// Unavailable is a failed probe with the reason recorded on the SKIP.
func Unavailable(reason string) Probe {
	return Probe{Reason: reason}
}

// ProbeTools reports Ready when every tool is on the remote PATH, and
// names the missing ones otherwise.
func ProbeTools(ctx context.Context, env *Env, tools ...string) Probe {
	var missing []string
	for _, tool := range tools {
		ok, err := env.Exec.Which(ctx, tool)
		if err != nil {
			return Probe{Err: fmt.Errorf("probe %s: %w", tool, err)}
		}
		if !ok {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return Unavailable("missing tools: " + strings.Join(missing, ", "))
	}
	return Ready()
}

// ProbeAny reports Ready when at least one of tools is present.
func ProbeAny(ctx context.Context, env *Env, tools ...string) Probe {
	for _, tool := range tools {
		ok, err := env.Exec.Which(ctx, tool)
		if err != nil {
			return Probe{Err: fmt.Errorf("probe %s: %w", tool, err)}
		}
		if ok {
			return Ready()
		}
	}
	return Unavailable("missing tools: one of " + strings.Join(tools, ", "))
}

// Outcome is the explicit result of Check.Execute.
type Outcome struct {
	Status   store.Status
	Stage    string
	Reason   string
	Stderr   string
	ExitCode *int
}

// Succeeded means every row was written and the run can commit.
func Succeeded() Outcome {
	return Outcome{Status: store.StatusSuccess}
}

// Skipped ends the run as SKIP with reason.
func Skipped(reason string) Outcome {
	return Outcome{Status: store.StatusSkip, Reason: reason}
}

// Failed ends the run as ERROR. Rows written so far are discarded.
func Failed(stage, reason, stderr string, exitCode *int) Outcome {
	return Outcome{
		Status:   store.StatusError,
		Stage:    stage,
		Reason:   reason,
		Stderr:   stderr,
		ExitCode: exitCode,
	}
}

// CommandFailed builds an execute-stage failure from a command result.
func CommandFailed(command string, res remote.Result) Outcome {
	code := res.ExitCode
	reason := fmt.Sprintf("%s exited %d", command, code)
	if res.TimedOut {
		reason = fmt.Sprintf("%s timed out", command)
	}
	return Failed(store.StageExecute, reason, res.Stderr, &code)
}

// ErrorOutcome builds a failure at stage from err. Lost connections keep a
// fixed reason so the orchestrator and reports can match on it.
func ErrorOutcome(stage string, err error) Outcome {
	reason := err.Error()
	if errors.Is(err, remote.ErrConnectionLost) {
		reason = "connection lost"
	}
	return Failed(stage, reason, err.Error(), nil)
}

// run executes command and turns a transport error into an outcome.
func run(ctx context.Context, env *Env, command string, elevate bool) (remote.Result, *Outcome) {
	res, err := env.Exec.Run(ctx, command, elevate)
	if err != nil {
		o := ErrorOutcome(store.StageExecute, err)
		return remote.Result{}, &o
	}
	return res, nil
}

// splitFields splits s on runs of whitespace into at most n fields; the
// last field keeps the remainder of the line.
func splitFields(s string, n int) []string {
	var out []string
	s = strings.TrimLeft(s, " \t")
	for len(out) < n-1 && s != "" {
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			break
		}
		out = append(out, s[:i])
		s = strings.TrimLeft(s[i:], " \t")
	}
	if s != "" {
		out = append(out, strings.TrimRight(s, " \t\r"))
	}
	return out
}
