// Package remote runs read-only commands on audit targets.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TimeoutExitCode is the synthetic exit code of a command that ran past
// its deadline.
const TimeoutExitCode = 124

// ErrConnectionLost signals a channel-level failure. The executor that
// returned it is unusable for the rest of the host's audit.
var ErrConnectionLost = errors.New("connection lost")

// ErrProbeTimeout is returned by Which when the lookup itself ran past the
// command deadline. The tool's presence is unknown, not absent.
var ErrProbeTimeout = errors.New("tool lookup timed out")

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// OK reports whether the command exited with status zero.
func (r Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Transport executes a single command string on one host. Implementations
// must return promptly once ctx is done and wrap channel failures in
// ErrConnectionLost.
type Transport interface {
	Exec(ctx context.Context, command string) (Result, error)
	Close() error
}

// Options configures an Executor.
type Options struct {
	// Timeout bounds every command. Zero means one minute.
	Timeout time.Duration
	// AllowElevate is the host's elevation flag. Without it Run never
	// wraps commands, even when asked to.
	AllowElevate bool
}

// Executor adds deadlines, privilege elevation and a tool probe cache on
// top of a Transport.
type Executor struct {
	transport Transport
	opts      Options

	mu     sync.Mutex
	which  map[string]bool
	broken bool
}

// NewExecutor wraps t.
func NewExecutor(t Transport, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &Executor{
		transport: t,
		opts:      opts,
		which:     make(map[string]bool),
	}
}

// Run executes command with the configured deadline. A command that times
// out yields a Result with TimedOut set and TimeoutExitCode, and a nil
// error; the executor stays usable.
func (e *Executor) Run(ctx context.Context, command string, elevate bool) (Result, error) {
	if e.Broken() {
		return Result{}, ErrConnectionLost
	}

	if elevate && e.opts.AllowElevate {
		command = "sudo -n sh -c " + Quote(command)
	}

	cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	res, err := e.transport.Exec(cctx, command)
	timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	switch {
	case err != nil && errors.Is(err, ErrConnectionLost):
		e.markBroken()
		return Result{}, err
	case timedOut:
		return Result{
			ExitCode: TimeoutExitCode,
			Stdout:   res.Stdout,
			Stderr:   fmt.Sprintf("timeout after %s", e.opts.Timeout),
			TimedOut: true,
			Duration: time.Since(start),
		}, nil
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case err != nil:
		return Result{}, err
	}

	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}

// Which reports whether tool is on the remote PATH. Answers are cached for
// the lifetime of the executor; a lookup that times out is not cached and
// returns ErrProbeTimeout.
func (e *Executor) Which(ctx context.Context, tool string) (bool, error) {
	e.mu.Lock()
	ok, cached := e.which[tool]
	e.mu.Unlock()
	if cached {
		return ok, nil
	}

	res, err := e.Run(ctx, "command -v "+Quote(tool), true)
	if err != nil {
		return false, err
	}
	if res.TimedOut {
		return false, fmt.Errorf("%w: %s after %s", ErrProbeTimeout, tool, e.opts.Timeout)
	}
	ok = res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != ""

	e.mu.Lock()
	e.which[tool] = ok
	e.mu.Unlock()
	return ok, nil
}

// Broken reports whether the underlying channel failed.
func (e *Executor) Broken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broken
}

func (e *Executor) markBroken() {
	e.mu.Lock()
	e.broken = true
	e.mu.Unlock()
}

// Close releases the transport.
func (e *Executor) Close() error {
	return e.transport.Close()
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
