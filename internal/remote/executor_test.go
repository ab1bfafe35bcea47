package remote

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeTransport struct {
	calls  []string
	handle func(ctx context.Context, command string) (Result, error)
	closed bool
}

func (f *fakeTransport) Exec(ctx context.Context, command string) (Result, error) {
	f.calls = append(f.calls, command)
	if f.handle != nil {
		return f.handle(ctx, command)
	}
	return Result{Stdout: "ok\n"}, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestRun_ElevatesOnlyWhenAllowedAndAsked(t *testing.T) {
	tests := []struct {
		name         string
		allowElevate bool
		elevate      bool
		want         string
	}{
		{"host allows, asked", true, true, "sudo -n sh -c 'rpm -Va'"},
		{"host allows, not asked", true, false, "rpm -Va"},
		{"host forbids, asked", false, true, "rpm -Va"},
		{"host forbids, not asked", false, false, "rpm -Va"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			e := NewExecutor(ft, Options{Timeout: time.Second, AllowElevate: tt.allowElevate})

			if _, err := e.Run(context.Background(), "rpm -Va", tt.elevate); err != nil {
				t.Fatal(err)
			}
			if len(ft.calls) != 1 || ft.calls[0] != tt.want {
				t.Errorf("got %q, want %q", ft.calls, tt.want)
			}
		})
	}
}

func TestRun_TimeoutKeepsExecutorUsable(t *testing.T) {
	ft := &fakeTransport{}
	ft.handle = func(ctx context.Context, command string) (Result, error) {
		if command == "sleep 100" {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		return Result{Stdout: "fine"}, nil
	}
	e := NewExecutor(ft, Options{Timeout: 20 * time.Millisecond})

	res, err := e.Run(context.Background(), "sleep 100", false)
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if !res.TimedOut || res.ExitCode != TimeoutExitCode {
		t.Errorf("expected timed out result with exit %d, got %+v", TimeoutExitCode, res)
	}
	if res.OK() {
		t.Error("timed out result must not be OK")
	}
	if !strings.Contains(res.Stderr, "timeout") {
		t.Errorf("expected timeout message, got %q", res.Stderr)
	}

	res, err = e.Run(context.Background(), "uname", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "fine" {
		t.Errorf("executor unusable after timeout: %+v", res)
	}
	if e.Broken() {
		t.Error("timeout must not mark the executor broken")
	}
}

func TestRun_ConnectionLostBreaksExecutor(t *testing.T) {
	ft := &fakeTransport{}
	ft.handle = func(ctx context.Context, command string) (Result, error) {
		return Result{}, ErrConnectionLost
	}
	e := NewExecutor(ft, Options{Timeout: time.Second})

	if _, err := e.Run(context.Background(), "ps", false); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if !e.Broken() {
		t.Fatal("expected executor to be broken")
	}

	if _, err := e.Run(context.Background(), "ps", false); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost on broken executor, got %v", err)
	}
	if len(ft.calls) != 1 {
		t.Errorf("broken executor must not reach the transport, got %d calls", len(ft.calls))
	}
}

func TestRun_ParentCancellationIsNotATimeout(t *testing.T) {
	ft := &fakeTransport{}
	ft.handle = func(ctx context.Context, command string) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	e := NewExecutor(ft, Options{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Run(ctx, "ps", false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWhich_CachesAnswers(t *testing.T) {
	ft := &fakeTransport{}
	ft.handle = func(ctx context.Context, command string) (Result, error) {
		if strings.Contains(command, "'rpm'") {
			return Result{Stdout: "/usr/bin/rpm\n"}, nil
		}
		return Result{ExitCode: 1}, nil
	}
	e := NewExecutor(ft, Options{Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := e.Which(ctx, "rpm")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("expected rpm to be present")
		}
	}
	ok, err := e.Which(ctx, "nmcli")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected nmcli to be missing")
	}
	_, _ = e.Which(ctx, "nmcli")

	if len(ft.calls) != 2 {
		t.Errorf("expected 2 round trips, got %d: %v", len(ft.calls), ft.calls)
	}
}

func TestWhich_TimeoutIsAnError(t *testing.T) {
	slow := true
	ft := &fakeTransport{}
	ft.handle = func(ctx context.Context, command string) (Result, error) {
		if slow {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		return Result{Stdout: "/usr/bin/rpm\n"}, nil
	}
	e := NewExecutor(ft, Options{Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	ok, err := e.Which(ctx, "rpm")
	if !errors.Is(err, ErrProbeTimeout) {
		t.Fatalf("expected ErrProbeTimeout, got ok=%v err=%v", ok, err)
	}
	if e.Broken() {
		t.Error("a slow lookup must not break the executor")
	}

	slow = false
	ok, err = e.Which(ctx, "rpm")
	if err != nil || !ok {
		t.Fatalf("timed out lookup must not be cached, got ok=%v err=%v", ok, err)
	}
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":              "''",
		"ls":            "'ls'",
		"echo it's":     `'echo it'"'"'s'`,
		"a && b; rm -x": "'a && b; rm -x'",
	}
	for in, want := range tests {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCalcBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{10, maxBackoff},
	}
	for _, tt := range tests {
		if got := calcBackoff(tt.attempt); got != tt.want {
			t.Errorf("calcBackoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
