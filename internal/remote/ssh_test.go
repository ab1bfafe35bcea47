package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// startServer runs an in-process SSH server that hands every channel
// request to handle and returns a client connected to it.
func startServer(t *testing.T, handle func(ssh.NewChannel)) *ssh.Client {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
				if err != nil {
					conn.Close()
					return
				}
				defer sc.Close()
				go ssh.DiscardRequests(reqs)
				for nc := range chans {
					go handle(nc)
				}
			}()
		}
	}()

	client, err := ssh.Dial("tcp", ln.Addr().String(), &ssh.ClientConfig{
		User:            "audit",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// execServer accepts sessions and answers exec requests with run. When run
// reports !ok the command hangs until the client gives up.
func execServer(run func(command string) (stdout string, status uint32, ok bool)) func(ssh.NewChannel) {
	return func(nc ssh.NewChannel) {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only")
			return
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			return
		}
		defer ch.Close()

		for req := range reqs {
			if req.Type != "exec" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)

			stdout, status, ok := run(payload.Command)
			if !ok {
				continue
			}
			ch.Write([]byte(stdout))
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		}
	}
}

func runWithin(t *testing.T, limit time.Duration, e *Executor, command string) (Result, error) {
	t.Helper()
	type out struct {
		res Result
		err error
	}
	c := make(chan out, 1)
	go func() {
		res, err := e.Run(context.Background(), command, false)
		c <- out{res, err}
	}()
	select {
	case o := <-c:
		return o.res, o.err
	case <-time.After(limit):
		t.Fatalf("Run(%q) still blocked after %s", command, limit)
		return Result{}, nil
	}
}

func TestSSHTransport_Exec(t *testing.T) {
	client := startServer(t, execServer(func(command string) (string, uint32, bool) {
		return "ran: " + command + "\n", 3, true
	}))
	e := NewExecutor(newSSHTransport(client, 0), Options{Timeout: 5 * time.Second})
	defer e.Close()

	res, err := runWithin(t, 10*time.Second, e, "uname -r")
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 || res.Stdout != "ran: uname -r\n" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSSHTransport_UnansweredChannelOpenIsConnectionLost(t *testing.T) {
	// The server completes the handshake but never accepts or rejects a
	// channel, as a stalled peer would.
	client := startServer(t, func(ssh.NewChannel) {})

	tr := newSSHTransport(client, 0)
	tr.grace = 50 * time.Millisecond
	e := NewExecutor(tr, Options{Timeout: 200 * time.Millisecond})

	_, err := runWithin(t, 3*time.Second, e, "true")
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if !e.Broken() {
		t.Error("expected executor to be broken")
	}
}

func TestSSHTransport_HungCommandTimesOutOnLiveConnection(t *testing.T) {
	client := startServer(t, execServer(func(command string) (string, uint32, bool) {
		if strings.HasPrefix(command, "sleep") {
			return "", 0, false
		}
		return "ok\n", 0, true
	}))

	tr := newSSHTransport(client, 0)
	tr.grace = 2 * time.Second
	e := NewExecutor(tr, Options{Timeout: 200 * time.Millisecond})
	defer e.Close()

	res, err := runWithin(t, 5*time.Second, e, "sleep 100")
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if !res.TimedOut || res.ExitCode != TimeoutExitCode {
		t.Errorf("expected timed out result, got %+v", res)
	}
	if e.Broken() {
		t.Fatal("a live connection must stay usable after a timeout")
	}

	res, err = runWithin(t, 5*time.Second, e, "echo ok")
	if err != nil || res.Stdout != "ok\n" {
		t.Errorf("expected follow-up command to run, got %+v, %v", res, err)
	}
}

func TestSSHTransport_KeepAliveClosesDeadConnection(t *testing.T) {
	client := startServer(t, func(ssh.NewChannel) {})
	tr := newSSHTransport(client, 50*time.Millisecond)

	// A refused keepalive proves the peer is alive.
	time.Sleep(200 * time.Millisecond)
	select {
	case <-tr.stop:
		t.Fatal("keepalive closed a live connection")
	default:
	}

	client.Close()
	deadline := time.After(3 * time.Second)
	select {
	case <-tr.stop:
	case <-deadline:
		t.Fatal("keepalive did not notice the closed connection")
	}
}

func TestSSHDialer_SharesAgentConnection(t *testing.T) {
	sock := t.TempDir() + "/agent.sock"
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	t.Setenv("SSH_AUTH_SOCK", sock)

	d := NewSSHDialer(DialOptions{}, testLog())
	for i := 0; i < 3; i++ {
		if _, err := d.authMethods(""); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("agent was never dialed")
	}
	select {
	case <-accepted:
		t.Error("expected a single agent connection across dials")
	case <-time.After(100 * time.Millisecond):
	}

	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
