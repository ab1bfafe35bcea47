package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Target identifies the SSH endpoint of a host.
type Target struct {
	Address string
	Port    int
	User    string
	KeyPath string
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

// Dialer opens a Transport to a target.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Transport, error)
}

// DialOptions configures SSHDialer.
type DialOptions struct {
	Timeout        time.Duration
	Attempts       int
	KnownHostsFile string
	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool
	// KeepAlive is the interval between keepalive requests. A connection
	// that does not answer within one interval is closed. Zero disables.
	KeepAlive time.Duration
}

// killGrace is how long a command gets to wind down after its deadline
// before the whole connection is treated as lost.
const killGrace = 5 * time.Second

// SSHDialer dials targets with golang.org/x/crypto/ssh. It holds at most
// one ssh-agent connection, shared by every dial; Close releases it.
type SSHDialer struct {
	opts DialOptions
	log  *logrus.Entry

	agentOnce sync.Once
	agentConn net.Conn
	agent     agent.ExtendedAgent
}

// NewSSHDialer returns a dialer using opts.
func NewSSHDialer(opts DialOptions, log *logrus.Entry) *SSHDialer {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	return &SSHDialer{opts: opts, log: log}
}

// Close releases the ssh-agent connection, if one was opened.
func (d *SSHDialer) Close() error {
	if d.agentConn == nil {
		return nil
	}
	return d.agentConn.Close()
}

// Dial connects to t, retrying with exponential backoff up to the
// configured number of attempts.
func (d *SSHDialer) Dial(ctx context.Context, t Target) (Transport, error) {
	cfg, err := d.clientConfig(t)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
		client, err := d.dialOnce(ctx, t, cfg)
		if err == nil {
			return newSSHTransport(client, d.opts.KeepAlive), nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == d.opts.Attempts {
			break
		}

		backoff := calcBackoff(attempt)
		d.log.WithFields(logrus.Fields{
			"target":  t.addr(),
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Warnf("ssh dial failed: %v", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("dial %s: %w", t.addr(), lastErr)
}

func (d *SSHDialer) dialOnce(ctx context.Context, t Target, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	nd := net.Dialer{Timeout: d.opts.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return nil, err
	}

	// Bound the handshake; the deadline is lifted once the client is up.
	_ = conn.SetDeadline(time.Now().Add(d.opts.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func (d *SSHDialer) clientConfig(t Target) (*ssh.ClientConfig, error) {
	auth, err := d.authMethods(t.KeyPath)
	if err != nil {
		return nil, err
	}

	hostKey, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	user := t.User
	if user == "" {
		user = "root"
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.opts.Timeout,
	}, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.opts.InsecureIgnoreHostKey {
		d.log.Warn("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := d.opts.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

func (d *SSHDialer) authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if keyPath != "" {
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if ag := d.sshAgent(); ag != nil {
		methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials: set a key path or run an ssh agent")
	}
	return methods, nil
}

// sshAgent connects to SSH_AUTH_SOCK on first use.
func (d *SSHDialer) sshAgent() agent.ExtendedAgent {
	d.agentOnce.Do(func() {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			d.log.WithError(err).Warn("ssh agent unavailable")
			return
		}
		d.agentConn = conn
		d.agent = agent.NewClient(conn)
	})
	return d.agent
}

// sshTransport runs each command in its own session over one client
// connection.
type sshTransport struct {
	client *ssh.Client
	grace  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func newSSHTransport(client *ssh.Client, keepAlive time.Duration) *sshTransport {
	t := &sshTransport{
		client: client,
		grace:  killGrace,
		stop:   make(chan struct{}),
	}
	if keepAlive > 0 {
		go t.keepAlive(keepAlive)
	}
	return t
}

type execResult struct {
	res Result
	err error
}

// Exec opens a session and runs command, both bound by ctx. If the
// session cannot even be opened before ctx ends, or a killed command
// does not wind down within the grace period, the connection is closed
// and ErrConnectionLost returned.
func (t *sshTransport) Exec(ctx context.Context, command string) (Result, error) {
	var (
		mu      sync.Mutex
		running *ssh.Session
	)
	done := make(chan execResult, 1)

	go func() {
		sess, err := t.client.NewSession()
		if err != nil {
			done <- execResult{err: fmt.Errorf("%w: open session: %v", ErrConnectionLost, err)}
			return
		}
		defer sess.Close()

		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			done <- execResult{err: ctx.Err()}
			return
		}
		running = sess
		mu.Unlock()

		done <- runSession(sess, command)
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
	}

	mu.Lock()
	sess := running
	mu.Unlock()

	if sess != nil {
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
	}
	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, ErrConnectionLost) {
			return Result{}, r.err
		}
		return Result{}, ctx.Err()
	case <-time.After(t.grace):
	}

	_ = t.Close()
	return Result{}, fmt.Errorf("%w: %s unresponsive: %v", ErrConnectionLost, t.client.RemoteAddr(), ctx.Err())
}

func runSession(sess *ssh.Session, command string) execResult {
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	start := time.Now()
	if err := sess.Start(command); err != nil {
		return execResult{err: fmt.Errorf("%w: start command: %v", ErrConnectionLost, err)}
	}
	err := sess.Wait()

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return execResult{res: res}
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return execResult{res: res}
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		res.ExitCode = -1
		return execResult{res: res}
	}
	return execResult{err: fmt.Errorf("%w: %v", ErrConnectionLost, err)}
}

// keepAlive closes the client when a keepalive request goes unanswered
// for a full interval. A refused request still proves the peer is alive.
func (t *sshTransport) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		reply := make(chan error, 1)
		go func() {
			_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
			reply <- err
		}()

		select {
		case <-t.stop:
			return
		case err := <-reply:
			if err != nil {
				_ = t.Close()
				return
			}
		case <-time.After(interval):
			_ = t.Close()
			return
		}
	}
}

func (t *sshTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		if t.stop != nil {
			close(t.stop)
		}
		err = t.client.Close()
	})
	return err
}
