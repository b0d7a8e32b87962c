// Package sshpool maintains the bounded set of authenticated SSH
// sessions every other component leases connections from. It is the
// only mutable shared resource in the core; it is constructed once at
// startup and passed in explicitly.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/keyspider/go-api/keyspider/config"
	"github.com/keyspider/go-api/keyspider/sftpio"
)

// Pool error kinds, matched with errors.Is.
var (
	ErrConnectFailed = errors.New("ssh connect failed")
	ErrAuthFailed    = errors.New("ssh authentication failed")
	ErrPoolExhausted = errors.New("ssh pool exhausted")
	ErrTimeout       = errors.New("ssh operation timed out")
)

const (
	dialMaxAttempts  = 3
	backoffBase      = time.Second
	backoffCap       = 30 * time.Second
	probeTimeout     = 5 * time.Second
)

// Conn is one live SSH session. The production implementation wraps
// *ssh.Client; tests substitute fakes.
type Conn interface {
	// Run executes a command and returns combined stdout.
	Run(ctx context.Context, cmd string) (string, error)
	// Ping sends a cheap keepalive to verify liveness.
	Ping(ctx context.Context) error
	// SFTP opens an SFTP session on this connection.
	SFTP() (sftpio.Client, error)
	Close() error
}

// Dialer establishes SSH connections. Swapped for a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Lease is a checked-out connection. The ID makes release and close
// unambiguous even with several leases against the same server.
type Lease struct {
	ID   string
	Addr string
	Conn Conn
}

type pooledConn struct {
	conn     Conn
	lastUsed time.Time
}

type serverSlot struct {
	sem  *semaphore.Weighted
	idle []*pooledConn
}

// Pool is the bounded SSH session pool.
type Pool struct {
	cfg    config.SSHConfig
	dialer Dialer

	global *semaphore.Weighted

	mu    sync.Mutex
	slots map[string]*serverSlot
}

// New builds a pool using the real SSH dialer.
func New(cfg config.SSHConfig) *Pool {
	return NewWithDialer(cfg, &sshDialer{cfg: cfg})
}

// NewWithDialer builds a pool with an injected dialer.
func NewWithDialer(cfg config.SSHConfig, d Dialer) *Pool {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 50
	}
	if cfg.MaxPerServer <= 0 {
		cfg.MaxPerServer = 3
	}
	return &Pool{
		cfg:    cfg,
		dialer: d,
		global: semaphore.NewWeighted(int64(cfg.MaxTotal)),
		slots:  make(map[string]*serverSlot),
	}
}

func (p *Pool) slot(addr string) *serverSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[addr]
	if !ok {
		s = &serverSlot{sem: semaphore.NewWeighted(int64(p.cfg.MaxPerServer))}
		p.slots[addr] = s
	}
	return s
}

// Acquire leases a connection to addr ("host:port"), waiting in FIFO
// order behind the per-server and global caps up to the configured
// acquire wait.
func (p *Pool) Acquire(ctx context.Context, addr string) (*Lease, error) {
	if p.cfg.AcquireWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireWait)
		defer cancel()
	}

	slot := p.slot(addr)

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("per-server cap for %s: %w", addr, ErrPoolExhausted)
	}
	if err := p.global.Acquire(ctx, 1); err != nil {
		slot.sem.Release(1)
		return nil, fmt.Errorf("global cap: %w", ErrPoolExhausted)
	}

	lease, err := p.checkout(ctx, addr, slot)
	if err != nil {
		slot.sem.Release(1)
		p.global.Release(1)
		return nil, err
	}
	return lease, nil
}

// checkout reuses an idle connection when one passes its health probe,
// otherwise dials. Probes and dials run outside the pool lock so an
// unhealthy remote never stalls lessors for other hosts.
func (p *Pool) checkout(ctx context.Context, addr string, slot *serverSlot) (*Lease, error) {
	for {
		p.mu.Lock()
		var pc *pooledConn
		if n := len(slot.idle); n > 0 {
			pc = slot.idle[n-1]
			slot.idle = slot.idle[:n-1]
		}
		p.mu.Unlock()

		if pc == nil {
			break
		}

		if p.cfg.IdleTTL > 0 && time.Since(pc.lastUsed) > p.cfg.IdleTTL {
			pc.conn.Close()
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := pc.conn.Ping(probeCtx)
		cancel()
		if err != nil {
			slog.Debug("Idle connection failed probe, redialing", "addr", addr, "error", err)
			pc.conn.Close()
			continue
		}

		return &Lease{ID: uuid.NewString(), Addr: addr, Conn: pc.conn}, nil
	}

	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Lease{ID: uuid.NewString(), Addr: addr, Conn: conn}, nil
}

// dial connects with exponential backoff and full jitter. Auth
// failures are not retried.
func (p *Pool) dial(ctx context.Context, addr string) (Conn, error) {
	var lastErr error

	for attempt := 0; attempt < dialMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			delay = time.Duration(rand.Int63n(int64(delay) + 1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("dial %s: %w", addr, ErrTimeout)
			case <-time.After(delay):
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		conn, err := p.dialer.Dial(dialCtx, addr)
		cancel()
		if err == nil {
			return conn, nil
		}

		if isAuthError(err) {
			return nil, fmt.Errorf("dial %s: %v: %w", addr, err, ErrAuthFailed)
		}

		lastErr = err
		slog.Warn("SSH dial attempt failed", "addr", addr, "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %v: %w",
		addr, dialMaxAttempts, lastErr, ErrConnectFailed)
}

// Release returns a leased connection to the idle set.
func (p *Pool) Release(lease *Lease) {
	if lease == nil || lease.Conn == nil {
		return
	}

	slot := p.slot(lease.Addr)

	p.mu.Lock()
	slot.idle = append(slot.idle, &pooledConn{conn: lease.Conn, lastUsed: time.Now()})
	p.mu.Unlock()

	slot.sem.Release(1)
	p.global.Release(1)
	lease.Conn = nil
}

// Discard closes a leased connection instead of returning it, for use
// after a remote error.
func (p *Pool) Discard(lease *Lease) {
	if lease == nil || lease.Conn == nil {
		return
	}

	lease.Conn.Close()
	lease.Conn = nil

	p.slot(lease.Addr).sem.Release(1)
	p.global.Release(1)
}

// CloseAll closes every idle connection. Leased connections are closed
// by their holders via Discard.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	var conns []Conn
	for _, slot := range p.slots {
		for _, pc := range slot.idle {
			conns = append(conns, pc.conn)
		}
		slot.idle = nil
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// CheckReachable reports whether addr accepts an SSH connection from
// the jump host. A single dial attempt, no retries.
func (p *Pool) CheckReachable(ctx context.Context, addr string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	conn, err := p.dialer.Dial(dialCtx, addr)
	if err != nil {
		// A host that answers but rejects our key is still reachable.
		return isAuthError(err)
	}
	conn.Close()
	return true
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") ||
		errors.Is(err, ErrAuthFailed)
}

// sshDialer is the production Dialer over golang.org/x/crypto/ssh.
type sshDialer struct {
	cfg config.SSHConfig

	mu     sync.Mutex
	signer ssh.Signer
}

func (d *sshDialer) clientConfig() (*ssh.ClientConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.signer == nil {
		signer, err := loadSigner(d.cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		d.signer = signer
	}

	user := d.cfg.Username
	if user == "" {
		user = "root"
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.cfg.ConnectTimeout,
	}, nil
}

func (d *sshDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	cc, err := d.clientConfig()
	if err != nil {
		return nil, err
	}

	var nd net.Dialer
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, cc)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}

	return &clientConn{
		client:         ssh.NewClient(sshConn, chans, reqs),
		commandTimeout: d.cfg.CommandTimeout,
	}, nil
}

// clientConn adapts *ssh.Client to Conn.
type clientConn struct {
	client         *ssh.Client
	commandTimeout time.Duration
}

func (c *clientConn) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	timeout := c.commandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(cmd)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return string(r.out), fmt.Errorf("run %q: %w", cmd, r.err)
		}
		return string(r.out), nil
	case <-time.After(timeout):
		session.Close()
		return "", fmt.Errorf("run %q: %w", cmd, ErrTimeout)
	case <-ctx.Done():
		session.Close()
		return "", fmt.Errorf("run %q: %w", cmd, ctx.Err())
	}
}

func (c *clientConn) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *clientConn) SFTP() (sftpio.Client, error) {
	return sftpio.NewClient(c.client)
}

func (c *clientConn) Close() error {
	return c.client.Close()
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	return signer, nil
}
