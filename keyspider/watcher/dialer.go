package watcher

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/keyspider/go-api/keyspider/config"
	"github.com/keyspider/go-api/keyspider/sftpio"
)

// sshTailDialer runs tail commands over dedicated SSH connections. A
// watcher holds exactly one of these connections at a time, separate
// from the crawl pool, so a long-lived tail never occupies a pool slot.
type sshTailDialer struct {
	cfg config.SSHConfig

	mu     sync.Mutex
	signer ssh.Signer
}

// NewSSHTailDialer builds the production tail dialer.
func NewSSHTailDialer(cfg config.SSHConfig) TailDialer {
	return &sshTailDialer{cfg: cfg}
}

func (d *sshTailDialer) clientConfig() (*ssh.ClientConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.signer == nil {
		data, err := os.ReadFile(d.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key %s: %w", d.cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", d.cfg.KeyPath, err)
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

func (d *sshTailDialer) connect(ctx context.Context, addr string) (*ssh.Client, error) {
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
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Start dials addr and launches cmd, streaming its stdout line by line.
func (d *sshTailDialer) Start(ctx context.Context, addr, cmd string) (TailSession, error) {
	client, err := d.connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("new session on %s: %w", addr, err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe on %s: %w", addr, err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("start %q on %s: %w", cmd, addr, err)
	}

	ts := &tailSession{
		client:  client,
		session: session,
		lines:   make(chan string, 1024),
	}

	go func() {
		defer close(ts.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			ts.lines <- scanner.Text()
		}
	}()

	return ts, nil
}

// sftp opens a short-lived SFTP session for the reconnect file-state
// check.
func (d *sshTailDialer) sftp(ctx context.Context, addr string) (sftpio.Client, error) {
	client, err := d.connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	sc, err := sftpio.NewClient(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &closingSFTP{Client: sc, ssh: client}, nil
}

// closingSFTP closes the carrier SSH connection with the SFTP session.
type closingSFTP struct {
	sftpio.Client
	ssh *ssh.Client
}

func (c *closingSFTP) Close() error {
	err := c.Client.Close()
	c.ssh.Close()
	return err
}

type tailSession struct {
	client  *ssh.Client
	session *ssh.Session
	lines   chan string
}

func (t *tailSession) Lines() <-chan string {
	return t.lines
}

func (t *tailSession) Close() error {
	t.session.Close()
	return t.client.Close()
}
