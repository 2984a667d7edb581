package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultDialTimeout bounds the TCP connect and SSH handshake
const DefaultDialTimeout = 10 * time.Second

// SSHConfig configures remote execution
type SSHConfig struct {
	KeyPath               string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	DialTimeout           time.Duration
}

// SSHExecutor runs commands on ssh targets with public key auth
type SSHExecutor struct {
	signer          ssh.Signer
	hostKeyCallback ssh.HostKeyCallback
	dialTimeout     time.Duration
}

// NewSSHExecutor loads the private key and known_hosts file named in cfg
func NewSSHExecutor(cfg SSHConfig) (*SSHExecutor, error) {
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("ssh key_path is required")
	}

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	var callback ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsPath != "":
		callback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	case cfg.InsecureIgnoreHostKey:
		callback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, fmt.Errorf("ssh known_hosts_path is required unless insecure_ignore_host_key is set")
	}

	return NewSSHExecutorWithSigner(signer, callback, cfg.DialTimeout), nil
}

// NewSSHExecutorWithSigner creates an executor from an already loaded key
func NewSSHExecutorWithSigner(signer ssh.Signer, hostKeyCallback ssh.HostKeyCallback, dialTimeout time.Duration) *SSHExecutor {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &SSHExecutor{
		signer:          signer,
		hostKeyCallback: hostKeyCallback,
		dialTimeout:     dialTimeout,
	}
}

// Run executes req.Command on req.Target
func (e *SSHExecutor) Run(ctx context.Context, req Request) (int, error) {
	port := req.Target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(req.Target.Host, strconv.Itoa(port))

	client, err := e.dial(ctx, addr, req.Target.Username)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	session.Stdout = req.Stdout
	session.Stderr = req.Stderr

	// Closing the client unblocks session.Run when ctx ends first
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	err = session.Run(req.Command)
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("ssh execution failed: %w", err)
	}
	return 0, nil
}

func (e *SSHExecutor) dial(ctx context.Context, addr, user string) (*ssh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: e.hostKeyCallback,
		Timeout:         e.dialTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}
