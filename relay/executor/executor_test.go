package executor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-svc/app/domains"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestLocalExecutorCapturesOutputAndExitCode(t *testing.T) {
	exec := NewLocalExecutor(nil)
	var stdout, stderr bytes.Buffer

	code, err := exec.Run(context.Background(), Request{Command: "echo hi; echo oops >&2; exit 3", Stdout: &stdout, Stderr: &stderr})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "hi\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
}

func TestLocalExecutorStopsAtDeadline(t *testing.T) {
	exec := NewLocalExecutor(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := exec.Run(ctx, Request{Command: "sleep 5", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, code)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestSandboxWorkDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	exec := NewLocalExecutor(NewSandbox(dir, []string{"RELAY_TEST_VALUE=42"}))
	var stdout bytes.Buffer

	code, err := exec.Run(context.Background(), Request{Command: "pwd; echo $RELAY_TEST_VALUE", Stdout: &stdout, Stderr: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, lines[0])
	assert.Equal(t, "42", lines[1])
}

type recordingExecutor struct{ calls int }

func (r *recordingExecutor) Run(context.Context, Request) (int, error) {
	r.calls++
	return 0, nil
}

func TestMuxDispatchesByTarget(t *testing.T) {
	local, remote := &recordingExecutor{}, &recordingExecutor{}
	mux := NewMux(local, remote)

	_, err := mux.Run(context.Background(), Request{Target: domains.Target{Type: domains.TargetLocal}})
	require.NoError(t, err)
	_, err = mux.Run(context.Background(), Request{Target: domains.Target{Type: domains.TargetSSH}})
	require.NoError(t, err)
	assert.Equal(t, 1, local.calls)
	assert.Equal(t, 1, remote.calls)

	_, err = NewMux(local, nil).Run(context.Background(), Request{Target: domains.Target{Type: domains.TargetSSH}})
	assert.ErrorContains(t, err, "ssh execution is not configured")
}

func TestOutputBufferIsCumulativeAndCapped(t *testing.T) {
	buf := NewOutputBuffer(8)

	fmt.Fprint(buf.Stdout(), "abc")
	fmt.Fprint(buf.Stdout(), "def")
	fmt.Fprint(buf.Stderr(), "x")
	stdout, stderr, v1 := buf.Snapshot()
	assert.Equal(t, "abcdef", stdout)
	assert.Equal(t, "x", stderr)
	assert.False(t, buf.Truncated())

	n, err := buf.Stdout().Write([]byte("ghijk"))
	require.NoError(t, err)
	assert.Equal(t, 5, n, "writers never fail at the cap")

	stdout, _, v2 := buf.Snapshot()
	assert.Equal(t, "abcdefgh", stdout)
	assert.True(t, buf.Truncated())
	assert.NotEqual(t, v1, v2)
}

func TestOutputBufferFlushesOnlyOnChange(t *testing.T) {
	buf := NewOutputBuffer(0)

	var mu sync.Mutex
	var flushes []string
	buf.StartFlushing(context.Background(), 10*time.Millisecond, func(_ context.Context, stdout, _ string) {
		mu.Lock()
		flushes = append(flushes, stdout)
		mu.Unlock()
	})

	fmt.Fprint(buf.Stdout(), "one\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	fmt.Fprint(buf.Stdout(), "two\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 2
	}, time.Second, 5*time.Millisecond)
	buf.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one\n", "one\ntwo\n"}, flushes)
}

// startSSHServer runs a minimal exec-only SSH server that accepts clientKey
// for user "ops". "hello" prints to stdout; "fail" prints to stderr and
// exits 7.
func startSSHServer(t *testing.T, clientKey ssh.PublicKey) (string, ssh.PublicKey) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == "ops" && bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg)
		}
	}()

	return ln.Addr().String(), hostSigner.PublicKey()
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				var status uint32
				switch payload.Command {
				case "hello":
					fmt.Fprint(ch, "hello\n")
				default:
					fmt.Fprint(ch.Stderr(), "bad\n")
					status = 7
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return path, signer.PublicKey()
}

func writeKnownHosts(t *testing.T, addr string, key ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, []byte(knownhosts.Line([]string{addr}, key)+"\n"), 0600))
	return path
}

func sshTarget(t *testing.T, addr string) domains.Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscan(portStr, &port)
	require.NoError(t, err)
	return domains.Target{Type: domains.TargetSSH, Host: host, Port: port, Username: "ops"}
}

func TestSSHExecutorRunsRemoteCommands(t *testing.T) {
	keyPath, clientPub := writeClientKey(t)
	addr, hostKey := startSSHServer(t, clientPub)

	exec, err := NewSSHExecutor(SSHConfig{KeyPath: keyPath, KnownHostsPath: writeKnownHosts(t, addr, hostKey)})
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	code, err := exec.Run(context.Background(), Request{Command: "hello", Target: sshTarget(t, addr), Stdout: &stdout, Stderr: &stderr})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", stdout.String())

	stdout.Reset()
	code, err = exec.Run(context.Background(), Request{Command: "fail", Target: sshTarget(t, addr), Stdout: &stdout, Stderr: &stderr})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, "bad\n", stderr.String())
}

func TestSSHExecutorRejectsUnknownHostKey(t *testing.T) {
	keyPath, clientPub := writeClientKey(t)
	addr, _ := startSSHServer(t, clientPub)
	_, otherHostKey := writeClientKey(t)

	exec, err := NewSSHExecutor(SSHConfig{KeyPath: keyPath, KnownHostsPath: writeKnownHosts(t, addr, otherHostKey)})
	require.NoError(t, err)

	code, err := exec.Run(context.Background(), Request{Command: "hello", Target: sshTarget(t, addr), Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	assert.Error(t, err)
	assert.Equal(t, -1, code)
}

func TestNewSSHExecutorRequiresHostVerification(t *testing.T) {
	keyPath, _ := writeClientKey(t)

	_, err := NewSSHExecutor(SSHConfig{KeyPath: keyPath})
	assert.ErrorContains(t, err, "known_hosts_path is required")

	_, err = NewSSHExecutor(SSHConfig{KeyPath: keyPath, InsecureIgnoreHostKey: true})
	assert.NoError(t, err)

	_, err = NewSSHExecutor(SSHConfig{})
	assert.ErrorContains(t, err, "key_path is required")
}
