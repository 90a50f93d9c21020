// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTransport implements Transport over a two-hop SSH session:
// local to bastion, bastion to compute node. It encapsulates the
// underlying ssh library entirely; callers see only the Transport
// contract.
type SSHTransport struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	bastionConn *ssh.Client
	nodeConn    *ssh.Client
	lastFailure bool // true once one consecutive failure has already been absorbed
}

// NewSSHTransport constructs a transport for one node. Connect must
// be called before use.
func NewSSHTransport(cfg Config, logger *slog.Logger) *SSHTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHTransport{cfg: cfg, logger: logger}
}

var _ Transport = (*SSHTransport)(nil)

func (t *SSHTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked(ctx)
}

func (t *SSHTransport) connectLocked(ctx context.Context) error {
	t.closeLocked()

	budget := t.cfg.ConnectBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	reconnectBudget := t.cfg.ReconnectBudget
	if reconnectBudget <= 0 {
		reconnectBudget = 3
	}

	clientConfig := &ssh.ClientConfig{
		User:            t.cfg.RemoteUser,
		Auth:            []ssh.AuthMethod{ssh.Password(t.cfg.RemoteSecret)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         budget,
		ClientVersion:   "SSH-2.0-dispatchd",
	}

	var lastErr error
	for attempt := 0; attempt < reconnectBudget; attempt++ {
		bastion, err := t.dialBastion(ctx, budget)
		if err != nil {
			lastErr = err
			t.backoff(attempt)
			continue
		}

		nodeConn, err := t.dialThroughBastion(bastion, clientConfig)
		if err != nil {
			_ = bastion.Close()
			lastErr = err
			t.backoff(attempt)
			continue
		}

		t.bastionConn = bastion
		t.nodeConn = nodeConn
		t.lastFailure = false
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("exhausted reconnect budget")
	}
	return fmt.Errorf("connect transport: %w", lastErr)
}

func (t *SSHTransport) dialBastion(ctx context.Context, budget time.Duration) (*ssh.Client, error) {
	bastionCfg := &ssh.ClientConfig{
		User:            t.cfg.BastionUser,
		Auth:            []ssh.AuthMethod{ssh.Password(t.cfg.RemoteSecret)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         budget,
	}

	addrs := []string{t.cfg.BastionAddress}
	if t.cfg.BastionSecondary != "" {
		addrs = append(addrs, t.cfg.BastionSecondary)
	}

	var lastErr error
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		conn, err := net.DialTimeout("tcp", addr, budget)
		if err != nil {
			lastErr = err
			continue
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, bastionCfg)
		if err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		return ssh.NewClient(sshConn, chans, reqs), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no bastion address configured")
	}
	return nil, &ErrBastionUnreachable{Primary: t.cfg.BastionAddress, Secondary: t.cfg.BastionSecondary}
}

func (t *SSHTransport) dialThroughBastion(bastion *ssh.Client, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := bastion.Dial("tcp", t.cfg.NodeAddress)
	if err != nil {
		return nil, fmt.Errorf("dial node through bastion: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, t.cfg.NodeAddress, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("node handshake: %w", err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (t *SSHTransport) backoff(attempt int) {
	d := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	time.Sleep(d)
}

// withReconnect runs fn against the current session; on failure it
// reconnects once and retries, per the "only the second consecutive
// failure is reported" resilience contract.
func (t *SSHTransport) withReconnect(ctx context.Context, fn func() error) error {
	t.mu.Lock()
	connected := t.nodeConn != nil
	t.mu.Unlock()

	if !connected {
		if err := t.Connect(ctx); err != nil {
			return err
		}
	}

	err := fn()
	if err == nil {
		t.mu.Lock()
		t.lastFailure = false
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	alreadyFailed := t.lastFailure
	t.lastFailure = true
	t.mu.Unlock()

	if alreadyFailed {
		return err
	}

	if rerr := t.Connect(ctx); rerr != nil {
		return fmt.Errorf("reconnect after failed op: %w (original: %v)", rerr, err)
	}
	return fn()
}

func (t *SSHTransport) Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	var result ExecResult
	err := t.withReconnect(ctx, func() error {
		t.mu.Lock()
		conn := t.nodeConn
		t.mu.Unlock()
		if conn == nil {
			return errors.New("no node session")
		}

		session, err := conn.NewSession()
		if err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		defer session.Close()

		var stdout, stderr bytes.Buffer
		session.Stdout = &stdout
		session.Stderr = &stderr

		done := make(chan error, 1)
		go func() { done <- session.Run(cmd) }()

		var timer <-chan time.Time
		if timeout > 0 {
			tt := time.NewTimer(timeout)
			defer tt.Stop()
			timer = tt.C
		}

		select {
		case runErr := <-done:
			result.Stdout = stdout.Bytes()
			result.Stderr = stderr.Bytes()
			result.ExitStatus = exitStatusFrom(runErr)
			return nil
		case <-timer:
			_ = session.Signal(ssh.SIGKILL)
			return fmt.Errorf("exec timed out after %s: %s", timeout, truncateForError(cmd))
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			return ctx.Err()
		}
	})
	return result, err
}

func exitStatusFrom(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Signal() != "" {
			return -1
		}
		return exitErr.ExitStatus()
	}
	return -1
}

func truncateForError(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func (t *SSHTransport) PutFile(ctx context.Context, localBytes []byte, remotePath string) error {
	encoded := base64.StdEncoding.EncodeToString(localBytes)
	cmd := fmt.Sprintf("mkdir -p $(dirname %s) && base64 -d > %s <<'DISPATCHD_EOF'\n%s\nDISPATCHD_EOF", shellQuote(remotePath), shellQuote(remotePath), encoded)
	res, err := t.Exec(ctx, cmd, 60*time.Second)
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return fmt.Errorf("put_file failed (exit %d): %s", res.ExitStatus, string(res.Stderr))
	}
	return nil
}

func (t *SSHTransport) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	cmd := fmt.Sprintf("base64 %s", shellQuote(remotePath))
	res, err := t.Exec(ctx, cmd, 60*time.Second)
	if err != nil {
		return nil, err
	}
	if res.ExitStatus != 0 {
		return nil, fmt.Errorf("read_file failed (exit %d): %s", res.ExitStatus, string(res.Stderr))
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(res.Stdout)))
	if err != nil {
		return nil, fmt.Errorf("decode remote file: %w", err)
	}
	return decoded, nil
}

func (t *SSHTransport) IsAlivePID(ctx context.Context, pid int) (bool, error) {
	cmd := fmt.Sprintf("kill -0 %d", pid)
	res, err := t.Exec(ctx, cmd, 10*time.Second)
	if err != nil {
		return false, err
	}
	return res.ExitStatus == 0, nil
}

func (t *SSHTransport) KillPID(ctx context.Context, pid int) error {
	for _, sig := range []string{"TERM", "TERM", "KILL"} {
		cmd := fmt.Sprintf("kill -%s %d 2>/dev/null; sleep 0.2; kill -0 %d", sig, pid, pid)
		res, err := t.Exec(ctx, cmd, 10*time.Second)
		if err != nil {
			return err
		}
		if res.ExitStatus != 0 {
			// kill -0 failed: process no longer observable.
			return nil
		}
	}
	alive, err := t.IsAlivePID(ctx, pid)
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("pid %d still observable after kill escalation", pid)
	}
	return nil
}

func (t *SSHTransport) IsChannelAlive(ctx context.Context) bool {
	t.mu.Lock()
	conn := t.nodeConn
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	_, _, err := conn.SendRequest("keepalive@dispatchd", true, nil)
	return err == nil
}

func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *SSHTransport) closeLocked() error {
	var firstErr error
	if t.nodeConn != nil {
		if err := t.nodeConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.nodeConn = nil
	}
	if t.bastionConn != nil {
		if err := t.bastionConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.bastionConn = nil
	}
	return firstErr
}

// StartKeepAlive runs a background keep-alive loop until ctx is
// cancelled, per the resilience contract's fixed-interval frames.
func (t *SSHTransport) StartKeepAlive(ctx context.Context) {
	interval := t.cfg.KeepAlive
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !t.IsChannelAlive(ctx) {
					t.logger.Warn("keepalive detected dead channel", "node_address", t.cfg.NodeAddress)
				}
			}
		}
	}()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
