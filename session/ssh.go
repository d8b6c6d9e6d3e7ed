// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/common/retry/transient"

	"go.openmdao.org/remotetest/hostset"
)

// DefaultKnownHosts is used when SSHDialer.KnownHosts is empty.
const DefaultKnownHosts = "~/.ssh/known_hosts"

// DefaultConnectTimeout is used when SSHDialer.ConnectTimeout is zero.
const DefaultConnectTimeout = 30 * time.Second

// abortWait is how long an aborted command may take to flush its output.
const abortWait = 5 * time.Second

// SSHDialer connects to hosts over SSH.
//
// Keys are taken from the host's identity file, Signers and the local
// ssh-agent (if SSH_AUTH_SOCK is set), in that order.
type SSHDialer struct {
	// KnownHosts is the known_hosts file to verify host keys against.
	KnownHosts string
	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool
	// ConnectTimeout bounds TCP connection and SSH handshake.
	ConnectTimeout time.Duration
	// Signers are additional keys to authenticate with.
	Signers []ssh.Signer
	// TransportLog, if set, receives transport level diagnostics.
	TransportLog io.Writer

	logOnce sync.Once
	logCtx  context.Context

	pinMu  sync.Mutex
	pinned map[string]ssh.PublicKey // instance => host key
}

var _ Dialer = (*SSHDialer)(nil)

// NewSSHDialer makes a dialer from the "ssh" section of the config.
func NewSSHDialer(cfg hostset.SSHConfig, transportLog io.Writer) *SSHDialer {
	return &SSHDialer{
		KnownHosts:            cfg.KnownHosts,
		InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
		ConnectTimeout:        cfg.ConnectTimeout,
		TransportLog:          transportLog,
	}
}

// tlog returns a context that logs to the transport log.
func (d *SSHDialer) tlog() context.Context {
	d.logOnce.Do(func() {
		out := d.TransportLog
		if out == nil {
			out = io.Discard
		}
		d.logCtx = (&gologger.LoggerConfig{
			Out:    out,
			Format: "[%{time:15:04:05.000}] %{level:.1s} %{message}",
		}).Use(context.Background())
		d.logCtx = logging.SetLevel(d.logCtx, logging.Debug)
	})
	return d.logCtx
}

// Dial implements Dialer.
func (d *SSHDialer) Dial(ctx context.Context, host *hostset.Host) (Client, error) {
	tctx := d.tlog()
	if host.Address == "" {
		return nil, errors.Reason("%s has no address", host).Err()
	}

	cfg, closeAgent, err := d.clientConfig(tctx, host)
	if err != nil {
		return nil, err
	}
	// Remember why the host key was rejected, the handshake error doesn't
	// carry it.
	var keyErr error
	verify := cfg.HostKeyCallback
	cfg.HostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := verify(hostname, remote, key); err != nil {
			keyErr = err
			return err
		}
		return nil
	}
	closeOnErr := func() {
		if closeAgent != nil {
			closeAgent()
		}
	}

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	addr := host.HostPort()
	logging.Debugf(tctx, "%s: dialing %s as %s", host, addr, cfg.User)
	nc, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		closeOnErr()
		logging.Debugf(tctx, "%s: %s", host, err)
		return nil, transient.Tag.Apply(errors.Annotate(err, "dialing %s", addr).Err())
	}

	// The handshake doesn't take a context. Bound it with a deadline instead.
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = nc.SetDeadline(deadline)
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		closeOnErr()
		logging.Debugf(tctx, "%s: handshake: %s", host, err)
		if keyErr != nil {
			return nil, errors.Annotate(keyErr, "ssh handshake with %s", addr).Err()
		}
		// Booting instances refuse or drop connections for a while.
		return nil, transient.Tag.Apply(errors.Annotate(err, "ssh handshake with %s", addr).Err())
	}
	_ = nc.SetDeadline(time.Time{})
	logging.Debugf(tctx, "%s: connected, server %q", host, sc.ServerVersion())

	return &sshClient{
		host:       host.String(),
		client:     ssh.NewClient(sc, chans, reqs),
		closeAgent: closeAgent,
		tctx:       tctx,
	}, nil
}

// Probe checks the host accepts SSH connections.
//
// Network and handshake failures are tagged as transient, configuration
// problems and rejected host keys are not.
func (d *SSHDialer) Probe(ctx context.Context, host *hostset.Host) error {
	c, err := d.Dial(ctx, host)
	if err != nil {
		return err
	}
	return c.Close()
}

// clientConfig builds the SSH client config for the host.
//
// The returned function, if not nil, closes the agent connection.
func (d *SSHDialer) clientConfig(ctx context.Context, host *hostset.Host) (*ssh.ClientConfig, func(), error) {
	hostKeyCallback, err := d.hostKeyCallback(ctx, host)
	if err != nil {
		return nil, nil, err
	}

	signers := make([]ssh.Signer, 0, len(d.Signers)+1)
	if host.Identity != "" {
		s, err := loadIdentity(host.Identity)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if !errors.As(err, &missing) {
				return nil, nil, err
			}
			// Encrypted keys are served by the agent.
			logging.Debugf(ctx, "%s: %s is encrypted, relying on ssh-agent", host, host.Identity)
		} else {
			signers = append(signers, s)
		}
	}
	signers = append(signers, d.Signers...)

	var closeAgent func()
	methods := []ssh.AuthMethod{}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err != nil {
			logging.Debugf(ctx, "ssh-agent at %s is unreachable: %s", sock, err)
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { conn.Close() }
		}
	}
	if len(methods) == 0 {
		return nil, nil, errors.Reason("%s: no identity file and no ssh-agent", host).Err()
	}

	return &ssh.ClientConfig{
		User:            host.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
	}, closeAgent, nil
}

func (d *SSHDialer) hostKeyCallback(ctx context.Context, host *hostset.Host) (ssh.HostKeyCallback, error) {
	if d.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if host.Lifecycle == hostset.Provisioned {
		return d.pinnedHostKey(ctx, host), nil
	}
	path := d.KnownHosts
	if path == "" {
		path = DefaultKnownHosts
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Annotate(err, "expanding %q", d.KnownHosts).Err()
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.Annotate(err, "loading known hosts").Err()
	}
	return cb, nil
}

// pinnedHostKey accepts the first host key a cloud instance presents and
// requires the same key on later connections to it.
//
// Instances are launched from scratch, so known_hosts can't list them, and
// their addresses are recycled.
func (d *SSHDialer) pinnedHostKey(ctx context.Context, host *hostset.Host) ssh.HostKeyCallback {
	id := host.InstanceID
	if id == "" {
		id = host.HostPort()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		d.pinMu.Lock()
		defer d.pinMu.Unlock()
		known, ok := d.pinned[id]
		if !ok {
			if d.pinned == nil {
				d.pinned = map[string]ssh.PublicKey{}
			}
			d.pinned[id] = key
			logging.Debugf(ctx, "%s: pinned %s host key %s", host, key.Type(), ssh.FingerprintSHA256(key))
			return nil
		}
		if !bytes.Equal(known.Marshal(), key.Marshal()) {
			return errors.Reason("host key of %s changed from %s to %s",
				host, ssh.FingerprintSHA256(known), ssh.FingerprintSHA256(key)).Err()
		}
		return nil
	}
}

func loadIdentity(path string) (ssh.Signer, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Annotate(err, "expanding %q", path).Err()
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading identity").Err()
	}
	s, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, errors.Annotate(err, "parsing identity %q", path).Err()
	}
	return s, nil
}

// sshClient is a Client over an established SSH connection.
type sshClient struct {
	host       string
	client     *ssh.Client
	closeAgent func()
	tctx       context.Context
	closeOnce  sync.Once
	closeErr   error
}

// Run implements Client.
func (c *sshClient) Run(ctx context.Context, cmd string, stdin io.Reader, out io.Writer) (int, error) {
	s, err := c.client.NewSession()
	if err != nil {
		return InfraFailureCode, errors.Annotate(err, "opening session").Err()
	}
	defer s.Close()

	if out == nil {
		out = io.Discard
	}
	w := &syncWriter{w: out}
	s.Stdin = stdin
	s.Stdout = w
	s.Stderr = w

	logging.Debugf(c.tctx, "%s: exec %s", c.host, cmd)
	if err := s.Start(cmd); err != nil {
		return InfraFailureCode, errors.Annotate(err, "starting %q", cmd).Err()
	}

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		logging.Debugf(c.tctx, "%s: aborting %q: %s", c.host, cmd, ctx.Err())
		_ = s.Signal(ssh.SIGKILL)
		_ = s.Close()
		select {
		case <-done:
		case <-clock.After(context.WithoutCancel(ctx), abortWait):
			logging.Debugf(c.tctx, "%s: output of %q still streaming", c.host, cmd)
		}
		// `out` belongs to the caller once Run returns.
		w.detach()
		return InfraFailureCode, ctx.Err()
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		logging.Debugf(c.tctx, "%s: exit 0", c.host)
		return 0, nil
	case errors.As(err, &exitErr):
		logging.Debugf(c.tctx, "%s: exit %d", c.host, exitErr.ExitStatus())
		return exitErr.ExitStatus(), nil
	default:
		logging.Debugf(c.tctx, "%s: %s", c.host, err)
		return InfraFailureCode, errors.Annotate(err, "running %q", cmd).Err()
	}
}

// Close implements Client.
func (c *sshClient) Close() error {
	c.closeOnce.Do(func() {
		logging.Debugf(c.tctx, "%s: closing connection", c.host)
		c.closeErr = c.client.Close()
		if c.closeAgent != nil {
			c.closeAgent()
		}
	})
	return c.closeErr
}

// syncWriter serializes writes of stdout and stderr into one writer.
type syncWriter struct {
	m sync.Mutex
	w io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.w.Write(p)
}

// detach drops all later writes.
func (s *syncWriter) detach() {
	s.m.Lock()
	defer s.m.Unlock()
	s.w = io.Discard
}
