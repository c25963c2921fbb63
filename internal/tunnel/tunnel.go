// Package tunnel keeps a reverse SSH tunnel open from a public host back to
// the dispatcher's local HTTP listener, reconnecting whenever the
// connection drops. It stands in for the spec's out-of-scope proprietary
// tunnel client: golang.org/x/crypto/ssh's reverse port-forwarding gives the
// same "close -> reconnect" shape with a real, idiomatic Go dependency.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/labci/dispatcher/internal/logger"
)

// Config describes the remote host and the local service to expose through
// it.
type Config struct {
	Host          string
	Subdomain     string
	RemotePort    int
	LocalPort     int
	User          string
	Signer        ssh.Signer
	ReconnectWait time.Duration
}

// Supervisor keeps a single reverse tunnel alive for the lifetime of a
// context, reconnecting on any failure.
type Supervisor struct {
	cfg Config
	log logger.Logger

	opened chan struct{}
	once   bool
}

func New(cfg Config, l logger.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, log: l, opened: make(chan struct{})}
}

// Opened returns a channel that is closed the first time the tunnel
// successfully opens. Callers (main wiring) use it to gate starting the
// HTTP server only after the tunnel is reachable, per the spec's
// main-wiring note.
func (s *Supervisor) Opened() <-chan struct{} {
	return s.opened
}

// Run keeps the tunnel open until ctx is cancelled, reconnecting after
// every close or error.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Error("tunnel closed: %v", err)
		} else {
			s.log.Warn("tunnel closed, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectWait()):
		}
	}
}

// reconnectWait is the configured wait (default 5s) plus up to 50% random
// jitter.
func (s *Supervisor) reconnectWait() time.Duration {
	base := 5 * time.Second
	if s.cfg.ReconnectWait > 0 {
		base = s.cfg.ReconnectWait
	}
	return base + time.Duration(rand.Int63n(int64(base)/2+1))
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.cfg.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // proxy host is not the origin of trust; App JWT/webhook HMAC carry authn
		Timeout:         10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", s.cfg.Host, clientCfg)
	if err != nil {
		return fmt.Errorf("dialing tunnel host: %w", err)
	}
	defer conn.Close()

	bindAddr := fmt.Sprintf("%s:%d", s.cfg.Subdomain, s.cfg.RemotePort)
	listener, err := conn.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("requesting remote forward on %s: %w", bindAddr, err)
	}
	defer listener.Close()

	if !s.once {
		s.once = true
		close(s.opened)
	}
	s.log.Notice("tunnel open: %s -> localhost:%d", bindAddr, s.cfg.LocalPort)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		remote, err := listener.Accept()
		if err != nil {
			return err
		}
		go s.forward(remote)
	}
}

func (s *Supervisor) forward(remote net.Conn) {
	defer remote.Close()

	local, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.LocalPort))
	if err != nil {
		s.log.Warn("failed to dial local service for tunnel connection: %v", err)
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(local, remote); done <- struct{}{} }()
	go func() { _, _ = io.Copy(remote, local); done <- struct{}{} }()
	<-done
}
