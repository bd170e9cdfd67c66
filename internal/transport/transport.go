// Package transport implements the Unix domain socket shell around one
// sync session: the server side accepts exactly one peer and detects a
// stale socket file left behind by a crashed previous run, and the client
// side reconnects with exponential backoff. Neither side knows anything
// about frames, selections, or echo-guarding — that is internal/syncengine's
// job once a net.Conn exists.
//
// Grounded on original_source's server_socket.py (check_socket_state,
// cleanup_socket) and client_retry.py (tenacity exponential backoff), and on
// the teacher's cmd/suffuse/client.go connectLoop for the Go rendering of
// the same backoff shape.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"
)

// ErrSocketBusy is returned by Server.Listen when the socket path is already
// bound by a live server.
var ErrSocketBusy = errors.New("transport: socket already in use by an active server")

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// Server listens on a single Unix domain socket and accepts exactly one
// peer connection per Listen call, per spec.md §4.E.
type Server struct {
	path string
	ln   net.Listener
}

// NewServer returns a Server bound to path. Call Listen before Accept.
func NewServer(path string) *Server { return &Server{path: path} }

// Listen prepares the socket at s.path, first checking for and clearing a
// stale socket file left by a previous, no-longer-running server, per
// original_source server_socket.py:check_socket_state. Returns ErrSocketBusy
// if an active server already owns the path.
func (s *Server) Listen() error {
	if err := checkSocketState(s.path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.path, err)
	}
	s.ln = ln
	return nil
}

// checkSocketState probes an existing socket file at path to tell a stale
// file (server crashed without cleanup) from an active server. A stale file
// is unlinked so net.Listen can reuse the path.
func checkSocketState(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("transport: stat %s: %w", path, err)
	}

	probe, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		probe.Close()
		return ErrSocketBusy
	}
	if isConnRefused(err) {
		slog.Debug("transport: removing stale socket", "path", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("transport: remove stale socket %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("transport: probe %s: %w", path, err)
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Accept blocks for exactly one connection and then closes the listener, so
// a second remote peer cannot attach mid-session (spec.md Non-goal: more
// than two peers). Call Close if ctx is cancelled before a peer connects.
func (s *Server) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := s.ln.Accept()
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		s.ln.Close()
		return nil, ctx.Err()
	case r := <-done:
		s.ln.Close()
		if r.err != nil {
			return nil, fmt.Errorf("transport: accept: %w", r.err)
		}
		return r.conn, nil
	}
}

// Close removes the socket file. Safe to call even if Listen was never
// called or already failed.
func (s *Server) Close() {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("transport: failed to remove socket file", "path", s.path, "err", err)
	}
}

// Client reconnects to a Unix domain socket with exponential backoff.
type Client struct {
	path string
}

// NewClient returns a Client that will dial path.
func NewClient(path string) *Client { return &Client{path: path} }

// Dial attempts one connection immediately, then retries with exponential
// backoff (1s initial, x2, capped at 60s, unbounded attempts) until it
// succeeds or ctx is cancelled, per spec.md §4.E and
// original_source client_retry.py's tenacity configuration. beforeAttempt is
// called immediately before every dial attempt, including the first, so the
// caller can reset echo-guard state (invariant E3).
func (c *Client) Dial(ctx context.Context, beforeAttempt func()) (net.Conn, error) {
	delay := initialBackoff
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if beforeAttempt != nil {
			beforeAttempt()
		}

		conn, err := net.Dial("unix", c.path)
		if err == nil {
			return conn, nil
		}

		slog.Warn("transport: connect failed", "path", c.path, "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= backoffFactor
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}
