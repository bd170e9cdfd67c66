// Package syncengine bridges one X11 display and one peer connection: it
// watches the display for selection ownership changes and forwards content
// to the peer, and watches the peer stream for frames and applies them to
// the display, enforcing the echo-guard ordering invariants (record-received
// before any set-text; record-sent only after a successful flush; reset on
// reconnect) throughout.
//
// The event loop mirrors the shape of the teacher's other read/write loops
// (tcppeer.Serve, cmd/suffuse/client.go's runSession): dedicated goroutines
// turn blocking I/O into channel sends, and a single loop goroutine is the
// only code that ever mutates Session state.
package syncengine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.klb.dev/pclipsync/internal/echoguard"
	"go.klb.dev/pclipsync/internal/frame"
	"go.klb.dev/pclipsync/internal/xselection"
)

// ReadDeadline bounds how long ReadText waits for a foreign owner to answer
// a conversion request, per spec.md §4.C.
const ReadDeadline = 2 * time.Second

// Adapter is the X11-facing surface the engine depends on. The real
// implementation is *xselection.Adapter; tests use a fake.
type Adapter interface {
	Subscribe(sel xselection.Selection) error
	ReadText(sel xselection.Selection, deadline time.Duration) ([]byte, bool)
	SetText(sel xselection.Selection, payload []byte) bool
	Answer(r xselection.Request)
	MarkForeignOwned(sel xselection.Selection)
	DrainPending() []xselection.Event
	Errs() <-chan error
}

// Session holds everything one engine run needs: the X adapter, the
// echo-guard, and the framed peer connection. The engine goroutine is the
// only code that mutates it.
type Session struct {
	adapter Adapter
	guard   echoguard.Guard
	conn    net.Conn
	reader  *bufio.Reader
}

// NewSession constructs a session bound to an already-open X adapter. The
// peer connection is attached separately via Attach, so one Session (and
// its adapter) can be reused across a client's reconnect attempts.
func NewSession(adapter Adapter) *Session {
	return &Session{adapter: adapter}
}

// Attach binds conn as the session's peer connection, replacing any prior
// one. Call after a successful dial/accept, before Run.
func (s *Session) Attach(conn net.Conn) {
	s.conn = conn
	s.reader = bufio.NewReader(conn)
}

// ResetGuard clears the echo-guard. Callers invoke this before each client
// connection attempt (invariant E3); the server invokes it once, at startup,
// since it accepts exactly one peer per process lifetime.
func (s *Session) ResetGuard() { s.guard.Reset() }

// frameResult is what the peer-reading goroutine sends to the loop.
type frameResult struct {
	payload []byte
	err     error
}

// Engine runs one Session's event loop until the peer connection ends, the
// X connection fails, or ctx is cancelled.
type Engine struct {
	session *Session
}

func NewEngine(s *Session) *Engine { return &Engine{session: s} }

// Run blocks until termination and always returns a non-nil error. A peer
// read error, including io.EOF on a clean hangup, is returned unwrapped (the
// caller decides whether that is a normal server exit or a client reconnect
// trigger); cancellation returns ctx.Err().
func (e *Engine) Run(ctx context.Context, xEvents <-chan struct{}) error {
	s := e.session

	frames := make(chan frameResult, 1)
	go readFrames(s.reader, frames)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-xEvents:
			if err := e.drainX(); err != nil {
				return err
			}

		case err := <-s.adapter.Errs():
			return fmt.Errorf("syncengine: X connection: %w", err)

		case fr := <-frames:
			if fr.err != nil {
				return fr.err
			}
			if err := e.applyIncoming(fr.payload); err != nil {
				return err
			}
			go readFrames(s.reader, frames)
		}
	}
}

// readFrames reads exactly one frame and reports it, so the loop can
// re-arm a fresh goroutine per frame rather than buffering unboundedly.
func readFrames(r *bufio.Reader, out chan<- frameResult) {
	payload, err := frame.ReadFrame(r)
	out <- frameResult{payload: payload, err: err}
}

// drainX handles every event currently queued on the adapter: foreign
// SelectionRequests are answered directly (no echo-guard, no wire traffic),
// and a foreign OwnerChanged on either selection triggers the outbound path.
func (e *Engine) drainX() error {
	s := e.session
	for _, ev := range s.adapter.DrainPending() {
		switch v := ev.(type) {
		case xselection.Request:
			s.adapter.Answer(v)
		case xselection.OwnerChanged:
			if !v.Foreign {
				continue
			}
			s.adapter.MarkForeignOwned(v.Selection)
			if err := e.sendOutgoing(v.Selection); err != nil {
				return err
			}
		}
	}
	return nil
}

// sendOutgoing implements the outbound path of spec.md §4.D: read the new
// owner's text, skip if empty/unreadable/oversized/a known echo, otherwise
// frame and flush it to the peer and record it as sent (invariant E2: only
// after a successful flush).
func (e *Engine) sendOutgoing(sel xselection.Selection) error {
	s := e.session

	text, ok := s.adapter.ReadText(sel, ReadDeadline)
	if !ok {
		slog.Debug("syncengine: no readable text after ownership change", "selection", sel)
		return nil
	}
	if len(text) == 0 {
		return nil
	}
	if len(text) > frame.MaxPayloadSize {
		slog.Warn("syncengine: selection content exceeds size cap, dropping", "selection", sel, "bytes", len(text))
		return nil
	}

	fp := echoguard.Fingerprint(text)
	if !s.guard.ShouldSend(fp) {
		slog.Debug("syncengine: suppressing echo", "selection", sel)
		return nil
	}

	encoded, err := frame.Encode(text)
	if err != nil {
		return fmt.Errorf("syncengine: encode outgoing frame: %w", err)
	}
	if _, err := s.conn.Write(encoded); err != nil {
		return fmt.Errorf("syncengine: write outgoing frame: %w", err)
	}
	s.guard.RecordSent(fp)
	return nil
}

// applyIncoming implements the inbound path of spec.md §4.D: record the
// fingerprint as received before touching any selection (invariant E1), then
// apply the payload to both CLIPBOARD and PRIMARY so either can be pasted
// locally.
func (e *Engine) applyIncoming(payload []byte) error {
	s := e.session

	fp := echoguard.Fingerprint(payload)
	s.guard.RecordReceived(fp)

	if !s.adapter.SetText(xselection.Clipboard, payload) {
		slog.Error("syncengine: failed to set CLIPBOARD owner")
	}
	if !s.adapter.SetText(xselection.Primary, payload) {
		slog.Error("syncengine: failed to set PRIMARY owner")
	}
	return nil
}

// SubscribeBoth subscribes the adapter to ownership-change notifications for
// both selections. Called once per adapter lifetime.
func SubscribeBoth(a Adapter) error {
	if err := a.Subscribe(xselection.Clipboard); err != nil {
		return err
	}
	if err := a.Subscribe(xselection.Primary); err != nil {
		return err
	}
	return nil
}
