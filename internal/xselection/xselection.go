// Package xselection adapts the raw X11 selection-ownership protocol to the
// small surface the sync engine needs: subscribe to ownership-change
// notifications, read the current owner's text, assume ownership of a
// selection, and answer conversion requests from other clients.
//
// It is grounded directly on original_source's python-xlib + XFixes
// implementation (clipboard.py, clipboard_events.py, clipboard_io.py,
// clipboard_selection_request*.go) and is built on github.com/jezek/xgb, the
// pure-Go analogue of python-xlib: raw X11 protocol bindings, no cgo. The
// teacher's golang.design/x/clipboard cannot serve this component — it has no
// way to become a selection owner that answers foreign SelectionRequests, and
// no XFixes ownership-change event, both of which this package requires.
package xselection

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xfixes"
	"github.com/jezek/xgb/xproto"
)

// Selection identifies one of the two selections pclipsync mirrors.
type Selection int

const (
	Clipboard Selection = iota
	Primary
)

func (s Selection) String() string {
	if s == Primary {
		return "PRIMARY"
	}
	return "CLIPBOARD"
}

// atomSet caches the interned atoms the adapter needs, resolved once at Open.
type atomSet struct {
	clipboard  xproto.Atom
	primary    xproto.Atom
	targets    xproto.Atom
	utf8String xproto.Atom
	string_    xproto.Atom
	timestamp  xproto.Atom
	incr       xproto.Atom
	property   xproto.Atom // our private property used for ConvertSelection replies
}

// Adapter owns one X11 connection and one 1x1 unmapped owner window, and
// implements the CLIPBOARD/PRIMARY ownership state machine described in
// spec.md §4.C / §4.D.
type Adapter struct {
	conn *xgb.Conn
	win  xproto.Window
	root xproto.Window
	atoms atomSet

	events chan xgb.Event
	ticks  chan struct{}
	errs   chan error

	owned      [2]bool
	outgoing   [2][]byte
	acquiredAt [2]xproto.Timestamp
	haveAcq    [2]bool

	// pending holds events deferred by ReadText's bounded wait (events that
	// arrived while waiting for a SelectionNotify reply but did not match
	// it) so DrainPending sees them on the next call. Mirrors
	// original_source selection_utils.py's deferred_events parameter.
	pending []xgb.Event
}

// Open connects to the X display named by $DISPLAY, creates the 1x1
// unmapped owner window, and initializes the XFixes extension. It fails fast
// with a clear error if $DISPLAY is unset or the connection fails.
func Open() (*Adapter, error) {
	if os.Getenv("DISPLAY") == "" {
		return nil, fmt.Errorf("xselection: DISPLAY is not set")
	}
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("xselection: connect to X server: %w", err)
	}

	if err := xfixes.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("xselection: XFixes extension unavailable: %w", err)
	}
	if _, err := xfixes.QueryVersion(conn, 5, 0).Reply(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("xselection: XFixes QueryVersion: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	win, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("xselection: allocate window id: %w", err)
	}
	// An InputOnly window must be created with depth 0. PropertyChange events
	// are selected so serverTimestamp can observe its own property write.
	err = xproto.CreateWindowChecked(
		conn, 0, win, screen.Root,
		0, 0, 1, 1, 0,
		xproto.WindowClassInputOnly, screen.RootVisual,
		xproto.CwEventMask, []uint32{xproto.EventMaskPropertyChange},
	).Check()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("xselection: create owner window: %w", err)
	}

	a := &Adapter{
		conn:   conn,
		win:    win,
		root:   screen.Root,
		events: make(chan xgb.Event, 64),
		ticks:  make(chan struct{}, 1),
		errs:   make(chan error, 8),
	}
	if err := a.internAtoms(); err != nil {
		conn.Close()
		return nil, err
	}

	go a.pump()

	return a, nil
}

// Ticks exposes a wakeup channel: a value arrives whenever DrainPending is
// likely to have something new to offer. The sync engine selects over this
// alongside peer I/O, per spec.md §5's readiness-based suspension model,
// without needing to depend on the X11 event types themselves.
func (a *Adapter) Ticks() <-chan struct{} { return a.ticks }

// Errs exposes connection-level errors (e.g. the X server closing the
// connection), which the engine should treat as fatal.
func (a *Adapter) Errs() <-chan error { return a.errs }

// pump forwards events from xgb's internal queue onto a.events until the
// connection is closed, signalling a.ticks on every event so a caller
// selecting only on Ticks still wakes up. xgb already runs its own
// socket-reading goroutine internally; WaitForEvent blocks on xgb's queue,
// not the raw fd, so this is the idiomatic Go rendering of spec.md's
// "readiness on the X fd": a dedicated goroutine turns blocking reads into
// channel sends that the engine's single select loop consumes serially.
func (a *Adapter) pump() {
	for {
		ev, err := a.conn.WaitForEvent()
		if err != nil {
			select {
			case a.errs <- err:
			default:
			}
			return
		}
		if ev == nil {
			continue
		}
		a.events <- ev
		select {
		case a.ticks <- struct{}{}:
		default:
		}
	}
}

func (a *Adapter) internAtoms() error {
	names := []string{"CLIPBOARD", "TARGETS", "UTF8_STRING", "TIMESTAMP", "INCR", "PCLIPSYNC_SELECTION"}
	atoms := make(map[string]xproto.Atom, len(names))
	for _, name := range names {
		reply, err := xproto.InternAtom(a.conn, false, uint16(len(name)), name).Reply()
		if err != nil {
			return fmt.Errorf("xselection: intern atom %s: %w", name, err)
		}
		atoms[name] = reply.Atom
	}
	a.atoms = atomSet{
		clipboard:  atoms["CLIPBOARD"],
		primary:    xproto.AtomPrimary,
		targets:    atoms["TARGETS"],
		utf8String: atoms["UTF8_STRING"],
		string_:    xproto.AtomString,
		timestamp:  atoms["TIMESTAMP"],
		incr:       atoms["INCR"],
		property:   atoms["PCLIPSYNC_SELECTION"],
	}
	return nil
}

func (a *Adapter) atomFor(sel Selection) xproto.Atom {
	if sel == Primary {
		return a.atoms.primary
	}
	return a.atoms.clipboard
}

func (a *Adapter) selectionFor(atom xproto.Atom) (Selection, bool) {
	switch atom {
	case a.atoms.clipboard:
		return Clipboard, true
	case a.atoms.primary:
		return Primary, true
	default:
		return 0, false
	}
}

// Subscribe enables XFixes selection-owner-change notification for sel on
// our owner window. Call once per selection at startup.
func (a *Adapter) Subscribe(sel Selection) error {
	mask := uint32(xfixes.SelectionEventMaskSetSelectionOwner)
	err := xfixes.SelectSelectionInputChecked(a.conn, a.win, a.atomFor(sel), mask).Check()
	if err != nil {
		return fmt.Errorf("xselection: subscribe %s: %w", sel, err)
	}
	return nil
}

// ReadText returns the current text content of sel.
//
//   - If we currently own sel, returns our cached outgoing payload without a
//     round trip to any other client.
//   - Otherwise requests conversion to UTF8_STRING and waits up to deadline
//     for the owner's SelectionNotify reply. Events that arrive during the
//     wait but do not match are deferred and resurface on the next
//     DrainPending call.
//
// The second return value is false when there is nothing to read: no owner,
// timeout, refused conversion, non-UTF8_STRING reply (including INCR), or an
// empty result. Callers should treat false as "skip, debug-log", never as a
// fatal condition.
func (a *Adapter) ReadText(sel Selection, deadline time.Duration) ([]byte, bool) {
	if a.owned[sel] {
		return a.outgoing[sel], true
	}

	ownerReply, err := xproto.GetSelectionOwner(a.conn, a.atomFor(sel)).Reply()
	if err != nil || ownerReply.Owner == xproto.AtomNone {
		slog.Debug("xselection: no owner", "selection", sel)
		return nil, false
	}

	err = xproto.ConvertSelectionChecked(
		a.conn, a.win, a.atomFor(sel), a.atoms.utf8String, a.atoms.property,
		xproto.TimeCurrentTime,
	).Check()
	if err != nil {
		slog.Debug("xselection: convert selection failed", "selection", sel, "err", err)
		return nil, false
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case ev := <-a.events:
			if sn, ok := ev.(xproto.SelectionNotifyEvent); ok &&
				sn.Requestor == a.win && sn.Selection == a.atomFor(sel) {
				return a.readConvertedProperty(sn)
			}
			a.pending = append(a.pending, ev)
		case err := <-a.errs:
			slog.Debug("xselection: connection error during read", "err", err)
			return nil, false
		case <-timer.C:
			slog.Debug("xselection: read timed out", "selection", sel)
			return nil, false
		}
	}
}

func (a *Adapter) readConvertedProperty(sn xproto.SelectionNotifyEvent) ([]byte, bool) {
	if sn.Property == xproto.AtomNone {
		slog.Debug("xselection: conversion refused")
		return nil, false
	}
	if sn.Target == a.atoms.incr {
		slog.Debug("xselection: INCR transfer offered, unsupported, dropping")
		return nil, false
	}
	if sn.Target != a.atoms.utf8String {
		slog.Debug("xselection: non-UTF8_STRING reply", "target", sn.Target)
		return nil, false
	}

	reply, err := xproto.GetProperty(
		a.conn, true, a.win, sn.Property, a.atoms.utf8String, 0, uint32(MaxPropertyWords),
	).Reply()
	if err != nil {
		slog.Debug("xselection: GetProperty failed", "err", err)
		return nil, false
	}
	if reply.Type == a.atoms.incr {
		slog.Debug("xselection: INCR property, unsupported, dropping")
		return nil, false
	}
	if len(reply.Value) == 0 {
		return nil, false
	}
	return reply.Value, true
}

// MaxPropertyWords bounds the single GetProperty read to comfortably more
// than the 10 MiB payload cap (in 4-byte words), since INCR is out of scope
// and any cooperative owner answers in one property.
const MaxPropertyWords = (10*1024*1024)/4 + 1

// SetText asserts ownership of sel with our owner window and caches payload
// as the content to serve to future conversion requests. Both selections are
// set independently by the caller; this call touches exactly one.
func (a *Adapter) SetText(sel Selection, payload []byte) bool {
	err := xproto.SetSelectionOwnerChecked(a.conn, a.win, a.atomFor(sel), xproto.TimeCurrentTime).Check()
	if err != nil {
		slog.Error("xselection: set selection owner failed", "selection", sel, "err", err)
		return false
	}
	ownerReply, err := xproto.GetSelectionOwner(a.conn, a.atomFor(sel)).Reply()
	if err != nil || ownerReply.Owner != a.win {
		slog.Error("xselection: failed to acquire ownership", "selection", sel)
		return false
	}
	a.owned[sel] = true
	a.outgoing[sel] = payload
	if ts, ok := a.serverTimestamp(); ok {
		a.acquiredAt[sel] = ts
		a.haveAcq[sel] = true
	} else {
		a.haveAcq[sel] = false
	}
	return true
}

// MarkForeignOwned records that sel is now owned by someone other than us
// (called by the sync engine after observing an ownership-change event whose
// new owner is not our window).
func (a *Adapter) MarkForeignOwned(sel Selection) {
	a.owned[sel] = false
}

// serverTimestamp queries the X server's current time by changing a dummy
// property and waiting (briefly) for the resulting PropertyNotify, per
// original_source selection_utils.py:get_server_timestamp. Non-matching
// events are deferred the same way ReadText defers them.
func (a *Adapter) serverTimestamp() (xproto.Timestamp, bool) {
	err := xproto.ChangePropertyChecked(
		a.conn, xproto.PropModeReplace, a.win, a.atoms.property, xproto.AtomInteger,
		32, 1, []byte{0, 0, 0, 0},
	).Check()
	if err != nil {
		return 0, false
	}
	timer := time.NewTimer(200 * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case ev := <-a.events:
			if pn, ok := ev.(xproto.PropertyNotifyEvent); ok && pn.Window == a.win {
				return pn.Time, true
			}
			a.pending = append(a.pending, ev)
		case <-timer.C:
			return 0, false
		}
	}
}

// Answer responds to a SelectionRequest event using the cached outgoing
// payload for whichever selection the request names.
//
//   - TARGETS: reply with {TARGETS, UTF8_STRING, STRING, TIMESTAMP}.
//   - UTF8_STRING or STRING: reply with the cached outgoing payload.
//   - TIMESTAMP: reply with the server timestamp we acquired ownership at,
//     if known (original_source supplement; refused if unknown).
//   - anything else: refuse (property = None).
func (a *Adapter) Answer(r Request) {
	req := r.Req
	sel, ok := a.selectionFor(req.Selection)
	prop := req.Property

	switch {
	case req.Target == a.atoms.targets:
		targets := []xproto.Atom{a.atoms.targets, a.atoms.utf8String, a.atoms.string_, a.atoms.timestamp}
		data := make([]byte, 4*len(targets))
		for i, t := range targets {
			putUint32(data[i*4:], uint32(t))
		}
		_ = xproto.ChangePropertyChecked(
			a.conn, xproto.PropModeReplace, req.Requestor, prop, xproto.AtomAtom, 32,
			uint32(len(targets)), data,
		).Check()

	case req.Target == a.atoms.utf8String || req.Target == a.atoms.string_:
		if !ok {
			prop = xproto.AtomNone
			break
		}
		payload := a.outgoing[sel]
		_ = xproto.ChangePropertyChecked(
			a.conn, xproto.PropModeReplace, req.Requestor, prop, req.Target, 8,
			uint32(len(payload)), payload,
		).Check()

	case req.Target == a.atoms.timestamp:
		if !ok || !a.haveAcq[sel] {
			prop = xproto.AtomNone
			break
		}
		data := make([]byte, 4)
		putUint32(data, uint32(a.acquiredAt[sel]))
		_ = xproto.ChangePropertyChecked(
			a.conn, xproto.PropModeReplace, req.Requestor, prop, xproto.AtomInteger, 32, 1, data,
		).Check()

	default:
		prop = xproto.AtomNone
	}

	a.sendSelectionNotify(req, prop)
}

func (a *Adapter) sendSelectionNotify(req xproto.SelectionRequestEvent, prop xproto.Atom) {
	notify := xproto.SelectionNotifyEvent{
		Time:      req.Time,
		Requestor: req.Requestor,
		Selection: req.Selection,
		Target:    req.Target,
		Property:  prop,
	}
	_ = xproto.SendEventChecked(
		a.conn, false, req.Requestor, 0, string(notify.Bytes()),
	).Check()
}

// Event is the syncengine-facing notification type: either an OwnerChanged
// (from XFixes) or a Request (a foreign SelectionRequest we must Answer).
// Keeping this as the adapter's public surface, rather than raw xgb.Event,
// lets internal/syncengine depend on an interface that a test double can
// satisfy without touching the X11 wire types.
type Event interface{}

// OwnerChanged reports that sel's owner changed. Foreign is true when the
// new owner is not our window — the only case the sync engine should act on;
// a change to our own window is the direct result of our own SetText and is
// reported only for completeness.
type OwnerChanged struct {
	Selection Selection
	Foreign   bool
}

// Request wraps a foreign SelectionRequest this adapter's window received.
// Pass it back to Answer unmodified.
type Request struct {
	Req xproto.SelectionRequestEvent
}

// DrainPending returns all events already queued on the connection,
// translated to the Event surface above, without blocking: first any events
// ReadText deferred, then anything already buffered on the event channel.
func (a *Adapter) DrainPending() []Event {
	var raw []xgb.Event
	if len(a.pending) > 0 {
		raw = append(raw, a.pending...)
		a.pending = a.pending[:0]
	}
drain:
	for {
		select {
		case ev := <-a.events:
			raw = append(raw, ev)
		default:
			break drain
		}
	}

	out := make([]Event, 0, len(raw))
	for _, ev := range raw {
		if translated, ok := a.translate(ev); ok {
			out = append(out, translated)
		}
	}
	return out
}

func (a *Adapter) translate(ev xgb.Event) (Event, bool) {
	switch e := ev.(type) {
	case xfixes.SelectionNotifyEvent:
		sel, ok := a.selectionFor(e.Selection)
		if !ok {
			return nil, false
		}
		return OwnerChanged{Selection: sel, Foreign: e.Owner != a.win}, true
	case xproto.SelectionRequestEvent:
		return Request{Req: e}, true
	default:
		// Our own ConvertSelection reply (xproto.SelectionNotifyEvent) and
		// anything else the server delivers to this window is not
		// meaningful at the engine level; drop it.
		return nil, false
	}
}

// Close releases the owner window and the X connection.
func (a *Adapter) Close() {
	_ = xproto.DestroyWindowChecked(a.conn, a.win).Check()
	a.conn.Close()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
