// Package echoguard computes content fingerprints and tracks the two-slot
// echo-guard state that prevents loop-prevention failures: re-sending content
// we just received, and re-sending content we just sent (which a burst of
// CLIPBOARD+PRIMARY ownership changes would otherwise trigger twice).
//
// This generalizes the ad hoc reflect.DeepEqual(items, lastItems) dedup the
// teacher scatters through localpeer.go and cmd/suffuse/client.go into one
// typed, hash-based state machine, per original_source/hash_state.py.
package echoguard

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the lowercase hex SHA-256 digest of payload.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Guard tracks the last-sent and last-received fingerprints for one session.
// Not safe for concurrent use; the sync engine is its only caller and already
// serializes access to session state.
type Guard struct {
	lastSent     string
	lastReceived string
	hasSent      bool
	hasReceived  bool
}

// ShouldSend reports whether fp differs from both the last-sent and
// last-received fingerprints.
func (g *Guard) ShouldSend(fp string) bool {
	if g.hasSent && fp == g.lastSent {
		return false
	}
	if g.hasReceived && fp == g.lastReceived {
		return false
	}
	return true
}

// RecordSent records fp as the last-sent fingerprint. Call only after the
// outgoing frame has been fully flushed to the peer (invariant E2) — if the
// flush fails, do not call this.
func (g *Guard) RecordSent(fp string) {
	g.lastSent = fp
	g.hasSent = true
}

// RecordReceived records fp as the last-received fingerprint. Must be called
// before any adapter call that would change a selection using this payload
// (invariant E1), so the resulting ownership-change event is recognized as
// an echo rather than re-sent.
func (g *Guard) RecordReceived(fp string) {
	g.lastReceived = fp
	g.hasReceived = true
}

// Reset clears both slots. Called on client reconnect (invariant E3).
func (g *Guard) Reset() {
	g.lastSent = ""
	g.lastReceived = ""
	g.hasSent = false
	g.hasReceived = false
}
