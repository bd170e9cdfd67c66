package echoguard

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintMatchesSHA256Hex(t *testing.T) {
	payload := []byte("hello clipboard")
	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), Fingerprint(payload))
}

func TestFingerprintDeterministic(t *testing.T) {
	assert.Equal(t, Fingerprint([]byte("abc")), Fingerprint([]byte("abc")))
	assert.NotEqual(t, Fingerprint([]byte("abc")), Fingerprint([]byte("abd")))
}

func TestShouldSendInitiallyTrue(t *testing.T) {
	var g Guard
	assert.True(t, g.ShouldSend(Fingerprint([]byte("first"))))
}

func TestShouldSendFalseAfterRecordSent(t *testing.T) {
	var g Guard
	fp := Fingerprint([]byte("sent content"))
	g.RecordSent(fp)
	assert.False(t, g.ShouldSend(fp))
	assert.True(t, g.ShouldSend(Fingerprint([]byte("other content"))))
}

func TestShouldSendFalseAfterRecordReceived(t *testing.T) {
	var g Guard
	fp := Fingerprint([]byte("received content"))
	g.RecordReceived(fp)
	assert.False(t, g.ShouldSend(fp))
}

func TestRecordReceivedBeforeSetTextOrdering(t *testing.T) {
	// Exercises invariant E1 at the Guard level: once RecordReceived has run,
	// the same content immediately fails ShouldSend, so a caller that
	// (incorrectly) tried to echo it straight back would be blocked.
	var g Guard
	fp := Fingerprint([]byte("incoming"))
	g.RecordReceived(fp)
	assert.False(t, g.ShouldSend(fp))
}

func TestResetClearsBothSlots(t *testing.T) {
	var g Guard
	sentFP := Fingerprint([]byte("sent"))
	recvFP := Fingerprint([]byte("received"))
	g.RecordSent(sentFP)
	g.RecordReceived(recvFP)

	g.Reset()

	assert.True(t, g.ShouldSend(sentFP))
	assert.True(t, g.ShouldSend(recvFP))
}

func TestDoubleSelectionOwnershipBurstDedup(t *testing.T) {
	// Simulates setting CLIPBOARD and PRIMARY to the same payload: the first
	// ownership change should be sendable, recording it as sent should
	// suppress a second, identical ownership change from going out again.
	var g Guard
	fp := Fingerprint([]byte("same text on both selections"))
	assert.True(t, g.ShouldSend(fp))
	g.RecordSent(fp)
	assert.False(t, g.ShouldSend(fp))
}
