// Package frame implements the netstring-style message framing used on the
// peer wire: "<decimal length>:<payload>,". It replaces the teacher's
// newline-delimited JSON wire package — the two framings are incompatible on
// the bytes, so this is a new codec rather than an extension of wire.Conn.
package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MaxPayloadSize is the largest payload this codec will encode or decode
// (10 MiB), matching the clipboard payload size invariant.
const MaxPayloadSize = 10 * 1024 * 1024

// MaxLengthDigits bounds the ASCII decimal length header to 8 digits,
// independent of MaxPayloadSize, so a decoder never accumulates an unbounded
// header before rejecting it.
const MaxLengthDigits = 8

// Sentinel errors for the three ways a frame can fail to decode. Wrap with
// fmt.Errorf("%w: ...") for additional context; callers should compare with
// errors.Is.
var (
	// ErrMalformed covers a missing/invalid length field, a missing colon,
	// or a missing comma terminator.
	ErrMalformed = errors.New("frame: malformed")
	// ErrTooLarge covers a length header whose value exceeds MaxPayloadSize.
	ErrTooLarge = errors.New("frame: payload too large")
	// ErrTruncated covers EOF encountered while reading the payload body or
	// its comma terminator.
	ErrTruncated = errors.New("frame: truncated")
)

// Encode produces the on-wire representation of payload:
// "<len>:<payload>,". It returns ErrTooLarge if payload exceeds
// MaxPayloadSize; callers are expected to check the size themselves before
// framing content read from an X selection, but Encode enforces the bound
// regardless so a caller bug can never put an oversized frame on the wire.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	out := make([]byte, 0, len(payload)+12)
	out = append(out, []byte(fmt.Sprintf("%d:", len(payload)))...)
	out = append(out, payload...)
	out = append(out, ',')
	return out, nil
}

// ReadFrame consumes exactly one frame from r and returns its payload bytes.
//
// Decoder algorithm (spec-mandated, do not loosen):
//  1. Read ASCII decimal digits up to MaxLengthDigits. The first non-digit
//     byte must be ':'. More than MaxLengthDigits digits or a non-digit
//     before the colon is ErrMalformed. EOF before any digit is collected is
//     returned unwrapped (a clean peer disconnect, not a protocol error);
//     EOF after partial digits is ErrMalformed.
//  2. Parse the digits as n. If n > MaxPayloadSize, ErrTooLarge.
//  3. Read exactly n content bytes; short read is ErrTruncated.
//  4. Read exactly one byte; it must be ','. Any other byte is ErrMalformed;
//     EOF in place of the terminator is ErrTruncated.
//
// ReadFrame never allocates more than n + O(1) bytes.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var digits []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if len(digits) == 0 {
				// Nothing has been read yet: this is the peer hanging up
				// cleanly between frames, not a malformed frame. Preserve
				// the underlying io.EOF/*net.OpError so callers can tell
				// the two apart.
				return nil, err
			}
			return nil, fmt.Errorf("%w: eof before colon", ErrMalformed)
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("%w: invalid length byte %q", ErrMalformed, b)
		}
		digits = append(digits, b)
		if len(digits) > MaxLengthDigits {
			return nil, fmt.Errorf("%w: length header exceeds %d digits", ErrMalformed, MaxLengthDigits)
		}
	}
	if len(digits) == 0 {
		return nil, fmt.Errorf("%w: empty length field", ErrMalformed)
	}

	n, err := parseLength(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	comma, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing terminator: %v", ErrTruncated, err)
	}
	if comma != ',' {
		return nil, fmt.Errorf("%w: expected ',' got %q", ErrMalformed, comma)
	}
	return payload, nil
}

// parseLength parses a run of ASCII decimal digits (already bounded to
// MaxLengthDigits by the caller) into an int. It never returns a non-nil
// error: MaxLengthDigits=8 bounds the value to 99_999_999, which cannot
// overflow int.
func parseLength(digits []byte) (int, error) {
	n := 0
	for _, d := range digits {
		n = n*10 + int(d-'0')
	}
	return n, nil
}
