package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("Hello world!"),
		[]byte(""),
		bytes.Repeat([]byte("x"), 1000),
	}
	for _, payload := range cases {
		encoded, err := Encode(payload)
		require.NoError(t, err)

		got, err := ReadFrame(bufio.NewReader(bytes.NewReader(encoded)))
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestEncodeLiteralShape(t *testing.T) {
	encoded, err := Encode([]byte("Hello world!"))
	require.NoError(t, err)
	assert.Equal(t, "12:Hello world!,", string(encoded))
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode(make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(strings.NewReader("5:Hello")))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadFrameMissingTerminator(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(strings.NewReader("5:Hello.")))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadFrameLengthHeaderTooLong(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(strings.NewReader("123456789:x,")))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadFrameTooLargePayload(t *testing.T) {
	header := "10485761:"
	_, err := ReadFrame(bufio.NewReader(strings.NewReader(header)))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestReadFrameEmptyLengthField(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(strings.NewReader(":x,")))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadFrameNonDigitInLength(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(strings.NewReader("5a:Hello,")))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadFrameEOFBeforeColon(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(strings.NewReader("123")))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadFrameImmediateEOF(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(strings.NewReader("")))
	assert.True(t, errors.Is(err, io.EOF))
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestReadFrameConsumesExactlyOneFrame(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("5:Hello,6:World!,"))
	first, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(first))

	second, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "World!", string(second))
}
