package serialize

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFrameRejectsEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, nil)
	require.Error(t, err)
}

func TestFrameRoundTripSingle(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"format":1,"value":"hi"}`)))

	fr := NewFrameReader(&buf)
	payload, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, `{"format":1,"value":"hi"}`, string(payload))

	_, err = fr.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameRoundTripMultiple(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("a"),
		[]byte(`{"format":2,"value":[1,2,3]}`),
		[]byte("third payload is longer than the others"),
	}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}

	fr := NewFrameReader(&buf)
	for _, want := range payloads {
		got, err := fr.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := fr.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

// TestFrameReaderFallsBackToLegacyNewlineFraming exercises the
// auto-detection heuristic directly: a stream that never used
// length-prefixed framing (its first 4 bytes don't look like a plausible
// length) is read line-by-line instead (spec.md §9).
func TestFrameReaderFallsBackToLegacyNewlineFraming(t *testing.T) {
	legacy := "first line\nsecond line\nthird\n"
	fr := NewFrameReader(bytes.NewBufferString(legacy))

	got, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "first line", string(got))

	got, err = fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "second line", string(got))

	got, err = fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "third", string(got))

	_, err = fr.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

// TestFrameReaderLegacyFallbackHandlesCRLF covers the \r trim in
// readLegacyLine for CRLF-terminated legacy producers.
func TestFrameReaderLegacyFallbackHandlesCRLF(t *testing.T) {
	fr := NewFrameReader(bytes.NewBufferString("one\r\ntwo\r\n"))

	got, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "one", string(got))

	got, err = fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "two", string(got))
}

// TestFrameReaderLegacyFallbackWithoutTrailingNewline covers a legacy
// stream whose final line has no trailing newline at all.
func TestFrameReaderLegacyFallbackWithoutTrailingNewline(t *testing.T) {
	fr := NewFrameReader(bytes.NewBufferString("only line, no newline"))

	got, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "only line, no newline", string(got))

	_, err = fr.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

// TestFrameReaderDetectsLegacyOnImplausibleLength covers the other half of
// the heuristic: a length-prefixed-looking stream whose first 4 bytes
// decode to 0 or to something past maxFrameLength is treated as legacy
// rather than trusted as a real frame length.
func TestFrameReaderDetectsLegacyOnImplausibleLength(t *testing.T) {
	// "not \nframed\n" interpreted as a big-endian uint32 is a value far
	// beyond maxFrameLength, so it must fall back to line scanning.
	fr := NewFrameReader(bytes.NewBufferString("not \nframed\n"))

	got, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "not ", string(got))

	got, err = fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "framed", string(got))
}

func TestFrameReaderShortFrameErrors(t *testing.T) {
	var hdr [4]byte
	hdr[3] = 10 // claims a 10-byte payload
	buf := bytes.NewBuffer(append(hdr[:], []byte("short")...))

	fr := NewFrameReader(buf)
	_, err := fr.ReadFrame()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}
