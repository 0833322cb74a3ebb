package serialize

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLength bounds the length prefix accepted by ReadFrame before it is
// trusted as a real frame size, guarding against a stray legacy
// newline-delimited payload being misread as a single enormous frame
// (spec.md §9 "Framing auto-detection").
const maxFrameLength = 100 * 1024 * 1024

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian length
// followed by payload, where payload is expected to already carry its own
// format tag (see Join). This is the only framing new writers should
// produce; ReadFrame below also accepts the legacy newline-delimited form
// for payloads written by older producers.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("serialize: cannot frame an empty payload")
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// FrameReader reads successive frames from an underlying stream, accepting
// both the current length-prefixed framing and a legacy newline-delimited
// framing for backward compatibility with payloads produced before framing
// was introduced. The two are distinguished with a heuristic: the first
// four bytes are interpreted as a big-endian length; if that length is
// implausible (zero, or larger than maxFrameLength), the reader falls back
// to scanning for a newline instead (spec.md §9).
type FrameReader struct {
	br     *bufio.Reader
	legacy bool // once detected, stays legacy for the remainder of the stream
}

// NewFrameReader wraps r for frame-at-a-time reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame returns the next frame's payload, or io.EOF when the stream is
// exhausted cleanly.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	if f.legacy {
		return f.readLegacyLine()
	}

	peek, err := f.br.Peek(4)
	if err != nil {
		if err == io.EOF && len(peek) == 0 {
			return nil, io.EOF
		}
		if err == io.EOF {
			// fewer than 4 bytes remain: cannot be a length-prefixed
			// frame, treat the remainder as a final legacy line.
			f.legacy = true
			return f.readLegacyLine()
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(peek)
	if n == 0 || n > maxFrameLength {
		f.legacy = true
		return f.readLegacyLine()
	}

	if _, err := f.br.Discard(4); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.br, payload); err != nil {
		return nil, fmt.Errorf("serialize: short frame, wanted %d bytes: %w", n, err)
	}
	return payload, nil
}

func (f *FrameReader) readLegacyLine() ([]byte, error) {
	line, err := f.br.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, err
	}
	// trim the trailing newline (and a possible preceding \r for
	// CRLF-terminated legacy producers).
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(line) == 0 {
		return nil, io.EOF
	}
	return line, nil
}
