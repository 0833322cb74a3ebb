// Package serialize implements the cross-boundary serialization layer
// described in spec.md §4.D: a format-prefixed binary encoding of rich
// values, a streaming frame codec, and a process-wide type registry for
// user-defined classes and step-function references.
//
// Every encoded payload begins with a 4-byte ASCII format tag. The only
// format defined today is FormatDevlang ("devl"), a text-based structured
// encoding modeled on the JS devalue library: values are flattened into an
// array of parts so that shared references and cycles round-trip, then
// rendered as JSON.
package serialize

import "fmt"

// Format is the 4-byte tag prefixing every serialized payload.
type Format [4]byte

// FormatDevlang is the only payload format this module produces. The name
// mirrors spec.md §3's "devl" tag.
var FormatDevlang = Format{'d', 'e', 'v', 'l'}

// String implements fmt.Stringer.
func (f Format) String() string { return string(f[:]) }

// Split separates the 4-byte format tag from the remainder of a serialized
// payload. It returns an error if data is shorter than the tag.
func Split(data []byte) (Format, []byte, error) {
	if len(data) < 4 {
		return Format{}, nil, fmt.Errorf("serialize: payload too short for format tag (%d bytes)", len(data))
	}
	var f Format
	copy(f[:], data[:4])
	return f, data[4:], nil
}

// Join prepends f to payload.
func Join(f Format, payload []byte) []byte {
	out := make([]byte, 0, 4+len(payload))
	out = append(out, f[:]...)
	out = append(out, payload...)
	return out
}
