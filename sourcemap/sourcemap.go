// Package sourcemap remaps stack traces captured from bundled workflow/step
// code back to their original source locations (spec.md §4.K), using the V3
// source-map format embedded in the bundle as an inline
// "//# sourceMappingURL=data:..." comment. No source-map library exists
// anywhere in the retrieval pack this module was built from, so this is a
// direct standard-library implementation: regexp for frame parsing,
// encoding/json for the map document, encoding/base64 for the embedded data
// URL, and a hand-rolled VLQ decoder for the "mappings" field (the one piece
// of the V3 format with no stdlib equivalent).
package sourcemap

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// frameRe matches one "at <fn> (<file>:<line>:<col>)" stack frame line, the
// shape produced by V8-family JS runtimes and preserved verbatim by this
// module's reconstructed errors (serialize.ReconstructedError).
var frameRe = regexp.MustCompile(`^(\s*at\s+)([^(]*)\(([^:]+):(\d+):(\d+)\)\s*$`)

// Document is a parsed V3 source map.
type Document struct {
	Version  int      `json:"version"`
	Sources  []string `json:"sources"`
	Names    []string `json:"names"`
	Mappings string   `json:"mappings"`
	decoded  []segmentLine
}

// segment is one VLQ-decoded mapping entry: generated column, source index,
// original line/column, name index (the last two optional per the spec, but
// this implementation only needs source/line/col to remap a frame).
type segment struct {
	genCol   int
	srcIdx   int
	origLine int
	origCol  int
	hasSrc   bool
}

type segmentLine []segment

// Parse decodes raw V3 source map JSON into a Document ready for Remap.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("sourcemap: parse: %w", err)
	}
	if doc.Version != 3 {
		return nil, fmt.Errorf("sourcemap: unsupported version %d", doc.Version)
	}
	doc.decoded = decodeMappings(doc.Mappings)
	return &doc, nil
}

// ExtractInline finds a trailing "//# sourceMappingURL=data:...;base64,..."
// comment in bundle source and parses the embedded map, returning nil if
// none is present.
func ExtractInline(bundleSource string) (*Document, error) {
	const marker = "//# sourceMappingURL=data:application/json"
	idx := strings.LastIndex(bundleSource, marker)
	if idx < 0 {
		return nil, nil
	}
	rest := bundleSource[idx:]
	b64Idx := strings.Index(rest, "base64,")
	if b64Idx < 0 {
		return nil, fmt.Errorf("sourcemap: inline comment missing base64 payload")
	}
	encoded := strings.TrimSpace(rest[b64Idx+len("base64,"):])
	if nl := strings.IndexByte(encoded, '\n'); nl >= 0 {
		encoded = encoded[:nl]
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("sourcemap: decode inline payload: %w", err)
	}
	return Parse(raw)
}

// Remap rewrites every stack frame in stack that the map can resolve,
// leaving unresolvable frames untouched. A nil Document makes Remap a no-op,
// so callers can unconditionally call it even when a bundle ships without a
// map.
func (d *Document) Remap(stack string) string {
	if d == nil {
		return stack
	}
	lines := strings.Split(stack, "\n")
	for i, line := range lines {
		m := frameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		prefix, fn, _, lineNo, colNo := m[1], m[2], m[3], m[4], m[5]
		genLine, err1 := strconv.Atoi(lineNo)
		genCol, err2 := strconv.Atoi(colNo)
		if err1 != nil || err2 != nil {
			continue
		}
		src, origLine, origCol, ok := d.lookup(genLine, genCol)
		if !ok {
			continue
		}
		lines[i] = fmt.Sprintf("%s%s(%s:%d:%d)", prefix, fn, src, origLine, origCol)
	}
	return strings.Join(lines, "\n")
}

// lookup finds the mapping segment for the generated (1-indexed) line and
// (0-indexed) column closest at or before genCol on that line.
func (d *Document) lookup(genLine, genCol int) (source string, origLine, origCol int, ok bool) {
	idx := genLine - 1
	if idx < 0 || idx >= len(d.decoded) {
		return "", 0, 0, false
	}
	segs := d.decoded[idx]
	if len(segs) == 0 {
		return "", 0, 0, false
	}
	best := segs[0]
	for _, s := range segs {
		if s.genCol <= genCol {
			best = s
		}
	}
	if !best.hasSrc || best.srcIdx < 0 || best.srcIdx >= len(d.Sources) {
		return "", 0, 0, false
	}
	return d.Sources[best.srcIdx], best.origLine + 1, best.origCol, true
}

// decodeMappings parses the V3 "mappings" field: semicolon-separated
// generated lines, each a comma-separated list of VLQ-encoded, relative
// segment fields.
func decodeMappings(mappings string) []segmentLine {
	lines := strings.Split(mappings, ";")
	out := make([]segmentLine, len(lines))
	var srcIdx, origLine, origCol, nameIdx int
	for li, line := range lines {
		if line == "" {
			continue
		}
		genCol := 0
		var segs segmentLine
		for _, field := range strings.Split(line, ",") {
			if field == "" {
				continue
			}
			values, err := decodeVLQ(field)
			if err != nil || len(values) < 1 {
				continue
			}
			genCol += values[0]
			s := segment{genCol: genCol}
			if len(values) >= 4 {
				srcIdx += values[1]
				origLine += values[2]
				origCol += values[3]
				s.srcIdx, s.origLine, s.origCol, s.hasSrc = srcIdx, origLine, origCol, true
			}
			if len(values) >= 5 {
				nameIdx += values[4]
			}
			segs = append(segs, s)
		}
		sort.Slice(segs, func(a, b int) bool { return segs[a].genCol < segs[b].genCol })
		out[li] = segs
	}
	return out
}

const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64Rev = func() map[byte]int {
	m := make(map[byte]int, len(base64Chars))
	for i := 0; i < len(base64Chars); i++ {
		m[base64Chars[i]] = i
	}
	return m
}()

// decodeVLQ decodes a base64-VLQ run (one segment's fields) per the V3
// source map spec: 5 bits of value plus 1 continuation bit per base64
// digit, zig-zag encoded for sign.
func decodeVLQ(s string) ([]int, error) {
	var out []int
	shift, result := 0, 0
	for i := 0; i < len(s); i++ {
		digit, ok := base64Rev[s[i]]
		if !ok {
			return nil, fmt.Errorf("sourcemap: invalid base64-vlq digit %q", s[i])
		}
		cont := digit & 0x20
		value := digit & 0x1f
		result += value << shift
		if cont != 0 {
			shift += 5
			continue
		}
		negate := result&1 == 1
		result >>= 1
		if negate {
			result = -result
		}
		out = append(out, result)
		shift, result = 0, 0
	}
	return out, nil
}
