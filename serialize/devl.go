package serialize

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"reflect"
	"regexp"
	"time"
)

// Reducible is implemented by values that serialize as a registered custom
// class instance (spec.md §4.D "Custom class serialization"). Reg must have
// a matching ClassDescriptor or serialization fails loudly.
type Reducible interface {
	ClassID() string
}

// Regexp is the Go-side shape of a serialized regular expression (spec.md
// §3: RegExp -> {source, flags}).
type Regexp struct {
	Source string
	Flags  string
}

// empty-value sentinels (spec.md §4.D "Special types").
const (
	emptySentinel = "."
)

// refNode marks a back-reference to an earlier part, enabling shared
// references and cycles to round-trip (spec.md §9 "Cyclic/shared references").
type refNode struct {
	Ref int `json:"$r"`
}

// typeNode tags a part with its wire kind so the reviver knows how to
// reconstruct it without guessing from shape alone.
type typeNode struct {
	Type string `json:"$t"`
	V    any    `json:"v"`
}

// envelope is the top-level devl payload: an array of parts plus the index
// of the root value.
type envelope struct {
	Root  int   `json:"root"`
	Parts []any `json:"parts"`
}

// StreamDrain is supplied at the external boundary so outbound stream
// values can be piped into the stream store during reduction (spec.md §4.D
// "Stream handling by boundary"). Implementations allocate a new stream
// name and begin copying chunks as they are produced.
type StreamDrain interface {
	// Drain allocates a stream name and arranges for src's bytes to be
	// copied into the stream store under that name, returning the handle
	// that travels in the payload.
	Drain(src ByteSource) (StreamHandle, error)
}

// ByteSource is the minimal shape of a value being drained into a stream:
// something that yields byte chunks until exhausted.
type ByteSource interface {
	Next() ([]byte, bool, error)
}

// Codec binds a Registry and boundary-specific policy together to encode
// and decode values. One Codec is constructed per boundary per call site;
// Codecs are not safe for concurrent use on the same value but a Registry
// may back any number of them concurrently.
type Codec struct {
	Boundary  Boundary
	Registry  *Registry
	Operation string // used in Error messages, e.g. "workflow arguments"

	// Drain is consulted for outbound stream values at ExternalBoundary.
	// May be nil for other boundaries.
	Drain StreamDrain
}

// Encode reduces v into a devl-formatted payload.
func (c *Codec) Encode(v any) ([]byte, error) {
	e := &encoder{codec: c, seen: make(map[uintptr]int)}
	root, err := e.encode("$", v)
	if err != nil {
		return nil, err
	}
	env := envelope{Root: root, Parts: e.parts}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, newError(c.Operation, "", "failed to marshal envelope: "+err.Error())
	}
	return Join(FormatDevlang, body), nil
}

// Decode hydrates a devl-formatted payload back into a Go value tree (maps,
// slices, and the special types below).
func (c *Codec) Decode(data []byte) (any, error) {
	f, body, err := Split(data)
	if err != nil {
		return nil, newError(c.Operation, "", err.Error())
	}
	if f != FormatDevlang {
		return nil, newError(c.Operation, "", fmt.Sprintf("unsupported format tag %q", f))
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, newError(c.Operation, "", "failed to unmarshal envelope: "+err.Error())
	}
	d := &decoder{codec: c, parts: env.Parts, resolved: make(map[int]any), resolving: make(map[int]bool)}
	return d.resolve(env.Root)
}

type encoder struct {
	codec *Codec
	parts []any
	seen  map[uintptr]int
}

func (e *encoder) add(v any) int {
	idx := len(e.parts)
	e.parts = append(e.parts, v)
	return idx
}

func (e *encoder) reserve() int {
	return e.add(nil)
}

// identity returns a stable address for reference types so repeated
// encounters become back-references instead of duplicated data.
func identity(v reflect.Value) (uintptr, bool) {
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return 0, false
		}
		return v.Pointer(), true
	default:
		return 0, false
	}
}

func (e *encoder) encode(path string, v any) (int, error) {
	if v == nil {
		return e.add(nil), nil
	}

	switch val := v.(type) {
	case bool, string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return e.add(val), nil
	case []byte:
		return e.encodeBytes(val), nil
	case time.Time:
		return e.encodeTime(val), nil
	case *regexp.Regexp:
		return e.add(typeNode{Type: "RegExp", V: Regexp{Source: val.String()}}), nil
	case Regexp:
		return e.add(typeNode{Type: "RegExp", V: val}), nil
	case error:
		return e.encodeError(val), nil
	case *url.URL:
		if val == nil {
			return e.add(nil), nil
		}
		return e.add(typeNode{Type: "URL", V: val.String()}), nil
	case url.Values:
		q := val.Encode()
		if q == "" {
			q = emptySentinel
		}
		return e.add(typeNode{Type: "URLSearchParams", V: q}), nil
	case *big.Int:
		if val == nil {
			return e.add(nil), nil
		}
		return e.add(typeNode{Type: "BigInt", V: val.String()}), nil
	case StreamHandle:
		return e.add(typeNode{Type: "Stream", V: val}), nil
	case ClassRef:
		return e.add(typeNode{Type: "Class", V: val}), nil
	case Instance:
		return e.add(typeNode{Type: "Instance", V: val}), nil
	case StepRef:
		if e.codec.Boundary == ExternalBoundary {
			return 0, newError(e.codec.Operation, path, "step-function references cannot cross the external boundary")
		}
		return e.add(typeNode{Type: "StepFunction", V: val}), nil
	case map[string]any:
		return e.encodeMap(path, val)
	case []any:
		return e.encodeSlice(path, val)
	}

	if r, ok := v.(Reducible); ok {
		return e.encodeReducible(path, r)
	}

	return e.encodeReflect(path, reflect.ValueOf(v))
}

func (e *encoder) encodeBytes(b []byte) int {
	if len(b) == 0 {
		return e.add(typeNode{Type: "Bytes", V: emptySentinel})
	}
	return e.add(typeNode{Type: "Bytes", V: base64.StdEncoding.EncodeToString(b)})
}

func (e *encoder) encodeTime(t time.Time) int {
	if t.IsZero() {
		return e.add(typeNode{Type: "Date", V: emptySentinel})
	}
	return e.add(typeNode{Type: "Date", V: t.UTC().Format(time.RFC3339Nano)})
}

func (e *encoder) encodeError(err error) int {
	type wireError struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Stack   string `json:"stack,omitempty"`
	}
	name := "Error"
	var stackErr interface{ Stack() string }
	stack := ""
	if errors.As(err, &stackErr) {
		stack = stackErr.Stack()
	}
	return e.add(typeNode{Type: "Error", V: wireError{Name: name, Message: err.Error(), Stack: stack}})
}

func (e *encoder) encodeReducible(path string, r Reducible) (int, error) {
	classID := r.ClassID()
	wire, err := e.codec.Registry.serializeInstance(classID, r)
	if err != nil {
		return 0, newError(e.codec.Operation, path, err.Error())
	}
	return e.add(typeNode{Type: "Instance", V: wire}), nil
}

func (e *encoder) encodeMap(path string, m map[string]any) (int, error) {
	rv := reflect.ValueOf(m)
	if id, ok := identity(rv); ok {
		if idx, seen := e.seen[id]; seen {
			return e.add(refNode{Ref: idx}), nil
		}
		idx := e.reserve()
		e.seen[id] = idx
		out := make(map[string]int, len(m))
		for k, v := range m {
			child, err := e.encode(path+"."+k, v)
			if err != nil {
				return 0, err
			}
			out[k] = child
		}
		e.parts[idx] = typeNode{Type: "Object", V: out}
		return idx, nil
	}
	return e.add(typeNode{Type: "Object", V: map[string]int{}}), nil
}

func (e *encoder) encodeSlice(path string, s []any) (int, error) {
	rv := reflect.ValueOf(s)
	if id, ok := identity(rv); ok {
		if idx, seen := e.seen[id]; seen {
			return e.add(refNode{Ref: idx}), nil
		}
	}
	idx := e.reserve()
	if id, ok := identity(rv); ok {
		e.seen[id] = idx
	}
	out := make([]int, len(s))
	for i, v := range s {
		child, err := e.encode(fmt.Sprintf("%s[%d]", path, i), v)
		if err != nil {
			return 0, err
		}
		out[i] = child
	}
	e.parts[idx] = typeNode{Type: "Array", V: out}
	return idx, nil
}

// encodeReflect is the fallback for arbitrary Go struct/pointer/slice/map
// types not covered by the explicit switch above: pointers are
// dereferenced, structs are flattened field-by-field into an Object node,
// named slice/map types are treated like their unnamed equivalents.
func (e *encoder) encodeReflect(path string, rv reflect.Value) (int, error) {
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return e.add(nil), nil
		}
		if id, ok := identity(rv); ok {
			if idx, seen := e.seen[id]; seen {
				return e.add(refNode{Ref: idx}), nil
			}
		}
		return e.encode(path, rv.Elem().Interface())
	case reflect.Map:
		if id, ok := identity(rv); ok {
			if idx, seen := e.seen[id]; seen {
				return e.add(refNode{Ref: idx}), nil
			}
			idx := e.reserve()
			e.seen[id] = idx
			entries := make([][2]int, 0, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				k, err := e.encode(path+".<key>", iter.Key().Interface())
				if err != nil {
					return 0, err
				}
				v, err := e.encode(path+".<value>", iter.Value().Interface())
				if err != nil {
					return 0, err
				}
				entries = append(entries, [2]int{k, v})
			}
			e.parts[idx] = typeNode{Type: "Map", V: entries}
			return idx, nil
		}
		return e.add(typeNode{Type: "Map", V: [][2]int{}}), nil
	case reflect.Slice, reflect.Array:
		generic := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			generic[i] = rv.Index(i).Interface()
		}
		return e.encodeSlice(path, generic)
	case reflect.Struct:
		out := make(map[string]int, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			child, err := e.encode(path+"."+f.Name, rv.Field(i).Interface())
			if err != nil {
				return 0, err
			}
			out[f.Name] = child
		}
		return e.add(typeNode{Type: "Object", V: out}), nil
	default:
		return 0, newError(e.codec.Operation, path, fmt.Sprintf("unsupported value of kind %s", rv.Kind()))
	}
}

type decoder struct {
	codec     *Codec
	parts     []any
	resolved  map[int]any
	resolving map[int]bool
}

func (d *decoder) partAt(idx int) (any, error) {
	if idx < 0 || idx >= len(d.parts) {
		return nil, newError(d.codec.Operation, "", fmt.Sprintf("part index %d out of range", idx))
	}
	return d.parts[idx], nil
}

func (d *decoder) resolve(idx int) (any, error) {
	if v, ok := d.resolved[idx]; ok {
		return v, nil
	}
	if d.resolving[idx] {
		// A cycle resolves to a placeholder the caller already holds a
		// reference to (maps/slices are reference types in Go), so
		// returning the not-yet-finished value is safe once populated.
		return d.resolved[idx], nil
	}
	d.resolving[idx] = true
	defer delete(d.resolving, idx)

	raw, err := d.partAt(idx)
	if err != nil {
		return nil, err
	}
	v, err := d.decodeNode(idx, raw)
	if err != nil {
		return nil, err
	}
	d.resolved[idx] = v
	return v, nil
}

func (d *decoder) decodeNode(idx int, raw any) (any, error) {
	switch n := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if rf, ok := n["$r"]; ok {
			refIdx, err := toInt(rf)
			if err != nil {
				return nil, err
			}
			return d.resolve(refIdx)
		}
		typ, _ := n["$t"].(string)
		value := n["v"]
		return d.decodeTyped(idx, typ, value)
	default:
		// bare JSON leaf: bool/number/string encoded directly.
		return n, nil
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("serialize: expected numeric index, got %T", v)
	}
}

func (d *decoder) decodeTyped(idx int, typ string, value any) (any, error) {
	switch typ {
	case "Bytes":
		s, _ := value.(string)
		if s == emptySentinel {
			return []byte{}, nil
		}
		return base64.StdEncoding.DecodeString(s)
	case "Date":
		s, _ := value.(string)
		if s == emptySentinel {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	case "RegExp":
		return decodeStruct[Regexp](value)
	case "URL":
		s, _ := value.(string)
		return url.Parse(s)
	case "URLSearchParams":
		s, _ := value.(string)
		if s == emptySentinel {
			return url.Values{}, nil
		}
		return url.ParseQuery(s)
	case "BigInt":
		s, _ := value.(string)
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("serialize: invalid BigInt literal %q", s)
		}
		return n, nil
	case "Error":
		type wireError struct {
			Name    string `json:"name"`
			Message string `json:"message"`
			Stack   string `json:"stack"`
		}
		we, err := decodeStruct[wireError](value)
		if err != nil {
			return nil, err
		}
		return &ReconstructedError{Name: we.Name, Message: we.Message, OriginStack: we.Stack}, nil
	case "Stream":
		return decodeStruct[StreamHandle](value)
	case "Class":
		return decodeStruct[ClassRef](value)
	case "Instance":
		wire, err := decodeStruct[Instance](value)
		if err != nil {
			return nil, err
		}
		return d.codec.Registry.deserializeInstance(wire)
	case "StepFunction":
		if d.codec.Boundary == ExternalBoundary {
			return nil, newError(d.codec.Operation, "", "step-function references are meaningless outside a run")
		}
		return decodeStruct[StepRef](value)
	case "Object":
		fields, _ := value.(map[string]any)
		out := make(map[string]any, len(fields))
		for k, childIdx := range fields {
			ci, err := toInt(childIdx)
			if err != nil {
				return nil, err
			}
			v, err := d.resolve(ci)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		d.resolved[idx] = out
		return out, nil
	case "Array":
		items, _ := value.([]any)
		out := make([]any, len(items))
		d.resolved[idx] = out
		for i, childIdx := range items {
			ci, err := toInt(childIdx)
			if err != nil {
				return nil, err
			}
			v, err := d.resolve(ci)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "Map":
		entries, _ := value.([]any)
		out := make(map[any]any, len(entries))
		d.resolved[idx] = out
		for _, e := range entries {
			pair, _ := e.([]any)
			if len(pair) != 2 {
				return nil, fmt.Errorf("serialize: malformed Map entry")
			}
			ki, err := toInt(pair[0])
			if err != nil {
				return nil, err
			}
			vi, err := toInt(pair[1])
			if err != nil {
				return nil, err
			}
			k, err := d.resolve(ki)
			if err != nil {
				return nil, err
			}
			v, err := d.resolve(vi)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("serialize: unknown wire type %q", typ)
	}
}

func decodeStruct[T any](value any) (T, error) {
	var out T
	b, err := json.Marshal(value)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ReconstructedError is a replayed error reconstructed from a step_failed or
// run_failed event's persisted {message, stack} (spec.md §4.D "Error" ->
// name/message/stack; §4.E step_failed handling).
type ReconstructedError struct {
	Name        string
	Message     string
	OriginStack string
}

func (e *ReconstructedError) Error() string { return e.Message }

// Stack returns the original stack trace, satisfying the optional
// interface{ Stack() string } consulted when re-encoding errors that were
// themselves reconstructed from a prior event.
func (e *ReconstructedError) Stack() string { return e.OriginStack }
