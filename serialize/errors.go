package serialize

import "fmt"

// Error is raised whenever a value cannot cross a boundary. The message
// names the failed operation and, when known, the path to the offending
// field, and lists the supported types — but never the value itself, which
// callers should log separately (spec.md §4.D "Error reporting").
type Error struct {
	// Operation names what was being serialized, e.g. "workflow arguments",
	// "step return value".
	Operation string
	// Path is the field path to the offending value, e.g. "args[1].user.id".
	// Empty if the failure is not attributable to a specific path.
	Path string
	// Reason is a short human-readable explanation.
	Reason string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("serialize: %s: %s at %s: supported types are bool, numbers, string, []byte, time.Time, "+
			"*regexp.Regexp, error, *url.URL, url.Values, *big.Int, map, slice, Stream, Class, Instance, StepFunction",
			e.Operation, e.Reason, e.Path)
	}
	return fmt.Sprintf("serialize: %s: %s: supported types are bool, numbers, string, []byte, time.Time, "+
		"*regexp.Regexp, error, *url.URL, url.Values, *big.Int, map, slice, Stream, Class, Instance, StepFunction",
		e.Operation, e.Reason)
}

func newError(operation, path, reason string) *Error {
	return &Error{Operation: operation, Path: path, Reason: reason}
}
