package serialize

// Boundary identifies one of the three crossing points in spec.md §4.D,
// each with its own reducer/reviver behavior for streams and step-function
// references.
type Boundary int

const (
	// ExternalBoundary is the client<->run crossing. Outbound streams are
	// drained into the stream store; step-function references cannot
	// cross this boundary outbound and fail loudly inbound.
	ExternalBoundary Boundary = iota
	// StepBoundary is the workflow<->step crossing. Streams carry
	// name-only handles; step-function references remain invocable.
	StepBoundary
	// IntraRunBoundary covers workflow return values, hook payloads, and
	// event-log data at rest. Streams are opaque named handles; no
	// outward I/O occurs.
	IntraRunBoundary
)

// String implements fmt.Stringer.
func (b Boundary) String() string {
	switch b {
	case ExternalBoundary:
		return "external"
	case StepBoundary:
		return "step"
	case IntraRunBoundary:
		return "intra-run"
	default:
		return "unknown"
	}
}

// StreamHandle is the wire representation of a stream crossing a boundary:
// only the name (and optional declared element type) travels in the
// payload, never the bytes themselves (spec.md §4.D "Stream handling").
type StreamHandle struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// ClassRef is the wire representation of a registered class constructor
// crossing a boundary by classId alone (spec.md §3 "Type registry").
type ClassRef struct {
	ClassID string `json:"classId"`
}

// Instance is the wire representation of a custom-serializable class
// instance: the registered classId plus whatever its Serialize function
// produced (spec.md §4.D "Custom class serialization").
type Instance struct {
	ClassID string `json:"classId"`
	Data    any    `json:"data"`
}

// StepRef is the wire representation of a step-function reference crossing
// a boundary, optionally carrying captured closure variables (spec.md §4.D
// "Step-function references").
type StepRef struct {
	StepID      string         `json:"stepId"`
	ClosureVars map[string]any `json:"closureVars,omitempty"`
}
