package serialize

import (
	"fmt"
	"sync"
)

// ClassDescriptor is the process-wide registration for one user-defined
// class, populated at module load by generated user-code bindings (spec.md
// §3 "Type registry"). A classId has the shape "class//<moduleSpecifier>//<className>".
type ClassDescriptor struct {
	// ClassID is the stable registry key.
	ClassID string
	// New constructs a zero-value instance that Deserialize can populate.
	// May be nil for classes that are only ever referenced, never revived
	// as instances (e.g. pure constructor references).
	New func() any
	// Serialize converts an instance into a plain, JSON-encodable value.
	// Required for any class whose instances are serialized.
	Serialize func(instance any) (any, error)
	// Deserialize populates a value (produced by New) from data previously
	// produced by Serialize.
	Deserialize func(data any) (any, error)
}

// Registry is the process-wide classId -> ClassDescriptor map described in
// spec.md §3. Population happens once at module load; readers after that
// are lock-free in the common case (RWMutex favors concurrent reads).
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]ClassDescriptor
	steps map[string]StepDescriptor
}

// StepDescriptor is the registered body and closure-capture hook for one
// step function, keyed by its stable stepId (spec.md §4.D "Step-function
// references").
type StepDescriptor struct {
	StepID string
	// Invoke runs the step body given hydrated args and optional thisVal.
	Invoke func(ctx any, thisVal any, args []any) (any, error)
	// CaptureClosureVars is the transform-generated __closureVarsFn
	// invoked when a step reference is reduced to capture its closure.
	CaptureClosureVars func() map[string]any
}

// NewRegistry returns an empty registry ready for registration.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]ClassDescriptor),
		steps: make(map[string]StepDescriptor),
	}
}

// RegisterClass adds or replaces a class descriptor. Called once per class
// at module load time by generated bindings.
func (r *Registry) RegisterClass(d ClassDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[d.ClassID] = d
}

// Class looks up a class descriptor by id.
func (r *Registry) Class(classID string) (ClassDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[classID]
	return d, ok
}

// RegisterStep adds or replaces a step descriptor.
func (r *Registry) RegisterStep(d StepDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[d.StepID] = d
}

// Step looks up a step descriptor by id.
func (r *Registry) Step(stepID string) (StepDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.steps[stepID]
	return d, ok
}

// serializeInstance emits the Instance wire value for a registered class
// instance, failing fast per spec.md §4.D: "fail fast if absent or
// deserialize missing" applies at revive time; at reduce time we fail fast
// if Serialize itself is missing.
func (r *Registry) serializeInstance(classID string, instance any) (Instance, error) {
	d, ok := r.Class(classID)
	if !ok {
		return Instance{}, fmt.Errorf("serialize: class %q is not registered", classID)
	}
	if d.Serialize == nil {
		return Instance{}, fmt.Errorf("serialize: class %q has no Serialize function", classID)
	}
	data, err := d.Serialize(instance)
	if err != nil {
		return Instance{}, fmt.Errorf("serialize: class %q: %w", classID, err)
	}
	return Instance{ClassID: classID, Data: data}, nil
}

// deserializeInstance revives an Instance wire value, failing fast if the
// class or its Deserialize function is unavailable — silent fallback to
// structural deserialization is explicitly disallowed (spec.md §9).
func (r *Registry) deserializeInstance(w Instance) (any, error) {
	d, ok := r.Class(w.ClassID)
	if !ok {
		return nil, fmt.Errorf("serialize: class %q is not registered, cannot revive instance", w.ClassID)
	}
	if d.Deserialize == nil {
		return nil, fmt.Errorf("serialize: class %q has no Deserialize function, cannot revive instance", w.ClassID)
	}
	return d.Deserialize(w.Data)
}
