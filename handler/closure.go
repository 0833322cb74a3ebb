package handler

import "context"

type closureVarsKey struct{}

// withClosureVars attaches a step-function reference's captured closure
// variables to ctx so the step body's generated code (registered via
// serialize.StepDescriptor.Invoke) can retrieve them with ClosureVars
// (spec.md §4.H step 2: "if closureVars were serialized, wrap the step
// body so its task-local context contains them").
func withClosureVars(ctx context.Context, vars map[string]any) context.Context {
	return context.WithValue(ctx, closureVarsKey{}, vars)
}

// ClosureVars returns the closure variables attached to ctx by
// withClosureVars, or nil if none were captured for this invocation.
func ClosureVars(ctx context.Context) map[string]any {
	vars, _ := ctx.Value(closureVarsKey{}).(map[string]any)
	return vars
}
