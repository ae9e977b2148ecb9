package shared

import "context"

// Caller is the identity the external auth layer has already validated.
type Caller struct {
	Name string
	Role string
}

// Label renders the caller for audit records.
func (c Caller) Label() string {
	switch {
	case c.Name != "" && c.Role != "":
		return c.Name + " (" + c.Role + ")"
	case c.Name != "":
		return c.Name
	case c.Role != "":
		return c.Role
	default:
		return "system"
	}
}

type callerContextKey struct{}

// ContextWithCaller stores the caller in context.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext extracts the caller from context.
func CallerFromContext(ctx context.Context) Caller {
	caller, _ := ctx.Value(callerContextKey{}).(Caller)
	return caller
}
