package attrs

import "context"

// ctxKey is an unexported type so this package's context key can never
// collide with another package's.
type ctxKey struct{}

// WithMap returns a context carrying m as its attribute scope. Per spec
// §4.10, a newly spawned goroutine does not inherit the caller's scope
// automatically — Go's context.Context already has this property, since a
// child goroutine only sees what ctx it is explicitly handed.
func WithMap(ctx context.Context, m Map) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the Map attached to ctx, or an empty Map if none was
// ever attached.
func FromContext(ctx context.Context) Map {
	if m, ok := ctx.Value(ctxKey{}).(Map); ok {
		return m
	}
	return Map{}
}

// WithValue is shorthand for WithMap(ctx, FromContext(ctx).Add(value)): it
// adds one attribute to whatever scope ctx already carries.
func WithValue(ctx context.Context, value any) context.Context {
	return WithMap(ctx, FromContext(ctx).Add(value))
}
