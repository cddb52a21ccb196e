package storage

import "context"

type contextKey struct{}

// WithContext attaches a Storage backend to ctx so activation handlers can
// reach it without threading it through every call site.
func WithContext(ctx context.Context, s Storage) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext retrieves the Storage backend attached by WithContext. ok is
// false if no backend was attached, which callers should treat as "no
// persistent storage available" rather than an error.
func FromContext(ctx context.Context) (s Storage, ok bool) {
	s, ok = ctx.Value(contextKey{}).(Storage)
	return s, ok
}
