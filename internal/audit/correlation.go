package audit

import (
	"context"

	"github.com/google/uuid"
)

// Correlation identifiers group related entries across a chain without
// being part of the cryptographic linkage. A logical operation pushes an
// id onto the context, sub-operations log entries sharing it, and nested
// operations push their own frames on top.
//
// The stack rides on context.Context and every push copies it, so
// concurrent operations forked from a common parent can never observe or
// corrupt each other's frames. There is deliberately no package-level
// mutable stack.

type correlationKey struct{}

// NewCorrelationID returns a freshly generated correlation identifier.
func NewCorrelationID() string {
	return uuid.NewString()
}

// PushCorrelation returns a context whose correlation stack has id
// pushed on top. An empty id pushes a freshly generated one.
func PushCorrelation(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewCorrelationID()
	}
	prev := correlationStack(ctx)
	next := make([]string, len(prev)+1)
	copy(next, prev)
	next[len(prev)] = id
	return context.WithValue(ctx, correlationKey{}, next)
}

// PopCorrelation returns a context with the top correlation frame
// removed. Popping an empty stack returns the context unchanged.
func PopCorrelation(ctx context.Context) context.Context {
	prev := correlationStack(ctx)
	if len(prev) == 0 {
		return ctx
	}
	next := make([]string, len(prev)-1)
	copy(next, prev[:len(prev)-1])
	return context.WithValue(ctx, correlationKey{}, next)
}

// CurrentCorrelation returns the innermost correlation id on the
// context, if any.
func CurrentCorrelation(ctx context.Context) (string, bool) {
	s := correlationStack(ctx)
	if len(s) == 0 {
		return "", false
	}
	return s[len(s)-1], true
}

func correlationStack(ctx context.Context) []string {
	s, _ := ctx.Value(correlationKey{}).([]string)
	return s
}
