package identity

import (
	"context"
	"sync"
)

type bindingKey struct{}

// binding is the mutable slot shared by everything downstream of Bind.
type binding struct {
	mu sync.Mutex
	id *Identity
}

// Bind attaches id to a new request scope. The returned release func clears
// the binding, but only while it still holds id; a value set later by
// Replace is left alone.
func Bind(ctx context.Context, id *Identity) (context.Context, func()) {
	b := &binding{id: id}
	release := func() {
		b.mu.Lock()
		if b.id == id {
			b.id = nil
		}
		b.mu.Unlock()
	}
	return context.WithValue(ctx, bindingKey{}, b), release
}

// FromContext returns the identity bound to ctx, if any
func FromContext(ctx context.Context) (*Identity, bool) {
	b, ok := ctx.Value(bindingKey{}).(*binding)
	if !ok {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id, b.id != nil
}

// Replace changes the identity of the scope created by Bind. Passing nil
// clears it. It reports false when ctx carries no scope.
func Replace(ctx context.Context, id *Identity) bool {
	b, ok := ctx.Value(bindingKey{}).(*binding)
	if !ok {
		return false
	}
	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
	return true
}
