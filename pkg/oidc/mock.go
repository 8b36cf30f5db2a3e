package oidc

import (
	"context"
	"sync/atomic"
)

// MockIntrospector is a test double for Introspector
type MockIntrospector struct {
	IntrospectFunc func(ctx context.Context, token string) (*Result, error)

	calls atomic.Int32
}

// Introspect calls IntrospectFunc, or reports the token active for "mock-user"
func (m *MockIntrospector) Introspect(ctx context.Context, token string) (*Result, error) {
	m.calls.Add(1)
	if m.IntrospectFunc != nil {
		return m.IntrospectFunc(ctx, token)
	}
	return &Result{Active: true, Subject: "mock-user", HTTPStatus: 200}, nil
}

// Calls returns how many times Introspect ran
func (m *MockIntrospector) Calls() int {
	return int(m.calls.Load())
}
