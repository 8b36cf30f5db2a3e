package gate

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/openchami/oauth2bridge/pkg/cache"
	"github.com/openchami/oauth2bridge/pkg/config"
	"github.com/openchami/oauth2bridge/pkg/errors"
	"github.com/openchami/oauth2bridge/pkg/identity"
	"github.com/openchami/oauth2bridge/pkg/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockResolver is a testify mock of identity.Resolver
type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, subject string) (*identity.Identity, error) {
	args := m.Called(ctx, subject)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.Identity), args.Error(1)
}

type fixture struct {
	gate     *Gate
	cache    *cache.TokenCache
	intro    *oidc.MockIntrospector
	settings *config.Settings
}

func newFixture(t *testing.T, introspect func(ctx context.Context, token string) (*oidc.Result, error)) *fixture {
	t.Helper()
	s := config.Default()
	s.SessionTimeoutSec = 60
	s.ExcludePaths = []string{`^/public/`}

	f := &fixture{
		cache:    cache.New(time.Minute),
		intro:    &oidc.MockIntrospector{IntrospectFunc: introspect},
		settings: s,
	}
	f.gate = New(Options{
		Cache:        f.cache,
		Introspector: f.intro,
		Resolver:     identity.NewDirectory([]identity.Identity{{Subject: "alice", Username: "alice.smith"}}),
		Settings:     config.Static{Settings: s},
	})
	return f
}

func active(subject string) func(context.Context, string) (*oidc.Result, error) {
	return func(context.Context, string) (*oidc.Result, error) {
		return &oidc.Result{Active: true, Subject: subject, HTTPStatus: http.StatusOK}, nil
	}
}

// recordIdentity is a downstream handler that echoes the bound identity.
func recordIdentity(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity.FromContext(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(id.Name()))
	})
}

func serve(h http.Handler, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", tt.header)
		got, ok := BearerToken(req)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestGateMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		introspect    func(context.Context, string) (*oidc.Result, error)
		path          string
		authorization string
		validate      func(*testing.T, *fixture, *httptest.ResponseRecorder)
	}{
		{
			name:       "no credential passes through",
			introspect: active("alice"),
			path:       "/rest/api",
			validate: func(t *testing.T, f *fixture, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, "anonymous", w.Body.String())
				assert.Zero(t, f.intro.Calls())
			},
		},
		{
			name:          "bridge endpoints pass through",
			introspect:    active("alice"),
			path:          "/oauth2bridge/revoke",
			authorization: "Bearer tok",
			validate: func(t *testing.T, f *fixture, w *httptest.ResponseRecorder) {
				assert.Equal(t, "anonymous", w.Body.String())
				assert.Zero(t, f.intro.Calls())
			},
		},
		{
			name:          "excluded paths pass through",
			introspect:    active("alice"),
			path:          "/public/logo.png",
			authorization: "Bearer tok",
			validate: func(t *testing.T, f *fixture, w *httptest.ResponseRecorder) {
				assert.Equal(t, "anonymous", w.Body.String())
				assert.Zero(t, f.intro.Calls())
			},
		},
		{
			name:          "active token binds identity and populates cache",
			introspect:    active("alice"),
			path:          "/rest/api",
			authorization: "Bearer tok",
			validate: func(t *testing.T, f *fixture, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, "alice.smith", w.Body.String())
				id, ok := f.cache.Get("tok")
				require.True(t, ok)
				assert.Equal(t, "alice", id.Subject)
			},
		},
		{
			name: "inactive token is rejected and never cached",
			introspect: func(context.Context, string) (*oidc.Result, error) {
				return &oidc.Result{Active: false, HTTPStatus: http.StatusOK, ErrorMessage: oidc.ReasonTokenInvalid}, nil
			},
			path:          "/rest/api",
			authorization: "Bearer tok",
			validate: func(t *testing.T, f *fixture, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusUnauthorized, w.Code)
				assert.Contains(t, w.Body.String(), "TOKEN_INVALID")
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "invalid_token")
				assert.Equal(t, 0, f.cache.Len())
			},
		},
		{
			name: "upstream error message is relayed",
			introspect: func(context.Context, string) (*oidc.Result, error) {
				return &oidc.Result{HTTPStatus: http.StatusServiceUnavailable, ErrorMessage: "maintenance"}, nil
			},
			path:          "/rest/api",
			authorization: "Bearer tok",
			validate: func(t *testing.T, f *fixture, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusUnauthorized, w.Code)
				assert.Contains(t, w.Body.String(), "maintenance")
			},
		},
		{
			name:          "unknown subject fails closed",
			introspect:    active("mallory"),
			path:          "/rest/api",
			authorization: "Bearer tok",
			validate: func(t *testing.T, f *fixture, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusUnauthorized, w.Code)
				assert.Contains(t, w.Body.String(), "subject not recognized locally")
				assert.Equal(t, string(errors.ErrCodeSubjectNotRecognized), w.Header().Get("X-Error-Code"))
				assert.Equal(t, 0, f.cache.Len())
			},
		},
		{
			name: "transport failure is a server error",
			introspect: func(context.Context, string) (*oidc.Result, error) {
				return nil, errors.NewTransportError(stderrors.New("connection refused"), "introspection request failed")
			},
			path:          "/rest/api",
			authorization: "Bearer tok",
			validate: func(t *testing.T, f *fixture, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusInternalServerError, w.Code)
				assert.NotContains(t, w.Body.String(), "connection refused")
				assert.Empty(t, w.Header().Get("WWW-Authenticate"))
			},
		},
		{
			name: "malformed introspection response is a server error",
			introspect: func(context.Context, string) (*oidc.Result, error) {
				return nil, errors.NewProtocolError(stderrors.New("unexpected EOF"), "malformed introspection response")
			},
			path:          "/rest/api",
			authorization: "Bearer tok",
			validate: func(t *testing.T, f *fixture, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusInternalServerError, w.Code)
				assert.Equal(t, 0, f.cache.Len())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.introspect)
			w := serve(f.gate.Middleware(recordIdentity(t)), tt.path, tt.authorization)
			tt.validate(t, f, w)
		})
	}
}

func TestCacheHitSkipsIntrospection(t *testing.T) {
	f := newFixture(t, active("alice"))
	h := f.gate.Middleware(recordIdentity(t))

	for i := 0; i < 3; i++ {
		w := serve(h, "/rest/api", "Bearer tok")
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 1, f.intro.Calls())

	f.cache.Invalidate("tok")
	serve(h, "/rest/api", "Bearer tok")
	assert.Equal(t, 2, f.intro.Calls())
}

func TestIdentityReleasedAfterRequest(t *testing.T) {
	f := newFixture(t, active("alice"))

	var captured context.Context
	h := f.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Context()
		_, ok := identity.FromContext(r.Context())
		assert.True(t, ok)
	}))
	serve(h, "/rest/api", "Bearer tok")

	_, ok := identity.FromContext(captured)
	assert.False(t, ok, "binding must not outlive the request")
}

func TestIdentityReleasedOnPanic(t *testing.T) {
	f := newFixture(t, active("alice"))

	var captured context.Context
	h := f.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Context()
		panic("downstream failure")
	}))
	assert.Panics(t, func() { serve(h, "/rest/api", "Bearer tok") })

	_, ok := identity.FromContext(captured)
	assert.False(t, ok)
}

func TestDownstreamReplacementIsKept(t *testing.T) {
	f := newFixture(t, active("alice"))
	other := &identity.Identity{Subject: "svc"}

	var captured context.Context
	h := f.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Context()
		identity.Replace(r.Context(), other)
	}))
	serve(h, "/rest/api", "Bearer tok")

	id, ok := identity.FromContext(captured)
	require.True(t, ok)
	assert.Same(t, other, id)
}

func TestSessionTimeoutReconfiguresCache(t *testing.T) {
	f := newFixture(t, active("alice"))
	h := f.gate.Middleware(recordIdentity(t))

	serve(h, "/rest/api", "Bearer tok")
	assert.Equal(t, time.Minute, f.cache.TTL())

	f.settings.SessionTimeoutSec = 120
	w := serve(h, "/rest/api", "Bearer tok")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2*time.Minute, f.cache.TTL())
	assert.Equal(t, 1, f.intro.Calls(), "entries survive the reconfiguration")
}

func TestRejectExpiredJWT(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	f := newFixture(t, active("alice"))
	h := f.gate.Middleware(recordIdentity(t))

	w := serve(h, "/rest/api", "Bearer "+expired)
	assert.Equal(t, http.StatusOK, w.Code, "pre-check is off by default")

	f.settings.RejectExpiredJWT = true
	w = serve(h, "/rest/api", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
	_, cached := f.cache.Get(expired)
	assert.False(t, cached)
}

func TestResolverFailure(t *testing.T) {
	resolver := &MockResolver{}
	resolver.On("Resolve", mock.Anything, "alice").Return(nil, stderrors.New("directory offline")).Once()

	s := config.Default()
	g := New(Options{
		Cache:        cache.New(time.Minute),
		Introspector: &oidc.MockIntrospector{IntrospectFunc: active("alice")},
		Resolver:     resolver,
		Settings:     config.Static{Settings: s},
	})

	_, err := g.Authenticate(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, errors.GetHTTPStatus(err))
	resolver.AssertExpectations(t)
}

func TestConcurrentRequestsForSameToken(t *testing.T) {
	f := newFixture(t, active("alice"))
	h := f.gate.Middleware(recordIdentity(t))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := serve(h, "/rest/api", "Bearer shared")
			assert.True(t, strings.HasPrefix(w.Body.String(), "alice"))
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, f.intro.Calls(), 1)
	assert.Equal(t, 1, f.cache.Len())
}
