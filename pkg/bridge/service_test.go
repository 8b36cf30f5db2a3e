package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/openchami/oauth2bridge/pkg/config"
	"github.com/openchami/oauth2bridge/pkg/identity"
	"github.com/openchami/oauth2bridge/pkg/oidc"
	"github.com/openchami/oauth2bridge/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBridge struct {
	svc      *Service
	store    *config.Store
	intro    *oidc.MockIntrospector
	handler  http.Handler
	upstream *httptest.Server
	// lastUpstream is the most recent request seen by the upstream server
	lastUpstream chan *http.Request
}

func newTestBridge(t *testing.T, mutate func(*config.Settings)) *testBridge {
	t.Helper()

	tb := &testBridge{lastUpstream: make(chan *http.Request, 16)}
	tb.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		tb.lastUpstream <- r.Clone(context.Background())

		switch r.URL.Path {
		case "/oauth2/token":
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Set-Cookie", "idp_session=1")
			_, _ = w.Write([]byte(`{"access_token":"at-123","token_type":"bearer","echo":"` + url.QueryEscape(string(body)) + `"}`))
		case "/oauth2/revoke":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("revocation unavailable"))
		default:
			w.Header().Set("X-Upstream-Path", r.URL.Path)
			_, _ = w.Write([]byte("user=" + r.Header.Get("X-Forwarded-User")))
		}
	}))
	t.Cleanup(tb.upstream.Close)

	s := config.Default()
	s.PublicURL = "https://bridge.example.com"
	s.AuthorizeEndpoint = "https://idp.example.com/oauth2/auth?audience=jira"
	s.TokenEndpoint = tb.upstream.URL + "/oauth2/token"
	s.RevokeEndpoint = tb.upstream.URL + "/oauth2/revoke"
	s.IntrospectionEndpoint = tb.upstream.URL + "/oauth2/introspect"
	s.BaseEndpoint = tb.upstream.URL
	s.BackendEndpoint = tb.upstream.URL
	s.ClientID = "bridge"
	s.ClientSecret = "bridge-secret"
	s.Users = []identity.Identity{{Subject: "alice", Username: "alice.smith"}}
	if mutate != nil {
		mutate(s)
	}

	store, err := config.NewStore(s)
	require.NoError(t, err)
	tb.store = store

	tb.intro = &oidc.MockIntrospector{IntrospectFunc: func(_ context.Context, token string) (*oidc.Result, error) {
		if token == "good" {
			return &oidc.Result{Active: true, Subject: "alice", HTTPStatus: http.StatusOK}, nil
		}
		return &oidc.Result{HTTPStatus: http.StatusOK, ErrorMessage: oidc.ReasonTokenInvalid}, nil
	}}

	svc, err := New(Options{Settings: store, Introspector: tb.intro})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	tb.svc = svc
	tb.handler = svc.Handler()
	return tb
}

func (tb *testBridge) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	tb.handler.ServeHTTP(rec, req)
	return rec
}

func (tb *testBridge) upstreamRequest(t *testing.T) *http.Request {
	t.Helper()
	select {
	case r := <-tb.lastUpstream:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was not called")
		return nil
	}
}

func TestAuthorizeCallbackRoundTrip(t *testing.T) {
	tb := newTestBridge(t, nil)

	rec := tb.do(httptest.NewRequest(http.MethodGet,
		"/oauth2bridge/authorize?client_id=app&scope=openid&redirect_uri="+url.QueryEscape("https://app.example.com/home?tab=1"), nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", loc.Host)
	assert.Equal(t, "/oauth2/auth", loc.Path)

	q := loc.Query()
	assert.Equal(t, "app", q.Get("client_id"))
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "jira", q.Get("audience"), "endpoint parameters are kept")
	assert.Equal(t, "https://bridge.example.com/oauth2bridge/callback", q.Get("redirect_uri"))
	st := q.Get("state")
	require.Len(t, st, 43)

	rec = tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/callback?code=c0de&state="+st, nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://app.example.com/home?tab=1&code=c0de", rec.Header().Get("Location"))

	rec = tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/callback?code=c0de&state="+st, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "state is single use")
	assert.Contains(t, rec.Body.String(), "invalid or expired state")
}

func TestAuthorizeRedirectPolicy(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.Settings)
		query    string
		validate func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name:  "missing redirect_uri without default",
			query: "client_id=app",
			validate: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Contains(t, w.Body.String(), "missing redirect_uri")
			},
		},
		{
			name:   "missing redirect_uri uses default",
			mutate: func(s *config.Settings) { s.DefaultRedirect = "/secure/Dashboard.jspa" },
			query:  "client_id=app",
			validate: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusSeeOther, w.Code)
			},
		},
		{
			name:  "script scheme is refused",
			query: "redirect_uri=" + url.QueryEscape("javascript:alert(1)"),
			validate: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Equal(t, "REDIRECT_NOT_ALLOWED", w.Header().Get("X-Error-Code"))
			},
		},
		{
			name:  "protocol relative target is refused",
			query: "redirect_uri=" + url.QueryEscape("//evil.example.com/"),
			validate: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusBadRequest, w.Code)
			},
		},
		{
			name:   "target outside allow-list",
			mutate: func(s *config.Settings) { s.AllowedRedirects = []string{"https://app.example.com/"} },
			query:  "redirect_uri=" + url.QueryEscape("https://app.example.com.evil.net/"),
			validate: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Equal(t, "REDIRECT_NOT_ALLOWED", w.Header().Get("X-Error-Code"))
			},
		},
		{
			name:   "target inside allow-list",
			mutate: func(s *config.Settings) { s.AllowedRedirects = []string{"https://app.example.com/"} },
			query:  "redirect_uri=" + url.QueryEscape("https://app.example.com/cb"),
			validate: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusSeeOther, w.Code)
			},
		},
		{
			name:   "authorize endpoint not configured",
			mutate: func(s *config.Settings) { s.AuthorizeEndpoint = "" },
			query:  "redirect_uri=/home",
			validate: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, http.StatusInternalServerError, w.Code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBridge(t, tt.mutate)
			tt.validate(t, tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/authorize?"+tt.query, nil)))
		})
	}
}

func TestCallbackErrors(t *testing.T) {
	tb := newTestBridge(t, nil)

	rec := tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/callback?error=access_denied&state=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "authorization failed: access_denied")

	rec = tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/callback?state=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/callback?code=x&state=never-issued", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_STATE", rec.Header().Get("X-Error-Code"))
}

func TestTokenRelay(t *testing.T) {
	tb := newTestBridge(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/oauth2bridge/token", strings.NewReader("code=c0de&redirect_uri=https://attacker.example.com"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", "JSESSIONID=abc")
	rec := tb.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Values("Set-Cookie"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "at-123", body["access_token"])

	up := tb.upstreamRequest(t)
	assert.Equal(t, http.MethodPost, up.Method)
	user, pass, ok := up.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "bridge", user)
	assert.Equal(t, "bridge-secret", pass)
	assert.Empty(t, up.Header.Get("Cookie"))

	require.NoError(t, up.ParseForm())
	assert.Equal(t, "c0de", up.PostForm.Get("code"))
	assert.Equal(t, "authorization_code", up.PostForm.Get("grant_type"))
	assert.Equal(t, "https://bridge.example.com/oauth2bridge/callback", up.PostForm.Get("redirect_uri"))
}

func TestTokenRelayFromQuery(t *testing.T) {
	tb := newTestBridge(t, nil)

	rec := tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/token?code=q1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	up := tb.upstreamRequest(t)
	require.NoError(t, up.ParseForm())
	assert.Equal(t, http.MethodPost, up.Method)
	assert.Equal(t, "q1", up.PostForm.Get("code"))
}

func TestRevokeInvalidatesBeforeForwarding(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.svc.Cache().Put("tok-1", &identity.Identity{Subject: "alice"})
	tb.svc.Cache().Put("tok-2", &identity.Identity{Subject: "alice"})

	req := httptest.NewRequest(http.MethodPost, "/oauth2bridge/revoke?token=tok-1", strings.NewReader("token=tok-2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := tb.do(req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "upstream status is relayed")
	assert.Equal(t, "revocation unavailable", rec.Body.String())

	_, ok := tb.svc.Cache().Get("tok-1")
	assert.False(t, ok, "query token takes precedence and is invalidated")
	_, ok = tb.svc.Cache().Get("tok-2")
	assert.True(t, ok)

	up := tb.upstreamRequest(t)
	body, _ := io.ReadAll(up.Body)
	assert.Equal(t, "token=tok-2", string(body))
}

func TestInvokeAlias(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.svc.Cache().Put("tok", &identity.Identity{Subject: "alice"})

	req := httptest.NewRequest(http.MethodPost, "/oauth2bridge/invoke", strings.NewReader("token=tok"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tb.do(req)

	_, ok := tb.svc.Cache().Get("tok")
	assert.False(t, ok)
}

func TestGenericProxy(t *testing.T) {
	tb := newTestBridge(t, nil)

	rec := tb.do(httptest.NewRequest(http.MethodDelete, "/oauth2bridge/proxy/admin/clients/42?force=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/admin/clients/42", rec.Header().Get("X-Upstream-Path"))

	up := tb.upstreamRequest(t)
	assert.Equal(t, http.MethodDelete, up.Method)
	assert.Equal(t, "force=true", up.URL.RawQuery)
}

func TestBackendIdentityHeader(t *testing.T) {
	tb := newTestBridge(t, nil)

	t.Run("verified identity is forwarded", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rest/api/2/myself", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := tb.do(req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user=alice.smith", rec.Body.String())
		assert.Equal(t, "/rest/api/2/myself", rec.Header().Get("X-Upstream-Path"))
		<-tb.lastUpstream
	})

	t.Run("spoofed header is stripped", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rest/api/2/myself", nil)
		req.Header.Set("X-Forwarded-User", "admin")
		rec := tb.do(req)
		assert.Equal(t, "user=", rec.Body.String())
		<-tb.lastUpstream
	})

	t.Run("inactive token never reaches the backend", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rest/api/2/myself", nil)
		req.Header.Set("Authorization", "Bearer revoked")
		rec := tb.do(req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "TOKEN_INVALID")
		assert.Empty(t, tb.lastUpstream)
	})
}

func TestBridgeEndpointsSkipAuthentication(t *testing.T) {
	tb := newTestBridge(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/oauth2bridge/healthz", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	rec := tb.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, tb.intro.Calls())

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/callback?code=x&state=y", nil))

	rec := tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "oauth2bridge_state_operations_total")
}

func TestUserDirectoryFollowsSettings(t *testing.T) {
	tb := newTestBridge(t, nil)
	tb.intro.IntrospectFunc = func(context.Context, string) (*oidc.Result, error) {
		return &oidc.Result{Active: true, Subject: "bob", HTTPStatus: http.StatusOK}, nil
	}

	req := httptest.NewRequest(http.MethodGet, "/rest/api", nil)
	req.Header.Set("Authorization", "Bearer bob-token")
	assert.Equal(t, http.StatusUnauthorized, tb.do(req).Code)

	next := tb.store.Current().Clone()
	next.Users = append(next.Users, identity.Identity{Subject: "bob"})
	require.NoError(t, tb.store.Update(next))

	req = httptest.NewRequest(http.MethodGet, "/rest/api", nil)
	req.Header.Set("Authorization", "Bearer bob-token")
	rec := tb.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user=bob", rec.Body.String())
}

func TestStartAndShutdown(t *testing.T) {
	store, err := config.NewStore(func() *config.Settings {
		s := config.Default()
		s.Listen = "127.0.0.1:0"
		return s
	}())
	require.NoError(t, err)

	svc, err := New(Options{Settings: store})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestNewRequiresSettings(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNewStateStoreSelectsBackend(t *testing.T) {
	s := config.Default()
	mem := NewStateStore(s)
	defer func() { _ = mem.Close() }()
	assert.IsType(t, &state.MemoryStore{}, mem)

	s.StateStore.Backend = config.StateBackendRedis
	s.StateStore.RedisAddr = "127.0.0.1:1"
	rs := NewStateStore(s)
	defer func() { _ = rs.Close() }()
	assert.IsType(t, &state.RedisStore{}, rs)
}

func TestProxyStaysUnderBaseEndpoint(t *testing.T) {
	tb := newTestBridge(t, func(s *config.Settings) { s.BaseEndpoint += "/api/v1" })

	rec := tb.do(httptest.NewRequest(http.MethodGet, "/oauth2bridge/proxy/users/1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/v1/users/1", rec.Header().Get("X-Upstream-Path"))
	<-tb.lastUpstream

	for _, path := range []string{
		"/oauth2bridge/proxy/../../admin/secret",
		"/oauth2bridge/proxy/users/./1",
		"/oauth2bridge/proxy/%2e%2e/%2E%2E/admin/secret",
		"/oauth2bridge/proxy/users/..%2f..%2fadmin",
	} {
		t.Run(path, func(t *testing.T) {
			rec := tb.do(httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_REQUEST", rec.Header().Get("X-Error-Code"))
			assert.Empty(t, tb.lastUpstream)
		})
	}
}

func TestBackendRejectsDotSegments(t *testing.T) {
	tb := newTestBridge(t, func(s *config.Settings) { s.BackendEndpoint += "/jira" })

	req := httptest.NewRequest(http.MethodGet, "/rest/../../admin", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := tb.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, tb.lastUpstream)
}

func TestPathPrefixWithTrailingSlash(t *testing.T) {
	tb := newTestBridge(t, func(s *config.Settings) { s.PathPrefix = "/bridge/" })

	rec := tb.do(httptest.NewRequest(http.MethodGet, "/bridge/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = tb.do(httptest.NewRequest(http.MethodGet, "/bridge/authorize?redirect_uri=/home", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https://bridge.example.com/bridge/callback", loc.Query().Get("redirect_uri"))
}

func TestRootPathPrefixIsRejected(t *testing.T) {
	for _, prefix := range []string{"", "/"} {
		s := config.Default()
		s.PathPrefix = prefix
		_, err := config.NewStore(s)
		assert.Error(t, err, "prefix %q", prefix)
	}
}
