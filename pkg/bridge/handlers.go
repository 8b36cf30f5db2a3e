package bridge

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/openchami/oauth2bridge/pkg/config"
	"github.com/openchami/oauth2bridge/pkg/errors"
	"github.com/openchami/oauth2bridge/pkg/identity"
	"github.com/openchami/oauth2bridge/pkg/logging"
	"github.com/openchami/oauth2bridge/pkg/proxy"
	"github.com/openchami/oauth2bridge/pkg/state"
)

// handleAuthorize stashes the caller's redirect target under a fresh state
// and sends the browser to the authorization endpoint with the bridge's own
// callback in its place.
func (svc *Service) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	s := svc.settings.Current()
	logger := logging.NewStructuredLoggerFromContext(r.Context(), "authorize")

	if s.AuthorizeEndpoint == "" {
		svc.fail(w, r, errors.New(errors.ErrCodeMissingConfig, "authorize endpoint is not configured"))
		return
	}

	params := r.URL.Query()
	target := params.Get("redirect_uri")
	if target == "" {
		target = s.DefaultRedirect
	}
	if target == "" {
		svc.fail(w, r, errors.NewInvalidRequest("missing redirect_uri"))
		return
	}
	if !redirectAllowed(s, target) {
		logger.WithField("redirect_uri", target).Warn("redirect target rejected")
		svc.fail(w, r, errors.New(errors.ErrCodeRedirectNotAllowed, "redirect_uri is not allowed"))
		return
	}

	st, err := state.Generate()
	if err != nil {
		svc.fail(w, r, errors.NewInternalError(err, "failed to generate state"))
		return
	}
	if err := svc.states.Store(r.Context(), st, target, s.StateTTL()); err != nil {
		svc.fail(w, r, errors.NewInternalError(err, "failed to store state"))
		return
	}

	params.Set("state", st)
	params.Set("redirect_uri", s.CallbackURL())

	logger.WithField("state", logging.MaskToken(st)).Debug("redirecting to authorization endpoint")
	http.Redirect(w, r, withQuery(s.AuthorizeEndpoint, params), http.StatusSeeOther)
}

// handleCallback consumes the state exactly once and returns the browser to
// the stashed target with the authorization code attached.
func (svc *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	logger := logging.NewStructuredLoggerFromContext(r.Context(), "callback")
	params := r.URL.Query()

	if reason := params.Get("error"); reason != "" {
		logger.WithField("error", reason).Warn("authorization server returned an error")
		svc.fail(w, r, errors.New(errors.ErrCodeAuthorizationFailed, "authorization failed: "+reason))
		return
	}

	code, st := params.Get("code"), params.Get("state")
	if code == "" || st == "" {
		svc.fail(w, r, errors.NewInvalidRequest("missing code or state parameter"))
		return
	}

	target, ok, err := svc.states.RetrieveAndRemove(r.Context(), st)
	if err != nil {
		svc.fail(w, r, errors.NewInternalError(err, "failed to read state"))
		return
	}
	if !ok {
		logger.WithField("state", logging.MaskToken(st)).Warn("unknown or expired state")
		svc.fail(w, r, errors.NewInvalidState("invalid or expired state"))
		return
	}

	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	http.Redirect(w, r, target+sep+"code="+url.QueryEscape(code), http.StatusSeeOther)
}

// handleToken exchanges an authorization code at the token endpoint on the
// caller's behalf, authenticating as the bridge client, and relays the
// response unchanged.
func (svc *Service) handleToken(w http.ResponseWriter, r *http.Request) {
	s := svc.settings.Current()
	if s.TokenEndpoint == "" {
		svc.fail(w, r, errors.New(errors.ErrCodeMissingConfig, "token endpoint is not configured"))
		return
	}

	in, err := proxy.Capture(r, s.MaxBodyBytes)
	if err != nil {
		svc.fail(w, r, err)
		return
	}

	params := in.Params()
	// Must match the redirect_uri sent on /authorize.
	params.Set("redirect_uri", s.CallbackURL())
	if params.Get("grant_type") == "" {
		params.Set("grant_type", "authorization_code")
	}
	params.Del("client_secret")

	out := r.Clone(r.Context())
	out.Method = http.MethodPost
	out.URL.RawQuery = ""
	out.Header = http.Header{}
	for _, h := range []string{"Accept", "User-Agent"} {
		if v := r.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}
	if s.ClientID != "" {
		out.SetBasicAuth(s.ClientID, s.ClientSecret)
	}

	svc.tokenFwd.ForwardBuffered(w, out, proxy.NewBufferedForm(params), s.TokenEndpoint)
}

// handleRevoke drops the token from the local cache first, so local
// invalidation holds even when the upstream revoke fails.
func (svc *Service) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s := svc.settings.Current()

	in, err := proxy.Capture(r, s.MaxBodyBytes)
	if err != nil {
		svc.fail(w, r, err)
		return
	}

	if token := in.Param("token"); token != "" {
		removed := svc.cache.Invalidate(token)
		logging.NewStructuredLoggerFromContext(r.Context(), "revoke").
			WithToken(token).
			WithField("cached", removed).
			Info("token invalidated locally")
	}

	target := s.RevokeURL()
	if target == "" {
		svc.fail(w, r, errors.New(errors.ErrCodeMissingConfig, "revoke endpoint is not configured"))
		return
	}
	svc.revokeFwd.ForwardBuffered(w, r, in, proxy.JoinURL(target, "", r.URL.RawQuery))
}

// handleProxy relays {prefix}/proxy/{subPath} to {base_endpoint}/{subPath}
func (svc *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	s := svc.settings.Current()
	if s.BaseEndpoint == "" {
		svc.fail(w, r, errors.New(errors.ErrCodeMissingConfig, "base endpoint is not configured"))
		return
	}
	subPath := strings.TrimPrefix(r.URL.EscapedPath(), svc.prefix+"/proxy")
	if err := proxy.CheckSubPath(subPath); err != nil {
		svc.fail(w, r, err)
		return
	}
	svc.proxyFwd.Forward(w, r, proxy.JoinURL(s.BaseEndpoint, subPath, r.URL.RawQuery))
}

// handleBackend forwards everything outside the bridge prefix to the
// protected backend. The identity header is only ever set from an identity
// bound by the gate.
func (svc *Service) handleBackend(w http.ResponseWriter, r *http.Request) {
	s := svc.settings.Current()
	if s.BackendEndpoint == "" {
		http.NotFound(w, r)
		return
	}

	if err := proxy.CheckSubPath(r.URL.EscapedPath()); err != nil {
		svc.fail(w, r, err)
		return
	}

	if s.IdentityHeader != "" {
		r.Header.Del(s.IdentityHeader)
		if id, ok := identity.FromContext(r.Context()); ok {
			r.Header.Set(s.IdentityHeader, id.Name())
		}
	}
	svc.backendFwd.Forward(w, r, proxy.JoinURL(s.BackendEndpoint, r.URL.EscapedPath(), r.URL.RawQuery))
}

func (svc *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        "ok",
		"cache_entries": svc.cache.Len(),
		"cache_ttl":     svc.cache.TTL().String(),
	})
}

func (svc *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.NewStructuredLoggerFromContext(r.Context(), "bridge").WithError(err)
	if errors.GetHTTPStatus(err) >= http.StatusInternalServerError {
		logger.Error("request failed")
	} else {
		logger.Debug("request rejected")
	}
	errors.WriteHTTP(w, err)
}

// redirectAllowed accepts absolute http(s) URLs and rooted paths, limited to
// allowed_redirects prefixes when that list is set.
func redirectAllowed(s *config.Settings, target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	switch {
	case u.Scheme == "" && u.Host == "":
		if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
			return false
		}
	case u.Scheme != "http" && u.Scheme != "https":
		return false
	}

	if len(s.AllowedRedirects) == 0 {
		return true
	}
	for _, prefix := range s.AllowedRedirects {
		if strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

// withQuery replaces the query of endpoint with params, keeping any
// parameters already present on endpoint that params does not override.
func withQuery(endpoint string, params url.Values) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	merged := u.Query()
	for k, v := range params {
		merged[k] = v
	}
	u.RawQuery = merged.Encode()
	return u.String()
}
