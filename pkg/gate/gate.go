// Package gate authenticates bearer requests against the token cache and the
// introspection endpoint before they reach the rest of the handler chain.
package gate

import (
	"context"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openchami/oauth2bridge/pkg/cache"
	"github.com/openchami/oauth2bridge/pkg/config"
	"github.com/openchami/oauth2bridge/pkg/errors"
	"github.com/openchami/oauth2bridge/pkg/identity"
	"github.com/openchami/oauth2bridge/pkg/logging"
	"github.com/openchami/oauth2bridge/pkg/metrics"
	"github.com/openchami/oauth2bridge/pkg/oidc"
)

// Options wires a Gate to its collaborators. All fields except Now are required.
type Options struct {
	Cache        *cache.TokenCache
	Introspector oidc.Introspector
	Resolver     identity.Resolver
	Settings     config.Source
	// Now is used by the expired JWT pre-check; defaults to time.Now.
	Now func() time.Time
}

// Gate is the authentication filter
type Gate struct {
	cache        *cache.TokenCache
	introspector oidc.Introspector
	resolver     identity.Resolver
	settings     config.Source
	now          func() time.Time

	excludes atomic.Pointer[excludeSet]
}

// excludeSet memoizes the compiled exclude_paths of one settings snapshot.
type excludeSet struct {
	patterns []string
	compiled []*regexp.Regexp
}

// New creates a Gate
func New(opts Options) *Gate {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		cache:        opts.Cache,
		introspector: opts.Introspector,
		resolver:     opts.Resolver,
		settings:     opts.Settings,
		now:          now,
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Middleware returns the gate as chi-compatible middleware. Requests without
// a bearer token, and requests for the bridge's own endpoints, pass through
// unauthenticated. Any identity bound here is released once next returns.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := g.settings.Current()

		token, ok := BearerToken(r)
		if !ok || g.Excluded(r.URL.Path, s) {
			metrics.RecordGateDecision(metrics.DecisionPassthrough)
			next.ServeHTTP(w, r)
			return
		}

		id, err := g.authenticate(r.Context(), s, token)
		if err != nil {
			reject(w, r, err)
			return
		}

		ctx, release := identity.Bind(r.Context(), id)
		defer release()
		ctx = logging.WithSubject(ctx, id.Subject)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate resolves token to a local identity, consulting the cache first.
func (g *Gate) Authenticate(ctx context.Context, token string) (*identity.Identity, error) {
	return g.authenticate(ctx, g.settings.Current(), token)
}

func (g *Gate) authenticate(ctx context.Context, s *config.Settings, token string) (*identity.Identity, error) {
	logger := logging.NewStructuredLoggerFromContext(ctx, "gate").WithToken(token)

	// Session timeout changes reach the cache here and nowhere else.
	g.cache.EnsureTTL(s.SessionTTL())

	if s.RejectExpiredJWT && oidc.ExpiredJWT(token, g.now()) {
		g.cache.Invalidate(token)
		metrics.RecordGateDecision(metrics.DecisionRejected)
		logger.Debug("rejected expired JWT before introspection")
		return nil, errors.New(errors.ErrCodeTokenExpired, "TOKEN_EXPIRED")
	}

	if id, ok := g.cache.Get(token); ok {
		metrics.RecordGateDecision(metrics.DecisionCacheHit)
		return id, nil
	}

	result, err := g.introspector.Introspect(ctx, token)
	if err != nil {
		metrics.RecordGateDecision(metrics.DecisionError)
		return nil, errors.NewInternalError(err, "token introspection failed")
	}
	if !result.Active {
		metrics.RecordGateDecision(metrics.DecisionRejected)
		msg := result.ErrorMessage
		if msg == "" {
			msg = oidc.ReasonTokenInvalid
		}
		logger.WithField("introspection_status", result.HTTPStatus).Infof("token rejected: %s", msg)
		return nil, errors.NewTokenInvalid(msg)
	}

	id, err := g.resolver.Resolve(ctx, result.Subject)
	if err != nil {
		metrics.RecordGateDecision(metrics.DecisionError)
		return nil, errors.NewInternalError(err, "identity lookup failed")
	}
	if id == nil {
		metrics.RecordGateDecision(metrics.DecisionRejected)
		logger.WithField("subject", result.Subject).Warn("introspected subject has no local identity")
		return nil, errors.New(errors.ErrCodeSubjectNotRecognized, "subject not recognized locally")
	}

	g.cache.Put(token, id)
	metrics.RecordGateDecision(metrics.DecisionAccepted)
	logger.WithField("subject", id.Subject).Debug("token accepted")
	return id, nil
}

// Excluded reports whether path belongs to the bridge itself or matches one
// of the configured exclude_paths expressions.
func (g *Gate) Excluded(path string, s *config.Settings) bool {
	if prefix := strings.TrimRight(s.PathPrefix, "/"); prefix != "" {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	for _, re := range g.compiledExcludes(s.ExcludePaths) {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (g *Gate) compiledExcludes(patterns []string) []*regexp.Regexp {
	if len(patterns) == 0 {
		return nil
	}
	if set := g.excludes.Load(); set != nil && slices.Equal(set.patterns, patterns) {
		return set.compiled
	}
	// Settings were validated before publication, so compile errors are not expected here.
	compiled, err := config.CompileExcludes(patterns)
	if err != nil {
		logging.NewStructuredLogger("gate").WithError(err).Error("ignoring invalid exclude_paths")
		return nil
	}
	g.excludes.Store(&excludeSet{patterns: append([]string(nil), patterns...), compiled: compiled})
	return compiled
}

func reject(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.GetHTTPStatus(err)
	logger := logging.NewStructuredLoggerFromContext(r.Context(), "gate")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	} else {
		logger.WithError(err).Error("authentication failed")
	}
	errors.WriteHTTP(w, err)
}
