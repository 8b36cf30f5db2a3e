// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package bridge assembles the bridge HTTP service: the OAuth handshake
// endpoints, token revocation, the generic upstream proxy and the
// authenticated route to the protected backend.
package bridge

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	chilog "github.com/openchami/chi-middleware/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/openchami/oauth2bridge/pkg/cache"
	"github.com/openchami/oauth2bridge/pkg/config"
	"github.com/openchami/oauth2bridge/pkg/errors"
	"github.com/openchami/oauth2bridge/pkg/gate"
	"github.com/openchami/oauth2bridge/pkg/identity"
	"github.com/openchami/oauth2bridge/pkg/logging"
	"github.com/openchami/oauth2bridge/pkg/oidc"
	"github.com/openchami/oauth2bridge/pkg/proxy"
	"github.com/openchami/oauth2bridge/pkg/state"
	"github.com/openchami/oauth2bridge/pkg/trust"
)

// Options configures a Service. Settings is required; the other
// collaborators default to the implementations selected by the settings.
type Options struct {
	Settings     *config.Store
	Introspector oidc.Introspector
	Resolver     identity.Resolver
	StateStore   state.Store
	// ClientFactory supplies outbound clients; built from the settings when nil.
	ClientFactory *trust.Factory
}

// Service is the bridge HTTP service
type Service struct {
	settings  *config.Store
	factory   *trust.Factory
	cache     *cache.TokenCache
	states    state.Store
	directory *identity.Directory
	gate      *gate.Gate

	proxyFwd   *proxy.Forwarder
	tokenFwd   *proxy.Forwarder
	revokeFwd  *proxy.Forwarder
	backendFwd *proxy.Forwarder

	prefix  string
	handler http.Handler
	server  *http.Server
	logger  *logging.StructuredLogger
}

// New wires a Service from opts
func New(opts Options) (*Service, error) {
	if opts.Settings == nil {
		return nil, errors.New(errors.ErrCodeMissingConfig, "settings store is required")
	}
	s := opts.Settings.Current()

	svc := &Service{
		settings: opts.Settings,
		factory:  opts.ClientFactory,
		cache:    cache.New(s.SessionTTL()),
		states:   opts.StateStore,
		prefix:   strings.TrimRight(s.PathPrefix, "/"),
		logger:   logging.NewStructuredLogger("bridge"),
	}
	if svc.factory == nil {
		svc.factory = trust.NewFactory(s.TrustOptions())
	}
	if svc.states == nil {
		svc.states = NewStateStore(s)
	}

	resolver := opts.Resolver
	if resolver == nil {
		svc.directory = identity.NewDirectory(s.Users)
		opts.Settings.OnChange(func(_, next *config.Settings) {
			svc.directory.Replace(next.Users)
		})
		resolver = svc.directory
	}

	introspector := opts.Introspector
	if introspector == nil {
		introspector = oidc.NewIntrospector(opts.Settings, svc.factory)
	}

	svc.gate = gate.New(gate.Options{
		Cache:        svc.cache,
		Introspector: introspector,
		Resolver:     resolver,
		Settings:     opts.Settings,
	})

	svc.proxyFwd = proxy.NewForwarder(opts.Settings, svc.factory, proxy.WithRoute("proxy"))
	svc.tokenFwd = proxy.NewForwarder(opts.Settings, svc.factory, proxy.WithRoute("token"))
	svc.revokeFwd = proxy.NewForwarder(opts.Settings, svc.factory, proxy.WithRoute("revoke"))
	svc.backendFwd = proxy.NewForwarder(opts.Settings, svc.factory, proxy.WithRoute("backend"))

	svc.handler = svc.routes()
	svc.server = &http.Server{
		Addr:              s.Listen,
		Handler:           svc.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return svc, nil
}

// NewStateStore returns the state backend named by the settings
func NewStateStore(s *config.Settings) state.Store {
	if s.StateStore.Backend == config.StateBackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     s.StateStore.RedisAddr,
			Password: s.StateStore.RedisPassword,
			DB:       s.StateStore.RedisDB,
		})
		return state.NewRedisStore(client, s.StateStore.KeyPrefix)
	}
	return state.NewMemoryStore(state.DefaultMemoryOptions())
}

func (svc *Service) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(chilog.OpenCHAMILogger(logging.NewStructuredLogger("http").Zerolog()))
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(svc.gate.Middleware)

	r.Route(svc.prefix, func(r chi.Router) {
		r.Get("/authorize", svc.handleAuthorize)
		r.Get("/callback", svc.handleCallback)
		r.Get("/token", svc.handleToken)
		r.Post("/token", svc.handleToken)
		r.Post("/revoke", svc.handleRevoke)
		r.Post("/invoke", svc.handleRevoke)
		r.HandleFunc("/proxy/*", svc.handleProxy)
		r.Get("/healthz", svc.handleHealth)
		r.Handle("/metrics", promhttp.Handler())
	})

	r.HandleFunc("/*", svc.handleBackend)
	return r
}

// Handler returns the root HTTP handler
func (svc *Service) Handler() http.Handler {
	return svc.handler
}

// Cache exposes the token cache
func (svc *Service) Cache() *cache.TokenCache {
	return svc.cache
}

// Start serves on the configured listen address until Shutdown is called
func (svc *Service) Start() error {
	svc.logger.WithFields(svc.settings.Current().Summary()).
		WithField("listen", svc.server.Addr).
		Info("starting oauth2bridge")

	if err := svc.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, errors.ErrCodeInternal, "server failed")
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx is
// done, then releases the state store and outbound clients.
func (svc *Service) Shutdown(ctx context.Context) error {
	err := svc.server.Shutdown(ctx)
	if cerr := svc.states.Close(); cerr != nil && err == nil {
		err = cerr
	}
	svc.factory.Close()
	svc.logger.Info("oauth2bridge stopped")
	return err
}
