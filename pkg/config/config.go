// Package config loads the bridge settings and publishes them as an
// immutable snapshot that can be swapped at runtime.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/openchami/oauth2bridge/pkg/errors"
	"github.com/openchami/oauth2bridge/pkg/identity"
	"github.com/openchami/oauth2bridge/pkg/logging"
	"github.com/openchami/oauth2bridge/pkg/trust"
	"gopkg.in/yaml.v3"
)

// Introspection request styles
const (
	IntrospectionPOST = "POST"
	IntrospectionGET  = "GET"
)

// State store backends
const (
	StateBackendMemory = "memory"
	StateBackendRedis  = "redis"
)

// Settings is one snapshot of the bridge configuration. Snapshots are
// never modified after they are published; use Clone to derive a new one.
type Settings struct {
	Listen     string `yaml:"listen"`
	PathPrefix string `yaml:"path_prefix"`
	// PublicURL is the externally visible base URL used to build the callback URL.
	PublicURL string `yaml:"public_url"`

	IntrospectionEndpoint string `yaml:"introspection_endpoint"`
	IntrospectionMethod   string `yaml:"introspection_method"`
	AuthorizeEndpoint     string `yaml:"authorize_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	RevokeEndpoint        string `yaml:"revoke_endpoint"`
	BaseEndpoint          string `yaml:"base_endpoint"`
	BackendEndpoint       string `yaml:"backend_endpoint"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	TrustCACert        string `yaml:"trust_ca_cert,omitempty"`
	// TrustCACertFile, when set, replaces TrustCACert with the file contents.
	TrustCACertFile string `yaml:"trust_ca_cert_file,omitempty"`

	SessionTimeoutSec int `yaml:"session_timeout_sec"`
	StateTTLSec       int `yaml:"state_ttl_sec"`

	ExcludePaths     []string `yaml:"exclude_paths,omitempty"`
	AllowedRedirects []string `yaml:"allowed_redirects,omitempty"`
	DefaultRedirect  string   `yaml:"default_redirect,omitempty"`
	IdentityHeader   string   `yaml:"identity_header"`
	RejectExpiredJWT bool     `yaml:"reject_expired_jwt"`
	MaxBodyBytes     int64    `yaml:"max_body_bytes"`

	Users      []identity.Identity `yaml:"users,omitempty"`
	StateStore StateStoreConfig    `yaml:"state_store"`
	HTTP       HTTPConfig          `yaml:"http"`
	Logging    logging.Config      `yaml:"logging"`
}

// StateStoreConfig selects the OAuth state backend
type StateStoreConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`
	KeyPrefix     string `yaml:"key_prefix,omitempty"`
}

// HTTPConfig bounds outbound connections
type HTTPConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	MaxConns            int           `yaml:"max_conns"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// Default returns the settings used when no file is given
func Default() *Settings {
	return &Settings{
		Listen:              ":8080",
		PathPrefix:          "/oauth2bridge",
		IntrospectionMethod: IntrospectionPOST,
		SessionTimeoutSec:   1800,
		StateTTLSec:         60,
		IdentityHeader:      "X-Forwarded-User",
		MaxBodyBytes:        10 << 20,
		StateStore:          StateStoreConfig{Backend: StateBackendMemory},
		HTTP: HTTPConfig{
			Timeout:             30 * time.Second,
			MaxConns:            200,
			MaxConnsPerHost:     20,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		Logging: *logging.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default().
func Load(path string) (*Settings, error) {
	settings := Default()
	if path == "" {
		return settings, settings.loadCAFile()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to parse config file")
	}
	if err := settings.loadCAFile(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Settings) loadCAFile() error {
	if s.TrustCACertFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.TrustCACertFile)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCodeInvalidConfig, "failed to read CA certificate file %s", s.TrustCACertFile)
	}
	s.TrustCACert = string(data)
	return nil
}

// Save writes settings as YAML, creating the parent directory
func Save(settings *Settings, path string) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks URL syntax, enumerations, exclusion patterns and the CA PEM.
func (s *Settings) Validate() error {
	endpoints := map[string]string{
		"public_url":             s.PublicURL,
		"introspection_endpoint": s.IntrospectionEndpoint,
		"authorize_endpoint":     s.AuthorizeEndpoint,
		"token_endpoint":         s.TokenEndpoint,
		"revoke_endpoint":        s.RevokeEndpoint,
		"base_endpoint":          s.BaseEndpoint,
		"backend_endpoint":       s.BackendEndpoint,
	}
	for name, raw := range endpoints {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.NewInvalidConfig("malformed endpoint URL").WithDetails("field", name)
		}
	}

	switch strings.ToUpper(s.IntrospectionMethod) {
	case "", IntrospectionPOST, IntrospectionGET:
	default:
		return errors.NewInvalidConfig("introspection_method must be POST or GET")
	}

	// The prefix mounts a subrouter next to the backend catch-all, so the root cannot be used.
	if prefix := strings.TrimRight(s.PathPrefix, "/"); prefix == "" || !strings.HasPrefix(prefix, "/") {
		return errors.NewInvalidConfig("path_prefix must start with / and must not be the root").
			WithDetails("path_prefix", s.PathPrefix)
	}

	if _, err := CompileExcludes(s.ExcludePaths); err != nil {
		return err
	}

	if strings.TrimSpace(s.TrustCACert) != "" {
		if _, err := trust.ParseCAPEM(s.TrustCACert); err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidConfig, "trust_ca_cert is not a valid PEM certificate")
		}
	}

	switch s.StateStore.Backend {
	case "", StateBackendMemory:
	case StateBackendRedis:
		if s.StateStore.RedisAddr == "" {
			return errors.New(errors.ErrCodeMissingConfig, "state_store.redis_addr is required for the redis backend")
		}
	default:
		return errors.NewInvalidConfig("unknown state_store.backend").
			WithDetails("backend", s.StateStore.Backend)
	}
	return nil
}

// CompileExcludes compiles the exclusion patterns
func CompileExcludes(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid exclude_paths pattern").
				WithDetails("pattern", p)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Clone returns a deep copy
func (s *Settings) Clone() *Settings {
	c := *s
	c.ExcludePaths = append([]string(nil), s.ExcludePaths...)
	c.AllowedRedirects = append([]string(nil), s.AllowedRedirects...)
	c.Users = append([]identity.Identity(nil), s.Users...)
	return &c
}

// SessionTTL is the idle lifetime of a cached token
func (s *Settings) SessionTTL() time.Duration {
	return time.Duration(s.SessionTimeoutSec) * time.Second
}

// StateTTL is the lifetime of an OAuth state entry
func (s *Settings) StateTTL() time.Duration {
	if s.StateTTLSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.StateTTLSec) * time.Second
}

// CallbackURL is the redirect_uri the bridge registers with the authorization server
func (s *Settings) CallbackURL() string {
	return strings.TrimSuffix(s.PublicURL, "/") + strings.TrimRight(s.PathPrefix, "/") + "/callback"
}

// RevokeURL returns revoke_endpoint, or base_endpoint + "/revoke" when unset
func (s *Settings) RevokeURL() string {
	if s.RevokeEndpoint != "" {
		return s.RevokeEndpoint
	}
	if s.BaseEndpoint == "" {
		return ""
	}
	return strings.TrimSuffix(s.BaseEndpoint, "/") + "/revoke"
}

// TrustOptions maps HTTPConfig onto the client factory options
func (s *Settings) TrustOptions() trust.Options {
	return trust.Options{
		Timeout:             s.HTTP.Timeout,
		MaxConns:            s.HTTP.MaxConns,
		MaxConnsPerHost:     s.HTTP.MaxConnsPerHost,
		MaxIdleConns:        s.HTTP.MaxIdleConns,
		MaxIdleConnsPerHost: s.HTTP.MaxIdleConnsPerHost,
		IdleConnTimeout:     s.HTTP.IdleConnTimeout,
	}
}

// Summary is a log-safe view: secrets and certificates appear only as presence flags.
func (s *Settings) Summary() map[string]interface{} {
	return map[string]interface{}{
		"introspection_endpoint": s.IntrospectionEndpoint,
		"introspection_method":   s.IntrospectionMethod,
		"base_endpoint":          s.BaseEndpoint,
		"backend_endpoint":       s.BackendEndpoint,
		"client_id":              s.ClientID,
		"has_secret":             s.ClientSecret != "",
		"has_ca":                 strings.TrimSpace(s.TrustCACert) != "",
		"insecure_skip_verify":   s.InsecureSkipVerify,
		"session_timeout_sec":    s.SessionTimeoutSec,
		"state_backend":          s.StateStore.Backend,
		"users":                  len(s.Users),
	}
}
