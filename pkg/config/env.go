package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/openchami/oauth2bridge/pkg/logging"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "OAUTH2BRIDGE_"

// ApplyEnv overrides settings from OAUTH2BRIDGE_* variables. The client
// credentials also fall back to OIDC_CLIENT_ID and OIDC_CLIENT_SECRET.
func ApplyEnv(s *Settings) {
	str := map[string]*string{
		"LISTEN":                 &s.Listen,
		"PUBLIC_URL":             &s.PublicURL,
		"INTROSPECTION_ENDPOINT": &s.IntrospectionEndpoint,
		"AUTHORIZE_ENDPOINT":     &s.AuthorizeEndpoint,
		"TOKEN_ENDPOINT":         &s.TokenEndpoint,
		"REVOKE_ENDPOINT":        &s.RevokeEndpoint,
		"BASE_ENDPOINT":          &s.BaseEndpoint,
		"BACKEND_ENDPOINT":       &s.BackendEndpoint,
		"CLIENT_ID":              &s.ClientID,
		"CLIENT_SECRET":          &s.ClientSecret,
		"REDIS_ADDR":             &s.StateStore.RedisAddr,
		"REDIS_PASSWORD":         &s.StateStore.RedisPassword,
	}
	for name, field := range str {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*field = v
		}
	}

	if s.ClientID == "" {
		s.ClientID = os.Getenv("OIDC_CLIENT_ID")
	}
	if s.ClientSecret == "" {
		s.ClientSecret = os.Getenv("OIDC_CLIENT_SECRET")
	}

	if v := os.Getenv(EnvPrefix + "STATE_BACKEND"); v != "" {
		s.StateStore.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPrefix + "INSECURE_SKIP_VERIFY"); v != "" {
		s.InsecureSkipVerify, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv(EnvPrefix + "SESSION_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.SessionTimeoutSec = n
		}
	}
	if v := os.Getenv(EnvPrefix + "TRUST_CA_CERT_FILE"); v != "" {
		s.TrustCACertFile = v
		if err := s.loadCAFile(); err != nil {
			logging.NewStructuredLogger("config").WithError(err).Error("ignoring CA certificate file from environment")
			s.TrustCACertFile = ""
		}
	}

	logging.ApplyEnv(&s.Logging)
}
