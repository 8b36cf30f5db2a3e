// Package oidc talks to the authorization server's token introspection endpoint.
package oidc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openchami/oauth2bridge/pkg/config"
	"github.com/openchami/oauth2bridge/pkg/errors"
	"github.com/openchami/oauth2bridge/pkg/logging"
	"github.com/openchami/oauth2bridge/pkg/metrics"
)

// Error messages carried by inactive results
const (
	ReasonTokenInvalid  = "TOKEN_INVALID"
	ReasonEmptyResponse = "empty response"
)

const (
	// maxResponseBytes caps how much of an introspection response is read.
	maxResponseBytes = 1 << 20
	// maxMessageBytes caps an upstream error body carried in a Result.
	maxMessageBytes = 256
)

// ClientProvider supplies the outbound client for a trust policy
type ClientProvider interface {
	Client(insecureSkipVerify bool, caPEM string) (*http.Client, error)
}

// Introspector validates tokens against a remote endpoint
type Introspector interface {
	Introspect(ctx context.Context, token string) (*Result, error)
}

// Result is the outcome of one introspection call. An active result always
// has a Subject. Any non-2xx HTTPStatus comes with Active false and an ErrorMessage.
type Result struct {
	Active       bool
	Subject      string
	Username     string
	Scope        string
	ClientID     string
	AuthTime     int64
	Expiry       int64
	HTTPStatus   int
	ErrorMessage string
}

// response is the RFC 7662 body; unknown members are ignored.
type response struct {
	Active   bool   `json:"active"`
	Sub      string `json:"sub"`
	Username string `json:"username"`
	UserName string `json:"user_name"`
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	AuthTime int64  `json:"auth_time"`
	Exp      int64  `json:"exp"`
}

// RemoteIntrospector calls the configured introspection endpoint with HTTP
// Basic client authentication. Settings are read per call so endpoint,
// credential and trust changes apply without a restart.
type RemoteIntrospector struct {
	settings config.Source
	clients  ClientProvider
}

// NewIntrospector creates a RemoteIntrospector
func NewIntrospector(settings config.Source, clients ClientProvider) *RemoteIntrospector {
	return &RemoteIntrospector{settings: settings, clients: clients}
}

// Introspect returns a Result for every HTTP response received. It returns
// an error only for missing configuration, transport failures and
// malformed 2xx bodies.
func (i *RemoteIntrospector) Introspect(ctx context.Context, token string) (*Result, error) {
	logger := logging.NewStructuredLoggerFromContext(ctx, "introspect").WithToken(token)
	start := time.Now()

	result, err := i.introspect(ctx, token, logger)

	outcome := "error"
	switch {
	case err != nil:
		logger.WithError(err).WithDuration(time.Since(start)).Error("token introspection failed")
	case result.Active:
		outcome = "active"
	default:
		outcome = "inactive"
	}
	metrics.RecordIntrospection(outcome, time.Since(start))
	return result, err
}

func (i *RemoteIntrospector) introspect(ctx context.Context, token string, logger *logging.StructuredLogger) (*Result, error) {
	s := i.settings.Current()
	if s.IntrospectionEndpoint == "" {
		return nil, errors.New(errors.ErrCodeMissingConfig, "introspection endpoint is not configured")
	}

	client, err := i.clients.Client(s.InsecureSkipVerify, s.TrustCACert)
	if err != nil {
		return nil, err
	}

	req, err := newRequest(ctx, s, token)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create introspection request")
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.NewTransportError(err, "introspection request failed")
	}
	defer func() { _ = resp.Body.Close() }()
	logger.LogUpstreamCall("introspection", req.Method, s.IntrospectionEndpoint, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.NewTransportError(err, "failed to read introspection response")
	}

	return decode(resp, body)
}

func newRequest(ctx context.Context, s *config.Settings, token string) (*http.Request, error) {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	var (
		req *http.Request
		err error
	)
	if strings.EqualFold(s.IntrospectionMethod, config.IntrospectionGET) {
		u, perr := url.Parse(s.IntrospectionEndpoint)
		if perr != nil {
			return nil, perr
		}
		q := u.Query()
		for k, v := range form {
			q[k] = v
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.IntrospectionEndpoint, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if s.ClientID != "" {
		req.SetBasicAuth(s.ClientID, s.ClientSecret)
	}
	return req, nil
}

func decode(resp *http.Response, body []byte) (*Result, error) {
	status := resp.StatusCode

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Result{HTTPStatus: status, ErrorMessage: ReasonTokenInvalid}, nil
	case status < 200 || status > 299:
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxMessageBytes {
			// Drop a rune split by the cut rather than relay invalid UTF-8.
			msg = strings.ToValidUTF8(msg[:maxMessageBytes], "")
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &Result{HTTPStatus: status, ErrorMessage: msg}, nil
	case len(strings.TrimSpace(string(body))) == 0:
		return &Result{HTTPStatus: status, ErrorMessage: ReasonEmptyResponse}, nil
	}

	var payload response
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.NewProtocolError(err, "malformed introspection response").
			WithDetails("status_code", status)
	}

	result := &Result{
		Active:     payload.Active,
		Subject:    firstNonEmpty(payload.Sub, payload.Username, payload.UserName),
		Username:   firstNonEmpty(payload.Username, payload.UserName),
		Scope:      payload.Scope,
		ClientID:   payload.ClientID,
		AuthTime:   payload.AuthTime,
		Expiry:     payload.Exp,
		HTTPStatus: status,
	}
	if !result.Active {
		result.ErrorMessage = ReasonTokenInvalid
		return result, nil
	}
	if result.Subject == "" {
		return nil, errors.New(errors.ErrCodeProtocol, "active introspection response without subject")
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
