// Package proxy forwards inbound requests to an upstream and streams the
// response back, using an outbound client chosen by the current trust policy.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/openchami/oauth2bridge/pkg/config"
	"github.com/openchami/oauth2bridge/pkg/errors"
	"github.com/openchami/oauth2bridge/pkg/logging"
	"github.com/openchami/oauth2bridge/pkg/metrics"
)

// ClientProvider supplies the outbound client for a trust policy
type ClientProvider interface {
	Client(insecureSkipVerify bool, caPEM string) (*http.Client, error)
}

// Upstream response headers that are never relayed. The first three are
// recomputed by the server; upstream cookies must not leak into the
// bridge's cookie namespace.
var droppedResponseHeaders = []string{"Transfer-Encoding", "Content-Length", "Connection", "Set-Cookie"}

// Inbound headers that httputil.ReverseProxy strips under Rewrite but that
// are relayed unchanged here.
var forwardedHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

// Forwarder relays requests to an upstream URL
type Forwarder struct {
	settings config.Source
	clients  ClientProvider
	route    string
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithRoute sets the route label used in metrics and logs
func WithRoute(route string) Option {
	return func(f *Forwarder) {
		f.route = route
	}
}

// NewForwarder creates a Forwarder
func NewForwarder(settings config.Source, clients ClientProvider, opts ...Option) *Forwarder {
	f := &Forwarder{settings: settings, clients: clients, route: "proxy"}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward captures the body of r and relays the request to target
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target string) {
	buf, err := Capture(r, f.settings.Current().MaxBodyBytes)
	if err != nil {
		metrics.RecordProxyRequest(f.route, 0, 0)
		errors.WriteHTTP(w, err)
		return
	}
	f.ForwardBuffered(w, r, buf, target)
}

// ForwardBuffered relays r to target with buf as the body. The method and
// headers come from r, minus Host, Content-Length and hop-by-hop headers.
// The upstream status, headers and body are copied to w except for the
// headers in droppedResponseHeaders. Failures before a response is
// received produce a 502; a client disconnect cancels the upstream call.
func (f *Forwarder) ForwardBuffered(w http.ResponseWriter, r *http.Request, buf *BufferedRequest, target string) {
	start := time.Now()
	logger := logging.NewStructuredLoggerFromContext(r.Context(), "proxy").WithField("route", f.route)

	fail := func(err error) {
		metrics.RecordProxyRequest(f.route, 0, time.Since(start))
		logger.WithError(err).WithDuration(time.Since(start)).Error("proxy request failed")
		errors.WriteHTTP(w, err)
	}

	targetURL, err := url.Parse(target)
	if err != nil || targetURL.Scheme == "" || targetURL.Host == "" {
		fail(errors.New(errors.ErrCodeMissingConfig, "upstream endpoint is not configured"))
		return
	}

	s := f.settings.Current()
	client, err := f.clients.Client(s.InsecureSkipVerify, s.TrustCACert)
	if err != nil {
		fail(err)
		return
	}

	ctx := r.Context()
	if client.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.Timeout)
		defer cancel()
	}

	body := buf.outboundBody()
	var status int

	rp := &httputil.ReverseProxy{
		Transport: transportOf(client),
		Rewrite: func(pr *httputil.ProxyRequest) {
			out := *targetURL
			pr.Out.URL = &out
			pr.Out.Host = ""
			for _, h := range forwardedHeaders {
				if v, ok := pr.In.Header[h]; ok {
					pr.Out.Header[h] = v
				}
			}
			pr.Out.Header.Del("Content-Length")
			if ct := buf.ContentType(); ct != "" {
				pr.Out.Header.Set("Content-Type", ct)
			}
			pr.Out.ContentLength = int64(len(body))
			pr.Out.Body = io.NopCloser(bytes.NewReader(body))
			pr.Out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
			if len(body) == 0 {
				pr.Out.Body = http.NoBody
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			status = resp.StatusCode
			for _, h := range droppedResponseHeaders {
				resp.Header.Del(h)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if stderrors.Is(err, context.Canceled) {
				// The client is gone; the status line goes nowhere.
				metrics.RecordProxyRequest(f.route, 0, time.Since(start))
				logger.Debug("client disconnected, upstream call cancelled")
				errors.WriteHTTP(w, errors.NewTransportError(err, "upstream request cancelled"))
				return
			}
			fail(errors.NewTransportError(err, "upstream request failed"))
		},
	}

	rp.ServeHTTP(w, r.WithContext(ctx))

	if status != 0 {
		metrics.RecordProxyRequest(f.route, status, time.Since(start))
		logger.LogUpstreamCall(f.route, r.Method, redact(targetURL), status, time.Since(start))
	}
}

func transportOf(client *http.Client) http.RoundTripper {
	if client.Transport != nil {
		return client.Transport
	}
	return http.DefaultTransport
}

// redact drops the query string, which may carry tokens or codes
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return strings.TrimSuffix(c.String(), "?")
}

// JoinURL appends subPath and rawQuery to base
func JoinURL(base, subPath, rawQuery string) string {
	u := strings.TrimSuffix(base, "/")
	if subPath != "" {
		u += "/" + strings.TrimPrefix(subPath, "/")
	}
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// CheckSubPath rejects an escaped path suffix containing "." or ".."
// segments, literal or percent-encoded, so that JoinURL never produces a
// URL outside the base endpoint once an upstream normalizes it.
func CheckSubPath(escaped string) error {
	for _, seg := range strings.Split(escaped, "/") {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidRequest, "malformed request path")
		}
		// An encoded separator inside one segment still splits it upstream.
		parts := strings.FieldsFunc(decoded, func(r rune) bool { return r == '/' || r == '\\' })
		for _, part := range parts {
			if part == "." || part == ".." {
				return errors.NewInvalidRequest("request path must not contain dot segments")
			}
		}
	}
	return nil
}

// NewBufferedForm builds a form body from values, for requests the bridge
// originates itself.
func NewBufferedForm(values url.Values) *BufferedRequest {
	return &BufferedRequest{
		body:        []byte(values.Encode()),
		contentType: formContentType,
		query:       url.Values{},
		form:        values,
	}
}
