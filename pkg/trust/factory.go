package trust

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openchami/oauth2bridge/pkg/logging"
	"github.com/openchami/oauth2bridge/pkg/metrics"
)

// Options bounds the outbound clients built by a Factory.
type Options struct {
	Timeout             time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	IdleConnTimeout     time.Duration
	MaxConns            int
	MaxConnsPerHost     int
	MaxIdleConns        int
	MaxIdleConnsPerHost int

	// SystemRoots returns the platform trust store. Defaults to x509.SystemCertPool.
	SystemRoots func() (*x509.CertPool, error)
}

// DefaultOptions returns the limits used when none are configured
func DefaultOptions() Options {
	return Options{
		Timeout:             30 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxConns:            200,
		MaxConnsPerHost:     20,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		SystemRoots:         x509.SystemCertPool,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.TLSHandshakeTimeout == 0 {
		o.TLSHandshakeTimeout = d.TLSHandshakeTimeout
	}
	if o.IdleConnTimeout == 0 {
		o.IdleConnTimeout = d.IdleConnTimeout
	}
	if o.MaxConns <= 0 {
		o.MaxConns = d.MaxConns
	}
	if o.MaxConnsPerHost <= 0 {
		o.MaxConnsPerHost = d.MaxConnsPerHost
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = d.MaxIdleConns
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if o.SystemRoots == nil {
		o.SystemRoots = d.SystemRoots
	}
	return o
}

type customClient struct {
	pem    string
	client *http.Client
}

// Factory hands out one lazily built client per trust mode.
//
// The standard and insecure clients are built once. The custom CA client is
// rebuilt whenever the PEM it was built from differs from the requested one;
// the replacement is fully constructed before it is published, and the old
// client only has its idle connections closed so requests already using it
// finish normally.
type Factory struct {
	opts   Options
	logger *logging.StructuredLogger

	standardOnce sync.Once
	standard     atomic.Pointer[http.Client]

	insecureOnce sync.Once
	insecure     atomic.Pointer[http.Client]

	custom    atomic.Pointer[customClient]
	rebuildMu sync.Mutex
}

// NewFactory creates a factory with the given limits
func NewFactory(opts Options) *Factory {
	return &Factory{
		opts:   opts.withDefaults(),
		logger: logging.NewStructuredLogger("trust"),
	}
}

// Client returns the client for the trust policy described by insecureSkipVerify and caPEM.
func (f *Factory) Client(insecureSkipVerify bool, caPEM string) (*http.Client, error) {
	switch SelectMode(insecureSkipVerify, caPEM) {
	case ModeInsecureSkipVerify:
		return f.insecureClient(), nil
	case ModeCustomCA:
		return f.customCAClient(caPEM)
	default:
		return f.standardClient(), nil
	}
}

func (f *Factory) standardClient() *http.Client {
	f.standardOnce.Do(func() {
		f.logger.Info("initializing standard http client")
		f.standard.Store(f.newClient(&tls.Config{MinVersion: tls.VersionTLS12}))
		metrics.RecordTrustClientBuild(ModeStandard.String())
	})
	return f.standard.Load()
}

func (f *Factory) insecureClient() *http.Client {
	f.insecureOnce.Do(func() {
		f.logger.Warn("initializing insecure http client, TLS certificate verification is disabled")
		f.insecure.Store(f.newClient(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // operator opted in
		}))
		metrics.RecordTrustClientBuild(ModeInsecureSkipVerify.String())
	})
	return f.insecure.Load()
}

func (f *Factory) customCAClient(caPEM string) (*http.Client, error) {
	if cur := f.custom.Load(); cur != nil && cur.pem == caPEM {
		return cur.client, nil
	}

	f.rebuildMu.Lock()
	defer f.rebuildMu.Unlock()

	old := f.custom.Load()
	if old != nil && old.pem == caPEM {
		return old.client, nil
	}

	pool, err := f.customPool(caPEM)
	if err != nil {
		f.logger.WithError(err).Error("custom CA rejected, keeping previous client")
		return nil, err
	}

	client := f.newClient(&tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool})
	f.custom.Store(&customClient{pem: caPEM, client: client})
	metrics.RecordTrustClientBuild(ModeCustomCA.String())

	if old != nil {
		f.logger.Info("custom CA changed, replaced http client")
		old.client.CloseIdleConnections()
	} else {
		f.logger.Info("initializing custom CA http client")
	}
	return client, nil
}

// customPool is the platform pool plus every certificate in caPEM.
func (f *Factory) customPool(caPEM string) (*x509.CertPool, error) {
	certs, err := ParseCAPEM(caPEM)
	if err != nil {
		return nil, err
	}

	pool, err := f.opts.SystemRoots()
	if err != nil || pool == nil {
		f.logger.WithField("error", err).Warn("system trust store unavailable, trusting the custom CA only")
		pool = x509.NewCertPool()
	} else {
		pool = pool.Clone()
	}
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return pool, nil
}

func (f *Factory) newClient(tlsConfig *tls.Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   f.opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           limitDialer(dialer.DialContext, f.opts.MaxConns),
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          f.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   f.opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:       f.opts.MaxConnsPerHost,
		IdleConnTimeout:       f.opts.IdleConnTimeout,
		TLSHandshakeTimeout:   f.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   f.opts.Timeout,
		// Redirects are relayed to the caller, never followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Close releases idle connections held by every client built so far.
func (f *Factory) Close() {
	if c := f.standard.Load(); c != nil {
		c.CloseIdleConnections()
	}
	if c := f.insecure.Load(); c != nil {
		c.CloseIdleConnections()
	}
	if cur := f.custom.Load(); cur != nil {
		cur.client.CloseIdleConnections()
	}
}
