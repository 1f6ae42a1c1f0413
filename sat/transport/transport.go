// Package transport builds the HTTP clients used against the SAT portal and bulk web service.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/alapierre/go-cfdi-proxy/sat/util"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

var logger = logrus.WithField("component", "sat.transport")

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Options configures timeouts and the retry policy.
type Options struct {
	ConnectTimeout time.Duration
	Timeout        time.Duration
	// Attempts is the total number of tries of one request, retries included.
	Attempts     int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	// LegacyTLS enables TLS 1.0 and the CBC / RSA key exchange suites the portal still negotiates.
	LegacyTLS bool
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 60 * time.Second,
		Timeout:        600 * time.Second,
		Attempts:       3,
		RetryWait:      time.Second,
		RetryMaxWait:   4 * time.Second,
		LegacyTLS:      true,
	}
}

// NewRoundTripper returns a transport safe to share between calls.
func NewRoundTripper(o Options) *http.Transport {
	dialer := &net.Dialer{Timeout: o.ConnectTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   o.ConnectTimeout,
		ResponseHeaderTimeout: o.Timeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	if o.LegacyTLS {
		t.TLSClientConfig = LegacyTLSConfig()
	}
	return t
}

// LegacyTLSConfig keeps every modern suite and appends the insecure ones the portal
// may still require. It is only used for SAT hosts.
func LegacyTLSConfig() *tls.Config {
	var suites []uint16
	for _, s := range tls.CipherSuites() {
		suites = append(suites, s.ID)
	}
	for _, s := range tls.InsecureCipherSuites() {
		suites = append(suites, s.ID)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS10,
		CipherSuites: suites,
	}
}

// NewPortalClient returns a client with a fresh cookie jar, so each call gets its own
// portal session. The retry policy of o applies only to requests whose context was
// marked with WithRetry.
func NewPortalClient(rt http.RoundTripper, o Options) *resty.Client {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New never fails with a non nil options value
		panic(err)
	}

	c := newClient(rt, jar, o)
	if o.Attempts > 1 {
		c.SetRetryCount(o.Attempts - 1).
			SetRetryWaitTime(o.RetryWait).
			SetRetryMaxWaitTime(o.RetryMaxWait).
			AddRetryCondition(retryMarked).
			AddRetryHook(func(r *resty.Response, err error) {
				entry := logger.WithError(err)
				if r != nil {
					entry = entry.WithField("status", r.StatusCode())
				}
				entry.Warn("retrying portal request")
			})
	}
	return c.SetRedirectPolicy(resty.FlexibleRedirectPolicy(15))
}

// NewServiceClient returns a client for the bulk web service; its calls are never retried.
func NewServiceClient(rt http.RoundTripper, o Options) *resty.Client {
	return newClient(rt, nil, o)
}

func newClient(rt http.RoundTripper, jar http.CookieJar, o Options) *resty.Client {
	c := resty.NewWithClient(&http.Client{Transport: rt, Jar: jar}).
		SetTimeout(o.Timeout).
		SetHeader("User-Agent", userAgent).
		SetLogger(logger)
	return c
}

// Request starts a request bound to ctx, traced when SAT_HTTP_TRACE is set.
func Request(ctx context.Context, c *resty.Client) *resty.Request {
	r := c.R().SetContext(ctx)
	if util.HttpTraceEnabled() {
		r.EnableTrace()
	}
	return r
}

type retryKey struct{}

// WithRetry marks ctx so portal requests made with it may be retried. Only session
// establishment uses it; searches and resource downloads fail on the first error.
func WithRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, retryKey{}, true)
}

func retryMarked(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil {
		return false
	}
	marked, _ := r.Request.Context().Value(retryKey{}).(bool)
	return marked && Retryable(r, err)
}

// Retryable allows a retry on connection failures and 5xx answers only.
func Retryable(r *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return r != nil && r.StatusCode() >= http.StatusInternalServerError
}

// CheckError maps a transport failure or an HTTP error status onto the error taxonomy.
func CheckError(resp *resty.Response, err error) error {
	if err != nil {
		return sat.WrapError(err, sat.KindUpstreamUnavailable, "SAT could not be reached")
	}
	if resp.IsError() {
		apiErr := &sat.ApiError{
			Status:  resp.StatusCode(),
			Message: resp.Status(),
			Body:    snippet(resp.Body()),
		}
		if apiErr.Temporary() {
			return sat.WrapError(apiErr, sat.KindUpstreamUnavailable, "SAT is unavailable")
		}
		return apiErr
	}
	return nil
}

func snippet(b []byte) []byte {
	const limit = 512
	if len(b) > limit {
		return b[:limit]
	}
	return b
}

// TraceInfo logs timing of a request when SAT_HTTP_TRACE is set. Bodies are never logged.
func TraceInfo(endpoint string, resp *resty.Response, err error) {
	if !util.HttpTraceEnabled() || resp == nil || resp.Request == nil {
		return
	}
	ti := resp.Request.TraceInfo()
	logger.WithFields(logrus.Fields{
		"url":           endpoint,
		"status":        resp.StatusCode(),
		"time":          resp.Time(),
		"dns_lookup":    ti.DNSLookup,
		"conn_time":     ti.ConnTime,
		"tls_handshake": ti.TLSHandshake,
		"server_time":   ti.ServerTime,
		"total_time":    ti.TotalTime,
		"conn_reused":   ti.IsConnReused,
		"attempt":       ti.RequestAttempt,
	}).WithError(err).Debug("response info")
}
