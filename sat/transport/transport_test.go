package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alapierre/go-cfdi-proxy/sat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	o := DefaultOptions()
	o.RetryWait = 5 * time.Millisecond
	o.RetryMaxWait = 10 * time.Millisecond
	o.Timeout = 5 * time.Second
	o.LegacyTLS = false
	return o
}

func TestPortalClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	o := testOptions()
	c := NewPortalClient(NewRoundTripper(o), o)
	resp, err := Request(WithRetry(context.Background()), c).Get(srv.URL)
	require.NoError(t, CheckError(resp, err))
	assert.Equal(t, "ok", resp.String())
	assert.EqualValues(t, 3, calls.Load())
}

func TestPortalClientGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := testOptions()
	c := NewPortalClient(NewRoundTripper(o), o)
	resp, err := Request(WithRetry(context.Background()), c).Get(srv.URL)
	err = CheckError(resp, err)
	require.Error(t, err)
	assert.Equal(t, sat.KindUpstreamUnavailable, sat.KindOf(err))
	assert.EqualValues(t, 3, calls.Load())
}

func TestPortalClientNeverRetriesClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	o := testOptions()
	c := NewPortalClient(NewRoundTripper(o), o)
	resp, err := Request(WithRetry(context.Background()), c).Get(srv.URL)
	err = CheckError(resp, err)

	var apiErr *sat.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPortalClientRetriesOnlyMarkedRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := testOptions()
	c := NewPortalClient(NewRoundTripper(o), o)
	resp, err := Request(context.Background(), c).Get(srv.URL)
	assert.Equal(t, sat.KindUpstreamUnavailable, sat.KindOf(CheckError(resp, err)))
	assert.EqualValues(t, 1, calls.Load())
}

func TestPortalClientsDoNotShareCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("session"); err == nil {
			_, _ = w.Write([]byte("has-cookie"))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	o := testOptions()
	rt := NewRoundTripper(o)
	a := NewPortalClient(rt, o)
	b := NewPortalClient(rt, o)

	resp, err := Request(context.Background(), a).Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "new", resp.String())
	resp, err = Request(context.Background(), a).Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "has-cookie", resp.String())

	resp, err = Request(context.Background(), b).Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "new", resp.String())
}

func TestServiceClientDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := testOptions()
	c := NewServiceClient(NewRoundTripper(o), o)
	resp, err := Request(context.Background(), c).Post(srv.URL)
	assert.Equal(t, sat.KindUpstreamUnavailable, sat.KindOf(CheckError(resp, err)))
	assert.EqualValues(t, 1, calls.Load())
}

func TestLegacyTLSConfig(t *testing.T) {
	cfg := LegacyTLSConfig()
	assert.EqualValues(t, tls.VersionTLS10, cfg.MinVersion)
	assert.Greater(t, len(cfg.CipherSuites), len(tls.CipherSuites()))
}
