package transport

// Package transport provides the shared HTTP plumbing for the
// authentication flow and the request engine: a TLS 1.2+ client factory
// with cookie capture, the transient-failure classifier, bounded retry and
// poll combinators, redirect-chain following, and connectivity preflight.

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"

	apperrors "github.com/target/strato-go/internal/errors"
)

// ClientConfig groups HTTP client construction options.
type ClientConfig struct {
	// Timeout for the entire request.
	Timeout time.Duration

	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	IdleConnTimeout     time.Duration

	// FollowRedirects controls automatic 30x following. The authentication
	// flow disables it so every hop's cookies and Location can be captured.
	FollowRedirects bool

	// WithCookieJar attaches a cookie jar so browser-style session cookies
	// persist across the flow.
	WithCookieJar bool
}

// DefaultClientConfig returns conservative client settings for API calls.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             60 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		FollowRedirects:     true,
	}
}

// NewClient constructs an HTTP client. TLS 1.2 is the process-wide minimum;
// plaintext HTTP is never used against platform hosts.
func NewClient(cfg ClientConfig) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: cfg.DialTimeout,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	if cfg.WithCookieJar {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		client.Jar = jar
	}

	return client, nil
}

// CheckReachability verifies DNS resolution and TCP connectivity to each
// host before any authentication step runs, so misconfigured networks fail
// fast with a descriptive connectivity error instead of an opaque mid-flow
// failure.
func CheckReachability(ctx context.Context, hosts []string, dialTimeout time.Duration) error {
	dialer := &net.Dialer{Timeout: dialTimeout}

	for _, raw := range hosts {
		host := raw
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			host = u.Host
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "443")
		}

		conn, err := dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeConnectivity,
				"platform host %s is unreachable; check DNS and network connectivity", host)
		}
		_ = conn.Close()
	}
	return nil
}
