// Package idphttp is the small HTTP surface shared by the identity-provider
// adapters: JSON and form exchanges against an IdP host, with network
// failures mapped onto the client error taxonomy. Adapters own protocol
// semantics; this package only moves bytes.
package idphttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/jsonutil"
)

const maxResponseBody = 8 << 20

// Exchange is one completed IdP round trip. Body is fully buffered.
type Exchange struct {
	Status int
	Body   []byte
	Header http.Header
	// FinalURL is the URL the exchange ended on after any redirects the
	// underlying client followed.
	FinalURL string
}

// Client wraps an HTTP client for IdP protocol calls.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// New builds an IdP protocol client around client.
func New(client *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: client, logger: logger.With("component", "idp-http")}
}

// PostJSON sends payload as a JSON body and decodes a JSON response into
// out when out is non-nil. Non-2xx statuses are returned, not errored, so
// adapters can read protocol state off error responses.
func (c *Client) PostJSON(ctx context.Context, target string, payload any, out any) (*Exchange, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode provider request")
	}
	return c.do(ctx, http.MethodPost, target, "application/json", bytes.NewReader(body), out)
}

// PostForm sends an application/x-www-form-urlencoded body.
func (c *Client) PostForm(ctx context.Context, target string, form url.Values, out any) (*Exchange, error) {
	return c.do(ctx, http.MethodPost, target, "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()), out)
}

// Get fetches target. The caller decides what to make of the body.
func (c *Client) Get(ctx context.Context, target string) (*Exchange, error) {
	return c.do(ctx, http.MethodGet, target, "", nil, nil)
}

func (c *Client) do(ctx context.Context, method, target, contentType string, body io.Reader, out any) (*Exchange, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "build provider request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json, text/html")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeProvider, "identity provider call %s failed", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeProvider, "read identity provider response")
	}

	exchange := &Exchange{
		Status:   resp.StatusCode,
		Body:     raw,
		Header:   resp.Header,
		FinalURL: resp.Request.URL.String(),
	}
	if out != nil && jsonutil.LooksLikeJSON(raw) {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeProvider, "decode identity provider response").
				WithDetail(trim(raw))
		}
	}
	return exchange, nil
}

func trim(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 1024 {
		return s[:1024]
	}
	return s
}
