package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	apperrors "github.com/target/strato-go/internal/errors"
)

// DefaultMaxRedirectHops caps SSO redirect chains; observed chains run 4-9
// hops.
const DefaultMaxRedirectHops = 12

// maxResponseBody bounds how much of any response body is read into memory.
const maxResponseBody = 8 << 20 // 8 MiB

// RedirectResult captures the end of a manually followed redirect chain.
type RedirectResult struct {
	// FinalURL is the URL of the first non-redirect response.
	FinalURL *url.URL
	// Status of the final response.
	Status int
	// Body of the final response, fully read.
	Body []byte
	// Header of the final response.
	Header http.Header
	// Hops lists every URL visited, in order, including the start URL.
	Hops []string
}

// FollowRedirects GETs startURL and manually follows HTTP 30x responses up
// to maxHops, letting the client's cookie jar capture cookies at every hop.
// The first non-redirect response terminates the chain and its body is
// returned. The client must have automatic redirects disabled.
func FollowRedirects(ctx context.Context, client *http.Client, startURL string, maxHops int) (*RedirectResult, error) {
	if maxHops <= 0 {
		maxHops = DefaultMaxRedirectHops
	}

	current, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("parse redirect start url: %w", err)
	}

	result := &RedirectResult{Hops: []string{current.String()}}

	for hop := 0; hop <= maxHops; hop++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if reqErr != nil {
			return nil, fmt.Errorf("build redirect request: %w", reqErr)
		}

		resp, doErr := client.Do(req)
		if doErr != nil {
			return nil, apperrors.Wrapf(doErr, apperrors.ErrCodeConnectivity,
				"redirect hop to %s failed", current.Host)
		}

		if resp.StatusCode < 300 || resp.StatusCode > 399 {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
			closeErr := resp.Body.Close()
			if readErr != nil {
				return nil, fmt.Errorf("read final redirect response: %w", readErr)
			}
			if closeErr != nil {
				return nil, fmt.Errorf("close final redirect response: %w", closeErr)
			}
			result.FinalURL = current
			result.Status = resp.StatusCode
			result.Body = body
			result.Header = resp.Header
			return result, nil
		}

		location := resp.Header.Get("Location")
		// Redirect bodies are drained so connections can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		_ = resp.Body.Close()

		if location == "" {
			return nil, apperrors.Internalf("redirect from %s carried no Location header", current)
		}
		next, locErr := current.Parse(location)
		if locErr != nil {
			return nil, fmt.Errorf("resolve redirect location %q: %w", location, locErr)
		}
		current = next
		result.Hops = append(result.Hops, current.String())
	}

	return nil, apperrors.Internalf("redirect chain exceeded %d hops", maxHops)
}
