// Package request implements the resilient request engine: one logical
// authenticated platform call with bounded retries, transparent pagination,
// and response normalization. The engine never mutates session state; it
// asks its CredentialSource for fresh headers before every call.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/target/strato-go/config"
	"github.com/target/strato-go/internal/domain/paging"
	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/jsonutil"
	oberrors "github.com/target/strato-go/internal/observability/errors"
	"github.com/target/strato-go/internal/observability/statsd"
	"github.com/target/strato-go/internal/pagination"
	"github.com/target/strato-go/internal/ports"
	"github.com/target/strato-go/internal/transport"
)

// maxResponseBody caps how much of a response the engine will buffer.
const maxResponseBody = 32 << 20

// detailLimit bounds how much raw body travels on an error for diagnostics.
const detailLimit = 2048

// Options groups the dependencies of the request engine.
type Options struct {
	Client  *http.Client
	Source  ports.CredentialSource
	Targets *Targets
	Engine  config.EngineConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Engine executes logical platform calls. Safe for concurrent use.
type Engine struct {
	client  *http.Client
	source  ports.CredentialSource
	targets *Targets
	cfg     config.EngineConfig
	logger  *slog.Logger
	metrics statsd.Sink

	mu       sync.Mutex
	limiters map[ports.EndpointFamily]*rate.Limiter
}

var _ ports.Executor = (*Engine)(nil)

// NewEngine builds a request engine. Client and Targets are required.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, apperrors.Validation("request engine requires an HTTP client")
	}
	if opts.Targets == nil {
		return nil, apperrors.Validation("request engine requires a target resolver")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Engine
	cfg.Sanitize()

	return &Engine{
		client:   opts.Client,
		source:   opts.Source,
		targets:  opts.Targets,
		cfg:      cfg,
		logger:   logger.With("component", "request-engine"),
		metrics:  opts.Metrics,
		limiters: make(map[ports.EndpointFamily]*rate.Limiter),
	}, nil
}

// httpOutcome is one completed HTTP round trip.
type httpOutcome struct {
	Status int
	Body   []byte
	Header http.Header
}

// Execute runs one logical call: family resolution, token refresh, the
// bounded retry loop, pagination, and normalization.
func (e *Engine) Execute(ctx context.Context, req ports.Request) (*ports.Result, error) {
	start := time.Now()

	target, err := url.Parse(req.URI)
	if err != nil || !target.IsAbs() {
		return nil, apperrors.Validationf("request URI %q is not an absolute URL", req.URI)
	}
	family := e.targets.Resolve(target)
	tags := map[string]string{"family": family.String()}

	result, attempts, err := e.execute(ctx, req, target, family)

	e.count(statsd.MetricRequestAttempts, int64(attempts), tags)
	if attempts > 1 {
		e.count(statsd.MetricRequestRetries, int64(attempts-1), tags)
	}
	durTags := tags
	if err != nil {
		durTags = map[string]string{"family": family.String(), "error": oberrors.Classify(err)}
	}
	e.timing(statsd.MetricRequestDuration, time.Since(start), durTags)

	return result, err
}

func (e *Engine) execute(ctx context.Context, req ports.Request, target *url.URL, family ports.EndpointFamily) (*ports.Result, int, error) {
	if e.source != nil && !req.NoRefresh {
		if err := e.source.RefreshIfNeeded(ctx, false); err != nil {
			return nil, 0, err
		}
	}

	header, err := e.buildHeader(req, family)
	if err != nil {
		return nil, 0, err
	}
	payload, err := encodeBody(req.Body)
	if err != nil {
		return nil, 0, err
	}
	expectJSON := family == ports.FamilyIdentity || family == ports.FamilyService

	policy := transport.RetryPolicy{MaxAttempts: e.cfg.MaxRetries, Backoff: e.cfg.RetryBackoff}
	attempts := 0
	outcome, err := transport.Retry(ctx, policy, func(ctx context.Context) (*httpOutcome, error) {
		attempts++
		out, rtErr := e.roundTrip(ctx, req.Method, target, header, payload)
		if rtErr != nil {
			return nil, rtErr
		}
		if cErr := e.classifyOutcome(out, target, expectJSON); cErr != nil {
			return nil, cErr
		}
		return out, nil
	}, apperrors.IsTransient)
	if err != nil {
		e.logger.Debug("request failed",
			"method", req.Method, "host", target.Host, "family", family.String(),
			"attempts", attempts, "error", err)
		return nil, attempts, err
	}

	result := &ports.Result{StatusCode: outcome.Status, Raw: outcome.Body}
	if len(bytes.TrimSpace(outcome.Body)) == 0 {
		return result, attempts, nil
	}
	if !jsonutil.LooksLikeJSON(outcome.Body) {
		result.Value = string(outcome.Body)
		return result, attempts, nil
	}

	decoded, err := e.decodeBody(outcome.Body, target)
	if err != nil {
		return nil, attempts, err
	}

	value := decoded
	if e.shouldPaginate(req, target, family) {
		info, infoErr := paging.Inspect(decoded)
		if infoErr != nil {
			return nil, attempts, apperrors.Wrap(infoErr, apperrors.ErrCodeProvider, "inspect pagination envelope")
		}
		merged, mergeErr := pagination.Merge(ctx, decoded, e.pageFetcher(req, target, header, payload, info.Shape))
		if mergeErr != nil {
			return nil, attempts, mergeErr
		}
		if len(merged.FailedPages) > 0 {
			e.logger.Warn("paginated call degraded",
				"host", target.Host, "failed_pages", merged.FailedPages, "total", merged.Info.Total)
			e.count(statsd.MetricPagesFailed, int64(len(merged.FailedPages)),
				map[string]string{"family": family.String()})
		}
		result.Pages = merged
		if merged.Body != nil {
			value = any(merged.Body)
		}
	}

	if !req.FullEnvelope {
		value = unwrapEnvelope(value)
	}
	result.Value = value
	return result, attempts, nil
}

// buildHeader assembles the per-family auth headers, the bearer override,
// and the caller's extra headers, in that order of precedence (last wins).
func (e *Engine) buildHeader(req ports.Request, family ports.EndpointFamily) (http.Header, error) {
	header := make(http.Header)
	if e.source != nil && req.BearerOverride == "" {
		authHeader, err := e.source.AuthHeaders(family)
		if err != nil {
			return nil, err
		}
		for key, values := range authHeader {
			header[key] = append([]string(nil), values...)
		}
	}
	if req.BearerOverride != "" {
		header.Set("Authorization", "Bearer "+req.BearerOverride)
	}
	if req.Body != nil && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}
	for key, values := range req.Header {
		header[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return header, nil
}

// roundTrip performs one rate-limited HTTP exchange. Only network-level
// failures error here; status handling belongs to classifyOutcome.
func (e *Engine) roundTrip(ctx context.Context, method string, target *url.URL, header http.Header, payload []byte) (*httpOutcome, error) {
	if err := e.waitLimiter(ctx, target); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "build request")
	}
	for key, values := range header {
		httpReq.Header[key] = values
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr == context.Canceled {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeCanceled, "request canceled")
		}
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeTransient, "request to %s failed", target.Host)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeTransient, "read response from %s", target.Host)
	}
	return &httpOutcome{Status: resp.StatusCode, Body: raw, Header: resp.Header}, nil
}

// classifyOutcome maps a completed exchange to the failure taxonomy;
// returns nil when the response is usable.
func (e *Engine) classifyOutcome(out *httpOutcome, target *url.URL, expectJSON bool) error {
	switch transport.Classify(out.Status, out.Body, expectJSON) {
	case transport.ClassOK:
		return nil
	case transport.ClassTransient:
		return apperrors.Transientf("request to %s failed with status %d", target.Host, out.Status).
			WithDetail(truncate(out.Body, detailLimit))
	case transport.ClassAuthExpired:
		return apperrors.SessionExpired("platform session is no longer honored; reconnect required").
			WithDetail(truncate(out.Body, detailLimit))
	default:
		return fatalError(out, target)
	}
}

func fatalError(out *httpOutcome, target *url.URL) error {
	message := errorSummary(out.Body)
	if message == "" {
		message = fmt.Sprintf("request to %s failed with status %d", target.Host, out.Status)
	}
	var appErr *apperrors.AppError
	switch out.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		appErr = apperrors.Credential(message)
	default:
		appErr = apperrors.Provider(message)
	}
	return appErr.WithDetail(truncate(out.Body, detailLimit))
}

// decodeBody applies the strict-then-loose decode chain with a depth cap
// derived from the document itself.
func (e *Engine) decodeBody(body []byte, target *url.URL) (any, error) {
	depth := jsonutil.OptimalDepth(body)
	decoded, err := jsonutil.DecodeStrict(body, depth)
	if err == nil {
		return decoded, nil
	}
	decoded, looseErr := jsonutil.DecodeLoose(body)
	if looseErr != nil {
		return nil, apperrors.Wrapf(looseErr, apperrors.ErrCodeProvider,
			"response from %s is not decodable JSON", target.Host).
			WithDetail(truncate(body, detailLimit))
	}
	e.logger.Debug("strict decode fell back to loose decode", "host", target.Host, "error", err)
	return decoded, nil
}

func (e *Engine) shouldPaginate(req ports.Request, target *url.URL, family ports.EndpointFamily) bool {
	if req.NoPagination {
		return false
	}
	// Downstream services expose search endpoints that read via POST; those
	// paginate the same way GET listings do.
	if req.Method != http.MethodGet &&
		!(req.Method == http.MethodPost && family == ports.FamilyService) {
		return false
	}
	return !callerPaginates(target.Query())
}

// pageFetcher returns the follow-up page callback for pagination.Merge.
// Page fetches are single-shot: a failed page degrades the merge instead of
// consuming the call's retry budget.
func (e *Engine) pageFetcher(req ports.Request, target *url.URL, header http.Header, payload []byte, shape paging.Shape) pagination.FetchFunc {
	// The shape of the first page dictates the follow-up parameter names;
	// re-inspecting each page is unnecessary.
	offsetKey, sizeKey := pageParams(shape)

	return func(ctx context.Context, page, offset int) (any, error) {
		pageURL := *target
		query := pageURL.Query()
		query.Set(offsetKey, strconv.Itoa(offset))
		query.Set(sizeKey, strconv.Itoa(pagination.DefaultPageSize))
		pageURL.RawQuery = query.Encode()

		out, err := e.roundTrip(ctx, req.Method, &pageURL, header, payload)
		if err != nil {
			return nil, &pagination.PageFetchError{Page: page, Err: err}
		}
		if cErr := e.classifyOutcome(out, &pageURL, true); cErr != nil {
			return nil, &pagination.PageFetchError{Page: page, Status: out.Status, Err: cErr}
		}
		return e.decodeBody(out.Body, &pageURL)
	}
}

func (e *Engine) waitLimiter(ctx context.Context, target *url.URL) error {
	if e.cfg.RateLimit <= 0 {
		return nil
	}
	family := e.targets.Resolve(target)

	e.mu.Lock()
	limiter, ok := e.limiters[family]
	if !ok {
		burst := int(e.cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(e.cfg.RateLimit), burst)
		e.limiters[family] = limiter
	}
	e.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCanceled, "rate limiter wait")
	}
	return nil
}

// unwrapEnvelope strips the platform's single-key content/items envelope so
// callers receive the value they asked for.
func unwrapEnvelope(value any) any {
	obj, ok := value.(map[string]any)
	if !ok {
		return value
	}
	if content, ok := obj["content"]; ok {
		return content
	}
	if items, ok := obj["items"]; ok {
		return items
	}
	return value
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "encode request body")
		}
		return encoded, nil
	}
}

func truncate(body []byte, limit int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

func (e *Engine) count(name string, value int64, tags map[string]string) {
	if e.metrics != nil {
		e.metrics.Count(name, value, tags)
	}
}

func (e *Engine) timing(name string, value time.Duration, tags map[string]string) {
	if e.metrics != nil {
		e.metrics.Timing(name, value, tags)
	}
}
