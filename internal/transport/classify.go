package transport

import (
	"bytes"
	"net/http"

	"github.com/target/strato-go/internal/jsonutil"
)

// Class buckets an HTTP outcome for the retry loop.
type Class int

const (
	// ClassOK is any 2xx response with a plausible body.
	ClassOK Class = iota
	// ClassTransient is retryable with the same parameters after a fixed
	// backoff.
	ClassTransient
	// ClassAuthExpired means the platform no longer honors the session.
	// Never retried; the caller is instructed to reconnect.
	ClassAuthExpired
	// ClassFatal aborts immediately without exhausting the retry budget.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassAuthExpired:
		return "auth_expired"
	default:
		return "fatal"
	}
}

// transientStatuses are the only status codes the request engine retries.
var transientStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// Classify maps a response status and body to a Class. expectJSON marks
// calls whose successful responses are JSON documents: an HTML body on such
// a call is the signature of a silently-expired browser-style session and
// classifies as auth-expired even under a 200.
func Classify(status int, body []byte, expectJSON bool) Class {
	if status == http.StatusUnauthorized && bytes.Contains(body, []byte("Unauthorized")) {
		return ClassAuthExpired
	}
	if transientStatuses[status] {
		return ClassTransient
	}
	if status < 200 || status > 299 {
		if status == http.StatusUnauthorized {
			return ClassAuthExpired
		}
		return ClassFatal
	}
	if expectJSON && jsonutil.IsHTMLDocument(body) {
		return ClassAuthExpired
	}
	return ClassOK
}

// IsCriticalPageStatus reports whether a paginated page-fetch failure with
// this status aborts the whole call instead of degrading the result.
func IsCriticalPageStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}
