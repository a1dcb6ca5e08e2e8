package ports

import (
	"context"
	"net/http"

	"github.com/target/strato-go/internal/domain/paging"
)

// EndpointFamily classifies which API family a URI targets. Each family
// carries its own auth-header scheme and pagination convention.
type EndpointFamily int

const (
	// FamilyIdentity is the platform identity API (bearer from the
	// identity-domain access token).
	FamilyIdentity EndpointFamily = iota
	// FamilyService is the downstream compute-management API (bearer from
	// the v2, else v1, ServiceToken).
	FamilyService
	// FamilyFederated is the federated-identity (SSO/IdP) endpoint family.
	FamilyFederated
	// FamilyDoorway is the browser-style UI doorway, authenticated by the
	// captured transport session cookie instead of a bearer token.
	FamilyDoorway
)

func (f EndpointFamily) String() string {
	switch f {
	case FamilyIdentity:
		return "identity"
	case FamilyService:
		return "service"
	case FamilyFederated:
		return "federated"
	default:
		return "doorway"
	}
}

// CredentialSource supplies per-family authentication headers and keeps the
// underlying tokens fresh. The request engine always asks for a refresh
// before using a token and never mutates session state itself.
type CredentialSource interface {
	// RefreshIfNeeded rotates service tokens when they approach expiry;
	// force refreshes unconditionally.
	RefreshIfNeeded(ctx context.Context, force bool) error
	// AuthHeaders returns the headers authenticating a call to family.
	AuthHeaders(family EndpointFamily) (http.Header, error)
}

// Request is one logical authenticated call handed to the engine by the
// resource convenience layer.
type Request struct {
	Method string
	URI    string
	// Body is JSON-encoded when non-nil.
	Body any
	// Header carries additional caller headers, merged under the family
	// header set.
	Header http.Header

	// FullEnvelope suppresses content/items envelope unwrapping.
	FullEnvelope bool
	// NoPagination disables the pagination loop even for GET calls.
	NoPagination bool
	// NoRefresh skips the pre-call token refresh; used by the lifecycle
	// manager's own exchange calls.
	NoRefresh bool
	// BearerOverride substitutes the family bearer for bootstrap calls
	// that run before the session is fully established.
	BearerOverride string
}

// Result is the normalized outcome of one executed call.
type Result struct {
	StatusCode int
	// Value is the decoded, envelope-unwrapped response value.
	Value any
	// Raw is the first page's raw body, retained for diagnostics.
	Raw []byte
	// Pages carries pagination metadata when the call was paginated;
	// callers must check Pages.Complete() before treating collection
	// results as exhaustive.
	Pages *paging.Result
}

// Executor executes one logical authenticated platform call: retries,
// pagination, and normalization included.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}
