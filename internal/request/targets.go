package request

import (
	"net/url"
	"strings"
	"sync"

	"github.com/target/strato-go/config"
	"github.com/target/strato-go/internal/domain/paging"
	"github.com/target/strato-go/internal/ports"
)

// Targets resolves a request URI to its endpoint family. Classification is
// purely hostname- and path-based so callers never declare the family
// themselves. Update may move the hosts after the environment settings
// document is resolved, so access is guarded.
type Targets struct {
	mu       sync.RWMutex
	authHost string
	ssoHost  string
}

// NewTargets builds a resolver from the configured platform base URLs.
func NewTargets(endpoints config.EndpointsConfig) *Targets {
	t := &Targets{}
	t.Update(endpoints)
	return t
}

// Update re-points the resolver at new platform base URLs.
func (t *Targets) Update(endpoints config.EndpointsConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authHost = hostOf(endpoints.AuthURL)
	t.ssoHost = hostOf(endpoints.SSOURL)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return strings.ToLower(u.Hostname())
}

// Resolve classifies a parsed request URL. Anything that is not one of the
// platform identity hosts is treated as a downstream service API.
func (t *Targets) Resolve(u *url.URL) ports.EndpointFamily {
	t.mu.RLock()
	defer t.mu.RUnlock()
	host := strings.ToLower(u.Hostname())
	switch {
	case host == t.authHost && strings.HasPrefix(u.Path, "/ui"):
		return ports.FamilyDoorway
	case host == t.authHost:
		return ports.FamilyIdentity
	case host == t.ssoHost:
		return ports.FamilyFederated
	default:
		return ports.FamilyService
	}
}

// pageParams returns the query-parameter names used for follow-up page
// fetches of a given pagination shape.
func pageParams(shape paging.Shape) (offsetKey, sizeKey string) {
	if shape == paging.ShapeBlock {
		return "offset", "count_per_page"
	}
	return "offset", "limit"
}

// pagingQueryKeys are the parameters that mark a request as already
// paginated by the caller; the engine then leaves paging alone.
var pagingQueryKeys = []string{"offset", "limit", "count_per_page", "page", "page_size"}

func callerPaginates(query url.Values) bool {
	for _, key := range pagingQueryKeys {
		if query.Has(key) {
			return true
		}
	}
	return false
}
