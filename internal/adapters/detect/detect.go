// Package detect classifies which external identity provider an SSO
// redirect chain landed on. Signals are evaluated in priority order: final
// URL host, then redirect target host, then response body keywords, then
// the original SAML action URL. The first signal that matches wins.
package detect

import (
	"net/url"
	"strings"

	"github.com/target/strato-go/internal/htmlform"
	"github.com/target/strato-go/internal/ports"
)

// hostMarkers map hostname substrings to providers, most specific first.
var hostMarkers = []struct {
	marker string
	kind   ports.ProviderKind
}{
	{"okta.com", ports.ProviderOkta},
	{"oktapreview.com", ports.ProviderOkta},
	{"okta-emea.com", ports.ProviderOkta},
	{"microsoftonline.com", ports.ProviderEntra},
	{"microsoftonline.us", ports.ProviderEntra},
	{"login.live.com", ports.ProviderEntra},
	{"pingone.", ports.ProviderPingID},
	{"pingidentity.com", ports.ProviderPingID},
}

// bodyMarkers are keyword groups looked for in the served page.
var bodyMarkers = []struct {
	keywords []string
	kind     ports.ProviderKind
}{
	{[]string{"OktaSignIn", "okta-signin", "oktaData"}, ports.ProviderOkta},
	{[]string{"$Config", "microsoftonline", "msauth"}, ports.ProviderEntra},
	{[]string{"pingone", "PingID", "pingid"}, ports.ProviderPingID},
}

// Detector implements ordered provider classification.
type Detector struct{}

var _ ports.ProviderDetector = Detector{}

// New returns the default detector.
func New() Detector { return Detector{} }

// Detect classifies the provider or returns ProviderNone when no signal
// matches.
func (Detector) Detect(finalURL, redirectTarget string, body []byte, samlActionURL string) ports.ProviderKind {
	if kind := byHost(finalURL); kind != ports.ProviderNone {
		return kind
	}
	if kind := byHost(redirectTarget); kind != ports.ProviderNone {
		return kind
	}
	for _, marker := range bodyMarkers {
		if htmlform.ContainsKeyword(body, marker.keywords...) {
			return marker.kind
		}
	}
	return byHost(samlActionURL)
}

func byHost(raw string) ports.ProviderKind {
	if strings.TrimSpace(raw) == "" {
		return ports.ProviderNone
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ports.ProviderNone
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ports.ProviderNone
	}
	for _, marker := range hostMarkers {
		if strings.Contains(host, marker.marker) {
			return marker.kind
		}
	}
	return ports.ProviderNone
}
