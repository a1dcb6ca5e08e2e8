package config

import "strings"

// Production base URLs. These are fixed constants; the env overrides below
// exist only to point the client at non-production stacks.
const (
	DefaultSettingsBaseURL = "https://client-settings.strato.cloud"
	DefaultAuthBaseURL     = "https://auth.strato.cloud"
	DefaultSSOBaseURL      = "https://sso.strato.cloud"
)

// Fixed endpoint paths on the platform's auth/SSO hosts. The templates are
// dictated by the upstream identity stack and must be preserved exactly.
const (
	PathAuthorize          = "/oauth2/v1/authorize"
	PathIntrospect         = "/idp/idx/introspect"
	PathIdentify           = "/idp/idx/identify"
	PathChallenge          = "/idp/idx/challenge"
	PathChallengePoll      = "/idp/idx/challenge/poll"
	PathToken              = "/oauth2/v1/token"
	PathRevocation         = "/oauth2/v1/revoke"
	PathSession            = "/authn/v1/session"
	PathSessionLoadAccount = "/authn/v1/session/load-account"
	PathEndSession         = "/authn/v1/end-session"
)

// EndpointsConfig holds the three overridable platform base URLs.
type EndpointsConfig struct {
	// SettingsURL serves the environment-overridable settings document.
	SettingsURL string `env:"SETTINGS_URL" envDefault:"https://client-settings.strato.cloud"`

	// AuthURL is the platform auth host (session endpoints).
	AuthURL string `env:"AUTH_URL" envDefault:"https://auth.strato.cloud"`

	// SSOURL is the platform SSO host (OAuth2/IDX endpoints).
	SSOURL string `env:"SSO_URL" envDefault:"https://sso.strato.cloud"`
}

// Sanitize trims whitespace and trailing slashes so path joining stays
// predictable.
func (c *EndpointsConfig) Sanitize() {
	c.SettingsURL = strings.TrimRight(strings.TrimSpace(c.SettingsURL), "/")
	c.AuthURL = strings.TrimRight(strings.TrimSpace(c.AuthURL), "/")
	c.SSOURL = strings.TrimRight(strings.TrimSpace(c.SSOURL), "/")
	if c.SettingsURL == "" {
		c.SettingsURL = DefaultSettingsBaseURL
	}
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthBaseURL
	}
	if c.SSOURL == "" {
		c.SSOURL = DefaultSSOBaseURL
	}
}

// CoreHosts returns the hosts probed by the connectivity preflight.
func (c *EndpointsConfig) CoreHosts() []string {
	return []string{c.SettingsURL, c.AuthURL, c.SSOURL}
}
