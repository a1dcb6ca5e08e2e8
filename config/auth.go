package config

import "strings"

// AuthConfig holds the login inputs supplied by the operator or the
// environment.
type AuthConfig struct {
	// Principal is the username or email to authenticate.
	Principal string `env:"USERNAME"`

	// Password is the local password; empty when the principal's domain
	// is federated through SSO.
	Password string `env:"PASSWORD,unset"`

	// Workspace names the target workspace; empty auto-selects when
	// exactly one is visible.
	Workspace string `env:"WORKSPACE"`

	// TOTPSecret, when set, answers one-time-code prompts by computing the
	// code locally instead of asking the operator. Intended for headless
	// automation accounts enrolled with an authenticator-app secret.
	TOTPSecret string `env:"TOTP_SECRET,unset"`

	// NoProgressUI aborts instead of blocking on operator interaction
	// (OTP prompts, number-matching display).
	NoProgressUI bool `env:"NO_PROGRESS_UI" envDefault:"false"`
}

// PrincipalDomain returns the domain part of an email-form principal, or
// empty for bare usernames.
func (c *AuthConfig) PrincipalDomain() string {
	at := strings.LastIndex(c.Principal, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(c.Principal[at+1:])
}
