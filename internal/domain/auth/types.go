package auth

// Package auth contains domain-level types for platform authentication and
// sessions. It is pure and free of transport/adapter concerns.

import (
	"fmt"
	"time"
)

// TokenSet is the identity-domain token triple minted by the OAuth2 code
// exchange. CreatedAt is recorded locally at mint time.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    int64 // seconds, as reported by the token endpoint
	CreatedAt    time.Time
}

// ExpiresAt returns the absolute expiry instant of the access token.
func (t TokenSet) ExpiresAt() time.Time {
	return t.CreatedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the identity access token is past its window.
func (t TokenSet) Expired(now time.Time) bool {
	return !t.ExpiresAt().After(now)
}

// Workspace identifies the platform workspace a session is bound to.
type Workspace struct {
	ID      string
	Name    string
	OrgID   string
	OrgName string
}

// ServiceTokenVersion distinguishes the two downstream API token families.
type ServiceTokenVersion string

const (
	ServiceTokenV1 ServiceTokenVersion = "v1"
	ServiceTokenV2 ServiceTokenVersion = "v2"
)

// ServiceToken is a short-lived bearer token for one downstream API major
// version. It is refreshed by re-exchanging the session's APICredential,
// never by a refresh-token grant.
type ServiceToken struct {
	Version     ServiceTokenVersion
	AccessToken string
	ExpiresIn   int64 // seconds
	CreatedAt   time.Time
}

// ExpiresAt returns the absolute expiry instant.
func (s ServiceToken) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.ExpiresIn) * time.Second)
}

// MinutesToExpiry returns the time remaining in minutes, negative once
// expired.
func (s ServiceToken) MinutesToExpiry(now time.Time) float64 {
	return s.ExpiresAt().Sub(now).Minutes()
}

// APICredential is an ephemeral, workspace-scoped client-id/secret pair
// minted for this process. SealedSecret holds the client secret in
// reversibly-protected form; the plaintext exists only for the duration of a
// single token exchange.
type APICredential struct {
	Name         string
	ClientID     string
	SealedSecret string
	CreatedAt    time.Time
}

// CredentialNamePrefix is the template prefix shared by every credential
// this client mints, so concurrent processes' credentials can be told apart
// and purged independently.
const CredentialNamePrefix = "strato-go"

// CredentialName builds the process-unique, timestamped credential name.
func CredentialName(nonce string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", CredentialNamePrefix, nonce, at.Unix())
}

// Session is the single process-wide authenticated context. It is created by
// the lifecycle manager on connect, replaced wholesale on reconnect, and torn
// down explicitly on disconnect. Mutation is reserved to the lifecycle
// manager; readers receive copies of token material.
type Session struct {
	Username    string
	DisplayName string

	Identity  TokenSet
	Workspace Workspace

	// Credentials is ordered oldest-first; the last entry is current.
	Credentials []APICredential

	// ServiceTokens holds at most one token per downstream API version.
	// When both v1 and v2 are present, v2 is authoritative.
	ServiceTokens map[ServiceTokenVersion]ServiceToken

	// TransportCookie is the opaque browser-style session handle captured
	// during the authorize flow and reused by workspace reloads.
	TransportCookie string

	// GovernedOrg is set when the workspace belongs to a governed
	// organization and org-level metadata applies.
	GovernedOrg bool

	CreatedAt time.Time
}

// CurrentCredential returns the active APICredential, if any.
func (s *Session) CurrentCredential() (APICredential, bool) {
	if len(s.Credentials) == 0 {
		return APICredential{}, false
	}
	return s.Credentials[len(s.Credentials)-1], true
}

// AuthoritativeToken returns the preferred ServiceToken (v2 over v1).
func (s *Session) AuthoritativeToken() (ServiceToken, bool) {
	if tok, ok := s.ServiceTokens[ServiceTokenV2]; ok {
		return tok, true
	}
	tok, ok := s.ServiceTokens[ServiceTokenV1]
	return tok, ok
}

// AuthenticationContext is the transient state threaded through a single
// authentication attempt. It never outlives the flow and is never persisted.
type AuthenticationContext struct {
	CodeVerifier  string
	CodeChallenge string

	State string
	Nonce string
	CSRF  string

	// StateToken and StateHandle are the provider's opaque flow markers.
	// The handle is re-issued after almost every step and the latest value
	// must be threaded into the next call.
	StateToken  string
	StateHandle string

	// Provider-specific context captured along the way.
	FlowID          string
	TenantID        string
	AuthenticatorID string
	ChallengeMethod string
}

// Wipe clears all fields so secret material does not linger after the flow
// terminates.
func (c *AuthenticationContext) Wipe() {
	*c = AuthenticationContext{}
}
