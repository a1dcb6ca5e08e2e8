package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceTokenMinutesToExpiry(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := ServiceToken{Version: ServiceTokenV2, ExpiresIn: 900, CreatedAt: created}

	assert.InDelta(t, 15.0, tok.MinutesToExpiry(created), 0.001)
	assert.InDelta(t, 2.0, tok.MinutesToExpiry(created.Add(13*time.Minute)), 0.001)
	assert.Less(t, tok.MinutesToExpiry(created.Add(16*time.Minute)), 0.0)
}

func TestSessionAuthoritativeTokenPrefersV2(t *testing.T) {
	now := time.Now()
	s := &Session{ServiceTokens: map[ServiceTokenVersion]ServiceToken{
		ServiceTokenV1: {Version: ServiceTokenV1, AccessToken: "one", CreatedAt: now},
		ServiceTokenV2: {Version: ServiceTokenV2, AccessToken: "two", CreatedAt: now},
	}}

	tok, ok := s.AuthoritativeToken()
	require.True(t, ok)
	assert.Equal(t, ServiceTokenV2, tok.Version)

	delete(s.ServiceTokens, ServiceTokenV2)
	tok, ok = s.AuthoritativeToken()
	require.True(t, ok)
	assert.Equal(t, ServiceTokenV1, tok.Version)

	delete(s.ServiceTokens, ServiceTokenV1)
	_, ok = s.AuthoritativeToken()
	assert.False(t, ok)
}

func TestSessionCurrentCredential(t *testing.T) {
	s := &Session{}
	_, ok := s.CurrentCredential()
	assert.False(t, ok)

	s.Credentials = append(s.Credentials, APICredential{Name: "old"}, APICredential{Name: "new"})
	cred, ok := s.CurrentCredential()
	require.True(t, ok)
	assert.Equal(t, "new", cred.Name)
}

func TestCredentialName(t *testing.T) {
	at := time.Unix(1756400000, 0)
	name := CredentialName("ab12cd34", at)
	assert.True(t, strings.HasPrefix(name, CredentialNamePrefix+"-"))
	assert.Contains(t, name, "ab12cd34")
	assert.Contains(t, name, "1756400000")
}

func TestAuthenticationContextWipe(t *testing.T) {
	ctx := AuthenticationContext{CodeVerifier: "v", StateHandle: "h", FlowID: "f"}
	ctx.Wipe()
	assert.Equal(t, AuthenticationContext{}, ctx)
}

func TestTokenSetExpired(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := TokenSet{ExpiresIn: 7200, CreatedAt: created}
	assert.False(t, ts.Expired(created.Add(119*time.Minute)))
	assert.True(t, ts.Expired(created.Add(120*time.Minute)))
}
