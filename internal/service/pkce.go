package service

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"

	"github.com/target/strato-go/internal/domain/auth"
	apperrors "github.com/target/strato-go/internal/errors"
)

// newAuthenticationContext seeds the transient per-attempt state: the PKCE
// verifier/challenge pair and the CSRF/state/nonce values sent on the
// authorize request.
func newAuthenticationContext() (*auth.AuthenticationContext, error) {
	verifier := oauth2.GenerateVerifier()

	state, err := randomToken(24)
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken(24)
	if err != nil {
		return nil, err
	}
	csrf, err := randomToken(16)
	if err != nil {
		return nil, err
	}

	return &auth.AuthenticationContext{
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:         state,
		Nonce:         nonce,
		CSRF:          csrf,
	}, nil
}

// randomToken returns a URL-safe random string from n bytes of entropy.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "gather randomness")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
