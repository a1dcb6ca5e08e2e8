// Package testutil provides small helpers shared by package tests: token
// construction and JSON response plumbing for scripted HTTP servers.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

// UnsignedJWT builds a structurally valid JWT with an empty signature, for
// code paths that parse claims without verifying.
func UnsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

// WriteJSON serves doc as a JSON response body.
func WriteJSON(w http.ResponseWriter, doc any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
