package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/strato-go/config"
	"github.com/target/strato-go/internal/cryptoutil"
	"github.com/target/strato-go/internal/domain/auth"
	apperrors "github.com/target/strato-go/internal/errors"
	mockauth "github.com/target/strato-go/internal/mocks/auth"
	"github.com/target/strato-go/internal/ports"
	"github.com/target/strato-go/internal/testutil"
)

// recordedCall is one request the fake executor saw.
type recordedCall struct {
	Method string
	Path   string
	Body   any
	Header http.Header
	Bearer string
}

// fakeExec scripts a ports.Executor on top of the shared handler double:
// responses are keyed by "METHOD path" and returned as raw JSON.
type fakeExec struct {
	*mockauth.ScriptedExecutor
	responses map[string]any
	failures  map[string]error
}

func newFakeExec() *fakeExec {
	f := &fakeExec{responses: map[string]any{}, failures: map[string]error{}}
	f.ScriptedExecutor = &mockauth.ScriptedExecutor{Handler: f.dispatch}
	return f
}

func (f *fakeExec) respond(method, path string, doc any) { f.responses[method+" "+path] = doc }
func (f *fakeExec) fail(method, path string, err error)  { f.failures[method+" "+path] = err }

func (f *fakeExec) dispatch(_ context.Context, req ports.Request) (*ports.Result, error) {
	u, err := url.Parse(req.URI)
	if err != nil {
		return nil, err
	}
	key := req.Method + " " + u.Path
	if failure, ok := f.failures[key]; ok {
		return nil, failure
	}
	doc, ok := f.responses[key]
	if !ok {
		return &ports.Result{StatusCode: http.StatusOK}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return &ports.Result{StatusCode: http.StatusOK, Raw: raw}, nil
}

func (f *fakeExec) calls() []recordedCall {
	var out []recordedCall
	for _, req := range f.Requests() {
		u, err := url.Parse(req.URI)
		if err != nil {
			continue
		}
		out = append(out, recordedCall{
			Method: req.Method, Path: u.Path, Body: req.Body,
			Header: req.Header, Bearer: req.BearerOverride,
		})
	}
	return out
}

func (f *fakeExec) callsTo(method, path string) []recordedCall {
	var out []recordedCall
	for _, c := range f.calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func newTestManager(t *testing.T, exec *fakeExec) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{
		Endpoints: config.EndpointsConfig{
			SettingsURL: "https://client-settings.strato.cloud",
			AuthURL:     "https://auth.strato.cloud",
			SSOURL:      "https://sso.strato.cloud",
		},
		Sealer: cryptoutil.NoopSealer{},
	})
	require.NoError(t, err)
	m.Bind(exec)
	return m
}

// scriptHappyBootstrap wires the session, load-account, credential, and
// token-exchange responses for a successful establish.
func scriptHappyBootstrap(exec *fakeExec, workspaces ...workspaceDoc) {
	doc := sessionDoc{Workspaces: workspaces}
	doc.User.Username = "ana.ops"
	doc.User.DisplayName = "Ana Ops"
	exec.respond(http.MethodGet, config.PathSession, doc)
	exec.respond(http.MethodPost, config.PathSessionLoadAccount,
		loadAccountDoc{TransportSession: "STRATO_SESSION=abc123"})
	exec.respond(http.MethodPost, pathAPICredentials,
		credentialDoc{ClientID: "cid-1", ClientSecret: "shh-1"})
	exec.respond(http.MethodPost, pathServiceTokensV2,
		serviceTokenDoc{AccessToken: "svc-v2", ExpiresIn: 900})
	exec.respond(http.MethodPost, pathServiceTokensV1,
		serviceTokenDoc{AccessToken: "svc-v1", ExpiresIn: 7200})
}

func testTokens(t *testing.T) auth.TokenSet {
	return auth.TokenSet{
		AccessToken: "identity-access",
		IDToken: testutil.UnsignedJWT(t, map[string]any{
			"preferred_username": "ana@corp.example",
			"name":               "Ana",
		}),
		RefreshToken: "identity-refresh",
		ExpiresIn:    3600,
		CreatedAt:    time.Now(),
	}
}

func TestEstablishSessionBootstrapsEverything(t *testing.T) {
	exec := newFakeExec()
	scriptHappyBootstrap(exec,
		workspaceDoc{ID: "w1", Name: "dev", OrgID: "o1", OrgName: "corp"},
		workspaceDoc{ID: "w2", Name: "ops", OrgID: "o1", OrgName: "corp", Governed: true},
	)
	m := newTestManager(t, exec)

	session, err := m.EstablishSession(context.Background(), testTokens(t), "ops")
	require.NoError(t, err)

	assert.Equal(t, "ana.ops", session.Username)
	assert.Equal(t, "ops", session.Workspace.Name)
	assert.True(t, session.GovernedOrg)
	assert.Equal(t, "STRATO_SESSION=abc123", session.TransportCookie)
	assert.Len(t, session.ServiceTokens, 2)

	credential, ok := session.CurrentCredential()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(credential.Name, auth.CredentialNamePrefix+"-"))
	assert.Equal(t, "cid-1", credential.ClientID)

	// The load-account call must bind the chosen workspace.
	loads := exec.callsTo(http.MethodPost, config.PathSessionLoadAccount)
	require.Len(t, loads, 1)
	assert.Equal(t, map[string]string{"workspaceId": "w2"}, loads[0].Body)

	// Bootstrap calls run on the identity bearer, not session state.
	for _, c := range exec.calls() {
		assert.Equal(t, "identity-access", c.Bearer, "call to %s", c.Path)
	}

	current, ok := m.Current()
	require.True(t, ok)
	assert.Same(t, session, current)
}

func TestEstablishSessionWorkspaceSelection(t *testing.T) {
	cases := []struct {
		name       string
		workspaces []workspaceDoc
		requested  string
		check      func(*testing.T, error)
	}{
		{
			name:      "no visible workspaces",
			requested: "",
			check: func(t *testing.T, err error) {
				assert.True(t, apperrors.IsCredential(err))
			},
		},
		{
			name: "several without a name is ambiguous",
			workspaces: []workspaceDoc{
				{ID: "w1", Name: "dev"}, {ID: "w2", Name: "ops"},
			},
			check: func(t *testing.T, err error) {
				assert.True(t, apperrors.IsValidation(err))
				assert.Contains(t, err.Error(), "dev, ops")
			},
		},
		{
			name:       "named workspace missing",
			workspaces: []workspaceDoc{{ID: "w1", Name: "dev"}},
			requested:  "prod",
			check: func(t *testing.T, err error) {
				assert.True(t, apperrors.IsValidation(err))
				assert.Contains(t, err.Error(), `"prod"`)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := newFakeExec()
			scriptHappyBootstrap(exec, tc.workspaces...)
			m := newTestManager(t, exec)

			_, err := m.EstablishSession(context.Background(), testTokens(t), tc.requested)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestEstablishSessionSingleWorkspaceAutoSelects(t *testing.T) {
	exec := newFakeExec()
	scriptHappyBootstrap(exec, workspaceDoc{ID: "w1", Name: "dev"})
	m := newTestManager(t, exec)

	session, err := m.EstablishSession(context.Background(), testTokens(t), "")
	require.NoError(t, err)
	assert.Equal(t, "dev", session.Workspace.Name)
}

func TestEstablishSessionV2ExchangeIsOptional(t *testing.T) {
	exec := newFakeExec()
	scriptHappyBootstrap(exec, workspaceDoc{ID: "w1", Name: "dev"})
	exec.fail(http.MethodPost, pathServiceTokensV2, apperrors.Provider("v2 not offered"))
	m := newTestManager(t, exec)

	session, err := m.EstablishSession(context.Background(), testTokens(t), "")
	require.NoError(t, err)
	assert.Len(t, session.ServiceTokens, 1)

	token, ok := session.AuthoritativeToken()
	require.True(t, ok)
	assert.Equal(t, auth.ServiceTokenV1, token.Version)
}

func TestEstablishSessionFailsWithoutAnyServiceToken(t *testing.T) {
	exec := newFakeExec()
	scriptHappyBootstrap(exec, workspaceDoc{ID: "w1", Name: "dev"})
	exec.fail(http.MethodPost, pathServiceTokensV2, apperrors.Provider("v2 down"))
	exec.fail(http.MethodPost, pathServiceTokensV1, apperrors.Provider("v1 down"))
	m := newTestManager(t, exec)

	_, err := m.EstablishSession(context.Background(), testTokens(t), "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCredential(err))
}

func TestNeedsRefreshThresholds(t *testing.T) {
	m := newTestManager(t, newFakeExec())
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		version auth.ServiceTokenVersion
		expires int64
		elapsed time.Duration
		want    bool
	}{
		{"v2 fresh", auth.ServiceTokenV2, 900, 5 * time.Minute, false},
		{"v2 inside threshold", auth.ServiceTokenV2, 900, 13*time.Minute + 30*time.Second, true},
		{"v2 expired", auth.ServiceTokenV2, 900, 20 * time.Minute, true},
		{"v1 fresh", auth.ServiceTokenV1, 7200, 5 * time.Minute, false},
		{"v1 inside threshold", auth.ServiceTokenV1, 7200, 15 * time.Minute, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session := &auth.Session{
				ServiceTokens: map[auth.ServiceTokenVersion]auth.ServiceToken{
					tc.version: {Version: tc.version, ExpiresIn: tc.expires, CreatedAt: base},
				},
			}
			assert.Equal(t, tc.want, m.needsRefresh(session, base.Add(tc.elapsed)))
		})
	}

	t.Run("no service token always refreshes", func(t *testing.T) {
		assert.True(t, m.needsRefresh(&auth.Session{}, base))
	})
}

func TestRefreshIfNeededWithoutSession(t *testing.T) {
	m := newTestManager(t, newFakeExec())
	err := m.RefreshIfNeeded(context.Background(), false)
	assert.True(t, apperrors.IsSessionExpired(err))
}

func TestRefreshExpiredIdentityIsTerminal(t *testing.T) {
	exec := newFakeExec()
	m := newTestManager(t, exec)
	m.session = &auth.Session{
		Identity: auth.TokenSet{ExpiresIn: 60, CreatedAt: time.Now().Add(-time.Hour)},
	}

	err := m.RefreshIfNeeded(context.Background(), true)
	assert.True(t, apperrors.IsSessionExpired(err))
	assert.Empty(t, exec.calls(), "no remote calls once the identity window is gone")
}

// installSession seeds a near-expiry session directly so refresh paths can
// be exercised without the establish flow. The credential secret is stored
// the way the manager stores it: sealed.
func installSession(m *Manager, identity auth.TokenSet) {
	sealed, _ := cryptoutil.NoopSealer{}.Seal("shh-1")
	m.session = &auth.Session{
		Username: "ana.ops",
		Identity: identity,
		Workspace: auth.Workspace{
			ID: "w2", Name: "ops",
		},
		Credentials: []auth.APICredential{{
			Name: "strato-go-abcd1234-1756000000", ClientID: "cid-1", SealedSecret: sealed,
		}},
		ServiceTokens: map[auth.ServiceTokenVersion]auth.ServiceToken{
			auth.ServiceTokenV2: {
				Version: auth.ServiceTokenV2, AccessToken: "svc-v2-old",
				ExpiresIn: 900, CreatedAt: time.Now().Add(-14 * time.Minute),
			},
		},
		TransportCookie: "STRATO_SESSION=abc123",
	}
}

func TestRefreshRotatesIdentityAndServiceTokens(t *testing.T) {
	var tokenForms []url.Values
	sso := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, config.PathToken, r.URL.Path)
		require.NoError(t, r.ParseForm())
		tokenForms = append(tokenForms, r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"identity-access-2","refresh_token":"identity-refresh-2",`+
			`"token_type":"Bearer","expires_in":3600,"id_token":"id-token-2"}`)
	}))
	defer sso.Close()

	exec := newFakeExec()
	exec.respond(http.MethodPost, config.PathSessionLoadAccount,
		loadAccountDoc{TransportSession: "STRATO_SESSION=def456"})
	exec.respond(http.MethodPost, pathServiceTokensV2,
		serviceTokenDoc{AccessToken: "svc-v2-new", ExpiresIn: 900})
	exec.respond(http.MethodPost, pathServiceTokensV1,
		serviceTokenDoc{AccessToken: "svc-v1-new", ExpiresIn: 7200})

	m := newTestManager(t, exec)
	m.endpoints.SSOURL = sso.URL
	installSession(m, auth.TokenSet{
		AccessToken: "identity-access", RefreshToken: "identity-refresh",
		ExpiresIn: 3600, CreatedAt: time.Now(),
	})

	require.NoError(t, m.RefreshIfNeeded(context.Background(), false))

	require.Len(t, tokenForms, 1)
	assert.Equal(t, "refresh_token", tokenForms[0].Get("grant_type"))
	assert.Equal(t, "identity-refresh", tokenForms[0].Get("refresh_token"))

	session, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "identity-access-2", session.Identity.AccessToken)
	assert.Equal(t, "identity-refresh-2", session.Identity.RefreshToken)
	assert.Equal(t, "id-token-2", session.Identity.IDToken)
	assert.Equal(t, "svc-v2-new", session.ServiceTokens[auth.ServiceTokenV2].AccessToken)
	assert.Equal(t, "STRATO_SESSION=def456", session.TransportCookie)

	// The workspace reload rides the captured transport cookie.
	loads := exec.callsTo(http.MethodPost, config.PathSessionLoadAccount)
	require.Len(t, loads, 1)
	assert.Equal(t, "STRATO_SESSION=abc123", loads[0].Header.Get("Cookie"))
	assert.Equal(t, "identity-access-2", loads[0].Bearer)

	// The exchange runs on the unsealed credential secret, not the stored
	// sealed form.
	exchanges := exec.callsTo(http.MethodPost, pathServiceTokensV2)
	require.Len(t, exchanges, 1)
	assert.Equal(t, map[string]string{"clientId": "cid-1", "clientSecret": "shh-1"}, exchanges[0].Body)
}

func TestRefreshSkipsWhenTokensAreFresh(t *testing.T) {
	exec := newFakeExec()
	m := newTestManager(t, exec)
	installSession(m, auth.TokenSet{
		AccessToken: "identity-access", ExpiresIn: 3600, CreatedAt: time.Now(),
	})
	m.session.ServiceTokens[auth.ServiceTokenV2] = auth.ServiceToken{
		Version: auth.ServiceTokenV2, AccessToken: "svc-v2",
		ExpiresIn: 900, CreatedAt: time.Now(),
	}

	require.NoError(t, m.RefreshIfNeeded(context.Background(), false))
	assert.Empty(t, exec.calls())
}

func TestRefreshExchangeFailureExpiresSession(t *testing.T) {
	exec := newFakeExec()
	exec.fail(http.MethodPost, pathServiceTokensV2, apperrors.Provider("v2 down"))
	exec.fail(http.MethodPost, pathServiceTokensV1, apperrors.Credential("credential revoked"))

	m := newTestManager(t, exec)
	// No refresh token, so the identity leg is a pass-through and the
	// failure comes from the credential exchange.
	installSession(m, auth.TokenSet{
		AccessToken: "identity-access", ExpiresIn: 3600, CreatedAt: time.Now(),
	})

	err := m.RefreshIfNeeded(context.Background(), true)
	require.Error(t, err)
	assert.True(t, apperrors.IsSessionExpired(err))
}

func TestSwitchWorkspaceReplacesCredentialAndTokens(t *testing.T) {
	exec := newFakeExec()
	scriptHappyBootstrap(exec,
		workspaceDoc{ID: "w1", Name: "dev"},
		workspaceDoc{ID: "w2", Name: "ops"},
	)
	m := newTestManager(t, exec)
	installSession(m, auth.TokenSet{
		AccessToken: "identity-access", ExpiresIn: 3600, CreatedAt: time.Now(),
	})
	oldName := m.session.Credentials[0].Name

	session, err := m.SwitchWorkspace(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", session.Workspace.Name)

	deletes := exec.callsTo(http.MethodDelete, pathAPICredentials+"/"+oldName)
	assert.Len(t, deletes, 1, "the previous credential is removed")

	credential, ok := session.CurrentCredential()
	require.True(t, ok)
	assert.NotEqual(t, oldName, credential.Name)
}

func TestSwitchWorkspaceRequiresSession(t *testing.T) {
	m := newTestManager(t, newFakeExec())
	_, err := m.SwitchWorkspace(context.Background(), "dev")
	assert.True(t, apperrors.IsSessionExpired(err))
}

func TestTearDownRevokesEverything(t *testing.T) {
	exec := newFakeExec()
	m := newTestManager(t, exec)
	installSession(m, auth.TokenSet{
		AccessToken: "identity-access", RefreshToken: "identity-refresh",
		ExpiresIn: 3600, CreatedAt: time.Now(),
	})

	require.NoError(t, m.TearDown(context.Background()))

	_, ok := m.Current()
	assert.False(t, ok)

	assert.Len(t, exec.callsTo(http.MethodDelete, pathAPICredentials+"/strato-go-abcd1234-1756000000"), 1)
	assert.Len(t, exec.callsTo(http.MethodPost, config.PathEndSession), 1)

	revokes := exec.callsTo(http.MethodPost, config.PathRevocation)
	require.Len(t, revokes, 1)
	raw, isBytes := revokes[0].Body.([]byte)
	require.True(t, isBytes, "revocation body is form-encoded")
	form, err := url.ParseQuery(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "identity-refresh", form.Get("token"))
	assert.Equal(t, "refresh_token", form.Get("token_type_hint"))
}

func TestTearDownPastExpiryIsLocalOnly(t *testing.T) {
	exec := newFakeExec()
	m := newTestManager(t, exec)
	installSession(m, auth.TokenSet{
		ExpiresIn: 60, CreatedAt: time.Now().Add(-time.Hour),
	})

	require.NoError(t, m.TearDown(context.Background()))
	assert.Empty(t, exec.calls(), "remote teardown is skipped once the platform forgot the session")

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestTearDownWithoutSessionIsNoop(t *testing.T) {
	m := newTestManager(t, newFakeExec())
	assert.NoError(t, m.TearDown(context.Background()))
}

func TestAuthHeadersPerFamily(t *testing.T) {
	m := newTestManager(t, newFakeExec())
	installSession(m, auth.TokenSet{
		AccessToken: "identity-access", ExpiresIn: 3600, CreatedAt: time.Now(),
	})

	header, err := m.AuthHeaders(ports.FamilyIdentity)
	require.NoError(t, err)
	assert.Equal(t, "Bearer identity-access", header.Get("Authorization"))

	header, err = m.AuthHeaders(ports.FamilyService)
	require.NoError(t, err)
	assert.Equal(t, "Bearer svc-v2-old", header.Get("Authorization"))

	header, err = m.AuthHeaders(ports.FamilyDoorway)
	require.NoError(t, err)
	assert.Equal(t, "STRATO_SESSION=abc123", header.Get("Cookie"))

	header, err = m.AuthHeaders(ports.FamilyFederated)
	require.NoError(t, err)
	assert.Empty(t, header)
}

func TestAuthHeadersWithoutSession(t *testing.T) {
	m := newTestManager(t, newFakeExec())

	_, err := m.AuthHeaders(ports.FamilyService)
	assert.True(t, apperrors.IsSessionExpired(err))

	// Federated endpoints carry no session headers and work pre-connect.
	header, err := m.AuthHeaders(ports.FamilyFederated)
	require.NoError(t, err)
	assert.Empty(t, header)
}

func TestMintCredentialPurgesOnlyTemplateNames(t *testing.T) {
	exec := newFakeExec()
	exec.respond(http.MethodGet, pathAPICredentials, credentialListDoc{Items: []credentialDoc{
		{Name: "strato-go-11111111-1755000000"},
		{Name: "terraform-ci"},
		{Name: "strato-go-22222222-1755100000"},
	}})
	exec.respond(http.MethodPost, pathAPICredentials,
		credentialDoc{ClientID: "cid-2", ClientSecret: "shh-2"})

	m := newTestManager(t, exec)
	m.cfg.PurgeStaleCredentials = true

	credential, secret, err := m.mintCredential(context.Background(), "identity-access")
	require.NoError(t, err)
	assert.Equal(t, "shh-2", secret)
	assert.Equal(t, "cid-2", credential.ClientID)

	assert.Len(t, exec.callsTo(http.MethodDelete, pathAPICredentials+"/strato-go-11111111-1755000000"), 1)
	assert.Len(t, exec.callsTo(http.MethodDelete, pathAPICredentials+"/strato-go-22222222-1755100000"), 1)
	assert.Empty(t, exec.callsTo(http.MethodDelete, pathAPICredentials+"/terraform-ci"),
		"foreign credentials are never touched")
}

func TestIdentityNames(t *testing.T) {
	token := testutil.UnsignedJWT(t, map[string]any{
		"preferred_username": "ana@corp.example",
		"name":               "Ana Ops",
	})
	username, display := identityNames(token)
	assert.Equal(t, "ana@corp.example", username)
	assert.Equal(t, "Ana Ops", display)

	username, display = identityNames("not-a-jwt")
	assert.Empty(t, username)
	assert.Empty(t, display)
}
