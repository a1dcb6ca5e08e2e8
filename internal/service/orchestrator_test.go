package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/strato-go/config"
	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/htmlform"
	mockauth "github.com/target/strato-go/internal/mocks/auth"
	"github.com/target/strato-go/internal/ports"
	"github.com/target/strato-go/internal/testutil"
	"github.com/target/strato-go/internal/transport"
)

// fakeDetector always resolves to one provider and records the landing URL
// it was shown.
type fakeDetector struct {
	kind ports.ProviderKind

	mu       sync.Mutex
	finalURL string
}

func (d *fakeDetector) Detect(finalURL string, _ string, _ []byte, _ string) ports.ProviderKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalURL = finalURL
	return d.kind
}

func (d *fakeDetector) sawFinalURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalURL
}

func sawNotification(p *mockauth.ScriptedPrompter, fragment string) bool {
	for _, n := range p.Notifications() {
		if strings.Contains(n, fragment) {
			return true
		}
	}
	return false
}

// identityServer scripts the platform's settings, identity-engine, and token
// endpoints for one connect attempt.
type identityServer struct {
	t      *testing.T
	server *httptest.Server
	mux    *http.ServeMux

	mu         sync.Mutex
	tokenForms []url.Values

	federatedDomain string
	identifyDoc     func(base string) map[string]any
	answerDoc       func(base string) map[string]any
	pollDocs        []func(base string) map[string]any
	challengeDoc    func(base string) map[string]any
}

func newIdentityServer(t *testing.T) *identityServer {
	t.Helper()
	s := &identityServer{t: t, mux: http.NewServeMux()}
	s.server = httptest.NewServer(s.mux)
	t.Cleanup(s.server.Close)

	base := s.server.URL
	s.mux.HandleFunc(settingsPath, func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, map[string]string{
			"authUrl": base, "ssoUrl": base, "federatedDomain": s.federatedDomain,
		})
	})
	s.mux.HandleFunc(config.PathAuthorize, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><script>var stateToken = 'tok-1';</script></html>`)
	})
	s.mux.HandleFunc(config.PathIntrospect, func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, map[string]any{"stateHandle": "sh-1"})
	})
	s.mux.HandleFunc(config.PathIdentify, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "sh-1", payload["stateHandle"])
		testutil.WriteJSON(w, s.identifyDoc(base))
	})
	s.mux.HandleFunc(config.PathChallenge, func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{"stateHandle": "sh-3"}
		if s.challengeDoc != nil {
			doc = s.challengeDoc(base)
		}
		testutil.WriteJSON(w, doc)
	})
	s.mux.HandleFunc(config.PathChallenge+"/answer", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, s.answerDoc(base))
	})
	s.mux.HandleFunc(config.PathChallengePoll, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		doc := s.pollDocs[0](base)
		if len(s.pollDocs) > 1 {
			s.pollDocs = s.pollDocs[1:]
		}
		s.mu.Unlock()
		testutil.WriteJSON(w, doc)
	})
	s.mux.HandleFunc("/login/token/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, base+callbackPath+"?code=code-1&state=ignored", http.StatusFound)
	})
	s.mux.HandleFunc(config.PathToken, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		s.mu.Lock()
		s.tokenForms = append(s.tokenForms, r.PostForm)
		s.mu.Unlock()
		testutil.WriteJSON(w, map[string]any{
			"access_token": "identity-access", "refresh_token": "identity-refresh",
			"token_type": "Bearer", "expires_in": 3600, "id_token": "",
		})
	})
	return s
}

func authenticatorMenuDoc(options ...map[string]any) map[string]any {
	return map[string]any{
		"stateHandle": "sh-2",
		"remediation": map[string]any{"value": []any{
			map[string]any{
				"name": "select-authenticator-authenticate",
				"value": []any{map[string]any{
					"name":    "authenticator",
					"options": options,
				}},
			},
		}},
	}
}

func menuOption(label, id, methodType string) map[string]any {
	return map[string]any{
		"label": label,
		"value": map[string]any{"form": map[string]any{"value": []any{
			map[string]any{"name": "id", "value": id},
			map[string]any{"name": "methodType", "value": methodType},
		}}},
	}
}

func successDoc(base string) map[string]any {
	return map[string]any{
		"stateHandle": "sh-4",
		"success":     map[string]any{"href": base + "/login/token/redirect"},
	}
}

func newConnectHarness(t *testing.T, srv *identityServer, prompter *mockauth.ScriptedPrompter, adapters map[ports.ProviderKind]ports.IdPAdapter, kind ports.ProviderKind) (*Orchestrator, *fakeExec, *fakeDetector) {
	t.Helper()
	client, err := transport.NewClient(transport.ClientConfig{
		Timeout: 10 * time.Second, DialTimeout: 5 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second, IdleConnTimeout: 5 * time.Second,
		WithCookieJar: true,
	})
	require.NoError(t, err)

	exec := newFakeExec()
	scriptHappyBootstrap(exec, workspaceDoc{ID: "w1", Name: "dev"})
	sessions := newTestManager(t, exec)
	sessions.endpoints = config.EndpointsConfig{
		SettingsURL: srv.server.URL, AuthURL: srv.server.URL, SSOURL: srv.server.URL,
	}

	detector := &fakeDetector{kind: kind}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Client:    client,
		Endpoints: sessions.endpoints,
		Engine: config.EngineConfig{
			PollInterval: 5 * time.Millisecond, PollDeadline: time.Second,
		},
		Adapters: adapters,
		Detector: detector,
		Prompter: prompter,
		Sessions: sessions,
		Logger:   nil,
	})
	require.NoError(t, err)
	return orch, exec, detector
}

func TestConnectPasswordFlow(t *testing.T) {
	srv := newIdentityServer(t)
	srv.identifyDoc = func(string) map[string]any {
		return authenticatorMenuDoc(menuOption("Password", "aut-pwd", "password"))
	}
	srv.answerDoc = successDoc

	prompter := &mockauth.ScriptedPrompter{}
	orch, _, _ := newConnectHarness(t, srv, prompter, nil, ports.ProviderNone)

	session, err := orch.Connect(context.Background(), ConnectInput{
		Principal: "ana@corp.example", Password: "hunter2", Workspace: "dev",
	})
	require.NoError(t, err)
	assert.Equal(t, "dev", session.Workspace.Name)

	// The code exchange must carry the PKCE verifier alongside the code.
	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.tokenForms, 1)
	form := srv.tokenForms[0]
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.GreaterOrEqual(t, len(form.Get("code_verifier")), 43)
}

func TestConnectPushFlow(t *testing.T) {
	srv := newIdentityServer(t)
	srv.identifyDoc = func(string) map[string]any {
		return authenticatorMenuDoc(
			menuOption("Password", "aut-pwd", "password"),
			menuOption("Verify Push", "aut-push", "push"),
		)
	}
	srv.challengeDoc = func(string) map[string]any {
		return map[string]any{
			"stateHandle": "sh-3",
			"currentAuthenticator": map[string]any{"value": map[string]any{
				"contextualData": map[string]any{"correctAnswer": "42"},
			}},
		}
	}
	srv.pollDocs = []func(string) map[string]any{
		func(string) map[string]any { return map[string]any{"stateHandle": "sh-3"} },
		successDoc,
	}

	prompter := &mockauth.ScriptedPrompter{}
	orch, _, _ := newConnectHarness(t, srv, prompter, nil, ports.ProviderNone)

	_, err := orch.Connect(context.Background(), ConnectInput{Principal: "ana@corp.example", Workspace: "dev"})
	require.NoError(t, err)

	assert.True(t, sawNotification(prompter, "42"), "number-matching value is surfaced")
	assert.Zero(t, prompter.Prompts(), "push never prompts for a code")
}

func TestConnectTOTPPromptsForCode(t *testing.T) {
	srv := newIdentityServer(t)
	srv.identifyDoc = func(string) map[string]any {
		return authenticatorMenuDoc(menuOption("Authenticator App", "aut-totp", "totp"))
	}
	srv.answerDoc = successDoc

	prompter := &mockauth.ScriptedPrompter{OTP: "123456"}
	orch, _, _ := newConnectHarness(t, srv, prompter, nil, ports.ProviderNone)

	_, err := orch.Connect(context.Background(), ConnectInput{Principal: "ana@corp.example", Workspace: "dev"})
	require.NoError(t, err)
	assert.Equal(t, 1, prompter.Prompts())
}

func TestConnectWrongPasswordIsCredentialError(t *testing.T) {
	srv := newIdentityServer(t)
	srv.identifyDoc = func(string) map[string]any {
		return authenticatorMenuDoc(menuOption("Password", "aut-pwd", "password"))
	}
	srv.answerDoc = func(string) map[string]any {
		return map[string]any{
			"stateHandle": "sh-3",
			"messages": map[string]any{"value": []any{map[string]any{
				"message": "Password is incorrect",
				"class":   "ERROR",
				"i18n":    map[string]any{"key": "incorrectPassword"},
			}}},
		}
	}

	orch, _, _ := newConnectHarness(t, srv, &mockauth.ScriptedPrompter{}, nil, ports.ProviderNone)

	_, err := orch.Connect(context.Background(), ConnectInput{
		Principal: "ana@corp.example", Password: "wrong", Workspace: "dev",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCredential(err))
	assert.Contains(t, err.Error(), "Password is incorrect")
}

func TestConnectMissingPassword(t *testing.T) {
	srv := newIdentityServer(t)
	srv.identifyDoc = func(string) map[string]any {
		return authenticatorMenuDoc(menuOption("Password", "aut-pwd", "password"))
	}

	orch, _, _ := newConnectHarness(t, srv, &mockauth.ScriptedPrompter{}, nil, ports.ProviderNone)

	_, err := orch.Connect(context.Background(), ConnectInput{Principal: "ana@corp.example", Workspace: "dev"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCredential(err))
}

func federatedIdentifyDoc(base string) map[string]any {
	return map[string]any{
		"stateHandle": "sh-2",
		"remediation": map[string]any{"value": []any{
			map[string]any{"name": "redirect-idp", "href": base + "/ext/idp"},
		}},
	}
}

func TestConnectFederatedDispatch(t *testing.T) {
	srv := newIdentityServer(t)
	srv.identifyDoc = federatedIdentifyDoc
	srv.mux.HandleFunc("/ext/idp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>External sign-in</body></html>`)
	})
	srv.mux.HandleFunc("/sso/acs", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "b64-saml", r.PostForm.Get("SAMLResponse"))
		assert.Equal(t, "rs-1", r.PostForm.Get("RelayState"))
		http.Redirect(w, r, srv.server.URL+callbackPath+"?code=code-1", http.StatusFound)
	})

	adapter := &mockauth.ScriptedAdapter{
		Kind:   ports.ProviderOkta,
		Number: "17",
		States: []ports.PollState{ports.PollStatePending, ports.PollStateApproved},
		SAML: &htmlform.SAMLForm{
			Action: srv.server.URL + "/sso/acs", SAMLResponse: "b64-saml", RelayState: "rs-1",
		},
	}
	prompter := &mockauth.ScriptedPrompter{}
	orch, _, detector := newConnectHarness(t, srv, prompter,
		map[ports.ProviderKind]ports.IdPAdapter{ports.ProviderOkta: adapter}, ports.ProviderOkta)

	session, err := orch.Connect(context.Background(), ConnectInput{Principal: "ana@corp.example", Workspace: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "dev", session.Workspace.Name)

	// Detection runs on the resolved landing URL, not the raw hand-off href.
	assert.Equal(t, srv.server.URL+"/ext/idp", detector.sawFinalURL())
	assert.Equal(t, "ana@corp.example", adapter.Identifier())
	assert.Equal(t, 2, adapter.Polls())
	assert.True(t, sawNotification(prompter, "17"))
}

func TestConnectFederatedDomainMismatch(t *testing.T) {
	srv := newIdentityServer(t)
	srv.federatedDomain = "corp.example"
	srv.identifyDoc = federatedIdentifyDoc

	orch, _, _ := newConnectHarness(t, srv, &mockauth.ScriptedPrompter{},
		map[ports.ProviderKind]ports.IdPAdapter{ports.ProviderOkta: &mockauth.ScriptedAdapter{Kind: ports.ProviderOkta}}, ports.ProviderOkta)

	_, err := orch.Connect(context.Background(), ConnectInput{Principal: "bob@other.example", Workspace: "dev"})
	require.Error(t, err)
	assert.True(t, apperrors.IsSSOConfig(err))
	assert.Contains(t, err.Error(), "corp.example")
}

func TestConnectUnknownProviderIsConfigError(t *testing.T) {
	srv := newIdentityServer(t)
	srv.identifyDoc = federatedIdentifyDoc
	srv.mux.HandleFunc("/ext/idp", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>Who am I</body></html>`)
	})

	orch, _, _ := newConnectHarness(t, srv, &mockauth.ScriptedPrompter{}, nil, ports.ProviderNone)

	_, err := orch.Connect(context.Background(), ConnectInput{Principal: "ana@corp.example", Workspace: "dev"})
	require.Error(t, err)
	assert.True(t, apperrors.IsSSOConfig(err))
}

func TestConnectFederatedDenied(t *testing.T) {
	srv := newIdentityServer(t)
	srv.identifyDoc = federatedIdentifyDoc
	srv.mux.HandleFunc("/ext/idp", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>External sign-in</body></html>`)
	})

	adapter := &mockauth.ScriptedAdapter{Kind: ports.ProviderOkta, States: []ports.PollState{ports.PollStateDenied}}
	orch, _, _ := newConnectHarness(t, srv, &mockauth.ScriptedPrompter{},
		map[ports.ProviderKind]ports.IdPAdapter{ports.ProviderOkta: adapter}, ports.ProviderOkta)

	_, err := orch.Connect(context.Background(), ConnectInput{Principal: "ana@corp.example", Workspace: "dev"})
	require.Error(t, err)
	assert.True(t, apperrors.IsMFA(err))
	assert.Contains(t, err.Error(), "denied")
}

func TestConnectRequiresPrincipal(t *testing.T) {
	srv := newIdentityServer(t)
	orch, _, _ := newConnectHarness(t, srv, &mockauth.ScriptedPrompter{}, nil, ports.ProviderNone)

	_, err := orch.Connect(context.Background(), ConnectInput{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
