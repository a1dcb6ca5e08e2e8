package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/target/strato-go/config"
	"github.com/target/strato-go/internal/cryptoutil"
	"github.com/target/strato-go/internal/domain/auth"
	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/jwtutil"
	"github.com/target/strato-go/internal/observability/statsd"
	"github.com/target/strato-go/internal/ports"
)

// Refresh thresholds in minutes of remaining service-token lifetime. The v1
// window is 120 minutes, so the v1 threshold effectively refreshes on every
// check once the first ten minutes have passed.
const (
	v2RefreshThresholdMinutes = 2
	v1RefreshThresholdMinutes = 110
)

// credentialCeiling is the platform's fixed per-user API credential limit.
const credentialCeiling = 7

// Identity-API resource paths on the auth host.
const (
	pathAPICredentials  = "/authn/v1/api-credentials"
	pathServiceTokensV1 = "/authn/v1/service-tokens"
	pathServiceTokensV2 = "/authn/v2/service-tokens"
)

// ManagerOptions groups the lifecycle manager's dependencies. The executor
// is bound after construction because the request engine needs the manager
// as its credential source.
type ManagerOptions struct {
	Client    *http.Client
	Endpoints config.EndpointsConfig
	Engine    config.EngineConfig
	Sealer    cryptoutil.Sealer
	Verifier  ports.TokenVerifier
	Metrics   statsd.Sink
	Logger    *slog.Logger
}

// Manager owns the single process-wide Session and is its only mutator. It
// implements ports.CredentialSource for the request engine.
type Manager struct {
	client    *http.Client
	endpoints config.EndpointsConfig
	cfg       config.EngineConfig
	sealer    cryptoutil.Sealer
	verifier  ports.TokenVerifier
	metrics   statsd.Sink
	logger    *slog.Logger

	exec ports.Executor

	mu      sync.Mutex
	session *auth.Session

	refreshGroup singleflight.Group

	now func() time.Time
}

var _ ports.CredentialSource = (*Manager)(nil)

// NewManager builds a lifecycle manager. Bind must be called with the
// request engine before any session operation runs.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Sealer == nil {
		return nil, apperrors.Validation("session manager requires a secret sealer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Engine
	cfg.Sanitize()
	verifier := opts.Verifier

	return &Manager{
		client:    opts.Client,
		endpoints: opts.Endpoints,
		cfg:       cfg,
		sealer:    opts.Sealer,
		verifier:  verifier,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "session-manager"),
		now:       time.Now,
	}, nil
}

// Bind attaches the request engine. Separate from construction because the
// engine's credential source is this manager.
func (m *Manager) Bind(exec ports.Executor) { m.exec = exec }

// SetEndpoints re-points the manager at resolved platform base URLs. Called
// once during sign-in when the environment settings document overrides the
// configured hosts.
func (m *Manager) SetEndpoints(endpoints config.EndpointsConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = endpoints
}

// Current returns the active session, or false when none is established.
func (m *Manager) Current() (*auth.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.session != nil
}

// Platform response documents.

type workspaceDoc struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	OrgID    string `json:"orgId"`
	OrgName  string `json:"orgName"`
	Governed bool   `json:"governed"`
}

type sessionDoc struct {
	User struct {
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Workspaces []workspaceDoc `json:"workspaces"`
}

type loadAccountDoc struct {
	TransportSession string       `json:"transportSession"`
	Workspace        workspaceDoc `json:"workspace"`
}

type credentialDoc struct {
	Name         string `json:"name"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type credentialListDoc struct {
	Items []credentialDoc `json:"items"`
}

type serviceTokenDoc struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// EstablishSession turns the orchestrator's token triple into the
// process-wide session: resolve the workspace, load its account context,
// mint an ephemeral API credential, and exchange it for service tokens.
func (m *Manager) EstablishSession(ctx context.Context, tokens auth.TokenSet, workspaceName string) (*auth.Session, error) {
	if m.exec == nil {
		return nil, apperrors.Internal("session manager has no request engine bound")
	}
	if m.verifier != nil && tokens.IDToken != "" {
		if err := m.verifier.Verify(ctx, tokens.IDToken); err != nil {
			return nil, err
		}
	}

	username, displayName := identityNames(tokens.IDToken)
	bearer := tokens.AccessToken

	var doc sessionDoc
	if err := m.call(ctx, http.MethodGet, m.endpoints.AuthURL+config.PathSession, nil, bearer, nil, &doc); err != nil {
		return nil, err
	}
	if doc.User.Username != "" {
		username = doc.User.Username
	}
	if doc.User.DisplayName != "" {
		displayName = doc.User.DisplayName
	}

	workspace, err := resolveWorkspace(doc.Workspaces, workspaceName)
	if err != nil {
		return nil, err
	}

	var account loadAccountDoc
	if err := m.call(ctx, http.MethodPost, m.endpoints.AuthURL+config.PathSessionLoadAccount,
		map[string]string{"workspaceId": workspace.ID}, bearer, nil, &account); err != nil {
		return nil, err
	}

	credential, secret, err := m.mintCredential(ctx, bearer)
	if err != nil {
		return nil, err
	}
	serviceTokens, err := m.exchangeServiceTokens(ctx, credential.ClientID, secret, bearer)
	if err != nil {
		return nil, err
	}

	session := &auth.Session{
		Username:        username,
		DisplayName:     displayName,
		Identity:        tokens,
		Workspace:       toWorkspace(workspace),
		Credentials:     []auth.APICredential{credential},
		ServiceTokens:   serviceTokens,
		TransportCookie: account.TransportSession,
		GovernedOrg:     workspace.Governed,
		CreatedAt:       m.now(),
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	m.logger.Info("session established",
		"workspace", session.Workspace.Name, "org", session.Workspace.OrgName,
		"service_token_versions", len(serviceTokens))
	return session, nil
}

// SwitchWorkspace replaces the session's workspace context: the current
// credential is removed, the new workspace is loaded, and a fresh
// credential is minted and exchanged.
func (m *Manager) SwitchWorkspace(ctx context.Context, name string) (*auth.Session, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.Validation("a workspace name is required to switch")
	}

	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return nil, apperrors.SessionExpired("no active session; connect first")
	}
	bearer := session.Identity.AccessToken

	if current, ok := session.CurrentCredential(); ok {
		if err := m.deleteCredential(ctx, current.Name, bearer); err != nil {
			m.logger.Warn("stale credential was not removed", "name", current.Name, "error", err)
		}
	}

	var doc sessionDoc
	if err := m.call(ctx, http.MethodGet, m.endpoints.AuthURL+config.PathSession, nil, bearer, nil, &doc); err != nil {
		return nil, err
	}
	workspace, err := resolveWorkspace(doc.Workspaces, name)
	if err != nil {
		return nil, err
	}

	var account loadAccountDoc
	if err := m.call(ctx, http.MethodPost, m.endpoints.AuthURL+config.PathSessionLoadAccount,
		map[string]string{"workspaceId": workspace.ID}, bearer, nil, &account); err != nil {
		return nil, err
	}

	credential, secret, err := m.mintCredential(ctx, bearer)
	if err != nil {
		return nil, err
	}
	serviceTokens, err := m.exchangeServiceTokens(ctx, credential.ClientID, secret, bearer)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.session.Workspace = toWorkspace(workspace)
	m.session.Credentials = []auth.APICredential{credential}
	m.session.ServiceTokens = serviceTokens
	m.session.GovernedOrg = workspace.Governed
	if account.TransportSession != "" {
		m.session.TransportCookie = account.TransportSession
	}
	updated := m.session
	m.mu.Unlock()

	m.logger.Info("workspace switched", "workspace", workspace.Name)
	return updated, nil
}

// RefreshIfNeeded rotates service tokens before they expire. Concurrent
// callers share one refresh via singleflight. force refreshes regardless of
// remaining lifetime.
func (m *Manager) RefreshIfNeeded(ctx context.Context, force bool) error {
	_, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return nil, m.refresh(ctx, force)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context, force bool) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return apperrors.SessionExpired("no active session; connect first")
	}

	now := m.now()
	if session.Identity.Expired(now) {
		return apperrors.SessionExpired("the platform session has expired; re-authenticate to continue")
	}
	if !force && !m.needsRefresh(session, now) {
		return nil
	}

	credential, ok := session.CurrentCredential()
	if !ok {
		return apperrors.SessionExpired("session carries no API credential; re-authenticate to continue")
	}
	secret, err := m.sealer.Open(credential.SealedSecret)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "unseal API credential secret")
	}

	if m.metrics != nil {
		m.metrics.Count(statsd.MetricSessionRefresh, 1, map[string]string{"forced": fmt.Sprintf("%t", force)})
	}

	identity, err := m.refreshIdentity(ctx, session.Identity)
	if err != nil {
		return err
	}

	var account loadAccountDoc
	header := http.Header{}
	if session.TransportCookie != "" {
		header.Set("Cookie", session.TransportCookie)
	}
	if err := m.call(ctx, http.MethodPost, m.endpoints.AuthURL+config.PathSessionLoadAccount,
		map[string]string{"workspaceId": session.Workspace.ID}, identity.AccessToken, header, &account); err != nil {
		return err
	}

	serviceTokens, err := m.exchangeServiceTokens(ctx, credential.ClientID, secret, identity.AccessToken)
	if err != nil {
		// Both exchange paths failing means the credential no longer
		// works; the session as a whole is done.
		return apperrors.Wrap(err, apperrors.ErrCodeSessionExpired,
			"service tokens could not be refreshed on any path; re-authenticate to continue")
	}

	m.mu.Lock()
	m.session.Identity = identity
	m.session.ServiceTokens = serviceTokens
	if account.TransportSession != "" {
		m.session.TransportCookie = account.TransportSession
	}
	m.mu.Unlock()

	m.logger.Debug("session refreshed", "forced", force)
	return nil
}

// needsRefresh applies the per-version thresholds to the authoritative
// service token.
func (m *Manager) needsRefresh(session *auth.Session, now time.Time) bool {
	token, ok := session.AuthoritativeToken()
	if !ok {
		return true
	}
	remaining := token.MinutesToExpiry(now)
	if token.Version == auth.ServiceTokenV2 {
		return remaining <= v2RefreshThresholdMinutes
	}
	return remaining <= v1RefreshThresholdMinutes
}

// refreshIdentity runs the refresh-token grant for the identity domain.
func (m *Manager) refreshIdentity(ctx context.Context, identity auth.TokenSet) (auth.TokenSet, error) {
	if identity.RefreshToken == "" {
		// No refresh grant available; the access token must carry the
		// session until its own expiry.
		return identity, nil
	}

	conf := m.oauthConfig()
	if m.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	}
	refreshed, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: identity.RefreshToken}).Token()
	if err != nil {
		return auth.TokenSet{}, apperrors.Wrap(err, apperrors.ErrCodeSessionExpired,
			"identity token refresh was rejected; re-authenticate to continue")
	}

	next := auth.TokenSet{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		IDToken:      identity.IDToken,
		ExpiresIn:    int64(time.Until(refreshed.Expiry).Seconds()),
		CreatedAt:    m.now(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = identity.RefreshToken
	}
	if idToken, ok := refreshed.Extra("id_token").(string); ok && idToken != "" {
		next.IDToken = idToken
	}
	return next, nil
}

func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    oauthClientID,
		RedirectURL: m.endpoints.AuthURL + callbackPath,
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.endpoints.SSOURL + config.PathAuthorize,
			TokenURL: m.endpoints.SSOURL + config.PathToken,
		},
	}
}

// TearDown deletes the ephemeral credential, ends the workspace session
// server-side, revokes the identity token, and clears all in-memory state.
// Past the session's outer expiry the remote steps are skipped with a
// warning since the platform has already discarded the session.
func (m *Manager) TearDown(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()
	if session == nil {
		return nil
	}

	if session.Identity.Expired(m.now()) {
		m.logger.Warn("session already past its expiry window; skipping remote teardown")
		return nil
	}

	bearer := session.Identity.AccessToken
	var errs []error

	if credential, ok := session.CurrentCredential(); ok {
		if err := m.deleteCredential(ctx, credential.Name, bearer); err != nil {
			errs = append(errs, err)
		}
	}

	if err := m.call(ctx, http.MethodPost, m.endpoints.AuthURL+config.PathEndSession, map[string]string{}, bearer, nil, nil); err != nil {
		errs = append(errs, err)
	}

	revoke := url.Values{"token": {session.Identity.RefreshToken}, "token_type_hint": {"refresh_token"}}
	if session.Identity.RefreshToken == "" {
		revoke = url.Values{"token": {bearer}, "token_type_hint": {"access_token"}}
	}
	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := m.call(ctx, http.MethodPost, m.endpoints.SSOURL+config.PathRevocation,
		[]byte(revoke.Encode()), bearer, header, nil); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return apperrors.Wrap(errors.Join(errs...), apperrors.ErrCodeInternal, "session teardown completed partially")
	}
	m.logger.Info("session torn down")
	return nil
}

// AuthHeaders supplies the per-family authentication headers for the
// request engine.
func (m *Manager) AuthHeaders(family ports.EndpointFamily) (http.Header, error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	header := http.Header{}
	if session == nil {
		if family == ports.FamilyFederated {
			return header, nil
		}
		return nil, apperrors.SessionExpired("no active session; connect first")
	}

	switch family {
	case ports.FamilyIdentity:
		header.Set("Authorization", "Bearer "+session.Identity.AccessToken)
	case ports.FamilyService:
		token, ok := session.AuthoritativeToken()
		if !ok {
			return nil, apperrors.SessionExpired("session carries no service token; re-authenticate to continue")
		}
		header.Set("Authorization", "Bearer "+token.AccessToken)
	case ports.FamilyDoorway:
		if session.TransportCookie == "" {
			return nil, apperrors.SessionExpired("session carries no transport cookie; re-authenticate to continue")
		}
		header.Set("Cookie", session.TransportCookie)
	}
	return header, nil
}

// mintCredential creates a fresh ephemeral API credential, optionally
// purging previous credentials of this client's name template first to stay
// under the platform's per-user ceiling. Returns the credential with its
// secret sealed, plus the plaintext secret for the immediate exchange.
func (m *Manager) mintCredential(ctx context.Context, bearer string) (auth.APICredential, string, error) {
	if m.cfg.PurgeStaleCredentials {
		if err := m.purgeTemplateCredentials(ctx, bearer); err != nil {
			m.logger.Warn("stale credential purge failed", "error", err)
		}
	}

	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := auth.CredentialName(nonce, m.now())

	var created credentialDoc
	if err := m.call(ctx, http.MethodPost, m.endpoints.AuthURL+pathAPICredentials,
		map[string]string{"name": name}, bearer, nil, &created); err != nil {
		return auth.APICredential{}, "", err
	}
	if created.ClientID == "" || created.ClientSecret == "" {
		return auth.APICredential{}, "", apperrors.Provider("credential creation returned no client id/secret pair")
	}

	sealed, err := m.sealer.Seal(created.ClientSecret)
	if err != nil {
		return auth.APICredential{}, "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "seal API credential secret")
	}

	return auth.APICredential{
		Name:         name,
		ClientID:     created.ClientID,
		SealedSecret: sealed,
		CreatedAt:    m.now(),
	}, created.ClientSecret, nil
}

// purgeTemplateCredentials removes previous credentials minted under this
// client's name template. Oldest are removed first; foreign credentials are
// never touched.
func (m *Manager) purgeTemplateCredentials(ctx context.Context, bearer string) error {
	var list credentialListDoc
	if err := m.call(ctx, http.MethodGet, m.endpoints.AuthURL+pathAPICredentials, nil, bearer, nil, &list); err != nil {
		return err
	}

	var stale []string
	for _, cred := range list.Items {
		if strings.HasPrefix(cred.Name, auth.CredentialNamePrefix+"-") {
			stale = append(stale, cred.Name)
		}
	}
	sort.Strings(stale)

	for _, name := range stale {
		if err := m.deleteCredential(ctx, name, bearer); err != nil {
			return err
		}
		m.logger.Debug("stale credential removed", "name", name)
	}
	if len(list.Items)-len(stale) >= credentialCeiling {
		m.logger.Warn("credential ceiling is close even after purge",
			"foreign_credentials", len(list.Items)-len(stale), "ceiling", credentialCeiling)
	}
	return nil
}

func (m *Manager) deleteCredential(ctx context.Context, name, bearer string) error {
	return m.call(ctx, http.MethodDelete,
		m.endpoints.AuthURL+pathAPICredentials+"/"+url.PathEscape(name), nil, bearer, nil, nil)
}

// exchangeServiceTokens trades the API credential for downstream service
// tokens: v2 when the platform supports it, v1 always. A failing v2
// exchange degrades to v1-only; a failing v1 exchange fails the operation.
func (m *Manager) exchangeServiceTokens(ctx context.Context, clientID, secret, bearer string) (map[auth.ServiceTokenVersion]auth.ServiceToken, error) {
	tokens := make(map[auth.ServiceTokenVersion]auth.ServiceToken)
	payload := map[string]string{"clientId": clientID, "clientSecret": secret}

	var v2 serviceTokenDoc
	if err := m.call(ctx, http.MethodPost, m.endpoints.AuthURL+pathServiceTokensV2, payload, bearer, nil, &v2); err != nil {
		m.logger.Debug("v2 service token exchange unavailable", "error", err)
	} else if v2.AccessToken != "" {
		tokens[auth.ServiceTokenV2] = auth.ServiceToken{
			Version:     auth.ServiceTokenV2,
			AccessToken: v2.AccessToken,
			ExpiresIn:   v2.ExpiresIn,
			CreatedAt:   m.now(),
		}
	}

	var v1 serviceTokenDoc
	if err := m.call(ctx, http.MethodPost, m.endpoints.AuthURL+pathServiceTokensV1, payload, bearer, nil, &v1); err != nil {
		if len(tokens) == 0 {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeCredential, "service token exchange failed")
		}
		m.logger.Warn("v1 service token exchange failed; continuing on v2 only", "error", err)
	} else if v1.AccessToken != "" {
		tokens[auth.ServiceTokenV1] = auth.ServiceToken{
			Version:     auth.ServiceTokenV1,
			AccessToken: v1.AccessToken,
			ExpiresIn:   v1.ExpiresIn,
			CreatedAt:   m.now(),
		}
	}

	if len(tokens) == 0 {
		return nil, apperrors.Credential("no service token family could be populated from the API credential")
	}
	return tokens, nil
}

// call runs one manager-owned platform call through the request engine. The
// bearer override and refresh skip keep these bootstrap calls from
// recursing into RefreshIfNeeded.
func (m *Manager) call(ctx context.Context, method, uri string, body any, bearer string, header http.Header, out any) error {
	result, err := m.exec.Execute(ctx, ports.Request{
		Method:         method,
		URI:            uri,
		Body:           body,
		Header:         header,
		FullEnvelope:   true,
		NoPagination:   true,
		NoRefresh:      true,
		BearerOverride: bearer,
	})
	if err != nil {
		return err
	}
	if out == nil || len(result.Raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.Raw, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeProvider, "decode platform response").
			WithDetail(uri)
	}
	return nil
}

// resolveWorkspace applies the selection rules: a named workspace must
// exist; with no name, a single visible workspace is auto-selected and
// several are ambiguous.
func resolveWorkspace(workspaces []workspaceDoc, name string) (workspaceDoc, error) {
	if name != "" {
		for _, ws := range workspaces {
			if strings.EqualFold(ws.Name, name) {
				return ws, nil
			}
		}
		return workspaceDoc{}, apperrors.Validationf(
			"workspace %q was not found or is not permitted; visible workspaces: %s",
			name, workspaceNames(workspaces))
	}

	switch len(workspaces) {
	case 0:
		return workspaceDoc{}, apperrors.Credential("no workspaces are visible to this identity; check role assignments")
	case 1:
		return workspaces[0], nil
	default:
		return workspaceDoc{}, apperrors.Validationf(
			"several workspaces are visible; name one of: %s", workspaceNames(workspaces))
	}
}

func workspaceNames(workspaces []workspaceDoc) string {
	names := make([]string, 0, len(workspaces))
	for _, ws := range workspaces {
		names = append(names, ws.Name)
	}
	return strings.Join(names, ", ")
}

func toWorkspace(doc workspaceDoc) auth.Workspace {
	return auth.Workspace{ID: doc.ID, Name: doc.Name, OrgID: doc.OrgID, OrgName: doc.OrgName}
}

// identityNames pulls the display identity out of the ID token claims.
func identityNames(idToken string) (username, displayName string) {
	if idToken == "" {
		return "", ""
	}
	claims, _, err := jwtutil.Decode(idToken)
	if err != nil {
		return "", ""
	}
	username = claims.StringClaim("preferred_username")
	if username == "" {
		username = claims.StringClaim("sub")
	}
	return username, claims.StringClaim("name")
}
