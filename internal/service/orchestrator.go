// Package service contains the authentication orchestrator and the session
// lifecycle manager. The orchestrator runs one sign-in attempt end to end
// and hands the resulting token triple to the manager; the manager owns the
// session for the rest of the process lifetime.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/target/strato-go/config"
	"github.com/target/strato-go/internal/adapters/idphttp"
	"github.com/target/strato-go/internal/domain/auth"
	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/htmlform"
	"github.com/target/strato-go/internal/ports"
	"github.com/target/strato-go/internal/request"
	"github.com/target/strato-go/internal/transport"
)

// OAuth client identity of this tool, registered on the platform's identity
// stack. The callback path is the platform-recognized redirect target the
// authorization code appears on.
const (
	oauthClientID = "strato-automation-cli"
	oauthScope    = "openid profile email offline_access"
	callbackPath  = "/authn/callback"
	settingsPath  = "/v1/settings"
)

// maxCodeHops bounds the post-SAML redirect walk toward the authorization
// code.
const maxCodeHops = 8

// ConnectInput is what a caller supplies to start a sign-in attempt.
type ConnectInput struct {
	Principal string
	Password  string
	Workspace string
	// NoProgressUI suppresses operator-facing progress notifications.
	NoProgressUI bool
}

// settingsDoc is the small environment-overridable endpoint document served
// by the settings host.
type settingsDoc struct {
	AuthURL         string `json:"authUrl"`
	SSOURL          string `json:"ssoUrl"`
	FederatedDomain string `json:"federatedDomain"`
}

// OrchestratorOptions groups the orchestrator's dependencies.
type OrchestratorOptions struct {
	// Client must carry a cookie jar and must not follow redirects on its
	// own; the orchestrator walks redirect chains explicitly.
	Client      *http.Client
	Endpoints   config.EndpointsConfig
	Engine      config.EngineConfig
	Adapters    map[ports.ProviderKind]ports.IdPAdapter
	Detector    ports.ProviderDetector
	Prompter    ports.Prompter
	Sessions    *Manager
	// Targets, when set, is re-pointed alongside the session manager if the
	// settings document overrides the configured hosts.
	Targets     *request.Targets
	Logger      *slog.Logger
	DialTimeout time.Duration
}

// Orchestrator drives the OAuth2 authorization-code-with-PKCE flow,
// branching into SAML federation when the tenant is configured for it.
type Orchestrator struct {
	client      *http.Client
	idp         *idphttp.Client
	endpoints   config.EndpointsConfig
	cfg         config.EngineConfig
	adapters    map[ports.ProviderKind]ports.IdPAdapter
	detector    ports.ProviderDetector
	prompter    ports.Prompter
	sessions    *Manager
	targets     *request.Targets
	logger      *slog.Logger
	dialTimeout time.Duration

	// federatedDomain limits which principal domains may take the SSO
	// path; resolved from the settings document.
	federatedDomain string
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Client == nil {
		return nil, apperrors.Validation("orchestrator requires an HTTP client")
	}
	if opts.Sessions == nil {
		return nil, apperrors.Validation("orchestrator requires a session manager")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Engine
	cfg.Sanitize()
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	return &Orchestrator{
		client:      opts.Client,
		idp:         idphttp.New(opts.Client, logger),
		endpoints:   opts.Endpoints,
		cfg:         cfg,
		adapters:    opts.Adapters,
		detector:    opts.Detector,
		prompter:    opts.Prompter,
		sessions:    opts.Sessions,
		targets:     opts.Targets,
		logger:      logger.With("component", "auth-orchestrator"),
		dialTimeout: dialTimeout,
	}, nil
}

// Connect runs the whole sign-in sequence and establishes the session.
func (o *Orchestrator) Connect(ctx context.Context, input ConnectInput) (*auth.Session, error) {
	if strings.TrimSpace(input.Principal) == "" {
		return nil, apperrors.Validation("a principal identifier is required to connect")
	}

	actx, err := newAuthenticationContext()
	if err != nil {
		return nil, err
	}
	defer actx.Wipe()

	o.resolveSettings(ctx)
	if err := transport.CheckReachability(ctx, o.endpoints.CoreHosts(), o.dialTimeout); err != nil {
		return nil, err
	}

	o.notify(input, "Contacting the platform identity service")
	page, err := transport.FollowRedirects(ctx, o.client, o.authorizeURL(actx), transport.DefaultMaxRedirectHops)
	if err != nil {
		return nil, err
	}
	stateToken, err := htmlform.ExtractStateToken(page.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeProvider,
			"authorize response carried no state token").WithDetail(page.FinalURL.String())
	}
	actx.StateToken = stateToken

	introspected, err := o.idx(ctx, config.PathIntrospect, map[string]string{"stateToken": actx.StateToken})
	if err != nil {
		return nil, err
	}
	actx.StateHandle = introspected.StateHandle

	identified, err := o.idx(ctx, config.PathIdentify, map[string]string{
		"identifier":  input.Principal,
		"stateHandle": actx.StateHandle,
	})
	if err != nil {
		return nil, err
	}
	if identified.StateHandle != "" {
		actx.StateHandle = identified.StateHandle
	}

	var code string
	if href := redirectIdPHref(identified); href != "" {
		code, err = o.federatedPath(ctx, input, href)
	} else {
		code, err = o.localPath(ctx, input, actx, identified)
	}
	if err != nil {
		return nil, err
	}

	tokens, err := o.exchangeCode(ctx, code, actx.CodeVerifier)
	if err != nil {
		return nil, err
	}

	o.notify(input, "Authenticated; establishing workspace session")
	return o.sessions.EstablishSession(ctx, tokens, input.Workspace)
}

// resolveSettings overlays the environment-overridable settings document
// onto the configured endpoints. Absence of the document is not an error;
// the configured endpoints stand.
func (o *Orchestrator) resolveSettings(ctx context.Context) {
	exchange, err := o.idp.Get(ctx, o.endpoints.SettingsURL+settingsPath)
	if err != nil || exchange.Status != http.StatusOK {
		o.logger.Debug("settings document unavailable; using configured endpoints")
		return
	}
	var doc settingsDoc
	if err := json.Unmarshal(exchange.Body, &doc); err != nil {
		o.logger.Debug("settings document malformed; using configured endpoints", "error", err)
		return
	}
	overridden := false
	if doc.AuthURL != "" {
		o.endpoints.AuthURL = strings.TrimRight(doc.AuthURL, "/")
		overridden = true
	}
	if doc.SSOURL != "" {
		o.endpoints.SSOURL = strings.TrimRight(doc.SSOURL, "/")
		overridden = true
	}
	o.federatedDomain = strings.ToLower(doc.FederatedDomain)
	if overridden {
		// The session manager and the engine's family resolver must agree on
		// where the platform lives.
		o.sessions.SetEndpoints(o.endpoints)
		if o.targets != nil {
			o.targets.Update(o.endpoints)
		}
	}
}

func (o *Orchestrator) authorizeURL(actx *auth.AuthenticationContext) string {
	q := url.Values{
		"client_id":             {oauthClientID},
		"response_type":         {"code"},
		"redirect_uri":          {o.endpoints.AuthURL + callbackPath},
		"scope":                 {oauthScope},
		"state":                 {actx.State},
		"nonce":                 {actx.Nonce},
		"code_challenge":        {actx.CodeChallenge},
		"code_challenge_method": {"S256"},
	}
	return o.endpoints.SSOURL + config.PathAuthorize + "?" + q.Encode()
}

// localPath completes authentication on the platform's own identity stack:
// password and locally-enrolled MFA.
func (o *Orchestrator) localPath(ctx context.Context, input ConnectInput, actx *auth.AuthenticationContext, identified *idxDoc) (string, error) {
	choice, err := localAuthenticator(identified, input.Password != "")
	if err != nil {
		return "", err
	}
	actx.AuthenticatorID = choice.id
	actx.ChallengeMethod = string(choice.method)
	o.logger.Debug("local authenticator selected", "method", string(choice.method))

	var success *idxDoc
	switch choice.method {
	case localMethodPassword:
		success, err = o.answerChallenge(ctx, actx, choice, input.Password)
	case localMethodTOTP:
		code, promptErr := o.promptOTP(ctx)
		if promptErr != nil {
			return "", promptErr
		}
		success, err = o.answerChallenge(ctx, actx, choice, code)
	case localMethodPush:
		success, err = o.pushChallenge(ctx, input, actx, choice)
	default:
		return "", apperrors.MFAf("authentication method %q is not supported by this client", choice.method)
	}
	if err != nil {
		return "", err
	}
	if success == nil || success.Success == nil || success.Success.Href == "" {
		return "", apperrors.Provider("authentication completed but no success link was issued")
	}

	return o.followToCode(ctx, http.MethodGet, success.Success.Href, nil)
}

// answerChallenge issues the challenge for the chosen authenticator and
// answers it with the given secret (password or one-time code).
func (o *Orchestrator) answerChallenge(ctx context.Context, actx *auth.AuthenticationContext, choice *localChoice, secret string) (*idxDoc, error) {
	// An empty id means the tenant already presented the challenge; skip
	// the authenticator selection call.
	if choice.id != "" {
		challenged, err := o.idx(ctx, config.PathChallenge, map[string]any{
			"stateHandle": actx.StateHandle,
			"authenticator": map[string]string{
				"id":         choice.id,
				"methodType": string(choice.method),
			},
		})
		if err != nil {
			return nil, err
		}
		if challenged.StateHandle != "" {
			actx.StateHandle = challenged.StateHandle
		}
	}

	answered, err := o.idx(ctx, config.PathChallenge+"/answer", map[string]any{
		"stateHandle": actx.StateHandle,
		"credentials": map[string]string{"passcode": secret},
	})
	if err != nil {
		return nil, err
	}
	if answered.StateHandle != "" {
		actx.StateHandle = answered.StateHandle
	}
	return answered, nil
}

// pushChallenge issues a push challenge and polls until the operator
// approves or the deadline elapses.
func (o *Orchestrator) pushChallenge(ctx context.Context, input ConnectInput, actx *auth.AuthenticationContext, choice *localChoice) (*idxDoc, error) {
	challenged, err := o.idx(ctx, config.PathChallenge, map[string]any{
		"stateHandle": actx.StateHandle,
		"authenticator": map[string]string{
			"id":         choice.id,
			"methodType": string(choice.method),
		},
	})
	if err != nil {
		return nil, err
	}
	if challenged.StateHandle != "" {
		actx.StateHandle = challenged.StateHandle
	}
	if answer := challenged.CurrentAuthenticator.Value.ContextualData.CorrectAnswer; answer != "" {
		o.notify(input, fmt.Sprintf("Approve the push and select number %s on your device", answer))
	} else {
		o.notify(input, "Approve the sign-in push on your device")
	}

	policy := transport.PollPolicy{Interval: o.cfg.PollInterval, Deadline: o.cfg.PollDeadline}
	return transport.Poll(ctx, policy, func(ctx context.Context) (*idxDoc, transport.PollOutcome, error) {
		polled, err := o.idx(ctx, config.PathChallengePoll, map[string]string{"stateHandle": actx.StateHandle})
		if err != nil {
			return nil, transport.PollDone, err
		}
		if polled.StateHandle != "" {
			actx.StateHandle = polled.StateHandle
		}
		if polled.Success != nil && polled.Success.Href != "" {
			return polled, transport.PollDone, nil
		}
		return nil, transport.PollPending, nil
	})
}

// federatedPath follows the SSO redirect chain to the external IdP,
// dispatches the matching adapter, and converts its SAML response into an
// authorization code.
func (o *Orchestrator) federatedPath(ctx context.Context, input ConnectInput, href string) (string, error) {
	if err := o.checkFederatedDomain(input.Principal); err != nil {
		return "", err
	}

	o.notify(input, "Following the federation hand-off")
	final, err := transport.FollowRedirects(ctx, o.client, href, transport.DefaultMaxRedirectHops)
	if err != nil {
		return "", err
	}
	finalURL := final.FinalURL.String()
	o.logger.Debug("federation chain resolved", "hops", len(final.Hops), "final_host", hostOf(finalURL))

	redirectTarget, _ := htmlform.RedirectTarget(final.Body)
	provider := o.detector.Detect(finalURL, redirectTarget, final.Body, firstFormAction(final.Body))
	if provider == ports.ProviderNone {
		return "", apperrors.SSOConfig("the federation endpoint is not a recognized identity provider; check the tenant's SSO configuration").
			WithDetail(finalURL)
	}
	adapter, ok := o.adapters[provider]
	if !ok {
		return "", apperrors.SSOConfigf("no adapter is wired for identity provider %q", provider)
	}
	o.logger.Info("external identity provider detected", "provider", string(provider))

	flow := ports.FlowContext{AuthorizeURL: finalURL, Body: final.Body, RelayState: relayStateOf(final.Body)}
	challenge, err := adapter.Initiate(ctx, flow, input.Principal)
	if err != nil {
		return "", err
	}
	if number := challenge.DisplayNumber(); number != "" {
		o.notify(input, fmt.Sprintf("Approve the sign-in and select number %s on your device", number))
	} else {
		o.notify(input, "Approve the sign-in on your device")
	}

	policy := transport.PollPolicy{Interval: o.cfg.PollInterval, Deadline: o.cfg.PollDeadline, MaxPolls: 120}
	approved, err := transport.Poll(ctx, policy, func(ctx context.Context) (ports.Challenge, transport.PollOutcome, error) {
		state, err := adapter.Poll(ctx, challenge)
		if err != nil {
			return nil, transport.PollDone, err
		}
		switch state {
		case ports.PollStateApproved:
			return challenge, transport.PollDone, nil
		case ports.PollStateDenied:
			return nil, transport.PollDone, apperrors.MFA("the sign-in was denied on the device")
		case ports.PollStateExpired:
			return nil, transport.PollDone, apperrors.MFA("the sign-in challenge expired before it was approved")
		default:
			return nil, transport.PollPending, nil
		}
	})
	if err != nil {
		return "", err
	}

	saml, err := adapter.Redeem(ctx, approved)
	if err != nil {
		return "", err
	}

	form := url.Values{"SAMLResponse": {saml.SAMLResponse}}
	if saml.RelayState != "" {
		form.Set("RelayState", saml.RelayState)
	}
	return o.followToCode(ctx, http.MethodPost, saml.Action, form)
}

// checkFederatedDomain enforces that only principals of the platform's
// federated domain take the SSO path.
func (o *Orchestrator) checkFederatedDomain(principal string) error {
	if o.federatedDomain == "" {
		return nil
	}
	at := strings.LastIndex(principal, "@")
	domain := ""
	if at >= 0 {
		domain = strings.ToLower(principal[at+1:])
	}
	if domain != o.federatedDomain {
		return apperrors.SSOConfigf(
			"single sign-on is configured for the %s domain but the principal belongs to %q; use a local account or the federated domain",
			o.federatedDomain, domain)
	}
	return nil
}

// followToCode walks the final redirect chain (HTTP, meta-refresh,
// JavaScript, and auto-submitting forms) until an authorization code
// appears on a callback URL.
func (o *Orchestrator) followToCode(ctx context.Context, method, target string, form url.Values) (string, error) {
	currentMethod, currentURL, currentForm := method, target, form

	for hop := 0; hop < maxCodeHops; hop++ {
		if code := codeFromURL(currentURL); code != "" {
			return code, nil
		}

		var body io.Reader
		if currentMethod == http.MethodPost && currentForm != nil {
			body = strings.NewReader(currentForm.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, currentMethod, currentURL, body)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "build redirect request")
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		resp, err := o.client.Do(req)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeProvider, "follow redirect toward the authorization code")
		}
		pageBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeProvider, "read redirect response")
		}

		if code := codeFromURL(resp.Request.URL.String()); code != "" {
			return code, nil
		}
		if location := resp.Header.Get("Location"); resp.StatusCode >= 300 && resp.StatusCode < 400 && location != "" {
			next, err := resp.Request.URL.Parse(location)
			if err != nil {
				return "", apperrors.Wrap(err, apperrors.ErrCodeProvider, "resolve redirect location")
			}
			currentMethod, currentURL, currentForm = http.MethodGet, next.String(), nil
			continue
		}
		if next, ok := htmlform.RedirectTarget(pageBody); ok {
			resolved, err := resp.Request.URL.Parse(next)
			if err != nil {
				return "", apperrors.Wrap(err, apperrors.ErrCodeProvider, "resolve scripted redirect")
			}
			currentMethod, currentURL, currentForm = http.MethodGet, resolved.String(), nil
			continue
		}
		if action, fields, ok := autoSubmitForm(pageBody); ok {
			resolved, err := resp.Request.URL.Parse(action)
			if err != nil {
				return "", apperrors.Wrap(err, apperrors.ErrCodeProvider, "resolve form action")
			}
			currentMethod, currentURL, currentForm = http.MethodPost, resolved.String(), fields
			continue
		}

		return "", apperrors.Provider("the sign-in completed but no authorization code was issued").
			WithDetail(resp.Request.URL.String())
	}
	return "", apperrors.Providerf("no authorization code after %d redirect hops", maxCodeHops)
}

// exchangeCode trades the authorization code and PKCE verifier for the
// identity token triple.
func (o *Orchestrator) exchangeCode(ctx context.Context, code, verifier string) (auth.TokenSet, error) {
	conf := &oauth2.Config{
		ClientID:    oauthClientID,
		RedirectURL: o.endpoints.AuthURL + callbackPath,
		Endpoint: oauth2.Endpoint{
			AuthURL:  o.endpoints.SSOURL + config.PathAuthorize,
			TokenURL: o.endpoints.SSOURL + config.PathToken,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)

	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return auth.TokenSet{}, apperrors.Wrap(err, apperrors.ErrCodeCredential,
			"the authorization code exchange was rejected")
	}

	idToken, _ := token.Extra("id_token").(string)
	return auth.TokenSet{
		AccessToken:  token.AccessToken,
		IDToken:      idToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    int64(time.Until(token.Expiry).Seconds()),
		CreatedAt:    time.Now(),
	}, nil
}

func (o *Orchestrator) promptOTP(ctx context.Context) (string, error) {
	if o.prompter == nil {
		return "", apperrors.MFA("a one-time code is required but no prompt surface is available")
	}
	code, err := o.prompter.PromptOTP(ctx, "Enter the 6-digit code from your authenticator app")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(code), nil
}

func (o *Orchestrator) notify(input ConnectInput, message string) {
	if input.NoProgressUI || o.prompter == nil {
		return
	}
	o.prompter.Notify(message)
}

func codeFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("code")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}

// firstFormAction returns the action URL of the page's first form, used as
// the lowest-priority provider-detection signal.
func firstFormAction(body []byte) string {
	forms, err := htmlform.Forms(body)
	if err != nil || len(forms) == 0 {
		return ""
	}
	return forms[0].Action
}

// relayStateOf pulls a RelayState hidden field off the page when present.
func relayStateOf(body []byte) string {
	forms, err := htmlform.Forms(body)
	if err != nil {
		return ""
	}
	for _, form := range forms {
		if relay, ok := form.Fields["RelayState"]; ok {
			return relay
		}
	}
	return ""
}

// autoSubmitForm returns the page's lone submit-ready form with its hidden
// fields, the shape the platform uses to bounce a SAML response onward.
func autoSubmitForm(body []byte) (string, url.Values, bool) {
	forms, err := htmlform.Forms(body)
	if err != nil {
		return "", nil, false
	}
	for _, form := range forms {
		if form.Action == "" || len(form.Fields) == 0 {
			continue
		}
		fields := url.Values{}
		for name, value := range form.Fields {
			fields.Set(name, value)
		}
		return form.Action, fields, true
	}
	return "", nil, false
}
