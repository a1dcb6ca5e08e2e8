// Package entra drives the Microsoft Entra ID passwordless MFA
// sub-protocol: read the login page's embedded client config, force a
// phone-app notification when the page did not already start one, poll the
// device-code status endpoint, and post the approved session back through
// the login (and optional keep-me-signed-in) pages to the SAML response
// form.
package entra

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/target/strato-go/internal/adapters/idphttp"
	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/htmlform"
	"github.com/target/strato-go/internal/ports"
)

const (
	pathGetCredentialType = "/common/GetCredentialType"
	pathBeginAuth         = "/common/SAS/BeginAuth"
	pathDeviceCodeStatus  = "/common/DeviceCodeStatus"
	pathLogin             = "/common/login"
	pathKMSI              = "/kmsi"
)

// authMethodID names the phone-app notification method in the SAS API.
const authMethodID = "PhoneAppNotification"

// Device-code states reported by the status endpoint.
const (
	stateDenied   = 1
	stateApproved = 2
)

// configPattern matches the client configuration object Entra embeds in an
// inline script on every login page.
var configPattern = regexp.MustCompile(`\$Config\s*=\s*(\{.*?\});`)

// Options groups the adapter's dependencies.
type Options struct {
	Client *http.Client
	Logger *slog.Logger
}

// Adapter implements the Entra ID challenge/poll/redeem contract.
type Adapter struct {
	http   *idphttp.Client
	logger *slog.Logger
}

var _ ports.IdPAdapter = (*Adapter)(nil)

// New builds an Entra ID adapter.
func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		http:   idphttp.New(opts.Client, logger),
		logger: logger.With("component", "entra-adapter"),
	}
}

// pageConfig is the slice of the login page's $Config object the adapter
// reads.
type pageConfig struct {
	FlowToken string `json:"sFT"`
	Ctx       string `json:"sCtx"`
	Canary    string `json:"canary"`
	PostURL   string `json:"urlPost"`
}

type credentialTypeResponse struct {
	FlowToken   string `json:"FlowToken"`
	Credentials struct {
		RemoteNgcParams *struct {
			SessionIdentifier string `json:"SessionIdentifier"`
			Entropy           int    `json:"Entropy"`
		} `json:"RemoteNgcParams"`
	} `json:"Credentials"`
}

type sasResponse struct {
	Success           bool   `json:"Success"`
	Ctx               string `json:"Ctx"`
	FlowToken         string `json:"FlowToken"`
	SessionIdentifier string `json:"SessionIdentifier"`
	Entropy           int    `json:"Entropy"`
	State             int    `json:"State"`
	Message           string `json:"Message"`
}

// challenge is the in-flight Entra transaction.
type challenge struct {
	baseURL           string
	identifier        string
	ctx               string
	flowToken         string
	canary            string
	postURL           string
	sessionIdentifier string
	entropy           string
	relayState        string
}

func (c *challenge) Provider() ports.ProviderKind { return ports.ProviderEntra }
func (c *challenge) DisplayNumber() string        { return c.entropy }

// Initiate reads the login page config, asks GetCredentialType for an
// already-started passwordless session, and begins one itself when the
// page did not.
func (a *Adapter) Initiate(ctx context.Context, flow ports.FlowContext, identifier string) (ports.Challenge, error) {
	base, err := baseOf(flow.AuthorizeURL)
	if err != nil {
		return nil, err
	}
	cfg, err := parsePageConfig(flow.Body)
	if err != nil {
		return nil, err
	}

	tx := &challenge{
		baseURL:    base,
		identifier: identifier,
		ctx:        cfg.Ctx,
		flowToken:  cfg.FlowToken,
		canary:     cfg.Canary,
		postURL:    cfg.PostURL,
		relayState: flow.RelayState,
	}

	var credType credentialTypeResponse
	if _, err := a.http.PostJSON(ctx, base+pathGetCredentialType, map[string]any{
		"username":             identifier,
		"flowToken":            cfg.FlowToken,
		"originalRequest":      cfg.Ctx,
		"isRemoteNGCSupported": true,
	}, &credType); err != nil {
		return nil, err
	}
	if credType.FlowToken != "" {
		tx.flowToken = credType.FlowToken
	}

	if params := credType.Credentials.RemoteNgcParams; params != nil {
		tx.sessionIdentifier = params.SessionIdentifier
		tx.entropy = strconv.Itoa(params.Entropy)
		return tx, nil
	}

	// The page did not start a passwordless session; force one.
	var begun sasResponse
	if _, err := a.http.PostJSON(ctx, base+pathBeginAuth, map[string]any{
		"AuthMethodId": authMethodID,
		"Method":       "BeginAuth",
		"ctx":          tx.ctx,
		"flowToken":    tx.flowToken,
	}, &begun); err != nil {
		return nil, err
	}
	if !begun.Success {
		return nil, apperrors.MFAf("Microsoft Authenticator notification could not be started: %s", begun.Message)
	}
	tx.ctx = orDefault(begun.Ctx, tx.ctx)
	tx.flowToken = orDefault(begun.FlowToken, tx.flowToken)
	tx.sessionIdentifier = begun.SessionIdentifier
	tx.entropy = strconv.Itoa(begun.Entropy)
	return tx, nil
}

// Poll checks the device-code status once. State 2 is approval, 1 is an
// explicit denial on the device, anything above 2 is unexpected and fails
// the transaction.
func (a *Adapter) Poll(ctx context.Context, ch ports.Challenge) (ports.PollState, error) {
	tx, ok := ch.(*challenge)
	if !ok {
		return ports.PollStateDenied, apperrors.Internal("challenge does not belong to the Entra adapter")
	}

	var status sasResponse
	if _, err := a.http.PostJSON(ctx, tx.baseURL+pathDeviceCodeStatus, map[string]any{
		"Method":       "EndAuth",
		"AuthMethodId": authMethodID,
		"SessionId":    tx.sessionIdentifier,
		"ctx":          tx.ctx,
		"flowToken":    tx.flowToken,
	}, &status); err != nil {
		return ports.PollStateDenied, err
	}
	tx.ctx = orDefault(status.Ctx, tx.ctx)
	tx.flowToken = orDefault(status.FlowToken, tx.flowToken)
	if status.SessionIdentifier != "" {
		tx.sessionIdentifier = status.SessionIdentifier
	}

	switch {
	case status.State == stateApproved:
		return ports.PollStateApproved, nil
	case status.State == stateDenied:
		return ports.PollStateDenied, nil
	case status.State > stateApproved:
		return ports.PollStateDenied, apperrors.MFAf("device-code status reported unexpected state %d", status.State)
	default:
		return ports.PollStatePending, nil
	}
}

// Redeem posts the approved session back through the login page, answers
// the keep-me-signed-in interstitial when one appears, and parses the SAML
// response form.
func (a *Adapter) Redeem(ctx context.Context, ch ports.Challenge) (*htmlform.SAMLForm, error) {
	tx, ok := ch.(*challenge)
	if !ok {
		return nil, apperrors.Internal("challenge does not belong to the Entra adapter")
	}

	postURL := tx.postURL
	if postURL == "" {
		postURL = tx.baseURL + pathLogin
	} else if u, err := url.Parse(postURL); err == nil && !u.IsAbs() {
		postURL = tx.baseURL + postURL
	}

	login := url.Values{
		"login":     {tx.identifier},
		"ctx":       {tx.ctx},
		"flowToken": {tx.flowToken},
		"canary":    {tx.canary},
		"request":   {tx.sessionIdentifier},
	}
	exchange, err := a.http.PostForm(ctx, postURL, login, nil)
	if err != nil {
		return nil, err
	}

	body := exchange.Body
	if form, kmsiErr := kmsiForm(body); kmsiErr == nil && form != nil {
		kmsi := url.Values{"LoginOptions": {"1"}}
		for name, value := range form.Fields {
			kmsi.Set(name, value)
		}
		action := form.Action
		if u, err := url.Parse(action); err == nil && !u.IsAbs() {
			action = tx.baseURL + action
		}
		followUp, err := a.http.PostForm(ctx, action, kmsi, nil)
		if err != nil {
			return nil, err
		}
		body = followUp.Body
	}

	form, err := htmlform.ParseSAMLForm(body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeProvider, "login completion carried no SAML response form")
	}
	if form.RelayState == "" {
		form.RelayState = tx.relayState
	}
	return form, nil
}

// kmsiForm returns the keep-me-signed-in form when the page is the KMSI
// interstitial, nil otherwise.
func kmsiForm(body []byte) (*htmlform.Form, error) {
	if !htmlform.ContainsKeyword(body, "kmsi", "KmsiInterstitial", "Stay signed in") {
		return nil, nil
	}
	forms, err := htmlform.Forms(body)
	if err != nil {
		return nil, err
	}
	for i := range forms {
		if _, ok := forms[i].Fields["SAMLResponse"]; ok {
			continue
		}
		if forms[i].Action != "" {
			return &forms[i], nil
		}
	}
	return nil, nil
}

// parsePageConfig extracts the embedded $Config object from a login page.
func parsePageConfig(body []byte) (*pageConfig, error) {
	match := configPattern.FindSubmatch(body)
	if match == nil {
		return nil, apperrors.SSOConfig("login page carried no embedded client configuration")
	}
	var cfg pageConfig
	if err := json.Unmarshal(match[1], &cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeProvider, "decode login page configuration")
	}
	if cfg.FlowToken == "" || cfg.Ctx == "" {
		return nil, apperrors.SSOConfig("login page configuration is missing the flow token or context")
	}
	return &cfg, nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func baseOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", apperrors.Validationf("authorize URL %q is not absolute", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
