// Package pingid drives the PingID MFA sub-protocol. Region hosts are
// derived from the inbound redirect URL rather than hard-coded, so every
// PingOne region works: the flow host (auth.pingone.<region>) serves the
// user lookup and flow resumption, and its authenticator twin
// (authenticator.pingone.<region>) serves the push transaction itself. A
// POLICY_OTP status transparently switches the same transaction from push
// approval to an interactively prompted one-time code.
package pingid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/target/strato-go/internal/adapters/idphttp"
	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/htmlform"
	"github.com/target/strato-go/internal/ports"
)

// Transaction statuses reported by the authenticator host.
const (
	statusPushWaiting = "PUSH_CONFIRMATION_WAITING"
	statusTimedOut    = "PUSH_CONFIRMATION_TIMED_OUT"
	statusPolicyOTP   = "POLICY_OTP"
	statusOTPWaiting  = "OTP_CONFIRMATION_WAITING"
	statusCompleted   = "COMPLETED"
	statusDenied      = "DENIED"
	statusExpired     = "EXPIRED"
)

// Options groups the adapter's dependencies.
type Options struct {
	Client   *http.Client
	Prompter ports.Prompter
	Logger   *slog.Logger
}

// Adapter implements the PingID challenge/poll/redeem contract.
type Adapter struct {
	http     *idphttp.Client
	prompter ports.Prompter
	logger   *slog.Logger
}

var _ ports.IdPAdapter = (*Adapter)(nil)

// New builds a PingID adapter.
func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		http:     idphttp.New(opts.Client, logger),
		prompter: opts.Prompter,
		logger:   logger.With("component", "pingid-adapter"),
	}
}

// challenge is the in-flight PingID transaction.
type challenge struct {
	flowBase          string
	authenticatorBase string
	flowID            string
	authID            string
	selection         string
	relayState        string
	otpMode           bool
	otpAnswered       bool
}

func (c *challenge) Provider() ports.ProviderKind { return ports.ProviderPingID }
func (c *challenge) DisplayNumber() string        { return c.selection }

type flowResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Authentication struct {
		ID string `json:"id"`
	} `json:"authentication"`
}

type authResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Selection     string `json:"selection"`
	ResponseToken string `json:"responseToken"`
}

// Initiate derives the region hosts from the authorize URL, submits the
// principal to the flow's user-lookup step, and starts the authenticator
// transaction.
func (a *Adapter) Initiate(ctx context.Context, flow ports.FlowContext, identifier string) (ports.Challenge, error) {
	flowBase, authBase, flowID, err := resolveHosts(flow.AuthorizeURL)
	if err != nil {
		return nil, err
	}

	tx := &challenge{
		flowBase:          flowBase,
		authenticatorBase: authBase,
		flowID:            flowID,
		relayState:        flow.RelayState,
	}

	var looked flowResponse
	if _, err := a.http.PostJSON(ctx, flowBase+"/flows/"+flowID, map[string]string{
		"username": identifier,
	}, &looked); err != nil {
		return nil, err
	}
	if looked.Status == "USERNAME_PASSWORD_REQUIRED" {
		return nil, apperrors.SSOConfig("the sign-on policy for this tenant is password-only; PingID multi-factor is not enabled")
	}
	if looked.Error.Code != "" {
		return nil, apperrors.Provider(fmt.Sprintf("user lookup failed: %s (%s)", looked.Error.Message, looked.Error.Code))
	}
	if looked.Authentication.ID == "" {
		return nil, apperrors.SSOConfig("user lookup did not start an authenticator transaction")
	}

	var started authResponse
	if _, err := a.http.PostJSON(ctx, authBase+"/authentications/"+looked.Authentication.ID,
		map[string]string{"action": "authenticate"}, &started); err != nil {
		return nil, err
	}
	tx.authID = looked.Authentication.ID
	tx.selection = started.Selection
	if started.Status == statusPolicyOTP || started.Status == statusOTPWaiting {
		tx.otpMode = true
	}
	return tx, nil
}

// Poll checks the authenticator transaction once. A POLICY_OTP status flips
// the transaction into OTP mode; the next check prompts for and submits the
// code.
func (a *Adapter) Poll(ctx context.Context, ch ports.Challenge) (ports.PollState, error) {
	tx, ok := ch.(*challenge)
	if !ok {
		return ports.PollStateDenied, apperrors.Internal("challenge does not belong to the PingID adapter")
	}

	if tx.otpMode && !tx.otpAnswered {
		return a.submitOTP(ctx, tx)
	}

	exchange, err := a.http.Get(ctx, tx.authenticatorBase+"/authentications/"+tx.authID)
	if err != nil {
		return ports.PollStateDenied, err
	}
	var status authResponse
	if err := decodeInto(exchange, &status); err != nil {
		return ports.PollStateDenied, err
	}

	switch status.Status {
	case statusCompleted:
		return ports.PollStateApproved, nil
	case statusDenied:
		return ports.PollStateDenied, nil
	case statusExpired, statusTimedOut:
		return ports.PollStateExpired, nil
	case statusPolicyOTP, statusOTPWaiting:
		tx.otpMode = true
		return ports.PollStatePending, nil
	case statusPushWaiting, "":
		return ports.PollStatePending, nil
	default:
		return ports.PollStateDenied, apperrors.MFAf("authenticator reported unexpected status %q", status.Status)
	}
}

func (a *Adapter) submitOTP(ctx context.Context, tx *challenge) (ports.PollState, error) {
	if a.prompter == nil {
		return ports.PollStateDenied, apperrors.MFA("the sign-on policy requires a one-time code but no prompt surface is available")
	}
	code, err := a.prompter.PromptOTP(ctx, "Enter the one-time code from your PingID app")
	if err != nil {
		return ports.PollStateDenied, err
	}
	tx.otpAnswered = true

	var answered authResponse
	if _, err := a.http.PostJSON(ctx, tx.authenticatorBase+"/authentications/"+tx.authID,
		map[string]string{"action": "checkOtp", "otp": strings.TrimSpace(code)}, &answered); err != nil {
		return ports.PollStateDenied, err
	}
	switch answered.Status {
	case statusCompleted:
		return ports.PollStateApproved, nil
	case statusDenied:
		return ports.PollStateDenied, nil
	default:
		return ports.PollStateDenied, apperrors.MFA("the one-time code was not accepted")
	}
}

// Redeem exchanges the approved transaction for its response token, posts
// it back to the flow, and resumes the flow to obtain the SAML response
// form.
func (a *Adapter) Redeem(ctx context.Context, ch ports.Challenge) (*htmlform.SAMLForm, error) {
	tx, ok := ch.(*challenge)
	if !ok {
		return nil, apperrors.Internal("challenge does not belong to the PingID adapter")
	}

	exchange, err := a.http.Get(ctx, tx.authenticatorBase+"/authentications/"+tx.authID+"/token")
	if err != nil {
		return nil, err
	}
	var token authResponse
	if err := decodeInto(exchange, &token); err != nil {
		return nil, err
	}
	if token.ResponseToken == "" {
		return nil, apperrors.Provider("authenticator returned no response token for the approved transaction")
	}

	var completed flowResponse
	if _, err := a.http.PostJSON(ctx, tx.flowBase+"/flows/"+tx.flowID, map[string]string{
		"responseToken": token.ResponseToken,
	}, &completed); err != nil {
		return nil, err
	}

	resumed, err := a.http.Get(ctx, tx.flowBase+"/flows/"+tx.flowID+"/resume")
	if err != nil {
		return nil, err
	}
	form, err := htmlform.ParseSAMLForm(resumed.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeProvider, "flow resumption carried no SAML response form")
	}
	if form.RelayState == "" {
		form.RelayState = tx.relayState
	}
	return form, nil
}

// resolveHosts derives the flow and authenticator base URLs plus the flow
// identifier from the inbound redirect URL.
func resolveHosts(authorizeURL string) (flowBase, authBase, flowID string, err error) {
	u, err := url.Parse(authorizeURL)
	if err != nil || u.Host == "" {
		return "", "", "", apperrors.Validationf("authorize URL %q is not absolute", authorizeURL)
	}

	flowID = u.Query().Get("flowId")
	if flowID == "" {
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i, seg := range segments {
			if seg == "flows" && i+1 < len(segments) {
				flowID = segments[i+1]
			}
		}
	}
	if flowID == "" {
		return "", "", "", apperrors.SSOConfig("redirect URL carries no flow identifier")
	}

	host := strings.ToLower(u.Hostname())
	authHost := host
	switch {
	case strings.HasPrefix(host, "auth."):
		authHost = "authenticator." + strings.TrimPrefix(host, "auth.")
	case strings.HasPrefix(host, "authenticator."):
		// Already the authenticator host; flow host is its auth twin.
		host = "auth." + strings.TrimPrefix(host, "authenticator.")
	}
	port := ""
	if p := u.Port(); p != "" {
		port = ":" + p
	}
	flowBase = u.Scheme + "://" + host + port
	authBase = u.Scheme + "://" + authHost + port
	return flowBase, authBase, flowID, nil
}

func decodeInto(exchange *idphttp.Exchange, out *authResponse) error {
	if exchange == nil || len(exchange.Body) == 0 {
		return apperrors.Provider("authenticator returned an empty response")
	}
	if err := json.Unmarshal(exchange.Body, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeProvider, "decode authenticator response")
	}
	return nil
}
