// Package okta drives the Okta identity-engine MFA sub-protocol: introspect
// the flow's state token, identify the principal, challenge the preferred
// authenticator, poll for approval, and follow the success link to the SAML
// response form.
package okta

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/target/strato-go/internal/adapters/idphttp"
	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/htmlform"
	"github.com/target/strato-go/internal/ports"
	"github.com/target/strato-go/internal/transport"
)

const (
	pathIntrospect      = "/idp/idx/introspect"
	pathIdentify        = "/idp/idx/identify"
	pathChallenge       = "/idp/idx/challenge"
	pathChallengePoll   = "/idp/idx/challenge/poll"
	pathChallengeAnswer = "/idp/idx/challenge/answer"
)

// upgradeRequiredKeys are the message keys Okta emits when the Verify app on
// the device is too old to satisfy the challenge.
var upgradeRequiredKeys = []string{
	"oie.okta_verify.app.upgrade_required",
	"oie.authenticator.app.non_compliant",
}

type methodType string

const (
	methodPush methodType = "push"
	methodTOTP methodType = "totp"
)

// Options groups the adapter's dependencies.
type Options struct {
	Client   *http.Client
	Prompter ports.Prompter
	Logger   *slog.Logger
}

// Adapter implements the Okta challenge/poll/redeem contract.
type Adapter struct {
	http     *idphttp.Client
	raw      *http.Client
	prompter ports.Prompter
	logger   *slog.Logger
}

var _ ports.IdPAdapter = (*Adapter)(nil)

// New builds an Okta adapter.
func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		http:     idphttp.New(opts.Client, logger),
		raw:      opts.Client,
		prompter: opts.Prompter,
		logger:   logger.With("component", "okta-adapter"),
	}
}

// challenge is the in-flight Okta transaction.
type challenge struct {
	baseURL       string
	stateHandle   string
	method        methodType
	correctAnswer string
	successHref   string
	answered      bool
}

func (c *challenge) Provider() ports.ProviderKind { return ports.ProviderOkta }
func (c *challenge) DisplayNumber() string        { return c.correctAnswer }

// idxResponse covers the slices of the identity-engine document the adapter
// reads. Everything else is ignored on purpose.
type idxResponse struct {
	StateHandle string `json:"stateHandle"`
	Remediation struct {
		Value []idxRemediation `json:"value"`
	} `json:"remediation"`
	CurrentAuthenticator struct {
		Value struct {
			ContextualData struct {
				CorrectAnswer string `json:"correctAnswer"`
			} `json:"contextualData"`
		} `json:"value"`
	} `json:"currentAuthenticator"`
	Success *struct {
		Href string `json:"href"`
	} `json:"success"`
	Messages struct {
		Value []idxMessage `json:"value"`
	} `json:"messages"`
}

type idxRemediation struct {
	Name  string     `json:"name"`
	Href  string     `json:"href"`
	Value []idxField `json:"value"`
}

type idxField struct {
	Name    string      `json:"name"`
	Options []idxOption `json:"options"`
}

type idxOption struct {
	Label string `json:"label"`
	Value struct {
		Form struct {
			Value []struct {
				Name  string `json:"name"`
				Value any    `json:"value"`
			} `json:"value"`
		} `json:"form"`
	} `json:"value"`
}

type idxMessage struct {
	Message string `json:"message"`
	Class   string `json:"class"`
	I18n    struct {
		Key string `json:"key"`
	} `json:"i18n"`
}

// authenticatorChoice is one selectable entry of the authenticator menu.
type authenticatorChoice struct {
	id     string
	method methodType
	label  string
}

// Initiate joins the flow served at the authorize URL: extract the state
// token from the page, introspect it, identify the principal, and challenge
// the preferred authenticator (push over TOTP).
func (a *Adapter) Initiate(ctx context.Context, flow ports.FlowContext, identifier string) (ports.Challenge, error) {
	base, err := baseOf(flow.AuthorizeURL)
	if err != nil {
		return nil, err
	}
	stateToken, err := htmlform.ExtractStateToken(flow.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSSOConfig, "no state token on the provider sign-in page")
	}

	var introspected idxResponse
	if _, err := a.http.PostJSON(ctx, base+pathIntrospect,
		map[string]string{"stateToken": stateToken}, &introspected); err != nil {
		return nil, err
	}
	if err := providerFailure(&introspected); err != nil {
		return nil, err
	}

	var identified idxResponse
	if _, err := a.http.PostJSON(ctx, base+pathIdentify, map[string]string{
		"identifier":  identifier,
		"stateHandle": introspected.StateHandle,
	}, &identified); err != nil {
		return nil, err
	}
	if err := providerFailure(&identified); err != nil {
		return nil, err
	}

	choice, err := preferredAuthenticator(&identified)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("selected authenticator", "label", choice.label, "method", string(choice.method))

	var challenged idxResponse
	if _, err := a.http.PostJSON(ctx, base+pathChallenge, map[string]any{
		"stateHandle": identified.StateHandle,
		"authenticator": map[string]string{
			"id":         choice.id,
			"methodType": string(choice.method),
		},
	}, &challenged); err != nil {
		return nil, err
	}
	if err := providerFailure(&challenged); err != nil {
		return nil, err
	}

	return &challenge{
		baseURL:       base,
		stateHandle:   challenged.StateHandle,
		method:        choice.method,
		correctAnswer: challenged.CurrentAuthenticator.Value.ContextualData.CorrectAnswer,
	}, nil
}

// Poll checks the transaction once. For push it polls the challenge-poll
// endpoint; for TOTP it prompts for the code on the first check and submits
// it, so a correct code resolves in a single poll.
func (a *Adapter) Poll(ctx context.Context, ch ports.Challenge) (ports.PollState, error) {
	tx, ok := ch.(*challenge)
	if !ok {
		return ports.PollStateDenied, apperrors.Internal("challenge does not belong to the Okta adapter")
	}

	if tx.method == methodTOTP {
		return a.answerTOTP(ctx, tx)
	}

	var polled idxResponse
	if _, err := a.http.PostJSON(ctx, tx.baseURL+pathChallengePoll,
		map[string]string{"stateHandle": tx.stateHandle}, &polled); err != nil {
		return ports.PollStateDenied, err
	}
	if polled.StateHandle != "" {
		tx.stateHandle = polled.StateHandle
	}

	if polled.Success != nil && polled.Success.Href != "" {
		tx.successHref = polled.Success.Href
		return ports.PollStateApproved, nil
	}
	if err := providerFailure(&polled); err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeMFA && strings.Contains(err.Error(), "denied") {
			return ports.PollStateDenied, nil
		}
		return ports.PollStateDenied, err
	}
	return ports.PollStatePending, nil
}

func (a *Adapter) answerTOTP(ctx context.Context, tx *challenge) (ports.PollState, error) {
	if tx.answered {
		return ports.PollStateDenied, apperrors.MFA("one-time code was rejected; restart the sign-in flow")
	}
	if a.prompter == nil {
		return ports.PollStateDenied, apperrors.MFA("a one-time code is required but no prompt surface is available")
	}
	code, err := a.prompter.PromptOTP(ctx, "Enter the 6-digit code from your authenticator app")
	if err != nil {
		return ports.PollStateDenied, err
	}
	tx.answered = true

	var answered idxResponse
	if _, err := a.http.PostJSON(ctx, tx.baseURL+pathChallengeAnswer, map[string]any{
		"stateHandle": tx.stateHandle,
		"credentials": map[string]string{"passcode": strings.TrimSpace(code)},
	}, &answered); err != nil {
		return ports.PollStateDenied, err
	}
	if answered.StateHandle != "" {
		tx.stateHandle = answered.StateHandle
	}
	if answered.Success != nil && answered.Success.Href != "" {
		tx.successHref = answered.Success.Href
		return ports.PollStateApproved, nil
	}
	if err := providerFailure(&answered); err != nil {
		return ports.PollStateDenied, err
	}
	return ports.PollStateDenied, apperrors.MFA("the one-time code was not accepted")
}

// Redeem follows the success link to the SAML response form.
func (a *Adapter) Redeem(ctx context.Context, ch ports.Challenge) (*htmlform.SAMLForm, error) {
	tx, ok := ch.(*challenge)
	if !ok {
		return nil, apperrors.Internal("challenge does not belong to the Okta adapter")
	}
	if tx.successHref == "" {
		return nil, apperrors.MFA("transaction is not approved yet; nothing to redeem")
	}

	result, err := transport.FollowRedirects(ctx, a.raw, tx.successHref, transport.DefaultMaxRedirectHops)
	if err != nil {
		return nil, err
	}
	form, err := htmlform.ParseSAMLForm(result.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeProvider, "success page carried no SAML response form")
	}
	return form, nil
}

// preferredAuthenticator picks push over Okta Verify TOTP over Google
// Authenticator TOTP from the select-authenticator menu.
func preferredAuthenticator(doc *idxResponse) (*authenticatorChoice, error) {
	var choices []authenticatorChoice
	for _, rem := range doc.Remediation.Value {
		if rem.Name != "select-authenticator-authenticate" {
			continue
		}
		for _, field := range rem.Value {
			if field.Name != "authenticator" {
				continue
			}
			for _, opt := range field.Options {
				choice := authenticatorChoice{label: opt.Label}
				for _, entry := range opt.Value.Form.Value {
					value, _ := entry.Value.(string)
					switch entry.Name {
					case "id":
						choice.id = value
					case "methodType":
						choice.method = methodType(value)
					}
				}
				if choice.id != "" {
					choices = append(choices, choice)
				}
			}
		}
	}
	if len(choices) == 0 {
		return nil, apperrors.MFA("no multi-factor authenticator is enrolled for this account; enroll one and retry")
	}

	best := -1
	bestRank := int(^uint(0) >> 1)
	for i, choice := range choices {
		rank, ok := rankOf(choice)
		if ok && rank < bestRank {
			best, bestRank = i, rank
		}
	}
	if best < 0 {
		return nil, apperrors.MFAf("none of the enrolled authenticators (%s) is supported; enroll Okta Verify or a TOTP app",
			labelList(choices))
	}
	return &choices[best], nil
}

func rankOf(choice authenticatorChoice) (int, bool) {
	isVerify := strings.Contains(strings.ToLower(choice.label), "okta verify")
	switch {
	case isVerify && choice.method == methodPush:
		return 0, true
	case isVerify && choice.method == methodTOTP:
		return 1, true
	case choice.method == methodTOTP:
		return 2, true
	default:
		return 0, false
	}
}

func labelList(choices []authenticatorChoice) string {
	labels := make([]string, 0, len(choices))
	for _, c := range choices {
		labels = append(labels, c.label)
	}
	return strings.Join(labels, ", ")
}

// providerFailure converts error messages on an identity-engine document
// into classified errors. The upgrade-required shape gets its own message
// so the operator knows to update the app rather than retype a code.
func providerFailure(doc *idxResponse) error {
	for _, msg := range doc.Messages.Value {
		if msg.Class != "ERROR" {
			continue
		}
		for _, key := range upgradeRequiredKeys {
			if msg.I18n.Key == key {
				return apperrors.MFA("your Okta Verify app is outdated; update it on your device and retry")
			}
		}
		lower := strings.ToLower(msg.Message)
		switch {
		case strings.Contains(lower, "denied") || strings.Contains(lower, "rejected"):
			return apperrors.MFA("the push challenge was denied on the device")
		case strings.Contains(lower, "password"):
			return apperrors.Credential(msg.Message)
		default:
			return apperrors.Provider(fmt.Sprintf("identity provider rejected the step: %s", msg.Message))
		}
	}
	return nil
}

func baseOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", apperrors.Validationf("authorize URL %q is not absolute", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
