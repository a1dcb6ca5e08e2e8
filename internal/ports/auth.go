package ports

// Package ports defines interfaces (hexagonal ports) for authentication and
// request-execution behavior. Implementations live in internal/adapters and
// internal/request; orchestration in internal/service.

import (
	"context"

	"github.com/target/strato-go/internal/htmlform"
)

// ProviderKind identifies the external identity provider behind an SSO
// redirect, or None when the flow stays on the platform's own identity
// stack.
type ProviderKind string

const (
	ProviderNone   ProviderKind = ""
	ProviderOkta   ProviderKind = "okta"
	ProviderEntra  ProviderKind = "entra"
	ProviderPingID ProviderKind = "pingid"
)

// FlowContext carries what an adapter needs to join an in-progress SSO
// flow: the final authorize URL resolved against the external IdP and the
// page body it served.
type FlowContext struct {
	// AuthorizeURL is the IdP-side authorize/login URL the SSO redirect
	// chain terminated on.
	AuthorizeURL string
	// Body is the response body served at AuthorizeURL.
	Body []byte
	// RelayState is threaded back into the SAML response when present.
	RelayState string
}

// Challenge is the opaque in-flight MFA transaction an adapter hands back
// from Initiate and consumes in Poll/Redeem. DisplayNumber surfaces a
// number-matching value the operator must confirm on their device, empty
// when the method has none.
type Challenge interface {
	Provider() ProviderKind
	DisplayNumber() string
}

// PollState is the terminal-state classification of one MFA poll.
type PollState int

const (
	PollStatePending PollState = iota
	PollStateApproved
	PollStateDenied
	PollStateExpired
)

func (s PollState) String() string {
	switch s {
	case PollStateApproved:
		return "approved"
	case PollStateDenied:
		return "denied"
	case PollStateExpired:
		return "expired"
	default:
		return "pending"
	}
}

// IdPAdapter drives one external identity provider's challenge/poll/redeem
// MFA sub-protocol. All adapters yield the same SAML POST-binding artifact
// so the orchestrator's code-exchange step is adapter-agnostic.
type IdPAdapter interface {
	// Initiate looks up the identifier at the provider and starts the MFA
	// transaction.
	Initiate(ctx context.Context, flow FlowContext, identifier string) (Challenge, error)
	// Poll checks the transaction once; the orchestrator drives the
	// bounded poll loop around it.
	Poll(ctx context.Context, ch Challenge) (PollState, error)
	// Redeem converts an approved transaction into the SAML response
	// form.
	Redeem(ctx context.Context, ch Challenge) (*htmlform.SAMLForm, error)
}

// ProviderDetector classifies which external IdP an SSO redirect chain
// landed on. Signals are evaluated in priority order: final URL host, then
// redirect target host, then response body keywords, then the original SAML
// action URL.
type ProviderDetector interface {
	Detect(finalURL, redirectTarget string, body []byte, samlActionURL string) ProviderKind
}

// Prompter is the operator interaction surface: OTP entry and
// number-matching display. The CLI provides a terminal implementation;
// tests provide canned answers.
type Prompter interface {
	// PromptOTP asks the operator for a one-time code.
	PromptOTP(ctx context.Context, prompt string) (string, error)
	// Notify surfaces progress or a number-matching value to the
	// operator.
	Notify(message string)
}

// TokenVerifier optionally verifies the identity-domain ID token signature
// against the platform's published keys.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) error
}
