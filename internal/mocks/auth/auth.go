// Package auth contains simple hand-written test doubles for the
// authentication ports. These are lightweight and suitable for unit tests
// without codegen.
package auth

import (
	"context"
	"net/http"
	"sync"

	"github.com/target/strato-go/internal/htmlform"
	"github.com/target/strato-go/internal/ports"
)

// Ensure compile-time conformance to ports.
var (
	_ ports.Prompter         = (*ScriptedPrompter)(nil)
	_ ports.IdPAdapter       = (*ScriptedAdapter)(nil)
	_ ports.CredentialSource = (*StaticSource)(nil)
	_ ports.Executor         = (*ScriptedExecutor)(nil)
)

// ScriptedPrompter answers OTP prompts with a canned code and records every
// notification.
type ScriptedPrompter struct {
	OTP string
	Err error

	mu            sync.Mutex
	prompts       int
	notifications []string
}

func (p *ScriptedPrompter) PromptOTP(context.Context, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts++
	return p.OTP, p.Err
}

func (p *ScriptedPrompter) Notify(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, message)
}

// Prompts reports how many OTP prompts were answered.
func (p *ScriptedPrompter) Prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

// Notifications returns a copy of everything surfaced to the operator.
func (p *ScriptedPrompter) Notifications() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.notifications...)
}

// StaticChallenge is a canned in-flight MFA transaction.
type StaticChallenge struct {
	Kind   ports.ProviderKind
	Number string
}

func (c *StaticChallenge) Provider() ports.ProviderKind { return c.Kind }
func (c *StaticChallenge) DisplayNumber() string        { return c.Number }

// ScriptedAdapter walks a fixed sequence of poll states and redeems into a
// canned SAML form.
type ScriptedAdapter struct {
	Kind   ports.ProviderKind
	Number string
	States []ports.PollState
	SAML   *htmlform.SAMLForm

	InitiateErr error
	PollErr     error
	RedeemErr   error

	mu         sync.Mutex
	identifier string
	polls      int
}

func (a *ScriptedAdapter) Initiate(_ context.Context, _ ports.FlowContext, identifier string) (ports.Challenge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identifier = identifier
	if a.InitiateErr != nil {
		return nil, a.InitiateErr
	}
	return &StaticChallenge{Kind: a.Kind, Number: a.Number}, nil
}

func (a *ScriptedAdapter) Poll(context.Context, ports.Challenge) (ports.PollState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.PollErr != nil {
		return ports.PollStatePending, a.PollErr
	}
	if a.polls >= len(a.States) {
		return ports.PollStatePending, nil
	}
	state := a.States[a.polls]
	a.polls++
	return state, nil
}

func (a *ScriptedAdapter) Redeem(context.Context, ports.Challenge) (*htmlform.SAMLForm, error) {
	return a.SAML, a.RedeemErr
}

// Identifier returns the principal passed to Initiate.
func (a *ScriptedAdapter) Identifier() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identifier
}

// Polls reports how many poll checks consumed a scripted state.
func (a *ScriptedAdapter) Polls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls
}

// StaticSource serves fixed per-family headers and counts refreshes.
type StaticSource struct {
	Headers    map[ports.EndpointFamily]http.Header
	RefreshErr error

	mu        sync.Mutex
	refreshes int
	forced    int
}

func (s *StaticSource) RefreshIfNeeded(_ context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if force {
		s.forced++
	}
	return s.RefreshErr
}

func (s *StaticSource) AuthHeaders(family ports.EndpointFamily) (http.Header, error) {
	if h, ok := s.Headers[family]; ok {
		return h.Clone(), nil
	}
	return http.Header{}, nil
}

// Refreshes reports total refresh calls; Forced counts the forced subset.
func (s *StaticSource) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

func (s *StaticSource) Forced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

// ScriptedExecutor delegates to a handler func, so tests can switch on the
// request without a network.
type ScriptedExecutor struct {
	Handler func(ctx context.Context, req ports.Request) (*ports.Result, error)

	mu       sync.Mutex
	requests []ports.Request
}

func (e *ScriptedExecutor) Execute(ctx context.Context, req ports.Request) (*ports.Result, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if e.Handler == nil {
		return &ports.Result{StatusCode: http.StatusOK}, nil
	}
	return e.Handler(ctx, req)
}

// Requests returns a copy of every executed request.
func (e *ScriptedExecutor) Requests() []ports.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ports.Request(nil), e.requests...)
}
