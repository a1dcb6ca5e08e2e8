package pingid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/ports"
	"github.com/target/strato-go/internal/testutil"
)

type cannedPrompter struct {
	otp      string
	prompts  int
	messages []string
}

func (p *cannedPrompter) PromptOTP(ctx context.Context, prompt string) (string, error) {
	p.prompts++
	return p.otp, nil
}

func (p *cannedPrompter) Notify(message string) { p.messages = append(p.messages, message) }

func newAdapter(t *testing.T, prompter ports.Prompter) *Adapter {
	t.Helper()
	return New(Options{
		Client:   &http.Client{},
		Prompter: prompter,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

const samlPage = `<html><body><form action="https://sso.strato.cloud/acs" method="post">
	<input type="hidden" name="SAMLResponse" value="PHBpbmc+"/>
	<input type="hidden" name="RelayState" value="relay-ping"/>
</form></body></html>`

func TestResolveHostsDerivesRegionPair(t *testing.T) {
	flowBase, authBase, flowID, err := resolveHosts("https://auth.pingone.eu/env-1/as/authorize?flowId=flow-7")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.pingone.eu", flowBase)
	assert.Equal(t, "https://authenticator.pingone.eu", authBase)
	assert.Equal(t, "flow-7", flowID)

	flowBase, authBase, flowID, err = resolveHosts("https://auth.pingone.asia/flows/flow-9")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.pingone.asia", flowBase)
	assert.Equal(t, "https://authenticator.pingone.asia", authBase)
	assert.Equal(t, "flow-9", flowID)

	_, _, _, err = resolveHosts("https://auth.pingone.eu/as/authorize")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSSOConfig, apperrors.GetCode(err))
}

func TestPushFlowYieldsSAMLForm(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()

	mux.HandleFunc("/flows/flow-1", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["username"] != "" {
			assert.Equal(t, "user@corp.example", req["username"])
			testutil.WriteJSON(w, map[string]any{
				"id": "flow-1", "status": "DEVICE_AUTHENTICATION_REQUIRED",
				"authentication": map[string]any{"id": "auth-1"},
			})
			return
		}
		assert.Equal(t, "jwt-response", req["responseToken"])
		testutil.WriteJSON(w, map[string]any{"id": "flow-1", "status": "COMPLETED"})
	})
	mux.HandleFunc("/authentications/auth-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			testutil.WriteJSON(w, map[string]any{
				"id": "auth-1", "status": statusPushWaiting, "selection": "17",
			})
			return
		}
		polls++
		status := statusPushWaiting
		if polls >= 2 {
			status = statusCompleted
		}
		testutil.WriteJSON(w, map[string]any{"id": "auth-1", "status": status})
	})
	mux.HandleFunc("/authentications/auth-1/token", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, map[string]any{"id": "auth-1", "responseToken": "jwt-response"})
	})
	mux.HandleFunc("/flows/flow-1/resume", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, samlPage)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newAdapter(t, &cannedPrompter{})
	flow := ports.FlowContext{AuthorizeURL: server.URL + "/as/authorize?flowId=flow-1"}

	ch, err := adapter.Initiate(context.Background(), flow, "user@corp.example")
	require.NoError(t, err)
	assert.Equal(t, ports.ProviderPingID, ch.Provider())
	assert.Equal(t, "17", ch.DisplayNumber())

	state, err := adapter.Poll(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, ports.PollStatePending, state)

	state, err = adapter.Poll(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, ports.PollStateApproved, state)

	form, err := adapter.Redeem(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "PHBpbmc+", form.SAMLResponse)
	assert.Equal(t, "relay-ping", form.RelayState)
}

func TestPolicyOTPSwitchesToPromptedCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/flows/flow-1", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, map[string]any{
			"id": "flow-1", "authentication": map[string]any{"id": "auth-1"},
		})
	})
	mux.HandleFunc("/authentications/auth-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			testutil.WriteJSON(w, map[string]any{"id": "auth-1", "status": statusPolicyOTP})
			return
		}
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req["action"] {
		case "authenticate":
			testutil.WriteJSON(w, map[string]any{"id": "auth-1", "status": statusPolicyOTP})
		case "checkOtp":
			assert.Equal(t, "654321", req["otp"])
			testutil.WriteJSON(w, map[string]any{"id": "auth-1", "status": statusCompleted})
		default:
			t.Errorf("unexpected action %q", req["action"])
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	prompter := &cannedPrompter{otp: "654321"}
	adapter := newAdapter(t, prompter)
	flow := ports.FlowContext{AuthorizeURL: server.URL + "/as/authorize?flowId=flow-1"}

	ch, err := adapter.Initiate(context.Background(), flow, "user@corp.example")
	require.NoError(t, err)

	state, err := adapter.Poll(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, ports.PollStateApproved, state)
	assert.Equal(t, 1, prompter.prompts)
}

func TestPasswordOnlyPolicyIsConfigError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/flows/flow-1", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, map[string]any{"id": "flow-1", "status": "USERNAME_PASSWORD_REQUIRED"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := newAdapter(t, &cannedPrompter{})
	flow := ports.FlowContext{AuthorizeURL: server.URL + "/as/authorize?flowId=flow-1"}

	_, err := adapter.Initiate(context.Background(), flow, "user@corp.example")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSSOConfig, apperrors.GetCode(err))
}

func TestPollTerminalStates(t *testing.T) {
	tests := []struct {
		status string
		want   ports.PollState
	}{
		{statusDenied, ports.PollStateDenied},
		{statusExpired, ports.PollStateExpired},
		{statusTimedOut, ports.PollStateExpired},
		{statusPushWaiting, ports.PollStatePending},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/authentications/auth-1", func(w http.ResponseWriter, r *http.Request) {
				testutil.WriteJSON(w, map[string]any{"id": "auth-1", "status": tt.status})
			})
			server := httptest.NewServer(mux)
			defer server.Close()

			adapter := newAdapter(t, &cannedPrompter{})
			tx := &challenge{
				flowBase:          server.URL,
				authenticatorBase: server.URL,
				flowID:            "flow-1",
				authID:            "auth-1",
			}
			state, err := adapter.Poll(context.Background(), tx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}
