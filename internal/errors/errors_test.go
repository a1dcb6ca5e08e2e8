package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeCredential,
				Message: "wrong password",
			},
			want: "wrong password",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeTransient,
				Message: "request failed",
				Cause:   errors.New("status 503"),
			},
			want: "request failed: status 503",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(cause, ErrCodeConnectivity, "platform unreachable")

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should find the wrapped cause")
	}
	if err.Unwrap() != cause {
		t.Errorf("Unwrap() should return the cause")
	}
}

func TestCodePredicates(t *testing.T) {
	tests := []struct {
		err   error
		check func(error) bool
		want  bool
	}{
		{Connectivity("unreachable"), IsConnectivity, true},
		{Credential("wrong password"), IsCredential, true},
		{MFA("push denied"), IsMFA, true},
		{SSOConfig("domain not federated"), IsSSOConfig, true},
		{Transient("503"), IsTransient, true},
		{SessionExpired("reconnect"), IsSessionExpired, true},
		{PartialPage("pages 2,3 failed"), IsPartialPage, true},
		{Validation("workspace name required"), IsValidation, true},
		{Timeout("poll deadline elapsed"), IsTimeout, true},
		{Credential("wrong password"), IsTransient, false},
		{errors.New("plain"), IsCredential, false},
		{nil, IsCredential, false},
	}

	for i, tt := range tests {
		if got := tt.check(tt.err); got != tt.want {
			t.Errorf("case %d: got %v, want %v (err=%v)", i, got, tt.want, tt.err)
		}
	}
}

func TestCodePredicates_Wrapped(t *testing.T) {
	inner := Transient("status 502")
	outer := fmt.Errorf("execute call: %w", inner)

	if !IsTransient(outer) {
		t.Errorf("IsTransient should see through fmt.Errorf wrapping")
	}
	if GetCode(outer) != ErrCodeTransient {
		t.Errorf("GetCode should see through fmt.Errorf wrapping")
	}
}

func TestWithDetail(t *testing.T) {
	base := Provider("identity provider rejected the request")
	detailed := base.WithDetail(`{"errorSummary":"Authentication failed"}`)

	if base.Detail != "" {
		t.Errorf("WithDetail must not mutate the receiver")
	}
	if GetDetail(detailed) != `{"errorSummary":"Authentication failed"}` {
		t.Errorf("GetDetail() = %q", GetDetail(detailed))
	}
	if detailed.Code != ErrCodeProvider {
		t.Errorf("WithDetail must preserve the code")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "x") != nil {
		t.Errorf("Wrap(nil) should return nil")
	}
	if Wrapf(nil, ErrCodeInternal, "x %d", 1) != nil {
		t.Errorf("Wrapf(nil) should return nil")
	}
}

func TestGetCode_NonAppError(t *testing.T) {
	if GetCode(errors.New("plain")) != "" {
		t.Errorf("GetCode on non-AppError should be empty")
	}
}
