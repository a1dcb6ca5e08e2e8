package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of client error. The categories mirror the
// failure taxonomy of the authentication and request layers: connectivity
// problems are detected before any authentication attempt, credential and MFA
// failures are fatal with remediation guidance, transient transport failures
// are the only retryable category, and session expiry always instructs
// re-authentication.
type ErrorCode string

const (
	// ErrCodeConnectivity indicates DNS/TCP unreachability of a core
	// platform domain. Fatal, reported before authentication begins.
	ErrCodeConnectivity ErrorCode = "connectivity"
	// ErrCodeCredential indicates a wrong/expired password, insufficient
	// permissions, or an invalid token. Fatal, never retried.
	ErrCodeCredential ErrorCode = "credential"
	// ErrCodeMFA indicates a multi-factor failure: denied, timed out,
	// unsupported method, outdated authenticator, or missing enrollment.
	ErrCodeMFA ErrorCode = "mfa"
	// ErrCodeSSOConfig indicates a federation misconfiguration (wrong
	// domain on the SSO path, password-only policy, unknown provider).
	ErrCodeSSOConfig ErrorCode = "sso_config"
	// ErrCodeTransient indicates a retryable transport failure
	// (408/500/502/503/504).
	ErrCodeTransient ErrorCode = "transient"
	// ErrCodeSessionExpired indicates the platform no longer honors the
	// session; the caller must reconnect. Never retried.
	ErrCodeSessionExpired ErrorCode = "session_expired"
	// ErrCodePartialPage indicates a degraded pagination merge with one or
	// more failed pages. Non-fatal at the call level.
	ErrCodePartialPage ErrorCode = "partial_page"
	// ErrCodeValidation indicates invalid caller input.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeProvider indicates an unclassified identity-provider failure;
	// the raw provider response travels with the error for diagnostics.
	ErrCodeProvider ErrorCode = "provider"
	// ErrCodeInternal indicates an internal client error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a poll or retry deadline elapsed.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError represents a structured client error with a code, message, and
// optional cause. It supports error wrapping and unwrapping for use with
// errors.Is and errors.As.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable, user-actionable error message. It must
	// never contain secret material; raw provider payloads go to Detail.
	Message string
	// Cause is the underlying error that caused this error (optional)
	Cause error
	// Detail carries diagnostic context safe to log after redaction, such
	// as the raw provider response body of an unclassified failure.
	Detail string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetail returns a copy of the error carrying diagnostic detail.
func (e *AppError) WithDetail(detail string) *AppError {
	clone := *e
	clone.Detail = detail
	return &clone
}

// Connectivity creates a new Connectivity error.
func Connectivity(message string) *AppError {
	return &AppError{Code: ErrCodeConnectivity, Message: message}
}

// Connectivityf creates a new Connectivity error with formatted message.
func Connectivityf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeConnectivity, Message: fmt.Sprintf(format, args...)}
}

// Credential creates a new Credential error.
func Credential(message string) *AppError {
	return &AppError{Code: ErrCodeCredential, Message: message}
}

// Credentialf creates a new Credential error with formatted message.
func Credentialf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeCredential, Message: fmt.Sprintf(format, args...)}
}

// MFA creates a new MFA error.
func MFA(message string) *AppError {
	return &AppError{Code: ErrCodeMFA, Message: message}
}

// MFAf creates a new MFA error with formatted message.
func MFAf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeMFA, Message: fmt.Sprintf(format, args...)}
}

// SSOConfig creates a new SSOConfig error.
func SSOConfig(message string) *AppError {
	return &AppError{Code: ErrCodeSSOConfig, Message: message}
}

// SSOConfigf creates a new SSOConfig error with formatted message.
func SSOConfigf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeSSOConfig, Message: fmt.Sprintf(format, args...)}
}

// Transient creates a new Transient error.
func Transient(message string) *AppError {
	return &AppError{Code: ErrCodeTransient, Message: message}
}

// Transientf creates a new Transient error with formatted message.
func Transientf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeTransient, Message: fmt.Sprintf(format, args...)}
}

// SessionExpired creates a new SessionExpired error.
func SessionExpired(message string) *AppError {
	return &AppError{Code: ErrCodeSessionExpired, Message: message}
}

// PartialPage creates a new PartialPage error.
func PartialPage(message string) *AppError {
	return &AppError{Code: ErrCodePartialPage, Message: message}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Provider creates a new Provider error.
func Provider(message string) *AppError {
	return &AppError{Code: ErrCodeProvider, Message: message}
}

// Providerf creates a new Provider error with formatting.
func Providerf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeProvider, Message: fmt.Sprintf(format, args...)}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message}
}

// Internalf creates a new Internal error with formatted message.
func Internalf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Timeout creates a new Timeout error.
func Timeout(message string) *AppError {
	return &AppError{Code: ErrCodeTimeout, Message: message}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsConnectivity checks if an error is a Connectivity error.
func IsConnectivity(err error) bool { return isCode(err, ErrCodeConnectivity) }

// IsCredential checks if an error is a Credential error.
func IsCredential(err error) bool { return isCode(err, ErrCodeCredential) }

// IsMFA checks if an error is an MFA error.
func IsMFA(err error) bool { return isCode(err, ErrCodeMFA) }

// IsSSOConfig checks if an error is an SSOConfig error.
func IsSSOConfig(err error) bool { return isCode(err, ErrCodeSSOConfig) }

// IsTransient checks if an error is a Transient (retryable) error.
func IsTransient(err error) bool { return isCode(err, ErrCodeTransient) }

// IsSessionExpired checks if an error is a SessionExpired error.
func IsSessionExpired(err error) bool { return isCode(err, ErrCodeSessionExpired) }

// IsPartialPage checks if an error is a PartialPage error.
func IsPartialPage(err error) bool { return isCode(err, ErrCodePartialPage) }

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool { return isCode(err, ErrCodeValidation) }

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool { return isCode(err, ErrCodeTimeout) }

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetDetail returns the diagnostic Detail from an error, or empty string.
func GetDetail(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Detail
	}
	return ""
}
