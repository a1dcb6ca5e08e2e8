package transport

import (
	"context"
	"time"

	apperrors "github.com/target/strato-go/internal/errors"
)

const (
	// DefaultMaxAttempts bounds the retry loop of one logical call.
	DefaultMaxAttempts = 5
	// DefaultBackoff is the fixed sleep between transient-failure retries.
	DefaultBackoff = 1 * time.Second
	// DefaultPollInterval is the fixed cadence of MFA status polling.
	DefaultPollInterval = 3 * time.Second
	// DefaultPollDeadline bounds every MFA poll loop.
	DefaultPollDeadline = 2 * time.Minute
)

// RetryPolicy parameterizes the bounded-retry combinator.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Sanitize clamps the policy to usable values.
func (p *RetryPolicy) Sanitize() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
}

// Retry runs op up to MaxAttempts times, sleeping Backoff between attempts
// while isRetryable reports the error as transient. Any non-retryable error
// aborts immediately without consuming the remaining budget. The last
// attempt's error is returned when the budget is exhausted.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error), isRetryable func(error) bool) (T, error) {
	policy.Sanitize()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeCanceled, "retry loop canceled")
		case <-time.After(policy.Backoff):
		}
	}

	return zero, apperrors.Wrapf(lastErr, apperrors.ErrCodeTransient,
		"request failed after %d attempts", policy.MaxAttempts)
}

// PollOutcome is the terminal-state signal of one poll check.
type PollOutcome int

const (
	// PollPending means no terminal state was reached; keep polling.
	PollPending PollOutcome = iota
	// PollDone terminates the loop successfully.
	PollDone
)

// PollPolicy parameterizes the bounded-poll combinator.
type PollPolicy struct {
	Interval time.Duration
	Deadline time.Duration
	// MaxPolls additionally caps the number of checks when positive.
	MaxPolls int
}

// Sanitize clamps the policy to usable values.
func (p *PollPolicy) Sanitize() {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.Deadline <= 0 {
		p.Deadline = DefaultPollDeadline
	}
}

// Poll invokes check at a fixed interval until it reports PollDone, fails,
// or the wall-clock deadline (computed at loop start) elapses. A loop that
// never reaches a terminal state fails with a timeout error rather than
// hanging.
func Poll[T any](ctx context.Context, policy PollPolicy, check func(ctx context.Context) (T, PollOutcome, error)) (T, error) {
	policy.Sanitize()

	var zero T
	deadline := time.Now().Add(policy.Deadline)
	polls := 0

	for {
		result, outcome, err := check(ctx)
		if err != nil {
			return zero, err
		}
		if outcome == PollDone {
			return result, nil
		}

		polls++
		if policy.MaxPolls > 0 && polls >= policy.MaxPolls {
			return zero, apperrors.Timeout("verification was not completed within the allowed number of checks")
		}
		if time.Now().Add(policy.Interval).After(deadline) {
			return zero, apperrors.Timeout("verification was not completed before the deadline; try again")
		}

		select {
		case <-ctx.Done():
			return zero, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeCanceled, "poll loop canceled")
		case <-time.After(policy.Interval):
		}
	}
}
