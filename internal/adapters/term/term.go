// Package term provides the operator interaction surface for a terminal:
// progress notifications on stderr and one-time-code prompts on stdin. A
// configured TOTP secret answers code prompts without operator input, which
// is what headless automation accounts use.
package term

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	apperrors "github.com/target/strato-go/internal/errors"
	"github.com/target/strato-go/internal/ports"
)

// Options groups prompter construction inputs.
type Options struct {
	// In is the prompt input stream, normally os.Stdin.
	In io.Reader
	// Out receives notifications and prompt text, normally os.Stderr so
	// command output on stdout stays machine-readable.
	Out io.Writer

	// TOTPSecret answers OTP prompts locally when set.
	TOTPSecret string

	// NonInteractive fails OTP prompts instead of blocking on input.
	NonInteractive bool

	// now is overridable for TOTP tests.
	now func() time.Time
}

// Prompter implements ports.Prompter for a terminal session.
type Prompter struct {
	in             *bufio.Reader
	out            io.Writer
	totpSecret     string
	nonInteractive bool
	now            func() time.Time
}

var _ ports.Prompter = (*Prompter)(nil)

// New builds a terminal prompter.
func New(opts Options) *Prompter {
	now := opts.now
	if now == nil {
		now = time.Now
	}
	var in *bufio.Reader
	if opts.In != nil {
		in = bufio.NewReader(opts.In)
	}
	return &Prompter{
		in:             in,
		out:            opts.Out,
		totpSecret:     strings.TrimSpace(opts.TOTPSecret),
		nonInteractive: opts.NonInteractive,
		now:            now,
	}
}

// PromptOTP answers with a locally computed TOTP code when a secret is
// configured, otherwise reads one line from the input stream.
func (p *Prompter) PromptOTP(ctx context.Context, prompt string) (string, error) {
	if p.totpSecret != "" {
		code, err := totp.GenerateCode(p.totpSecret, p.now())
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeMFA,
				"the configured TOTP secret could not produce a code")
		}
		return code, nil
	}

	if p.nonInteractive || p.in == nil {
		return "", apperrors.MFA("a one-time code is required but the session is non-interactive; configure a TOTP secret or run interactively")
	}

	p.Notify(prompt)

	type lineResult struct {
		line string
		err  error
	}
	lines := make(chan lineResult, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		lines <- lineResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", apperrors.Wrap(ctx.Err(), apperrors.ErrCodeCanceled, "code entry abandoned")
	case result := <-lines:
		if result.err != nil && result.line == "" {
			return "", apperrors.Wrap(result.err, apperrors.ErrCodeMFA, "read one-time code")
		}
		return strings.TrimSpace(result.line), nil
	}
}

// Notify writes one progress line for the operator.
func (p *Prompter) Notify(message string) {
	if p.out == nil {
		return
	}
	fmt.Fprintln(p.out, message)
}
