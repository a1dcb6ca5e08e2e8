package service

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/target/strato-go/internal/errors"
)

// localMethod is a locally-enrolled authentication method on the platform's
// identity stack.
type localMethod string

const (
	localMethodPassword localMethod = "password"
	localMethodTOTP     localMethod = "totp"
	localMethodPush     localMethod = "push"
)

// localChoice is one usable entry of the local authenticator menu.
type localChoice struct {
	id     string
	method localMethod
	label  string
}

// idxDoc covers the slices of the identity-engine document the orchestrator
// reads; the shape matches what the platform's own tenant serves.
type idxDoc struct {
	StateHandle string `json:"stateHandle"`
	Remediation struct {
		Value []idxRemediationDoc `json:"value"`
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
		Value []idxMessageDoc `json:"value"`
	} `json:"messages"`
}

type idxRemediationDoc struct {
	Name  string               `json:"name"`
	Href  string               `json:"href"`
	Value []idxFieldDoc        `json:"value"`
	Idp   *struct{ ID string } `json:"idp"`
}

type idxFieldDoc struct {
	Name    string         `json:"name"`
	Options []idxOptionDoc `json:"options"`
}

type idxOptionDoc struct {
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

type idxMessageDoc struct {
	Message string `json:"message"`
	Class   string `json:"class"`
	I18n    struct {
		Key string `json:"key"`
	} `json:"i18n"`
}

// idx posts one identity-engine call against the SSO host and classifies
// error-class response messages.
func (o *Orchestrator) idx(ctx context.Context, path string, payload any) (*idxDoc, error) {
	var doc idxDoc
	exchange, err := o.idp.PostJSON(ctx, o.endpoints.SSOURL+path, payload, &doc)
	if err != nil {
		return nil, err
	}
	if failure := localFailure(exchange.Status, &doc); failure != nil {
		return nil, failure
	}
	if exchange.Status >= http.StatusBadRequest {
		return nil, apperrors.Providerf("identity service rejected %s with status %d", path, exchange.Status)
	}
	return &doc, nil
}

// localFailure turns error-class identity-engine messages into classified
// errors. Credential mistakes (wrong or expired password, unknown user) are
// distinguished from challenge denials.
func localFailure(status int, doc *idxDoc) error {
	for _, msg := range doc.Messages.Value {
		if !strings.EqualFold(msg.Class, "ERROR") {
			continue
		}
		key := strings.ToLower(msg.I18n.Key)
		text := msg.Message
		if text == "" {
			text = msg.I18n.Key
		}
		switch {
		case strings.Contains(key, "password.expired"):
			return apperrors.Credential("the password has expired and must be reset before signing in")
		case strings.Contains(key, "upgrade") ||
			strings.Contains(strings.ToLower(text), "update your"):
			// Distinct from a wrong code: the device app is too old to
			// complete the challenge at all.
			return apperrors.MFAf("the authenticator app must be updated on the device: %s", text)
		case strings.Contains(key, "credentials") || strings.Contains(key, "password") ||
			strings.Contains(key, "e0000004") || strings.Contains(key, "identify"):
			return apperrors.Credentialf("the identity service rejected the credentials: %s", text)
		case strings.Contains(key, "denied") || strings.Contains(key, "rejected"):
			return apperrors.MFAf("the sign-in challenge was rejected: %s", text)
		default:
			return apperrors.Providerf("the identity service reported an error: %s", text)
		}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return apperrors.Credentialf("the identity service rejected the sign-in with status %d", status)
	}
	return nil
}

// redirectIdPHref returns the external-IdP hand-off link when the tenant is
// configured for federation, empty otherwise.
func redirectIdPHref(doc *idxDoc) string {
	for _, rem := range doc.Remediation.Value {
		if rem.Name == "redirect-idp" && rem.Href != "" {
			return rem.Href
		}
	}
	return ""
}

// localAuthenticator picks the strongest usable entry from the local
// authenticator menu: push, then an authenticator-app code, then password
// when one was supplied.
func localAuthenticator(doc *idxDoc, havePassword bool) (*localChoice, error) {
	var choices []localChoice
	for _, rem := range doc.Remediation.Value {
		if rem.Name != "select-authenticator-authenticate" {
			continue
		}
		for _, field := range rem.Value {
			if field.Name != "authenticator" {
				continue
			}
			for _, opt := range field.Options {
				if c, ok := choiceFromOption(opt); ok {
					choices = append(choices, c)
				}
			}
		}
	}
	if len(choices) == 0 {
		// Tenants without an authenticator menu go straight to the
		// password challenge.
		for _, rem := range doc.Remediation.Value {
			if rem.Name == "challenge-authenticator" {
				if !havePassword {
					return nil, apperrors.Credential("a password is required for this account but none was supplied")
				}
				return &localChoice{method: localMethodPassword, label: "Password"}, nil
			}
		}
		return nil, apperrors.MFA("no usable authentication method is enrolled for this account")
	}

	if c := firstByMethod(choices, localMethodPush); c != nil {
		return c, nil
	}
	if c := totpChoice(choices); c != nil {
		return c, nil
	}
	if c := firstByMethod(choices, localMethodPassword); c != nil {
		if !havePassword {
			return nil, apperrors.Credential("a password is required for this account but none was supplied")
		}
		return c, nil
	}
	return nil, apperrors.MFA("none of the enrolled authentication methods are supported by this client")
}

// totpChoice prefers the platform's own authenticator-app code over a
// generic TOTP app when both are enrolled.
func totpChoice(choices []localChoice) *localChoice {
	var fallback *localChoice
	for i := range choices {
		if choices[i].method != localMethodTOTP {
			continue
		}
		if strings.Contains(strings.ToLower(choices[i].label), "verify") {
			return &choices[i]
		}
		if fallback == nil {
			fallback = &choices[i]
		}
	}
	return fallback
}

func firstByMethod(choices []localChoice, method localMethod) *localChoice {
	for i := range choices {
		if choices[i].method == method {
			return &choices[i]
		}
	}
	return nil
}

// choiceFromOption flattens one menu option into a usable choice, dropping
// methods this client cannot drive.
func choiceFromOption(opt idxOptionDoc) (localChoice, bool) {
	choice := localChoice{label: opt.Label}
	for _, field := range opt.Value.Form.Value {
		value, _ := field.Value.(string)
		switch field.Name {
		case "id":
			choice.id = value
		case "methodType":
			switch value {
			case "push":
				choice.method = localMethodPush
			case "totp", "otp":
				choice.method = localMethodTOTP
			case "password":
				choice.method = localMethodPassword
			}
		}
	}
	if choice.method == "" {
		return localChoice{}, false
	}
	return choice, true
}
