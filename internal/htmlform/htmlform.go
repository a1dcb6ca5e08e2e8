package htmlform

// Package htmlform extracts the structured fragments the authentication flow
// needs out of identity-provider HTML: auto-submitting SAML forms, hidden
// form fields, state tokens embedded in inline script, and meta/JS redirect
// targets.

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/target/strato-go/internal/jsonutil"
)

// Form is one parsed HTML form: its action URL and every input's name/value.
type Form struct {
	Action string
	Method string
	Fields map[string]string
}

// SAMLForm is the adapter-agnostic SAML POST-binding artifact. All three IdP
// adapters produce exactly this shape so the orchestrator's code-exchange
// step never branches on the provider.
type SAMLForm struct {
	Action       string
	SAMLResponse string
	RelayState   string
}

// Forms parses every form element in body.
func Forms(body []byte) ([]Form, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var forms []Form
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "form" {
			forms = append(forms, parseForm(n))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return forms, nil
}

func parseForm(formNode *html.Node) Form {
	f := Form{Fields: map[string]string{}}
	for _, attr := range formNode.Attr {
		switch strings.ToLower(attr.Key) {
		case "action":
			f.Action = attr.Val
		case "method":
			f.Method = strings.ToUpper(attr.Val)
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			var name, value string
			for _, attr := range n.Attr {
				switch strings.ToLower(attr.Key) {
				case "name":
					name = attr.Val
				case "value":
					value = attr.Val
				}
			}
			if name != "" {
				f.Fields[name] = value
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(formNode)
	return f
}

// ParseSAMLForm locates the form carrying a SAMLResponse hidden field.
// RelayState is optional on some provider configurations; SAMLResponse and
// the form action are not.
func ParseSAMLForm(body []byte) (*SAMLForm, error) {
	forms, err := Forms(body)
	if err != nil {
		return nil, err
	}
	for _, f := range forms {
		resp, ok := f.Fields["SAMLResponse"]
		if !ok {
			continue
		}
		if resp == "" {
			return nil, errors.New("saml form carries an empty SAMLResponse")
		}
		if f.Action == "" {
			return nil, errors.New("saml form carries no action url")
		}
		return &SAMLForm{
			Action:       f.Action,
			SAMLResponse: resp,
			RelayState:   f.Fields["RelayState"],
		}, nil
	}
	return nil, errors.New("no SAMLResponse form found in response")
}

// stateTokenPatterns match the ways providers embed the state token in
// inline script. The token value is escaped with hex/unicode sequences that
// must be resolved before use.
var stateTokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"stateToken"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`var\s+stateToken\s*=\s*'([^']+)'`),
	regexp.MustCompile(`stateToken\s*=\s*"([^"]+)"`),
}

// ExtractStateToken pulls the provider state token out of inline script
// content and unescapes it. The token never appears in a structured JSON
// field at this stage of the flow.
func ExtractStateToken(body []byte) (string, error) {
	scripts, err := scriptText(body)
	if err != nil {
		return "", err
	}
	for _, script := range scripts {
		for _, pat := range stateTokenPatterns {
			if m := pat.FindStringSubmatch(script); m != nil {
				return jsonutil.UnescapeUnicode(m[1]), nil
			}
		}
	}
	return "", errors.New("no state token found in response scripts")
}

func scriptText(body []byte) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var scripts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" {
			var sb strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					sb.WriteString(c.Data)
				}
			}
			if sb.Len() > 0 {
				scripts = append(scripts, sb.String())
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return scripts, nil
}

var (
	metaRefreshPattern = regexp.MustCompile(`(?i)url\s*=\s*['"]?([^'">\s]+)`)
	jsRedirectPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:window\.)?location(?:\.href)?\s*=\s*['"]([^'"]+)['"]`),
		regexp.MustCompile(`location\.replace\(\s*['"]([^'"]+)['"]\s*\)`),
	}
)

// RedirectTarget finds a client-side redirect in body: a meta refresh tag
// first, then a JavaScript location assignment in inline script. The final
// authorization-code hop of the flow is delivered this way by some
// providers.
func RedirectTarget(body []byte) (string, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", false
	}

	var metaTarget string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if metaTarget != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "meta" {
			var isRefresh bool
			var content string
			for _, attr := range n.Attr {
				switch strings.ToLower(attr.Key) {
				case "http-equiv":
					isRefresh = strings.EqualFold(attr.Val, "refresh")
				case "content":
					content = attr.Val
				}
			}
			if isRefresh {
				if m := metaRefreshPattern.FindStringSubmatch(content); m != nil {
					metaTarget = m[1]
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if metaTarget != "" {
		return metaTarget, true
	}

	scripts, err := scriptText(body)
	if err != nil {
		return "", false
	}
	for _, script := range scripts {
		for _, pat := range jsRedirectPatterns {
			if m := pat.FindStringSubmatch(script); m != nil {
				return jsonutil.UnescapeUnicode(m[1]), true
			}
		}
	}
	return "", false
}

// ContainsKeyword reports whether body contains any of the given keywords,
// case-insensitively. Used as the lowest-priority provider-detection signal.
func ContainsKeyword(body []byte, keywords ...string) bool {
	lower := bytes.ToLower(body)
	for _, kw := range keywords {
		if bytes.Contains(lower, []byte(strings.ToLower(kw))) {
			return true
		}
	}
	return false
}
