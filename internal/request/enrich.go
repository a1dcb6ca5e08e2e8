package request

import (
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/strato-go/internal/jsonutil"
)

// errorDetailExprs are probed in order against a decoded error body; every
// string any of them yields is folded into the error message. The shapes
// cover the platform's two error envelopes: a flat message and the nested
// errorDetails list used by the identity stack.
var errorDetailExprs = []string{
	"message",
	"errorDetails[].issues[].description",
	"errorDetails[].metadata.details",
	"errorDetails[].metadata.error",
	"errorSummary",
	"error_description",
}

// errorSummary extracts a human-readable failure description from an error
// response body. Returns "" when the body carries nothing usable; the
// caller then falls back to a status-based message.
func errorSummary(body []byte) string {
	if !jsonutil.LooksLikeJSON(body) {
		return ""
	}
	decoded, err := jsonutil.DecodeLoose(body)
	if err != nil {
		return ""
	}

	var parts []string
	seen := make(map[string]struct{})
	for _, expr := range errorDetailExprs {
		value, err := jmespath.Search(expr, decoded)
		if err != nil {
			continue
		}
		for _, s := range flattenStrings(value) {
			s = strings.TrimSpace(jsonutil.UnescapeUnicode(s))
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "; ")
}

func flattenStrings(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, flattenStrings(item)...)
		}
		return out
	default:
		return nil
	}
}
