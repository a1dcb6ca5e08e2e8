package jsonutil

// Package jsonutil provides the JSON primitives shared by the request engine
// and the authentication flow: nesting-depth detection, JSON-likeness
// sniffing, case-sensitive strict decoding with a loose fallback, and
// unescaping of the escape sequences identity providers embed in inline
// script content.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	// DepthFloor is the minimum decode depth cap.
	DepthFloor = 15
	// DepthCeiling bounds the decode depth cap to prevent unbounded
	// recursion on hostile payloads.
	DepthCeiling = 100
	// depthHeadroom is added to the detected depth so near-boundary
	// payloads do not fail on an exact cap.
	depthHeadroom = 3
)

// DetectDepth returns the maximum object/array nesting depth of data.
// String content, including escaped quotes and brackets inside strings, is
// ignored. Malformed input yields the depth seen up to the malformation.
func DetectDepth(data []byte) int {
	depth, maxDepth := 0, 0
	inString := false
	escaped := false

	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}', ']':
			depth--
		}
	}
	return maxDepth
}

// OptimalDepth computes the decode depth cap for data: the detected depth
// plus headroom, clamped to [DepthFloor, DepthCeiling].
func OptimalDepth(data []byte) int {
	d := DetectDepth(data) + depthHeadroom
	if d < DepthFloor {
		return DepthFloor
	}
	if d > DepthCeiling {
		return DepthCeiling
	}
	return d
}

// LooksLikeJSON sniffs whether body plausibly holds a JSON document without
// decoding it. HTML documents served where JSON was expected must return
// false, as they indicate a silently-expired browser-style session.
func LooksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{', '[':
		return true
	case '"':
		return json.Valid(trimmed)
	default:
		return false
	}
}

// IsHTMLDocument reports whether body is an HTML document. Used by the
// transient classifier to detect the expired-session sentinel.
func IsHTMLDocument(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	lower := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lower, []byte("<!doctype")) ||
		bytes.HasPrefix(lower, []byte("<html")) ||
		bytes.HasPrefix(lower, []byte("<head")) ||
		bytes.HasPrefix(lower, []byte("<body"))
}

// DecodeStrict decodes data case-sensitively into map[string]any / []any /
// scalar values, preserving numbers as json.Number and enforcing depthCap.
// Two properties differing only in name casing decode to distinct map keys.
// A depthCap of zero applies OptimalDepth.
func DecodeStrict(data []byte, depthCap int) (any, error) {
	if depthCap <= 0 {
		depthCap = OptimalDepth(data)
	}
	if d := DetectDepth(data); d > depthCap {
		return nil, fmt.Errorf("json nesting depth %d exceeds cap %d", d, depthCap)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Trailing non-whitespace content means the body was not a single
	// JSON document.
	if dec.More() {
		return nil, fmt.Errorf("trailing content after json document")
	}
	return v, nil
}

// DecodeLoose is the one-shot fallback decode used when DecodeStrict fails:
// no depth enforcement, float64 numbers, best-effort semantics.
func DecodeLoose(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnescapeUnicode resolves \uXXXX (including surrogate pairs) and \xXX
// escape sequences in s. Inline-script state tokens and error descriptions
// arrive with these escapes applied; everything else passes through
// untouched, including invalid escape sequences.
func UnescapeUnicode(s string) string {
	if !strings.Contains(s, `\u`) && !strings.Contains(s, `\x`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			i++
			continue
		}
		switch s[i+1] {
		case 'u':
			if i+6 > len(s) {
				b.WriteByte(s[i])
				i++
				continue
			}
			n, err := strconv.ParseUint(s[i+2:i+6], 16, 32)
			if err != nil {
				b.WriteByte(s[i])
				i++
				continue
			}
			r := rune(n)
			i += 6
			if utf16.IsSurrogate(r) && i+6 <= len(s) && s[i] == '\\' && s[i+1] == 'u' {
				if n2, err2 := strconv.ParseUint(s[i+2:i+6], 16, 32); err2 == nil {
					if paired := utf16.DecodeRune(r, rune(n2)); paired != utf8.RuneError {
						r = paired
						i += 6
					}
				}
			}
			b.WriteRune(r)
		case 'x':
			if i+4 > len(s) {
				b.WriteByte(s[i])
				i++
				continue
			}
			n, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
			if err != nil {
				b.WriteByte(s[i])
				i++
				continue
			}
			b.WriteRune(rune(n))
			i += 4
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}
