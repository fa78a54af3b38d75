// Package sanitize redacts secret-shaped fields and brand-identifying text
// from agent output before it crosses the process boundary.
package sanitize

import (
	"regexp"
	"strings"
)

const (
	// maxDepth bounds recursion on pathological nested payloads. Values below
	// the ceiling are sanitized; anything deeper is passed through untouched.
	maxDepth = 16

	// maxListLen truncates ordered collections, bounding both cost and
	// accidental bulk leakage.
	maxListLen = 200
)

// secretKeyPattern matches key names that are likely to carry credentials,
// tokens, headers, or environment dumps. Matched keys are dropped entirely.
var secretKeyPattern = regexp.MustCompile(
	`(?i)(api[_-]?key|access[_-]?key|secret|token|passw(or)?d|credential|` +
		`authorization|bearer|cookie|session[_-]?key|private[_-]?key|headers?|env(ironment)?(_vars?)?)`)

// Config controls brand and model aliasing.
type Config struct {
	// BrandName is the agent brand token rewritten in outbound text.
	BrandName string
	// BrandAlias replaces every case-insensitive occurrence of BrandName.
	BrandAlias string
	// ModelAlias is the value reported for keys literally named "model".
	ModelAlias string
}

// Sanitizer performs depth-bounded, best-effort redaction over decoded JSON
// values. It never panics outward; any internal failure degrades to a
// placeholder marker so a single malformed payload cannot kill the stream.
type Sanitizer struct {
	cfg     Config
	brandRe *regexp.Regexp
}

// New creates a Sanitizer. An empty BrandName disables brand rewriting.
func New(cfg Config) *Sanitizer {
	s := &Sanitizer{cfg: cfg}
	if cfg.BrandName != "" {
		s.brandRe = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(cfg.BrandName))
	}
	return s
}

// Placeholder is emitted in place of a payload that could not be sanitized.
func Placeholder() map[string]any {
	return map[string]any{"type": "redacted", "reason": "unsanitizable output"}
}

// Sanitize returns a redacted copy of v. The input is never mutated.
func (s *Sanitizer) Sanitize(v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = Placeholder()
		}
	}()
	return s.walk(v, 0)
}

// SanitizeText rewrites brand tokens in a plain string.
func (s *Sanitizer) SanitizeText(text string) string {
	if s.brandRe == nil {
		return text
	}
	return s.brandRe.ReplaceAllString(text, s.cfg.BrandAlias)
}

func (s *Sanitizer) walk(v any, depth int) any {
	if depth >= maxDepth {
		return v
	}

	switch val := v.(type) {
	case string:
		return s.SanitizeText(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if secretKeyPattern.MatchString(k) {
				continue
			}
			if strings.EqualFold(k, "model") {
				out[k] = s.cfg.ModelAlias
				continue
			}
			out[k] = s.walk(child, depth+1)
		}
		return out
	case []any:
		n := len(val)
		if n > maxListLen {
			n = maxListLen
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = s.walk(val[i], depth+1)
		}
		return out
	default:
		// Numbers, booleans, nil and anything exotic pass through unchanged.
		return v
	}
}
