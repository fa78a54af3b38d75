// Package policy decides which tool calls require human approval and
// extends the built-in dangerous-command detection with operator-supplied
// patterns.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/runforge/runforge/internal/run/danger"
)

// defaultGatedTools names the tools gated behind approval when neither
// configuration nor a policy file says otherwise. Everything that touches
// the filesystem or runs commands is gated; read-only tools are not.
var defaultGatedTools = []string{
	"Bash",
	"Write",
	"Edit",
	"MultiEdit",
	"NotebookEdit",
}

// File is the on-disk policy document.
type File struct {
	// GatedTools replaces the gated tool set when non-empty.
	GatedTools []string `yaml:"gated_tools"`
	// DangerPatterns are extra regular expressions matched against
	// command text, in addition to the built-in set.
	DangerPatterns []string `yaml:"danger_patterns"`
}

// Policy is a resolved, immutable gating policy.
type Policy struct {
	gated map[string]struct{}
	extra []*regexp.Regexp
}

// New resolves a policy. Precedence for the gated tool set: policy file,
// then the gatedTools argument, then the built-in default. path may be
// empty; a named but missing or malformed file is an error rather than a
// silent fallback to defaults.
func New(gatedTools []string, path string) (*Policy, error) {
	var file File
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	}

	tools := file.GatedTools
	if len(tools) == 0 {
		tools = gatedTools
	}
	if len(tools) == 0 {
		tools = defaultGatedTools
	}

	gated := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		gated[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}

	extra := make([]*regexp.Regexp, 0, len(file.DangerPatterns))
	for _, p := range file.DangerPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid danger pattern %q: %w", p, err)
		}
		extra = append(extra, re)
	}

	return &Policy{gated: gated, extra: extra}, nil
}

// WithGatedTools returns a copy of the policy with the gated tool set
// replaced, keeping the operator danger patterns. Used for per-run gated
// tool overrides.
func (p *Policy) WithGatedTools(tools []string) *Policy {
	if len(tools) == 0 {
		return p
	}
	gated := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		gated[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Policy{gated: gated, extra: p.extra}
}

// IsGated reports whether a tool call with this name requires approval.
// Matching is case-insensitive.
func (p *Policy) IsGated(tool string) bool {
	_, ok := p.gated[strings.ToLower(strings.TrimSpace(tool))]
	return ok
}

// IsDangerous reports whether command text matches the built-in dangerous
// command set or any operator-supplied pattern.
func (p *Policy) IsDangerous(command string) bool {
	if danger.IsDangerous(command) {
		return true
	}
	lowered := strings.ToLower(strings.TrimSpace(command))
	for _, re := range p.extra {
		if re.MatchString(lowered) {
			return true
		}
	}
	return false
}

// GatedTools returns the gated tool names, for reporting.
func (p *Policy) GatedTools() []string {
	out := make([]string, 0, len(p.gated))
	for t := range p.gated {
		out = append(out, t)
	}
	return out
}
