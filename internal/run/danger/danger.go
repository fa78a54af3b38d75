// Package danger classifies shell-like commands against a fixed set of
// catastrophic patterns. The check is independent of human approval: an
// approved command that matches here is still denied.
package danger

import (
	"fmt"
	"regexp"
	"strings"
)

var patterns = []*regexp.Regexp{
	// Recursive forced delete (rm -rf, rm -fr, combined flag spellings).
	regexp.MustCompile(`(^|[\s;&|])rm\s+(-[a-z-]+\s+)*-[a-z]*r[a-z]*f[a-z]*(\s|$)`),
	regexp.MustCompile(`(^|[\s;&|])rm\s+(-[a-z-]+\s+)*-[a-z]*f[a-z]*r[a-z]*(\s|$)`),
	regexp.MustCompile(`rm\s+.*--no-preserve-root`),
	// Filesystem formatting.
	regexp.MustCompile(`(^|[\s;&|])mkfs(\.[a-z0-9]+)?(\s|$)`),
	regexp.MustCompile(`(^|[\s;&|])mkswap(\s|$)`),
	// Raw device writes.
	regexp.MustCompile(`(^|[\s;&|])dd\s+[^;|&]*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|vd|xvd|nvme|mmcblk)`),
	regexp.MustCompile(`(^|[\s;&|])(wipefs|blkdiscard|shred)\s+[^;|&]*/dev/`),
	// System power state.
	regexp.MustCompile(`(^|[\s;&|])(shutdown|reboot|poweroff|halt)(\s|$)`),
	regexp.MustCompile(`(^|[\s;&|])init\s+0(\s|$)`),
}

// forkBomb matches the classic shell fork bomb with arbitrary internal
// whitespace.
var forkBomb = regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)

// IsDangerous reports whether command matches a catastrophic pattern.
// Empty input is never dangerous.
func IsDangerous(command string) bool {
	cmd := strings.ToLower(strings.TrimSpace(command))
	if cmd == "" {
		return false
	}

	if forkBomb.MatchString(cmd) {
		return true
	}
	for _, re := range patterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// commandAliases are the object field names a command string may hide behind.
var commandAliases = []string{"command", "cmd", "script", "shell", "text", "input"}

// CommandText extracts the literal command text from heterogeneous argument
// shapes: a bare string, an ordered token list, or an object exposing one of
// the accepted field names. Returns "" when no command text can be found.
func CommandText(args any) string {
	switch v := args.(type) {
	case string:
		return v
	case []any:
		tokens := make([]string, 0, len(v))
		for _, tok := range v {
			if s, ok := tok.(string); ok {
				tokens = append(tokens, s)
			} else {
				tokens = append(tokens, fmt.Sprintf("%v", tok))
			}
		}
		return strings.Join(tokens, " ")
	case map[string]any:
		for _, key := range commandAliases {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
