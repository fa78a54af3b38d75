// Package toolcall detects tool invocation requests inside decoded agent
// events.
//
// The agent CLI's event schema is produced by an independently evolving
// runtime and is not contractually fixed, so detection is deliberately
// alias-tolerant: the tool name, correlation id, and arguments are each read
// from an ordered list of accepted field names. Any structured event carrying
// a tool name is treated as a tool call even without an explicit type marker;
// over-gating is the safer failure mode than under-gating.
package toolcall

import "github.com/google/uuid"

// Call is the normalized result of tool-use detection.
type Call struct {
	Name   string // tool name as reported by the agent
	CallID string // correlation id, synthesized when the event carries none
	Args   any    // raw arguments, shape left to downstream consumers
}

// Accepted field aliases, probed in priority order.
var (
	nameAliases = []string{"tool_name", "toolName", "name"}
	idAliases   = []string{"tool_use_id", "toolUseId", "tool_call_id", "toolCallId", "call_id", "callId", "id"}
	argAliases  = []string{"args", "arguments", "parameters", "params", "input"}
)

// Detect inspects a decoded event and returns the tool call it represents,
// or nil when the event is not a structured object carrying a tool name.
func Detect(event any) *Call {
	obj, ok := event.(map[string]any)
	if !ok {
		return nil
	}

	name := firstString(obj, nameAliases)
	args, argsFound := firstValue(obj, argAliases)

	// A nested tool object may carry the fields instead.
	if tool, ok := obj["tool"].(map[string]any); ok {
		if name == "" {
			name = firstString(tool, nameAliases)
		}
		if !argsFound {
			args, _ = firstValue(tool, argAliases)
		}
	}

	if name == "" {
		return nil
	}

	callID := firstString(obj, idAliases)
	if callID == "" {
		// Synthesize one so the call stays trackable through approval.
		callID = "call-" + uuid.New().String()
	}

	return &Call{Name: name, CallID: callID, Args: args}
}

func firstString(obj map[string]any, aliases []string) string {
	for _, key := range aliases {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstValue(obj map[string]any, aliases []string) (any, bool) {
	for _, key := range aliases {
		if v, ok := obj[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}
