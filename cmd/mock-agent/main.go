// Package main implements a mock agent binary that speaks the runforge
// stream-json protocol over stdin/stdout. It generates simulated responses
// for local development and end-to-end testing without real agent
// credentials: point agent.binary at this binary and start runs as usual.
//
// Scenarios are selected by keywords in the prompt:
//
//	"tool"    emit a gated Bash tool call and wait for the decision line
//	"danger"  emit a tool call with a destructive command
//	"error"   exit non-zero after a diagnostic line
//	"chatty"  emit a burst of text events
//
// Any other prompt produces a single text event and a clean exit.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

func main() {
	prompt := parsePromptFromArgs(os.Args)
	enc := json.NewEncoder(os.Stdout)

	emit := func(v any) { _ = enc.Encode(v) }

	emit(map[string]any{
		"type":  "system",
		"model": "mock-model",
		"text":  "mock agent session started",
	})

	switch {
	case strings.Contains(prompt, "danger"):
		runToolScenario(emit, "rm -rf /")
	case strings.Contains(prompt, "tool"):
		runToolScenario(emit, "ls -la")
	case strings.Contains(prompt, "error"):
		fmt.Fprintln(os.Stderr, "mock-agent: simulated failure")
		os.Exit(2)
	case strings.Contains(prompt, "chatty"):
		for i := 0; i < 20; i++ {
			emit(map[string]any{"type": "assistant", "text": fmt.Sprintf("progress update %d", i)})
		}
	default:
		emit(map[string]any{"type": "assistant", "text": "task understood: " + prompt})
	}

	emit(map[string]any{"type": "result", "subtype": "success"})
}

// runToolScenario emits a gated tool call and blocks on the decision line,
// mirroring how a real agent pauses on a permission prompt.
func runToolScenario(emit func(any), command string) {
	emit(map[string]any{
		"type":        "assistant",
		"tool_name":   "Bash",
		"tool_use_id": "mock-call-1",
		"input":       map[string]any{"command": command},
	})

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return
	}
	decision := strings.TrimSpace(scanner.Text())

	if decision == "yes" {
		emit(map[string]any{"type": "tool_result", "tool_use_id": "mock-call-1", "output": "total 0"})
	} else {
		emit(map[string]any{"type": "tool_result", "tool_use_id": "mock-call-1", "output": "permission denied"})
	}
}

// parsePromptFromArgs extracts the -p value from the given args slice.
func parsePromptFromArgs(args []string) string {
	for i, arg := range args[1:] {
		if arg == "-p" && i+1 < len(args)-1 {
			return args[i+2]
		}
	}
	return ""
}
