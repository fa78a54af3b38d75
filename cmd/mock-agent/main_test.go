package main

import "testing"

func TestParsePromptFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"standard template", []string{"mock-agent", "-p", "list files", "--output-format", "stream-json"}, "list files"},
		{"no prompt flag", []string{"mock-agent", "--verbose"}, ""},
		{"flag at end without value", []string{"mock-agent", "-p"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parsePromptFromArgs(tt.args); got != tt.want {
				t.Errorf("parsePromptFromArgs(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}
