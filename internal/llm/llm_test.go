package llm

import "testing"

func TestStopPredicates(t *testing.T) {
	tests := []struct {
		name     string
		stop     StopFunc
		response string
		want     bool
	}{
		{"fence open", FenceClosed(), "text\n```\n 3 a\n", false},
		{"fence closed", FenceClosed(), "text\n```\n 3 a\n```", true},
		{"fence with language", FenceClosed(), "```c\n 3 a\n```\n", true},
		{"ask partial", AskLine(), "ASK: cat-context 3 a.c", false},
		{"ask complete", AskLine(), "thinking\nASK: cat-context 3 a.c\n", true},
		{"ask indented", AskLine(), "  ASK: close\n", true},
		{"marker absent", Marker("END_EDITS"), "EDIT: a.c:3 # x\n", false},
		{"marker present", Marker("END_EDITS"), "EDIT: a.c:3 # x\nEND_EDITS", true},
		{"marker inside line", Marker("END_EDITS"), "not END_EDITS here\n", false},
		{"any", Any(nil, Marker("X"), AskLine()), "ASK: close\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stop(tt.response); got != tt.want {
				t.Errorf("stop(%q) = %v, want %v", tt.response, got, tt.want)
			}
		})
	}
}
