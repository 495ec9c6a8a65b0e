package testutil

import (
	"bufio"
	"strings"
	"testing"
)

// ParseSSEFrames parses a data-only SSE stream into the raw JSON payload
// of each frame. Frames are "data: <json>" lines terminated by a blank
// line; comment lines starting with ":" are ignored.
func ParseSSEFrames(t *testing.T, body string) []string {
	t.Helper()

	var frames []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	pending := ""
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "data: "):
			if pending != "" {
				t.Fatalf("SSE parse error at line %d: frame not terminated before next data line", lineNum)
			}
			pending = strings.TrimPrefix(line, "data: ")

		case line == "":
			if pending != "" {
				frames = append(frames, pending)
				pending = ""
			}

		case strings.HasPrefix(line, ":"):
			// comment, ignore

		default:
			t.Fatalf("SSE parse error at line %d: unexpected line %q", lineNum, line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("SSE scan error: %v", err)
	}
	if pending != "" {
		t.Fatalf("SSE stream ended with unterminated frame %q", pending)
	}
	return frames
}
