package dictation

import (
	"regexp"
	"strings"
)

var spokenCommands = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)\s*\bnew paragraph\b[,.]?\s*`), "\n\n"},
	{regexp.MustCompile(`(?i)\s*\bnew line\b[,.]?\s*`), "\n"},
}

// ApplyCommands replaces spoken formatting commands in a final segment with
// the line breaks they stand for. "new paragraph" becomes a blank line and
// "new line" a line break.
func ApplyCommands(segment string) string {
	for _, c := range spokenCommands {
		segment = c.pattern.ReplaceAllString(segment, c.replacement)
	}
	// A segment that was only commands keeps its breaks; otherwise drop
	// stray spaces around them.
	if strings.TrimSpace(segment) == "" {
		return segment
	}
	return strings.TrimRight(segment, " ")
}
