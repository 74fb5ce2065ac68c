package agentloop

import (
	"fmt"
	"strings"
)

// Display limits for tool output echoed into the visible transcript. The
// text returned to the model is never truncated.
const (
	DisplayCharLimit = 4000
	DisplayLineLimit = 60
)

// TruncateHeadTail keeps the first and last halves of output when it
// exceeds maxChars.
func TruncateHeadTail(output string, maxChars int) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	half := maxChars / 2
	removed := len(output) - 2*half
	return output[:half] + fmt.Sprintf("\n[... %d characters omitted ...]\n", removed) + output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output when it has more
// than maxLines lines.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// TruncateForDisplay applies the character limit and then the line limit.
func TruncateForDisplay(output string) string {
	return TruncateLines(TruncateHeadTail(output, DisplayCharLimit), DisplayLineLimit)
}

// fence wraps text in a markdown code block.
func fence(text string) string {
	text = strings.TrimRight(text, "\n")
	return "\n```\n" + text + "\n```"
}
