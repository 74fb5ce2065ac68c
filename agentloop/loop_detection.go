package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/blenderagent/unifiedllm"
)

// DefaultLoopWindow is how many recent tool calls are compared.
const DefaultLoopWindow = 6

// toolCallFingerprint identifies a call by name and a hash of its arguments.
func toolCallFingerprint(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// LoopDetector remembers the tool calls of one request and reports when
// the most recent ones repeat with a period of 1, 2 or 3.
type LoopDetector struct {
	window       int
	fingerprints []string
}

// NewLoopDetector creates a detector over the last window calls.
func NewLoopDetector(window int) *LoopDetector {
	if window <= 0 {
		window = DefaultLoopWindow
	}
	return &LoopDetector{window: window}
}

// Observe records calls in order.
func (d *LoopDetector) Observe(calls []unifiedllm.ToolCall) {
	for _, c := range calls {
		d.fingerprints = append(d.fingerprints, toolCallFingerprint(c.Name, c.Arguments))
	}
	if extra := len(d.fingerprints) - d.window; extra > 0 {
		d.fingerprints = append(d.fingerprints[:0], d.fingerprints[extra:]...)
	}
}

// Looping reports whether the window is full and made of a repeating
// pattern.
func (d *LoopDetector) Looping() bool {
	sigs := d.fingerprints
	if len(sigs) < d.window {
		return false
	}
	for period := 1; period <= 3; period++ {
		if d.window%period != 0 {
			continue
		}
		match := true
		for i := period; i < len(sigs) && match; i++ {
			match = sigs[i] == sigs[i%period]
		}
		if match {
			return true
		}
	}
	return false
}
