package agentloop

import (
	"strings"

	"github.com/martinemde/blenderagent/unifiedllm"
)

// HistoryFromMessages converts displayed messages into conversation
// history. Error messages and messages without text are skipped; only the
// role and text are carried.
func HistoryFromMessages(msgs []Message) []unifiedllm.Message {
	history := make([]unifiedllm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsError || strings.TrimSpace(m.Text) == "" {
			continue
		}
		switch m.Role {
		case RoleUser:
			history = append(history, unifiedllm.UserMessage(m.Text))
		case RoleModel:
			history = append(history, unifiedllm.AssistantMessage(m.Text))
		}
	}
	return history
}

// userInputParts builds the first turn's input: the image (if any) followed
// by the text.
func userInputParts(text string, attachment *Attachment) []unifiedllm.ContentPart {
	var parts []unifiedllm.ContentPart
	if attachment != nil && len(attachment.Data) > 0 {
		parts = append(parts, unifiedllm.ImageDataPart(attachment.Data, attachment.MIMEType))
	}
	if text != "" {
		parts = append(parts, unifiedllm.TextPart(text))
	}
	return parts
}

// modelTurn records what the model produced: its text first, then the raw
// tool calls with their signatures.
func modelTurn(text string, calls []unifiedllm.ToolCall) unifiedllm.Message {
	parts := make([]unifiedllm.ContentPart, 0, len(calls)+1)
	if text != "" {
		parts = append(parts, unifiedllm.TextPart(text))
	}
	for _, c := range calls {
		parts = append(parts, unifiedllm.ToolCallPart(c))
	}
	return unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: parts}
}

// toolResultParts returns one result part per executed call, in order.
func toolResultParts(results []ToolCallResult) []unifiedllm.ContentPart {
	parts := make([]unifiedllm.ContentPart, len(results))
	for i, r := range results {
		parts[i] = unifiedllm.ToolResultPart(r.CallID, r.Name, r.Result, !r.Success)
	}
	return parts
}
