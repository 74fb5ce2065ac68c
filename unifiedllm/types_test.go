package unifiedllm

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestMessageConstructors(t *testing.T) {
	t.Run("SystemMessage", func(t *testing.T) {
		msg := SystemMessage("You are a Blender expert.")
		if msg.Role != RoleSystem {
			t.Errorf("expected role %q, got %q", RoleSystem, msg.Role)
		}
		if msg.TextContent() != "You are a Blender expert." {
			t.Errorf("unexpected text %q", msg.TextContent())
		}
	})

	t.Run("UserMessage", func(t *testing.T) {
		msg := UserMessage("Add a cube")
		if msg.Role != RoleUser {
			t.Errorf("expected role %q, got %q", RoleUser, msg.Role)
		}
		if msg.TextContent() != "Add a cube" {
			t.Errorf("unexpected text %q", msg.TextContent())
		}
	})

	t.Run("AssistantMessage", func(t *testing.T) {
		msg := AssistantMessage("Done")
		if msg.Role != RoleAssistant {
			t.Errorf("expected role %q, got %q", RoleAssistant, msg.Role)
		}
	})
}

func TestImageDataPartDefaultsMediaType(t *testing.T) {
	part := ImageDataPart([]byte{0x89, 0x50}, "")
	if part.Kind != ContentImage {
		t.Fatalf("expected kind %q, got %q", ContentImage, part.Kind)
	}
	if part.Image.MediaType != "image/png" {
		t.Errorf("expected image/png, got %q", part.Image.MediaType)
	}
}

func TestToolCallPartKeepsSignature(t *testing.T) {
	call := ToolCall{
		ID:        "call_1",
		Name:      "execute_code",
		Arguments: json.RawMessage(`{"code":"print(1)"}`),
		Signature: []byte("opaque-token"),
	}
	msg := Message{Role: RoleAssistant, Content: []ContentPart{TextPart("thinking"), ToolCallPart(call)}}

	calls := msg.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if !bytes.Equal(calls[0].Signature, []byte("opaque-token")) {
		t.Errorf("signature not preserved: %q", calls[0].Signature)
	}
	if string(calls[0].Arguments) != `{"code":"print(1)"}` {
		t.Errorf("arguments not preserved: %s", calls[0].Arguments)
	}
	if msg.TextContent() != "thinking" {
		t.Errorf("expected text %q, got %q", "thinking", msg.TextContent())
	}
}

func TestToolResultPart(t *testing.T) {
	part := ToolResultPart("call_9", "remember", "Memory saved.", false)
	if part.Kind != ContentToolResult {
		t.Fatalf("expected kind %q, got %q", ContentToolResult, part.Kind)
	}
	if part.ToolResult.Name != "remember" || part.ToolResult.Content != "Memory saved." {
		t.Errorf("unexpected tool result: %+v", part.ToolResult)
	}
}

func TestUsageAdd(t *testing.T) {
	r1 := 5
	a := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, ReasoningTokens: &r1}
	b := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}

	sum := a.Add(b)
	if sum.InputTokens != 11 || sum.OutputTokens != 22 || sum.TotalTokens != 33 {
		t.Errorf("unexpected sum: %+v", sum)
	}
	if sum.ReasoningTokens == nil || *sum.ReasoningTokens != 5 {
		t.Errorf("expected reasoning tokens 5, got %v", sum.ReasoningTokens)
	}

	empty := Usage{}.Add(Usage{})
	if empty.ReasoningTokens != nil {
		t.Errorf("expected nil reasoning tokens, got %v", *empty.ReasoningTokens)
	}
}

func TestResponseHelpers(t *testing.T) {
	resp := Response{
		Message: Message{
			Role: RoleAssistant,
			Content: []ContentPart{
				TextPart("Inspecting. "),
				ToolCallPart(ToolCall{ID: "a", Name: "inspect_graph", Arguments: json.RawMessage(`{}`)}),
			},
		},
	}
	if resp.Text() != "Inspecting. " {
		t.Errorf("unexpected text %q", resp.Text())
	}
	calls := resp.ToolCallsFromResponse()
	if len(calls) != 1 || calls[0].Name != "inspect_graph" {
		t.Errorf("unexpected calls: %+v", calls)
	}
}
