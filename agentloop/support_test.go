package agentloop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/blenderagent/unifiedllm"
)

func TestLoopDetector(t *testing.T) {
	a := call("1", ToolInspectGraph, nil)
	b := call("2", ToolExecuteCode, map[string]any{"code": "x"})
	c := call("3", ToolExecuteCode, map[string]any{"code": "y"})

	tests := []struct {
		name    string
		batches [][]unifiedllm.ToolCall
		want    bool
	}{
		{"window not full", [][]unifiedllm.ToolCall{{a, a, a}}, false},
		{"same call", [][]unifiedllm.ToolCall{{a}, {a}, {a}, {a}, {a}, {a}}, true},
		{"alternating", [][]unifiedllm.ToolCall{{a, b}, {a, b}, {a, b}}, true},
		{"period three", [][]unifiedllm.ToolCall{{a, b, c}, {a, b, c}}, true},
		{"varied", [][]unifiedllm.ToolCall{{a, b, c}, {c, b, a}}, false},
		{"different args are different calls", [][]unifiedllm.ToolCall{{b, c, b, c, b}, {a}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewLoopDetector(0)
			for _, batch := range tt.batches {
				d.Observe(batch)
			}
			assert.Equal(t, tt.want, d.Looping())
		})
	}
}

func TestTruncateForDisplay(t *testing.T) {
	assert.Equal(t, "short", TruncateForDisplay("short"))

	long := strings.Repeat("x", DisplayCharLimit+100)
	got := TruncateHeadTail(long, DisplayCharLimit)
	assert.Contains(t, got, "[... 100 characters omitted ...]")
	assert.True(t, strings.HasPrefix(got, strings.Repeat("x", DisplayCharLimit/2)))

	lines := strings.TrimSuffix(strings.Repeat("l\n", 100), "\n")
	got = TruncateLines(lines, 10)
	assert.Contains(t, got, "[... 90 lines omitted ...]")
	assert.Equal(t, 11, len(strings.Split(strings.TrimSpace(strings.ReplaceAll(got, "\n[... 90 lines omitted ...]\n", "\nM\n")), "\n")))
}

func TestBuildSystemPrompt(t *testing.T) {
	settings := testSettings()
	settings.Verbosity = VerbosityConcise

	prompt := BuildSystemPrompt(settings, "", nil)
	assert.Contains(t, prompt, "## Working protocol")
	assert.Contains(t, prompt, verbosityPrompts[VerbosityConcise])
	assert.Contains(t, prompt, "(Memory is empty)")
	assert.Contains(t, prompt, "(No custom tools created yet)")
	assert.Contains(t, prompt, "Model: "+settings.Model)

	settings.ToolsEnabled = false
	prompt = BuildSystemPrompt(settings, "- likes metric\n", []CustomTool{{Trigger: "clear", Description: "Clear scene"}})
	assert.NotContains(t, prompt, "## Working protocol")
	assert.Contains(t, prompt, "Tools are disabled")
	assert.Contains(t, prompt, "<memory>\n- likes metric\n</memory>")
	assert.Contains(t, prompt, "- clear: Clear scene")
}

func TestLinkSet(t *testing.T) {
	var s LinkSet
	assert.Nil(t, s.Links())
	assert.True(t, s.Add(GroundingLink{Title: "A", URI: "https://a"}))
	assert.False(t, s.Add(GroundingLink{Title: "A again", URI: "https://a"}))
	assert.False(t, s.Add(GroundingLink{Title: "empty"}))
	assert.True(t, s.Add(GroundingLink{Title: "B", URI: "https://b"}))
	assert.Equal(t, 2, s.Len())

	links := s.Links()
	links[0].Title = "mutated"
	assert.Equal(t, "A", s.Links()[0].Title)
}

func TestMessageConstructors(t *testing.T) {
	u := NewUserMessage("hi", &Attachment{MIMEType: "image/png", Data: []byte{1}})
	assert.Equal(t, RoleUser, u.Role)
	assert.NotEmpty(t, u.ID)
	assert.False(t, u.IsStreaming)

	s := NewStreamingMessage()
	assert.Equal(t, RoleModel, s.Role)
	assert.True(t, s.IsStreaming)
	assert.NotEqual(t, u.ID, s.ID)

	e := NewErrorMessage("bad")
	assert.True(t, e.IsError)
	assert.False(t, e.IsStreaming)

	c := u.Clone()
	c.Attachment.Data[0] = 9
	assert.Equal(t, byte(1), u.Attachment.Data[0])
}

func TestSettingsNormalize(t *testing.T) {
	s := Settings{Model: "gemini-99-ultra", Verbosity: "loud", ThinkingBudget: -5}.Normalize()
	assert.Equal(t, "gemini", s.Provider)
	assert.Equal(t, unifiedllm.DefaultModel, s.Model)
	assert.Equal(t, VerbosityNormal, s.Verbosity)
	assert.Equal(t, 0, s.ThinkingBudget)
	assert.Equal(t, "blender_api", s.KnowledgeBase.Collection)
}

func TestHistoryFromMessages(t *testing.T) {
	history := HistoryFromMessages([]Message{
		NewUserMessage("a", nil),
		{Role: RoleModel, Text: "b"},
		NewErrorMessage("c"),
		{Role: RoleModel, Text: "   "},
	})
	require.Len(t, history, 2)
	assert.Equal(t, unifiedllm.RoleUser, history[0].Role)
	assert.Equal(t, unifiedllm.RoleAssistant, history[1].Role)
	assert.Equal(t, "b", history[1].TextContent())

	m := modelTurn("", []unifiedllm.ToolCall{call("1", ToolInspectGraph, nil)})
	require.Len(t, m.Content, 1)
	assert.Equal(t, unifiedllm.ContentToolCall, m.Content[0].Kind)
}
