package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"testing"

	"google.golang.org/genai"
)

type fakeGeminiModels struct {
	chunks    []*genai.GenerateContentResponse
	streamErr error
	// openErr fails the first openFailures streams before any chunk.
	openErr      error
	openFailures int
	streamOpens  int
	complete  *genai.GenerateContentResponse
	err       error
	calls     int

	gotModel    string
	gotContents []*genai.Content
	gotConfig   *genai.GenerateContentConfig
}

func (f *fakeGeminiModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.gotModel, f.gotContents, f.gotConfig = model, contents, config
	if f.err != nil {
		return nil, f.err
	}
	return f.complete, nil
}

func (f *fakeGeminiModels) GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.gotModel, f.gotContents, f.gotConfig = model, contents, config
	f.streamOpens++
	failOpen := f.streamOpens <= f.openFailures
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		if failOpen {
			yield(nil, f.openErr)
			return
		}
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield(nil, f.streamErr)
		}
	}
}

func textChunk(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
	}}}
}

func drain(ch <-chan StreamEvent) []StreamEvent {
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestGeminiAdapterStreamChunks(t *testing.T) {
	thought := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{{Text: "planning...", Thought: true}, {Text: "Adding "}}},
		GroundingMetadata: &genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{
			{Web: &genai.GroundingChunkWeb{Title: "Manual", URI: "https://docs.blender.org/manual"}},
			{Web: &genai.GroundingChunkWeb{Title: "Empty"}},
		}},
	}}}
	call := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{
				FunctionCall:     &genai.FunctionCall{Name: "execute_code", Args: map[string]any{"code": "bpy.ops.mesh.primitive_cube_add()"}},
				ThoughtSignature: []byte("sig-1"),
			}}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 12, CandidatesTokenCount: 8, TotalTokenCount: 30, ThoughtsTokenCount: 10},
	}
	fake := &fakeGeminiModels{chunks: []*genai.GenerateContentResponse{thought, textChunk("a cube."), call}}
	adapter := newGeminiAdapter(fake, "")

	ch, err := adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("add a cube")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := drain(ch)
	if len(events) != 5 {
		t.Fatalf("expected start, 3 chunks and finish, got %d events", len(events))
	}
	if events[0].Type != StreamStart || events[4].Type != StreamFinish {
		t.Errorf("unexpected framing %s ... %s", events[0].Type, events[4].Type)
	}
	if events[1].Delta != "Adding " {
		t.Errorf("thought text leaked into delta: %q", events[1].Delta)
	}
	if len(events[1].Citations) != 1 {
		t.Errorf("expected one citation with a URI, got %v", events[1].Citations)
	}
	if fake.gotModel != DefaultModel {
		t.Errorf("expected default model, got %q", fake.gotModel)
	}

	calls := events[3].ToolCalls
	if len(calls) != 1 {
		t.Fatalf("expected a tool call on the last chunk, got %v", calls)
	}
	if !strings.HasPrefix(calls[0].ID, localCallPrefix) {
		t.Errorf("expected a locally minted id, got %q", calls[0].ID)
	}
	if string(calls[0].Signature) != "sig-1" {
		t.Errorf("signature not preserved: %q", calls[0].Signature)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["code"] == "" {
		t.Errorf("unexpected arguments %s (%v)", calls[0].Arguments, err)
	}

	resp := events[4].Response
	if resp.Text() != "Adding a cube." {
		t.Errorf("unexpected final text %q", resp.Text())
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish, got %q", resp.FinishReason.Reason)
	}
	if resp.Usage.TotalTokens != 30 || resp.Usage.ReasoningTokens == nil || *resp.Usage.ReasoningTokens != 10 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestGeminiAdapterStreamError(t *testing.T) {
	fake := &fakeGeminiModels{
		chunks:    []*genai.GenerateContentResponse{textChunk("partial")},
		streamErr: genai.APIError{Code: 429, Message: "quota", Status: "RESOURCE_EXHAUSTED"},
	}
	ch, err := newGeminiAdapter(fake, "gemini-2.5-pro").Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := drain(ch)
	last := events[len(events)-1]
	if last.Type != StreamError {
		t.Fatalf("expected a terminal error event, got %s", last.Type)
	}
	var rl *RateLimitError
	if !errors.As(last.Error, &rl) {
		t.Errorf("expected RateLimitError, got %T", last.Error)
	}
	if fake.gotModel != "gemini-2.5-pro" {
		t.Errorf("expected configured model, got %q", fake.gotModel)
	}
}

func TestGeminiAdapterStreamOpenErrorIsRetried(t *testing.T) {
	fake := &fakeGeminiModels{
		chunks:       []*genai.GenerateContentResponse{textChunk("ok")},
		openErr:      genai.APIError{Code: 503, Message: "overloaded", Status: "UNAVAILABLE"},
		openFailures: 2,
	}
	client := NewClient(
		WithProvider("gemini", newGeminiAdapter(fake, "")),
		WithStreamMiddleware(RetryStreamOpen(fastPolicy(2))),
	)

	ch, err := client.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text string
	for ev := range ch {
		if ev.Type == StreamError {
			t.Fatalf("unexpected stream error: %v", ev.Error)
		}
		text += ev.Delta
	}
	if text != "ok" {
		t.Errorf("expected %q, got %q", "ok", text)
	}
	if fake.streamOpens != 3 {
		t.Errorf("expected 3 opens, got %d", fake.streamOpens)
	}

	fake.streamOpens, fake.openFailures = 0, 5
	_, err = client.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError after retries are exhausted, got %v", err)
	}
	if fake.streamOpens != 3 {
		t.Errorf("expected 3 opens, got %d", fake.streamOpens)
	}
}

func TestGeminiAdapterStreamCancelled(t *testing.T) {
	fake := &fakeGeminiModels{chunks: []*genai.GenerateContentResponse{textChunk("a"), textChunk("b"), textChunk("c")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch, err := newGeminiAdapter(fake, "").Stream(ctx, Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for ev := range ch {
		if ev.Type == StreamFinish {
			t.Error("cancelled stream should not finish normally")
		}
	}
}

func TestTranslateGeminiRequest(t *testing.T) {
	budget := 1024
	maxTokens := 2048
	call := ToolCall{ID: "local_abc", Name: "inspect_graph", Arguments: json.RawMessage(`{}`), Signature: []byte("s")}
	remote := ToolCall{ID: "fc-7", Name: "get_screenshot", Arguments: json.RawMessage(`{}`)}
	req := Request{
		Messages: []Message{
			SystemMessage("You are a Blender expert."),
			{Role: RoleUser, Content: []ContentPart{ImageDataPart([]byte{0x89}, ""), TextPart("what is this?")}},
			{Role: RoleAssistant, Content: []ContentPart{TextPart("Let me look."), ToolCallPart(call), ToolCallPart(remote)}},
			{Role: RoleUser, Content: []ContentPart{
				ToolResultPart("local_abc", "inspect_graph", `{"nodes":[]}`, false),
				ToolResultPart("fc-7", "get_screenshot", "Screenshot captured.", false),
			}},
		},
		ToolDefs: []ToolDefinition{
			{Name: "inspect_graph", Description: "Inspect", Parameters: map[string]any{"type": "object", "properties": map[string]any{}}},
			{Name: "execute_code", Description: "Run", Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"code": map[string]any{"type": "string"}},
				"required":   []string{"code"},
			}},
		},
		ThinkingBudget: &budget,
		MaxTokens:      &maxTokens,
	}

	contents, config, err := translateGeminiRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents (system moved out), got %d", len(contents))
	}
	if config.SystemInstruction == nil || config.SystemInstruction.Parts[0].Text != "You are a Blender expert." {
		t.Errorf("unexpected system instruction %+v", config.SystemInstruction)
	}
	if contents[0].Parts[0].InlineData == nil || contents[0].Parts[0].InlineData.MIMEType != "image/png" {
		t.Error("expected inline image first in user content")
	}

	model := contents[1]
	if model.Role != genai.RoleModel || len(model.Parts) != 3 || model.Parts[0].Text != "Let me look." {
		t.Fatalf("unexpected model content %+v", model)
	}
	if model.Parts[1].FunctionCall.ID != "" || string(model.Parts[1].ThoughtSignature) != "s" {
		t.Errorf("local id must be dropped and signature kept: %+v", model.Parts[1])
	}
	if model.Parts[2].FunctionCall.ID != "fc-7" {
		t.Errorf("provider id must round-trip, got %q", model.Parts[2].FunctionCall.ID)
	}

	results := contents[2]
	if results.Role != genai.RoleUser || results.Parts[0].FunctionResponse.Response["result"] != `{"nodes":[]}` {
		t.Errorf("unexpected tool results %+v", results.Parts[0].FunctionResponse)
	}

	decls := config.Tools[0].FunctionDeclarations
	if decls[0].ParametersJsonSchema != nil {
		t.Error("parameterless tools should omit the schema")
	}
	if decls[1].ParametersJsonSchema == nil {
		t.Error("expected schema for execute_code")
	}
	if config.ThinkingConfig == nil || *config.ThinkingConfig.ThinkingBudget != 1024 {
		t.Error("expected thinking budget to be set")
	}
	if config.MaxOutputTokens != 2048 {
		t.Errorf("expected max output tokens 2048, got %d", config.MaxOutputTokens)
	}

	zero := 0
	_, config, _ = translateGeminiRequest(Request{Messages: []Message{UserMessage("hi")}, ThinkingBudget: &zero})
	if config.ThinkingConfig != nil || config.Tools != nil {
		t.Error("zero budget and no tools should leave the config empty")
	}
}

func TestGeminiAdapterCompleteRetries(t *testing.T) {
	fake := &fakeGeminiModels{err: genai.APIError{Code: 401, Message: "bad key", Status: "UNAUTHENTICATED"}}
	_, err := newGeminiAdapter(fake, "").Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	var auth *AuthenticationError
	if !errors.As(err, &auth) {
		t.Fatalf("expected AuthenticationError, got %T", err)
	}
	if fake.calls != 1 {
		t.Errorf("auth failures must not be retried, got %d calls", fake.calls)
	}

	fake = &fakeGeminiModels{complete: textChunk("hello")}
	resp, err := newGeminiAdapter(fake, "").Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "hello" || resp.Provider != "gemini" {
		t.Errorf("unexpected response %+v", resp)
	}
}

type fakeEmbedModels struct {
	values []float32
	task   string
}

func (f *fakeEmbedModels) EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.task = config.TaskType
	return &genai.EmbedContentResponse{Embeddings: []*genai.ContentEmbedding{{Values: f.values}}}, nil
}

func TestGeminiEmbedder(t *testing.T) {
	fake := &fakeEmbedModels{values: []float32{0.1, 0.2, 0.3}}
	emb := newGeminiEmbedder(fake, "")
	if emb.model != DefaultEmbeddingModel {
		t.Errorf("expected default embedding model, got %q", emb.model)
	}
	vec, err := emb.Embed(context.Background(), "cube")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || fake.task != "RETRIEVAL_DOCUMENT" {
		t.Errorf("unexpected embedding %v (task %q)", vec, fake.task)
	}
}
