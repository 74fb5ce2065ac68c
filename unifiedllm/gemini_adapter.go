package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// localCallPrefix marks tool call IDs minted locally because the model did
// not supply one. They are never sent back to the API.
const localCallPrefix = "local_"

// geminiModels is the subset of genai.Models the adapter calls.
type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiAdapter talks to the Gemini API through google.golang.org/genai.
// It is the only adapter that returns structured tool calls and the
// continuity signatures that must accompany them.
type GeminiAdapter struct {
	models geminiModels
	model  string
	retry  RetryPolicy
}

// NewGeminiAdapter creates a Gemini adapter authenticated with apiKey.
func NewGeminiAdapter(ctx context.Context, apiKey, model string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "gemini api key is required"}}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiAdapter(client.Models, model), nil
}

func newGeminiAdapter(models geminiModels, model string) *GeminiAdapter {
	return &GeminiAdapter{models: models, model: ResolveModel("gemini", model), retry: DefaultRetryPolicy()}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) SupportsToolCalls() bool { return true }

func (a *GeminiAdapter) modelFor(req Request) string {
	if req.Model != "" {
		return ResolveModel("gemini", req.Model)
	}
	return a.model
}

// Complete sends a blocking request.
func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	contents, config, err := translateGeminiRequest(req)
	if err != nil {
		return nil, err
	}
	model := a.modelFor(req)

	return Retry(ctx, a.retry, func(ctx context.Context) (*Response, error) {
		raw, err := a.models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, translateGeminiError(err)
		}
		acc := NewStreamAccumulator()
		ev := geminiChunkEvent(raw)
		acc.Process(ev)
		resp := acc.Response()
		resp.ID, resp.Model, resp.Provider = raw.ResponseID, model, "gemini"
		if ev.FinishReason != nil {
			resp.FinishReason = *ev.FinishReason
		}
		if ev.Usage != nil {
			resp.Usage = *ev.Usage
		}
		return resp, nil
	})
}

// Stream emits one StreamChunk per response chunk from the model followed
// by a StreamFinish carrying the assembled Response. An error before the
// first chunk is returned instead of being sent on the channel.
func (a *GeminiAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	contents, config, err := translateGeminiRequest(req)
	if err != nil {
		return nil, err
	}
	model := a.modelFor(req)
	next, stop := iter.Pull2(a.models.GenerateContentStream(ctx, model, contents, config))

	// The request goes out on the first pull. A failure there is returned
	// directly so stream middleware can retry the open.
	first, firstErr, ok := next()
	if ok && firstErr != nil {
		stop()
		return nil, translateGeminiError(firstErr)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer stop()
		send := func(ev StreamEvent) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(StreamEvent{Type: StreamStart}) {
			return
		}

		acc := NewStreamAccumulator()
		var (
			usage  *Usage
			reason *FinishReason
			respID string
		)
		for raw, err := first, firstErr; ok; raw, err, ok = next() {
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: translateGeminiError(err)})
				return
			}
			if raw == nil {
				continue
			}
			if raw.ResponseID != "" {
				respID = raw.ResponseID
			}
			ev := geminiChunkEvent(raw)
			if ev.Usage != nil {
				usage = ev.Usage
			}
			if ev.FinishReason != nil {
				reason = ev.FinishReason
			}
			ev.Usage, ev.FinishReason = nil, nil
			acc.Process(ev)
			if !send(ev) {
				return
			}
		}

		resp := acc.Response()
		resp.ID, resp.Model, resp.Provider = respID, model, "gemini"
		if usage != nil {
			resp.Usage = *usage
		}
		if reason != nil && len(resp.ToolCallsFromResponse()) == 0 {
			resp.FinishReason = *reason
		}
		send(StreamEvent{Type: StreamFinish, FinishReason: &resp.FinishReason, Usage: &resp.Usage, Response: resp})
	}()
	return ch, nil
}

// geminiChunkEvent converts one response chunk into a StreamChunk event.
// Thought parts are not part of the visible text.
func geminiChunkEvent(raw *genai.GenerateContentResponse) StreamEvent {
	ev := StreamEvent{Type: StreamChunk}
	var text strings.Builder

	for _, cand := range raw.Candidates {
		if cand == nil {
			continue
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				if part.FunctionCall != nil {
					ev.ToolCalls = append(ev.ToolCalls, geminiToolCall(part))
					continue
				}
				if part.Text != "" && !part.Thought {
					text.WriteString(part.Text)
				}
			}
		}
		if gm := cand.GroundingMetadata; gm != nil {
			for _, chunk := range gm.GroundingChunks {
				if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
					continue
				}
				ev.Citations = append(ev.Citations, Citation{Title: chunk.Web.Title, URI: chunk.Web.URI})
			}
		}
		if cand.FinishReason != "" {
			fr := mapGeminiFinishReason(cand.FinishReason)
			ev.FinishReason = &fr
		}
	}
	ev.Delta = text.String()

	if um := raw.UsageMetadata; um != nil {
		u := Usage{
			InputTokens:  int(um.PromptTokenCount),
			OutputTokens: int(um.CandidatesTokenCount),
			TotalTokens:  int(um.TotalTokenCount),
		}
		if um.ThoughtsTokenCount > 0 {
			thoughts := int(um.ThoughtsTokenCount)
			u.ReasoningTokens = &thoughts
		}
		ev.Usage = &u
	}
	return ev
}

func geminiToolCall(part *genai.Part) ToolCall {
	fc := part.FunctionCall
	id := fc.ID
	if id == "" {
		id = localCallPrefix + uuid.NewString()
	}
	args := json.RawMessage(`{}`)
	if len(fc.Args) > 0 {
		if b, err := json.Marshal(fc.Args); err == nil {
			args = b
		}
	}
	return ToolCall{ID: id, Name: fc.Name, Arguments: args, Signature: part.ThoughtSignature}
}

func mapGeminiFinishReason(r genai.FinishReason) FinishReason {
	raw := string(r)
	switch r {
	case genai.FinishReasonStop:
		return FinishReason{Reason: "stop", Raw: raw}
	case genai.FinishReasonMaxTokens:
		return FinishReason{Reason: "length", Raw: raw}
	case genai.FinishReasonSafety:
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

// translateGeminiRequest builds the contents and config for a request.
// System messages become the system instruction; assistant turns use the
// model role and tool results travel on the user role.
func translateGeminiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}
	var system []string
	var contents []*genai.Content

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			if text := msg.TextContent(); text != "" {
				system = append(system, text)
			}
			continue
		}

		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}

		parts := make([]*genai.Part, 0, len(msg.Content))
		for _, cp := range msg.Content {
			part, err := geminiPart(cp)
			if err != nil {
				return nil, nil, err
			}
			if part != nil {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	if len(req.ToolDefs) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.ToolDefs))
		for _, def := range req.ToolDefs {
			decl := &genai.FunctionDeclaration{Name: def.Name, Description: def.Description}
			if props, ok := def.Parameters["properties"].(map[string]any); ok && len(props) > 0 {
				decl.ParametersJsonSchema = def.Parameters
			}
			decls = append(decls, decl)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	if req.ThinkingBudget != nil && *req.ThinkingBudget > 0 {
		budget := int32(*req.ThinkingBudget)
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	return contents, config, nil
}

func geminiPart(cp ContentPart) (*genai.Part, error) {
	switch cp.Kind {
	case ContentText:
		if cp.Text == "" {
			return nil, nil
		}
		return genai.NewPartFromText(cp.Text), nil
	case ContentImage:
		if cp.Image == nil || len(cp.Image.Data) == 0 {
			return nil, nil
		}
		return genai.NewPartFromBytes(cp.Image.Data, cp.Image.MediaType), nil
	case ContentToolCall:
		tc := cp.ToolCall
		if tc == nil {
			return nil, nil
		}
		args := map[string]any{}
		if len(tc.Arguments) > 0 {
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				return nil, &InvalidRequestError{ProviderError: ProviderError{
					SDKError: SDKError{Message: fmt.Sprintf("tool call %s has invalid arguments", tc.Name), Cause: err},
					Provider: "gemini",
				}}
			}
		}
		fc := &genai.FunctionCall{Name: tc.Name, Args: args}
		if !strings.HasPrefix(tc.ID, localCallPrefix) {
			fc.ID = tc.ID
		}
		return &genai.Part{FunctionCall: fc, ThoughtSignature: tc.Signature}, nil
	case ContentToolResult:
		tr := cp.ToolResult
		if tr == nil {
			return nil, nil
		}
		fr := &genai.FunctionResponse{Name: tr.Name, Response: map[string]any{"result": tr.Content}}
		if !strings.HasPrefix(tr.ToolCallID, localCallPrefix) {
			fr.ID = tr.ToolCallID
		}
		return &genai.Part{FunctionResponse: fr}, nil
	default:
		return nil, nil
	}
}

// translateGeminiError maps genai API errors onto the error taxonomy.
func translateGeminiError(err error) error {
	if err == nil {
		return nil
	}
	if classified := classifyTransportError(err); classified != nil {
		return classified
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.Code, apiErr.Message, "gemini", apiErr.Status, nil)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return ErrorFromStatusCode(apiErrPtr.Code, apiErrPtr.Message, "gemini", apiErrPtr.Status, nil)
	}
	return &ProviderError{SDKError: SDKError{Message: err.Error(), Cause: err}, Provider: "gemini", Retryable: true}
}

// GeminiEmbedder produces document embeddings with the Gemini embedding API.
type GeminiEmbedder struct {
	models   geminiEmbedModels
	model    string
	taskType string
	retry    RetryPolicy
}

type geminiEmbedModels interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// NewGeminiEmbedder creates an embedder for model (DefaultEmbeddingModel if
// empty).
func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "gemini api key is required"}}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiEmbedder(client.Models, model), nil
}

func newGeminiEmbedder(models geminiEmbedModels, model string) *GeminiEmbedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &GeminiEmbedder{models: models, model: model, taskType: "RETRIEVAL_DOCUMENT", retry: DefaultRetryPolicy()}
}

// Embed returns the embedding vector for text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	return Retry(ctx, e.retry, func(ctx context.Context) ([]float32, error) {
		resp, err := e.models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{TaskType: e.taskType})
		if err != nil {
			return nil, translateGeminiError(err)
		}
		if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
			return nil, nil
		}
		return resp.Embeddings[0].Values, nil
	})
}
