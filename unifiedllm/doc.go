// Package unifiedllm provides the provider-agnostic LLM client used by the
// Blender agent.
//
// # Architecture
//
//   - Provider layer: the ProviderAdapter interface plus two backends.
//     GeminiAdapter (google.golang.org/genai) streams text, structured tool
//     calls with their continuity signatures, and grounding citations.
//     GollmAdapter (github.com/teilomillet/gollm) serves other providers
//     in text-only mode.
//   - Utilities: the error taxonomy, IsRetryable, Retry and the model
//     catalog.
//   - Client: routes requests by provider name and applies middleware.
//
// # Streaming
//
// Stream returns a channel of StreamEvent values. Adapters emit one
// StreamChunk per wire chunk so callers can publish partial output as it
// arrives. StreamAccumulator folds the events back into a Response:
//
//	adapter, _ := unifiedllm.NewGeminiAdapter(ctx, apiKey, "gemini-2.5-flash")
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("gemini", adapter))
//
//	ch, _ := client.Stream(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Add a cube")},
//	})
//	acc := unifiedllm.NewStreamAccumulator()
//	for ev := range ch {
//	    acc.Process(ev)
//	}
//	fmt.Println(acc.Response().Text())
//
// # Tool calls
//
// Tool calls are returned as ToolCall values and must be echoed back in
// the next request with ToolCallPart, which keeps the Signature intact.
// Results go back on the user role via ToolResultPart.
package unifiedllm
