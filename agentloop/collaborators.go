package agentloop

import (
	"context"

	"github.com/martinemde/blenderagent/unifiedllm"
)

// LLM is the streaming model endpoint. *unifiedllm.Client satisfies it.
type LLM interface {
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
	SupportsToolCalls(req unifiedllm.Request) bool
}

// ExecResult is the outcome of running Python inside Blender.
type ExecResult struct {
	Success bool
	Stdout  string
	Stderr  string
}

// CustomTool is a user-defined snippet saved in Blender and invoked by
// trigger.
type CustomTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Trigger     string `json:"trigger"`
	Code        string `json:"code"`
}

// Bridge is the Blender add-on endpoint.
type Bridge interface {
	ExecuteCode(ctx context.Context, code string) (ExecResult, error)
	// InspectGraph returns the node graph as JSON text. Error markers from
	// the add-on are returned as text, not as an error.
	InspectGraph(ctx context.Context) (string, error)
	// Screenshot returns PNG bytes of the active viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	AppendMemory(ctx context.Context, fact string) error
	FetchMemory(ctx context.Context) (string, error)
	SaveTool(ctx context.Context, tool CustomTool) error
	FetchTools(ctx context.Context) ([]CustomTool, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ScoredPoint is a knowledge base search hit.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Point is a vector to insert into the knowledge base.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// KnowledgeBase is the vector store.
type KnowledgeBase interface {
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error)
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, name string, size uint64) error
	DeleteCollection(ctx context.Context, name string) error
	UpsertPoints(ctx context.Context, collection string, points []Point) error
}

// MessageStore receives the displayed conversation as it changes.
type MessageStore interface {
	AddMessage(msg Message)
	// UpdateLastMessage replaces the most recent message if it is still
	// streaming and has the same ID.
	UpdateLastMessage(msg Message)
}
