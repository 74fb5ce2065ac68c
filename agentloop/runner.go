package agentloop

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/metrics"
	"github.com/martinemde/blenderagent/unifiedllm"
)

// TurnRequest is the input to one model turn.
type TurnRequest struct {
	Provider       string
	Model          string
	System         string
	Messages       []unifiedllm.Message
	Tools          []unifiedllm.ToolDefinition
	ThinkingBudget int
	// Prefix is the visible text produced by earlier turns of the request.
	Prefix string
	// Links is shared across the turns of a request. Nil starts a fresh set.
	Links *LinkSet
}

// TurnSnapshot is the visible state published after each chunk.
type TurnSnapshot struct {
	Text      string
	Links     []GroundingLink
	Streaming bool
}

// TurnOutcome is what a completed turn produced.
type TurnOutcome struct {
	// Text is the visible text of this turn only.
	Text      string
	ToolCalls []unifiedllm.ToolCall
	Links     []GroundingLink
}

// Runner executes a single streaming model turn.
type Runner struct {
	llm     LLM
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRunner creates a Runner.
func NewRunner(llm LLM, logger *zap.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{llm: llm, logger: logger.Named("runner"), metrics: m}
}

// Run streams one turn, calling publish after every chunk. It returns
// ctx.Err() as soon as cancellation is observed and publishes nothing
// after that.
func (r *Runner) Run(ctx context.Context, req TurnRequest, publish func(TurnSnapshot)) (*TurnOutcome, error) {
	links := req.Links
	if links == nil {
		links = &LinkSet{}
	}

	llmReq := unifiedllm.Request{
		Provider: req.Provider,
		Model:    req.Model,
		ToolDefs: req.Tools,
	}
	if req.System != "" {
		llmReq.Messages = append(llmReq.Messages, unifiedllm.SystemMessage(req.System))
	}
	llmReq.Messages = append(llmReq.Messages, req.Messages...)
	if req.ThinkingBudget > 0 {
		budget := req.ThinkingBudget
		llmReq.ThinkingBudget = &budget
	}

	events, err := r.llm.Stream(ctx, llmReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var text strings.Builder
	var calls []unifiedllm.ToolCall
	chunks := 0

	for {
		var (
			ev unifiedllm.StreamEvent
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok = <-events:
		}
		if !ok {
			break
		}

		switch ev.Type {
		case unifiedllm.StreamChunk:
			chunks++
			r.metrics.RecordChunk()
			text.WriteString(ev.Delta)
			calls = append(calls, ev.ToolCalls...)
			for _, c := range ev.Citations {
				links.Add(GroundingLink{Title: c.Title, URI: c.URI})
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if publish != nil {
				publish(TurnSnapshot{Text: appendVisible(req.Prefix, text.String()), Links: links.Links(), Streaming: true})
			}
		case unifiedllm.StreamError:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ev.Error
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	r.logger.Debug("turn finished",
		zap.Int("chunks", chunks),
		zap.Int("tool_calls", len(calls)),
		zap.Int("text_len", text.Len()))

	return &TurnOutcome{Text: text.String(), ToolCalls: calls, Links: links.Links()}, nil
}

// appendVisible adds a turn's text to the visible transcript, starting a
// new paragraph after earlier output.
func appendVisible(prefix, text string) string {
	if prefix == "" || text == "" || strings.HasSuffix(prefix, "\n\n") {
		return prefix + text
	}
	return prefix + "\n\n" + text
}
