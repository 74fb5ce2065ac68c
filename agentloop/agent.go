package agentloop

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/metrics"
	"github.com/martinemde/blenderagent/unifiedllm"
)

// MaxTurns is the number of model turns a single request may complete.
const MaxTurns = 20

var (
	// ErrLoopLimit is returned when a request would need more than MaxTurns
	// model turns.
	ErrLoopLimit = fmt.Errorf("Loop limit reached (%d turns).", MaxTurns)

	// ErrMissingCredential is returned when no API key is configured.
	ErrMissingCredential = errors.New("Error: No Gemini API key provided. Please set GEMINI_API_KEY in your environment.")
)

// SendRequest is one user input together with the conversation state it
// runs against.
type SendRequest struct {
	SessionID  string
	Text       string
	Attachment *Attachment
	// History holds the displayed messages before this input.
	History     []Message
	Settings    Settings
	Memory      string
	CustomTools []CustomTool
	Store       MessageStore

	OnMemoryUpdate func(memory string)
	OnToolsUpdate  func(tools []CustomTool)
}

// Agent drives the model/tool loop for one request at a time per caller.
// It holds no per-conversation state.
type Agent struct {
	llm       LLM
	runner    *Runner
	executor  *Executor
	augmenter *Augmenter
	events    *EventEmitter
	logger    *zap.Logger
	metrics   *metrics.Metrics
	maxTurns  int
	loopWin   int
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAugmenter enables knowledge base augmentation of user input.
func WithAugmenter(a *Augmenter) AgentOption {
	return func(ag *Agent) { ag.augmenter = a }
}

// WithEvents routes agent events to e.
func WithEvents(e *EventEmitter) AgentOption {
	return func(ag *Agent) { ag.events = e }
}

// WithLogger sets the agent logger.
func WithLogger(logger *zap.Logger) AgentOption {
	return func(ag *Agent) {
		if logger != nil {
			ag.logger = logger
		}
	}
}

// WithMetrics records agent activity in m.
func WithMetrics(m *metrics.Metrics) AgentOption {
	return func(ag *Agent) { ag.metrics = m }
}

// NewAgent creates an Agent that streams from llm and dispatches tool calls
// through executor.
func NewAgent(llm LLM, executor *Executor, opts ...AgentOption) *Agent {
	a := &Agent{
		llm:      llm,
		executor: executor,
		logger:   zap.NewNop(),
		maxTurns: MaxTurns,
		loopWin:  DefaultLoopWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("agent")
	a.runner = NewRunner(llm, a.logger, a.metrics)
	return a
}

// Events returns the agent's event channel, or nil when none is set.
func (a *Agent) Events() <-chan Event {
	if a.events == nil {
		return nil
	}
	return a.events.Events()
}

// Send runs one request to completion. Visible progress is written to
// req.Store as a single streaming model message.
//
// Cancellation of ctx ends the request silently: ctx.Err() is returned and
// the store is not touched again. Any other failure freezes the streaming
// message, appends an error message and returns the error.
func (a *Agent) Send(ctx context.Context, req SendRequest) error {
	settings := req.Settings.Normalize()
	log := a.logger.With(zap.String("session_id", req.SessionID))

	if settings.APIKey == "" {
		req.Store.AddMessage(NewErrorMessage(ErrMissingCredential.Error()))
		a.metrics.RecordRequest(metrics.OutcomeError)
		a.events.Emit(req.SessionID, EventError, map[string]any{"error": ErrMissingCredential.Error()})
		return ErrMissingCredential
	}

	a.events.Emit(req.SessionID, EventRequestStart, map[string]any{"model": settings.Model})

	run := &requestRun{
		agent:       a,
		req:         req,
		settings:    settings,
		log:         log,
		memory:      req.Memory,
		customTools: append([]CustomTool(nil), req.CustomTools...),
		streaming:   NewStreamingMessage(),
		links:       &LinkSet{},
		loops:       NewLoopDetector(a.loopWin),
	}
	req.Store.AddMessage(run.streaming.Clone())

	err := run.loop(ctx)
	switch {
	case err == nil:
		a.metrics.RecordRequest(metrics.OutcomeDone)
		a.events.Emit(req.SessionID, EventRequestEnd, map[string]any{"outcome": metrics.OutcomeDone})
		return nil
	case ctx.Err() != nil:
		log.Debug("request cancelled")
		a.metrics.RecordRequest(metrics.OutcomeCancelled)
		a.events.Emit(req.SessionID, EventRequestEnd, map[string]any{"outcome": metrics.OutcomeCancelled})
		return ctx.Err()
	default:
		outcome := metrics.OutcomeError
		if errors.Is(err, ErrLoopLimit) {
			outcome = metrics.OutcomeLoopLimit
		}
		log.Warn("request failed", zap.Error(err))
		run.fail(err)
		a.metrics.RecordRequest(outcome)
		a.events.Emit(req.SessionID, EventError, map[string]any{"error": err.Error()})
		a.events.Emit(req.SessionID, EventRequestEnd, map[string]any{"outcome": outcome})
		return err
	}
}

// requestRun is the mutable state of one Send call.
type requestRun struct {
	agent       *Agent
	req         SendRequest
	settings    Settings
	log         *zap.Logger
	memory      string
	customTools []CustomTool
	streaming   Message
	visible     string
	links       *LinkSet
	loops       *LoopDetector
}

func (r *requestRun) loop(ctx context.Context) error {
	a := r.agent

	text := r.req.Text
	if a.augmenter != nil {
		text = a.augmenter.Augment(ctx, text, r.settings)
	}

	history := HistoryFromMessages(r.req.History)
	input := userInputParts(text, r.req.Attachment)

	var tools []unifiedllm.ToolDefinition
	if r.settings.ToolsEnabled && a.executor != nil {
		probe := unifiedllm.Request{Provider: r.settings.Provider, Model: r.settings.Model}
		if a.llm.SupportsToolCalls(probe) {
			tools = a.executor.Registry().Definitions()
		} else {
			r.log.Debug("provider returns no structured tool calls; sending without tools")
		}
	}

	for turn := 1; ; turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if turn > a.maxTurns {
			a.events.Emit(r.req.SessionID, EventTurnLimit, map[string]any{"turns": a.maxTurns})
			return ErrLoopLimit
		}

		a.metrics.RecordTurn()
		a.events.Emit(r.req.SessionID, EventTurnStart, map[string]any{"turn": turn})

		messages := append(append([]unifiedllm.Message(nil), history...),
			unifiedllm.Message{Role: unifiedllm.RoleUser, Content: input})

		outcome, err := a.runner.Run(ctx, TurnRequest{
			Provider:       r.settings.Provider,
			Model:          r.settings.Model,
			System:         BuildSystemPrompt(r.settings, r.memory, r.customTools),
			Messages:       messages,
			Tools:          tools,
			ThinkingBudget: r.settings.ThinkingBudget,
			Prefix:         r.visible,
			Links:          r.links,
		}, func(s TurnSnapshot) {
			if ctx.Err() != nil {
				return
			}
			r.streaming.Text = s.Text
			r.streaming.Links = s.Links
			r.publish()
		})
		if err != nil {
			return err
		}

		r.visible = appendVisible(r.visible, outcome.Text)
		history = messages
		history = append(history, modelTurn(outcome.Text, outcome.ToolCalls))

		if len(outcome.ToolCalls) == 0 {
			r.streaming.Text = r.visible
			r.streaming.Links = r.links.Links()
			r.streaming.IsStreaming = false
			r.publish()
			return nil
		}

		r.loops.Observe(outcome.ToolCalls)
		if r.loops.Looping() {
			r.log.Warn("repeating tool call pattern", zap.Int("turn", turn))
			a.events.Emit(r.req.SessionID, EventLoopDetection, map[string]any{"turn": turn})
		}

		results, err := r.executeCalls(ctx, outcome.ToolCalls)
		if err != nil {
			return err
		}
		input = toolResultParts(results)
	}
}

// executeCalls runs the turn's tool calls one at a time, folding their
// logs, attachments and state updates into the request.
func (r *requestRun) executeCalls(ctx context.Context, calls []unifiedllm.ToolCall) ([]ToolCallResult, error) {
	a := r.agent
	results := make([]ToolCallResult, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a.events.Emit(r.req.SessionID, EventToolCallStart, map[string]any{"tool": call.Name, "call_id": call.ID})

		res := a.executor.Execute(ctx, call, ToolEnv{Settings: r.settings, CustomTools: r.customTools})

		// The add-on has already changed, so the refresh signals go out
		// even when the request was cancelled meanwhile.
		if res.MemoryUpdate != nil {
			r.memory = *res.MemoryUpdate
			a.events.Emit(r.req.SessionID, EventMemoryUpdated, nil)
			if r.req.OnMemoryUpdate != nil {
				r.req.OnMemoryUpdate(r.memory)
			}
		}
		if res.ToolsUpdate != nil {
			r.customTools = res.ToolsUpdate
			a.events.Emit(r.req.SessionID, EventToolsUpdated, map[string]any{"count": len(r.customTools)})
			if r.req.OnToolsUpdate != nil {
				r.req.OnToolsUpdate(append([]CustomTool(nil), r.customTools...))
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		a.events.Emit(r.req.SessionID, EventToolCallEnd, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"success": res.Success,
		})

		if res.Log != "" {
			r.visible += res.Log
		}
		if res.Attachment != nil {
			r.streaming.Attachment = res.Attachment
		}

		r.streaming.Text = r.visible
		r.streaming.Links = r.links.Links()
		r.publish()

		results = append(results, res)
	}
	return results, nil
}

func (r *requestRun) publish() {
	r.req.Store.UpdateLastMessage(r.streaming.Clone())
}

// fail freezes the streaming message as last shown and appends the error.
func (r *requestRun) fail(err error) {
	r.streaming.IsStreaming = false
	r.publish()
	r.req.Store.AddMessage(NewErrorMessage("**Error**: " + err.Error()))
}
