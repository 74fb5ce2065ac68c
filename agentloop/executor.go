package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/metrics"
	"github.com/martinemde/blenderagent/unifiedllm"
)

// Results returned to the model for conditions that are not tool failures.
const (
	ResultUnknownFunction  = "Unknown function."
	ResultSearchDisabled   = "Qdrant knowledge base is disabled in settings."
	ResultQdrantDisabled   = "Qdrant is disabled."
	ResultNoResults        = "No relevant results found."
	ResultScreenshotOK     = "Screenshot captured."
	ResultScreenshotFailed = "Failed to capture screenshot."
)

const refreshTimeout = 5 * time.Second

var (
	errNoBridge        = errors.New("blender bridge is not configured")
	errNoKnowledgeBase = errors.New("knowledge base is not configured")
)

// ToolCallResult is the normalized outcome of one tool call.
type ToolCallResult struct {
	CallID     string
	Name       string
	Success    bool
	Result     string
	Log        string
	Attachment *Attachment
	// MemoryUpdate carries the refreshed memory text after a write.
	MemoryUpdate *string
	// ToolsUpdate carries the refreshed custom tool list; non-nil means the
	// list changed.
	ToolsUpdate []CustomTool
}

// ToolEnv is the per-request state a tool call may read.
type ToolEnv struct {
	Settings    Settings
	CustomTools []CustomTool
}

type toolHandler func(ctx context.Context, args map[string]any, env ToolEnv) (ToolCallResult, error)

// Executor dispatches tool calls to their implementations.
type Executor struct {
	bridge   Bridge
	embedder Embedder
	kb       KnowledgeBase
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	handlers map[string]toolHandler
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithKnowledgeBase wires the vector store and the embedder used for it.
func WithKnowledgeBase(embedder Embedder, kb KnowledgeBase) ExecutorOption {
	return func(e *Executor) {
		e.embedder = embedder
		e.kb = kb
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// NewExecutor creates an Executor for the built-in tools.
func NewExecutor(bridge Bridge, opts ...ExecutorOption) *Executor {
	e := &Executor{
		bridge:   bridge,
		registry: BuiltinRegistry(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("executor")
	e.handlers = map[string]toolHandler{
		ToolRemember:               e.remember,
		ToolCreateTool:             e.createTool,
		ToolRunTool:                e.runTool,
		ToolInspectGraph:           e.inspectGraph,
		ToolGetScreenshot:          e.screenshot,
		ToolExecuteCode:            e.executeCode,
		ToolSearchKnowledgeBase:    e.searchKnowledgeBase,
		ToolQdrantListCollections:  e.listCollections,
		ToolQdrantCreateCollection: e.createCollection,
		ToolQdrantDeleteCollection: e.deleteCollection,
		ToolQdrantAddKnowledge:     e.addKnowledge,
	}
	return e
}

// Registry returns the tools this executor serves.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one tool call. It never returns an error: failures are
// reported through the result text.
func (e *Executor) Execute(ctx context.Context, call unifiedllm.ToolCall, env ToolEnv) (result ToolCallResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", zap.String("tool", call.Name), zap.Any("panic", r))
			result = failure(fmt.Errorf("%v", r))
		}
		result.CallID, result.Name = call.ID, call.Name
		e.metrics.RecordToolCall(call.Name, result.Success)
		e.logger.Debug("tool call finished",
			zap.String("tool", call.Name),
			zap.Bool("success", result.Success),
			zap.Duration("elapsed", time.Since(start)))
	}()

	handler, ok := e.handlers[call.Name]
	if !ok {
		return ToolCallResult{Result: ResultUnknownFunction}
	}
	if err := e.registry.Validate(call.Name, call.Arguments); err != nil {
		return failure(fmt.Errorf("invalid arguments: %w", err))
	}
	args, err := ParseToolArguments(call.Arguments)
	if err != nil {
		return failure(err)
	}

	result, err = handler(ctx, args, env)
	if err != nil {
		e.logger.Warn("tool failed", zap.String("tool", call.Name), zap.Error(err))
		return failure(err)
	}
	return result
}

// refreshContext bounds the re-read that follows a successful write. It
// outlives cancellation of ctx because the write cannot be undone.
func refreshContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
}

func failure(err error) ToolCallResult {
	return ToolCallResult{Result: "Error executing tool: " + err.Error()}
}

func (e *Executor) needBridge() error {
	if e.bridge == nil {
		return errNoBridge
	}
	return nil
}

func (e *Executor) needKnowledgeBase() error {
	if e.kb == nil || e.embedder == nil {
		return errNoKnowledgeBase
	}
	return nil
}

func (e *Executor) remember(ctx context.Context, args map[string]any, _ ToolEnv) (ToolCallResult, error) {
	if err := e.needBridge(); err != nil {
		return ToolCallResult{}, err
	}
	fact, _ := GetStringArg(args, "fact")
	if err := e.bridge.AppendMemory(ctx, fact); err != nil {
		e.logger.Warn("append memory failed", zap.Error(err))
		return ToolCallResult{Result: "Failed to save."}, nil
	}
	res := ToolCallResult{Success: true, Result: "Memory saved.", Log: "\n\n*🧠 Memory Updated*"}
	refreshCtx, cancel := refreshContext(ctx)
	defer cancel()
	if memory, err := e.bridge.FetchMemory(refreshCtx); err == nil {
		res.MemoryUpdate = &memory
	} else {
		e.logger.Warn("refresh memory failed", zap.Error(err))
	}
	return res, nil
}

func (e *Executor) createTool(ctx context.Context, args map[string]any, _ ToolEnv) (ToolCallResult, error) {
	if err := e.needBridge(); err != nil {
		return ToolCallResult{}, err
	}
	var tool CustomTool
	tool.Name, _ = GetStringArg(args, "name")
	tool.Description, _ = GetStringArg(args, "description")
	tool.Trigger, _ = GetStringArg(args, "trigger")
	tool.Code, _ = GetStringArg(args, "code")

	if err := e.bridge.SaveTool(ctx, tool); err != nil {
		e.logger.Warn("save tool failed", zap.String("trigger", tool.Trigger), zap.Error(err))
		return ToolCallResult{Result: "Failed to create tool."}, nil
	}
	res := ToolCallResult{
		Success: true,
		Result:  fmt.Sprintf("Tool '%s' created.", tool.Trigger),
		Log:     fmt.Sprintf("\n\n*🛠️ Created Tool: %s*", tool.Name),
	}
	refreshCtx, cancel := refreshContext(ctx)
	defer cancel()
	if tools, err := e.bridge.FetchTools(refreshCtx); err == nil {
		if tools == nil {
			tools = []CustomTool{}
		}
		res.ToolsUpdate = tools
	} else {
		e.logger.Warn("refresh tools failed", zap.Error(err))
	}
	return res, nil
}

func (e *Executor) runTool(ctx context.Context, args map[string]any, env ToolEnv) (ToolCallResult, error) {
	trigger, _ := GetStringArg(args, "trigger")
	for _, tool := range env.CustomTools {
		if tool.Trigger == trigger {
			return e.runCode(ctx, tool.Code, trigger)
		}
	}
	return ToolCallResult{Result: fmt.Sprintf("Tool '%s' not found.", trigger)}, nil
}

func (e *Executor) executeCode(ctx context.Context, args map[string]any, _ ToolEnv) (ToolCallResult, error) {
	code, _ := GetStringArg(args, "code")
	return e.runCode(ctx, code, "Code")
}

// runCode executes code and formats the outcome; label names the log line.
func (e *Executor) runCode(ctx context.Context, code, label string) (ToolCallResult, error) {
	if err := e.needBridge(); err != nil {
		return ToolCallResult{}, err
	}
	out, err := e.bridge.ExecuteCode(ctx, code)
	if err != nil {
		return ToolCallResult{}, err
	}

	var log strings.Builder
	res := ToolCallResult{Success: out.Success}
	if out.Success {
		res.Result = "Executed. Stdout: " + out.Stdout
		fmt.Fprintf(&log, "\n\n*✅ Executed %s*", label)
	} else {
		res.Result = "Failed. Stderr: " + out.Stderr
		fmt.Fprintf(&log, "\n\n*❌ Failed %s*", label)
	}
	if s := strings.TrimSpace(out.Stdout); s != "" {
		log.WriteString(fence(TruncateForDisplay(s)))
	}
	if s := strings.TrimSpace(out.Stderr); s != "" {
		log.WriteString("\nStderr:")
		log.WriteString(fence(TruncateForDisplay(s)))
	}
	res.Log = log.String()
	return res, nil
}

func (e *Executor) inspectGraph(ctx context.Context, _ map[string]any, _ ToolEnv) (ToolCallResult, error) {
	if err := e.needBridge(); err != nil {
		return ToolCallResult{}, err
	}
	graph, err := e.bridge.InspectGraph(ctx)
	if err != nil {
		return ToolCallResult{}, err
	}

	var parsed struct {
		Nodes []json.RawMessage `json:"nodes"`
		Error string            `json:"error"`
	}
	_ = json.Unmarshal([]byte(graph), &parsed)
	return ToolCallResult{
		Success: parsed.Error == "",
		Result:  graph,
		Log:     fmt.Sprintf("\n\n*🔍 Inspected Graph: %d nodes found.*", len(parsed.Nodes)),
	}, nil
}

func (e *Executor) screenshot(ctx context.Context, _ map[string]any, _ ToolEnv) (ToolCallResult, error) {
	if err := e.needBridge(); err != nil {
		return ToolCallResult{}, err
	}
	png, err := e.bridge.Screenshot(ctx)
	if err != nil || len(png) == 0 {
		if err != nil {
			e.logger.Warn("screenshot failed", zap.Error(err))
		}
		return ToolCallResult{Result: ResultScreenshotFailed}, nil
	}
	return ToolCallResult{
		Success:    true,
		Result:     ResultScreenshotOK,
		Log:        "\n\n*📸 Captured Viewport*",
		Attachment: &Attachment{MIMEType: "image/png", Data: png},
	}, nil
}

func (e *Executor) searchKnowledgeBase(ctx context.Context, args map[string]any, env ToolEnv) (ToolCallResult, error) {
	query, _ := GetStringArg(args, "query")
	log := fmt.Sprintf("\n\n*📚 Searched Knowledge Base for: \"%s\"*", query)
	if !env.Settings.KnowledgeBase.Enabled {
		return ToolCallResult{Result: ResultSearchDisabled, Log: log}, nil
	}
	if err := e.needKnowledgeBase(); err != nil {
		return ToolCallResult{}, err
	}

	collection, _ := GetStringArg(args, "collection")
	if collection == "" {
		collection = env.Settings.KnowledgeBase.Collection
	}
	block, err := semanticSearch(ctx, e.embedder, e.kb, collection, query, AugmentLimit)
	if err != nil {
		return ToolCallResult{}, err
	}
	if block == "" {
		return ToolCallResult{Success: true, Result: ResultNoResults, Log: log}, nil
	}
	return ToolCallResult{Success: true, Result: block, Log: log}, nil
}

func (e *Executor) listCollections(ctx context.Context, _ map[string]any, env ToolEnv) (ToolCallResult, error) {
	log := "\n\n*📋 Listed Qdrant Collections*"
	if !env.Settings.KnowledgeBase.Enabled {
		return ToolCallResult{Result: ResultQdrantDisabled, Log: log}, nil
	}
	if err := e.needKnowledgeBase(); err != nil {
		return ToolCallResult{}, err
	}
	names, err := e.kb.ListCollections(ctx)
	if err != nil {
		return ToolCallResult{}, err
	}
	if len(names) == 0 {
		return ToolCallResult{Success: true, Result: "No collections found.", Log: log}, nil
	}
	return ToolCallResult{Success: true, Result: "Collections: " + strings.Join(names, ", "), Log: log}, nil
}

func (e *Executor) createCollection(ctx context.Context, args map[string]any, env ToolEnv) (ToolCallResult, error) {
	name, _ := GetStringArg(args, "name")
	log := fmt.Sprintf("\n\n*🆕 Created Collection: %s*", name)
	if !env.Settings.KnowledgeBase.Enabled {
		return ToolCallResult{Result: ResultQdrantDisabled, Log: log}, nil
	}
	if err := e.needKnowledgeBase(); err != nil {
		return ToolCallResult{}, err
	}
	if err := e.kb.CreateCollection(ctx, name, unifiedllm.EmbeddingDimensions); err != nil {
		return ToolCallResult{}, err
	}
	return ToolCallResult{Success: true, Result: fmt.Sprintf("Collection '%s' created.", name), Log: log}, nil
}

func (e *Executor) deleteCollection(ctx context.Context, args map[string]any, env ToolEnv) (ToolCallResult, error) {
	name, _ := GetStringArg(args, "name")
	log := fmt.Sprintf("\n\n*🗑️ Deleted Collection: %s*", name)
	if !env.Settings.KnowledgeBase.Enabled {
		return ToolCallResult{Result: ResultQdrantDisabled, Log: log}, nil
	}
	if err := e.needKnowledgeBase(); err != nil {
		return ToolCallResult{}, err
	}
	if err := e.kb.DeleteCollection(ctx, name); err != nil {
		return ToolCallResult{}, err
	}
	return ToolCallResult{Success: true, Result: fmt.Sprintf("Collection '%s' deleted.", name), Log: log}, nil
}

func (e *Executor) addKnowledge(ctx context.Context, args map[string]any, env ToolEnv) (ToolCallResult, error) {
	collection, _ := GetStringArg(args, "collection")
	log := fmt.Sprintf("\n\n*📥 Added Knowledge to %s*", collection)
	if !env.Settings.KnowledgeBase.Enabled {
		return ToolCallResult{Result: ResultQdrantDisabled, Log: log}, nil
	}
	if err := e.needKnowledgeBase(); err != nil {
		return ToolCallResult{}, err
	}

	content, _ := GetStringArg(args, "content")
	source, _ := GetStringArg(args, "source")
	if source == "" {
		source = "User Input"
	}
	vector, err := e.embedder.Embed(ctx, content)
	if err != nil {
		return ToolCallResult{}, fmt.Errorf("embed content: %w", err)
	}
	if len(vector) == 0 {
		return ToolCallResult{}, errors.New("no embedding generated")
	}
	point := Point{
		ID:     uuid.NewString(),
		Vector: vector,
		Payload: map[string]any{
			"text":      content,
			"source":    source,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := e.kb.UpsertPoints(ctx, collection, []Point{point}); err != nil {
		return ToolCallResult{}, err
	}
	return ToolCallResult{Success: true, Result: fmt.Sprintf("Knowledge added to '%s'.", collection), Log: log}, nil
}
