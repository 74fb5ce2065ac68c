package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/agentloop"
	"github.com/martinemde/blenderagent/bridge"
	"github.com/martinemde/blenderagent/chat"
	"github.com/martinemde/blenderagent/config"
	"github.com/martinemde/blenderagent/knowledge"
	"github.com/martinemde/blenderagent/metrics"
	"github.com/martinemde/blenderagent/sessions"
	"github.com/martinemde/blenderagent/unifiedllm"
)

const eventBuffer = 256

// app is the wired object graph behind chat and serve.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	bridge  *bridge.Client
	llm     *unifiedllm.Client
	kb      *knowledge.Store
	service *chat.Service

	events  *agentloop.EventEmitter
	drained sync.WaitGroup
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		bridge:  newBridgeClient(cfg, logger),
	}

	llm, err := newLLMClient(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	a.llm = llm
	a.closers = append(a.closers, llm.Close)

	embedder, err := newEmbedder(ctx, cfg.LLM)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var kb agentloop.KnowledgeBase
	if cfg.Qdrant.Enabled {
		store, err := knowledge.NewStore(cfg.KnowledgeConfig(), logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.kb = store
		kb = store
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureCollection(ctx, cfg.Qdrant.Collection, cfg.Qdrant.VectorSize); err != nil {
			logger.Warn("knowledge base unavailable", zap.String("collection", cfg.Qdrant.Collection), zap.Error(err))
		}
	}

	sessionStore, err := newSessionStore(cfg.Storage, a.bridge)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if c, ok := sessionStore.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	execOpts := []agentloop.ExecutorOption{
		agentloop.WithExecutorLogger(logger),
		agentloop.WithExecutorMetrics(a.metrics),
	}
	if embedder != nil && kb != nil {
		execOpts = append(execOpts, agentloop.WithKnowledgeBase(embedder, kb))
	}
	executor := agentloop.NewExecutor(a.bridge, execOpts...)

	a.events = agentloop.NewEventEmitter(eventBuffer)
	agentOpts := []agentloop.AgentOption{
		agentloop.WithEvents(a.events),
		agentloop.WithLogger(logger),
		agentloop.WithMetrics(a.metrics),
	}
	if embedder != nil && kb != nil {
		agentOpts = append(agentOpts, agentloop.WithAugmenter(agentloop.NewAugmenter(embedder, kb, logger, a.metrics)))
	}
	agent := agentloop.NewAgent(llm, executor, agentOpts...)

	a.drained.Add(1)
	go func() {
		defer a.drained.Done()
		logEvents(logger.Named("events"), a.events.Events())
	}()

	manager := sessions.NewManager(sessionStore, logger)
	a.service = chat.NewService(agent, manager, a.bridge, cfg.AgentSettings(), logger)
	return a, nil
}

// Close stops event delivery and releases every backend. It runs the
// closers in reverse order of creation.
func (a *app) Close() error {
	if a.events != nil {
		a.events.Close()
		a.drained.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newBridgeClient(cfg *config.Config, logger *zap.Logger) *bridge.Client {
	return bridge.NewClient(cfg.Bridge.URL, cfg.Bridge.Token,
		bridge.WithTimeout(cfg.Bridge.Timeout),
		bridge.WithLogger(logger),
	)
}

// newLLMClient registers the configured provider. A Gemini client without
// an API key is left unregistered; the agent reports the missing key on
// the first request.
func newLLMClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*unifiedllm.Client, error) {
	retry := unifiedllm.DefaultRetryPolicy()
	retry.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying model request", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	opts := []unifiedllm.ClientOption{
		unifiedllm.WithDefaultProvider(cfg.Provider),
		unifiedllm.WithStreamMiddleware(unifiedllm.RetryStreamOpen(retry)),
	}

	switch cfg.Provider {
	case "gemini":
		if cfg.APIKey != "" {
			adapter, err := unifiedllm.NewGeminiAdapter(ctx, cfg.APIKey, cfg.Model)
			if err != nil {
				return nil, err
			}
			opts = append(opts, unifiedllm.WithProvider("gemini", adapter))
		}
	default:
		adapter, err := unifiedllm.NewGollmAdapter(cfg.Provider, cfg.APIKey, unifiedllm.WithModel(cfg.Model))
		if err != nil {
			return nil, err
		}
		opts = append(opts, unifiedllm.WithProvider(cfg.Provider, adapter))
	}
	return unifiedllm.NewClient(opts...), nil
}

// newEmbedder returns nil when no Gemini key is configured, which disables
// retrieval.
func newEmbedder(ctx context.Context, cfg config.LLMConfig) (agentloop.Embedder, error) {
	if cfg.Provider != "gemini" || cfg.APIKey == "" {
		return nil, nil
	}
	embedder, err := unifiedllm.NewGeminiEmbedder(ctx, cfg.APIKey, cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	return embedder, nil
}

func newSessionStore(cfg config.StorageConfig, client *bridge.Client) (sessions.Store, error) {
	switch cfg.Backend {
	case config.BackendBridge:
		return sessions.NewBridgeStore(client), nil
	default:
		store, err := sessions.NewSQLiteStore(config.ExpandHome(cfg.Path))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func logEvents(logger *zap.Logger, events <-chan agentloop.Event) {
	for ev := range events {
		fields := make([]zap.Field, 0, len(ev.Data)+2)
		fields = append(fields, zap.String("kind", string(ev.Kind)), zap.String("session_id", ev.SessionID))
		for k, v := range ev.Data {
			fields = append(fields, zap.Any(k, v))
		}
		switch ev.Kind {
		case agentloop.EventLoopDetection, agentloop.EventTurnLimit, agentloop.EventError:
			logger.Warn("agent event", fields...)
		default:
			logger.Debug("agent event", fields...)
		}
	}
}
