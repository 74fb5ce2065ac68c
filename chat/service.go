// Package chat runs agent requests against stored sessions and keeps the
// memory and custom tool caches the agent reads.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/agentloop"
	"github.com/martinemde/blenderagent/sessions"
)

var (
	// ErrBusy is returned when a session already has a request in flight.
	ErrBusy = errors.New("a request is already running for this session")

	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyInput is returned when there is neither text nor an image.
	ErrEmptyInput = errors.New("message has no text or image")

	// ErrNoBridge is returned by operations that need the add-on when none
	// is configured.
	ErrNoBridge = errors.New("no Blender bridge configured")
)

// ContextSource reads and edits the state kept by the add-on.
// *bridge.Client satisfies it.
type ContextSource interface {
	FetchMemory(ctx context.Context) (string, error)
	OverwriteMemory(ctx context.Context, text string) error
	FetchTools(ctx context.Context) ([]agentloop.CustomTool, error)
	DeleteTool(ctx context.Context, trigger string) error
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service serialises requests per session. Different sessions may run
// concurrently.
type Service struct {
	agent    *agentloop.Agent
	sessions *sessions.Manager
	source   ContextSource
	logger   *zap.Logger

	mu       sync.Mutex
	settings agentloop.Settings
	memory   string
	tools    []agentloop.CustomTool
	running  map[string]*inflight
}

// NewService creates a service. source may be nil when running without
// Blender.
func NewService(agent *agentloop.Agent, manager *sessions.Manager, source ContextSource, settings agentloop.Settings, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		agent:    agent,
		sessions: manager,
		source:   source,
		logger:   logger.Named("chat"),
		settings: settings.Normalize(),
		tools:    []agentloop.CustomTool{},
		running:  make(map[string]*inflight),
	}
}

// Sessions returns the session manager.
func (s *Service) Sessions() *sessions.Manager { return s.sessions }

// Send appends the user's message to the session and runs the agent until
// it finishes, fails or is stopped. A request stopped with Stop returns nil.
func (s *Service) Send(ctx context.Context, sessionID, text string, attachment *agentloop.Attachment) error {
	if strings.TrimSpace(text) == "" && attachment == nil {
		return ErrEmptyInput
	}

	runCtx, cancel := context.WithCancel(ctx)
	job := &inflight{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	if _, busy := s.running[sessionID]; busy {
		s.mu.Unlock()
		cancel()
		return ErrBusy
	}
	s.running[sessionID] = job
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, sessionID)
		s.mu.Unlock()
		cancel()
		close(job.done)
	}()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return err
	}
	store, err := s.sessions.Recorder(runCtx, sessionID)
	if err != nil {
		return err
	}
	store.AddMessage(agentloop.NewUserMessage(text, attachment))

	s.mu.Lock()
	req := agentloop.SendRequest{
		SessionID:      sessionID,
		Text:           text,
		Attachment:     attachment,
		History:        session.Messages,
		Settings:       s.settings,
		Memory:         s.memory,
		CustomTools:    append([]agentloop.CustomTool(nil), s.tools...),
		Store:          store,
		OnMemoryUpdate: s.setMemory,
		OnToolsUpdate:  s.setTools,
	}
	s.mu.Unlock()

	err = s.agent.Send(runCtx, req)
	if err != nil && runCtx.Err() != nil {
		// The agent leaves a cancelled message streaming; freeze it with
		// whatever text was shown.
		if _, ferr := s.sessions.FreezeStreaming(context.WithoutCancel(ctx), sessionID); ferr != nil {
			s.logger.Warn("freeze stopped message", zap.String("session_id", sessionID), zap.Error(ferr))
		}
		if ctx.Err() == nil {
			s.logger.Debug("request stopped", zap.String("session_id", sessionID))
			return nil
		}
	}
	return err
}

// Busy reports whether sessionID has a request in flight.
func (s *Service) Busy(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[sessionID]
	return ok
}

// Stop cancels the session's request and waits for Send to freeze the
// partially streamed message and return. It reports whether a request was
// running.
func (s *Service) Stop(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	job, ok := s.running[sessionID]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	job.cancel()
	select {
	case <-job.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// RefreshContext reloads memory and custom tools from the add-on.
func (s *Service) RefreshContext(ctx context.Context) error {
	if s.source == nil {
		return ErrNoBridge
	}
	memory, err := s.source.FetchMemory(ctx)
	if err != nil {
		return fmt.Errorf("fetch memory: %w", err)
	}
	tools, err := s.source.FetchTools(ctx)
	if err != nil {
		return fmt.Errorf("fetch tools: %w", err)
	}
	s.setMemory(memory)
	s.setTools(tools)
	s.logger.Debug("context refreshed", zap.Int("memory_bytes", len(memory)), zap.Int("custom_tools", len(tools)))
	return nil
}

// Memory returns the cached memory text.
func (s *Service) Memory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory
}

// OverwriteMemory replaces the add-on's memory and the cache.
func (s *Service) OverwriteMemory(ctx context.Context, text string) error {
	if s.source == nil {
		return ErrNoBridge
	}
	if err := s.source.OverwriteMemory(ctx, text); err != nil {
		return fmt.Errorf("overwrite memory: %w", err)
	}
	s.setMemory(text)
	return nil
}

// CustomTools returns a copy of the cached custom tools.
func (s *Service) CustomTools() []agentloop.CustomTool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agentloop.CustomTool, len(s.tools))
	copy(out, s.tools)
	return out
}

// DeleteTool removes a custom tool from the add-on and refreshes the cache.
func (s *Service) DeleteTool(ctx context.Context, trigger string) error {
	if s.source == nil {
		return ErrNoBridge
	}
	if err := s.source.DeleteTool(ctx, trigger); err != nil {
		return fmt.Errorf("delete tool %s: %w", trigger, err)
	}
	tools, err := s.source.FetchTools(ctx)
	if err != nil {
		return fmt.Errorf("fetch tools: %w", err)
	}
	s.setTools(tools)
	return nil
}

// Settings returns the current settings.
func (s *Service) Settings() agentloop.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings replaces the settings used by later requests.
func (s *Service) UpdateSettings(settings agentloop.Settings) {
	settings = settings.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

func (s *Service) setMemory(memory string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = memory
}

func (s *Service) setTools(tools []agentloop.CustomTool) {
	if tools == nil {
		tools = []agentloop.CustomTool{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append([]agentloop.CustomTool(nil), tools...)
}
