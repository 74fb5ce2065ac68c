package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/agentloop"
)

// Update describes a change to a session's message list.
type Update struct {
	SessionID string
	Message   agentloop.Message
	// Added is true for a new message and false for a replacement of the
	// last one.
	Added bool
}

// Manager caches open sessions and writes them through to a Store.
// Streaming updates stay in memory; new messages and the final version of
// a streamed message are persisted.
type Manager struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	open     map[string]*ChatSession
	watchers map[int]func(Update)
	nextID   int
}

// NewManager creates a manager over store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		logger:   logger.Named("sessions"),
		now:      time.Now,
		open:     make(map[string]*ChatSession),
		watchers: make(map[int]func(Update)),
	}
}

// Create starts an empty session.
func (m *Manager) Create(ctx context.Context) (ChatSession, error) {
	now := m.now()
	cs := &ChatSession{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Messages:  []agentloop.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Save(ctx, *cs); err != nil {
		return ChatSession{}, err
	}
	m.open[cs.ID] = cs
	m.logger.Debug("session created", zap.String("session_id", cs.ID))
	return cs.Clone(), nil
}

// Get returns a copy of the session.
func (m *Manager) Get(ctx context.Context, id string) (ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, err := m.loadLocked(ctx, id)
	if err != nil {
		return ChatSession{}, err
	}
	return cs.Clone(), nil
}

// List returns every session, most recently updated first. Open sessions
// reflect their in-memory state.
func (m *Manager) List(ctx context.Context) ([]ChatSession, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(list))
	for i, cs := range list {
		seen[cs.ID] = true
		if open, ok := m.open[cs.ID]; ok {
			list[i] = open.Clone()
		}
	}
	for id, open := range m.open {
		if !seen[id] {
			list = append(list, open.Clone())
		}
	}
	sortByUpdated(list)
	return list, nil
}

// Delete removes the session from memory and storage.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	delete(m.open, id)
	return nil
}

// Rename sets the session title.
func (m *Manager) Rename(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, err := m.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	cs.Title = title
	cs.UpdatedAt = m.now()
	return m.store.Save(ctx, *cs)
}

// Clear drops every message and resets the title.
func (m *Manager) Clear(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, err := m.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	cs.Messages = []agentloop.Message{}
	cs.Title = DefaultTitle
	cs.UpdatedAt = m.now()
	return m.store.Save(ctx, *cs)
}

// FreezeStreaming marks a streaming last message as final and persists it.
// It reports whether a message was frozen.
func (m *Manager) FreezeStreaming(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	cs, err := m.loadLocked(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	n := len(cs.Messages)
	if n == 0 || !cs.Messages[n-1].IsStreaming {
		m.mu.Unlock()
		return false, nil
	}
	cs.Messages[n-1].IsStreaming = false
	cs.UpdatedAt = m.now()
	frozen := cs.Messages[n-1].Clone()
	err = m.store.Save(ctx, *cs)
	m.mu.Unlock()

	m.notify(Update{SessionID: id, Message: frozen})
	return true, err
}

// Recorder returns an agentloop.MessageStore that writes into the session.
// Persistence uses ctx without its cancellation so a stopped request still
// saves what was shown.
func (m *Manager) Recorder(ctx context.Context, id string) (agentloop.MessageStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.loadLocked(ctx, id); err != nil {
		return nil, err
	}
	return &recorder{m: m, ctx: context.WithoutCancel(ctx), id: id}, nil
}

// Watch registers fn for every message change. The returned func
// unregisters it.
func (m *Manager) Watch(fn func(Update)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

func (m *Manager) loadLocked(ctx context.Context, id string) (*ChatSession, error) {
	if cs, ok := m.open[id]; ok {
		return cs, nil
	}
	cs, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if cs.Messages == nil {
		cs.Messages = []agentloop.Message{}
	}
	m.open[id] = &cs
	return &cs, nil
}

func (m *Manager) notify(u Update) {
	m.mu.Lock()
	fns := make([]func(Update), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (m *Manager) add(ctx context.Context, id string, msg agentloop.Message) {
	m.mu.Lock()
	cs, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("message for closed session dropped", zap.String("session_id", id))
		return
	}
	cs.Messages = append(cs.Messages, msg.Clone())
	if cs.Title == DefaultTitle {
		cs.Title = Title(cs.Messages)
	}
	cs.UpdatedAt = m.now()
	if err := m.store.Save(ctx, *cs); err != nil {
		m.logger.Error("persist session", zap.String("session_id", id), zap.Error(err))
	}
	m.mu.Unlock()

	m.notify(Update{SessionID: id, Message: msg.Clone(), Added: true})
}

func (m *Manager) updateLast(ctx context.Context, id string, msg agentloop.Message) {
	m.mu.Lock()
	cs, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	n := len(cs.Messages)
	if n == 0 || cs.Messages[n-1].ID != msg.ID || !cs.Messages[n-1].IsStreaming {
		m.mu.Unlock()
		return
	}
	cs.Messages[n-1] = msg.Clone()
	cs.UpdatedAt = m.now()
	if !msg.IsStreaming {
		if err := m.store.Save(ctx, *cs); err != nil {
			m.logger.Error("persist session", zap.String("session_id", id), zap.Error(err))
		}
	}
	m.mu.Unlock()

	m.notify(Update{SessionID: id, Message: msg.Clone()})
}

type recorder struct {
	m   *Manager
	ctx context.Context
	id  string
}

func (r *recorder) AddMessage(msg agentloop.Message) { r.m.add(r.ctx, r.id, msg) }

func (r *recorder) UpdateLastMessage(msg agentloop.Message) { r.m.updateLast(r.ctx, r.id, msg) }
