package sessions

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/blenderagent/agentloop"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeHistory stands in for the add-on's /history endpoint.
type fakeHistory struct {
	mu    sync.Mutex
	raw   string
	saves int
}

func (f *fakeHistory) FetchHistory(context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raw == "" {
		return json.RawMessage("[]"), nil
	}
	return json.RawMessage(f.raw), nil
}

func (f *fakeHistory) SaveHistory(_ context.Context, sessions any) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = string(data)
	f.saves++
	return nil
}

// countingStore records saves on top of an in-memory store.
type countingStore struct {
	Store
	mu    sync.Mutex
	saved []ChatSession
}

func (c *countingStore) Save(ctx context.Context, s ChatSession) error {
	c.mu.Lock()
	c.saved = append(c.saved, s.Clone())
	c.mu.Unlock()
	return c.Store.Save(ctx, s)
}

func (c *countingStore) saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.saved)
}

func clock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestTitle(t *testing.T) {
	long := strings.Repeat("é", 31)
	tests := []struct {
		name string
		msgs []agentloop.Message
		want string
	}{
		{"empty", nil, DefaultTitle},
		{"model only", []agentloop.Message{{Role: agentloop.RoleModel, Text: "hi"}}, DefaultTitle},
		{"short", []agentloop.Message{{Role: agentloop.RoleUser, Text: "Add a cube"}}, "Add a cube"},
		{"long runes", []agentloop.Message{{Role: agentloop.RoleUser, Text: long}}, strings.Repeat("é", 30) + "..."},
		{"exactly thirty", []agentloop.Message{{Role: agentloop.RoleUser, Text: strings.Repeat("a", 30)}}, strings.Repeat("a", 30)},
		{"blank user", []agentloop.Message{{Role: agentloop.RoleUser, Text: "  "}}, DefaultTitle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Title(tt.msgs))
		})
	}
}

func testStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": newSQLite(t),
		"bridge": NewBridgeStore(&fakeHistory{}),
	}
}

func TestStores(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			base := time.UnixMilli(1_700_000_000_000)

			_, err := store.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			older := ChatSession{ID: "a", Title: "A", CreatedAt: base, UpdatedAt: base,
				Messages: []agentloop.Message{{ID: "m1", Role: agentloop.RoleUser, Text: "hello", Timestamp: base}}}
			newer := ChatSession{ID: "b", Title: "B", CreatedAt: base, UpdatedAt: base.Add(time.Minute)}
			require.NoError(t, store.Save(ctx, older))
			require.NoError(t, store.Save(ctx, newer))

			got, err := store.Load(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "A", got.Title)
			require.Len(t, got.Messages, 1)
			assert.Equal(t, "hello", got.Messages[0].Text)
			assert.True(t, got.UpdatedAt.Equal(base))

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "b", list[0].ID)

			older.Title = "A2"
			older.UpdatedAt = base.Add(time.Hour)
			require.NoError(t, store.Save(ctx, older))
			list, err = store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "a", list[0].ID)
			assert.Equal(t, "A2", list[0].Title)

			require.NoError(t, store.Delete(ctx, "a"))
			list, err = store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "b", list[0].ID)
		})
	}
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(t.Context(), ChatSession{ID: "x", Title: "kept", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Load(t.Context(), "x")
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Title)
}

func newTestManager(t *testing.T) (*Manager, *countingStore) {
	t.Helper()
	store := &countingStore{Store: newSQLite(t)}
	m := NewManager(store, nil)
	m.now = clock(time.UnixMilli(1_700_000_000_000))
	return m, store
}

func TestManagerRecordsConversation(t *testing.T) {
	m, store := newTestManager(t)
	ctx := t.Context()

	cs, err := m.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, cs.Title)
	assert.Equal(t, 1, store.saves())

	rec, err := m.Recorder(ctx, cs.ID)
	require.NoError(t, err)

	rec.AddMessage(agentloop.NewUserMessage("Make the cube red please and thanks", nil))
	assert.Equal(t, 2, store.saves())

	reply := agentloop.NewStreamingMessage()
	rec.AddMessage(reply)
	assert.Equal(t, 3, store.saves())

	reply.Text = "Work"
	rec.UpdateLastMessage(reply)
	reply.Text = "Working"
	rec.UpdateLastMessage(reply)
	assert.Equal(t, 3, store.saves(), "streaming updates stay in memory")

	reply.Text = "Done."
	reply.IsStreaming = false
	rec.UpdateLastMessage(reply)
	assert.Equal(t, 4, store.saves())

	reply.Text = "late"
	rec.UpdateLastMessage(reply)
	assert.Equal(t, 4, store.saves(), "frozen message is not replaced")

	got, err := m.Get(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "Make the cube red please and t...", got.Title)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Done.", got.Messages[1].Text)
	assert.False(t, got.Messages[1].IsStreaming)

	stored, err := store.Load(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "Done.", stored.Messages[1].Text)
}

func TestManagerUpdateIgnoresOtherMessage(t *testing.T) {
	m, _ := newTestManager(t)
	cs, err := m.Create(t.Context())
	require.NoError(t, err)
	rec, err := m.Recorder(t.Context(), cs.ID)
	require.NoError(t, err)

	rec.AddMessage(agentloop.NewStreamingMessage())
	other := agentloop.NewStreamingMessage()
	other.Text = "stray"
	rec.UpdateLastMessage(other)

	got, err := m.Get(t.Context(), cs.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages[0].Text)
}

func TestManagerFreezeStreaming(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()
	cs, err := m.Create(ctx)
	require.NoError(t, err)
	rec, err := m.Recorder(ctx, cs.ID)
	require.NoError(t, err)

	frozen, err := m.FreezeStreaming(ctx, cs.ID)
	require.NoError(t, err)
	assert.False(t, frozen)

	msg := agentloop.NewStreamingMessage()
	rec.AddMessage(msg)
	msg.Text = "partial"
	rec.UpdateLastMessage(msg)

	frozen, err = m.FreezeStreaming(ctx, cs.ID)
	require.NoError(t, err)
	assert.True(t, frozen)

	got, err := m.Get(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "partial", got.Messages[0].Text)
	assert.False(t, got.Messages[0].IsStreaming)
}

func TestManagerRecorderPersistsAfterCancel(t *testing.T) {
	m, store := newTestManager(t)
	cs, err := m.Create(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	rec, err := m.Recorder(ctx, cs.ID)
	require.NoError(t, err)
	cancel()

	rec.AddMessage(agentloop.NewUserMessage("still saved", nil))
	stored, err := store.Load(t.Context(), cs.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 1)
}

func TestManagerSessionOperations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()

	first, err := m.Create(ctx)
	require.NoError(t, err)
	second, err := m.Create(ctx)
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	require.NoError(t, m.Rename(ctx, first.ID, "Lighting"))
	list, err = m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, "Lighting", list[0].Title)

	rec, err := m.Recorder(ctx, first.ID)
	require.NoError(t, err)
	rec.AddMessage(agentloop.NewUserMessage("hi", nil))
	require.NoError(t, m.Clear(ctx, first.ID))
	got, err := m.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
	assert.Equal(t, DefaultTitle, got.Title)

	require.NoError(t, m.Delete(ctx, first.ID))
	_, err = m.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Recorder(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err = m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestManagerLoadsFromStore(t *testing.T) {
	hist := &fakeHistory{raw: `[{"id":"s1","title":"Old","messages":[{"id":"m","role":"user","text":"x","timestamp":"2024-01-01T00:00:00Z"}],"createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"}]`}
	m := NewManager(NewBridgeStore(hist), nil)

	got, err := m.Get(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Old", got.Title)
	require.Len(t, got.Messages, 1)

	rec, err := m.Recorder(t.Context(), "s1")
	require.NoError(t, err)
	rec.AddMessage(agentloop.NewUserMessage("y", nil))

	hist.mu.Lock()
	defer hist.mu.Unlock()
	assert.Equal(t, 1, hist.saves)
	assert.Contains(t, hist.raw, `"text":"y"`)
}

func TestManagerWatch(t *testing.T) {
	m, _ := newTestManager(t)
	cs, err := m.Create(t.Context())
	require.NoError(t, err)

	var updates []Update
	stop := m.Watch(func(u Update) { updates = append(updates, u) })

	rec, err := m.Recorder(t.Context(), cs.ID)
	require.NoError(t, err)
	msg := agentloop.NewStreamingMessage()
	rec.AddMessage(msg)
	msg.Text = "a"
	rec.UpdateLastMessage(msg)

	stop()
	rec.AddMessage(agentloop.NewUserMessage("unseen", nil))

	require.Len(t, updates, 2)
	assert.True(t, updates[0].Added)
	assert.False(t, updates[1].Added)
	assert.Equal(t, "a", updates[1].Message.Text)
	assert.Equal(t, cs.ID, updates[1].SessionID)
}
