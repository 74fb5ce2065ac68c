package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HistoryAPI is the add-on's whole-file history endpoint. *bridge.Client
// satisfies it.
type HistoryAPI interface {
	FetchHistory(ctx context.Context) (json.RawMessage, error)
	SaveHistory(ctx context.Context, sessions any) error
}

// BridgeStore keeps every session in the add-on's history file. Each write
// rewrites the full array.
type BridgeStore struct {
	api HistoryAPI
	mu  sync.Mutex
}

var _ Store = (*BridgeStore)(nil)

// NewBridgeStore wraps api.
func NewBridgeStore(api HistoryAPI) *BridgeStore {
	return &BridgeStore{api: api}
}

func (b *BridgeStore) fetch(ctx context.Context) ([]ChatSession, error) {
	raw, err := b.api.FetchHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	var list []ChatSession
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return list, nil
}

func (b *BridgeStore) store(ctx context.Context, list []ChatSession) error {
	if list == nil {
		list = []ChatSession{}
	}
	sortByUpdated(list)
	if err := b.api.SaveHistory(ctx, list); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// Load returns one session or ErrNotFound.
func (b *BridgeStore) Load(ctx context.Context, id string) (ChatSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, err := b.fetch(ctx)
	if err != nil {
		return ChatSession{}, err
	}
	for _, cs := range list {
		if cs.ID == id {
			return cs, nil
		}
	}
	return ChatSession{}, ErrNotFound
}

// List returns every session, most recently updated first.
func (b *BridgeStore) List(ctx context.Context) ([]ChatSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, err := b.fetch(ctx)
	if err != nil {
		return nil, err
	}
	sortByUpdated(list)
	return list, nil
}

// Save inserts or replaces the session.
func (b *BridgeStore) Save(ctx context.Context, cs ChatSession) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, err := b.fetch(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range list {
		if list[i].ID == cs.ID {
			list[i] = cs
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, cs)
	}
	return b.store(ctx, list)
}

// Delete removes the session.
func (b *BridgeStore) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, err := b.fetch(ctx)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, cs := range list {
		if cs.ID != id {
			kept = append(kept, cs)
		}
	}
	return b.store(ctx, kept)
}
