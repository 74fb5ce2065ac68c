// Package sessions keeps chat sessions and persists them to SQLite or to the
// Blender add-on's history file.
package sessions

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/martinemde/blenderagent/agentloop"
)

// DefaultTitle names a session before its first user message.
const DefaultTitle = "New Chat"

const titleRunes = 30

// ErrNotFound is returned when a session ID is unknown.
var ErrNotFound = errors.New("session not found")

// ChatSession is one conversation.
type ChatSession struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Messages  []agentloop.Message `json:"messages"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Clone returns a deep copy of s.
func (s ChatSession) Clone() ChatSession {
	out := s
	out.Messages = make([]agentloop.Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// Title derives a session title from its first user message.
func Title(msgs []agentloop.Message) string {
	for _, m := range msgs {
		if m.Role != agentloop.RoleUser {
			continue
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return DefaultTitle
		}
		runes := []rune(text)
		if len(runes) > titleRunes {
			return string(runes[:titleRunes]) + "..."
		}
		return text
	}
	return DefaultTitle
}

// Store persists whole sessions.
type Store interface {
	Load(ctx context.Context, id string) (ChatSession, error)
	List(ctx context.Context) ([]ChatSession, error)
	Save(ctx context.Context, s ChatSession) error
	Delete(ctx context.Context, id string) error
}

func sortByUpdated(list []ChatSession) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}
