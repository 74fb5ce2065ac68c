package agentloop

import (
	"time"

	"github.com/google/uuid"
)

// Role is the author of a displayed message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Attachment is binary content shown alongside a message, such as a
// viewport screenshot.
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// GroundingLink is a citation surfaced by the model.
type GroundingLink struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Message is one entry in the displayed conversation. A message is
// mutated only while IsStreaming is true.
type Message struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Text        string          `json:"text"`
	Attachment  *Attachment     `json:"attachment,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	IsStreaming bool            `json:"is_streaming,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	Links       []GroundingLink `json:"links,omitempty"`
}

// NewUserMessage creates a frozen user message.
func NewUserMessage(text string, attachment *Attachment) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleUser,
		Text:       text,
		Attachment: attachment,
		Timestamp:  time.Now(),
	}
}

// NewStreamingMessage creates the empty model placeholder for a request.
func NewStreamingMessage() Message {
	return Message{
		ID:          uuid.NewString(),
		Role:        RoleModel,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// NewErrorMessage creates an error-flagged model message.
func NewErrorMessage(text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleModel,
		Text:      text,
		Timestamp: time.Now(),
		IsError:   true,
	}
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Attachment != nil {
		att := *m.Attachment
		att.Data = append([]byte(nil), m.Attachment.Data...)
		out.Attachment = &att
	}
	out.Links = append([]GroundingLink(nil), m.Links...)
	return out
}

// LinkSet collects grounding links, keeping the first occurrence of each URI
// in arrival order. The zero value is ready to use.
type LinkSet struct {
	links []GroundingLink
	seen  map[string]struct{}
}

// Add inserts link unless its URI is empty or already present. It reports
// whether the link was added.
func (s *LinkSet) Add(link GroundingLink) bool {
	if link.URI == "" {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[link.URI]; ok {
		return false
	}
	s.seen[link.URI] = struct{}{}
	s.links = append(s.links, link)
	return true
}

// Len returns the number of unique links.
func (s *LinkSet) Len() int { return len(s.links) }

// Links returns a copy of the links in first-seen order.
func (s *LinkSet) Links() []GroundingLink {
	if len(s.links) == 0 {
		return nil
	}
	return append([]GroundingLink(nil), s.links...)
}
