package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Source identifies which pipeline produced a message.
type Source string

const (
	SourceSystemAudio Source = "system_audio"
	SourceMicrophone  Source = "microphone"
	SourceManual      Source = "manual"
)

// Message is one conversation turn. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// NewMessage derives the id from role and timestamp so messages stay
// orderable and deduplicable across tracks.
func NewMessage(role Role, content string, source Source, at time.Time) Message {
	return Message{
		ID:        fmt.Sprintf("%s-%d", role, at.UnixNano()),
		Role:      role,
		Content:   content,
		Timestamp: at,
		Source:    source,
	}
}

// Conversation holds an ordered transcript. Messages are stored in
// most-recent-first insertion order; display order is by timestamp.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewConversation returns an empty conversation.
func NewConversation(at time.Time) *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Append inserts a message at the front (most-recent-first storage) and
// sets the title from the first user content if not already set. The
// title is never overwritten afterwards.
func (c *Conversation) Append(msg Message) {
	c.Messages = append([]Message{msg}, c.Messages...)
	c.UpdatedAt = msg.Timestamp
	if c.Title == "" {
		c.Title = DeriveTitle(msg.Content)
	}
}

// Ordered returns messages sorted ascending by timestamp for display.
func (c *Conversation) Ordered() []Message {
	out := append([]Message(nil), c.Messages...)
	// Insertion sort: the slice is near-sorted (reverse order) and small.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Timestamp.Before(out[j-1].Timestamp); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Clone returns a deep copy; the persistence adapter receives copies so it
// can never mutate the orchestrator's conversation.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return &out
}

// DeriveTitle produces a short title from the first transcript.
func DeriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if title == "" {
		return ""
	}
	const maxTitle = 48
	if len(title) > maxTitle {
		title = strings.TrimSpace(title[:maxTitle]) + "…"
	}
	return title
}

// HistoryWindow renders prior turns oldest-first, truncated to charBudget
// by dropping the oldest turns first. Only manual prompts carry history;
// audio-triggered requests pass an empty window.
func HistoryWindow(c *Conversation, charBudget int) []Message {
	if c == nil || charBudget <= 0 {
		return nil
	}
	ordered := c.Ordered()

	total := 0
	cut := len(ordered)
	for i := len(ordered) - 1; i >= 0; i-- {
		total += len(ordered[i].Content)
		if total > charBudget {
			break
		}
		cut = i
	}
	if cut == len(ordered) {
		return nil
	}
	return ordered[cut:]
}
