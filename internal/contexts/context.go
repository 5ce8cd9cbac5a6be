// Package contexts maps a user's incoming message to the conversation
// thread it belongs to. The [Registry] scores every open context of the
// user against the message, reuses the best one above a threshold, and
// creates a new one otherwise. Contexts are cached in process and
// written through to a checkpoint store; turns against one context are
// serialized by a per-context lock.
package contexts

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/frinny-ai/frinny/internal/checkpoint"
)

// Message roles stored in a context.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// snapshotVersion is the schema version of Context snapshots.
const snapshotVersion = 1

// Message is one entry in a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is one conversation thread owned by a user.
type Context struct {
	ID           string            `json:"context_id"`
	UserID       string            `json:"user_id"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Messages     []Message         `json:"messages"`
	TopicSummary string            `json:"topic_summary"`
	Type         string            `json:"context_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// clone returns a deep copy.
func (c *Context) clone() Context {
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	cp.Metadata = maps.Clone(c.Metadata)
	return cp
}

// Turns returns the number of complete user/assistant exchanges.
func (c Context) Turns() int {
	return len(c.Messages) / 2
}

func (c *Context) key() checkpoint.Key {
	return checkpoint.Key{UserID: c.UserID, ContextID: c.ID}
}

func (c *Context) snapshot() (*checkpoint.Snapshot, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal context %s: %w", c.ID, err)
	}
	return &checkpoint.Snapshot{
		Key:     c.key(),
		Version: snapshotVersion,
		SavedAt: c.UpdatedAt,
		Data:    data,
	}, nil
}

func fromSnapshot(s *checkpoint.Snapshot) (*Context, error) {
	if s.Version > snapshotVersion {
		return nil, fmt.Errorf("context %s: unsupported snapshot version %d", s.Key, s.Version)
	}
	var c Context
	if err := json.Unmarshal(s.Data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal context %s: %w", s.Key, err)
	}
	// The key is authoritative over whatever the payload claims.
	c.ID, c.UserID = s.Key.ContextID, s.Key.UserID
	return &c, nil
}

// summarize builds a topic summary from the user's side of the
// conversation: the most recent user messages, newest last, trimmed
// from the front to at most limit bytes.
func summarize(msgs []Message, limit int) string {
	var parts []string
	size := 0
	for i := len(msgs) - 1; i >= 0 && size < limit; i-- {
		if msgs[i].Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(msgs[i].Content), " ")
		if text == "" {
			continue
		}
		parts = append(parts, text)
		size += len(text) + 1
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return truncateFront(strings.Join(parts, " "), limit)
}

// truncateFront keeps the last limit bytes of s without splitting a rune.
func truncateFront(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	s = s[len(s)-limit:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return strings.TrimSpace(s)
}
