package agent

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// ContextProvider contributes extra system prompt text for an event.
type ContextProvider interface {
	GetContext(ctx context.Context, ev Event) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is joined with blank lines.
type CompositeContextProvider struct {
	providers []ContextProvider
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(providers ...ContextProvider) *CompositeContextProvider {
	c := &CompositeContextProvider{}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is skipped.
func (c *CompositeContextProvider) GetContext(ctx context.Context, ev Event) (string, error) {
	var parts []string
	for _, p := range c.providers {
		content, err := p.GetContext(ctx, ev)
		if err != nil {
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// eventNotes maps event types to system prompt notes describing what
// the client expects back.
var eventNotes = map[string]string{
	"query":              "[Event: query. The user typed a question in the chat panel.]",
	"combat":             "[Event: combat. The user is mid-encounter and wants quick tactical help. Prefer the combat_analyzer tool when combat state is attached.]",
	"character_creation": "[Event: character_creation. The user is building a character. Ask about ancestry, background and class choices one step at a time.]",
	"level_up":           "[Event: level_up. The user is advancing a character. Prefer the level_up_advisor tool when character data is attached.]",
}

// EventProvider notes the event type and lists structured payload
// fields the client attached (character sheets, combat state).
type EventProvider struct{}

// Payload keys that carry free text and are not repeated to the model.
var skipPayloadKeys = map[string]bool{
	"message":     true,
	"content":     true,
	"request_id":  true,
	"mood":        true,
	"personality": true,
}

// GetContext implements [ContextProvider].
func (EventProvider) GetContext(_ context.Context, ev Event) (string, error) {
	var parts []string
	if note, ok := eventNotes[ev.Type]; ok {
		parts = append(parts, note)
	} else if ev.Type != "" {
		parts = append(parts, "[Event: "+ev.Type+"]")
	}

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		if !skipPayloadKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := json.Marshal(ev.Payload[k])
		if err != nil {
			continue
		}
		parts = append(parts, k+": "+string(raw))
	}
	return strings.Join(parts, "\n"), nil
}
