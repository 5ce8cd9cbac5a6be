package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MultiClient routes requests to a provider by model name. Models with
// no explicit mapping go to the fallback provider.
type MultiClient struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a router whose unknown models go to fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
}

// AddModel maps a model name to a registered provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[model] = provider
}

func (m *MultiClient) clientFor(model string) Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if provider, ok := m.models[model]; ok {
		if c, ok := m.clients[provider]; ok {
			return c
		}
	}
	return m.fallback
}

// Chat implements [Client].
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	c := m.clientFor(model)
	if c == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return c.Chat(ctx, model, messages, tools)
}

// Ping implements [Client]. Every registered provider and the fallback
// are checked; the errors are joined.
func (m *MultiClient) Ping(ctx context.Context) error {
	m.mu.RLock()
	seen := make(map[Client]bool)
	var targets []Client
	names := make(map[Client]string)
	for name, c := range m.clients {
		if !seen[c] {
			seen[c] = true
			targets = append(targets, c)
			names[c] = name
		}
	}
	if m.fallback != nil && !seen[m.fallback] {
		targets = append(targets, m.fallback)
		names[m.fallback] = "fallback"
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("no providers configured")
	}
	var errs []error
	for _, c := range targets {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", names[c], err))
		}
	}
	return errors.Join(errs...)
}
