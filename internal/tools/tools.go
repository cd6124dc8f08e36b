// Package tools holds the data-gathering tools the Worker runs per item.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Tool runs against a single "item|keyword" input and returns raw output text.
type Tool interface {
	Name() string
	Execute(ctx context.Context, input string) (string, error)
}

// Registry maps tool names to implementations. Registration order is kept
// so prompts list tools deterministically.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SplitInput splits a tool input on "|" into item and keyword. Fields after
// the second are ignored.
func SplitInput(input string) (item, keyword string) {
	parts := strings.Split(input, "|")
	if len(parts) > 1 {
		keyword = parts[1]
	}
	return parts[0], keyword
}
