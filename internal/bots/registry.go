package bots

import (
	"fmt"
	"sort"
	"sync"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
)

// Registry holds every bot implementation this process can run.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewRegistry returns a registry holding plugins.
func NewRegistry(plugins ...*Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[string]*Plugin)}
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a plugin; ids must be unique.
func (r *Registry) Register(p *Plugin) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("register bot: missing id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.ID]; exists {
		return fmt.Errorf("register bot %s: already registered", p.ID)
	}
	r.plugins[p.ID] = p
	return nil
}

// Lookup returns the plugin for id.
func (r *Registry) Lookup(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Command resolves botID:name or reports ErrUnknownTarget.
func (r *Registry) Command(botID, name string) (*Plugin, Command, error) {
	p, ok := r.Lookup(botID)
	if !ok {
		return nil, Command{}, errs.UnknownTarget("bot %s is not registered", botID)
	}
	cmd, ok := p.Command(name)
	if !ok || cmd.Execute == nil {
		return nil, Command{}, errs.UnknownTarget("bot %s has no command %q", botID, name)
	}
	return p, cmd, nil
}

// Event resolves the handler botID registers for event or reports ErrUnknownTarget.
func (r *Registry) Event(botID, event string) (*Plugin, EventHandler, error) {
	p, ok := r.Lookup(botID)
	if !ok {
		return nil, EventHandler{}, errs.UnknownTarget("bot %s is not registered", botID)
	}
	h, ok := p.Events[event]
	if !ok || h.Handle == nil {
		return nil, EventHandler{}, errs.UnknownTarget("bot %s has no handler for event %q", botID, event)
	}
	return p, h, nil
}

// IDs returns the registered bot ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
