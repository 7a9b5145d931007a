package bots

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest lists the bots served by remote HTTP runtimes.
type Manifest struct {
	Bots []ManifestBot `yaml:"bots"`
}

// ManifestBot declares one remote bot and the commands and events it exposes.
type ManifestBot struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Endpoint string            `yaml:"endpoint"`
	Timeout  time.Duration     `yaml:"timeout"`
	Commands []ManifestCommand `yaml:"commands"`
	Events   []ManifestEvent   `yaml:"events"`
}

// ManifestCommand declares a command's schema and permissions.
type ManifestCommand struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Permissions []string    `yaml:"permissions"`
	Parameters  []Parameter `yaml:"parameters"`
}

// ManifestEvent declares an event subscription and its permissions.
type ManifestEvent struct {
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read bot manifest: %w", err)
	}
	return ParseManifest(raw)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode bot manifest: %w", err)
	}
	seen := map[string]bool{}
	for i, b := range m.Bots {
		if strings.TrimSpace(b.ID) == "" {
			return Manifest{}, fmt.Errorf("bot manifest: entry %d has no id", i)
		}
		if seen[b.ID] {
			return Manifest{}, fmt.Errorf("bot manifest: duplicate id %s", b.ID)
		}
		seen[b.ID] = true
		if strings.TrimSpace(b.Endpoint) == "" {
			return Manifest{}, fmt.Errorf("bot manifest: %s has no endpoint", b.ID)
		}
		for _, c := range b.Commands {
			if strings.TrimSpace(c.Name) == "" {
				return Manifest{}, fmt.Errorf("bot manifest: %s declares a command without name", b.ID)
			}
		}
	}
	return m, nil
}

// Plugins turns every manifest entry into a plugin backed by a remote client.
func (m Manifest) Plugins(httpClient *http.Client) []*Plugin {
	out := make([]*Plugin, 0, len(m.Bots))
	for _, b := range m.Bots {
		client := NewRemoteClient(b.Endpoint, httpClient, b.Timeout)
		p := &Plugin{ID: b.ID, Name: b.Name, Events: map[string]EventHandler{}}
		for _, c := range b.Commands {
			p.Commands = append(p.Commands, Command{
				Name:        c.Name,
				Description: c.Description,
				Parameters:  c.Parameters,
				Permissions: c.Permissions,
				Execute:     client.CommandFunc(c.Name),
			})
		}
		for _, e := range b.Events {
			p.Events[e.Name] = EventHandler{Permissions: e.Permissions, Handle: client.EventFunc(e.Name)}
		}
		out = append(out, p)
	}
	return out
}
