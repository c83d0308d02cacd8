// Package agentdef supplies agent definitions to the rest of the
// server. Definitions live in a YAML file that is hot-reloaded on
// change; when no file exists a built-in claude definition applies.
// The catalog is read-only at runtime: editing the file is the CRUD.
package agentdef

import (
	"fmt"
	"os"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/termdeck/termdeck/internal/protocol"
)

// EventKind distinguishes catalog change events.
type EventKind string

const (
	AgentCreated EventKind = "created"
	AgentUpdated EventKind = "updated"
	AgentDeleted EventKind = "deleted"
)

// Event is one catalog change, produced by a file reload.
type Event struct {
	Kind    EventKind
	Agent   protocol.AgentDefinition // created/updated
	AgentID string
}

// Watcher receives catalog change events.
type Watcher struct {
	ch chan Event
}

// C returns the channel that receives catalog events.
func (w *Watcher) C() <-chan Event {
	return w.ch
}

// Catalog holds the current agent definitions and fans out changes.
type Catalog struct {
	path string

	mu       sync.RWMutex
	agents   []protocol.AgentDefinition
	byID     map[string]protocol.AgentDefinition
	watchers map[*Watcher]struct{}
}

// Builtin returns the definition used when no agents file exists.
func Builtin() protocol.AgentDefinition {
	return protocol.AgentDefinition{
		ID:               "claude",
		Name:             "Claude Code",
		CommandTemplate:  "claude {prompt}",
		ContinueTemplate: "claude --continue",
		HeadlessTemplate: "claude -p {prompt} --output-format stream-json --input-format stream-json --verbose",
		AgentType:        "claude",
		ActivityPatterns: protocol.AgentActivityPatterns{
			AskingPatterns: []string{
				`(?i)do you want`,
				`❯\s+1\. yes`,
				`(?i)\(y/n\)`,
			},
		},
		Capabilities: protocol.AgentCapabilities{
			SupportsContinue:          true,
			SupportsHeadlessMode:      true,
			SupportsActivityDetection: true,
		},
	}
}

// Load builds a catalog from the YAML file at path. A missing file is
// not an error; the built-in definition is used instead.
func Load(path string) (*Catalog, error) {
	c := &Catalog{
		path:     path,
		watchers: make(map[*Watcher]struct{}),
	}
	agents, err := readFile(path)
	if err != nil {
		return nil, err
	}
	c.replace(agents)
	return c, nil
}

func readFile(path string) ([]protocol.AgentDefinition, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return []protocol.AgentDefinition{Builtin()}, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load agents file %s: %w", path, err)
	}

	var out struct {
		Agents []protocol.AgentDefinition `koanf:"agents"`
	}
	if err := k.Unmarshal("", &out); err != nil {
		return nil, fmt.Errorf("unmarshal agents file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(out.Agents))
	for _, a := range out.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agents file %s: agent without id", path)
		}
		if a.CommandTemplate == "" {
			return nil, fmt.Errorf("agents file %s: agent %q without commandTemplate", path, a.ID)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("agents file %s: duplicate agent id %q", path, a.ID)
		}
		seen[a.ID] = true
	}
	if len(out.Agents) == 0 {
		return []protocol.AgentDefinition{Builtin()}, nil
	}
	return out.Agents, nil
}

func (c *Catalog) replace(agents []protocol.AgentDefinition) {
	byID := make(map[string]protocol.AgentDefinition, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	c.mu.Lock()
	c.agents = agents
	c.byID = byID
	c.mu.Unlock()
}

// List returns all definitions in file order.
func (c *Catalog) List() []protocol.AgentDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.AgentDefinition(nil), c.agents...)
}

// Get returns the definition with the given id.
func (c *Catalog) Get(id string) (protocol.AgentDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byID[id]
	return a, ok
}

// Subscribe registers a watcher for catalog change events.
func (c *Catalog) Subscribe() *Watcher {
	w := &Watcher{ch: make(chan Event, 64)}
	c.mu.Lock()
	c.watchers[w] = struct{}{}
	c.mu.Unlock()
	return w
}

// Unsubscribe removes a watcher.
func (c *Catalog) Unsubscribe(w *Watcher) {
	c.mu.Lock()
	delete(c.watchers, w)
	c.mu.Unlock()
}

// Reload re-reads the file and emits created/updated/deleted events for
// the difference against the previous state.
func (c *Catalog) Reload() error {
	agents, err := readFile(c.path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.byID
	var events []Event
	newByID := make(map[string]protocol.AgentDefinition, len(agents))
	for _, a := range agents {
		newByID[a.ID] = a
		prev, existed := old[a.ID]
		switch {
		case !existed:
			events = append(events, Event{Kind: AgentCreated, Agent: a, AgentID: a.ID})
		case !equal(prev, a):
			events = append(events, Event{Kind: AgentUpdated, Agent: a, AgentID: a.ID})
		}
	}
	for id := range old {
		if _, still := newByID[id]; !still {
			events = append(events, Event{Kind: AgentDeleted, AgentID: id})
		}
	}
	c.agents = agents
	c.byID = newByID
	watchers := make([]*Watcher, 0, len(c.watchers))
	for w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	for _, ev := range events {
		for _, w := range watchers {
			select {
			case w.ch <- ev:
			default:
				// Buffer full - drop to avoid blocking.
			}
		}
	}
	return nil
}

func equal(a, b protocol.AgentDefinition) bool {
	if a.ID != b.ID || a.Name != b.Name || a.CommandTemplate != b.CommandTemplate ||
		a.ContinueTemplate != b.ContinueTemplate || a.HeadlessTemplate != b.HeadlessTemplate ||
		a.AgentType != b.AgentType || a.Capabilities != b.Capabilities {
		return false
	}
	if len(a.ActivityPatterns.AskingPatterns) != len(b.ActivityPatterns.AskingPatterns) {
		return false
	}
	for i := range a.ActivityPatterns.AskingPatterns {
		if a.ActivityPatterns.AskingPatterns[i] != b.ActivityPatterns.AskingPatterns[i] {
			return false
		}
	}
	return true
}
