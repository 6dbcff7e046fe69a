package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/procq/internal/process"
)

// ErrUnknownKind is returned by Build for a kind that was never registered.
var ErrUnknownKind = errors.New("unknown process kind")

// Factory builds a process named name from kind-specific JSON params.
type Factory func(name string, params json.RawMessage) (process.Process, error)

// KindInfo describes a registered kind.
type KindInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Undoable    bool   `json:"undoable"`
}

type kindEntry struct {
	info    KindInfo
	factory Factory
}

// Catalog holds registered process kinds. It is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	kinds map[string]kindEntry
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		kinds: make(map[string]kindEntry),
	}
}

// Register adds or replaces the factory for kind.
func (c *Catalog) Register(info KindInfo, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds[info.Name] = kindEntry{info: info, factory: f}
}

// Build creates a process of the given kind. An empty name defaults to the
// kind name. The returned process reports its kind through Kind().
func (c *Catalog) Build(kind, name string, params json.RawMessage) (process.Process, error) {
	c.mu.RLock()
	entry, ok := c.kinds[kind]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if name == "" {
		name = kind
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	p, err := entry.factory(name, params)
	if err != nil {
		return nil, fmt.Errorf("build %s process: %w", kind, err)
	}
	return &kinded{Process: p, kind: kind}, nil
}

// List returns every registered kind, sorted by name for a stable API
// response.
func (c *Catalog) List() []KindInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]KindInfo, 0, len(c.kinds))
	for _, e := range c.kinds {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// kinded tags a built process with its catalog kind while forwarding the
// optional undo capabilities of the wrapped process.
type kinded struct {
	process.Process
	kind string
}

func (k *kinded) Kind() string { return k.kind }

func (k *kinded) Undo(ctx context.Context, params []any) error {
	if u, ok := k.Process.(process.Undoer); ok {
		return u.Undo(ctx, params)
	}
	return nil
}

func (k *kinded) UndoParameters() []any {
	if ps, ok := k.Process.(process.ParamSource); ok {
		return ps.UndoParameters()
	}
	return nil
}

func (k *kinded) CanUndo() bool {
	return process.Undoable(k.Process)
}
