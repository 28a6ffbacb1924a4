package playbook

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownPlaybook = errors.New("unknown playbook")

// Catalog holds prepared definitions keyed by ID. Definitions are loaded
// once and shared read-only between runs.
type Catalog struct {
	reg  *Registry
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewCatalog(reg *Registry) *Catalog {
	return &Catalog{reg: reg, defs: map[string]*Definition{}}
}

func (c *Catalog) Add(def *Definition) error {
	if err := Prepare(def, c.reg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.defs[def.ID]; ok {
		return fmt.Errorf("playbook %q already loaded (version %s)", def.ID, existing.Version)
	}
	c.defs[def.ID] = def
	return nil
}

// LoadFS adds every *.yaml and *.yml file directly under dir.
func (c *Catalog) LoadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read playbooks: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		p := path.Join(dir, name)
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read playbook %s: %w", p, err)
		}
		def, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		if err := c.Add(def); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (c *Catalog) LoadDir(dir string) error {
	return c.LoadFS(os.DirFS(dir), ".")
}

func (c *Catalog) Get(id string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[id]
	return def, ok
}

// List returns definitions sorted by ID.
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Definition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
