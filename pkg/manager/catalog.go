package manager

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/octolab/octolab/pkg/types"
)

// Catalog serves read-only recipe lookups from a static YAML file. The
// catalog service proper is external; this loader is its stand-in.
type Catalog struct {
	mu      sync.RWMutex
	recipes map[string]*types.Recipe
}

type recipeFile struct {
	Recipes []struct {
		ID            string `yaml:"id"`
		Name          string `yaml:"name"`
		Target        string `yaml:"target"`
		Version       string `yaml:"version"`
		ExploitFamily string `yaml:"exploit_family"`
		Image         string `yaml:"image"`
		TargetImage   string `yaml:"target_image"`
		Active        bool   `yaml:"active"`
	} `yaml:"recipes"`
}

// LoadCatalog parses the recipe catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f recipeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse recipe catalog: %w", err)
	}
	c := &Catalog{recipes: make(map[string]*types.Recipe, len(f.Recipes))}
	for _, r := range f.Recipes {
		if r.ID == "" || r.Image == "" {
			return nil, fmt.Errorf("recipe catalog entry missing id or image")
		}
		c.recipes[r.ID] = &types.Recipe{
			ID:            r.ID,
			Name:          r.Name,
			Target:        r.Target,
			Version:       r.Version,
			ExploitFamily: r.ExploitFamily,
			Image:         r.Image,
			TargetImage:   r.TargetImage,
			Active:        r.Active,
		}
	}
	return c, nil
}

// NewCatalog builds a catalog from in-memory recipes, for tests and the
// Dockerfile deploy path.
func NewCatalog(recipes ...*types.Recipe) *Catalog {
	c := &Catalog{recipes: make(map[string]*types.Recipe, len(recipes))}
	for _, r := range recipes {
		c.recipes[r.ID] = r
	}
	return c
}

// Add registers a synthesized recipe. The Dockerfile deploy path uses
// it so provisioning can resolve the recipe like any other lab.
func (c *Catalog) Add(r *types.Recipe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recipes[r.ID] = r
}

// Get returns an active recipe by id.
func (c *Catalog) Get(id string) (*types.Recipe, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.recipes[id]
	if !ok || !r.Active {
		return nil, false
	}
	return r, true
}

// List returns all active recipes.
func (c *Catalog) List() []*types.Recipe {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Recipe, 0, len(c.recipes))
	for _, r := range c.recipes {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}
