package verifier

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset bundles checks for a topic. Presets are shipped data: callers pass a
// preset id instead of inline checks.
type Preset struct {
	ID          string  `yaml:"id" json:"id"`
	Description string  `yaml:"description" json:"description"`
	Checks      []Check `yaml:"checks" json:"checks"`
}

//go:embed presets.yaml
var defaultPresetsYAML []byte

// Catalog resolves preset ids to check bundles.
type Catalog struct {
	presets map[string]Preset
}

// LoadCatalog parses the embedded preset catalog, optionally overlaying a
// deployment-provided file.
func LoadCatalog(overridePath string) (*Catalog, error) {
	c := &Catalog{presets: make(map[string]Preset)}
	if err := c.merge(defaultPresetsYAML); err != nil {
		return nil, fmt.Errorf("embedded presets: %w", err)
	}
	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read presets %s: %w", overridePath, err)
		}
		if err := c.merge(data); err != nil {
			return nil, fmt.Errorf("presets %s: %w", overridePath, err)
		}
	}
	return c, nil
}

func (c *Catalog) merge(data []byte) error {
	var doc struct {
		Presets []Preset `yaml:"presets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	for _, p := range doc.Presets {
		c.presets[p.ID] = p
	}
	return nil
}

// Get returns the checks for a preset id.
func (c *Catalog) Get(id string) ([]Check, bool) {
	p, ok := c.presets[id]
	if !ok {
		return nil, false
	}
	return p.Checks, true
}

// IDs lists the known preset ids.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.presets))
	for id := range c.presets {
		ids = append(ids, id)
	}
	return ids
}
