package taxonomy

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/nexusflow-backend/internal/domain"
)

const hierarchyEnv = "NEXUSFLOW_TAXONOMY_YAML"

//go:embed default_hierarchy.yaml
var defaultHierarchyFS embed.FS

// Hierarchy is the seed taxonomy: an ordered three-level category tree.
type Hierarchy struct {
	Taxonomy   string   `yaml:"taxonomy"`
	Version    int      `yaml:"version"`
	Categories []Level1 `yaml:"categories"`
}

type Level1 struct {
	Name     string   `yaml:"name"`
	Children []Level2 `yaml:"children"`
}

type Level2 struct {
	Name     string   `yaml:"name"`
	Children []string `yaml:"children"`
}

// Load reads the hierarchy from the NEXUSFLOW_TAXONOMY_YAML path when set,
// falling back to the embedded default.
func Load() (*Hierarchy, error) {
	data, err := readHierarchy()
	if err != nil {
		return nil, fmt.Errorf("taxonomy: read hierarchy: %w", err)
	}

	var h Hierarchy
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("taxonomy: parse hierarchy: %w", err)
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("taxonomy: invalid hierarchy: %w", err)
	}
	return &h, nil
}

func readHierarchy() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(hierarchyEnv)); path != "" {
		return os.ReadFile(path)
	}
	return defaultHierarchyFS.ReadFile("default_hierarchy.yaml")
}

// Validate checks structural soundness: non-empty names, no duplicate names
// at a level within the same parent, every L2 has at least one L3.
func (h *Hierarchy) Validate() error {
	if h == nil {
		return errors.New("missing hierarchy")
	}
	if strings.TrimSpace(h.Taxonomy) == "" {
		return errors.New("taxonomy name is required")
	}
	if len(h.Categories) == 0 {
		return errors.New("no categories defined")
	}

	seenL1 := map[string]bool{}
	for _, l1 := range h.Categories {
		name := strings.TrimSpace(l1.Name)
		if name == "" {
			return errors.New("level1 name is required")
		}
		if seenL1[name] {
			return fmt.Errorf("duplicate level1 category: %s", name)
		}
		seenL1[name] = true

		if len(l1.Children) == 0 {
			return fmt.Errorf("level1 %s: no level2 children", name)
		}
		seenL2 := map[string]bool{}
		for _, l2 := range l1.Children {
			l2Name := strings.TrimSpace(l2.Name)
			if l2Name == "" {
				return fmt.Errorf("level1 %s: level2 name is required", name)
			}
			if seenL2[l2Name] {
				return fmt.Errorf("level1 %s: duplicate level2 category: %s", name, l2Name)
			}
			seenL2[l2Name] = true

			if len(l2.Children) == 0 {
				return fmt.Errorf("level2 %s: no level3 children", l2Name)
			}
			seenL3 := map[string]bool{}
			for _, l3 := range l2.Children {
				l3Name := strings.TrimSpace(l3)
				if l3Name == "" {
					return fmt.Errorf("level2 %s: level3 name is required", l2Name)
				}
				if seenL3[l3Name] {
					return fmt.Errorf("level2 %s: duplicate level3 category: %s", l2Name, l3Name)
				}
				seenL3[l3Name] = true
			}
		}
	}
	return nil
}

// Paths flattens the tree into L1→L2→L3 triples in document order.
func (h *Hierarchy) Paths() []domain.Path {
	if h == nil {
		return nil
	}
	out := make([]domain.Path, 0, 128)
	for _, l1 := range h.Categories {
		for _, l2 := range l1.Children {
			for _, l3 := range l2.Children {
				out = append(out, domain.Path{Level1: l1.Name, Level2: l2.Name, Level3: l3})
			}
		}
	}
	return out
}

// CountByLevel returns the number of distinct categories at each level.
func (h *Hierarchy) CountByLevel() (l1, l2, l3 int) {
	if h == nil {
		return 0, 0, 0
	}
	l1 = len(h.Categories)
	for _, c1 := range h.Categories {
		l2 += len(c1.Children)
		for _, c2 := range c1.Children {
			l3 += len(c2.Children)
		}
	}
	return l1, l2, l3
}
