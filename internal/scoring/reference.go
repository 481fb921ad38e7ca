package scoring

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog is an in-memory set of reference standards keyed by exercise
type Catalog struct {
	mu        sync.RWMutex
	standards map[string]*ReferenceStandard
}

type catalogFile struct {
	Exercises []ReferenceStandard `yaml:"exercises"`
}

// LoadCatalog reads reference standards from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference catalog '%s': %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML reference catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse reference catalog: %w", err)
	}

	c := &Catalog{standards: make(map[string]*ReferenceStandard, len(file.Exercises))}
	for i := range file.Exercises {
		std := file.Exercises[i]
		if std.ExerciseID == "" {
			return nil, fmt.Errorf("reference %d: missing exercise_id", i)
		}
		for _, rule := range std.Rules {
			if !rule.Type.Valid() {
				return nil, fmt.Errorf("reference %s: %w: %q", std.ExerciseID, ErrUnknownFault, rule.Type)
			}
		}
		if std.Weights.IsZero() {
			std.Weights = DefaultWeights()
		}
		c.standards[std.ExerciseID] = &std
	}
	return c, nil
}

// NewCatalog builds a catalog from standards already in memory.
func NewCatalog(standards ...ReferenceStandard) *Catalog {
	c := &Catalog{standards: make(map[string]*ReferenceStandard, len(standards))}
	for i := range standards {
		std := standards[i]
		c.standards[std.ExerciseID] = &std
	}
	return c
}

// Reference implements ReferenceSource.
func (c *Catalog) Reference(_ context.Context, exerciseID string) (*ReferenceStandard, error) {
	c.mu.RLock()
	std, ok := c.standards[exerciseID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, exerciseID)
	}
	return std, nil
}

// Exercises returns the number of standards in the catalog.
func (c *Catalog) Exercises() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.standards)
}

// Replace swaps in the standards of next. Standards already handed out
// are not modified.
func (c *Catalog) Replace(next *Catalog) {
	next.mu.RLock()
	standards := next.standards
	next.mu.RUnlock()

	c.mu.Lock()
	c.standards = standards
	c.mu.Unlock()
}
