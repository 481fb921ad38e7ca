package protocols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/scoring"
)

// ErrEmptyCatalog is returned when a catalog defines no protocols
var ErrEmptyCatalog = errors.New("protocol catalog is empty")

// Request is the input of protocol generation
type Request struct {
	Deviations  []scoring.AggregatedDeviation
	User        models.User
	DeepContext string
}

type catalogFile struct {
	Protocols []models.Protocol `yaml:"protocols"`
}

type key struct {
	fault    scoring.FaultType
	severity scoring.Severity
}

// Generator matches deviations to corrective protocols from a catalog
type Generator struct {
	catalog map[key]models.Protocol
	logger  *slog.Logger
}

// LoadFile reads a YAML protocol catalog.
func LoadFile(path string, logger *slog.Logger) (*Generator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read protocol catalog '%s': %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse protocol catalog: %w", err)
	}
	if len(file.Protocols) == 0 {
		return nil, ErrEmptyCatalog
	}
	return New(file.Protocols, logger), nil
}

// New builds a generator from protocols keyed by fault type and severity.
func New(protocols []models.Protocol, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{
		catalog: make(map[key]models.Protocol, len(protocols)),
		logger:  logger.With("component", "protocols"),
	}
	for _, p := range protocols {
		g.catalog[key{scoring.FaultType(p.FaultType), scoring.Severity(p.Severity)}] = p
	}
	return g
}

// Generate returns one protocol per deviation that has a catalog entry.
func (g *Generator) Generate(ctx context.Context, req Request) ([]models.Protocol, error) {
	var out []models.Protocol
	for _, d := range req.Deviations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, ok := g.catalog[key{d.Type, d.Severity}]
		if !ok {
			g.logger.Warn("protocol not found", "type", d.Type, "severity", d.Severity)
			continue
		}
		out = append(out, personalize(p, req))
	}
	g.logger.Debug("protocols generated", "deviations", len(req.Deviations), "protocols", len(out))
	return out, nil
}

// personalize adjusts the duration to the user's training age
func personalize(p models.Protocol, req Request) models.Protocol {
	p.Exercises = append([]string(nil), p.Exercises...)
	p.Notes = append([]string(nil), p.Notes...)

	switch age := req.User.TrainingAgeYears; {
	case age > 0 && age < 1:
		p.DurationWks = int(math.Ceil(float64(p.DurationWks) * 1.5))
		p.Notes = append(p.Notes, "beginner: progress load slowly")
	case age > 5:
		p.DurationWks = int(math.Ceil(float64(p.DurationWks) * 0.8))
		p.Notes = append(p.Notes, "advanced: faster progression, keep the correction work")
	}
	if req.DeepContext != "" {
		p.Notes = append(p.Notes, "see the deep analysis for movement context")
	}
	return p
}

// Generic returns the protocol used when none can be generated.
func Generic() []models.Protocol {
	return []models.Protocol{{
		Name:      "generic_mobility",
		FaultType: "generic",
		Exercises: []string{"hip mobility flow", "goblet squat hold", "ankle dorsiflexion stretch"},
		Frequency: "3x per week",
		Notes:     []string{"consult a professional for a personalised prescription"},
		Generic:   true,
	}}
}
