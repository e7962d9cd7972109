// Package planfile loads plan definitions from YAML files and materializes
// them into an execution graph. Task IDs in a plan file are file-local; they
// are remapped to global node IDs on load, the same way decomposition
// batches are.
package planfile

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/capstan-dev/capstan/internal/graph"
	"github.com/capstan-dev/capstan/pkg/models"
)

// Plan is the top-level structure of a plan file.
type Plan struct {
	PlanID string `yaml:"plan_id"`
	Name   string `yaml:"name"`
	Tasks  []Task `yaml:"tasks" validate:"required,min=1,dive"`
}

// Task is one entry of a plan file's task list.
type Task struct {
	ID                 string            `yaml:"id" validate:"required"`
	Name               string            `yaml:"name"`
	Kind               models.NodeKind   `yaml:"kind"`
	Capability         string            `yaml:"capability" validate:"required"`
	Objective          string            `yaml:"objective" validate:"required"`
	Instructions       string            `yaml:"instructions"`
	AcceptanceCriteria string            `yaml:"acceptance_criteria"`
	DependsOn          []string          `yaml:"depends_on"`
	InputRefs          map[string]string `yaml:"input_refs"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	return Parse(data)
}

// Parse validates plan file content.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan file: %w", err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid plan file: %w", err)
	}
	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if seen[t.ID] {
			return nil, fmt.Errorf("invalid plan file: duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Kind != "" && !t.Kind.Valid() {
			return nil, fmt.Errorf("invalid plan file: task %q has unknown kind %q", t.ID, t.Kind)
		}
	}
	if p.PlanID == "" {
		p.PlanID = uuid.NewString()
	}
	return &p, nil
}

// BuildGraph materializes the plan into a fresh execution graph. Returned
// with the graph is the local-to-global ID mapping, so callers can report
// progress in the plan file's own task names.
func (p *Plan) BuildGraph(log zerolog.Logger) (*graph.Graph, map[string]string, error) {
	g := graph.New(p.PlanID, log)
	idMap := make(map[string]string, len(p.Tasks))
	for _, t := range p.Tasks {
		idMap[t.ID] = uuid.NewString()
	}

	// Insertion follows file order; forward references within the file are
	// resolved by a second pass over unplaced tasks.
	remaining := append([]Task(nil), p.Tasks...)
	for len(remaining) > 0 {
		progressed := false
		var deferred []Task
		for _, t := range remaining {
			if !depsPlaced(g, t, idMap) {
				deferred = append(deferred, t)
				continue
			}
			if err := insertTask(g, t, idMap); err != nil {
				return nil, nil, err
			}
			progressed = true
		}
		if !progressed {
			return nil, nil, fmt.Errorf("invalid plan file: dependency cycle or unknown task reference")
		}
		remaining = deferred
	}
	if err := g.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid plan file: %w", err)
	}
	return g, idMap, nil
}

func depsPlaced(g *graph.Graph, t Task, idMap map[string]string) bool {
	for _, dep := range t.DependsOn {
		globalID, ok := idMap[dep]
		if !ok {
			// Unknown references surface as a cycle error in BuildGraph.
			return false
		}
		if _, err := g.Node(globalID); err != nil {
			return false
		}
	}
	return true
}

func insertTask(g *graph.Graph, t Task, idMap map[string]string) error {
	kind := t.Kind
	if kind == "" {
		kind = models.KindExecutable
	}
	name := t.Name
	if name == "" {
		name = t.ID
	}
	deps := make([]string, 0, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		deps = append(deps, idMap[dep])
	}
	n := &models.Node{
		ID:                 idMap[t.ID],
		Kind:               kind,
		State:              models.StatePending,
		Capability:         t.Capability,
		Name:               name,
		Objective:          t.Objective,
		Instructions:       t.Instructions,
		AcceptanceCriteria: t.AcceptanceCriteria,
		Dependencies:       deps,
		InputRefs:          t.InputRefs,
	}
	n.SetMeta(models.MetaLocalID, t.ID)
	if err := g.AddNode(n, true); err != nil {
		return fmt.Errorf("inserting task %q: %w", t.ID, err)
	}
	return nil
}
