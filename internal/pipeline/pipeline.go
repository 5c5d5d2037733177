// Package pipeline decodes a project pipeline definition (the
// OpenSAFELY project.yaml equivalent) into the Action set the job
// definition builder consumes. Parsing the pipeline document itself is
// named an out-of-scope external collaborator by the specification; this
// package is the thin, real adapter onto it.
package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Action is one named step of a pipeline: a command to run, the image it
// runs in, its declared outputs and dependencies.
type Action struct {
	Name     string            `yaml:"-"`
	Run      string            `yaml:"run"`
	Needs    []string          `yaml:"needs,omitempty"`
	Outputs  map[string]string `yaml:"outputs,omitempty"` // pattern -> privacy level ("highly_sensitive"/"moderately_sensitive")
	DBWorker bool              `yaml:"db_worker,omitempty"`
	// CodelistsAt is the commit the action's codelists were last locked
	// against (populated by `opensafely codelists update` into
	// project.yaml). Empty means the action doesn't consume codelists.
	CodelistsAt string `yaml:"codelists_at,omitempty"`
}

// Pipeline is the decoded project definition.
type Pipeline struct {
	Version string            `yaml:"version"`
	Actions map[string]Action `yaml:"actions"`
}

// rawPipeline mirrors Pipeline for yaml decoding before Action.Name is
// back-filled from the map key.
type rawPipeline struct {
	Version string            `yaml:"version"`
	Actions map[string]Action `yaml:"actions"`
}

// Parse decodes a pipeline document.
func Parse(data []byte) (*Pipeline, error) {
	var raw rawPipeline
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("pipeline: decode: %w", err)
	}

	for name, action := range raw.Actions {
		action.Name = name
		raw.Actions[name] = action
	}

	p := &Pipeline{Version: raw.Version, Actions: raw.Actions}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) validate() error {
	for name, action := range p.Actions {
		if action.Run == "" {
			return fmt.Errorf("pipeline: action %q has no run command", name)
		}
		for _, need := range action.Needs {
			if _, ok := p.Actions[need]; !ok {
				return fmt.Errorf("pipeline: action %q needs undefined action %q", name, need)
			}
		}
	}
	return nil
}

// RunImage splits an action's run command into its image reference and
// the command invoked inside the container, e.g.
// "cohortextractor:latest generate_cohort" -> ("cohortextractor:latest",
// "generate_cohort").
func (a Action) RunImage() (image, command string) {
	for i, r := range a.Run {
		if r == ' ' {
			return a.Run[:i], a.Run[i+1:]
		}
	}
	return a.Run, ""
}
