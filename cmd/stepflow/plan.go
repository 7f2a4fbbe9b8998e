package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/stepflow/internal/step"
)

// planFile is the on-disk plan format. Steps may be bare strings or
// mappings carrying explicit dependencies:
//
//	task: build a calculator CLI
//	steps:
//	  - install dependencies
//	  - text: write the calculator module
//	    depends_on: [1]
type planFile struct {
	Task  string     `yaml:"task"`
	Steps []planStep `yaml:"steps"`
}

type planStep struct {
	Text      string `yaml:"text"`
	DependsOn []int  `yaml:"depends_on"`
}

// UnmarshalYAML accepts either a scalar step text or a full mapping.
func (p *planStep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Text = node.Value
		return nil
	}
	type rawStep planStep
	var raw rawStep
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*p = planStep(raw)
	return nil
}

// loadPlan reads a plan file and converts it to ordered steps.
func loadPlan(path string) (string, []step.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("reading plan file: %w", err)
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return "", nil, fmt.Errorf("parsing plan file: %w", err)
	}
	if len(pf.Steps) == 0 {
		return "", nil, fmt.Errorf("plan file %s contains no steps", path)
	}

	texts := make([]string, len(pf.Steps))
	for i, ps := range pf.Steps {
		if ps.Text == "" {
			return "", nil, fmt.Errorf("plan step %d has empty text", i+1)
		}
		texts[i] = ps.Text
	}

	steps := step.NewPlan(texts)
	for i, ps := range pf.Steps {
		steps[i].DependsOn = ps.DependsOn
	}
	return pf.Task, steps, nil
}
