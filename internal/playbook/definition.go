// Package playbook executes versioned, declarative playbooks: ordered
// steps bound to registered actions, each retried under a uniform policy
// and recorded in the ledger.
package playbook

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/davidahmann/afu9/internal/crypto"
	"github.com/davidahmann/afu9/internal/envnorm"
)

// MaxRetries bounds the retries a step may declare.
const MaxRetries = 10

var ErrNotPrepared = errors.New("playbook definition not prepared")

type Definition struct {
	ID           string            `yaml:"id"`
	Version      string            `yaml:"version"`
	Title        string            `yaml:"title,omitempty"`
	Description  string            `yaml:"description,omitempty"`
	Environments []string          `yaml:"environments,omitempty"`
	Variables    map[string]string `yaml:"variables,omitempty"`
	Steps        []StepDef         `yaml:"steps"`

	// Hash is the digest of the source document.
	Hash string `yaml:"-"`

	prepared bool
}

type StepDef struct {
	ID      string    `yaml:"id"`
	Title   string    `yaml:"title,omitempty"`
	Action  string    `yaml:"action"`
	When    string    `yaml:"when,omitempty"`
	Retries int       `yaml:"retries,omitempty"`
	Input   yaml.Node `yaml:"input,omitempty"`

	cond *vm.Program
}

// Parse decodes and structurally validates a definition. Actions and
// conditions are checked later by Prepare.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	def.Hash = crypto.DigestWithPrefix(data)
	return &def, nil
}

func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func (d *Definition) validate() error {
	var errs []error
	if strings.TrimSpace(d.ID) == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if strings.TrimSpace(d.Version) == "" {
		errs = append(errs, errors.New("missing version"))
	}
	if len(d.Steps) == 0 {
		errs = append(errs, errors.New("no steps"))
	}
	for _, env := range d.Environments {
		if _, err := envnorm.Normalize(env); err != nil {
			errs = append(errs, fmt.Errorf("environments: %w", err))
		}
	}
	seen := map[string]bool{}
	for i, step := range d.Steps {
		switch {
		case step.ID == "":
			errs = append(errs, fmt.Errorf("step %d: missing id", i))
		case seen[step.ID]:
			errs = append(errs, fmt.Errorf("step %q: duplicate id", step.ID))
		}
		seen[step.ID] = true
		if step.Action == "" {
			errs = append(errs, fmt.Errorf("step %q: missing action", step.ID))
		}
		if step.Retries < 0 || step.Retries > MaxRetries {
			errs = append(errs, fmt.Errorf("step %q: retries must be between 0 and %d", step.ID, MaxRetries))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid playbook %q: %w", d.ID, err)
	}
	return nil
}

// Prepare resolves every step's action in reg, validates its input and
// compiles its condition. A prepared definition must not be modified.
func Prepare(d *Definition, reg *Registry) error {
	var errs []error
	for i := range d.Steps {
		step := &d.Steps[i]
		action, ok := reg.Lookup(step.Action)
		if !ok {
			errs = append(errs, fmt.Errorf("step %q: unknown action %q", step.ID, step.Action))
			continue
		}
		if !hasPlaceholders(&step.Input) {
			if err := action.Validate(inputNode(&step.Input)); err != nil {
				errs = append(errs, fmt.Errorf("step %q: input: %w", step.ID, err))
			}
		}
		if step.When != "" {
			program, err := compileCondition(step.When)
			if err != nil {
				errs = append(errs, fmt.Errorf("step %q: when: %w", step.ID, err))
				continue
			}
			step.cond = program
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("prepare playbook %q: %w", d.ID, err)
	}
	d.prepared = true
	return nil
}

func inputNode(n *yaml.Node) *yaml.Node {
	if n == nil || n.Kind == 0 {
		return nil
	}
	return n
}
