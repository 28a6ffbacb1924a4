package playbook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/afu9/pkg/types"
)

// Action is one typed step implementation. Input is the step's YAML input
// after variable substitution; a nil node means no input was declared.
type Action interface {
	Validate(input *yaml.Node) error
	Execute(ctx context.Context, sc *StepContext, input *yaml.Node) (map[string]any, error)
}

// Typed adapts a function over a decoded input struct into an Action.
// check may be nil.
func Typed[In any](run func(ctx context.Context, sc *StepContext, in In) (map[string]any, error), check func(In) error) Action {
	return typedAction[In]{run: run, check: check}
}

type typedAction[In any] struct {
	run   func(context.Context, *StepContext, In) (map[string]any, error)
	check func(In) error
}

func (a typedAction[In]) decode(node *yaml.Node) (In, error) {
	var in In
	if node == nil || node.Kind == 0 {
		return in, nil
	}
	if err := node.Decode(&in); err != nil {
		return in, err
	}
	return in, nil
}

func (a typedAction[In]) Validate(node *yaml.Node) error {
	in, err := a.decode(node)
	if err != nil {
		return err
	}
	if a.check != nil {
		return a.check(in)
	}
	return nil
}

func (a typedAction[In]) Execute(ctx context.Context, sc *StepContext, node *yaml.Node) (map[string]any, error) {
	in, err := a.decode(node)
	if err != nil {
		return nil, Fail(types.StepCodeInvalidInput, "decode input: %v", err)
	}
	if a.check != nil {
		if err := a.check(in); err != nil {
			return nil, Fail(types.StepCodeInvalidInput, "%v", err)
		}
	}
	return a.run(ctx, sc, in)
}

// Registry maps action names used in definitions to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: map[string]Action{}}
}

func (r *Registry) Register(name string, a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" || a == nil {
		return fmt.Errorf("register action: name and implementation required")
	}
	if _, ok := r.actions[name]; ok {
		return fmt.Errorf("register action %q: already registered", name)
	}
	r.actions[name] = a
	return nil
}

func (r *Registry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
