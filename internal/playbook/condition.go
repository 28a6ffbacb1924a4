package playbook

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Conditions see:
//
//	env           canonical environment
//	incident_key  incident key, may be empty
//	vars          resolved run variables
//	steps         {id: {status, output}} for steps already finished
//	evidence      {kind: fields} for the first evidence item of each kind
func conditionEnv(sc *StepContext) map[string]any {
	steps := map[string]any{}
	for id, view := range sc.steps {
		steps[id] = map[string]any{"status": string(view.status), "output": view.output}
	}
	ev := map[string]any{}
	for _, item := range sc.Evidence {
		if _, ok := ev[string(item.Kind)]; ok {
			continue
		}
		ev[string(item.Kind)] = item.Fields()
	}
	return map[string]any{
		"env":          sc.Env,
		"incident_key": sc.IncidentKey,
		"vars":         sc.Variables,
		"steps":        steps,
		"evidence":     ev,
	}
}

func compileCondition(src string) (*vm.Program, error) {
	sample := map[string]any{
		"env":          "",
		"incident_key": "",
		"vars":         map[string]string{},
		"steps":        map[string]any{},
		"evidence":     map[string]any{},
	}
	return expr.Compile(src, expr.Env(sample), expr.AsBool())
}

func evalCondition(program *vm.Program, sc *StepContext) (bool, error) {
	out, err := expr.Run(program, conditionEnv(sc))
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("condition did not return a boolean")
	}
	return ok, nil
}
