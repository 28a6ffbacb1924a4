package playbook

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Substitute returns a copy of node with every ${VAR} in scalar values
// replaced from vars. Unresolved names are reported together.
func Substitute(node *yaml.Node, vars map[string]string) (*yaml.Node, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	missing := map[string]bool{}
	out := substituteNode(node, vars, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unresolved variables: %s", strings.Join(names, ", "))
	}
	return out, nil
}

func substituteNode(n *yaml.Node, vars map[string]string, missing map[string]bool) *yaml.Node {
	cp := *n
	if n.Kind == yaml.ScalarNode && strings.Contains(n.Value, "${") {
		cp.Value = placeholder.ReplaceAllStringFunc(n.Value, func(m string) string {
			name := placeholder.FindStringSubmatch(m)[1]
			v, ok := vars[name]
			if !ok {
				missing[name] = true
				return m
			}
			return v
		})
		// Let plain scalars re-resolve so "${STATUS}" can decode as an int.
		if cp.Value != n.Value && cp.Style&(yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle) == 0 {
			cp.Tag = ""
		}
	}
	if len(n.Content) > 0 {
		cp.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			cp.Content[i] = substituteNode(child, vars, missing)
		}
	}
	return &cp
}

func hasPlaceholders(n *yaml.Node) bool {
	if n == nil {
		return false
	}
	if n.Kind == yaml.ScalarNode && placeholder.MatchString(n.Value) {
		return true
	}
	for _, child := range n.Content {
		if hasPlaceholders(child) {
			return true
		}
	}
	return false
}
