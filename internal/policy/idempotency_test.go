package policy

import (
	"strings"
	"testing"

	"github.com/davidahmann/afu9/internal/lawbook"
)

func TestIdempotencyKeyFollowsTemplateOrder(t *testing.T) {
	pol := lawbook.ActionPolicy{IdempotencyKeyTemplate: []string{"b", "a"}}

	first := map[string]any{}
	first["a"] = "one"
	first["b"] = 2
	second := map[string]any{"b": 2, "a": "one"}

	k1, h1, err := IdempotencyKey(pol, EvaluationContext{ActionType: "x", ActionContext: first}, "")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	_, h2, err := IdempotencyKey(pol, EvaluationContext{ActionType: "x", ActionContext: second}, "")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash must not depend on context construction order")
	}
	if k1 != `x|b=2|a="one"` {
		t.Fatalf("unexpected key %s", k1)
	}

	reversed := lawbook.ActionPolicy{IdempotencyKeyTemplate: []string{"a", "b"}}
	_, h3, _ := IdempotencyKey(reversed, EvaluationContext{ActionType: "x", ActionContext: first}, "")
	if h3 == h1 {
		t.Fatalf("template order must change the key")
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Fatalf("unexpected hash format %s", h1)
	}
}

func TestIdempotencyKeyFallbacks(t *testing.T) {
	pol := lawbook.ActionPolicy{IdempotencyKeyTemplate: []string{"targetIdentifier", "deploymentEnv", "missing"}}
	ec := EvaluationContext{ActionType: "reset", TargetIdentifier: "svc", DeploymentEnv: "prod"}

	key, _, err := IdempotencyKey(pol, ec, "production")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != `reset|targetIdentifier="svc"|deploymentEnv="production"|missing=null` {
		t.Fatalf("unexpected key %s", key)
	}

	ec.ActionContext = map[string]any{"targetIdentifier": "override"}
	key, _, _ = IdempotencyKey(pol, ec, "production")
	if !strings.Contains(key, `targetIdentifier="override"`) {
		t.Fatalf("action context must win over fallback: %s", key)
	}
}

func TestIdempotencyKeyEmptyTemplateSortsFields(t *testing.T) {
	ec := EvaluationContext{ActionType: "a", ActionContext: map[string]any{"z": true, "m": "v"}}
	key, _, err := IdempotencyKey(lawbook.ActionPolicy{}, ec, "")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != `a|m="v"|z=true` {
		t.Fatalf("unexpected key %s", key)
	}
}

func TestIdempotencyKeyRejectsUnsupportedValues(t *testing.T) {
	ec := EvaluationContext{ActionType: "a", ActionContext: map[string]any{"f": struct{}{}}}
	if _, _, err := IdempotencyKey(lawbook.ActionPolicy{}, ec, ""); err == nil {
		t.Fatalf("expected error for struct value")
	}
}
