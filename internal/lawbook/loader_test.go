package lawbook

import (
	"os"
	"strings"
	"testing"

	"github.com/davidahmann/afu9/internal/crypto"
)

func TestLoadLawbook(t *testing.T) {
	loaded, err := Load("../../lawbooks/afu9.yaml")
	if err != nil {
		t.Fatalf("load lawbook: %v", err)
	}
	if loaded.Lawbook.LawbookID == "" {
		t.Fatalf("lawbook id missing")
	}

	data, err := os.ReadFile("../../lawbooks/afu9.yaml")
	if err != nil {
		t.Fatalf("read lawbook: %v", err)
	}
	expected := crypto.DigestWithPrefix(data)
	if loaded.Hash != expected {
		t.Fatalf("lawbook hash mismatch: got %s want %s", loaded.Hash, expected)
	}
	if err := loaded.Lawbook.Validate(); err != nil {
		t.Fatalf("bundled lawbook should validate: %v", err)
	}
	if got := loaded.Lawbook.PoliciesFor("ecs.force_new_deployment"); len(got) != 1 || got[0].CooldownSeconds != 300 {
		t.Fatalf("unexpected reset policy: %+v", got)
	}
}

func TestParseRequiresIdentity(t *testing.T) {
	if _, err := Parse([]byte("policies: []\n")); err == nil {
		t.Fatalf("expected error for missing lawbook_id")
	}
	if _, err := Parse([]byte("lawbook_id: x\n")); err == nil {
		t.Fatalf("expected error for missing lawbook_version")
	}
	if _, err := Parse([]byte("lawbook_id: [unclosed")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	doc := `
lawbook_id: bad
lawbook_version: "1"
policies:
  - action_type: reset
    allowed_environments: [prod]
    max_runs_per_window: 2
  - action_type: reset
    allowed_environments: [moon]
    cooldown_seconds: -1
    idempotency_key_template: [a, a]
`
	loaded, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	err = loaded.Lawbook.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"window_seconds is required", "duplicate action_type", "unknown environment", "cooldown_seconds must be >= 0", "duplicate idempotency_key_template"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}
