package envnorm

import (
	"errors"
	"testing"
)

func TestNormalizeAliases(t *testing.T) {
	cases := map[string]string{
		"prod":         Production,
		" PRODUCTION ": Production,
		"Stage":        Staging,
		"staging":      Staging,
		"dev":          Development,
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalize %q: got %s want %s", in, got, want)
		}
	}
}

func TestNormalizeUnknown(t *testing.T) {
	for _, in := range []string{"", "qa-7", "prodx", "test"} {
		if _, err := Normalize(in); !errors.Is(err, ErrUnknownEnvironment) {
			t.Fatalf("normalize %q: expected ErrUnknownEnvironment, got %v", in, err)
		}
	}
}

func TestMatchVerification(t *testing.T) {
	res, err := MatchVerification("prod", "production")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !res.Matched || res.VerificationEnv != Production {
		t.Fatalf("expected match on production, got %+v", res)
	}

	res, err = MatchVerification("prod", "stage")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched {
		t.Fatalf("expected mismatch, got %+v", res)
	}

	res, err = MatchVerification("", "stage")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !res.Matched || !res.IncidentEnvUnknown {
		t.Fatalf("expected default match for unknown incident env, got %+v", res)
	}

	if _, err := MatchVerification("prod", "moon"); !errors.Is(err, ErrUnknownEnvironment) {
		t.Fatalf("expected unknown verification env error, got %v", err)
	}
}
