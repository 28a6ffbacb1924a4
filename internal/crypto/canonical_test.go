package crypto

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func TestCanonicalizeOrdersAndStripsNulls(t *testing.T) {
	input := map[string]any{
		"b": "value",
		"a": 1,
		"c": nil,
		"d": map[string]any{
			"z": nil,
			"y": true,
		},
	}

	got, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	want := `{"a":1,"b":"value","d":{"y":true}}`
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeInsertionOrderIndependent(t *testing.T) {
	first := map[string]any{}
	first["service"] = "api"
	first["cluster"] = "prod"
	second := map[string]any{}
	second["cluster"] = "prod"
	second["service"] = "api"

	a, err := DigestCanonical(first)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, err := DigestCanonical(second)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if a != b {
		t.Fatalf("digest differs: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "sha256:") {
		t.Fatalf("expected sha256 prefix, got %s", a)
	}
}

func TestCanonicalizeFloats(t *testing.T) {
	got, err := Canonicalize(map[string]any{"rate": 0.05, "count": float64(3)})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != `{"count":3,"rate":0.05}` {
		t.Fatalf("unexpected canonical json: %s", got)
	}

	if _, err := Canonicalize(math.NaN()); err != ErrNonFiniteFloat {
		t.Fatalf("expected ErrNonFiniteFloat, got %v", err)
	}
}

func TestCanonicalizeJSONNumber(t *testing.T) {
	got, err := Canonicalize(json.Number("42"))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != "42" {
		t.Fatalf("unexpected canonical json: %s", got)
	}

	got, err = Canonicalize(json.Number("1.50"))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != "1.5" {
		t.Fatalf("unexpected canonical json: %s", got)
	}
}

func TestCanonicalizeTime(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	got, err := Canonicalize(map[string]any{"at": ts})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != `{"at":"2026-01-02T02:04:05Z"}` {
		t.Fatalf("unexpected canonical json: %s", got)
	}
}

func TestCanonicalizeNormalizesNFC(t *testing.T) {
	got, err := Canonicalize(map[string]any{"text": "e\u0301"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	want := "{\"text\":\"\u00e9\"}"
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeMapKeyCollision(t *testing.T) {
	input := map[string]any{
		"e\u0301": 1,
		"\u00e9":  2,
	}

	_, err := Canonicalize(input)
	if err != ErrKeyCollision {
		t.Fatalf("expected ErrKeyCollision, got %v", err)
	}
}

func TestCanonicalizeNonStringMapKey(t *testing.T) {
	_, err := Canonicalize(map[int]any{1: "a"})
	if err != ErrNonStringMapKey {
		t.Fatalf("expected ErrNonStringMapKey, got %v", err)
	}
}

func TestCanonicalizeUnsupportedType(t *testing.T) {
	type payload struct{ A int }

	_, err := Canonicalize(payload{A: 1})
	if err != ErrUnsupportedType {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestCanonicalizeSlices(t *testing.T) {
	got, err := Canonicalize([]any{1, nil, "a"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != `[1,null,"a"]` {
		t.Fatalf("unexpected canonical json: %s", got)
	}

	var nilSlice []any
	got, err = Canonicalize(nilSlice)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != "null" {
		t.Fatalf("unexpected canonical json: %s", got)
	}
}

func TestDigestHex(t *testing.T) {
	if got := DigestHex([]byte("")); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("unexpected digest: %s", got)
	}
}
