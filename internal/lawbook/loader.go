package lawbook

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/davidahmann/afu9/internal/crypto"
	"github.com/davidahmann/afu9/internal/envnorm"
	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML lawbook and hashes the raw bytes. It checks only
// document identity; Validate reports per-policy problems.
func Parse(data []byte) (Loaded, error) {
	var lb Lawbook
	if err := yaml.Unmarshal(data, &lb); err != nil {
		return Loaded{}, fmt.Errorf("parse lawbook: %w", err)
	}
	if strings.TrimSpace(lb.LawbookID) == "" {
		return Loaded{}, errors.New("parse lawbook: lawbook_id is required")
	}
	if strings.TrimSpace(lb.LawbookVersion) == "" {
		return Loaded{}, errors.New("parse lawbook: lawbook_version is required")
	}
	return Loaded{
		Lawbook: lb,
		Hash:    crypto.DigestWithPrefix(data),
		Bytes:   data,
	}, nil
}

// Load reads and parses a lawbook file.
func Load(path string) (Loaded, error) {
	// #nosec G304 -- path comes from operator-configured lawbook path.
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	return Parse(data)
}

// Validate reports every problem in the document. Evaluation still fails
// closed on a document that skipped validation.
func (l Lawbook) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, p := range l.Policies {
		name := p.ActionType
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("policies[%d]: action_type is required", i))
			name = fmt.Sprintf("policies[%d]", i)
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("%s: duplicate action_type", name))
		}
		seen[p.ActionType] = true

		if p.CooldownSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s: cooldown_seconds must be >= 0", name))
		}
		if p.MaxRunsPerWindow != nil && *p.MaxRunsPerWindow < 0 {
			errs = append(errs, fmt.Errorf("%s: max_runs_per_window must be >= 0", name))
		}
		if p.MaxRunsPerWindow != nil && p.WindowSeconds == nil {
			errs = append(errs, fmt.Errorf("%s: window_seconds is required with max_runs_per_window", name))
		}
		if p.WindowSeconds != nil && *p.WindowSeconds <= 0 {
			errs = append(errs, fmt.Errorf("%s: window_seconds must be > 0", name))
		}
		if len(p.AllowedEnvironments) == 0 {
			errs = append(errs, fmt.Errorf("%s: allowed_environments is empty", name))
		}
		for _, env := range p.AllowedEnvironments {
			if _, err := envnorm.Normalize(env); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		fields := map[string]bool{}
		for _, f := range p.IdempotencyKeyTemplate {
			if strings.TrimSpace(f) == "" {
				errs = append(errs, fmt.Errorf("%s: empty idempotency_key_template field", name))
				continue
			}
			if fields[f] {
				errs = append(errs, fmt.Errorf("%s: duplicate idempotency_key_template field %q", name, f))
			}
			fields[f] = true
		}
	}
	return errors.Join(errs...)
}
