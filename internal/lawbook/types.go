package lawbook

// Lawbook is the versioned policy document governing automated actions.
type Lawbook struct {
	LawbookID      string         `yaml:"lawbook_id" json:"lawbook_id"`
	LawbookVersion string         `yaml:"lawbook_version" json:"lawbook_version"`
	Policies       []ActionPolicy `yaml:"policies" json:"policies"`
}

// ActionPolicy governs one action type. MaxRunsPerWindow and WindowSeconds
// are pointers so "unset" differs from zero.
type ActionPolicy struct {
	ActionType             string   `yaml:"action_type" json:"action_type"`
	AllowedEnvironments    []string `yaml:"allowed_environments" json:"allowed_environments"`
	CooldownSeconds        int      `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	MaxRunsPerWindow       *int     `yaml:"max_runs_per_window,omitempty" json:"max_runs_per_window,omitempty"`
	WindowSeconds          *int     `yaml:"window_seconds,omitempty" json:"window_seconds,omitempty"`
	IdempotencyKeyTemplate []string `yaml:"idempotency_key_template" json:"idempotency_key_template"`
	RequiresApproval       bool     `yaml:"requires_approval" json:"requires_approval"`
}

// Loaded is a parsed lawbook plus the hash of its raw bytes.
type Loaded struct {
	Lawbook Lawbook
	Hash    string
	Bytes   []byte
}

// PoliciesFor returns every policy declared for actionType. Callers treat
// anything other than exactly one match as a failure.
func (l Lawbook) PoliciesFor(actionType string) []ActionPolicy {
	var out []ActionPolicy
	for _, p := range l.Policies {
		if p.ActionType == actionType {
			out = append(out, p)
		}
	}
	return out
}

// HasRateLimit reports whether any rate limit field is set.
func (p ActionPolicy) HasRateLimit() bool {
	return p.MaxRunsPerWindow != nil || p.WindowSeconds != nil
}
