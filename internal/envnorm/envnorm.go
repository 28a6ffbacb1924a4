// Package envnorm canonicalizes deployment environment tokens before they
// are compared anywhere in the control plane.
package envnorm

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Production  = "production"
	Staging     = "staging"
	Development = "development"
)

var ErrUnknownEnvironment = errors.New("unknown environment")

var aliases = map[string]string{
	"prod":        Production,
	"production":  Production,
	"prd":         Production,
	"stage":       Staging,
	"staging":     Staging,
	"stg":         Staging,
	"dev":         Development,
	"develop":     Development,
	"development": Development,
}

// Normalize returns the canonical token for env. Empty or unrecognized
// tokens are errors; callers decide whether "unknown" is acceptable.
func Normalize(env string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(env))
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrUnknownEnvironment)
	}
	canonical, ok := aliases[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	return canonical, nil
}

// Equal reports whether a and b name the same canonical environment.
func Equal(a, b string) (bool, error) {
	ca, err := Normalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Normalize(b)
	if err != nil {
		return false, err
	}
	return ca == cb, nil
}

// MatchResult describes how a verification environment relates to the
// environment recorded on an incident.
type MatchResult struct {
	IncidentEnv     string
	VerificationEnv string
	Matched         bool
	// IncidentEnvUnknown is set when the incident carried no environment; the
	// match is then treated as satisfied.
	IncidentEnvUnknown bool
}

// MatchVerification compares a verification environment against an incident
// environment. The verification side must always be a known token; the
// incident side may be absent.
func MatchVerification(incidentEnv, verificationEnv string) (MatchResult, error) {
	verification, err := Normalize(verificationEnv)
	if err != nil {
		return MatchResult{}, err
	}
	if strings.TrimSpace(incidentEnv) == "" {
		return MatchResult{VerificationEnv: verification, Matched: true, IncidentEnvUnknown: true}, nil
	}
	incident, err := Normalize(incidentEnv)
	if err != nil {
		// A recorded but unrecognized incident environment can never match.
		return MatchResult{IncidentEnv: incidentEnv, VerificationEnv: verification, Matched: false}, nil
	}
	return MatchResult{IncidentEnv: incident, VerificationEnv: verification, Matched: incident == verification}, nil
}
