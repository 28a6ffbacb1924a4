package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/davidahmann/afu9/internal/crypto"
	"github.com/davidahmann/afu9/internal/lawbook"
)

// IdempotencyKey derives the key for ec from the policy template. Values
// are taken from the action context in template order; targetIdentifier,
// deploymentEnv and actionType fall back to the context's own fields. An
// empty template uses every action context field in sorted order.
func IdempotencyKey(p lawbook.ActionPolicy, ec EvaluationContext, canonicalEnv string) (string, string, error) {
	fields := p.IdempotencyKeyTemplate
	if len(fields) == 0 {
		fields = make([]string, 0, len(ec.ActionContext))
		for k := range ec.ActionContext {
			fields = append(fields, k)
		}
		sort.Strings(fields)
	}

	var b strings.Builder
	b.WriteString(ec.ActionType)
	for _, field := range fields {
		value, ok := ec.ActionContext[field]
		if !ok {
			value = fallbackValue(field, ec, canonicalEnv)
		}
		encoded, err := crypto.Canonicalize(value)
		if err != nil {
			return "", "", fmt.Errorf("idempotency key field %q: %w", field, err)
		}
		b.WriteByte('|')
		b.WriteString(field)
		b.WriteByte('=')
		b.Write(encoded)
	}

	key := b.String()
	return key, crypto.DigestWithPrefix([]byte(key)), nil
}

func fallbackValue(field string, ec EvaluationContext, canonicalEnv string) any {
	switch field {
	case "targetIdentifier", "target_identifier":
		return ec.TargetIdentifier
	case "deploymentEnv", "deployment_env":
		if canonicalEnv != "" {
			return canonicalEnv
		}
		return ec.DeploymentEnv
	case "actionType", "action_type":
		return ec.ActionType
	default:
		return nil
	}
}
