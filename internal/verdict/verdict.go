// Package verdict maps verification evidence to an explicit GREEN or RED
// outcome. Evaluate is pure: identical input always yields identical output.
package verdict

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/pkg/types"
)

const (
	RuleAuthenticDeployment = "RULE_AUTHENTIC_DEPLOYMENT"
	RuleHealthChecks        = "RULE_HEALTH_CHECKS"
	RuleIntegrationTests    = "RULE_INTEGRATION_TESTS"
	RuleErrorRates          = "RULE_ERROR_RATES"
)

const noAuthenticDeployment = "No authentic successful deployment"

// Evaluate runs every applicable rule against the bundle. Rules are never
// short-circuited; EvaluationRules lists each rule that was checked in a
// fixed order.
func Evaluate(bundle evidence.VerificationBundle) types.Verdict {
	rules := []string{RuleAuthenticDeployment}
	failed := []string{}
	var reasons []string

	if !hasAuthenticSuccess(bundle.DeploymentObservations) {
		failed = append(failed, RuleAuthenticDeployment+": "+noAuthenticDeployment)
		reasons = append(reasons, noAuthenticDeployment+".")
	}

	if bundle.HealthChecks != nil {
		rules = append(rules, RuleHealthChecks)
		bad := 0
		for _, hc := range bundle.HealthChecks {
			if hc.Status < 200 || hc.Status > 299 {
				bad++
				failed = append(failed, fmt.Sprintf("%s: %s returned %d", RuleHealthChecks, hc.Endpoint, hc.Status))
			}
		}
		if bad > 0 {
			reasons = append(reasons, fmt.Sprintf("%d of %d health checks failed.", bad, len(bundle.HealthChecks)))
		}
	}

	if it := bundle.IntegrationTests; it != nil {
		rules = append(rules, RuleIntegrationTests)
		if it.Failed != 0 {
			failed = append(failed, fmt.Sprintf("%s: %d of %d integration tests failed", RuleIntegrationTests, it.Failed, it.Total))
			reasons = append(reasons, fmt.Sprintf("%d integration tests failed.", it.Failed))
		}
	}

	if er := bundle.ErrorRates; er != nil {
		rules = append(rules, RuleErrorRates)
		// NaN compares false and fails the rule.
		if !(er.Current <= er.Threshold) {
			cur, thr := formatRate(er.Current), formatRate(er.Threshold)
			failed = append(failed, fmt.Sprintf("%s: error rate %s exceeds threshold %s", RuleErrorRates, cur, thr))
			reasons = append(reasons, fmt.Sprintf("Error rate %s exceeds threshold %s.", cur, thr))
		}
	}

	if len(failed) > 0 {
		return types.Verdict{
			Verdict:         types.VerdictRed,
			Rationale:       strings.Join(reasons, " "),
			FailedChecks:    failed,
			EvaluationRules: rules,
		}
	}
	return types.Verdict{
		Verdict:         types.VerdictGreen,
		Rationale:       "All verification rules passed: " + strings.Join(rules, ", ") + ".",
		FailedChecks:    failed,
		EvaluationRules: rules,
	}
}

func hasAuthenticSuccess(observations []evidence.DeploymentObservation) bool {
	for _, obs := range observations {
		if obs.IsAuthentic && strings.EqualFold(strings.TrimSpace(obs.Status), "success") {
			return true
		}
	}
	return false
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
