package evidence

import "time"

// DeploymentObservation is one observed deployment of a change to an
// environment. IsAuthentic means the deployment was tied to the expected
// commit rather than inferred.
type DeploymentObservation struct {
	ID          string    `json:"id"`
	Environment string    `json:"environment"`
	Status      string    `json:"status"`
	IsAuthentic bool      `json:"is_authentic"`
	SHA         string    `json:"sha,omitempty"`
	ObservedAt  time.Time `json:"observed_at,omitempty"`
}

type HealthCheck struct {
	Endpoint string `json:"endpoint"`
	Status   int    `json:"status"`
}

type IntegrationTests struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

type ErrorRates struct {
	Current   float64 `json:"current"`
	Threshold float64 `json:"threshold"`
}

// VerificationBundle is the input to the verdict evaluator. Optional parts
// are nil when not supplied; a supplied-but-empty HealthChecks slice is
// still evaluated.
type VerificationBundle struct {
	DeploymentObservations []DeploymentObservation `json:"deployment_observations"`
	HealthChecks           []HealthCheck           `json:"health_checks,omitempty"`
	IntegrationTests       *IntegrationTests       `json:"integration_tests,omitempty"`
	ErrorRates             *ErrorRates             `json:"error_rates,omitempty"`
}
