// Package adapters declares the external collaborators the control plane
// drives: the ECS service API and the GitHub client. Transports live
// outside this module; the core depends only on these shapes.
package adapters

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by Unconfigured adapters.
var ErrNotConfigured = errors.New("adapter not configured")

type ServiceState struct {
	Cluster        string `json:"cluster"`
	Service        string `json:"service"`
	Status         string `json:"status"`
	TaskDefinition string `json:"task_definition,omitempty"`
	DesiredCount   int    `json:"desired_count"`
	RunningCount   int    `json:"running_count"`
	PendingCount   int    `json:"pending_count"`
	Deployments    int    `json:"deployments"`
}

type ForceNewDeploymentRequest struct {
	RequestID   string
	Cluster     string
	Service     string
	Environment string
	IncidentKey string
	HasApproval bool
}

type DeploymentRef struct {
	DeploymentID string    `json:"deployment_id"`
	StartedAt    time.Time `json:"started_at"`
}

// StabilityReport is one observation of a service converging after a
// deployment.
type StabilityReport struct {
	Stable       bool   `json:"stable"`
	DesiredCount int    `json:"desired_count"`
	RunningCount int    `json:"running_count"`
	Reason       string `json:"reason,omitempty"`
}

type ECS interface {
	DescribeService(ctx context.Context, cluster, service string) (ServiceState, error)
	ForceNewDeployment(ctx context.Context, req ForceNewDeploymentRequest) (DeploymentRef, error)
	PollServiceStability(ctx context.Context, cluster, service string) (StabilityReport, error)
}

// Unconfigured fails every call with ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) DescribeService(context.Context, string, string) (ServiceState, error) {
	return ServiceState{}, ErrNotConfigured
}

func (Unconfigured) ForceNewDeployment(context.Context, ForceNewDeploymentRequest) (DeploymentRef, error) {
	return DeploymentRef{}, ErrNotConfigured
}

func (Unconfigured) PollServiceStability(context.Context, string, string) (StabilityReport, error) {
	return StabilityReport{}, ErrNotConfigured
}

func (Unconfigured) GetIssue(context.Context, string, int) (Issue, error) {
	return Issue{}, ErrNotConfigured
}

func (Unconfigured) AddLabels(context.Context, string, int, []string) error {
	return ErrNotConfigured
}

func (Unconfigured) GetPullRequest(context.Context, string, int) (PullRequest, error) {
	return PullRequest{}, ErrNotConfigured
}

func (Unconfigured) ListCheckRuns(context.Context, string, string) ([]CheckRun, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) ListDeployments(context.Context, string, string) ([]Deployment, error) {
	return nil, ErrNotConfigured
}

var (
	_ ECS    = Unconfigured{}
	_ GitHub = Unconfigured{}
)
