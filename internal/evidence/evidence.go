// Package evidence models the evidence attached to incidents and supplied to
// verification. Raw payloads are validated here into a closed set of typed
// variants before any playbook step or rule looks at them.
package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindECS          Kind = "ecs"
	KindALB          Kind = "alb"
	KindDeployStatus Kind = "deploy_status"
	KindVerification Kind = "verification"
	KindHTTP         Kind = "http"
)

var (
	ErrEvidenceMissing = errors.New("evidence missing")
	ErrInvalidEvidence = errors.New("invalid evidence")
)

// Raw is the persisted / wire form of a single evidence entry.
type Raw struct {
	Kind string          `json:"kind"`
	Ref  string          `json:"ref"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ECS struct {
	Cluster     string `json:"cluster"`
	Service     string `json:"service"`
	Region      string `json:"region,omitempty"`
	Environment string `json:"environment,omitempty"`
}

type ALB struct {
	LoadBalancerARN string `json:"load_balancer_arn"`
	TargetGroupARN  string `json:"target_group_arn"`
	Environment     string `json:"environment,omitempty"`
}

type DeployStatus struct {
	DeploymentID string `json:"deployment_id"`
	Environment  string `json:"environment"`
	Status       string `json:"status"`
}

type Verification struct {
	Environment string `json:"environment"`
	Status      string `json:"status"`
	ReportRef   string `json:"report_ref,omitempty"`
}

type HTTPProbe struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
}

// Evidence is a validated tagged union; exactly one variant pointer matching
// Kind is set.
type Evidence struct {
	Kind         Kind
	Ref          string
	ECS          *ECS
	ALB          *ALB
	DeployStatus *DeployStatus
	Verification *Verification
	HTTP         *HTTPProbe
}

// Parse validates raw into a typed variant.
func Parse(raw Raw) (Evidence, error) {
	kind := Kind(strings.TrimSpace(raw.Kind))
	ev := Evidence{Kind: kind, Ref: strings.TrimSpace(raw.Ref)}

	data := raw.Data
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}

	var target any
	switch kind {
	case KindECS:
		ev.ECS = &ECS{}
		target = ev.ECS
	case KindALB:
		ev.ALB = &ALB{}
		target = ev.ALB
	case KindDeployStatus:
		ev.DeployStatus = &DeployStatus{}
		target = ev.DeployStatus
	case KindVerification:
		ev.Verification = &Verification{}
		target = ev.Verification
	case KindHTTP:
		ev.HTTP = &HTTPProbe{}
		target = ev.HTTP
	default:
		return Evidence{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvidence, raw.Kind)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return Evidence{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvidence, kind, err)
	}
	return ev, nil
}

// ParseAll validates every entry; the first invalid entry fails the batch.
func ParseAll(raws []Raw) ([]Evidence, error) {
	out := make([]Evidence, 0, len(raws))
	for i, raw := range raws {
		ev, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("evidence[%d]: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Encode turns a typed entry back into its persisted form.
func Encode(ev Evidence) (Raw, error) {
	var payload any
	switch ev.Kind {
	case KindECS:
		payload = ev.ECS
	case KindALB:
		payload = ev.ALB
	case KindDeployStatus:
		payload = ev.DeployStatus
	case KindVerification:
		payload = ev.Verification
	case KindHTTP:
		payload = ev.HTTP
	default:
		return Raw{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvidence, ev.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Raw{}, err
	}
	return Raw{Kind: string(ev.Kind), Ref: ev.Ref, Data: data}, nil
}

// Fields flattens the variant into the named fields a requirement can check.
func (e Evidence) Fields() map[string]string {
	out := map[string]string{"ref": e.Ref}
	switch e.Kind {
	case KindECS:
		if e.ECS != nil {
			out["cluster"] = e.ECS.Cluster
			out["service"] = e.ECS.Service
			out["region"] = e.ECS.Region
			out["environment"] = e.ECS.Environment
		}
	case KindALB:
		if e.ALB != nil {
			out["load_balancer_arn"] = e.ALB.LoadBalancerARN
			out["target_group_arn"] = e.ALB.TargetGroupARN
			out["environment"] = e.ALB.Environment
		}
	case KindDeployStatus:
		if e.DeployStatus != nil {
			out["deployment_id"] = e.DeployStatus.DeploymentID
			out["environment"] = e.DeployStatus.Environment
			out["status"] = e.DeployStatus.Status
		}
	case KindVerification:
		if e.Verification != nil {
			out["environment"] = e.Verification.Environment
			out["status"] = e.Verification.Status
			out["report_ref"] = e.Verification.ReportRef
		}
	case KindHTTP:
		if e.HTTP != nil {
			out["url"] = e.HTTP.URL
			if e.HTTP.Status != 0 {
				out["status"] = fmt.Sprintf("%d", e.HTTP.Status)
			}
		}
	}
	return out
}

// Requirement names an evidence kind and the fields it must carry.
type Requirement struct {
	Kind           Kind     `yaml:"kind" json:"kind"`
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
}

// Require returns the first entry of req.Kind carrying every required field.
// No entry of the kind is ErrEvidenceMissing; entries lacking fields are
// ErrInvalidEvidence.
func Require(list []Evidence, req Requirement) (Evidence, error) {
	var lastMissing []string
	found := false
	for _, ev := range list {
		if ev.Kind != req.Kind {
			continue
		}
		found = true
		fields := ev.Fields()
		var missing []string
		for _, name := range req.RequiredFields {
			if strings.TrimSpace(fields[name]) == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			return ev, nil
		}
		lastMissing = missing
	}
	if !found {
		return Evidence{}, fmt.Errorf("%w: no %s evidence", ErrEvidenceMissing, req.Kind)
	}
	return Evidence{}, fmt.Errorf("%w: %s evidence missing fields %s", ErrInvalidEvidence, req.Kind, strings.Join(lastMissing, ","))
}

// FirstOf returns the first entry of kind.
func FirstOf(list []Evidence, kind Kind) (Evidence, bool) {
	for _, ev := range list {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Evidence{}, false
}
