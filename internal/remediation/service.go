package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/afu9/internal/envnorm"
	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/playbook"
	"github.com/davidahmann/afu9/pkg/types"
)

// Service opens incidents and runs catalog playbooks against them.
type Service struct {
	Engine  *playbook.Engine
	Catalog *playbook.Catalog
	Store   Store
	Now     func() time.Time
}

type OpenIncidentRequest struct {
	IncidentKey string         `json:"incident_key"`
	Environment string         `json:"environment"`
	Category    string         `json:"category"`
	Evidence    []evidence.Raw `json:"evidence"`
}

// OpenIncident records the incident if its key is new, then attaches any
// evidence not already recorded. Evidence is validated before anything is
// written.
func (s *Service) OpenIncident(ctx context.Context, req OpenIncidentRequest) (ledger.IncidentRecord, error) {
	if strings.TrimSpace(req.IncidentKey) == "" {
		return ledger.IncidentRecord{}, fmt.Errorf("incident_key is required")
	}
	if req.Environment != "" {
		if _, err := envnorm.Normalize(req.Environment); err != nil {
			return ledger.IncidentRecord{}, err
		}
	}
	parsed, err := evidence.ParseAll(req.Evidence)
	if err != nil {
		return ledger.IncidentRecord{}, err
	}

	now := ledger.FormatTime(s.now())
	if err := s.Store.PutIncident(ctx, ledger.IncidentRecord{
		IncidentID:  uuid.NewString(),
		IncidentKey: req.IncidentKey,
		Status:      string(types.IncidentOpen),
		Environment: req.Environment,
		Category:    req.Category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return ledger.IncidentRecord{}, fmt.Errorf("put incident: %w", err)
	}
	rec, ok, err := s.Store.GetIncidentByKey(ctx, req.IncidentKey)
	if err != nil {
		return ledger.IncidentRecord{}, err
	}
	if !ok {
		return ledger.IncidentRecord{}, ErrIncidentNotFound
	}

	for _, ev := range parsed {
		raw, err := evidence.Encode(ev)
		if err != nil {
			return rec, err
		}
		if _, err := s.Store.AddIncidentEvidence(ctx, ledger.IncidentEvidenceRecord{
			IncidentID: rec.IncidentID,
			Kind:       raw.Kind,
			Ref:        raw.Ref,
			DataJSON:   raw.Data,
			CreatedAt:  now,
		}); err != nil {
			return rec, fmt.Errorf("add incident evidence: %w", err)
		}
	}
	return rec, nil
}

// Acknowledge moves an OPEN incident to ACKED; other states are left alone.
func (s *Service) Acknowledge(ctx context.Context, incidentKey string) (ledger.IncidentRecord, error) {
	rec, ok, err := s.Store.GetIncidentByKey(ctx, incidentKey)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, ErrIncidentNotFound
	}
	if rec.Status != string(types.IncidentOpen) {
		return rec, nil
	}
	now := ledger.FormatTime(s.now())
	if err := s.Store.UpdateIncidentStatus(ctx, rec.IncidentID, string(types.IncidentAcked), now); err != nil {
		return rec, err
	}
	rec.Status = string(types.IncidentAcked)
	rec.UpdatedAt = now
	return rec, nil
}

type RunRequest struct {
	PlaybookID  string            `json:"-"`
	RequestID   string            `json:"request_id"`
	Env         string            `json:"env"`
	IncidentKey string            `json:"incident_key"`
	Variables   map[string]string `json:"variables"`
	Evidence    []evidence.Raw    `json:"evidence"`
}

// Run executes a catalog playbook. Request evidence comes first, followed by
// evidence already recorded on the incident.
func (s *Service) Run(ctx context.Context, req RunRequest) (types.PlaybookRunResult, error) {
	def, ok := s.Catalog.Get(req.PlaybookID)
	if !ok {
		return types.PlaybookRunResult{}, fmt.Errorf("%w: %s", playbook.ErrUnknownPlaybook, req.PlaybookID)
	}
	evs, err := evidence.ParseAll(req.Evidence)
	if err != nil {
		return types.PlaybookRunResult{}, err
	}
	if req.IncidentKey != "" {
		stored, err := s.incidentEvidence(ctx, req.IncidentKey)
		if err != nil {
			return types.PlaybookRunResult{}, err
		}
		evs = append(evs, stored...)
	}
	return s.Engine.Execute(ctx, def, playbook.RunRequest{
		RequestID:   req.RequestID,
		Env:         req.Env,
		IncidentKey: req.IncidentKey,
		Variables:   req.Variables,
		Evidence:    evs,
	})
}

func (s *Service) incidentEvidence(ctx context.Context, incidentKey string) ([]evidence.Evidence, error) {
	rec, ok, err := s.Store.GetIncidentByKey(ctx, incidentKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentKey)
	}
	rows, err := s.Store.ListIncidentEvidence(ctx, rec.IncidentID)
	if err != nil {
		return nil, err
	}
	raws := make([]evidence.Raw, 0, len(rows))
	for _, row := range rows {
		raws = append(raws, evidence.Raw{Kind: row.Kind, Ref: row.Ref, Data: row.DataJSON})
	}
	return evidence.ParseAll(raws)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
