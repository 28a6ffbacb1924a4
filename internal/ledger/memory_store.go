package ledger

import (
	"context"
	"sort"
	"sync"
)

type InMemoryStore struct {
	mu sync.Mutex

	audits    []PolicyAuditRecord
	auditByID map[string]int
	claims    map[string]ExecutionClaim

	lawbooks map[string]LawbookVersionRecord

	runs     map[string]PlaybookRunRecord
	steps    map[string][]PlaybookStepRecord
	stepIdem map[string]StepIdempotencyRecord

	incidents     map[string]IncidentRecord
	incidentByKey map[string]string
	evidence      map[string][]IncidentEvidenceRecord

	issues       map[string]IssueRecord
	lcRuns       map[string]RunRecord
	runSteps     map[string][]RunStepRecord
	timeline     map[string][]TimelineEventRecord
	observations map[string][]DeploymentObservationRecord
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		auditByID:     make(map[string]int),
		claims:        make(map[string]ExecutionClaim),
		lawbooks:      make(map[string]LawbookVersionRecord),
		runs:          make(map[string]PlaybookRunRecord),
		steps:         make(map[string][]PlaybookStepRecord),
		stepIdem:      make(map[string]StepIdempotencyRecord),
		incidents:     make(map[string]IncidentRecord),
		incidentByKey: make(map[string]string),
		evidence:      make(map[string][]IncidentEvidenceRecord),
		issues:        make(map[string]IssueRecord),
		lcRuns:        make(map[string]RunRecord),
		runSteps:      make(map[string][]RunStepRecord),
		timeline:      make(map[string][]TimelineEventRecord),
		observations:  make(map[string][]DeploymentObservationRecord),
	}
}

// Policy audit

func (s *InMemoryStore) PutPolicyAudit(_ context.Context, rec PolicyAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auditByID[rec.AuditID]; ok {
		return nil
	}
	s.auditByID[rec.AuditID] = len(s.audits)
	s.audits = append(s.audits, rec)
	return nil
}

func (s *InMemoryStore) GetPolicyAudit(_ context.Context, auditID string) (PolicyAuditRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.auditByID[auditID]
	if !ok {
		return PolicyAuditRecord{}, false, nil
	}
	return s.audits[idx], true, nil
}

func (s *InMemoryStore) LastAllowedExecution(_ context.Context, actionType, target string) (PolicyAuditRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  PolicyAuditRecord
		found bool
	)
	for _, rec := range s.audits {
		if rec.ActionType != actionType || rec.TargetIdentifier != target || rec.Decision != "allowed" {
			continue
		}
		if !found || rec.CreatedAt >= best.CreatedAt {
			best = rec
			found = true
		}
	}
	return best, found, nil
}

func (s *InMemoryStore) CountAllowedSince(_ context.Context, actionType, target, since string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.audits {
		if rec.ActionType == actionType && rec.TargetIdentifier == target && rec.Decision == "allowed" && rec.CreatedAt >= since {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) ClaimExecution(_ context.Context, claim ExecutionClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claim.ActionType + "\x00" + claim.IdempotencyKeyHash + "\x00" + claim.Slot
	if _, ok := s.claims[key]; ok {
		return false, nil
	}
	s.claims[key] = claim
	return true, nil
}

func (s *InMemoryStore) ReleaseExecution(_ context.Context, claim ExecutionClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claim.ActionType + "\x00" + claim.IdempotencyKeyHash + "\x00" + claim.Slot
	if held, ok := s.claims[key]; ok && held.AuditID == claim.AuditID {
		delete(s.claims, key)
	}
	return nil
}

// Lawbooks

func (s *InMemoryStore) PutLawbookVersion(_ context.Context, rec LawbookVersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lawbooks[rec.LawbookHash]; ok {
		return nil
	}
	rec.Active = false
	rec.ActivatedAt = nil
	s.lawbooks[rec.LawbookHash] = rec
	return nil
}

func (s *InMemoryStore) GetLawbookVersion(_ context.Context, hash string) (LawbookVersionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lawbooks[hash]
	return rec, ok, nil
}

func (s *InMemoryStore) ActivateLawbook(_ context.Context, hash string, activatedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.lawbooks[hash]
	if !ok {
		return ErrNotFound
	}
	for h, rec := range s.lawbooks {
		if rec.Active {
			rec.Active = false
			s.lawbooks[h] = rec
		}
	}
	at := activatedAt
	target.Active = true
	target.ActivatedAt = &at
	s.lawbooks[hash] = target
	return nil
}

func (s *InMemoryStore) GetActiveLawbook(_ context.Context) (LawbookVersionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.lawbooks {
		if rec.Active {
			return rec, true, nil
		}
	}
	return LawbookVersionRecord{}, false, nil
}

// Playbook runs

func (s *InMemoryStore) CreatePlaybookRun(_ context.Context, rec PlaybookRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.RunID] = rec
	return nil
}

func (s *InMemoryStore) UpdatePlaybookRun(_ context.Context, rec PlaybookRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; !ok {
		return ErrNotFound
	}
	s.runs[rec.RunID] = rec
	return nil
}

func (s *InMemoryStore) GetPlaybookRun(_ context.Context, runID string) (PlaybookRunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	return rec, ok, nil
}

func (s *InMemoryStore) CreatePlaybookStep(_ context.Context, rec PlaybookStepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[rec.RunID] = append(s.steps[rec.RunID], rec)
	return nil
}

func (s *InMemoryStore) UpdatePlaybookStep(_ context.Context, rec PlaybookStepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[rec.RunID]
	for i := range steps {
		if steps[i].StepID == rec.StepID {
			steps[i] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) ListPlaybookSteps(_ context.Context, runID string) ([]PlaybookStepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]PlaybookStepRecord(nil), s.steps[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// Step idempotency

func (s *InMemoryStore) ClaimStepIdempotency(_ context.Context, rec StepIdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stepIdem[rec.Key]; ok {
		return false, nil
	}
	s.stepIdem[rec.Key] = rec
	return true, nil
}

func (s *InMemoryStore) GetStepIdempotency(_ context.Context, key string) (StepIdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.stepIdem[key]
	return rec, ok, nil
}

func (s *InMemoryStore) RetakeStepIdempotency(_ context.Context, key, runID, at string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.stepIdem[key]
	if !ok || rec.Status != StepClaimFailed {
		return false, nil
	}
	rec.Status = StepClaimPending
	rec.RunID = runID
	rec.OutputJSON = nil
	rec.UpdatedAt = at
	s.stepIdem[key] = rec
	return true, nil
}

func (s *InMemoryStore) CompleteStepIdempotency(_ context.Context, key, status string, output []byte, at string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.stepIdem[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.OutputJSON = output
	rec.UpdatedAt = at
	s.stepIdem[key] = rec
	return nil
}

// Incidents

func (s *InMemoryStore) PutIncident(_ context.Context, rec IncidentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidentByKey[rec.IncidentKey]; ok {
		return nil
	}
	s.incidents[rec.IncidentID] = rec
	s.incidentByKey[rec.IncidentKey] = rec.IncidentID
	return nil
}

func (s *InMemoryStore) GetIncident(_ context.Context, incidentID string) (IncidentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.incidents[incidentID]
	return rec, ok, nil
}

func (s *InMemoryStore) GetIncidentByKey(_ context.Context, incidentKey string) (IncidentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.incidentByKey[incidentKey]
	if !ok {
		return IncidentRecord{}, false, nil
	}
	return s.incidents[id], true, nil
}

func (s *InMemoryStore) UpdateIncidentStatus(_ context.Context, incidentID, status, at string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.incidents[incidentID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = at
	s.incidents[incidentID] = rec
	return nil
}

func (s *InMemoryStore) AddIncidentEvidence(_ context.Context, rec IncidentEvidenceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.evidence[rec.IncidentID] {
		if existing.Kind == rec.Kind && existing.Ref == rec.Ref {
			return false, nil
		}
	}
	s.evidence[rec.IncidentID] = append(s.evidence[rec.IncidentID], rec)
	return true, nil
}

func (s *InMemoryStore) ListIncidentEvidence(_ context.Context, incidentID string) ([]IncidentEvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IncidentEvidenceRecord(nil), s.evidence[incidentID]...), nil
}

// Issues, lifecycle runs, timeline

func (s *InMemoryStore) CreateIssue(_ context.Context, rec IssueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[rec.IssueID] = rec
	return nil
}

func (s *InMemoryStore) GetIssue(_ context.Context, issueID string) (IssueRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.issues[issueID]
	return rec, ok, nil
}

func (s *InMemoryStore) UpdateIssue(_ context.Context, rec IssueRecord, expectedStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.issues[rec.IssueID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != expectedStatus {
		return false, nil
	}
	s.issues[rec.IssueID] = rec
	return true, nil
}

func (s *InMemoryStore) CreateRun(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lcRuns[rec.RunID] = rec
	return nil
}

func (s *InMemoryStore) GetRun(_ context.Context, runID string) (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lcRuns[runID]
	return rec, ok, nil
}

func (s *InMemoryStore) UpdateRunStatus(_ context.Context, runID, status, at string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lcRuns[runID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = at
	s.lcRuns[runID] = rec
	return nil
}

func (s *InMemoryStore) AppendRunStep(_ context.Context, rec RunStepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runSteps[rec.RunID] = append(s.runSteps[rec.RunID], rec)
	return nil
}

func (s *InMemoryStore) ListRunSteps(_ context.Context, runID string) ([]RunStepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunStepRecord(nil), s.runSteps[runID]...), nil
}

func (s *InMemoryStore) AppendTimelineEvent(_ context.Context, rec TimelineEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline[rec.IssueID] = append(s.timeline[rec.IssueID], rec)
	return nil
}

func (s *InMemoryStore) ListTimelineEvents(_ context.Context, issueID string) ([]TimelineEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TimelineEventRecord(nil), s.timeline[issueID]...), nil
}

func (s *InMemoryStore) PutDeploymentObservation(_ context.Context, rec DeploymentObservationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.observations[rec.IssueID]
	for i := range list {
		if list[i].DeploymentID == rec.DeploymentID {
			rec.ObservationID = list[i].ObservationID
			rec.CreatedAt = list[i].CreatedAt
			list[i] = rec
			return nil
		}
	}
	s.observations[rec.IssueID] = append(list, rec)
	return nil
}

func (s *InMemoryStore) ListDeploymentObservations(_ context.Context, issueID string) ([]DeploymentObservationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeploymentObservationRecord(nil), s.observations[issueID]...), nil
}
