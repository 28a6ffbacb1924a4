package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davidahmann/afu9/internal/auth"
	"github.com/davidahmann/afu9/internal/envnorm"
	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/lifecycle"
	"github.com/davidahmann/afu9/internal/playbook"
	"github.com/davidahmann/afu9/internal/policy"
	"github.com/davidahmann/afu9/internal/remediation"
	"github.com/davidahmann/afu9/internal/verdict"
)

// Handler exposes the control-plane core over HTTP. Nil collaborators
// answer 501.
type Handler struct {
	Auth        auth.Authenticator
	Policy      *policy.Evaluator
	Remediation *remediation.Service
	Lifecycle   *lifecycle.Machine
	Logger      *slog.Logger
}

type evaluateRequest struct {
	policy.EvaluationContext
	Record bool `json:"record"`
}

func (h *Handler) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	if h.Policy == nil {
		notConfigured(w, "policy evaluator")
		return
	}
	var req evaluateRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Record {
		writeJSON(w, http.StatusOK, h.Policy.Evaluate(r.Context(), req.EvaluationContext))
		return
	}
	res, err := h.Policy.EvaluateAndRecord(r.Context(), req.EvaluationContext)
	if err != nil {
		h.logger().Error("policy audit write failed", "request_id", req.RequestID, "error", err)
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Verdict(w http.ResponseWriter, r *http.Request) {
	var bundle evidence.VerificationBundle
	if !decode(w, r, &bundle) {
		return
	}
	writeJSON(w, http.StatusOK, verdict.Evaluate(bundle))
}

type incidentView struct {
	IncidentID  string `json:"incident_id"`
	IncidentKey string `json:"incident_key"`
	Status      string `json:"status"`
	Environment string `json:"environment,omitempty"`
	Category    string `json:"category,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func viewIncident(rec ledger.IncidentRecord) incidentView {
	return incidentView{
		IncidentID:  rec.IncidentID,
		IncidentKey: rec.IncidentKey,
		Status:      rec.Status,
		Environment: rec.Environment,
		Category:    rec.Category,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (h *Handler) OpenIncident(w http.ResponseWriter, r *http.Request) {
	if h.Remediation == nil {
		notConfigured(w, "remediation service")
		return
	}
	var req remediation.OpenIncidentRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Remediation.OpenIncident(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewIncident(rec))
}

func (h *Handler) AcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	if h.Remediation == nil {
		notConfigured(w, "remediation service")
		return
	}
	rec, err := h.Remediation.Acknowledge(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewIncident(rec))
}

type playbookView struct {
	ID           string   `json:"id"`
	Version      string   `json:"version"`
	Title        string   `json:"title,omitempty"`
	Environments []string `json:"environments,omitempty"`
	Hash         string   `json:"hash"`
	Steps        []string `json:"steps"`
}

func (h *Handler) ListPlaybooks(w http.ResponseWriter, r *http.Request) {
	if h.Remediation == nil || h.Remediation.Catalog == nil {
		notConfigured(w, "playbook catalog")
		return
	}
	out := []playbookView{}
	for _, def := range h.Remediation.Catalog.List() {
		v := playbookView{
			ID:           def.ID,
			Version:      def.Version,
			Title:        def.Title,
			Environments: def.Environments,
			Hash:         def.Hash,
			Steps:        make([]string, 0, len(def.Steps)),
		}
		for _, s := range def.Steps {
			v.Steps = append(v.Steps, s.ID)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": out})
}

func (h *Handler) RunPlaybook(w http.ResponseWriter, r *http.Request) {
	if h.Remediation == nil {
		notConfigured(w, "remediation service")
		return
	}
	var req remediation.RunRequest
	if !decode(w, r, &req) {
		return
	}
	req.PlaybookID = chi.URLParam(r, "id")
	res, err := h.Remediation.Run(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetPlaybookRun(w http.ResponseWriter, r *http.Request) {
	if h.Remediation == nil || h.Remediation.Engine == nil {
		notConfigured(w, "playbook engine")
		return
	}
	runID := chi.URLParam(r, "runID")
	res, ok, err := h.Remediation.Engine.Run(r.Context(), runID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "playbook run not found"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ExecuteIssueStep(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle == nil {
		notConfigured(w, "lifecycle machine")
		return
	}
	step, err := lifecycle.ParseStep(chi.URLParam(r, "step"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	dryRun, ok := dryRunParam(w, r)
	if !ok {
		return
	}
	res, err := h.Lifecycle.Execute(r.Context(), step, chi.URLParam(r, "id"), lifecycle.StepContext{
		RequestID: middleware.GetReqID(r.Context()),
		DryRun:    dryRun,
	})
	if err != nil {
		h.logger().Error("lifecycle step failed", "issue_id", chi.URLParam(r, "id"), "step", step, "error", err)
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type startRunRequest struct {
	Type string `json:"type"`
}

func (h *Handler) StartIssueRun(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle == nil {
		notConfigured(w, "lifecycle machine")
		return
	}
	var req startRunRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = "delivery"
	}
	run, err := h.Lifecycle.StartRun(r.Context(), chi.URLParam(r, "id"), req.Type)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"run_id":   run.RunID,
		"issue_id": run.IssueID,
		"type":     run.Type,
		"status":   run.Status,
	})
}

func (h *Handler) AdvanceRun(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle == nil {
		notConfigured(w, "lifecycle machine")
		return
	}
	dryRun, ok := dryRunParam(w, r)
	if !ok {
		return
	}
	res, err := h.Lifecycle.Advance(r.Context(), chi.URLParam(r, "runID"), dryRun)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func dryRunParam(w http.ResponseWriter, r *http.Request) (bool, bool) {
	raw := r.URL.Query().Get("dry_run")
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dry_run must be a boolean"})
		return false, false
	}
	return v, true
}

// writeError maps core sentinel errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, playbook.ErrUnknownPlaybook),
		errors.Is(err, remediation.ErrIncidentNotFound),
		errors.Is(err, lifecycle.ErrRunNotFound),
		errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, evidence.ErrInvalidEvidence),
		errors.Is(err, evidence.ErrEvidenceMissing),
		errors.Is(err, envnorm.ErrUnknownEnvironment):
		status = http.StatusBadRequest
	case errors.Is(err, playbook.ErrEnvNotAllowed),
		errors.Is(err, lifecycle.ErrRunFinished),
		errors.Is(err, lifecycle.ErrNoNextStep):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger().Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func notConfigured(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotImplemented, map[string]string{"error": what + " not configured"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
