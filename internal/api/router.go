package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davidahmann/afu9/internal/auth"
)

// NewRouter mounts the health probe unauthenticated and every /v1 route
// behind the handler's authenticator.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(h.Auth, func(w http.ResponseWriter, err error) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		}))

		v1.Post("/policy/evaluate", h.EvaluatePolicy)
		v1.Post("/verdict", h.Verdict)

		v1.Post("/incidents", h.OpenIncident)
		v1.Post("/incidents/{key}/ack", h.AcknowledgeIncident)

		v1.Get("/playbooks", h.ListPlaybooks)
		v1.Post("/playbooks/{id}/runs", h.RunPlaybook)
		v1.Get("/playbook-runs/{runID}", h.GetPlaybookRun)

		v1.Post("/issues/{id}/steps/{step}", h.ExecuteIssueStep)
		v1.Post("/issues/{id}/runs", h.StartIssueRun)
		v1.Post("/runs/{runID}/advance", h.AdvanceRun)
	})
	return r
}
