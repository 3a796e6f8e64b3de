package api

import (
	"net/http"

	"github.com/flowctl/flowctl/internal/domain"
)

// StartPipeline handles POST /pipelines/{name}/start: sets DesiredStatus
// to Running, letting the Lifecycle Automaton drive the transition on
// its next reconcile tick.
func (h *Handler) StartPipeline(w http.ResponseWriter, r *http.Request) {
	h.setDesired(w, r, domain.DesiredRunning)
}

// PausePipeline handles POST /pipelines/{name}/pause.
func (h *Handler) PausePipeline(w http.ResponseWriter, r *http.Request) {
	h.setDesired(w, r, domain.DesiredPaused)
}

// ShutdownPipeline handles POST /pipelines/{name}/shutdown.
func (h *Handler) ShutdownPipeline(w http.ResponseWriter, r *http.Request) {
	h.setDesired(w, r, domain.DesiredShutdown)
}

func (h *Handler) setDesired(w http.ResponseWriter, r *http.Request, desired domain.DesiredStatus) {
	if err := domain.ValidateDesiredStatus(desired); err != nil {
		writeError(w, err)
		return
	}

	id, _ := identityFromContext(r.Context())
	p, err := h.store.GetPipelineByName(r.Context(), id.TenantID, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	if desired == domain.DesiredRunning && !h.isCompiled(r, p) {
		writeErrorCode(w, http.StatusBadRequest, "ProgramNotCompiled", "program has not compiled successfully to a deployable binary", nil)
		return
	}

	expected := p.Version
	p.DesiredStatus = desired
	if err := h.store.UpdatePipeline(r.Context(), p, expected); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toPipelineResponse(p, nil))
}

// isCompiled reports whether p's owning Program has a successful
// compile with a BinaryRef published for its current version, the
// precondition for a start request to have anything to provision.
func (h *Handler) isCompiled(r *http.Request, p *domain.Pipeline) bool {
	prog, err := h.store.GetProgram(r.Context(), p.ProgramID)
	if err != nil || prog.Status != domain.ProgramSuccess {
		return false
	}
	ref, err := h.store.GetLatestBinaryRef(r.Context(), prog.ID)
	if err != nil || ref == nil || ref.Version != prog.Version {
		return false
	}
	return true
}
