package api

import "net/http"

// Stats handles GET /pipelines/{name}/stats, probing the worker's own
// status endpoint through a short-lived cache so a dashboard polling
// every second doesn't generate one Runner Interaction call per poll.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	p, _, ok := h.resolveRunning(w, r)
	if !ok {
		return
	}

	status, err := h.probeCached(r.Context(), p.ID, p.DeploymentLocation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
