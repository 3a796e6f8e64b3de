package api

import (
	"net/http"

	"github.com/flowctl/flowctl/internal/logging"
)

// logsResponse bundles the two complementary log sources this façade
// can serve: the in-process OutputStore (authoritative immediately
// after a worker exits) and the Redis-backed LogStreamCache (survives a
// daemon restart, bounded by its own TTL).
type logsResponse struct {
	Stdout string   `json:"stdout"`
	Stderr string   `json:"stderr"`
	Tail   []string `json:"tail,omitempty"`
}

// Logs handles GET /pipelines/{name}/logs.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	p, err := h.store.GetPipelineByName(r.Context(), id.TenantID, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := logsResponse{Stdout: logging.LogStreamUnavailable, Stderr: logging.LogStreamUnavailable}
	if entry, ok := h.outputs.Get(p.ID); ok {
		resp.Stdout = entry.Stdout
		resp.Stderr = entry.Stderr
	}
	if h.logCache != nil {
		if tail, err := h.logCache.Tail(r.Context(), p.ID); err == nil {
			resp.Tail = tail
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
