package api

import (
	"io"
	"net/http"
	"time"

	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/logging"
	"github.com/flowctl/flowctl/internal/observability"
	"github.com/flowctl/flowctl/internal/runner"
)

// logCall records one ingress/egress/query call against a pipeline's
// worker, attaching the request's trace/span IDs so a log line can be
// correlated back to the Runner Interaction span that produced it.
func logCall(r *http.Request, p *domain.Pipeline, op string, started time.Time, err error) {
	entry := &logging.RequestLog{
		RequestID:  observability.GetTraceID(r.Context()),
		TraceID:    observability.GetTraceID(r.Context()),
		SpanID:     observability.GetSpanID(r.Context()),
		Operation:  op,
		Pipeline:   p.Name,
		PipelineID: p.ID,
		DurationMs: time.Since(started).Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.Default().Log(entry)
}

// resolveRunning looks up a pipeline and checks it has a worker to talk
// to; every proxy route (ingress/egress/query/stats) shares this guard.
func (h *Handler) resolveRunning(w http.ResponseWriter, r *http.Request) (*domain.Pipeline, *runner.Client, bool) {
	id, _ := identityFromContext(r.Context())
	p, err := h.store.GetPipelineByName(r.Context(), id.TenantID, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	if p.DeploymentLocation == "" {
		writeErrorCode(w, http.StatusConflict, "PipelineNotRunning", "pipeline has no active worker", nil)
		return nil, nil, false
	}
	return p, h.clientFor(p.ID, p.DeploymentLocation), true
}

// Ingress handles POST /pipelines/{name}/ingress/{table}, proxying the
// request body straight through to the worker.
func (h *Handler) Ingress(w http.ResponseWriter, r *http.Request) {
	p, client, ok := h.resolveRunning(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	started := time.Now()
	parseErrs, err := client.Ingress(r.Context(), r.PathValue("table"), format, r.Body)
	logCall(r, p, "ingress", started, err)
	if err != nil {
		writeError(w, err)
		return
	}
	if parseErrs != nil {
		writeJSON(w, http.StatusBadRequest, parseErrs)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Egress handles POST /pipelines/{name}/egress/{view}, streaming the
// worker's chunked response body back to the caller unbuffered.
func (h *Handler) Egress(w http.ResponseWriter, r *http.Request) {
	p, client, ok := h.resolveRunning(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	started := time.Now()
	body, err := client.Egress(r.Context(), r.PathValue("view"), format)
	logCall(r, p, "egress", started, err)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if format == "json" {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

// Query handles GET /pipelines/{name}/query, forwarding the sql and
// format query parameters to the worker's ad-hoc query endpoint.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	p, client, ok := h.resolveRunning(w, r)
	if !ok {
		return
	}
	sql := r.URL.Query().Get("sql")
	if sql == "" {
		writeErrorCode(w, http.StatusBadRequest, "MissingQuery", "sql query parameter is required", nil)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	started := time.Now()
	result, err := client.Query(r.Context(), sql, format)
	logCall(r, p, "query", started, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
