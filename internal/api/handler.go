// Package api implements the API façade (component F): the HTTP surface
// tenants and operators use to manage Programs and Pipelines and to
// proxy ingress/egress/query traffic through to a running worker via
// the Runner Interaction Client.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/flowctl/flowctl/internal/circuitbreaker"
	"github.com/flowctl/flowctl/internal/config"
	"github.com/flowctl/flowctl/internal/logging"
	"github.com/flowctl/flowctl/internal/metrics"
	"github.com/flowctl/flowctl/internal/observability"
	"github.com/flowctl/flowctl/internal/runner"
	"github.com/flowctl/flowctl/internal/store"
)

// statsCacheTTL bounds how long a worker's last /stats probe is reused
// before the façade re-probes it; stats are cheap to serve stale for a
// couple of seconds but expensive to fetch on every poller's request.
const statsCacheTTL = 2 * time.Second

type statsCacheEntry struct {
	status   *runner.Status
	err      error
	fetchedAt time.Time
}

// Handler holds the façade's dependencies. One Handler is constructed
// per daemon process and its routes registered against the daemon's
// http.ServeMux.
type Handler struct {
	store      store.Storage
	breakers   *circuitbreaker.Registry
	breakerCfg config.CircuitBreakerConfig
	automaton  config.AutomatonConfig
	outputs    *logging.OutputStore
	logCache   *store.LogStreamCache

	statsMu    sync.Mutex
	statsCache map[string]statsCacheEntry
}

// New constructs a Handler.
func New(st store.Storage, breakers *circuitbreaker.Registry, breakerCfg config.CircuitBreakerConfig, automatonCfg config.AutomatonConfig, outputs *logging.OutputStore, logCache *store.LogStreamCache) *Handler {
	return &Handler{
		store:      st,
		breakers:   breakers,
		breakerCfg: breakerCfg,
		automaton:  automatonCfg,
		outputs:    outputs,
		logCache:   logCache,
		statsCache: make(map[string]statsCacheEntry),
	}
}

// RegisterRoutes wires every façade route onto mux, following the
// method+pattern stdlib routing the daemon's admin API already uses.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /pipelines", h.requirePermission("read", h.ListPipelines))
	mux.HandleFunc("POST /pipelines", h.requirePermission("write", h.CreatePipeline))
	mux.HandleFunc("GET /pipelines/{name}", h.requirePermission("read", h.GetPipeline))
	mux.HandleFunc("PUT /pipelines/{name}", h.requirePermission("write", h.ReplacePipeline))
	mux.HandleFunc("PATCH /pipelines/{name}", h.requirePermission("write", h.UpdatePipeline))
	mux.HandleFunc("DELETE /pipelines/{name}", h.requirePermission("write", h.DeletePipeline))

	mux.HandleFunc("POST /pipelines/{name}/start", h.requirePermission("write", h.StartPipeline))
	mux.HandleFunc("POST /pipelines/{name}/pause", h.requirePermission("write", h.PausePipeline))
	mux.HandleFunc("POST /pipelines/{name}/shutdown", h.requirePermission("write", h.ShutdownPipeline))

	mux.HandleFunc("POST /pipelines/{name}/ingress/{table}", h.requirePermission("write", h.Ingress))
	mux.HandleFunc("POST /pipelines/{name}/egress/{view}", h.requirePermission("read", h.Egress))
	mux.HandleFunc("GET /pipelines/{name}/query", h.requirePermission("read", h.Query))

	mux.HandleFunc("GET /pipelines/{name}/logs", h.requirePermission("read", h.Logs))
	mux.HandleFunc("GET /pipelines/{name}/stats", h.requirePermission("read", h.Stats))

	mux.Handle("GET /metrics", metrics.PrometheusHandler())
}

// clientFor builds a Runner Interaction client bound to a pipeline's
// current worker location, sharing that pipeline's circuit breaker with
// the automaton so a tripped breaker protects both reconcile ticks and
// façade-proxied traffic alike.
func (h *Handler) clientFor(pipelineID, baseURL string) *runner.Client {
	var breaker *circuitbreaker.Breaker
	if h.breakers != nil {
		breaker = h.breakers.Get(pipelineID, circuitbreaker.Config{
			ErrorPct:       h.breakerCfg.ErrorPct,
			WindowDuration: h.breakerCfg.WindowDuration,
			OpenDuration:   h.breakerCfg.OpenDuration,
			HalfOpenProbes: h.breakerCfg.HalfOpenProbes,
		})
	}
	return runner.New(pipelineID, baseURL, h.automaton.HTTPRequestTimeout, breaker)
}

func (h *Handler) probeCached(ctx context.Context, pipelineID, baseURL string) (*runner.Status, error) {
	h.statsMu.Lock()
	entry, ok := h.statsCache[pipelineID]
	h.statsMu.Unlock()
	if ok && time.Since(entry.fetchedAt) < statsCacheTTL {
		return entry.status, entry.err
	}

	ctx, span := observability.StartSpan(ctx, "api.probe", observability.AttrPipelineID.String(pipelineID))
	defer span.End()

	status, err := h.clientFor(pipelineID, baseURL).Probe(ctx)
	h.statsMu.Lock()
	h.statsCache[pipelineID] = statsCacheEntry{status: status, err: err, fetchedAt: time.Now()}
	h.statsMu.Unlock()
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	return status, err
}
