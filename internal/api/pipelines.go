package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flowctl/flowctl/internal/domain"
)

// createPipelineRequest is the body of POST /pipelines. It creates both
// a Program row (the SQL text and compilation profile) and the Pipeline
// row that deploys it, since the wire model exposes them as one
// resource even though they are stored separately.
type createPipelineRequest struct {
	Name          string                    `json:"name"`
	Description   string                    `json:"description"`
	Code          string                    `json:"code"`
	Profile       domain.CompilationProfile `json:"profile"`
	RuntimeConfig domain.RuntimeConfig      `json:"runtime_config"`
}

type pipelineResponse struct {
	Name                string                   `json:"name"`
	Description         string                   `json:"description"`
	ProgramStatus       domain.ProgramStatus     `json:"program_status"`
	DeploymentStatus    domain.DeploymentStatus  `json:"deployment_status"`
	DesiredStatus       domain.DesiredStatus     `json:"desired_status"`
	RuntimeConfig       domain.RuntimeConfig     `json:"runtime_config"`
	DeploymentError     string                   `json:"deployment_error,omitempty"`
	Version             int64                    `json:"version"`
	CreatedAt           time.Time                `json:"created_at"`
	UpdatedAt           time.Time                `json:"updated_at"`
}

func toPipelineResponse(p *domain.Pipeline, prog *domain.Program) pipelineResponse {
	resp := pipelineResponse{
		Name:             p.Name,
		Description:      p.Description,
		DeploymentStatus: p.DeploymentStatus,
		DesiredStatus:    p.DesiredStatus,
		RuntimeConfig:    p.RuntimeConfig,
		DeploymentError:  p.DeploymentError,
		Version:          p.Version,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if prog != nil {
		resp.ProgramStatus = prog.Status
	}
	return resp
}

// ListPipelines handles GET /pipelines.
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	pipelines, err := h.store.ListPipelines(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]pipelineResponse, 0, len(pipelines))
	for _, p := range pipelines {
		prog, _ := h.store.GetProgram(r.Context(), p.ProgramID)
		out = append(out, toPipelineResponse(p, prog))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPipeline handles GET /pipelines/{name}.
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	p, err := h.store.GetPipelineByName(r.Context(), id.TenantID, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	prog, err := h.store.GetProgram(r.Context(), p.ProgramID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPipelineResponse(p, prog))
}

// CreatePipeline handles POST /pipelines: creates the backing Program in
// Pending status (picked up by the Compilation Pipeline reconciler) and
// a Pipeline in Shutdown/desired-Shutdown, awaiting an explicit start.
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())

	var req createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "MalformedRequest", err.Error(), nil)
		return
	}

	if err := domain.ValidateName("pipeline", req.Name); err != nil {
		writeError(w, err)
		return
	}
	profile, err := domain.ValidateProfile(req.Profile)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	prog := &domain.Program{
		ID:          newID(),
		TenantID:    id.TenantID,
		Name:        req.Name,
		Description: req.Description,
		Code:        req.Code,
		Config:      domain.ProgramConfig{Profile: profile},
		Status:      domain.ProgramPending,
		StatusSince: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateProgram(r.Context(), prog); err != nil {
		writeError(w, err)
		return
	}

	p := &domain.Pipeline{
		ID:               newID(),
		TenantID:         id.TenantID,
		ProgramID:        prog.ID,
		Name:             req.Name,
		Description:      req.Description,
		RuntimeConfig:    req.RuntimeConfig,
		DeploymentStatus: domain.DeployShutdown,
		DesiredStatus:    domain.DesiredShutdown,
		DeploymentStatusSince: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := h.store.CreatePipeline(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPipelineResponse(p, prog))
}

type updatePipelineRequest struct {
	Description   *string               `json:"description"`
	Code          *string               `json:"code"`
	RuntimeConfig *domain.RuntimeConfig `json:"runtime_config"`
}

// ReplacePipeline handles PUT /pipelines/{name}: replacement of the
// mutable fields, requiring description and runtime_config to be
// present; code stays optional.
func (h *Handler) ReplacePipeline(w http.ResponseWriter, r *http.Request) {
	h.patchPipeline(w, r, true)
}

// UpdatePipeline handles PATCH /pipelines/{name}: partial update, only
// fields present in the body are changed.
func (h *Handler) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	h.patchPipeline(w, r, false)
}

func (h *Handler) patchPipeline(w http.ResponseWriter, r *http.Request, full bool) {
	id, _ := identityFromContext(r.Context())
	name := r.PathValue("name")

	var req updatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "MalformedRequest", err.Error(), nil)
		return
	}
	if full && (req.Description == nil || req.RuntimeConfig == nil) {
		writeErrorCode(w, http.StatusBadRequest, "MissingField", "PUT requires description and runtime_config", nil)
		return
	}

	p, err := h.store.GetPipelineByName(r.Context(), id.TenantID, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.DeploymentStatus != domain.DeployShutdown {
		writeErrorCode(w, http.StatusBadRequest, "PipelineRunning", "pipeline must be shutdown before its fields can be changed", nil)
		return
	}
	expected := p.Version
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.RuntimeConfig != nil {
		p.RuntimeConfig = *req.RuntimeConfig
	}
	p.Version++
	p.UpdatedAt = time.Now()
	if err := h.store.UpdatePipeline(r.Context(), p, expected); err != nil {
		writeError(w, err)
		return
	}

	var prog *domain.Program
	if req.Code != nil {
		prog, err = h.store.GetProgram(r.Context(), p.ProgramID)
		if err != nil {
			writeError(w, err)
			return
		}
		progExpected := prog.Version
		prog.Code = *req.Code
		prog.Status = domain.ProgramPending
		prog.StatusSince = time.Now()
		prog.UpdatedAt = time.Now()
		if err := h.store.UpdateProgram(r.Context(), prog, progExpected); err != nil {
			writeError(w, err)
			return
		}
	} else {
		prog, _ = h.store.GetProgram(r.Context(), p.ProgramID)
	}

	writeJSON(w, http.StatusOK, toPipelineResponse(p, prog))
}

// DeletePipeline handles DELETE /pipelines/{name}. Only a Pipeline whose
// DeploymentStatus is already Shutdown can be deleted; callers must
// drive it down via the shutdown command first.
func (h *Handler) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	p, err := h.store.GetPipelineByName(r.Context(), id.TenantID, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if p.DeploymentStatus != domain.DeployShutdown {
		writeErrorCode(w, http.StatusConflict, "PipelineNotShutdown", "pipeline must be shutdown before deletion", nil)
		return
	}
	if err := h.store.DeletePipeline(r.Context(), p.ID); err != nil {
		writeError(w, err)
		return
	}
	h.outputs.Clear(p.ID)
	w.WriteHeader(http.StatusNoContent)
}
