package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
)

type createWorkflowRequest struct {
	Name      string `json:"name"`
	Workspace string `json:"workspace"`
}

func (a *API) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	if a.workflows == nil {
		writeError(w, apperr.New(apperr.Internal, "controlapi.handleCreateWorkflow", "workflow store not wired"))
		return
	}
	bc, err := gateway.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleCreateWorkflow", "malformed request body"))
		return
	}
	if req.Name == "" {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleCreateWorkflow", "name is required"))
		return
	}

	wf, err := a.workflows.CreateWorkflow(r.Context(), bc.Tenant.ID, domain.Workflow{
		Name: req.Name, Workspace: req.Workspace, CreatedBy: bc.Principal.UserID, Status: domain.WorkflowDraft,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

type createVersionRequest struct {
	Payload         json.RawMessage `json:"payload"`
	ParentVersionID *uuid.UUID      `json:"parent_version_id,omitempty"`
	SemanticVersion string          `json:"semantic_version"`
	ChangeSummary   string          `json:"change_summary"`
	NodeCount       int             `json:"node_count"`
	ConnectionCount int             `json:"connection_count"`
}

func (a *API) handleCreateWorkflowVersion(w http.ResponseWriter, r *http.Request) {
	if a.workflows == nil {
		writeError(w, apperr.New(apperr.Internal, "controlapi.handleCreateWorkflowVersion", "workflow store not wired"))
		return
	}
	bc, err := gateway.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	workflowID, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleCreateWorkflowVersion", "malformed workflow id"))
		return
	}
	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleCreateWorkflowVersion", "malformed request body"))
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleCreateWorkflowVersion", "payload is required"))
		return
	}

	version, err := a.workflows.CreateVersion(r.Context(), bc.Tenant.ID, workflowID, []byte(req.Payload),
		req.ParentVersionID, req.SemanticVersion, req.ChangeSummary, req.NodeCount, req.ConnectionCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (a *API) handleActivateVersion(w http.ResponseWriter, r *http.Request) {
	if a.workflows == nil {
		writeError(w, apperr.New(apperr.Internal, "controlapi.handleActivateVersion", "workflow store not wired"))
		return
	}
	bc, err := gateway.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	workflowID, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleActivateVersion", "malformed workflow id"))
		return
	}
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleActivateVersion", "malformed version id"))
		return
	}

	version, err := a.workflows.ActivateVersion(r.Context(), bc.Tenant.ID, workflowID, versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}
