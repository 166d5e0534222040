package controlapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
)

type submitJobRequest struct {
	WorkflowID  uuid.UUID      `json:"workflow_id"`
	Variables   map[string]any `json:"variables"`
	Priority    int            `json:"priority"`
	MaxRetries  int            `json:"max_retries"`
}

type jobResponse struct {
	ID              uuid.UUID      `json:"id"`
	WorkflowID      uuid.UUID      `json:"workflow_id"`
	Status          domain.JobStatus `json:"status"`
	Priority        domain.Priority  `json:"priority"`
	AssignedRobotID *uuid.UUID     `json:"assigned_robot_id,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	Result          map[string]any `json:"result,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID: j.ID, WorkflowID: j.WorkflowID, Status: j.Status, Priority: j.Priority,
		AssignedRobotID: j.AssignedRobotID, RetryCount: j.RetryCount, MaxRetries: j.MaxRetries, Result: j.Result,
	}
}

func (a *API) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if a.jobs == nil {
		writeError(w, apperr.New(apperr.Internal, "controlapi.handleSubmitJob", "job queue not wired"))
		return
	}
	bc, err := gateway.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleSubmitJob", "malformed request body"))
		return
	}
	if req.WorkflowID == uuid.Nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleSubmitJob", "workflow_id is required"))
		return
	}
	if ok, err := a.gw.CheckQuota(r.Context(), bc.Tenant.ID, domain.ResourceExecution); err != nil {
		writeError(w, err)
		return
	} else if !ok {
		writeError(w, apperr.New(apperr.QuotaExceeded, "controlapi.handleSubmitJob", "execution quota exceeded"))
		return
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	job, err := a.jobs.Enqueue(r.Context(), bc.Tenant.ID, req.WorkflowID, req.Variables,
		domain.Priority(req.Priority), domain.TriggerAPI, timeNowAsScheduled(), maxRetries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	bc, err := gateway.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleGetJob", "malformed job id"))
		return
	}
	job, err := a.store.GetJob(r.Context(), bc.Tenant.ID, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	bc, err := gateway.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var status *domain.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := domain.JobStatus(raw)
		status = &s
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := a.store.ListJobs(r.Context(), bc.Tenant.ID, status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelJobRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if a.jobs == nil {
		writeError(w, apperr.New(apperr.Internal, "controlapi.handleCancelJob", "job queue not wired"))
		return
	}
	bc, err := gateway.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleCancelJob", "malformed job id"))
		return
	}
	var req cancelJobRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	job, err := a.jobs.Cancel(r.Context(), bc.Tenant.ID, jobID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}
