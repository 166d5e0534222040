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

type upsertScheduleRequest struct {
	WorkflowID           uuid.UUID        `json:"workflow_id"`
	Name                 string           `json:"name"`
	Type                 domain.ScheduleType `json:"type"`
	Expression           string           `json:"expression"`
	Parameters           map[string]any   `json:"parameters"`
	Timezone             string           `json:"timezone"`
	CalendarID           *uuid.UUID       `json:"calendar_id,omitempty"`
	RespectBusinessHours bool             `json:"respect_business_hours"`
	Priority             domain.Priority  `json:"priority"`
	Variables            map[string]any   `json:"variables"`
	Enabled              bool             `json:"enabled"`
}

// handleUpsertSchedule implements upsert_schedule: POST /v1/schedules
// creates, PUT /v1/schedules/{scheduleID} updates the named schedule.
func (a *API) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	bc, err := gateway.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var req upsertScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleUpsertSchedule", "malformed request body"))
		return
	}
	if req.Name == "" || req.Expression == "" {
		writeError(w, apperr.New(apperr.Validation, "controlapi.handleUpsertSchedule", "name and expression are required"))
		return
	}

	sc := domain.Schedule{
		TenantID:             bc.Tenant.ID,
		WorkflowID:           req.WorkflowID,
		Name:                 req.Name,
		Type:                 req.Type,
		Expression:           req.Expression,
		Parameters:           req.Parameters,
		Timezone:             req.Timezone,
		CalendarID:           req.CalendarID,
		RespectBusinessHours: req.RespectBusinessHours,
		Priority:             req.Priority,
		Variables:            req.Variables,
		Enabled:              req.Enabled,
		Status:               domain.ScheduleActive,
	}

	if raw := chi.URLParam(r, "scheduleID"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, apperr.New(apperr.Validation, "controlapi.handleUpsertSchedule", "malformed schedule id"))
			return
		}
		existing, err := a.store.GetSchedule(r.Context(), bc.Tenant.ID, id)
		if err != nil {
			writeError(w, err)
			return
		}
		sc.ID = existing.ID
		sc.CreatedAt = existing.CreatedAt
		sc.RunCount = existing.RunCount
		sc.LastRunAt = existing.LastRunAt
		sc.NextRunAt = existing.NextRunAt
		updated, err := a.store.UpdateSchedule(r.Context(), sc)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
		return
	}

	created, err := a.store.CreateSchedule(r.Context(), sc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
