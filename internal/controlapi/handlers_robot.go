package controlapi

import (
	"net/http"

	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/gateway"
)

// handleListRobots implements list_robots, optionally filtered by
// ?status=.
func (a *API) handleListRobots(w http.ResponseWriter, r *http.Request) {
	bc, err := gateway.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var status *domain.RobotStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := domain.RobotStatus(raw)
		status = &s
	}

	robots, err := a.store.ListRobots(r.Context(), bc.Tenant.ID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, robots)
}
