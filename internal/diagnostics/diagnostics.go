// Package diagnostics serves the orchestrator's internal operations
// surface — /healthz, /metrics, /system/status — on a separate listener
// and router from the tenant-facing Control API, so a scrape target or
// an operator curling the box never needs a tenant credential. Routing
// uses github.com/gorilla/mux, kept distinct from the Control API's
// chi router per SPEC_FULL.md's domain stack.
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/casarerpa/orchestrator/internal/obsmetrics"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// Router builds the internal diagnostics mux, probing store for
// readiness on /healthz.
func Router(store storage.Store) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handleHealthz(store)).Methods(http.MethodGet)
	r.Handle("/metrics", obsmetrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/system/status", handleSystemStatus).Methods(http.MethodGet)
	return r
}

func handleHealthz(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if _, err := store.ListTenants(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

type systemStatus struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedPct float64 `json:"memory_used_percent"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
}

// handleSystemStatus reports host CPU/memory utilization, the same
// gopsutil-backed ambient host metrics the teacher's system status
// endpoint surfaces.
func handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := systemStatus{}

	if percentages, err := cpu.PercentWithContext(r.Context(), 200*time.Millisecond, false); err == nil && len(percentages) > 0 {
		status.CPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		status.MemoryUsedPct = vm.UsedPercent
		status.MemoryTotal = vm.Total
		status.MemoryUsed = vm.Used
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
