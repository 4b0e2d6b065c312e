package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"accel-fleet/core/models"
	"accel-fleet/core/repository"
)

// StatusHandler serves read-only fleet snapshots
type StatusHandler struct {
	store *repository.Store
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(store *repository.Store) *StatusHandler {
	return &StatusHandler{store: store}
}

// FleetStatus represents the full snapshot in API responses
type FleetStatus struct {
	Jobs      []JobResponse      `json:"jobs"`
	Resources []*models.Resource `json:"resources"`
	Aliases   map[string]string  `json:"aliases"`
	Queued    int                `json:"queued"`
}

// GetStatus handles GET /v1/status. Reads bypass the store lock: the
// snapshot may be a cycle stale, which is fine for display.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Snapshot()
	if err != nil {
		http.Error(w, "Failed to read state: "+err.Error(), http.StatusInternalServerError)
		return
	}

	status := FleetStatus{
		Jobs:      []JobResponse{},
		Resources: []*models.Resource{},
		Aliases:   st.Aliases,
		Queued:    len(st.Queue),
	}

	owners := make([]string, 0, len(st.Users))
	for name := range st.Users {
		owners = append(owners, name)
	}
	sort.Strings(owners)
	for _, name := range owners {
		u := st.Users[name]
		slots := make([]int, 0, len(u.Jobs))
		for slot := range u.Jobs {
			slots = append(slots, slot)
		}
		sort.Ints(slots)
		for _, slot := range slots {
			status.Jobs = append(status.Jobs, jobResponse(u.Jobs[slot]))
		}
	}

	names := make([]string, 0, len(st.Resources))
	for name := range st.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status.Resources = append(status.Resources, st.Resources[name])
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Health handles GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
