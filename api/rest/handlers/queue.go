package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"accel-fleet/core/models"
	"accel-fleet/core/queue"
	"accel-fleet/core/spec"

	"github.com/gorilla/mux"
)

// QueueHandler handles waiting-task HTTP requests
type QueueHandler struct {
	queue *queue.Controller
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(q *queue.Controller) *QueueHandler {
	return &QueueHandler{queue: q}
}

// EnqueueTaskRequest represents the request to add a waiting task
type EnqueueTaskRequest struct {
	Owner        string                    `json:"owner"`
	WorkDir      int                       `json:"work_dir"`
	Tags         []string                  `json:"tags"`
	Command      string                    `json:"command"`
	RuleSet      string                    `json:"rule_set"`
	Eligible     []string                  `json:"eligible"`
	Filter       *models.EligibilityFilter `json:"filter,omitempty"`
	StagingDir   string                    `json:"staging_dir"`
	FinishedPerm string                    `json:"finished_perm"`
	FailedPerm   string                    `json:"failed_perm"`
	SpecYAML     string                    `json:"spec_yaml,omitempty"`
}

// EnqueueTask handles POST /v1/queue
func (h *QueueHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req EnqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.SpecYAML != "" {
		parsed, err := spec.ParseTaskSpec(req.SpecYAML)
		if err != nil {
			http.Error(w, "Invalid task spec: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Owner = parsed.Owner
		req.WorkDir = parsed.WorkDir
		req.Tags = parsed.Tags
		req.Command = parsed.Command
		req.RuleSet = parsed.RuleSet
		req.Eligible = parsed.Eligible
		req.StagingDir = parsed.StagingDir
		req.FinishedPerm = parsed.FinishedPerm
		req.FailedPerm = parsed.FailedPerm
		if parsed.Filter != nil {
			req.Filter = &models.EligibilityFilter{Type: parsed.Filter.Type, Zone: parsed.Filter.Zone}
		}
	}

	task, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Owner:        req.Owner,
		WorkDir:      req.WorkDir,
		Tags:         req.Tags,
		Command:      req.Command,
		RuleSet:      req.RuleSet,
		Eligible:     req.Eligible,
		Filter:       req.Filter,
		StagingDir:   req.StagingDir,
		FinishedPerm: req.FinishedPerm,
		FailedPerm:   req.FailedPerm,
	})
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, queue.ErrEmptyEligibility) {
			code = http.StatusBadRequest
		}
		http.Error(w, "Failed to enqueue task: "+err.Error(), code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(task)
}

// ListQueue handles GET /v1/queue
func (h *QueueHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.queue.List(r.Context())
	if err != nil {
		http.Error(w, "Failed to list queue: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": tasks,
		"count": len(tasks),
	})
}

// DequeueTask handles DELETE /v1/queue/{id}
func (h *QueueHandler) DequeueTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.queue.Dequeue(r.Context(), id); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, queue.ErrUnknownTask) {
			code = http.StatusNotFound
		}
		http.Error(w, "Failed to dequeue task: "+err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DequeueAll handles DELETE /v1/queue
func (h *QueueHandler) DequeueAll(w http.ResponseWriter, r *http.Request) {
	removed, err := h.queue.DequeueAll(r.Context())
	if err != nil {
		http.Error(w, "Failed to drain queue: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"removed": removed})
}
