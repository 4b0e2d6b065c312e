package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"accel-fleet/core/lifecycle"
	"accel-fleet/core/models"
	"accel-fleet/core/spec"

	"github.com/gorilla/mux"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	jobs *lifecycle.Manager
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs *lifecycle.Manager) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// LaunchJobRequest represents the request to launch a job. SpecYAML, when
// present, supersedes the inline fields.
type LaunchJobRequest struct {
	Owner     string   `json:"owner"`
	WorkDir   int      `json:"work_dir"`
	Tags      []string `json:"tags"`
	Command   string   `json:"command"`
	RuleSet   string   `json:"rule_set"`
	Resource  string   `json:"resource"`
	Monitored bool     `json:"monitored"`
	SpecYAML  string   `json:"spec_yaml,omitempty"`
}

// JobResponse represents a job in API responses
type JobResponse struct {
	Owner       string           `json:"owner"`
	Slot        int              `json:"slot"`
	Status      models.JobStatus `json:"status"`
	Resource    string           `json:"resource,omitempty"`
	ErrorReason string           `json:"error_reason,omitempty"`
	Stage       int              `json:"stage"`
	Father      *int             `json:"father,omitempty"`
	Child       *int             `json:"child,omitempty"`
}

func jobResponse(j *models.Job) JobResponse {
	return JobResponse{
		Owner:       j.Owner,
		Slot:        j.Slot,
		Status:      j.Status,
		Resource:    j.Resource,
		ErrorReason: j.ErrorReason,
		Stage:       j.Stage,
		Father:      j.Lineage.Father,
		Child:       j.Lineage.Child,
	}
}

// LaunchJob handles POST /v1/jobs
func (h *JobHandler) LaunchJob(w http.ResponseWriter, r *http.Request) {
	var req LaunchJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.SpecYAML != "" {
		parsed, err := spec.ParseJobSpec(req.SpecYAML)
		if err != nil {
			http.Error(w, "Invalid job spec: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Owner = parsed.Owner
		req.WorkDir = parsed.WorkDir
		req.Tags = parsed.Tags
		req.Command = parsed.Command
		req.RuleSet = parsed.RuleSet
		req.Resource = parsed.Resource
		req.Monitored = parsed.Monitored
	}

	job, err := h.jobs.Launch(r.Context(), lifecycle.LaunchRequest{
		Owner:     req.Owner,
		WorkDir:   req.WorkDir,
		Tags:      req.Tags,
		Command:   req.Command,
		RuleSet:   req.RuleSet,
		Resource:  req.Resource,
		Monitored: req.Monitored,
	})
	if err != nil {
		http.Error(w, "Failed to launch job: "+err.Error(), jobErrorCode(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(jobResponse(job))
}

// AnnounceRequest represents the running signal sent by a started workload.
// StartedAt is the workload's own start time; absent means now.
type AnnounceRequest struct {
	LogPath   string     `json:"log_path"`
	Resource  string     `json:"resource"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Announce handles POST /v1/jobs/{owner}/{slot}/announce
func (h *JobHandler) Announce(w http.ResponseWriter, r *http.Request) {
	owner, slot, ok := jobVars(w, r)
	if !ok {
		return
	}

	var req AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	startedAt := time.Now().UTC()
	if req.StartedAt != nil {
		startedAt = *req.StartedAt
	}

	if err := h.jobs.Announce(r.Context(), owner, slot, req.LogPath, req.Resource, startedAt); err != nil {
		http.Error(w, "Failed to announce job: "+err.Error(), jobErrorCode(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Complete handles POST /v1/jobs/{owner}/{slot}/complete
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	owner, slot, ok := jobVars(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Finish(r.Context(), owner, slot); err != nil {
		http.Error(w, "Failed to complete job: "+err.Error(), jobErrorCode(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FailRequest carries the reason for an externally reported failure
type FailRequest struct {
	Reason string `json:"reason"`
}

// Fail handles POST /v1/jobs/{owner}/{slot}/fail
func (h *JobHandler) Fail(w http.ResponseWriter, r *http.Request) {
	owner, slot, ok := jobVars(w, r)
	if !ok {
		return
	}

	var req FailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.jobs.Fail(r.Context(), owner, slot, req.Reason); err != nil {
		http.Error(w, "Failed to fail job: "+err.Error(), jobErrorCode(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KillJob handles POST /v1/jobs/{owner}/{slot}/kill
func (h *JobHandler) KillJob(w http.ResponseWriter, r *http.Request) {
	owner, slot, ok := jobVars(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Kill(r.Context(), owner, slot); err != nil {
		http.Error(w, "Failed to kill job: "+err.Error(), jobErrorCode(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SpawnRequest optionally redirects a resume or rerun onto another resource
type SpawnRequest struct {
	Resource string `json:"resource"`
}

// ResumeJob handles POST /v1/jobs/{owner}/{slot}/resume
func (h *JobHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.spawn(w, r, h.jobs.Resume)
}

// RerunJob handles POST /v1/jobs/{owner}/{slot}/rerun
func (h *JobHandler) RerunJob(w http.ResponseWriter, r *http.Request) {
	h.spawn(w, r, h.jobs.Rerun)
}

func (h *JobHandler) spawn(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, owner string, slot int, target string) (*models.Job, error)) {
	owner, slot, ok := jobVars(w, r)
	if !ok {
		return
	}

	var req SpawnRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	child, err := op(r.Context(), owner, slot, req.Resource)
	if err != nil {
		http.Error(w, "Failed to restart job: "+err.Error(), jobErrorCode(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(jobResponse(child))
}

// ReallocateJob handles POST /v1/jobs/{owner}/{slot}/reallocate. Operators
// use it to reclaim a job's accelerator and move the work elsewhere.
func (h *JobHandler) ReallocateJob(w http.ResponseWriter, r *http.Request) {
	owner, slot, ok := jobVars(w, r)
	if !ok {
		return
	}

	var req SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Resource == "" {
		http.Error(w, "Target resource is required", http.StatusBadRequest)
		return
	}

	child, err := h.jobs.KillForReallocation(r.Context(), owner, slot, req.Resource)
	if err != nil {
		http.Error(w, "Failed to reallocate job: "+err.Error(), jobErrorCode(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(jobResponse(child))
}

// ReapplyJob handles POST /v1/jobs/{owner}/{slot}/reapply
func (h *JobHandler) ReapplyJob(w http.ResponseWriter, r *http.Request) {
	owner, slot, ok := jobVars(w, r)
	if !ok {
		return
	}
	child, err := h.jobs.Reapply(r.Context(), owner, slot)
	if err != nil {
		http.Error(w, "Failed to reapply job: "+err.Error(), jobErrorCode(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(jobResponse(child))
}

// ClearJob handles DELETE /v1/jobs/{owner}/{slot}
func (h *JobHandler) ClearJob(w http.ResponseWriter, r *http.Request) {
	owner, slot, ok := jobVars(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Clear(r.Context(), owner, slot); err != nil {
		http.Error(w, "Failed to clear job: "+err.Error(), jobErrorCode(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func jobVars(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	vars := mux.Vars(r)
	slot, err := strconv.Atoi(vars["slot"])
	if err != nil {
		http.Error(w, "Invalid slot", http.StatusBadRequest)
		return "", 0, false
	}
	return vars["owner"], slot, true
}

func jobErrorCode(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownJob), errors.Is(err, lifecycle.ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrResumeDepthExceeded),
		errors.Is(err, lifecycle.ErrNoCheckpoint),
		errors.Is(err, lifecycle.ErrNotClearable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
