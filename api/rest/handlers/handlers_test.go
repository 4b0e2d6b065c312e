package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"accel-fleet/core/lifecycle"
	"accel-fleet/core/models"
	"accel-fleet/core/queue"
	"accel-fleet/core/repository"
	"accel-fleet/core/resource_manager"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopContainer struct{}

func (nopContainer) EnsureSession(ctx context.Context, session string) error { return nil }
func (nopContainer) OpenWindow(ctx context.Context, session string, slot int, dir string) error {
	return nil
}
func (nopContainer) SendCommand(ctx context.Context, session string, slot int, command string) error {
	return nil
}
func (nopContainer) Interrupt(ctx context.Context, session string, slot int) error { return nil }
func (nopContainer) CaptureTail(ctx context.Context, session string, slot, lines int) (string, error) {
	return "", nil
}
func (nopContainer) KillWindow(ctx context.Context, session string, slot int) error { return nil }

type nopResources struct{}

func (nopResources) KillRunningWork(ctx context.Context, name string) error { return nil }
func (nopResources) Destroy(ctx context.Context, name string) error         { return nil }
func (nopResources) Provision(ctx context.Context, req resource_manager.ProvisionRequest) error {
	return nil
}

func newTestRouter(t *testing.T) (*mux.Router, *repository.Store) {
	t.Helper()
	store, err := repository.NewStore(t.TempDir(), time.Millisecond, time.Second)
	require.NoError(t, err)

	require.NoError(t, store.WithLock(context.Background(), func(st *models.State) error {
		st.Users["ada"] = &models.User{
			Name:     "ada",
			Session:  "ada",
			WorkDirs: map[int]string{1: "/data/ada/run1"},
			Jobs:     make(map[int]*models.Job),
		}
		st.Resources["accel-1"] = &models.Resource{Name: "accel-1", Zone: "us-central1-a", Type: "v3-8", State: models.ResourceReady}
		return nil
	}))

	jobs := lifecycle.NewManager(store, nopResources{}, nopContainer{}, lifecycle.Config{MaxResumeDepth: 3})
	q := queue.NewController(store, jobs)

	r := mux.NewRouter()
	jobHandler := NewJobHandler(jobs)
	queueHandler := NewQueueHandler(q)
	statusHandler := NewStatusHandler(store)

	r.HandleFunc("/health", statusHandler.Health).Methods("GET")
	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/jobs", jobHandler.LaunchJob).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/announce", jobHandler.Announce).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/kill", jobHandler.KillJob).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/reallocate", jobHandler.ReallocateJob).Methods("POST")
	api.HandleFunc("/queue", queueHandler.EnqueueTask).Methods("POST")
	api.HandleFunc("/queue", queueHandler.ListQueue).Methods("GET")
	api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
	return r, store
}

func doJSON(t *testing.T, r *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestLaunchAnnounceStatus(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/jobs", LaunchJobRequest{
		Owner: "ada", WorkDir: 1, Command: "train", RuleSet: "pass", Resource: "accel-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusStarting, job.Status)

	announce := fmt.Sprintf("/v1/jobs/%s/%d/announce", job.Owner, job.Slot)
	rec = doJSON(t, r, http.MethodPost, announce, AnnounceRequest{
		LogPath: "/logs/run1.log", Resource: "accel-1",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doJSON(t, r, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status FleetStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, models.JobStatusRunning, status.Jobs[0].Status)
	assert.Len(t, status.Resources, 1)
}

func TestAnnounceCarriesStartTime(t *testing.T) {
	r, store := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/jobs", LaunchJobRequest{
		Owner: "ada", WorkDir: 1, Command: "train", RuleSet: "pass", Resource: "accel-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var job JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	startedAt := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	announce := fmt.Sprintf("/v1/jobs/%s/%d/announce", job.Owner, job.Slot)
	rec = doJSON(t, r, http.MethodPost, announce, AnnounceRequest{
		LogPath: "/logs/run1.log", Resource: "accel-1", StartedAt: &startedAt,
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	st, err := store.Snapshot()
	require.NoError(t, err)
	persisted, ok := st.FindJob(job.Owner, job.Slot)
	require.True(t, ok)
	require.NotNil(t, persisted.StartedAt)
	assert.True(t, persisted.StartedAt.Equal(startedAt))
}

func TestReallocateMovesJob(t *testing.T) {
	r, store := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/jobs", LaunchJobRequest{
		Owner: "ada", WorkDir: 1, Command: "train", RuleSet: "pass", Resource: "accel-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var job JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	announce := fmt.Sprintf("/v1/jobs/%s/%d/announce", job.Owner, job.Slot)
	rec = doJSON(t, r, http.MethodPost, announce, AnnounceRequest{
		LogPath: "/logs/run1.log", Resource: "accel-1",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	reallocate := fmt.Sprintf("/v1/jobs/%s/%d/reallocate", job.Owner, job.Slot)
	rec = doJSON(t, r, http.MethodPost, reallocate, SpawnRequest{Resource: "accel-2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var child JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &child))
	assert.Equal(t, "accel-2", child.Resource)

	st, err := store.Snapshot()
	require.NoError(t, err)
	father, ok := st.FindJob(job.Owner, job.Slot)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusResumed, father.Status)
}

func TestReallocateRequiresTarget(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/jobs/ada/0/reallocate", SpawnRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLaunchUnknownOwner(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/jobs", LaunchJobRequest{
		Owner: "nobody", WorkDir: 1, Command: "train", RuleSet: "pass",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKillUnknownJob(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/jobs/ada/9/kill", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueAndList(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/queue", EnqueueTaskRequest{
		Owner: "ada", WorkDir: 1, Command: "train", RuleSet: "pass",
		Eligible: []string{"accel-1"}, StagingDir: "/staging/ada",
		FinishedPerm: "11", FailedPerm: "01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, r, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Count)
}

func TestEnqueueEmptyEligibility(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/v1/queue", EnqueueTaskRequest{
		Owner: "ada", WorkDir: 1, Command: "train", RuleSet: "pass",
		StagingDir: "/staging/ada", FinishedPerm: "11", FailedPerm: "11",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
