package routes

import (
	"accel-fleet/api/rest/handlers"
	"accel-fleet/core/lifecycle"
	"accel-fleet/core/queue"
	"accel-fleet/core/repository"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, store *repository.Store, jobs *lifecycle.Manager, q *queue.Controller) {
	jobHandler := handlers.NewJobHandler(jobs)
	queueHandler := handlers.NewQueueHandler(q)
	statusHandler := handlers.NewStatusHandler(store)

	r.HandleFunc("/health", statusHandler.Health).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", jobHandler.LaunchJob).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/announce", jobHandler.Announce).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/complete", jobHandler.Complete).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/fail", jobHandler.Fail).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/kill", jobHandler.KillJob).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/resume", jobHandler.ResumeJob).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/rerun", jobHandler.RerunJob).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/reapply", jobHandler.ReapplyJob).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}/reallocate", jobHandler.ReallocateJob).Methods("POST")
	api.HandleFunc("/jobs/{owner}/{slot}", jobHandler.ClearJob).Methods("DELETE")

	// Queue endpoints
	api.HandleFunc("/queue", queueHandler.EnqueueTask).Methods("POST")
	api.HandleFunc("/queue", queueHandler.ListQueue).Methods("GET")
	api.HandleFunc("/queue/{id}", queueHandler.DequeueTask).Methods("DELETE")
	api.HandleFunc("/queue", queueHandler.DequeueAll).Methods("DELETE")

	// Fleet status
	api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
}
