package models

import "time"

// Resource represents an ephemeral accelerator addressed by name and zone.
// Resources are provisioned and destroyed by the resource manager; the state
// store only references them from jobs and tasks.
type Resource struct {
	Name        string        `json:"name"`
	Zone        string        `json:"zone"`
	Type        string        `json:"type"`
	Preemptible bool          `json:"preemptible"`
	State       ResourceState `json:"state"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ResourceState is the observed external state of an accelerator
type ResourceState string

const (
	ResourceCreating   ResourceState = "creating"
	ResourceReady      ResourceState = "ready"
	ResourcePreempted  ResourceState = "preempted"
	ResourceTerminated ResourceState = "terminated"
	ResourceNotFound   ResourceState = "not-found"
	ResourceUnknown    ResourceState = "unknown"
)

// Gone reports whether the accelerator no longer exists as far as the
// provisioning API is concerned.
func (s ResourceState) Gone() bool {
	return s == ResourceTerminated || s == ResourceNotFound
}
