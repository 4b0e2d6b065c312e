package models

import "time"

// Job represents one attempt at running user work on an accelerator
type Job struct {
	Owner       string                     `json:"owner"`
	Slot        int                        `json:"slot"`
	WorkDir     int                        `json:"work_dir"`
	Resource    string                     `json:"resource,omitempty"` // empty = unbound
	Tags        []string                   `json:"tags,omitempty"`
	Command     string                     `json:"command"`
	LogPath     string                     `json:"log_path,omitempty"` // empty until the job announces itself
	Status      JobStatus                  `json:"status"`
	ErrorReason string                     `json:"error_reason,omitempty"`
	Stage       int                        `json:"stage"`
	Rules       map[FailureKind]RuleAction `json:"rules"`
	Lineage     Lineage                    `json:"lineage"`
	Monitored   bool                       `json:"monitored"`
	CreatedAt   time.Time                  `json:"created_at"`
	StartedAt   *time.Time                 `json:"started_at,omitempty"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// Lineage records the resume/rerun chain a job belongs to.
// Father is the slot this job was produced from, Child the slot it produced.
type Lineage struct {
	Father *int `json:"father,omitempty"`
	Child  *int `json:"child,omitempty"`
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusStarting JobStatus = "starting"
	JobStatusRunning  JobStatus = "running"
	JobStatusError    JobStatus = "error"
	JobStatusKilled   JobStatus = "killed"
	JobStatusResumed  JobStatus = "resumed"
	JobStatusRerunned JobStatus = "rerunned"
	JobStatusFinished JobStatus = "finished"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusFinished || s == JobStatusKilled
}

// Superseded reports whether the job has been replaced by a resume/rerun child.
func (j *Job) Superseded() bool {
	return (j.Status == JobStatusResumed || j.Status == JobStatusRerunned) && j.Lineage.Child != nil
}

// Active reports whether the job should still be reconciled by the monitor.
func (j *Job) Active() bool {
	return !j.Status.Terminal() && !j.Superseded()
}

// Clone returns a deep copy. The store hands copies across flow boundaries so
// no caller ever holds a reference into another flow's state.
func (j *Job) Clone() *Job {
	c := *j
	c.Tags = append([]string(nil), j.Tags...)
	c.Rules = make(map[FailureKind]RuleAction, len(j.Rules))
	for k, v := range j.Rules {
		c.Rules[k] = v
	}
	if j.Lineage.Father != nil {
		f := *j.Lineage.Father
		c.Lineage.Father = &f
	}
	if j.Lineage.Child != nil {
		ch := *j.Lineage.Child
		c.Lineage.Child = &ch
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	return &c
}
