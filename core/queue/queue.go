package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"accel-fleet/core/lifecycle"
	"accel-fleet/core/models"
	"accel-fleet/core/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrEmptyEligibility means the task named no resource and no filter.
	ErrEmptyEligibility = errors.New("task has an empty eligibility set")

	// ErrUnknownTask means the task id is not in the queue.
	ErrUnknownTask = errors.New("no such task")
)

// Launcher starts a job from a matched task. Satisfied by the lifecycle manager.
type Launcher interface {
	Launch(ctx context.Context, req lifecycle.LaunchRequest) (*models.Job, error)
}

// Controller holds deferred work and matches it against released resources
// under eligibility and permission constraints.
type Controller struct {
	store    *repository.Store
	launcher Launcher
	log      *logrus.Entry
}

// NewController creates a queue controller.
func NewController(store *repository.Store, launcher Launcher) *Controller {
	return &Controller{
		store:    store,
		launcher: launcher,
		log:      logrus.WithField("component", "queue"),
	}
}

// EnqueueRequest describes a deferred run request
type EnqueueRequest struct {
	Owner      string
	WorkDir    int
	Tags       []string
	Command    string
	RuleSet    string
	Eligible   []string
	Filter     *models.EligibilityFilter
	StagingDir string
	// Two-bit permission strings per release reason, first bit other-owner,
	// second bit self: "01" lets only the task's own owner hand over a resource.
	FinishedPerm string
	FailedPerm   string
}

// Enqueue appends a task under the store lock. Requests with no working
// directory or an empty eligibility set are rejected.
func (c *Controller) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Task, error) {
	if len(req.Eligible) == 0 && req.Filter == nil {
		return nil, ErrEmptyEligibility
	}
	if _, ok := models.RuleTemplate(req.RuleSet); !ok {
		return nil, fmt.Errorf("unknown rule template %q", req.RuleSet)
	}
	onFinished, err := models.ParsePermBits(req.FinishedPerm)
	if err != nil {
		return nil, err
	}
	onFailed, err := models.ParsePermBits(req.FailedPerm)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		ID:         uuid.NewString(),
		Owner:      req.Owner,
		WorkDir:    req.WorkDir,
		Tags:       append([]string(nil), req.Tags...),
		Command:    req.Command,
		RuleSet:    req.RuleSet,
		Eligible:   append([]string(nil), req.Eligible...),
		Filter:     req.Filter,
		StagingDir: req.StagingDir,
		Perms:      models.Perms{OnFinished: onFinished, OnFailed: onFailed},
		EnqueuedAt: time.Now(),
	}

	err = c.store.WithLock(ctx, func(st *models.State) error {
		u, ok := st.Users[req.Owner]
		if !ok {
			return fmt.Errorf("%w: %s", lifecycle.ErrUnknownUser, req.Owner)
		}
		if _, ok := u.WorkDirs[req.WorkDir]; !ok {
			return fmt.Errorf("user %s has no working directory %d", req.Owner, req.WorkDir)
		}
		st.Queue = append(st.Queue, task)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Release offers a freed resource to the queue. The scan is FIFO and admits
// the first task whose staging directory is set, whose eligibility covers
// the resource, and whose permission bit for this reason authorizes the
// releasing owner. At most one task is matched per call; a scan with no
// match is a normal outcome, not an error.
func (c *Controller) Release(ctx context.Context, resource string, reason models.ReleaseReason, owner string) (*models.Task, error) {
	var matched *models.Task
	err := c.store.WithLock(ctx, func(st *models.State) error {
		matched = nil // the lock body may rerun after a reload
		res := st.Resources[resource]
		for i, t := range st.Queue {
			if t.StagingDir == "" {
				continue
			}
			if !t.EligibleFor(resource, res) {
				continue
			}
			if !t.Perms.For(reason).Allows(t.Owner == owner) {
				continue
			}
			matched = t
			st.Queue = append(st.Queue[:i], st.Queue[i+1:]...)
			break
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if matched == nil {
		return nil, nil
	}

	c.log.WithFields(logrus.Fields{"task": matched.ID, "resource": resource, "owner": matched.Owner}).
		Info("task admitted, launching")
	_, err = c.launcher.Launch(ctx, lifecycle.LaunchRequest{
		Owner:     matched.Owner,
		WorkDir:   matched.WorkDir,
		Tags:      matched.Tags,
		Command:   matched.Command,
		RuleSet:   matched.RuleSet,
		Resource:  resource,
		Monitored: true,
	})
	if err != nil {
		// The task is already off the queue: surface the failure rather than
		// risk a double launch.
		return matched, fmt.Errorf("admitted task %s failed to launch: %w", matched.ID, err)
	}
	return matched, nil
}

// Dequeue removes one task without launching it.
func (c *Controller) Dequeue(ctx context.Context, id string) error {
	return c.store.WithLock(ctx, func(st *models.State) error {
		for i, t := range st.Queue {
			if t.ID == id {
				st.Queue = append(st.Queue[:i], st.Queue[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	})
}

// DequeueAll empties the queue and reports how many tasks were dropped.
func (c *Controller) DequeueAll(ctx context.Context) (int, error) {
	var n int
	err := c.store.WithLock(ctx, func(st *models.State) error {
		n = len(st.Queue)
		st.Queue = nil
		return nil
	})
	return n, err
}

// List returns the queued tasks in FIFO order, read without the lock.
func (c *Controller) List(ctx context.Context) ([]*models.Task, error) {
	st, err := c.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return st.Queue, nil
}
