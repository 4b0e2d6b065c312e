package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"accel-fleet/core/executor"
	"accel-fleet/core/models"
	"accel-fleet/core/repository"
	"accel-fleet/core/resource_manager"

	"github.com/sirupsen/logrus"
)

var (
	// ErrResumeDepthExceeded means the resume chain hit the configured cap.
	// The request is rejected before any mutation so a systematically broken
	// job cannot resume forever.
	ErrResumeDepthExceeded = errors.New("resume depth exceeded")

	// ErrUnknownJob means the owner/slot pair does not name a job.
	ErrUnknownJob = errors.New("no such job")

	// ErrUnknownUser means the owner is not registered.
	ErrUnknownUser = errors.New("no such user")

	// ErrNoCheckpoint means a resume was requested before the job ever
	// announced a log location.
	ErrNoCheckpoint = errors.New("job has no log location, cannot resume from checkpoint")

	// ErrNotClearable means the job is still live and cannot be deleted.
	ErrNotClearable = errors.New("job is not in a clearable status")
)

// Resources is the slice of the resource manager the lifecycle needs.
type Resources interface {
	KillRunningWork(ctx context.Context, name string) error
	Destroy(ctx context.Context, name string) error
	Provision(ctx context.Context, req resource_manager.ProvisionRequest) error
}

// ReleaseHook is invoked after a completion or failure signal frees a
// resource. The queue controller registers itself here.
type ReleaseHook func(ctx context.Context, resource string, reason models.ReleaseReason, owner string)

// Config tunes the lifecycle manager
type Config struct {
	MaxResumeDepth    int
	ProvisionRetryFor time.Duration // create retry budget used by reapply
}

// Manager drives the job state machine: launch, announce, fail, kill,
// resume, rerun, finish, clear. All record mutation happens under the store
// lock; container and provisioning calls happen outside it.
type Manager struct {
	store     *repository.Store
	resources Resources
	container executor.Container
	cfg       Config
	released  ReleaseHook
	log       *logrus.Entry
}

// NewManager creates a job lifecycle manager.
func NewManager(store *repository.Store, resources Resources, container executor.Container, cfg Config) *Manager {
	return &Manager{
		store:     store,
		resources: resources,
		container: container,
		cfg:       cfg,
		log:       logrus.WithField("component", "lifecycle"),
	}
}

// SetReleaseHook registers the queue's release entry point.
func (m *Manager) SetReleaseHook(h ReleaseHook) { m.released = h }

// LaunchRequest describes a new job, either from a user run request or from
// a matched queue task.
type LaunchRequest struct {
	Owner     string
	WorkDir   int
	Tags      []string
	Command   string
	RuleSet   string
	Resource  string
	Monitored bool
}

// Launch creates the job record, opens its container window, and sends the
// start command. The job stays in starting until the announcement signal.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (*models.Job, error) {
	rules, ok := models.RuleTemplate(req.RuleSet)
	if !ok {
		return nil, fmt.Errorf("unknown rule template %q", req.RuleSet)
	}

	var (
		job     *models.Job
		session string
		dir     string
	)
	err := m.store.WithLock(ctx, func(st *models.State) error {
		u, ok := st.Users[req.Owner]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownUser, req.Owner)
		}
		d, ok := u.WorkDirs[req.WorkDir]
		if !ok {
			return fmt.Errorf("user %s has no working directory %d", req.Owner, req.WorkDir)
		}
		now := time.Now()
		slot := u.AllocateSlot()
		job = &models.Job{
			Owner:     req.Owner,
			Slot:      slot,
			WorkDir:   req.WorkDir,
			Resource:  req.Resource,
			Tags:      append([]string(nil), req.Tags...),
			Command:   req.Command,
			Status:    models.JobStatusStarting,
			Rules:     rules,
			Monitored: req.Monitored,
			CreatedAt: now,
			UpdatedAt: now,
		}
		u.Jobs[slot] = job
		session, dir = u.Session, d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.startInContainer(ctx, session, job.Slot, dir, job.Command, job.Stage, false); err != nil {
		m.failQuietly(ctx, req.Owner, job.Slot, "container-error: "+err.Error())
		return job, fmt.Errorf("failed to start job %s/%d: %w", req.Owner, job.Slot, err)
	}
	return job, nil
}

// startInContainer opens the slot's window and types the start command.
func (m *Manager) startInContainer(ctx context.Context, session string, slot int, dir, command string, stage int, resume bool) error {
	if err := m.container.EnsureSession(ctx, session); err != nil {
		return err
	}
	if err := m.container.OpenWindow(ctx, session, slot, dir); err != nil {
		return err
	}
	resumeFlag := 0
	if resume {
		resumeFlag = 1
	}
	full := fmt.Sprintf("FLEET_STAGE=%d FLEET_RESUME=%d %s", stage, resumeFlag, command)
	return m.container.SendCommand(ctx, session, slot, full)
}

// Announce handles the job's first log announcement, moving starting to
// running and recording the log location and bound resource.
func (m *Manager) Announce(ctx context.Context, owner string, slot int, logPath, resource string, startedAt time.Time) error {
	return m.store.WithLock(ctx, func(st *models.State) error {
		j, ok := st.FindJob(owner, slot)
		if !ok {
			return fmt.Errorf("%w: %s/%d", ErrUnknownJob, owner, slot)
		}
		if err := transition(j, eventAnnounce); err != nil {
			return err
		}
		j.LogPath = logPath
		if resource != "" {
			j.Resource = resource
		}
		t := startedAt
		j.StartedAt = &t
		return nil
	})
}

// MarkError records a detected failure. Used by the monitor loop; does not
// feed the queue.
func (m *Manager) MarkError(ctx context.Context, owner string, slot int, reason string) error {
	return m.store.WithLock(ctx, func(st *models.State) error {
		j, ok := st.FindJob(owner, slot)
		if !ok {
			return fmt.Errorf("%w: %s/%d", ErrUnknownJob, owner, slot)
		}
		if err := transition(j, eventFail); err != nil {
			return err
		}
		j.ErrorReason = reason
		return nil
	})
}

func (m *Manager) failQuietly(ctx context.Context, owner string, slot int, reason string) {
	if err := m.MarkError(ctx, owner, slot, reason); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"owner": owner, "slot": slot}).
			Warn("could not record job error")
	}
}

// Fail handles the external failure signal: mark the job failed and hand its
// resource to the queue with reason failed.
func (m *Manager) Fail(ctx context.Context, owner string, slot int, reason string) error {
	var resource string
	err := m.store.WithLock(ctx, func(st *models.State) error {
		j, ok := st.FindJob(owner, slot)
		if !ok {
			return fmt.Errorf("%w: %s/%d", ErrUnknownJob, owner, slot)
		}
		if err := transition(j, eventFail); err != nil {
			return err
		}
		j.ErrorReason = reason
		resource = j.Resource
		return nil
	})
	if err != nil {
		return err
	}
	m.fireRelease(ctx, resource, models.ReleaseFailed, owner)
	return nil
}

// Finish handles the external completion signal and hands the freed resource
// to the queue with reason finished.
func (m *Manager) Finish(ctx context.Context, owner string, slot int) error {
	var resource string
	err := m.store.WithLock(ctx, func(st *models.State) error {
		j, ok := st.FindJob(owner, slot)
		if !ok {
			return fmt.Errorf("%w: %s/%d", ErrUnknownJob, owner, slot)
		}
		if err := transition(j, eventFinish); err != nil {
			return err
		}
		resource = j.Resource
		return nil
	})
	if err != nil {
		return err
	}
	m.fireRelease(ctx, resource, models.ReleaseFinished, owner)
	return nil
}

func (m *Manager) fireRelease(ctx context.Context, resource string, reason models.ReleaseReason, owner string) {
	if resource != "" && m.released != nil {
		m.released(ctx, resource, reason, owner)
	}
}

// Kill interrupts the job's container window and records the kill.
func (m *Manager) Kill(ctx context.Context, owner string, slot int) error {
	st, err := m.store.Snapshot()
	if err != nil {
		return err
	}
	if u, ok := st.Users[owner]; ok {
		if j, ok := u.Job(slot); ok {
			// A terminal job's window must not be interrupted.
			if !canTransition(j, eventKill) {
				return fmt.Errorf("job %s/%d: cannot kill while %s", owner, slot, j.Status)
			}
			if err := m.container.Interrupt(ctx, u.Session, slot); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{"owner": owner, "slot": slot}).
					Warn("interrupt failed, recording kill anyway")
			}
		}
	}
	return m.store.WithLock(ctx, func(st *models.State) error {
		j, ok := st.FindJob(owner, slot)
		if !ok {
			return fmt.Errorf("%w: %s/%d", ErrUnknownJob, owner, slot)
		}
		return transition(j, eventKill)
	})
}

// Resume produces a child job continuing from the father's last checkpoint,
// with stage incremented. target names the resource to bind the child to;
// empty keeps the father's binding.
func (m *Manager) Resume(ctx context.Context, owner string, slot int, target string) (*models.Job, error) {
	return m.spawn(ctx, owner, slot, target, eventResume)
}

// Rerun produces a child job starting from scratch with stage reset to zero.
func (m *Manager) Rerun(ctx context.Context, owner string, slot int, target string) (*models.Job, error) {
	return m.spawn(ctx, owner, slot, target, eventRerun)
}

// spawn is the shared resume/rerun path: validate fail-closed, kill foreign
// work on the target outside the lock, then commit father transition + child
// creation in one lock hold, then start the child's container window.
func (m *Manager) spawn(ctx context.Context, owner string, slot int, target, event string) (*models.Job, error) {
	st, err := m.store.Snapshot()
	if err != nil {
		return nil, err
	}
	father, ok := st.FindJob(owner, slot)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnknownJob, owner, slot)
	}
	if err := m.validateSpawn(father, event); err != nil {
		return nil, err
	}
	if target == "" {
		target = father.Resource
	}

	// Rebinding to a different resource: evict whatever occupies it first.
	if target != "" && target != father.Resource {
		if err := m.resources.KillRunningWork(ctx, target); err != nil {
			return nil, fmt.Errorf("failed to clear target resource %s: %w", target, err)
		}
	}

	var (
		child   *models.Job
		session string
		dir     string
	)
	err = m.store.WithLock(ctx, func(st *models.State) error {
		j, ok := st.FindJob(owner, slot)
		if !ok {
			return fmt.Errorf("%w: %s/%d", ErrUnknownJob, owner, slot)
		}
		// Revalidate under the lock: another flow may have advanced the job
		// since the snapshot. Fail closed, no mutation.
		if err := m.validateSpawn(j, event); err != nil {
			return err
		}
		u := st.Users[owner]
		now := time.Now()
		childSlot := u.AllocateSlot()
		stage := 0
		if event == eventResume {
			stage = j.Stage + 1
		}
		fatherSlot := j.Slot
		child = &models.Job{
			Owner:     owner,
			Slot:      childSlot,
			WorkDir:   j.WorkDir,
			Resource:  target,
			Tags:      append([]string(nil), j.Tags...),
			Command:   j.Command,
			LogPath:   "",
			Status:    models.JobStatusStarting,
			Stage:     stage,
			Rules:     cloneRules(j.Rules),
			Monitored: j.Monitored,
			Lineage:   models.Lineage{Father: &fatherSlot},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := transition(j, event); err != nil {
			return err
		}
		j.Lineage.Child = &childSlot
		u.Jobs[childSlot] = child
		session, dir = u.Session, u.WorkDirs[j.WorkDir]
		return nil
	})
	if err != nil {
		return nil, err
	}

	resume := event == eventResume
	if err := m.startInContainer(ctx, session, child.Slot, dir, child.Command, child.Stage, resume); err != nil {
		m.failQuietly(ctx, owner, child.Slot, "container-error: "+err.Error())
		return child, fmt.Errorf("failed to start child job %s/%d: %w", owner, child.Slot, err)
	}
	return child, nil
}

func (m *Manager) validateSpawn(j *models.Job, event string) error {
	if !canTransition(j, event) {
		return fmt.Errorf("job %s/%d: cannot %s while %s", j.Owner, j.Slot, event, j.Status)
	}
	if event == eventResume {
		if j.Stage+1 > m.cfg.MaxResumeDepth {
			return fmt.Errorf("%w: job %s/%d at stage %d, max %d",
				ErrResumeDepthExceeded, j.Owner, j.Slot, j.Stage, m.cfg.MaxResumeDepth)
		}
		if j.LogPath == "" {
			return fmt.Errorf("%w: job %s/%d", ErrNoCheckpoint, j.Owner, j.Slot)
		}
	}
	return nil
}

func cloneRules(rules map[models.FailureKind]models.RuleAction) map[models.FailureKind]models.RuleAction {
	c := make(map[models.FailureKind]models.RuleAction, len(rules))
	for k, v := range rules {
		c[k] = v
	}
	return c
}

// Reapply destroys the job's bound resource, provisions it again, and
// resumes the job onto it. Used for accelerators wedged by preemption.
func (m *Manager) Reapply(ctx context.Context, owner string, slot int) (*models.Job, error) {
	st, err := m.store.Snapshot()
	if err != nil {
		return nil, err
	}
	j, ok := st.FindJob(owner, slot)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnknownJob, owner, slot)
	}
	if j.Resource == "" {
		return nil, fmt.Errorf("job %s/%d is not bound to a resource", owner, slot)
	}
	res, ok := st.Resources[j.Resource]
	if !ok {
		return nil, fmt.Errorf("resource %s is not in the inventory", j.Resource)
	}
	// Fail closed before touching the cloud.
	if err := m.validateSpawn(j, eventResume); err != nil {
		return nil, err
	}

	if err := m.resources.Destroy(ctx, res.Name); err != nil {
		return nil, err
	}
	err = m.resources.Provision(ctx, resource_manager.ProvisionRequest{
		Name:        res.Name,
		Zone:        res.Zone,
		Type:        res.Type,
		Preemptible: res.Preemptible,
		RetryFor:    m.cfg.ProvisionRetryFor,
	})
	if err != nil {
		return nil, err
	}
	return m.Resume(ctx, owner, slot, res.Name)
}

// KillForReallocation reclaims the job's resource for a higher-priority
// match: record an internal error, then resume the job onto newResource.
func (m *Manager) KillForReallocation(ctx context.Context, owner string, slot int, newResource string) (*models.Job, error) {
	st, err := m.store.Snapshot()
	if err != nil {
		return nil, err
	}
	alreadyErrored := false
	if u, ok := st.Users[owner]; ok {
		if j, ok := u.Job(slot); ok {
			alreadyErrored = j.Status == models.JobStatusError
			if err := m.container.Interrupt(ctx, u.Session, slot); err != nil {
				m.log.WithError(err).Warn("interrupt before reallocation failed")
			}
		}
	}
	// A job that already sits in error state is reclaimed as-is.
	if !alreadyErrored {
		if err := m.MarkError(ctx, owner, slot, "killed-for-reallocation"); err != nil {
			return nil, err
		}
	}
	return m.Resume(ctx, owner, slot, newResource)
}

// Clear deletes a terminal or superseded job record and closes its container
// window. Live jobs are refused.
func (m *Manager) Clear(ctx context.Context, owner string, slot int) error {
	var session string
	err := m.store.WithLock(ctx, func(st *models.State) error {
		u, ok := st.Users[owner]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownUser, owner)
		}
		j, ok := u.Job(slot)
		if !ok {
			return fmt.Errorf("%w: %s/%d", ErrUnknownJob, owner, slot)
		}
		if !j.Status.Terminal() && !j.Superseded() {
			return fmt.Errorf("%w: %s/%d is %s", ErrNotClearable, owner, slot, j.Status)
		}
		delete(u.Jobs, slot)
		session = u.Session
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.container.KillWindow(ctx, session, slot); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"owner": owner, "slot": slot}).
			Warn("window cleanup failed")
	}
	return nil
}
