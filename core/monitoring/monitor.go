package monitoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"accel-fleet/core/executor"
	"accel-fleet/core/models"
	"accel-fleet/core/repository"
	"accel-fleet/core/resource_manager"

	"github.com/sirupsen/logrus"
)

// JobActions is the slice of the job lifecycle manager the monitor drives.
type JobActions interface {
	MarkError(ctx context.Context, owner string, slot int, reason string) error
	Resume(ctx context.Context, owner string, slot int, target string) (*models.Job, error)
	Rerun(ctx context.Context, owner string, slot int, target string) (*models.Job, error)
	Reapply(ctx context.Context, owner string, slot int) (*models.Job, error)
}

// ResourceProbe is the slice of the resource manager the monitor needs.
type ResourceProbe interface {
	Status(ctx context.Context, name string) models.ResourceState
	Provision(ctx context.Context, req resource_manager.ProvisionRequest) error
}

// Sheet is the external inventory listing consulted during reallocation.
type Sheet interface {
	Resources() ([]*models.Resource, error)
	RecordState(name string, state models.ResourceState) error
}

// Config tunes the monitor loop
type Config struct {
	Interval          time.Duration
	TailLines         int
	ProvisionRetryFor time.Duration
}

// Monitor reconciles every monitored job's believed state against observed
// resource and log state, and applies each job's recovery rules.
type Monitor struct {
	store      *repository.Store
	resources  ResourceProbe
	jobs       JobActions
	container  executor.Container
	sheet      Sheet
	classifier *Classifier
	cfg        Config
	log        *logrus.Entry
}

// NewMonitor creates a monitor loop.
func NewMonitor(store *repository.Store, resources ResourceProbe, jobs JobActions,
	container executor.Container, sheet Sheet, cfg Config) *Monitor {
	return &Monitor{
		store:      store,
		resources:  resources,
		jobs:       jobs,
		container:  container,
		sheet:      sheet,
		classifier: NewClassifier(),
		cfg:        cfg,
		log:        logrus.WithField("component", "monitor"),
	}
}

// Start runs the reconciliation loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every monitored job sequentially. One job's failure
// never aborts processing of the rest.
func (m *Monitor) RunOnce(ctx context.Context) {
	st, err := m.store.Snapshot()
	if err != nil {
		m.log.WithError(err).Error("failed to read state")
		return
	}

	owners := make([]string, 0, len(st.Users))
	for name := range st.Users {
		owners = append(owners, name)
	}
	sort.Strings(owners)

	for _, owner := range owners {
		u := st.Users[owner]
		slots := make([]int, 0, len(u.Jobs))
		for slot := range u.Jobs {
			slots = append(slots, slot)
		}
		sort.Ints(slots)

		for _, slot := range slots {
			j := u.Jobs[slot]
			if !j.Monitored || !j.Active() {
				continue
			}
			if err := m.reconcile(ctx, st, u, j); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{"owner": j.Owner, "slot": j.Slot}).
					Warn("reconciliation failed, continuing with next job")
			}
		}
	}
}

// reconcile handles one job: observe the failure kind, then act on it.
func (m *Monitor) reconcile(ctx context.Context, st *models.State, u *models.User, j *models.Job) error {
	if j.Resource == "" {
		// A monitored job with no binding is a stale reference: log and skip.
		m.log.WithFields(logrus.Fields{"owner": j.Owner, "slot": j.Slot}).
			Warn("monitored job has no bound resource, skipping")
		return nil
	}

	// Jobs already in error are retries from an earlier cycle; the stored
	// reason carries the kind.
	if j.Status == models.JobStatusError {
		kind := failureKindFromReason(j.ErrorReason)
		if kind == models.FailureUnknown {
			return nil // human-triage territory
		}
		return m.act(ctx, st, j, kind, false)
	}

	kind, err := m.observe(ctx, st, u, j)
	if err != nil {
		return err
	}
	if kind == "" {
		return nil
	}
	return m.act(ctx, st, j, kind, true)
}

// observe maps resource status, then log output, to a failure kind. Empty
// means the job looks healthy.
func (m *Monitor) observe(ctx context.Context, st *models.State, u *models.User, j *models.Job) (models.FailureKind, error) {
	state := m.resources.Status(ctx, j.Resource)
	m.noteResourceState(ctx, st, j.Resource, state)

	switch state {
	case models.ResourcePreempted:
		return models.FailurePreempted, nil
	case models.ResourceNotFound, models.ResourceTerminated:
		return models.FailureDeleted, nil
	case models.ResourceUnknown, models.ResourceCreating:
		return "", nil // inconclusive; try again next cycle
	}

	// Resource looks healthy: infer from the job's captured output.
	tail, err := m.container.CaptureTail(ctx, u.Session, j.Slot, m.cfg.TailLines)
	if err != nil {
		return "", fmt.Errorf("failed to capture output: %w", err)
	}
	verdict := m.classifier.Classify(tail)
	if verdict.Kind == VerdictFailure {
		return verdict.Failure, nil
	}
	return "", nil
}

// noteResourceState propagates an observed state change to the store record
// and the inventory mirror. Both best-effort.
func (m *Monitor) noteResourceState(ctx context.Context, st *models.State, name string, state models.ResourceState) {
	prev, known := st.Resources[name]
	if known && prev.State == state {
		return
	}
	err := m.store.WithLock(ctx, func(st *models.State) error {
		if r, ok := st.Resources[name]; ok {
			r.State = state
			r.UpdatedAt = time.Now()
		}
		return nil
	})
	if err != nil {
		m.log.WithError(err).WithField("resource", name).Warn("failed to record resource state")
	}
	if err := m.sheet.RecordState(name, state); err != nil {
		m.log.WithError(err).WithField("resource", name).Warn("failed to update inventory mirror")
	}
}

// act marks the error (for freshly observed failures) and applies either the
// reallocation algorithm or the job's configured rule.
func (m *Monitor) act(ctx context.Context, st *models.State, j *models.Job, kind models.FailureKind, fresh bool) error {
	if fresh {
		if err := m.jobs.MarkError(ctx, j.Owner, j.Slot, string(kind)); err != nil {
			return err
		}
	}
	if kind == models.FailureDeleted {
		return m.reallocate(ctx, st, j)
	}

	action, ok := j.Rules[kind]
	if !ok {
		action = models.RuleActionPass
	}
	logger := m.log.WithFields(logrus.Fields{"owner": j.Owner, "slot": j.Slot, "kind": kind, "action": action})

	switch action {
	case models.RuleActionPass:
		logger.Info("failure observed, rule says pass")
		return nil
	case models.RuleActionResume:
		_, err := m.jobs.Resume(ctx, j.Owner, j.Slot, "")
		return err
	case models.RuleActionRerun:
		_, err := m.jobs.Rerun(ctx, j.Owner, j.Slot, "")
		return err
	case models.RuleActionReapply:
		_, err := m.jobs.Reapply(ctx, j.Owner, j.Slot)
		return err
	default:
		return fmt.Errorf("unknown rule action %q", action)
	}
}

// reallocate finds a substitute accelerator for a job whose resource
// disappeared: pick an idle same-type, same-zone resource from the inventory
// listing, reserve it under the lock, provision it, and resume the job onto
// it. Any step failure aborts the attempt; the job stays in error for the
// next cycle, bounded by the resume depth cap.
func (m *Monitor) reallocate(ctx context.Context, st *models.State, j *models.Job) error {
	old, ok := st.Resources[j.Resource]
	if !ok {
		m.log.WithFields(logrus.Fields{"owner": j.Owner, "slot": j.Slot, "resource": j.Resource}).
			Warn("job references a resource missing from the inventory, skipping")
		return nil
	}

	candidate := m.selectSubstitute(st, old, j.Resource)
	if candidate == nil {
		return fmt.Errorf("no idle %s resource in %s for job %s/%d", old.Type, old.Zone, j.Owner, j.Slot)
	}

	// Reserve under the lock: selection was best-effort against a snapshot,
	// so re-validate before committing to this candidate.
	err := m.store.WithLock(ctx, func(st *models.State) error {
		if st.ResourceInUse(candidate.Name) {
			return fmt.Errorf("candidate %s was claimed since selection", candidate.Name)
		}
		if alias, ok := st.FreeAlias(); ok {
			st.BindAlias(alias, candidate.Name)
		} else if len(st.Aliases) > 0 {
			return fmt.Errorf("no free display alias for %s", candidate.Name)
		}
		st.Resources[candidate.Name] = &models.Resource{
			Name:        candidate.Name,
			Zone:        candidate.Zone,
			Type:        candidate.Type,
			Preemptible: candidate.Preemptible,
			State:       models.ResourceCreating,
			UpdatedAt:   time.Now(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = m.resources.Provision(ctx, resource_manager.ProvisionRequest{
		Name:           candidate.Name,
		Zone:           candidate.Zone,
		Type:           candidate.Type,
		Preemptible:    candidate.Preemptible,
		DeleteExisting: true,
		RetryFor:       m.cfg.ProvisionRetryFor,
	})
	if err != nil {
		return fmt.Errorf("substitute provisioning failed: %w", err)
	}
	m.noteResourceState(ctx, st, candidate.Name, models.ResourceReady)

	_, err = m.jobs.Resume(ctx, j.Owner, j.Slot, candidate.Name)
	return err
}

// selectSubstitute picks an idle resource of the same type and zone from the
// external inventory listing that no current job references.
func (m *Monitor) selectSubstitute(st *models.State, old *models.Resource, exclude string) *models.Resource {
	listed, err := m.sheet.Resources()
	if err != nil {
		m.log.WithError(err).Warn("inventory listing unavailable")
		return nil
	}
	for _, r := range listed {
		if r.Name == exclude || r.Type != old.Type || r.Zone != old.Zone {
			continue
		}
		// Any unreferenced name will do: provisioning deletes leftovers first.
		if st.ResourceInUse(r.Name) {
			continue
		}
		return r
	}
	return nil
}

// failureKindFromReason recovers the kind from a monitor-recorded error
// reason. Free-form reasons map to unknown, which is never auto-acted on.
func failureKindFromReason(reason string) models.FailureKind {
	switch models.FailureKind(reason) {
	case models.FailurePreempted, models.FailureTransient, models.FailureLocked, models.FailureDeleted:
		return models.FailureKind(reason)
	}
	return models.FailureUnknown
}
