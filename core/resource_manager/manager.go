package resource_manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"accel-fleet/core/models"

	retry "github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// ProvisioningClient is the narrow surface of the external provisioning API.
// All calls are network operations with timeouts; implementations map the
// provider's errors to ResourceState and plain errors.
type ProvisioningClient interface {
	Describe(ctx context.Context, name string) (models.ResourceState, error)
	Create(ctx context.Context, req CreateRequest) error
	Delete(ctx context.Context, name string) error
	ExecOnAllWorkers(ctx context.Context, name, command string) ([]ExecResult, error)
}

// CreateRequest describes the accelerator to bring up
type CreateRequest struct {
	Name        string
	Zone        string
	Type        string
	Preemptible bool
}

// ExecResult is one worker's outcome of an ExecOnAllWorkers call
type ExecResult struct {
	Worker   int
	Stdout   string
	Stderr   string
	ExitCode int
}

// Config tunes the manager's external calls
type Config struct {
	MountCommand     string        // mounts shared storage on every worker
	SmokeTestCommand string        // verifies the runtime works
	KillCommand      string        // best-effort kill of occupying processes
	ReadyPollEvery   time.Duration // how often to poll for ready after create
	ReadyTimeout     time.Duration // how long to wait for ready
	RetryDelay       time.Duration // fixed backoff between create retries
	RetryJitter      time.Duration // random jitter added to each backoff
}

// Manager drives accelerator lifecycle against the provisioning API
type Manager struct {
	client ProvisioningClient
	cfg    Config
	log    *logrus.Entry
}

// NewManager creates a resource lifecycle manager.
func NewManager(client ProvisioningClient, cfg Config) *Manager {
	return &Manager{
		client: client,
		cfg:    cfg,
		log:    logrus.WithField("component", "resource_manager"),
	}
}

// Status queries and classifies the resource's external state. Opaque errors
// classify as unknown rather than failing the caller.
func (m *Manager) Status(ctx context.Context, name string) models.ResourceState {
	state, err := m.client.Describe(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return models.ResourceNotFound
		}
		m.log.WithField("resource", name).WithError(err).Warn("describe failed")
		return models.ResourceUnknown
	}
	return state
}

// ProvisionRequest describes a provisioning attempt
type ProvisionRequest struct {
	Name           string
	Zone           string
	Type           string
	Preemptible    bool
	DeleteExisting bool
	// RetryFor bounds how long create is retried with backoff. Zero means a
	// single attempt.
	RetryFor time.Duration
}

// Provision brings up the accelerator and prepares its environment: optional
// delete-first, create with bounded retry, wait for ready, mount shared
// storage, and run the runtime smoke test. Bootstrap failures are reported as
// BootstrapError, everything before as ProvisionError.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) error {
	logger := m.log.WithField("resource", req.Name)

	if req.DeleteExisting {
		if err := m.Destroy(ctx, req.Name); err != nil {
			return &ProvisionError{Name: req.Name, Reason: "delete of existing resource failed", Err: err}
		}
	}

	create := CreateRequest{Name: req.Name, Zone: req.Zone, Type: req.Type, Preemptible: req.Preemptible}
	if err := m.createWithRetry(ctx, create, req.RetryFor); err != nil {
		return &ProvisionError{Name: req.Name, Reason: "create failed", Err: err}
	}

	if err := m.waitReady(ctx, req.Name); err != nil {
		return err
	}

	logger.Info("resource ready, bootstrapping environment")
	return m.bootstrap(ctx, req.Name)
}

func (m *Manager) createWithRetry(ctx context.Context, req CreateRequest, budget time.Duration) error {
	if budget <= 0 {
		return m.client.Create(ctx, req)
	}
	retryCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// Attempts bound the retry loop to the budget; the context deadline cuts
	// off a slow in-flight call.
	attempts := uint(budget/m.cfg.RetryDelay) + 1

	return retry.Do(
		func() error { return m.client.Create(retryCtx, req) },
		retry.Context(retryCtx),
		retry.Attempts(attempts),
		retry.Delay(m.cfg.RetryDelay),
		retry.MaxJitter(m.cfg.RetryJitter),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.log.WithField("resource", req.Name).WithField("attempt", n+1).
				WithError(err).Info("create failed, retrying")
		}),
	)
}

func (m *Manager) waitReady(ctx context.Context, name string) error {
	deadline := time.Now().Add(m.cfg.ReadyTimeout)
	for {
		switch state := m.Status(ctx, name); state {
		case models.ResourceReady:
			return nil
		case models.ResourcePreempted, models.ResourceTerminated:
			return &ProvisionError{Name: name, Reason: fmt.Sprintf("resource became %s while waiting for ready", state)}
		}
		if time.Now().After(deadline) {
			return &ProvisionError{Name: name, Reason: "timed out waiting for ready"}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ReadyPollEvery):
		}
	}
}

// bootstrap mounts shared storage and verifies the runtime on every worker.
func (m *Manager) bootstrap(ctx context.Context, name string) error {
	if err := m.runBootstrapStep(ctx, name, m.cfg.MountCommand, BootstrapMountError); err != nil {
		return err
	}
	return m.runBootstrapStep(ctx, name, m.cfg.SmokeTestCommand, BootstrapEnvError)
}

func (m *Manager) runBootstrapStep(ctx context.Context, name, command string, failKind BootstrapKind) error {
	results, err := m.client.ExecOnAllWorkers(ctx, name, command)
	if err != nil {
		return &BootstrapError{Name: name, Kind: BootstrapUnknown, Err: err}
	}
	for _, res := range results {
		if res.ExitCode == 0 {
			continue
		}
		kind := failKind
		switch {
		case strings.Contains(res.Stderr, "already in use"):
			kind = BootstrapOccupied
		case strings.Contains(res.Stderr, "No such file or directory"):
			kind = BootstrapMountError
		}
		return &BootstrapError{
			Name: name,
			Kind: kind,
			Err:  fmt.Errorf("worker %d exited %d: %s", res.Worker, res.ExitCode, strings.TrimSpace(res.Stderr)),
		}
	}
	return nil
}

// Destroy deletes the accelerator. Destroying a resource that no longer
// exists is success with a warning, so callers can treat Destroy as
// idempotent.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	if err := m.client.Delete(ctx, name); err != nil {
		if isNotFound(err) {
			m.log.WithField("resource", name).Warn("destroy of missing resource, treating as success")
			return nil
		}
		return fmt.Errorf("failed to destroy %s: %w", name, err)
	}
	return nil
}

// KillRunningWork signal-kills whatever occupies the resource before it is
// rebound to a different job. Partial worker failures are logged, not fatal:
// an error is returned only when no worker could be reached at all.
func (m *Manager) KillRunningWork(ctx context.Context, name string) error {
	results, err := m.client.ExecOnAllWorkers(ctx, name, m.cfg.KillCommand)
	if err != nil {
		return fmt.Errorf("failed to kill work on %s: %w", name, err)
	}

	var failed *multierror.Error
	for _, res := range results {
		if res.ExitCode != 0 {
			failed = multierror.Append(failed, fmt.Errorf("worker %d exited %d: %s",
				res.Worker, res.ExitCode, strings.TrimSpace(res.Stderr)))
		}
	}
	if failed != nil {
		if failed.Len() == len(results) && len(results) > 0 {
			return fmt.Errorf("kill failed on every worker of %s: %w", name, failed.ErrorOrNil())
		}
		m.log.WithField("resource", name).WithError(failed.ErrorOrNil()).
			Warn("kill failed on some workers, continuing")
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "notfound") ||
		strings.Contains(msg, "does not exist")
}
