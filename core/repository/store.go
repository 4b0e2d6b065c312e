package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"accel-fleet/core/models"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when the advisory lock cannot be obtained within
// the configured deadline. Surfaced to the operator, never silently retried.
var ErrLockTimeout = errors.New("timed out waiting for state lock")

// Document file names under the state directory. Each is rewritten whole on
// every mutation; there are no partial updates.
const (
	usersFile     = "users.json"
	inventoryFile = "inventory.json"
	queueFile     = "queue.json"
	lockFile      = "state.lock"
)

// Store persists the fleet state as whole JSON documents guarded by an
// advisory file lock. All mutation goes through WithLock; Snapshot reads
// without the lock for stale-tolerant queries.
type Store struct {
	dir          string
	lock         *flock.Flock
	sem          chan struct{} // serializes in-process flows; the flock guards other processes
	pollInterval time.Duration
	lockTimeout  time.Duration
	log          *logrus.Entry
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string, pollInterval, lockTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Store{
		dir:          dir,
		lock:         flock.New(filepath.Join(dir, lockFile)),
		sem:          make(chan struct{}, 1),
		pollInterval: pollInterval,
		lockTimeout:  lockTimeout,
		log:          logrus.WithField("component", "store"),
	}, nil
}

// Snapshot reads the current state without taking the lock. The result may be
// slightly stale; use it only for non-mutating queries such as status displays.
func (s *Store) Snapshot() (*models.State, error) {
	return s.load()
}

// WithLock obtains the advisory lock, re-reads the persisted state, applies
// mutate, rewrites the documents, and releases the lock. The lock is polled
// at the configured interval and acquisition fails with ErrLockTimeout after
// the configured deadline. If mutate returns an error nothing is persisted.
func (s *Store) WithLock(ctx context.Context, mutate func(*models.State) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	// In-process flows wait here; the file lock only arbitrates between
	// processes and a handle-sharing goroutine would slip past it.
	select {
	case s.sem <- struct{}{}:
	case <-lockCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockTimeout
	}
	defer func() { <-s.sem }()

	ok, err := s.lock.TryLockContext(lockCtx, s.pollInterval)
	if !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || lockCtx.Err() != nil {
			return ErrLockTimeout
		}
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.log.WithError(err).Warn("failed to release state lock")
		}
	}()

	st, err := s.load()
	if err != nil {
		return err
	}
	if err := mutate(st); err != nil {
		return err
	}
	return s.save(st)
}

type usersDoc struct {
	Users map[string]*models.User `json:"users"`
}

type inventoryDoc struct {
	Resources map[string]*models.Resource `json:"resources"`
	Aliases   map[string]string           `json:"aliases"`
}

type queueDoc struct {
	Queue []*models.Task `json:"queue"`
}

func (s *Store) load() (*models.State, error) {
	st := models.NewState()

	var users usersDoc
	if err := s.readDoc(usersFile, &users); err != nil {
		return nil, err
	}
	if users.Users != nil {
		st.Users = users.Users
	}

	var inv inventoryDoc
	if err := s.readDoc(inventoryFile, &inv); err != nil {
		return nil, err
	}
	if inv.Resources != nil {
		st.Resources = inv.Resources
	}
	if inv.Aliases != nil {
		st.Aliases = inv.Aliases
	}

	var q queueDoc
	if err := s.readDoc(queueFile, &q); err != nil {
		return nil, err
	}
	st.Queue = q.Queue

	st.Normalize()
	return st, nil
}

func (s *Store) save(st *models.State) error {
	if err := s.writeDoc(usersFile, usersDoc{Users: st.Users}); err != nil {
		return err
	}
	if err := s.writeDoc(inventoryFile, inventoryDoc{Resources: st.Resources, Aliases: st.Aliases}); err != nil {
		return err
	}
	return s.writeDoc(queueFile, queueDoc{Queue: st.Queue})
}

func (s *Store) readDoc(name string, out interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

// writeDoc rewrites a document atomically via a temp file rename so a crash
// mid-write never leaves a truncated record set.
func (s *Store) writeDoc(name string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
