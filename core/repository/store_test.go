package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"accel-fleet/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	return s
}

func TestWithLockPersistsMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithLock(ctx, func(st *models.State) error {
		st.Users["ada"] = &models.User{
			Name:     "ada",
			Session:  "ada",
			WorkDirs: map[int]string{1: "/data/ada/run1"},
			Jobs:     make(map[int]*models.Job),
		}
		st.Resources["accel-1"] = &models.Resource{Name: "accel-1", Zone: "us-central1-a", Type: "v3-8", State: models.ResourceReady}
		st.Aliases["a1"] = "accel-1"
		return nil
	})
	require.NoError(t, err)

	st, err := s.Snapshot()
	require.NoError(t, err)
	require.Contains(t, st.Users, "ada")
	assert.Equal(t, "/data/ada/run1", st.Users["ada"].WorkDirs[1])
	assert.Equal(t, models.ResourceReady, st.Resources["accel-1"].State)
	assert.Equal(t, "accel-1", st.Aliases["a1"])
}

func TestWithLockMutateErrorPersistsNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithLock(ctx, func(st *models.State) error {
		st.Aliases["a1"] = ""
		return nil
	}))

	err := s.WithLock(ctx, func(st *models.State) error {
		st.Aliases["a1"] = "accel-9"
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	st, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "", st.Aliases["a1"])
}

func TestSnapshotEmptyStore(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, st.Users)
	assert.Empty(t, st.Resources)
	assert.Empty(t, st.Queue)
}

// Two concurrent mutations from different flows must serialize; the final
// state reflects both, never a lost update.
func TestWithLockSerializesConcurrentMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithLock(ctx, func(st *models.State) error {
		st.Users["ada"] = &models.User{Name: "ada", Jobs: make(map[int]*models.Job), WorkDirs: map[int]string{}}
		return nil
	}))

	const flows = 8
	const perFlow = 5
	var wg sync.WaitGroup
	for i := 0; i < flows; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < perFlow; k++ {
				err := s.WithLock(ctx, func(st *models.State) error {
					st.Users["ada"].NextSlot++
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	st, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, flows*perFlow, st.Users["ada"].NextSlot)
}

func TestWithLockTimesOut(t *testing.T) {
	s, err := NewStore(t.TempDir(), time.Millisecond, 30*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithLock(ctx, func(st *models.State) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err = s.WithLock(ctx, func(st *models.State) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestWithLockHonorsCallerCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithLock(context.Background(), func(st *models.State) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	cancel()
	err := s.WithLock(ctx, func(st *models.State) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
