package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

func newScan(id string, created time.Time) *domain.Scan {
	return &domain.Scan{
		ID:        domain.ScanID(id),
		RunName:   id,
		Status:    domain.StatusQueued,
		Targets:   []domain.TargetInfo{{Original: "example.com"}},
		CreatedAt: created,
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewScanRepository()

	require.NoError(t, repo.Create(ctx, newScan("r1", time.Now())))

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)

	// returned value is a copy
	got.Status = domain.StatusFailed
	got.Targets[0].Original = "changed"
	again, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, again.Status)
	assert.Equal(t, "example.com", again.Targets[0].Original)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewScanRepository()

	require.NoError(t, repo.Create(ctx, newScan("r1", time.Now())))
	require.ErrorIs(t, repo.Create(ctx, newScan("r1", time.Now())), domain.ErrDuplicateID)

	require.NoError(t, repo.Transition(ctx, "r1", domain.StatusRunning, nil))
	require.ErrorIs(t, repo.Create(ctx, newScan("r1", time.Now())), domain.ErrDuplicateID)

	// a finished run name can be reused
	require.NoError(t, repo.Transition(ctx, "r1", domain.StatusCompleted, nil))
	require.NoError(t, repo.Create(ctx, newScan("r1", time.Now())))
	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewScanRepository()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, newScan("old", base)))
	require.NoError(t, repo.Create(ctx, newScan("new", base.Add(2*time.Hour))))
	require.NoError(t, repo.Create(ctx, newScan("mid", base.Add(time.Hour))))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, domain.ScanID("new"), list[0].ID)
	assert.Equal(t, domain.ScanID("mid"), list[1].ID)
	assert.Equal(t, domain.ScanID("old"), list[2].ID)
}

func TestTransitionGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := NewScanRepository().WithClock(func() time.Time { return clock })

	require.NoError(t, repo.Create(ctx, newScan("r1", clock)))
	require.NoError(t, repo.Transition(ctx, "r1", domain.StatusRunning, nil))

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	clock = clock.Add(time.Minute)
	require.NoError(t, repo.Transition(ctx, "r1", domain.StatusCancelled, nil))

	clock = clock.Add(time.Minute)
	err = repo.Transition(ctx, "r1", domain.StatusFailed, func(s *domain.Scan) {
		code := 143
		s.ExitCode = &code
	})
	require.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	got, err = repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Nil(t, got.ExitCode)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC), *got.CompletedAt)

	require.ErrorIs(t, repo.Transition(ctx, "missing", domain.StatusFailed, nil), domain.ErrNotFound)
}

func TestTransitionMutateCannotOverrideStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewScanRepository()
	require.NoError(t, repo.Create(ctx, newScan("r1", time.Now())))

	require.NoError(t, repo.Transition(ctx, "r1", domain.StatusFailed, func(s *domain.Scan) {
		s.Status = domain.StatusRunning
		s.Error = "boom"
	}))
	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestUpdateKeepsStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewScanRepository()
	require.NoError(t, repo.Create(ctx, newScan("r1", time.Now())))
	require.NoError(t, repo.Transition(ctx, "r1", domain.StatusCompleted, nil))

	require.NoError(t, repo.Update(ctx, "r1", func(s *domain.Scan) {
		s.Status = domain.StatusRunning
		s.CompletedAt = nil
		s.TranscriptURL = "http://minio/scans/r1.log"
	}))
	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "http://minio/scans/r1.log", got.TranscriptURL)

	require.ErrorIs(t, repo.Update(ctx, "missing", func(*domain.Scan) {}), domain.ErrNotFound)
}

func TestConcurrentIncrements(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewScanRepository()
	require.NoError(t, repo.Create(ctx, newScan("r1", time.Now())))

	const workers, per = 8, 250
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				assert.NoError(t, repo.IncrementFindings(ctx, "r1"))
			}
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, workers*per, got.VulnerabilitiesFound)
}

func TestConcurrentTerminalTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewScanRepository()
	require.NoError(t, repo.Create(ctx, newScan("r1", time.Now())))
	require.NoError(t, repo.Transition(ctx, "r1", domain.StatusRunning, nil))

	statuses := []domain.Status{domain.StatusCancelled, domain.StatusCompleted, domain.StatusFailed}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(st domain.Status) {
			defer wg.Done()
			if err := repo.Transition(ctx, "r1", st, nil); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
			}
		}(statuses[i%len(statuses)])
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
