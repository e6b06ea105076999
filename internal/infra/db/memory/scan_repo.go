// Package memory holds the live, process-local scan registry. Nothing here
// survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

// record guards a single scan. Mutations of different scans never contend.
type record struct {
	mu   sync.Mutex
	scan domain.Scan
}

type ScanRepository struct {
	mu      sync.RWMutex
	records map[domain.ScanID]*record
	now     func() time.Time
}

func NewScanRepository() *ScanRepository {
	return &ScanRepository{
		records: make(map[domain.ScanID]*record),
		now:     time.Now,
	}
}

// WithClock overrides the time source used for startedAt/completedAt.
func (r *ScanRepository) WithClock(now func() time.Time) *ScanRepository {
	r.now = now
	return r
}

// Create inserts s. A terminal record with the same id is replaced.
func (r *ScanRepository) Create(_ context.Context, s *domain.Scan) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("create scan: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[s.ID]; ok {
		existing.mu.Lock()
		status := existing.scan.Status
		existing.mu.Unlock()
		if !status.Terminal() {
			return fmt.Errorf("create scan %q: %w", s.ID, domain.ErrDuplicateID)
		}
	}

	r.records[s.ID] = &record{scan: *s.Clone()}
	return nil
}

func (r *ScanRepository) lookup(id domain.ScanID) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scan %q: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

// Get returns a copy of the record.
func (r *ScanRepository) Get(_ context.Context, id domain.ScanID) (*domain.Scan, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.scan.Clone(), nil
}

// List returns copies of all records, newest createdAt first.
func (r *ScanRepository) List(_ context.Context) ([]*domain.Scan, error) {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]*domain.Scan, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.scan.Clone())
		rec.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Transition is the compare-and-set used by both the exit callback and cancel.
func (r *ScanRepository) Transition(_ context.Context, id domain.ScanID, to domain.Status, mutate func(*domain.Scan)) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.scan.Status.Terminal() {
		return fmt.Errorf("transition %q %s -> %s: %w", id, rec.scan.Status, to, domain.ErrAlreadyTerminal)
	}

	now := r.now()
	rec.scan.Status = to
	if to == domain.StatusRunning && rec.scan.StartedAt == nil {
		rec.scan.StartedAt = &now
	}
	if to.Terminal() {
		rec.scan.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&rec.scan)
		// mutate may not rewrite the lifecycle fields decided above
		rec.scan.Status = to
	}
	return nil
}

func (r *ScanRepository) IncrementFindings(_ context.Context, id domain.ScanID) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.scan.VulnerabilitiesFound++
	rec.mu.Unlock()
	return nil
}

// Update applies mutate to counters and annotations; status is restored
// afterwards so it can only change through Transition.
func (r *ScanRepository) Update(_ context.Context, id domain.ScanID, mutate func(*domain.Scan)) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	status, completed := rec.scan.Status, rec.scan.CompletedAt
	mutate(&rec.scan)
	rec.scan.Status, rec.scan.CompletedAt = status, completed
	return nil
}
