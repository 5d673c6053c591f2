package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quickpay/review-apps/internal/model"
	"github.com/quickpay/review-apps/internal/store"
)

// memoryStore is an in-memory Store implementation for testing. Its
// PutIfAbsent holds the mutex across the exists/insert pair, matching
// the atomicity the distributed store provides.
type memoryStore struct {
	mu   sync.Mutex
	data map[string]interface{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]interface{})}
}

func (m *memoryStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) PutIfAbsent(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return store.ErrKeyExists
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Get(ctx context.Context, key string) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return value, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *memoryStore) Ping(ctx context.Context) error { return nil }

func (m *memoryStore) Stats(ctx context.Context) (*store.StoreStats, error) {
	return &store.StoreStats{ClusterMembers: 1}, nil
}

func (m *memoryStore) Close(ctx context.Context) error { return nil }

func newTestRegistry() (*OlricJobRegistry, *memoryStore) {
	st := newMemoryStore()
	return NewOlricJobRegistry(st, zap.NewNop()), st
}

func TestTryAcquire(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	acquired, err := reg.TryAcquire(ctx, "feature-x", "https://github.com/org/app.git")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !acquired {
		t.Error("TryAcquire() = false, want true for new branch")
	}

	job, err := reg.ActiveJobFor(ctx, "feature-x")
	if err != nil {
		t.Fatalf("ActiveJobFor() error = %v", err)
	}
	if job.BranchName != "feature-x" {
		t.Errorf("BranchName = %q, want %q", job.BranchName, "feature-x")
	}
	if job.Status != model.StatusPending {
		t.Errorf("Status = %q, want %q", job.Status, model.StatusPending)
	}
	if job.SourceRepoURL != "https://github.com/org/app.git" {
		t.Errorf("SourceRepoURL = %q, want %q", job.SourceRepoURL, "https://github.com/org/app.git")
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestTryAcquireAlreadyHeld(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	acquired, err := reg.TryAcquire(ctx, "feature-x", "")
	if err != nil || !acquired {
		t.Fatalf("first TryAcquire() = %v, %v", acquired, err)
	}

	acquired, err = reg.TryAcquire(ctx, "feature-x", "")
	if err != nil {
		t.Fatalf("second TryAcquire() error = %v, want nil for lost race", err)
	}
	if acquired {
		t.Error("second TryAcquire() = true, want false")
	}
}

func TestTryAcquireEmptyBranch(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	if _, err := reg.TryAcquire(ctx, "", ""); err == nil {
		t.Error("TryAcquire() with empty branch should return error")
	}
}

func TestTryAcquireConcurrent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	const workers = 50

	var wg sync.WaitGroup
	var successCount int32
	var countMutex sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			acquired, err := reg.TryAcquire(ctx, "contested", "")
			if err != nil {
				t.Errorf("TryAcquire() error = %v", err)
				return
			}
			if acquired {
				countMutex.Lock()
				successCount++
				countMutex.Unlock()
			}
		}()
	}

	wg.Wait()

	if successCount != 1 {
		t.Errorf("concurrent TryAcquire successes = %d, want exactly 1", successCount)
	}
}

func TestMarkRunning(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	if _, err := reg.TryAcquire(ctx, "feature-x", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	if err := reg.MarkRunning(ctx, "feature-x", "build-123"); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}

	job, err := reg.ActiveJobFor(ctx, "feature-x")
	if err != nil {
		t.Fatalf("ActiveJobFor() error = %v", err)
	}
	if job.Status != model.StatusRunning {
		t.Errorf("Status = %q, want %q", job.Status, model.StatusRunning)
	}
	if job.JobID != "build-123" {
		t.Errorf("JobID = %q, want %q", job.JobID, "build-123")
	}
}

func TestMarkRunningMissingJob(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	err := reg.MarkRunning(ctx, "missing", "build-123")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("MarkRunning() error = %v, want ErrJobNotFound", err)
	}
}

func TestMarkRunningEmptyJobID(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	if _, err := reg.TryAcquire(ctx, "feature-x", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	if err := reg.MarkRunning(ctx, "feature-x", ""); err == nil {
		t.Error("MarkRunning() with empty job id should return error")
	}
}

func TestMarkStatus(t *testing.T) {
	tests := []struct {
		name   string
		status model.JobStatus
	}{
		{name: "failed", status: model.StatusFailed},
		{name: "succeeded", status: model.StatusSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			reg, _ := newTestRegistry()

			if _, err := reg.TryAcquire(ctx, "feature-x", ""); err != nil {
				t.Fatalf("TryAcquire() error = %v", err)
			}

			if err := reg.MarkStatus(ctx, "feature-x", tt.status); err != nil {
				t.Fatalf("MarkStatus() error = %v", err)
			}

			job, err := reg.ActiveJobFor(ctx, "feature-x")
			if err != nil {
				t.Fatalf("ActiveJobFor() error = %v", err)
			}
			if job.Status != tt.status {
				t.Errorf("Status = %q, want %q", job.Status, tt.status)
			}
		})
	}
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	if _, err := reg.TryAcquire(ctx, "feature-x", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	if err := reg.MarkFailed(ctx, "feature-x", "build-123"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	job, err := reg.ActiveJobFor(ctx, "feature-x")
	if err != nil {
		t.Fatalf("ActiveJobFor() error = %v", err)
	}
	if job.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", job.Status, model.StatusFailed)
	}
	if job.JobID != "build-123" {
		t.Errorf("JobID = %q, want %q", job.JobID, "build-123")
	}
}

func TestMarkFailedKeepsExistingJobID(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	if _, err := reg.TryAcquire(ctx, "feature-x", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if err := reg.MarkRunning(ctx, "feature-x", "build-123"); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}

	if err := reg.MarkFailed(ctx, "feature-x", ""); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	job, err := reg.ActiveJobFor(ctx, "feature-x")
	if err != nil {
		t.Fatalf("ActiveJobFor() error = %v", err)
	}
	if job.JobID != "build-123" {
		t.Errorf("JobID = %q, want %q", job.JobID, "build-123")
	}
}

func TestFailedJobBlocksReacquisition(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	if _, err := reg.TryAcquire(ctx, "feature-x", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if err := reg.MarkStatus(ctx, "feature-x", model.StatusFailed); err != nil {
		t.Fatalf("MarkStatus() error = %v", err)
	}

	acquired, err := reg.TryAcquire(ctx, "feature-x", "")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if acquired {
		t.Error("TryAcquire() = true, want false while failed record exists")
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	if _, err := reg.TryAcquire(ctx, "feature-x", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	if err := reg.Release(ctx, "feature-x"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if _, err := reg.ActiveJobFor(ctx, "feature-x"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("ActiveJobFor() after release error = %v, want ErrJobNotFound", err)
	}

	// Released branch can be acquired again
	acquired, err := reg.TryAcquire(ctx, "feature-x", "")
	if err != nil {
		t.Fatalf("TryAcquire() after release error = %v", err)
	}
	if !acquired {
		t.Error("TryAcquire() after release = false, want true")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	if err := reg.Release(ctx, "never-acquired"); err != nil {
		t.Errorf("Release() of missing record error = %v, want nil", err)
	}
}

func TestActiveJobForMissing(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	if _, err := reg.ActiveJobFor(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("ActiveJobFor() error = %v, want ErrJobNotFound", err)
	}
}

func TestActiveJobForCorruptRecord(t *testing.T) {
	ctx := context.Background()
	reg, st := newTestRegistry()

	if err := st.Put(ctx, "corrupt", "{not json", 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := reg.ActiveJobFor(ctx, "corrupt"); err == nil {
		t.Error("ActiveJobFor() with corrupt record should return error")
	}
}
