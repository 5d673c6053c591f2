package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quickpay/review-apps/internal/model"
	"github.com/quickpay/review-apps/internal/store"
)

// Common errors returned by the registry.
var (
	// ErrJobNotFound is returned when no job record exists for a branch.
	ErrJobNotFound = errors.New("job not found")
)

// JobRegistry tracks at most one build job per branch. All coordination
// between concurrent gateway instances goes through it; acquisition is a
// single atomic conditional write against the durable store, never a
// read-then-write.
type JobRegistry interface {
	// TryAcquire records a Pending job for the branch iff no record
	// exists. It returns true on success and false when another job
	// holds the branch; losing the race is not an error.
	TryAcquire(ctx context.Context, branch, sourceRepoURL string) (bool, error)

	// MarkRunning records the external job identifier and moves the
	// record to Running.
	MarkRunning(ctx context.Context, branch, jobID string) error

	// MarkStatus updates the status of the branch's record.
	MarkStatus(ctx context.Context, branch string, status model.JobStatus) error

	// MarkFailed moves the record to Failed, recording the external job
	// identifier when one was assigned.
	MarkFailed(ctx context.Context, branch, jobID string) error

	// Release removes the record for the branch. Releasing a missing
	// record is not an error.
	Release(ctx context.Context, branch string) error

	// ActiveJobFor returns the current record for a branch, or
	// ErrJobNotFound.
	ActiveJobFor(ctx context.Context, branch string) (*model.BuildJob, error)
}

// OlricJobRegistry implements JobRegistry on top of the distributed
// store. Records are stored JSON-encoded under the branch name.
type OlricJobRegistry struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewOlricJobRegistry creates a new OlricJobRegistry.
func NewOlricJobRegistry(store store.Store, logger *zap.Logger) *OlricJobRegistry {
	return &OlricJobRegistry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// TryAcquire records a Pending job for the branch using the store's
// atomic put-if-absent. Exactly one of any set of concurrent callers for
// the same branch succeeds.
func (r *OlricJobRegistry) TryAcquire(ctx context.Context, branch, sourceRepoURL string) (bool, error) {
	if branch == "" {
		return false, fmt.Errorf("branch name cannot be empty")
	}

	job := &model.BuildJob{
		BranchName:    branch,
		Status:        model.StatusPending,
		CreatedAt:     r.now().UTC(),
		SourceRepoURL: sourceRepoURL,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to serialize job: %w", err)
	}

	err = r.store.PutIfAbsent(ctx, branch, string(data), 0)
	if errors.Is(err, store.ErrKeyExists) {
		r.logger.Debug("Branch already has a job",
			zap.String("branch", branch),
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to store job record: %w", err)
	}

	r.logger.Info("Job record acquired",
		zap.String("branch", branch),
	)

	return true, nil
}

// MarkRunning records the external job identifier and moves the record
// to Running.
func (r *OlricJobRegistry) MarkRunning(ctx context.Context, branch, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id cannot be empty")
	}

	return r.update(ctx, branch, func(job *model.BuildJob) {
		job.JobID = jobID
		job.Status = model.StatusRunning
	})
}

// MarkStatus updates the status of the branch's record.
func (r *OlricJobRegistry) MarkStatus(ctx context.Context, branch string, status model.JobStatus) error {
	return r.update(ctx, branch, func(job *model.BuildJob) {
		job.Status = status
	})
}

// MarkFailed moves the record to Failed. The external job identifier is
// kept on the record so operators can find the orphaned project.
func (r *OlricJobRegistry) MarkFailed(ctx context.Context, branch, jobID string) error {
	return r.update(ctx, branch, func(job *model.BuildJob) {
		if jobID != "" {
			job.JobID = jobID
		}
		job.Status = model.StatusFailed
	})
}

// Release removes the record for the branch. Idempotent.
func (r *OlricJobRegistry) Release(ctx context.Context, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}

	if err := r.store.Delete(ctx, branch); err != nil {
		return fmt.Errorf("failed to delete job record: %w", err)
	}

	r.logger.Info("Job record released",
		zap.String("branch", branch),
	)

	return nil
}

// ActiveJobFor returns the current record for a branch.
func (r *OlricJobRegistry) ActiveJobFor(ctx context.Context, branch string) (*model.BuildJob, error) {
	if branch == "" {
		return nil, fmt.Errorf("branch name cannot be empty")
	}

	value, err := r.store.Get(ctx, branch)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}

	return decodeJob(value)
}

// update loads, mutates, and rewrites a record. Only the owner of the
// acquisition mutates a record, so this read-modify-write does not race
// with other launchers; acquisition itself stays on PutIfAbsent.
func (r *OlricJobRegistry) update(ctx context.Context, branch string, mutate func(*model.BuildJob)) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}

	value, err := r.store.Get(ctx, branch)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to get job record: %w", err)
	}

	job, err := decodeJob(value)
	if err != nil {
		return err
	}

	mutate(job)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	if err := r.store.Put(ctx, branch, string(data), 0); err != nil {
		return fmt.Errorf("failed to store job record: %w", err)
	}

	r.logger.Debug("Job record updated",
		zap.String("branch", branch),
		zap.String("status", string(job.Status)),
		zap.String("job_id", job.JobID),
	)

	return nil
}

func decodeJob(value interface{}) (*model.BuildJob, error) {
	data, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("invalid job record type: expected string, got %T", value)
	}

	var job model.BuildJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to deserialize job record: %w", err)
	}

	return &job, nil
}
