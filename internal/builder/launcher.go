// Package builder orchestrates build job launches: registry acquisition,
// spec generation, and build service calls in one sequence with defined
// failure handling.
package builder

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quickpay/review-apps/internal/buildservice"
	"github.com/quickpay/review-apps/internal/buildspec"
	"github.com/quickpay/review-apps/internal/metrics"
	"github.com/quickpay/review-apps/internal/model"
	"github.com/quickpay/review-apps/internal/registry"
)

// ErrAlreadyInProgress is returned when the branch already has an active
// job and no new launch happened.
var ErrAlreadyInProgress = errors.New("build already in progress for branch")

// LaunchStage identifies the step of a launch that failed.
type LaunchStage string

const (
	// StageCreate is the build project creation call.
	StageCreate LaunchStage = "create"
	// StageStart is the build run start call.
	StageStart LaunchStage = "start"
)

// LaunchError wraps a build service failure with the stage it occurred
// in. After a StageCreate failure the branch is released; after a
// StageStart failure the record is kept as Failed so the branch is not
// silently retried.
type LaunchError struct {
	Stage LaunchStage
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed at %s: %v", e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Launcher runs the per-branch launch sequence.
type Launcher struct {
	registry     registry.JobRegistry
	generator    *buildspec.Generator
	buildService buildservice.BuildService
	logger       *zap.Logger
	metrics      *metrics.Metrics

	teardownOnClose bool
}

// NewLauncher creates a new Launcher. The metrics argument may be nil.
func NewLauncher(
	reg registry.JobRegistry,
	gen *buildspec.Generator,
	svc buildservice.BuildService,
	logger *zap.Logger,
	m *metrics.Metrics,
	teardownOnClose bool,
) *Launcher {
	return &Launcher{
		registry:        reg,
		generator:       gen,
		buildService:    svc,
		logger:          logger,
		metrics:         m,
		teardownOnClose: teardownOnClose,
	}
}

// HandleEvent routes a normalized event to the right operation. Events
// that trigger builds launch one; close events tear the stack down when
// teardown is enabled; everything else is ignored.
func (l *Launcher) HandleEvent(ctx context.Context, event model.BranchEvent) error {
	switch {
	case event.Triggers():
		return l.Launch(ctx, event)
	case event.Kind == model.KindPullRequestClosed:
		if !l.teardownOnClose {
			l.logger.Debug("Ignoring close event, teardown disabled",
				zap.String("branch", event.SourceBranch),
			)
			return nil
		}
		return l.Teardown(ctx, event)
	default:
		l.logger.Debug("Ignoring event",
			zap.String("kind", string(event.Kind)),
			zap.String("branch", event.SourceBranch),
		)
		return nil
	}
}

// Launch runs the full launch sequence for a branch: acquire the branch
// in the registry, generate the spec, create the build project, start
// it, and record the external identifier.
func (l *Launcher) Launch(ctx context.Context, event model.BranchEvent) error {
	branch := event.SourceBranch

	acquired, err := l.registry.TryAcquire(ctx, branch, event.RepoCloneURL)
	if err != nil {
		l.record("acquire", "error")
		return fmt.Errorf("failed to acquire branch %q: %w", branch, err)
	}
	if !acquired {
		l.record("acquire", "contended")
		l.logger.Info("Skipping launch, branch already has a job",
			zap.String("branch", branch),
		)
		return ErrAlreadyInProgress
	}
	l.record("acquire", "success")

	spec, err := l.generator.Generate(event)
	if err != nil {
		// Generation is deterministic, so a failure will repeat; release
		// rather than leave a permanently stuck record.
		l.releaseAfterFailure(ctx, branch)
		l.record("generate", "error")
		return fmt.Errorf("failed to generate spec for branch %q: %w", branch, err)
	}

	return l.execute(ctx, branch, spec)
}

// Teardown launches a destroy job for the branch's stack and removes the
// registry record when the job has been started.
func (l *Launcher) Teardown(ctx context.Context, event model.BranchEvent) error {
	branch := event.SourceBranch

	spec, err := l.generator.GenerateTeardown(event)
	if err != nil {
		l.record("teardown", "error")
		return fmt.Errorf("failed to generate teardown spec for branch %q: %w", branch, err)
	}

	jobID, err := l.buildService.CreateJob(ctx, spec)
	if err != nil {
		l.record("teardown", "error")
		return &LaunchError{Stage: StageCreate, Err: err}
	}

	if err := l.buildService.StartJob(ctx, jobID); err != nil {
		l.record("teardown", "error")
		return &LaunchError{Stage: StageStart, Err: err}
	}

	if err := l.registry.Release(ctx, branch); err != nil {
		l.logger.Warn("Failed to release branch after teardown",
			zap.String("branch", branch),
			zap.Error(err),
		)
	}

	l.record("teardown", "success")
	l.logger.Info("Teardown started",
		zap.String("branch", branch),
		zap.String("job_id", jobID),
	)

	return nil
}

func (l *Launcher) execute(ctx context.Context, branch string, spec *model.JobSpec) error {
	jobID, err := l.buildService.CreateJob(ctx, spec)
	if err != nil {
		// Nothing was created, so the branch can be retried immediately.
		l.releaseAfterFailure(ctx, branch)
		l.record("launch", "error")
		return &LaunchError{Stage: StageCreate, Err: err}
	}

	if err := l.buildService.StartJob(ctx, jobID); err != nil {
		// The project exists but never ran. Keep the record as Failed,
		// with the project id, so the branch is surfaced for operator
		// attention instead of being relaunched on the next push.
		if markErr := l.registry.MarkFailed(ctx, branch, jobID); markErr != nil {
			l.logger.Error("Failed to mark branch as failed",
				zap.String("branch", branch),
				zap.Error(markErr),
			)
		}
		l.record("launch", "error")
		return &LaunchError{Stage: StageStart, Err: err}
	}

	if err := l.registry.MarkRunning(ctx, branch, jobID); err != nil {
		l.logger.Error("Failed to record running job",
			zap.String("branch", branch),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}

	l.record("launch", "success")
	l.logger.Info("Build launched",
		zap.String("branch", branch),
		zap.String("stack", spec.StackName),
		zap.String("job_id", jobID),
	)

	return nil
}

func (l *Launcher) releaseAfterFailure(ctx context.Context, branch string) {
	if err := l.registry.Release(ctx, branch); err != nil {
		l.logger.Error("Failed to release branch after launch failure",
			zap.String("branch", branch),
			zap.Error(err),
		)
	}
}

func (l *Launcher) record(operation, result string) {
	if l.metrics == nil {
		return
	}
	l.metrics.LaunchOperationsTotal.WithLabelValues(operation, result).Inc()
}
