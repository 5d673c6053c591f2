package model

import (
	"time"
)

// JobStatus is the lifecycle state of a build job.
type JobStatus string

const (
	// StatusPending means the registry record exists but the external job
	// has not been created yet.
	StatusPending JobStatus = "pending"

	// StatusRunning means the external job was created and started.
	StatusRunning JobStatus = "running"

	// StatusSucceeded means the external job finished successfully.
	StatusSucceeded JobStatus = "succeeded"

	// StatusFailed means the external job failed, or was created but could
	// not be started.
	StatusFailed JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// BuildJob represents one provisioning job for a branch. The branch name
// is the primary key; at most one job per branch is active at a time.
type BuildJob struct {
	// BranchName is the branch this job builds a review app for.
	BranchName string `json:"branch_name"`

	// JobID is the identifier assigned by the external build service.
	// Empty until the create call succeeds.
	JobID string `json:"job_id,omitempty"`

	// Status is the current lifecycle state.
	Status JobStatus `json:"status"`

	// CreatedAt is when the registry record was created.
	CreatedAt time.Time `json:"created_at"`

	// SourceRepoURL is the clone URL of the repository being built.
	SourceRepoURL string `json:"source_repo_url,omitempty"`
}

// JobResponse is the API representation of a registry record.
type JobResponse struct {
	// Status indicates the overall result of the operation:
	//   - "active"   when a job record exists for the branch
	//   - "released" after a successful release
	//   - "none"     when no record exists
	//   - "error"    for failures
	Status string `json:"status"`

	// Message provides additional context about the operation result.
	Message string `json:"message,omitempty"`

	// Job contains the registry record if applicable.
	Job *BuildJob `json:"job,omitempty"`
}
