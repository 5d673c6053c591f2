package model

// SecretRef points at a field of a named secret in the secret store.
// Only references travel in a JobSpec; values are resolved by the build
// runtime at execution time.
type SecretRef struct {
	// Name is the secret-store key.
	Name string `json:"name"`

	// Field is the JSON field within the secret, empty for whole-value
	// secrets.
	Field string `json:"field,omitempty"`
}

// Reference renders the secret-manager style "name:field" form consumed
// by the build service.
func (r SecretRef) Reference() string {
	if r.Field == "" {
		return r.Name
	}
	return r.Name + ":" + r.Field
}

// JobSpec is the generated build instruction set for one branch. It is
// produced by the spec generator, consumed once by the launcher, and not
// retained.
type JobSpec struct {
	// BranchName is the branch the spec was generated for.
	BranchName string `json:"branch_name"`

	// StackName is the deterministic infrastructure stack name derived
	// from the branch name.
	StackName string `json:"stack_name"`

	// AccountID is the target cloud account.
	AccountID string `json:"account_id"`

	// Region is the target region.
	Region string `json:"region"`

	// ServiceRoleARN is the role the build job executes under.
	ServiceRoleARN string `json:"service_role_arn"`

	// ArtifactBucket is the storage location for build artifacts.
	ArtifactBucket string `json:"artifact_bucket"`

	// SourceRepoURL is the repository the job checks out.
	SourceRepoURL string `json:"source_repo_url"`

	// Environment is the plain environment injected into the job.
	Environment map[string]string `json:"environment,omitempty"`

	// Secrets maps environment variable names to secret references,
	// resolved by the build runtime only.
	Secrets map[string]SecretRef `json:"secrets,omitempty"`

	// CommandSequence is the ordered list of shell steps the job runs.
	CommandSequence []string `json:"command_sequence"`

	// Buildspec is the rendered build-service document for the job.
	Buildspec string `json:"buildspec"`
}
