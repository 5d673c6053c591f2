package model

// EventKind classifies a normalized webhook event.
type EventKind string

const (
	// KindPullRequestOpened indicates a pull request was opened.
	KindPullRequestOpened EventKind = "pull_request_opened"

	// KindPullRequestClosed indicates a pull request was closed or merged.
	KindPullRequestClosed EventKind = "pull_request_closed"

	// KindPush indicates a push to a branch.
	KindPush EventKind = "push"

	// KindOther covers recognized events that carry a branch but do not
	// map to one of the kinds above (e.g. branch create/delete).
	KindOther EventKind = "other"
)

// BranchEvent is a webhook event normalized to the fields the launcher
// needs. It is constructed once per inbound request and never mutated.
type BranchEvent struct {
	// Kind classifies the event.
	Kind EventKind `json:"kind"`

	// SourceBranch is the branch the event refers to. Non-empty for every
	// kind that can trigger a job.
	SourceBranch string `json:"source_branch"`

	// TargetBranch is the base branch for pull-request events, empty
	// otherwise.
	TargetBranch string `json:"target_branch,omitempty"`

	// RepoCloneURL is the clone URL of the repository the event came from.
	RepoCloneURL string `json:"repo_clone_url,omitempty"`

	// RawAction is the provider-specific action string, kept for
	// diagnostics only.
	RawAction string `json:"raw_action,omitempty"`

	// DeliveryID is the provider's delivery identifier for the webhook
	// request, or a generated one when the provider omitted it.
	DeliveryID string `json:"delivery_id,omitempty"`
}

// Triggers reports whether this event kind starts a build job.
func (e BranchEvent) Triggers() bool {
	return e.Kind == KindPullRequestOpened || e.Kind == KindPush
}
