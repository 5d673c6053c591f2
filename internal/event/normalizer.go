package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quickpay/review-apps/internal/model"
)

// Common results returned by the normalizer.
var (
	// ErrIgnored is returned for event types or actions that are
	// recognized as irrelevant. It is not an error condition.
	ErrIgnored = errors.New("event ignored")

	// ErrMalformed is returned when a recognized event type is missing
	// required fields. Callers log and drop the event.
	ErrMalformed = errors.New("malformed event payload")
)

// branchRefPrefix is the ref prefix carried by push events.
const branchRefPrefix = "refs/heads/"

// pullRequestPayload is the subset of the provider's pull_request event
// schema the normalizer reads.
type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Head struct {
			Ref  string `json:"ref"`
			Repo struct {
				CloneURL string `json:"clone_url"`
			} `json:"repo"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

// refPayload is the subset of push/create/delete event schemas the
// normalizer reads.
type refPayload struct {
	Ref        string `json:"ref"`
	RefType    string `json:"ref_type"`
	Repository struct {
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// Normalize maps a raw webhook payload and its event-type header to a
// BranchEvent. It returns ErrIgnored for irrelevant events and
// ErrMalformed when a recognized event type lacks required fields.
func Normalize(eventType string, payload []byte) (model.BranchEvent, error) {
	switch eventType {
	case "pull_request":
		return normalizePullRequest(payload)
	case "push", "create", "delete":
		return normalizeRef(eventType, payload)
	default:
		return model.BranchEvent{}, ErrIgnored
	}
}

func normalizePullRequest(payload []byte) (model.BranchEvent, error) {
	var pr pullRequestPayload
	if err := json.Unmarshal(payload, &pr); err != nil {
		return model.BranchEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var kind model.EventKind
	switch pr.Action {
	case "opened", "reopened":
		kind = model.KindPullRequestOpened
	case "closed":
		kind = model.KindPullRequestClosed
	default:
		return model.BranchEvent{}, ErrIgnored
	}

	if pr.PullRequest.Head.Ref == "" {
		return model.BranchEvent{}, fmt.Errorf("%w: missing pull_request.head.ref", ErrMalformed)
	}

	return model.BranchEvent{
		Kind:         kind,
		SourceBranch: pr.PullRequest.Head.Ref,
		TargetBranch: pr.PullRequest.Base.Ref,
		RepoCloneURL: pr.PullRequest.Head.Repo.CloneURL,
		RawAction:    pr.Action,
	}, nil
}

func normalizeRef(eventType string, payload []byte) (model.BranchEvent, error) {
	var ref refPayload
	if err := json.Unmarshal(payload, &ref); err != nil {
		return model.BranchEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// create/delete events carry a ref_type alongside the ref; tags are
	// not review-app material.
	if ref.RefType == "tag" {
		return model.BranchEvent{}, ErrIgnored
	}

	if ref.Ref == "" {
		return model.BranchEvent{}, fmt.Errorf("%w: missing ref", ErrMalformed)
	}

	branch := ref.Ref
	kind := model.KindOther
	if eventType == "push" {
		// push payloads carry a fully qualified ref and no ref_type, so a
		// tag push is only identifiable by its prefix.
		if !strings.HasPrefix(ref.Ref, branchRefPrefix) {
			return model.BranchEvent{}, ErrIgnored
		}
		branch = strings.TrimPrefix(ref.Ref, branchRefPrefix)
		kind = model.KindPush
	}
	if branch == "" {
		return model.BranchEvent{}, fmt.Errorf("%w: empty branch in ref %q", ErrMalformed, ref.Ref)
	}

	return model.BranchEvent{
		Kind:         kind,
		SourceBranch: branch,
		RepoCloneURL: ref.Repository.CloneURL,
		RawAction:    eventType,
	}, nil
}
