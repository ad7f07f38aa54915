package domain

import (
	"fmt"
	"strings"
)

// Step is one of the nine pipeline steps.
type Step string

const (
	StepPick      Step = "S1_PICK"
	StepSpec      Step = "S2_SPEC"
	StepImplement Step = "S3_IMPLEMENT"
	StepReview    Step = "S4_REVIEW"
	StepMerge     Step = "S5_MERGE"
	StepDeploy    Step = "S6_DEPLOY"
	StepVerify    Step = "S7_VERIFY"
	StepClose     Step = "S8_CLOSE"
	StepRemediate Step = "S9_REMEDIATE"
)

var allSteps = []Step{StepPick, StepSpec, StepImplement, StepReview, StepMerge, StepDeploy, StepVerify, StepClose, StepRemediate}

func Steps() []Step {
	out := make([]Step, len(allSteps))
	copy(out, allSteps)
	return out
}

// Action is the short route verb of the step ("pick", "merge", ...).
func (s Step) Action() string {
	switch s {
	case StepPick:
		return "pick"
	case StepSpec:
		return "spec"
	case StepImplement:
		return "implement"
	case StepReview:
		return "review"
	case StepMerge:
		return "merge"
	case StepDeploy:
		return "deploy"
	case StepVerify:
		return "verify"
	case StepClose:
		return "close"
	case StepRemediate:
		return "remediate"
	}
	return ""
}

// SuccessEvent is the timeline event type written when the step advances an issue.
func (s Step) SuccessEvent() string {
	switch s {
	case StepPick:
		return "ISSUE_PICKED"
	case StepSpec:
		return "SPEC_READY"
	case StepImplement:
		return "IMPLEMENTATION_PREPARED"
	case StepReview:
		return "REVIEW_REQUESTED"
	case StepMerge:
		return "PR_MERGED"
	case StepDeploy:
		return "DEPLOYMENT_OBSERVED"
	case StepVerify:
		return "ISSUE_VERIFIED"
	case StepClose:
		return "ISSUE_CLOSED"
	case StepRemediate:
		return "REMEDIATION_RECORDED"
	}
	return ""
}

// ParseStep accepts the canonical name ("S5_MERGE"), the short id ("s5") or the action ("merge").
func ParseStep(v string) (Step, error) {
	norm := strings.ToUpper(strings.TrimSpace(v))
	for _, s := range allSteps {
		if string(s) == norm || strings.HasPrefix(string(s), norm+"_") || strings.EqualFold(s.Action(), norm) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown step %q", v)
}

const (
	EventStepNoop        = "STEP_NOOP"
	EventStepBlocked     = "STEP_BLOCKED"
	EventStepSimulated   = "STEP_SIMULATED"
	EventIssueUpdated    = "ISSUE_UPDATED"
	EventCRBound         = "CR_BOUND"
	EventHoldReleased    = "HOLD_RELEASED"
	EventIssueKilled     = "ISSUE_KILLED"
	EventPublishStarted  = "PUBLISHING_STARTED"
	EventPublished       = "PUBLISHED"
	EventGitHubMirrored  = "GITHUB_MIRRORED"
	EventCPAssigned      = "CP_ASSIGNED"
	EventPublishFailed   = "PUBLISH_FAILED"
	EventErrorOccurred   = "ERROR_OCCURRED"
	EventIssueCreated    = "ISSUE_CREATED"
	EventVerdictRecorded = "VERDICT_RECORDED"
	EventDraftCommitted  = "DRAFT_COMMITTED"
)
