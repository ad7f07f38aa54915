package domain

import "fmt"

// Status is the lifecycle state of an Issue.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusDraftReady       Status = "DRAFT_READY"
	StatusSpecReady        Status = "SPEC_READY"
	StatusCRBound          Status = "CR_BOUND"
	StatusImplementingPrep Status = "IMPLEMENTING_PREP"
	StatusReviewReady      Status = "REVIEW_READY"
	StatusDone             Status = "DONE"
	StatusVerified         Status = "VERIFIED"
	StatusClosed           Status = "CLOSED"
	StatusHold             Status = "HOLD"
	StatusKilled           Status = "KILLED"
)

var allStatuses = []Status{
	StatusCreated, StatusDraftReady, StatusSpecReady, StatusCRBound, StatusImplementingPrep,
	StatusReviewReady, StatusDone, StatusVerified, StatusClosed, StatusHold, StatusKilled,
}

// Statuses returns every known status in canonical order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func ParseStatus(v string) (Status, error) {
	for _, s := range allStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", v)
}

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusKilled
}

// Holdable reports whether S9 may move an issue in this status to HOLD.
// VERIFIED is excluded: a verified issue closes or is killed.
func (s Status) Holdable() bool {
	switch s {
	case StatusCreated, StatusDraftReady, StatusSpecReady, StatusCRBound, StatusImplementingPrep,
		StatusReviewReady, StatusDone, StatusHold:
		return true
	}
	return false
}

// Rank orders statuses along the forward path. HOLD and KILLED have no rank.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 10
	case StatusDraftReady:
		return 15
	case StatusSpecReady:
		return 20
	case StatusCRBound:
		return 25
	case StatusImplementingPrep:
		return 30
	case StatusReviewReady:
		return 40
	case StatusDone:
		return 50
	case StatusVerified:
		return 60
	case StatusClosed:
		return 70
	}
	return -1
}

// AtLeast reports whether s is on the forward path at or beyond target.
func (s Status) AtLeast(target Status) bool {
	r := s.Rank()
	return r >= 0 && r >= target.Rank()
}

// CanTransition reports whether from -> to is a legal edge of the issue state machine.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusHold:
		return from.Holdable()
	case StatusDraftReady:
		return from == StatusCreated
	case StatusSpecReady:
		return from == StatusCreated || from == StatusDraftReady
	case StatusCRBound:
		return from == StatusSpecReady
	case StatusImplementingPrep:
		return from == StatusSpecReady || from == StatusCRBound
	case StatusReviewReady:
		return from == StatusImplementingPrep
	case StatusDone:
		return from == StatusReviewReady
	case StatusVerified:
		return from == StatusDone
	case StatusClosed:
		return from == StatusVerified
	case StatusKilled:
		return true
	}
	return false
}
