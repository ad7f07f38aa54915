package domain

// BlockerCode identifies why a step refused to proceed. The set is closed.
type BlockerCode string

const (
	BlockerNoDraft             BlockerCode = "NO_DRAFT"
	BlockerNoCommittedDraft    BlockerCode = "NO_COMMITTED_DRAFT"
	BlockerDraftInvalid        BlockerCode = "DRAFT_INVALID"
	BlockerNoGitHubLink        BlockerCode = "NO_GITHUB_LINK"
	BlockerNoPRLinked          BlockerCode = "NO_PR_LINKED"
	BlockerPRNotFound          BlockerCode = "PR_NOT_FOUND"
	BlockerPRClosed            BlockerCode = "PR_CLOSED"
	BlockerPRNotMerged         BlockerCode = "PR_NOT_MERGED"
	BlockerMergeConflict       BlockerCode = "MERGE_CONFLICT"
	BlockerMergeFailed         BlockerCode = "MERGE_FAILED"
	BlockerGateDecisionFailed  BlockerCode = "GATE_DECISION_FAILED"
	BlockerNoGreenVerdict      BlockerCode = "NO_GREEN_VERDICT"
	BlockerNotVerified         BlockerCode = "NOT_VERIFIED"
	BlockerNoRemediationReason BlockerCode = "NO_REMEDIATION_REASON"
	BlockerInvalidStateForHold BlockerCode = "INVALID_STATE_FOR_HOLD"
	BlockerInvariantViolation  BlockerCode = "INVARIANT_VIOLATION"
	BlockerGitHubAPIError      BlockerCode = "GITHUB_API_ERROR"
	BlockerSnapshotFetchFailed BlockerCode = "SNAPSHOT_FETCH_FAILED"
	BlockerMeshUpdateFailed    BlockerCode = "MESH_UPDATE_FAILED"
	BlockerChecksPending       BlockerCode = "CHECKS_PENDING"
	BlockerChecksFailed        BlockerCode = "CHECKS_FAILED"
	BlockerNoReviewApproval    BlockerCode = "NO_REVIEW_APPROVAL"
	BlockerChangesRequested    BlockerCode = "CHANGES_REQUESTED"
	BlockerInvalidPRURL        BlockerCode = "INVALID_PR_URL"
)

var blockerCodes = map[BlockerCode]struct{}{
	BlockerNoDraft: {}, BlockerNoCommittedDraft: {}, BlockerDraftInvalid: {}, BlockerNoGitHubLink: {},
	BlockerNoPRLinked: {}, BlockerPRNotFound: {}, BlockerPRClosed: {}, BlockerPRNotMerged: {},
	BlockerMergeConflict: {}, BlockerMergeFailed: {}, BlockerGateDecisionFailed: {}, BlockerNoGreenVerdict: {},
	BlockerNotVerified: {}, BlockerNoRemediationReason: {}, BlockerInvalidStateForHold: {},
	BlockerInvariantViolation: {}, BlockerGitHubAPIError: {}, BlockerSnapshotFetchFailed: {},
	BlockerMeshUpdateFailed: {}, BlockerChecksPending: {}, BlockerChecksFailed: {},
	BlockerNoReviewApproval: {}, BlockerChangesRequested: {}, BlockerInvalidPRURL: {},
}

// Valid reports whether c belongs to the closed blocker set.
func (c BlockerCode) Valid() bool {
	_, ok := blockerCodes[c]
	return ok
}
