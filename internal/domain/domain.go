package domain

// Issue is the unit of work moved through the S1-S9 pipeline.
type Issue struct {
	ID                string       `json:"id"`
	Title             string       `json:"title"`
	Body              string       `json:"body,omitempty"`
	Labels            []string     `json:"labels,omitempty"`
	GitHubURL         string       `json:"github_url,omitempty"`
	GitHubIssueNumber *int         `json:"github_issue_number,omitempty"`
	GitHubRepo        string       `json:"github_repo,omitempty"`
	Assignee          string       `json:"assignee,omitempty"`
	Status            Status       `json:"status" enum:"CREATED,DRAFT_READY,SPEC_READY,CR_BOUND,IMPLEMENTING_PREP,REVIEW_READY,DONE,VERIFIED,CLOSED,HOLD,KILLED"`
	HandoffState      HandoffState `json:"handoff_state" enum:"UNSYNCED,PENDING,SYNCED,FAILED"`
	SourceSessionID   string       `json:"source_session_id,omitempty"`
	CurrentDraftID    string       `json:"current_draft_id,omitempty"`
	ActiveCRID        string       `json:"active_cr_id,omitempty"`
	PRURL             string       `json:"pr_url,omitempty"`
	MergeSHA          string       `json:"merge_sha,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	PublishHash       string       `json:"publish_hash,omitempty"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
	UpdatedAt         string       `json:"updated_at" format:"date-time"`
}

// HandoffState tracks the sync state with the external tracker.
type HandoffState string

const (
	HandoffUnsynced HandoffState = "UNSYNCED"
	HandoffPending  HandoffState = "PENDING"
	HandoffSynced   HandoffState = "SYNCED"
	HandoffFailed   HandoffState = "FAILED"
)

type ValidationStatus string

const (
	ValidationUnknown ValidationStatus = "unknown"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// Draft is the versioned specification object of one drafting session.
type Draft struct {
	ID                   string           `json:"id"`
	SessionID            string           `json:"session_id"`
	IssueJSON            string           `json:"issue_json"`
	IssueHash            string           `json:"issue_hash"`
	LastValidationStatus ValidationStatus `json:"last_validation_status" enum:"unknown,valid,invalid"`
	CreatedAt            string           `json:"created_at" format:"date-time"`
	UpdatedAt            string           `json:"updated_at" format:"date-time"`
}

type DraftVersion struct {
	ID          string `json:"id"`
	DraftID     string `json:"draft_id"`
	Version     int    `json:"version"`
	IssueJSON   string `json:"issue_json"`
	IssueHash   string `json:"issue_hash"`
	CommittedAt string `json:"committed_at" format:"date-time"`
	CommittedBy string `json:"committed_by"`
}

// ChangeRequest is the content bound to an issue for publishing.
type ChangeRequest struct {
	ID         string   `json:"id"`
	IssueID    string   `json:"issue_id"`
	Title      string   `json:"title"`
	Motivation string   `json:"motivation,omitempty"`
	Acceptance []string `json:"acceptance,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunBlocked   RunStatus = "blocked"
)

// Terminal reports whether a run may no longer be updated.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunBlocked
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepBlocked   StepStatus = "blocked"
)

// LoopRun is one invocation of the pipeline for an issue.
type LoopRun struct {
	ID           string         `json:"id"`
	IssueID      string         `json:"issue_id"`
	Actor        string         `json:"actor"`
	RequestID    string         `json:"request_id"`
	Mode         Mode           `json:"mode" enum:"execute,dryRun"`
	Status       RunStatus      `json:"status" enum:"pending,running,completed,failed,blocked"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	StartedAt    string         `json:"started_at,omitempty"`
	CompletedAt  string         `json:"completed_at,omitempty"`
	DurationMS   *int64         `json:"duration_ms,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Steps        []LoopRunStep  `json:"steps,omitempty"`
}

// LoopRunStep is one attempted step within a run.
type LoopRunStep struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	StepNumber   int            `json:"step_number"`
	StepType     Step           `json:"step_type"`
	Status       StepStatus     `json:"status" enum:"pending,running,completed,failed,skipped,blocked"`
	StartedAt    string         `json:"started_at,omitempty"`
	CompletedAt  string         `json:"completed_at,omitempty"`
	DurationMS   *int64         `json:"duration_ms,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

// TimelineEvent is an append-only audit record.
type TimelineEvent struct {
	ID        int64          `json:"id"`
	IssueID   string         `json:"issue_id"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data"`
	Actor     string         `json:"actor"`
	ActorType ActorType      `json:"actor_type" enum:"user,system"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Closure struct {
	ID                    string `json:"id"`
	IssueID               string `json:"issue_id"`
	RunID                 string `json:"run_id,omitempty"`
	VerificationVerdictID string `json:"verification_verdict_id"`
	ClosureReason         string `json:"closure_reason"`
	ClosedAt              string `json:"closed_at" format:"date-time"`
	ClosedBy              string `json:"closed_by"`
}

type Remediation struct {
	ID                string   `json:"id"`
	IssueID           string   `json:"issue_id"`
	RunID             string   `json:"run_id,omitempty"`
	RemediationReason string   `json:"remediation_reason"`
	FailedStep        string   `json:"failed_step,omitempty"`
	BlockerCode       string   `json:"blocker_code,omitempty"`
	RedVerdict        string   `json:"red_verdict,omitempty"`
	FailedChecks      []string `json:"failed_checks,omitempty"`
	CreatedBy         string   `json:"created_by"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
}

type Verdict string

const (
	VerdictGreen Verdict = "GREEN"
	VerdictRed   Verdict = "RED"
)

type VerificationVerdict struct {
	ID        string  `json:"id"`
	IssueID   string  `json:"issue_id"`
	Verdict   Verdict `json:"verdict" enum:"GREEN,RED"`
	Summary   string  `json:"summary,omitempty"`
	Source    string  `json:"source,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

const (
	ReceiptPublish      = "publish_receipt"
	ReceiptGitHubMirror = "github_mirror_receipt"
)

// EvidenceReceipt is a publish-flow receipt.
type EvidenceReceipt struct {
	ID        string         `json:"id"`
	IssueID   string         `json:"issue_id"`
	Kind      string         `json:"kind"`
	RequestID string         `json:"request_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type ControlPack struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

type ControlPackAssignment struct {
	IssueID    string `json:"issue_id"`
	CPID       string `json:"cp_id"`
	AssignedAt string `json:"assigned_at" format:"date-time"`
	AssignedBy string `json:"assigned_by"`
}

// MeshState is the downstream workflow-tracking record updated after a merge.
type MeshState struct {
	IssueID   string `json:"issue_id"`
	Stage     string `json:"stage"`
	PRNumber  int    `json:"pr_number"`
	MergeSHA  string `json:"merge_sha"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// APIKey authenticates a service actor. Only the hash of the key is stored.
type APIKey struct {
	ID        string   `json:"id"`
	Actor     string   `json:"actor"`
	Groups    []string `json:"groups,omitempty"`
	Name      string   `json:"name,omitempty"`
	KeyHash   string   `json:"-"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
