package domain

// Governance tiers. Assigned once at classification time, immutable after.
const (
	TierAutonomous       = "autonomous"
	TierOneApprover      = "needs_one_approver"
	TierUnanimousCouncil = "needs_unanimous_council"
)

// Action statuses.
const (
	StatusPendingApproval = "pending_approval"
	StatusQueued          = "queued"
	StatusInFlight        = "in_flight"
	StatusDeferred        = "deferred"
	StatusFailedRetryable = "failed_retryable"
	StatusSucceeded       = "succeeded"
	StatusFailedTerminal  = "failed_terminal"
)

// Normalized error kinds. Raw executor errors never reach the audit trail;
// every outcome is folded into one of these before it is recorded.
const (
	ErrKindValidation    = "validation"
	ErrKindAuthorization = "authorization"
	ErrKindTransient     = "transient"
	ErrKindResourceGone  = "resource_gone"
	ErrKindInternal      = "internal"
)

type Action struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	Platform      string  `json:"platform"`
	Tier          string  `json:"tier" enum:"autonomous,needs_one_approver,needs_unanimous_council"`
	Status        string  `json:"status" enum:"pending_approval,queued,in_flight,deferred,failed_retryable,succeeded,failed_terminal"`
	AttemptCount  int     `json:"attempt_count"`
	NextAttemptAt *string `json:"next_attempt_at,omitempty" format:"date-time"`
	PayloadJSON   string  `json:"payload_json"`
	ResultJSON    *string `json:"result_json,omitempty"`
	ErrorKind     *string `json:"error_kind,omitempty"`
	RequestedBy   string  `json:"requested_by"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further dispatch can happen for the action.
func (a Action) Terminal() bool {
	return a.Status == StatusSucceeded || a.Status == StatusFailedTerminal
}

// Approval is one council member's recorded consent for a pending action.
// Partial approvals accumulate without changing the action status.
type Approval struct {
	ActionID   string `json:"action_id"`
	ApproverID string `json:"approver_id"`
	ApprovedAt string `json:"approved_at" format:"date-time"`
}

// AuditRecord captures exactly one dispatch attempt. Append-only; rows are
// never mutated or deleted.
type AuditRecord struct {
	ID           int64   `json:"id"`
	ActionID     string  `json:"action_id"`
	Attempt      int     `json:"attempt"`
	Tier         string  `json:"tier"`
	StatusBefore string  `json:"status_before"`
	StatusAfter  string  `json:"status_after"`
	ErrorKind    *string `json:"error_kind,omitempty"`
	Summary      string  `json:"summary,omitempty"`
	TS           string  `json:"ts" format:"date-time"`
}

// RateLimitState tracks dispatch consumption per platform and action type.
type RateLimitState struct {
	Platform        string `json:"platform"`
	ActionType      string `json:"action_type"`
	LastActionAt    string `json:"last_action_at" format:"date-time"`
	CooldownSeconds int    `json:"cooldown_seconds"`
	WindowCount     int    `json:"window_count"`
	WindowResetAt   string `json:"window_reset_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
