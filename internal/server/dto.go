package server

import (
	"encoding/json"

	"steward/internal/domain"
	"steward/internal/engine"
)

type EnqueueActionRequest struct {
	Type    string          `json:"type" example:"post-content"`
	Payload json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type RejectActionRequest struct {
	Reason string `json:"reason,omitempty" example:"wrong audience"`
}

type ActionResponse struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Platform      string          `json:"platform"`
	Tier          string          `json:"tier"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	NextAttemptAt *string         `json:"next_attempt_at,omitempty"`
	Payload       json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
	Result        json.RawMessage `json:"result,omitempty" jsonschema:"type=object,additionalProperties=true"`
	ErrorKind     *string         `json:"error_kind,omitempty"`
	RequestedBy   string          `json:"requested_by"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

type ApprovalResponse struct {
	ActionID   string `json:"action_id"`
	ApproverID string `json:"approver_id"`
	ApprovedAt string `json:"approved_at"`
}

type AuditRecordResponse struct {
	ID           int64   `json:"id"`
	ActionID     string  `json:"action_id"`
	Attempt      int     `json:"attempt"`
	Tier         string  `json:"tier"`
	StatusBefore string  `json:"status_before"`
	StatusAfter  string  `json:"status_after"`
	ErrorKind    *string `json:"error_kind,omitempty"`
	Summary      string  `json:"summary"`
	TS           string  `json:"ts"`
}

type ActionDetailResponse struct {
	ActionResponse
	Approvals []ApprovalResponse    `json:"approvals"`
	Attempts  []AuditRecordResponse `json:"attempts"`
}

type ApprovalOutcomeResponse struct {
	Action    ActionResponse `json:"action"`
	Approvals []string       `json:"approvals"`
	Required  int            `json:"required"`
	Queued    bool           `json:"queued"`
}

type PendingActionResponse struct {
	ActionResponse
	Approvals []string `json:"approvals"`
	Required  int      `json:"required"`
}

func actionResponse(a domain.Action) ActionResponse {
	resp := ActionResponse{
		ID:            a.ID,
		Type:          a.Type,
		Platform:      a.Platform,
		Tier:          a.Tier,
		Status:        a.Status,
		AttemptCount:  a.AttemptCount,
		NextAttemptAt: a.NextAttemptAt,
		Payload:       json.RawMessage(a.PayloadJSON),
		ErrorKind:     a.ErrorKind,
		RequestedBy:   a.RequestedBy,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	if a.ResultJSON != nil {
		resp.Result = json.RawMessage(*a.ResultJSON)
	}
	return resp
}

func actionResponses(actions []domain.Action) []ActionResponse {
	out := make([]ActionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionResponse(a))
	}
	return out
}

func approvalResponses(approvals []domain.Approval) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(approvals))
	for _, ap := range approvals {
		out = append(out, ApprovalResponse{ActionID: ap.ActionID, ApproverID: ap.ApproverID, ApprovedAt: ap.ApprovedAt})
	}
	return out
}

func auditRecordResponses(records []domain.AuditRecord) []AuditRecordResponse {
	out := make([]AuditRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, AuditRecordResponse{
			ID:           rec.ID,
			ActionID:     rec.ActionID,
			Attempt:      rec.Attempt,
			Tier:         rec.Tier,
			StatusBefore: rec.StatusBefore,
			StatusAfter:  rec.StatusAfter,
			ErrorKind:    rec.ErrorKind,
			Summary:      rec.Summary,
			TS:           rec.TS,
		})
	}
	return out
}

func actionDetailResponse(detail engine.ActionDetail) ActionDetailResponse {
	return ActionDetailResponse{
		ActionResponse: actionResponse(detail.Action),
		Approvals:      approvalResponses(detail.Approvals),
		Attempts:       auditRecordResponses(detail.Attempts),
	}
}
