package models

import "time"

// ApprovalState is the lifecycle state of a human approval request.
type ApprovalState string

const (
	ApprovalStatePending  ApprovalState = "PENDING"
	ApprovalStateApproved ApprovalState = "APPROVED"
	ApprovalStateRejected ApprovalState = "REJECTED"
	ApprovalStateExpired  ApprovalState = "EXPIRED"
)

// ApprovalRequest records one outstanding (or resolved) human sign-off for a
// deployment. At most one unresolved request exists per environment.
type ApprovalRequest struct {
	DeploymentID string        `json:"deploymentId"`
	Environment  string        `json:"environment"`
	RequestedAt  time.Time     `json:"requestedAt"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	State        ApprovalState `json:"state"`
	Responder    string        `json:"responder,omitempty"`
	RespondedAt  *time.Time    `json:"respondedAt,omitempty"`
}

// Resolved reports whether the request has left the PENDING state.
func (r *ApprovalRequest) Resolved() bool {
	return r.State != ApprovalStatePending
}

// DecisionVerdict is the answer an external actor posts for a request.
type DecisionVerdict string

const (
	DecisionApprove DecisionVerdict = "APPROVE"
	DecisionReject  DecisionVerdict = "REJECT"
)

// ApprovalDecision is the message posted on the decision channel by an
// operator (CLI, queue consumer, HTTP handler) and consumed by the gate on
// its next poll.
type ApprovalDecision struct {
	DeploymentID string          `json:"deploymentId"`
	Decision     DecisionVerdict `json:"decision"`
	Responder    string          `json:"responder"`
	PostedAt     time.Time       `json:"postedAt"`
}
