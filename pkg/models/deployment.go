package models

import "time"

// DeploymentState is the lifecycle state of a single deployment attempt.
type DeploymentState string

const (
	DeploymentStatePending          DeploymentState = "PENDING"
	DeploymentStateApplying         DeploymentState = "APPLYING"
	DeploymentStateAwaitingApproval DeploymentState = "AWAITING-APPROVAL"
	DeploymentStateCompleted        DeploymentState = "COMPLETED"
	DeploymentStateFailed           DeploymentState = "FAILED"
	DeploymentStateRolledBack       DeploymentState = "ROLLED-BACK"
)

// Terminal reports whether no further transitions are allowed from s.
func (s DeploymentState) Terminal() bool {
	return s == DeploymentStateCompleted || s == DeploymentStateRolledBack
}

// Health is the coarse operator-facing health of an environment.
type Health string

const (
	HealthHealthy   Health = "HEALTHY"
	HealthDegraded  Health = "DEGRADED"
	HealthUnhealthy Health = "UNHEALTHY"
)

// SyncStatus reports whether the running system matches the repository.
type SyncStatus string

const (
	SyncStatusSynced    SyncStatus = "SYNCED"
	SyncStatusOutOfSync SyncStatus = "OUT-OF-SYNC"
	SyncStatusUnknown   SyncStatus = "UNKNOWN"
)

// StateTransition is one entry of a deployment's audit trail.
type StateTransition struct {
	State     DeploymentState `json:"state"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeploymentRecord tracks one deployment attempt for one commit in one
// environment, from detection to a terminal state.
type DeploymentRecord struct {
	ID           string            `json:"id"`
	Environment  string            `json:"environment"`
	Commit       string            `json:"commit"`
	Branch       string            `json:"branch"`
	State        DeploymentState   `json:"state"`
	Health       Health            `json:"health"`
	SyncStatus   SyncStatus        `json:"syncStatus"`
	StartedAt    time.Time         `json:"startedAt"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	InitiatedBy  string            `json:"initiatedBy"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	StateHistory []StateTransition `json:"stateHistory"`
}

// MaxEnvironmentHistory bounds EnvironmentState.History; the oldest record is
// evicted first.
const MaxEnvironmentHistory = 50

// EnvironmentState is the single source of truth for one environment. It is
// persisted atomically and survives process restarts.
type EnvironmentState struct {
	Environment    string             `json:"environment"`
	Current        *DeploymentRecord  `json:"currentDeployment,omitempty"`
	LastSuccessful *DeploymentRecord  `json:"lastSuccessfulDeployment,omitempty"`
	DeployedCommit string             `json:"deployedCommit,omitempty"`
	Health         Health             `json:"health"`
	SyncStatus     SyncStatus         `json:"syncStatus"`
	LastUpdated    time.Time          `json:"lastUpdated"`
	History        []DeploymentRecord `json:"history,omitempty"`
}
