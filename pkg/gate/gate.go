package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/terracarta/geosync/pkg/models"
	"go.uber.org/zap"
)

// TimeoutError marks an approval request that expired without a decision.
// The deployment it gated moves to FAILED and is never auto-retried.
type TimeoutError struct {
	DeploymentID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("approval request for deployment %s expired without a decision", e.DeploymentID)
}

// RejectedError marks an explicit human rejection.
type RejectedError struct {
	DeploymentID string
	Responder    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("deployment %s rejected by %s", e.DeploymentID, e.Responder)
}

// Verdict is the gate's answer for one evaluation pass.
type Verdict string

const (
	// VerdictNotRequired means the plan may be applied immediately.
	VerdictNotRequired Verdict = "NOT-REQUIRED"
	// VerdictWindowClosed means approval is required but the scheduling
	// window is closed; the deployment stays PENDING and is re-evaluated on
	// the next tick.
	VerdictWindowClosed Verdict = "WINDOW-CLOSED"
	// VerdictPending means an approval request is outstanding.
	VerdictPending  Verdict = "PENDING"
	VerdictApproved Verdict = "APPROVED"
	VerdictRejected Verdict = "REJECTED"
	VerdictExpired  Verdict = "EXPIRED"
)

// Required reports whether the plan needs human sign-off under the policy.
func Required(plan *models.DeploymentPlan, policy *models.DeploymentPolicy) bool {
	if policy.RequiresApproval {
		return true
	}
	if policy.MinimumRiskLevelForApproval != "" && plan.RiskLevel.AtLeast(policy.MinimumRiskLevelForApproval) {
		return true
	}
	return plan.HasBreakingChanges || plan.HasMigrations
}

// WindowOpen reports whether the policy's scheduling window is open at now.
func WindowOpen(policy *models.DeploymentPolicy, now time.Time) (bool, error) {
	if !policy.DayAllowed(now.Weekday()) {
		return false, nil
	}
	if policy.AllowedHours != nil {
		return policy.AllowedHours.Contains(now)
	}
	return true, nil
}

// Gate manages the human-approval state machine. Requests are persisted per
// environment so a restart does not lose an outstanding approval; decisions
// arrive over a DecisionChannel and are observed on the next poll.
type Gate struct {
	dataDir string
	channel DecisionChannel
	log     *zap.SugaredLogger

	mu       sync.Mutex
	requests map[string]*models.ApprovalRequest
}

// NewGate opens the gate state under dataDir and restores any persisted
// requests.
func NewGate(dataDir string, channel DecisionChannel, log *zap.SugaredLogger) (*Gate, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create approval directory: %w", err)
	}

	g := &Gate{
		dataDir:  dataDir,
		channel:  channel,
		log:      log,
		requests: make(map[string]*models.ApprovalRequest),
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dataDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read approval request: %w", err)
		}
		var req models.ApprovalRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("corrupt approval request %s: %w", entry.Name(), err)
		}
		g.requests[req.Environment] = &req
		if !req.Resolved() {
			log.Infow("Restored pending approval request",
				"environment", req.Environment,
				"deploymentId", req.DeploymentID,
				"expiresAt", req.ExpiresAt)
		}
	}
	return g, nil
}

// Evaluate runs one non-blocking pass of the approval state machine for the
// deployment. Scheduling windows are checked before a request is ever
// created: outside the window nothing is persisted and the deployment stays
// PENDING.
func (g *Gate) Evaluate(environment, deploymentID string, plan *models.DeploymentPlan, policy *models.DeploymentPolicy, now time.Time) (Verdict, error) {
	if !Required(plan, policy) {
		return VerdictNotRequired, nil
	}

	open, err := WindowOpen(policy, now)
	if err != nil {
		return "", err
	}
	if !open {
		return VerdictWindowClosed, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	req := g.requests[environment]
	if req != nil && !req.Resolved() && req.DeploymentID != deploymentID {
		// A newer commit supersedes the old unresolved request; the caller
		// fails the superseded deployment separately.
		return "", fmt.Errorf("unresolved approval request for deployment %s still outstanding in %s", req.DeploymentID, environment)
	}

	if req == nil || req.DeploymentID != deploymentID {
		req = &models.ApprovalRequest{
			DeploymentID: deploymentID,
			Environment:  environment,
			RequestedAt:  now,
			ExpiresAt:    now.Add(policy.ApprovalTimeout),
			State:        models.ApprovalStatePending,
		}
		g.requests[environment] = req
		if err := g.saveLocked(req); err != nil {
			return "", err
		}
		g.log.Infow("Approval request created",
			"environment", environment,
			"deploymentId", deploymentID,
			"riskLevel", plan.RiskLevel,
			"expiresAt", req.ExpiresAt)
	}

	switch req.State {
	case models.ApprovalStateApproved:
		return VerdictApproved, nil
	case models.ApprovalStateRejected:
		return VerdictRejected, nil
	case models.ApprovalStateExpired:
		return VerdictExpired, nil
	}

	if err := g.consumeDecisionsLocked(now); err != nil {
		g.log.Errorw("Failed to poll decision channel", "error", err)
	}

	if req.State == models.ApprovalStatePending && now.After(req.ExpiresAt) {
		req.State = models.ApprovalStateExpired
		if err := g.saveLocked(req); err != nil {
			return "", err
		}
		return VerdictExpired, nil
	}

	switch req.State {
	case models.ApprovalStateApproved:
		return VerdictApproved, nil
	case models.ApprovalStateRejected:
		return VerdictRejected, nil
	case models.ApprovalStateExpired:
		return VerdictExpired, nil
	default:
		return VerdictPending, nil
	}
}

// consumeDecisionsLocked drains the decision channel and resolves any
// matching pending requests. Decisions for unknown or already resolved
// deployments are dropped with a warning.
func (g *Gate) consumeDecisionsLocked(now time.Time) error {
	if g.channel == nil {
		return nil
	}
	decisions, err := g.channel.Poll()
	if err != nil {
		return err
	}
	for _, decision := range decisions {
		req := g.findLocked(decision.DeploymentID)
		if req == nil || req.Resolved() {
			g.log.Warnw("Dropping decision for unknown or resolved deployment",
				"deploymentId", decision.DeploymentID,
				"decision", decision.Decision)
			continue
		}
		respondedAt := now
		req.Responder = decision.Responder
		req.RespondedAt = &respondedAt
		if decision.Decision == models.DecisionApprove {
			req.State = models.ApprovalStateApproved
		} else {
			req.State = models.ApprovalStateRejected
		}
		if err := g.saveLocked(req); err != nil {
			return err
		}
		g.log.Infow("Approval decision recorded",
			"deploymentId", decision.DeploymentID,
			"decision", decision.Decision,
			"responder", decision.Responder)
	}
	return nil
}

func (g *Gate) findLocked(deploymentID string) *models.ApprovalRequest {
	for _, req := range g.requests {
		if req.DeploymentID == deploymentID {
			return req
		}
	}
	return nil
}

// Pending returns the unresolved request for the environment, or nil.
func (g *Gate) Pending(environment string) *models.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	req := g.requests[environment]
	if req == nil || req.Resolved() {
		return nil
	}
	reqCopy := *req
	return &reqCopy
}

// Request returns the environment's latest request, resolved or not, or nil.
func (g *Gate) Request(environment string) *models.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	req := g.requests[environment]
	if req == nil {
		return nil
	}
	reqCopy := *req
	return &reqCopy
}

// Supersede expires the environment's unresolved request because a newer
// commit arrived. The request is kept (as EXPIRED) for audit history.
func (g *Gate) Supersede(environment string, now time.Time) (*models.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req := g.requests[environment]
	if req == nil || req.Resolved() {
		return nil, nil
	}
	req.State = models.ApprovalStateExpired
	respondedAt := now
	req.RespondedAt = &respondedAt
	if err := g.saveLocked(req); err != nil {
		return nil, err
	}
	g.log.Infow("Approval request superseded by newer commit",
		"environment", environment,
		"deploymentId", req.DeploymentID)
	reqCopy := *req
	return &reqCopy, nil
}

// saveLocked persists one request atomically, matching the state store's
// write-to-temp-then-rename discipline.
func (g *Gate) saveLocked(req *models.ApprovalRequest) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}
	finalFile := filepath.Join(g.dataDir, req.Environment+".json")
	tempFile := finalFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write approval request: %w", err)
	}
	if err := os.Rename(tempFile, finalFile); err != nil {
		return fmt.Errorf("failed to persist approval request: %w", err)
	}
	return nil
}
