package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kr/pretty"
	"github.com/terracarta/geosync/pkg/applier"
	"github.com/terracarta/geosync/pkg/config"
	"github.com/terracarta/geosync/pkg/gate"
	"github.com/terracarta/geosync/pkg/gitmirror"
	"github.com/terracarta/geosync/pkg/loader"
	"github.com/terracarta/geosync/pkg/models"
	"github.com/terracarta/geosync/pkg/planner"
	"go.uber.org/zap"
)

// RepositoryMirror is the slice of the git mirror the watcher needs.
type RepositoryMirror interface {
	Fetch(ctx context.Context) (string, error)
	Diff(from, to string) ([]string, error)
}

// DocumentLoader loads a validated configuration document at a commit.
type DocumentLoader interface {
	Load(commit, envPath string) (*models.ConfigurationDocument, error)
}

// PlanBuilder computes deployment plans.
type PlanBuilder interface {
	Build(old, new *models.ConfigurationDocument) (*models.DeploymentPlan, error)
}

// ApprovalGate is the human-approval state machine.
type ApprovalGate interface {
	Evaluate(environment, deploymentID string, plan *models.DeploymentPlan, policy *models.DeploymentPolicy, now time.Time) (gate.Verdict, error)
	Pending(environment string) *models.ApprovalRequest
	Request(environment string) *models.ApprovalRequest
	Supersede(environment string, now time.Time) (*models.ApprovalRequest, error)
}

// PlanApplier pushes plans into the target system.
type PlanApplier interface {
	Apply(ctx context.Context, plan *models.DeploymentPlan, doc *models.ConfigurationDocument) *applier.ApplyResult
}

// StateStore is the durable per-environment deployment state.
type StateStore interface {
	Environment(environment string) *models.EnvironmentState
	StartDeployment(environment string, rec models.DeploymentRecord) error
	Transition(environment, deploymentID string, to models.DeploymentState, errorMessage string) error
	SetHealth(environment string, health models.Health) error
}

// Snapshots persists rendered documents for rollback.
type Snapshots interface {
	Store(environment, commit string, doc *models.ConfigurationDocument) (string, error)
	Get(environment, commit string) (*models.ConfigurationDocument, error)
}

// RolledBackError reports an apply failure that was rolled back cleanly.
type RolledBackError struct {
	Cause error
}

func (e *RolledBackError) Error() string {
	return fmt.Sprintf("apply failed and was rolled back: %v", e.Cause)
}

func (e *RolledBackError) Unwrap() error { return e.Cause }

// RollbackFailedError reports an apply failure whose rollback also failed.
// The environment needs an operator.
type RollbackFailedError struct {
	Cause       error
	RollbackErr error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("apply failed (%v) and rollback also failed: %v", e.Cause, e.RollbackErr)
}

func (e *RollbackFailedError) Unwrap() error { return e.Cause }

// Watcher drives the reconciliation loop for one environment. Reconciliation
// cycles for an environment are strictly sequential; a single failed cycle is
// logged and never terminates the loop.
type Watcher struct {
	env      config.EnvironmentConfig
	interval time.Duration

	mirror    RepositoryMirror
	loader    DocumentLoader
	planner   PlanBuilder
	gate      ApprovalGate
	applier   PlanApplier
	store     StateStore
	snapshots Snapshots
	log       *zap.SugaredLogger

	// now is swapped out in tests.
	now func() time.Time

	trigger chan struct{}

	// lastObservedCommit is the polling cursor. It is distinct from the
	// store's deployedCommit (which only advances on success) and advances on
	// every observed fetch, so a permanently broken commit is processed once
	// and then left alone until a new commit or a manual trigger.
	lastObservedCommit string

	consecutiveApplyFailures int
}

// NewWatcher wires a reconciliation loop for one environment.
func NewWatcher(
	env config.EnvironmentConfig,
	interval time.Duration,
	mirror RepositoryMirror,
	docLoader DocumentLoader,
	planBuilder PlanBuilder,
	approvalGate ApprovalGate,
	planApplier PlanApplier,
	stateStore StateStore,
	snapshots Snapshots,
	log *zap.SugaredLogger,
) *Watcher {
	return &Watcher{
		env:       env,
		interval:  interval,
		mirror:    mirror,
		loader:    docLoader,
		planner:   planBuilder,
		gate:      approvalGate,
		applier:   planApplier,
		store:     stateStore,
		snapshots: snapshots,
		log:       log.With("environment", env.Name),
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
}

// TriggerReconciliation wakes the loop before its next tick. Non-blocking;
// a wake that is already queued is enough.
func (w *Watcher) TriggerReconciliation() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled. An immediate pass runs first so
// a restart converges without waiting a full interval.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Infow("Starting environment watcher", "interval", w.interval, "branch", w.env.Branch)

	if err := w.ReconcileOnce(ctx); err != nil {
		w.log.Errorw("Initial reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.ReconcileOnce(ctx); err != nil {
				w.log.Errorw("Reconciliation cycle failed", "error", err)
			}
		case <-w.trigger:
			if err := w.ReconcileOnce(ctx); err != nil {
				w.log.Errorw("Triggered reconciliation failed", "error", err)
			}
		case <-ctx.Done():
			w.log.Info("Environment watcher shutting down")
			return nil
		}
	}
}

// ReconcileOnce runs a single reconciliation cycle: fetch, detect, and — if
// a relevant change or an in-flight deployment exists — drive the pipeline
// one step further.
func (w *Watcher) ReconcileOnce(ctx context.Context) error {
	head, err := w.mirror.Fetch(ctx)
	if err != nil {
		var transient *gitmirror.TransientError
		if errors.As(err, &transient) {
			// Retried implicitly by the next tick.
			w.log.Warnw("Transient repository error", "error", err)
			return nil
		}
		return err
	}

	state := w.store.Environment(w.env.Name)

	if head != w.lastObservedCommit && head != state.DeployedCommit {
		return w.observeCommit(ctx, state, head)
	}
	w.lastObservedCommit = head

	if cur := state.Current; cur != nil {
		switch cur.State {
		case models.DeploymentStatePending, models.DeploymentStateAwaitingApproval:
			return w.continueDeployment(ctx, cur)
		}
	}
	return nil
}

// observeCommit decides whether the new head touches this environment and,
// if so, opens a deployment for it. The cursor advances either way.
func (w *Watcher) observeCommit(ctx context.Context, state *models.EnvironmentState, head string) error {
	base := w.lastObservedCommit
	if base == "" {
		base = state.DeployedCommit
	}

	changed, err := w.mirror.Diff(base, head)
	if err != nil {
		// Diff runs on already-fetched objects; a failure here is unusual
		// enough to retry next tick without advancing the cursor.
		w.log.Warnw("Failed to diff commits", "from", base, "to", head, "error", err)
		return nil
	}
	w.lastObservedCommit = head

	if !w.touchesEnvironment(changed) {
		w.log.Debugw("Commit does not touch environment", "commit", head, "changedPaths", len(changed))
		return nil
	}

	if cur := state.Current; cur != nil && !cur.State.Terminal() && cur.State != models.DeploymentStateFailed {
		if _, err := w.gate.Supersede(w.env.Name, w.now()); err != nil {
			return err
		}
		msg := fmt.Sprintf("superseded by newer commit %s", head)
		if err := w.store.Transition(w.env.Name, cur.ID, models.DeploymentStateFailed, msg); err != nil {
			return err
		}
		w.log.Infow("Superseded in-flight deployment", "deploymentId", cur.ID, "commit", cur.Commit, "newCommit", head)
	}

	rec := models.DeploymentRecord{
		ID:          uuid.NewString(),
		Environment: w.env.Name,
		Commit:      head,
		Branch:      w.env.Branch,
		State:       models.DeploymentStatePending,
		Health:      models.HealthHealthy,
		SyncStatus:  models.SyncStatusOutOfSync,
		StartedAt:   w.now().UTC(),
		InitiatedBy: "gitwatcher",
	}
	if err := w.store.StartDeployment(w.env.Name, rec); err != nil {
		return w.abortOnStoreError(err)
	}
	w.log.Infow("Deployment created", "deploymentId", rec.ID, "commit", head)

	return w.continueDeployment(ctx, &rec)
}

func (w *Watcher) touchesEnvironment(paths []string) bool {
	prefix := strings.TrimSuffix(w.env.Path, "/") + "/"
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// continueDeployment drives a PENDING or AWAITING-APPROVAL deployment one
// step. The loader cache and the plan builder's determinism make recomputing
// the plan on every tick cheap and idempotent.
func (w *Watcher) continueDeployment(ctx context.Context, rec *models.DeploymentRecord) error {
	doc, err := w.loader.Load(rec.Commit, w.env.Path)
	if err != nil {
		var parseErr *loader.ParseError
		if errors.As(err, &parseErr) {
			// Malformed configuration fails this commit; the environment
			// stays on its last good one.
			if terr := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateFailed, err.Error()); terr != nil {
				return w.abortOnStoreError(terr)
			}
			w.log.Errorw("Configuration load failed", "deploymentId", rec.ID, "error", err)
			return err
		}
		return err
	}

	oldDoc := w.lastSuccessfulDocument()

	plan, err := w.planner.Build(oldDoc, doc)
	if err != nil {
		var planErr *planner.PlanError
		if errors.As(err, &planErr) {
			if terr := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateFailed, err.Error()); terr != nil {
				return w.abortOnStoreError(terr)
			}
			w.log.Errorw("Plan build failed", "deploymentId", rec.ID, "error", err)
			return err
		}
		return err
	}
	w.log.Debugw("Plan computed", "deploymentId", rec.ID, "plan", pretty.Sprint(plan))

	if plan.Empty() {
		// Nothing to change: straight to COMPLETED. This is also the
		// crash-recovery path when a commit was applied but its completion
		// was not yet durable.
		if _, err := w.snapshots.Store(w.env.Name, doc.Commit, doc); err != nil {
			return w.abortOnStoreError(&storeFailure{err})
		}
		if err := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateCompleted, ""); err != nil {
			return w.abortOnStoreError(err)
		}
		w.log.Infow("Empty plan, deployment completed", "deploymentId", rec.ID, "commit", rec.Commit)
		return nil
	}

	verdict, err := w.gate.Evaluate(w.env.Name, rec.ID, plan, &w.env.Policy, w.now())
	if err != nil {
		return err
	}

	switch verdict {
	case gate.VerdictWindowClosed:
		w.log.Infow("Deployment window closed, staying pending", "deploymentId", rec.ID)
		return nil

	case gate.VerdictPending:
		if rec.State == models.DeploymentStatePending {
			if err := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateApplying, ""); err != nil {
				return w.abortOnStoreError(err)
			}
			if err := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateAwaitingApproval, ""); err != nil {
				return w.abortOnStoreError(err)
			}
			w.log.Infow("Deployment awaiting approval", "deploymentId", rec.ID, "riskLevel", plan.RiskLevel)
		}
		w.updateApprovalHealth()
		return nil

	case gate.VerdictRejected:
		rejErr := &gate.RejectedError{DeploymentID: rec.ID, Responder: w.responder()}
		if err := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateFailed, rejErr.Error()); err != nil {
			return w.abortOnStoreError(err)
		}
		w.log.Warnw("Deployment rejected", "deploymentId", rec.ID)
		return rejErr

	case gate.VerdictExpired:
		toErr := &gate.TimeoutError{DeploymentID: rec.ID}
		if err := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateFailed, toErr.Error()); err != nil {
			return w.abortOnStoreError(err)
		}
		w.log.Warnw("Approval timed out", "deploymentId", rec.ID)
		return toErr

	case gate.VerdictNotRequired, gate.VerdictApproved:
		if err := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateApplying, ""); err != nil {
			return w.abortOnStoreError(err)
		}
		return w.apply(ctx, rec, plan, doc)

	default:
		return fmt.Errorf("unexpected gate verdict %q for deployment %s", verdict, rec.ID)
	}
}

// apply pushes the plan and records the outcome, rolling back on failure
// when the policy allows it.
func (w *Watcher) apply(ctx context.Context, rec *models.DeploymentRecord, plan *models.DeploymentPlan, doc *models.ConfigurationDocument) error {
	result := w.applier.Apply(ctx, plan, doc)
	if result.Err == nil {
		if _, err := w.snapshots.Store(w.env.Name, doc.Commit, doc); err != nil {
			return w.abortOnStoreError(&storeFailure{err})
		}
		if err := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateCompleted, ""); err != nil {
			return w.abortOnStoreError(err)
		}
		w.consecutiveApplyFailures = 0
		w.log.Infow("Deployment completed", "deploymentId", rec.ID, "commit", rec.Commit)
		return nil
	}

	w.consecutiveApplyFailures++
	if err := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateFailed, result.Err.Error()); err != nil {
		return w.abortOnStoreError(err)
	}
	w.log.Errorw("Apply failed",
		"deploymentId", rec.ID,
		"commit", rec.Commit,
		"failed", result.Failed,
		"error", result.Err)
	if w.consecutiveApplyFailures > 1 {
		if err := w.store.SetHealth(w.env.Name, models.HealthUnhealthy); err != nil {
			return w.abortOnStoreError(err)
		}
	}

	if !w.env.Policy.AutoRollback {
		return result.Err
	}
	return w.rollback(ctx, rec.ID, result.Err)
}

// rollback re-applies the last successful deployment's persisted document.
// It never reads the repository, so rollback works even when the remote is
// down.
func (w *Watcher) rollback(ctx context.Context, deploymentID string, cause error) error {
	state := w.store.Environment(w.env.Name)
	if state.LastSuccessful == nil {
		w.log.Warnw("No successful deployment to roll back to", "deploymentId", deploymentID)
		return cause
	}

	rollbackDoc, err := w.snapshots.Get(w.env.Name, state.LastSuccessful.Commit)
	if err != nil {
		w.log.Errorw("Rollback snapshot unavailable", "commit", state.LastSuccessful.Commit, "error", err)
		if herr := w.store.SetHealth(w.env.Name, models.HealthUnhealthy); herr != nil {
			return w.abortOnStoreError(herr)
		}
		return &RollbackFailedError{Cause: cause, RollbackErr: err}
	}

	// Full reapply of the known-good document: the partially applied state
	// on the target is unknown and the adapter calls are idempotent.
	rollbackPlan, err := w.planner.Build(nil, rollbackDoc)
	if err != nil {
		return &RollbackFailedError{Cause: cause, RollbackErr: err}
	}

	w.log.Infow("Rolling back", "deploymentId", deploymentID, "toCommit", rollbackDoc.Commit)
	result := w.applier.Apply(ctx, rollbackPlan, rollbackDoc)
	if result.Err != nil {
		w.log.Errorw("Rollback failed, operator required", "deploymentId", deploymentID, "error", result.Err)
		if herr := w.store.SetHealth(w.env.Name, models.HealthUnhealthy); herr != nil {
			return w.abortOnStoreError(herr)
		}
		return &RollbackFailedError{Cause: cause, RollbackErr: result.Err}
	}

	if err := w.store.Transition(w.env.Name, deploymentID, models.DeploymentStateRolledBack, ""); err != nil {
		return w.abortOnStoreError(err)
	}
	w.log.Infow("Rollback completed", "deploymentId", deploymentID, "deployedCommit", rollbackDoc.Commit)
	return &RolledBackError{Cause: cause}
}

// ForceRollback re-applies the last successful snapshot on operator request.
// A FAILED current deployment moves to ROLLED-BACK; otherwise a fresh
// operator-initiated deployment record documents the reapply.
func (w *Watcher) ForceRollback(ctx context.Context, initiatedBy string) error {
	state := w.store.Environment(w.env.Name)
	if state.LastSuccessful == nil {
		return fmt.Errorf("environment %s has no successful deployment to roll back to", w.env.Name)
	}

	rollbackDoc, err := w.snapshots.Get(w.env.Name, state.LastSuccessful.Commit)
	if err != nil {
		return fmt.Errorf("rollback snapshot unavailable: %w", err)
	}
	rollbackPlan, err := w.planner.Build(nil, rollbackDoc)
	if err != nil {
		return err
	}

	if cur := state.Current; cur != nil && cur.State == models.DeploymentStateFailed {
		result := w.applier.Apply(ctx, rollbackPlan, rollbackDoc)
		if result.Err != nil {
			return &RollbackFailedError{Cause: fmt.Errorf("forced rollback"), RollbackErr: result.Err}
		}
		return w.store.Transition(w.env.Name, cur.ID, models.DeploymentStateRolledBack, "")
	}

	rec := models.DeploymentRecord{
		ID:          uuid.NewString(),
		Environment: w.env.Name,
		Commit:      rollbackDoc.Commit,
		Branch:      w.env.Branch,
		State:       models.DeploymentStatePending,
		Health:      models.HealthHealthy,
		SyncStatus:  models.SyncStatusOutOfSync,
		StartedAt:   w.now().UTC(),
		InitiatedBy: initiatedBy,
	}
	if err := w.store.StartDeployment(w.env.Name, rec); err != nil {
		return err
	}
	if err := w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateApplying, ""); err != nil {
		return err
	}
	result := w.applier.Apply(ctx, rollbackPlan, rollbackDoc)
	if result.Err != nil {
		w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateFailed, result.Err.Error())
		return result.Err
	}
	return w.store.Transition(w.env.Name, rec.ID, models.DeploymentStateCompleted, "")
}

// lastSuccessfulDocument resolves the deployed document, preferring the
// local snapshot and falling back to a repository read for environments
// whose snapshot cache was wiped.
func (w *Watcher) lastSuccessfulDocument() *models.ConfigurationDocument {
	state := w.store.Environment(w.env.Name)
	if state.LastSuccessful == nil {
		return nil
	}
	commit := state.LastSuccessful.Commit

	doc, err := w.snapshots.Get(w.env.Name, commit)
	if err == nil {
		return doc
	}
	w.log.Warnw("Snapshot miss for deployed commit, reloading from repository", "commit", commit, "error", err)

	doc, err = w.loader.Load(commit, w.env.Path)
	if err != nil {
		w.log.Errorw("Deployed document unavailable, planning against empty baseline", "commit", commit, "error", err)
		return nil
	}
	return doc
}

// updateApprovalHealth degrades the environment once an approval has waited
// past half its timeout.
func (w *Watcher) updateApprovalHealth() {
	req := w.gate.Pending(w.env.Name)
	if req == nil {
		return
	}
	halfway := req.RequestedAt.Add(req.ExpiresAt.Sub(req.RequestedAt) / 2)
	if w.now().After(halfway) {
		if err := w.store.SetHealth(w.env.Name, models.HealthDegraded); err != nil {
			w.log.Errorw("Failed to degrade environment health", "error", err)
		}
	}
}

func (w *Watcher) responder() string {
	if req := w.gate.Request(w.env.Name); req != nil && req.Responder != "" {
		return req.Responder
	}
	return "unknown"
}

// storeFailure wraps snapshot persistence errors so they get state-store
// severity.
type storeFailure struct {
	err error
}

func (e *storeFailure) Error() string { return e.err.Error() }
func (e *storeFailure) Unwrap() error { return e.err }

// abortOnStoreError is the StateStoreError path: the in-flight
// reconciliation aborts rather than risk an unrecorded mutation, and a
// critical health signal is raised.
func (w *Watcher) abortOnStoreError(err error) error {
	w.log.Errorw("State store failure, aborting reconciliation", "error", err)
	if herr := w.store.SetHealth(w.env.Name, models.HealthUnhealthy); herr != nil {
		w.log.Errorw("Failed to raise critical health signal", "error", herr)
	}
	return err
}
