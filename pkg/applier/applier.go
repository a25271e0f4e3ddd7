package applier

import (
	"context"
	"fmt"

	"github.com/terracarta/geosync/pkg/models"
	"go.uber.org/zap"
)

// TargetSystemAdapter pushes configuration into the running geospatial
// server. Every call is individually retryable and idempotent; retry policy
// lives inside the adapter, not here.
type TargetSystemAdapter interface {
	RebindDatasource(ctx context.Context, id string, spec models.Datasource) error
	ReloadMetadata(ctx context.Context, doc *models.ConfigurationDocument) error
	InvalidateCache(ctx context.Context, refs []models.ResourceRef) error
}

// ApplyError marks an adapter failure while applying one resource group.
// Any partial failure is a whole-deployment failure; rollback handles the
// cleanup when the policy allows it.
type ApplyError struct {
	Group string
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed in %s group: %v", e.Group, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ApplyResult reports which resources landed before the first failure.
type ApplyResult struct {
	Succeeded []models.ResourceRef
	Failed    []models.ResourceRef
	Err       error
}

// Applier pushes an accepted plan into the target system resource-group by
// resource-group: datasources first, then service/layer metadata, so a layer
// reload never references an unbound datasource.
type Applier struct {
	adapter TargetSystemAdapter
	log     *zap.SugaredLogger
}

// NewApplier creates an Applier on top of a target system adapter.
func NewApplier(adapter TargetSystemAdapter, log *zap.SugaredLogger) *Applier {
	return &Applier{adapter: adapter, log: log}
}

// Apply executes the plan against the target system. It fails fast: the
// first failing group stops everything after it. On full success the
// downstream caches for every touched resource are invalidated.
func (a *Applier) Apply(ctx context.Context, plan *models.DeploymentPlan, doc *models.ConfigurationDocument) *ApplyResult {
	result := &ApplyResult{}

	datasourceRefs := refsOfKind(plan, models.ResourceKindDatasource)
	for _, ref := range datasourceRefs {
		spec, ok := doc.Datasources[ref.ID]
		if !ok {
			// Removed datasource: dropped by the metadata reload below.
			continue
		}
		a.log.Debugw("Rebinding datasource", "id", ref.ID, "commit", plan.TargetCommit)
		if err := a.adapter.RebindDatasource(ctx, ref.ID, spec); err != nil {
			result.Failed = append(result.Failed, ref)
			result.Err = &ApplyError{Group: "datasources", Err: err}
			return result
		}
		result.Succeeded = append(result.Succeeded, ref)
	}

	serviceRefs := append(refsOfKind(plan, models.ResourceKindService), refsOfKind(plan, models.ResourceKindLayer)...)
	if len(serviceRefs) > 0 || !plan.Empty() {
		a.log.Debugw("Reloading service metadata",
			"commit", plan.TargetCommit,
			"services", len(doc.Services))
		if err := a.adapter.ReloadMetadata(ctx, doc); err != nil {
			result.Failed = append(result.Failed, serviceRefs...)
			result.Err = &ApplyError{Group: "services", Err: err}
			return result
		}
		result.Succeeded = append(result.Succeeded, serviceRefs...)
	}

	touched := allRefs(plan)
	if len(touched) > 0 {
		if err := a.adapter.InvalidateCache(ctx, touched); err != nil {
			// Cache invalidation is part of the deployment: stale tiles after
			// a datasource rebind are a correctness problem, not cosmetics.
			result.Err = &ApplyError{Group: "cache", Err: err}
			return result
		}
	}

	a.log.Infow("Plan applied",
		"commit", plan.TargetCommit,
		"resources", len(result.Succeeded))
	return result
}

func refsOfKind(plan *models.DeploymentPlan, kind models.ResourceKind) []models.ResourceRef {
	var refs []models.ResourceRef
	for _, set := range [][]models.ResourceRef{plan.Added, plan.Modified, plan.Removed} {
		for _, ref := range set {
			if ref.Kind == kind {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func allRefs(plan *models.DeploymentPlan) []models.ResourceRef {
	var refs []models.ResourceRef
	refs = append(refs, plan.Added...)
	refs = append(refs, plan.Modified...)
	refs = append(refs, plan.Removed...)
	return refs
}
