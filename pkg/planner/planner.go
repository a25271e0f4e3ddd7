package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/terracarta/geosync/pkg/models"
)

// PlanError marks an internal diff invariant violation. A plan that fails to
// build is fatal for its commit; nothing is partially applied.
type PlanError struct {
	Msg string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan error: %s", e.Msg)
}

// Builder computes deployment plans between two configuration documents.
// Build is deterministic and side-effect-free, which keeps retries after a
// crash idempotent.
type Builder struct {
	modifiedThreshold int
}

// NewBuilder creates a Builder. A non-positive threshold falls back to the
// default of 5 modified resources.
func NewBuilder(modifiedThreshold int) *Builder {
	if modifiedThreshold <= 0 {
		modifiedThreshold = models.DefaultModifiedThreshold
	}
	return &Builder{modifiedThreshold: modifiedThreshold}
}

// resource is one diffable unit with its content digest and the fields that
// make up its structural identity.
type resource struct {
	ref        models.ResourceRef
	digest     string
	identity   string
	connection string
}

// Build computes the plan from old (the currently deployed document, nil for
// a fresh environment) to new.
func (b *Builder) Build(old, new *models.ConfigurationDocument) (*models.DeploymentPlan, error) {
	if new == nil {
		return nil, &PlanError{Msg: "target document is nil"}
	}

	oldIndex, err := index(old)
	if err != nil {
		return nil, err
	}
	newIndex, err := index(new)
	if err != nil {
		return nil, err
	}

	plan := &models.DeploymentPlan{
		TargetCommit: new.Commit,
	}
	if old != nil {
		plan.SourceCommit = old.Commit
	}

	for key, newRes := range newIndex {
		oldRes, ok := oldIndex[key]
		if !ok {
			plan.Added = append(plan.Added, newRes.ref)
			continue
		}
		if oldRes.digest == newRes.digest {
			continue
		}
		plan.Modified = append(plan.Modified, newRes.ref)
		if oldRes.identity != newRes.identity {
			plan.HasBreakingChanges = true
		}
		if oldRes.connection != newRes.connection {
			plan.HasMigrations = true
		}
	}
	for key, oldRes := range oldIndex {
		if _, ok := newIndex[key]; !ok {
			plan.Removed = append(plan.Removed, oldRes.ref)
		}
	}

	sortRefs(plan.Added)
	sortRefs(plan.Modified)
	sortRefs(plan.Removed)

	plan.RiskLevel = b.classify(plan)
	return plan, nil
}

// classify derives the risk level. The old document is the deployed one, so
// a removed service or layer is being actively served and rates CRITICAL. A
// removed datasource alone is not serving: the loader rejects documents with
// dangling layer references, so a cleanly removed datasource was unused.
func (b *Builder) classify(plan *models.DeploymentPlan) models.RiskLevel {
	for _, ref := range plan.Removed {
		if ref.Kind == models.ResourceKindService || ref.Kind == models.ResourceKindLayer {
			return models.RiskLevelCritical
		}
	}
	if plan.HasBreakingChanges || plan.HasMigrations {
		return models.RiskLevelHigh
	}
	if len(plan.Modified) > b.modifiedThreshold || len(plan.Added) > 0 {
		return models.RiskLevelMedium
	}
	return models.RiskLevelLow
}

// index flattens a document into diffable resources keyed by stable id.
// Layers are keyed service:layer; the service resource itself carries its
// metadata and ordered layer id list so reordering counts as a modification.
func index(doc *models.ConfigurationDocument) (map[string]resource, error) {
	resources := make(map[string]resource)
	if doc == nil {
		return resources, nil
	}

	add := func(key string, res resource) error {
		if _, ok := resources[key]; ok {
			return &PlanError{Msg: fmt.Sprintf("duplicate resource id %s in commit %s", key, doc.Commit)}
		}
		resources[key] = res
		return nil
	}

	for _, svc := range doc.Services {
		layerIDs := make([]string, 0, len(svc.Layers))
		for _, layer := range svc.Layers {
			layerIDs = append(layerIDs, layer.ID)
		}
		svcContent := struct {
			ID       string   `json:"id"`
			Title    string   `json:"title"`
			Abstract string   `json:"abstract"`
			Keywords []string `json:"keywords"`
			Layers   []string `json:"layers"`
		}{svc.ID, svc.Title, svc.Abstract, svc.Keywords, layerIDs}

		ref := models.ResourceRef{Kind: models.ResourceKindService, ID: svc.ID}
		if err := add(ref.String(), resource{ref: ref, digest: digest(svcContent)}); err != nil {
			return nil, err
		}

		for _, layer := range svc.Layers {
			layerRef := models.ResourceRef{
				Kind: models.ResourceKindLayer,
				ID:   svc.ID + ":" + layer.ID,
			}
			identity := digest(struct {
				GeometryType string            `json:"geometryType"`
				Datasource   string            `json:"datasource"`
				KeyMapping   map[string]string `json:"keyMapping"`
			}{layer.GeometryType, layer.Datasource, layer.KeyMapping})
			if err := add(layerRef.String(), resource{
				ref:      layerRef,
				digest:   digest(layer),
				identity: identity,
			}); err != nil {
				return nil, err
			}
		}
	}

	for _, ds := range doc.Datasources {
		ref := models.ResourceRef{Kind: models.ResourceKindDatasource, ID: ds.ID}
		if err := add(ref.String(), resource{
			ref:        ref,
			digest:     digest(ds),
			connection: ds.Connection,
		}); err != nil {
			return nil, err
		}
	}

	return resources, nil
}

// digest is the canonical content hash of a resource. JSON marshaling of a
// struct has a fixed field order, so identical content always hashes the
// same.
func digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Only map keys of unmarshalable types can trigger this and the
		// model types contain none.
		panic(fmt.Sprintf("planner: unhashable resource: %v", err))
	}
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

func sortRefs(refs []models.ResourceRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
}
