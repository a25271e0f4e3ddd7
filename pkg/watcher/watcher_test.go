package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terracarta/geosync/pkg/applier"
	"github.com/terracarta/geosync/pkg/config"
	"github.com/terracarta/geosync/pkg/gate"
	"github.com/terracarta/geosync/pkg/gitmirror"
	"github.com/terracarta/geosync/pkg/loader"
	"github.com/terracarta/geosync/pkg/models"
	"github.com/terracarta/geosync/pkg/planner"
	"github.com/terracarta/geosync/pkg/store"
	"go.uber.org/zap"
)

type fakeMirror struct {
	head     string
	changed  []string
	fetchErr error
	diffErr  error
	diffs    int
}

func (f *fakeMirror) Fetch(_ context.Context) (string, error) {
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	return f.head, nil
}

func (f *fakeMirror) Diff(from, to string) ([]string, error) {
	f.diffs++
	if f.diffErr != nil {
		return nil, f.diffErr
	}
	return f.changed, nil
}

type fakeDocs struct {
	docs map[string]*models.ConfigurationDocument
	errs map[string]error
}

func (f *fakeDocs) Load(commit, envPath string) (*models.ConfigurationDocument, error) {
	if err, ok := f.errs[commit]; ok {
		return nil, err
	}
	doc, ok := f.docs[commit]
	if !ok {
		return nil, &loader.ParseError{Path: envPath, Err: errors.New("no document for commit " + commit)}
	}
	return doc, nil
}

type fakeApplier struct {
	applied []string
	failFor map[string]error
}

func (f *fakeApplier) Apply(_ context.Context, plan *models.DeploymentPlan, doc *models.ConfigurationDocument) *applier.ApplyResult {
	f.applied = append(f.applied, doc.Commit)
	if err, ok := f.failFor[doc.Commit]; ok {
		return &applier.ApplyResult{Failed: plan.Added, Err: &applier.ApplyError{Group: "datasources", Err: err}}
	}
	return &applier.ApplyResult{Succeeded: append(append(plan.Added, plan.Modified...), plan.Removed...)}
}

type fixture struct {
	w         *Watcher
	mirror    *fakeMirror
	docs      *fakeDocs
	applier   *fakeApplier
	store     *store.Store
	snapshots *store.SnapshotCache
	gate      *gate.Gate
	channel   *gate.FileChannel
	clock     time.Time
}

// Monday 2026-03-02 10:30 UTC.
var mondayMorning = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

func newFixture(t *testing.T, policy models.DeploymentPolicy) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := zap.NewNop().Sugar()

	st, err := store.NewStore(filepath.Join(dir, "state"), log)
	require.NoError(t, err)
	snapshots, err := store.NewSnapshotCache(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	channel, err := gate.NewFileChannel(filepath.Join(dir, "decisions"))
	require.NoError(t, err)
	g, err := gate.NewGate(filepath.Join(dir, "approvals"), channel, log)
	require.NoError(t, err)

	docs := &fakeDocs{
		docs: make(map[string]*models.ConfigurationDocument),
		errs: make(map[string]error),
	}
	f := &fixture{
		mirror:    &fakeMirror{},
		docs:      docs,
		applier:   &fakeApplier{failFor: make(map[string]error)},
		store:     st,
		snapshots: snapshots,
		gate:      g,
		channel:   channel,
		clock:     mondayMorning,
	}

	env := config.EnvironmentConfig{
		Name:   "prod",
		Branch: "main",
		Path:   "environments/prod",
		Policy: policy,
	}
	f.w = NewWatcher(env, time.Second, f.mirror, f.docs, planner.NewBuilder(models.DefaultModifiedThreshold), g, f.applier, st, snapshots, log)
	f.w.now = func() time.Time { return f.clock }
	return f
}

func configDoc(commit string) *models.ConfigurationDocument {
	return &models.ConfigurationDocument{
		Commit:      commit,
		Environment: "environments/prod",
		Services: []models.Service{
			{
				ID:    "transport",
				Title: "Transport",
				Layers: []models.Layer{
					{ID: "roads", Title: "Roads", GeometryType: "linestring", Datasource: "gis-main", Table: "roads"},
					{ID: "cities", Title: "Cities", GeometryType: "point", Datasource: "gis-main", Table: "cities"},
				},
			},
		},
		Datasources: map[string]models.Datasource{
			"gis-main": {ID: "gis-main", Kind: "postgis", Connection: "postgres://gis@db-1/gis"},
		},
	}
}

func withExtraLayer(doc *models.ConfigurationDocument) *models.ConfigurationDocument {
	doc.Services[0].Layers = append(doc.Services[0].Layers, models.Layer{
		ID: "rail", Title: "Rail", GeometryType: "linestring", Datasource: "gis-main", Table: "rail",
	})
	return doc
}

func withRetitledLayer(doc *models.ConfigurationDocument) *models.ConfigurationDocument {
	doc.Services[0].Layers[0].Title = "All roads"
	return doc
}

func withoutLastLayer(doc *models.ConfigurationDocument) *models.ConfigurationDocument {
	layers := doc.Services[0].Layers
	doc.Services[0].Layers = layers[:len(layers)-1]
	return doc
}

func withMovedDatasource(doc *models.ConfigurationDocument) *models.ConfigurationDocument {
	ds := doc.Datasources["gis-main"]
	ds.Connection = "postgres://gis@db-2/gis"
	doc.Datasources["gis-main"] = ds
	return doc
}

// seedDeployed puts the environment into a converged state at commit.
func seedDeployed(t *testing.T, f *fixture, commit string, doc *models.ConfigurationDocument) {
	t.Helper()
	f.docs.docs[commit] = doc
	require.NoError(t, f.store.StartDeployment("prod", models.DeploymentRecord{
		ID:          "seed-" + commit,
		Environment: "prod",
		Commit:      commit,
		Branch:      "main",
		State:       models.DeploymentStatePending,
		Health:      models.HealthHealthy,
		SyncStatus:  models.SyncStatusOutOfSync,
		StartedAt:   f.clock,
		InitiatedBy: "gitwatcher",
	}))
	require.NoError(t, f.store.Transition("prod", "seed-"+commit, models.DeploymentStateApplying, ""))
	require.NoError(t, f.store.Transition("prod", "seed-"+commit, models.DeploymentStateCompleted, ""))
	_, err := f.snapshots.Store("prod", commit, doc)
	require.NoError(t, err)
	f.mirror.head = commit
}

func envChange() []string {
	return []string{"environments/prod/services/transport.yaml"}
}

func TestReconcile_NewCommitDeploysSuccessfully(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withExtraLayer(configDoc("bbb"))

	require.NoError(t, f.w.ReconcileOnce(context.Background()))

	state := f.store.Environment("prod")
	assert.Equal(t, "bbb", state.DeployedCommit)
	assert.Equal(t, models.DeploymentStateCompleted, state.Current.State)
	assert.Equal(t, models.SyncStatusSynced, state.SyncStatus)
	assert.Equal(t, []string{"bbb"}, f.applier.applied)
	assert.True(t, f.snapshots.Exists("prod", "bbb"))

	// The same head on the next tick is a no-op.
	require.NoError(t, f.w.ReconcileOnce(context.Background()))
	assert.Equal(t, []string{"bbb"}, f.applier.applied)
	assert.Equal(t, 1, f.mirror.diffs)
}

func TestReconcile_FreshEnvironmentBootstraps(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})

	f.mirror.head = "aaa"
	f.mirror.changed = envChange()
	f.docs.docs["aaa"] = configDoc("aaa")

	require.NoError(t, f.w.ReconcileOnce(context.Background()))

	state := f.store.Environment("prod")
	assert.Equal(t, "aaa", state.DeployedCommit)
	assert.Equal(t, models.DeploymentStateCompleted, state.Current.State)
	assert.Equal(t, []string{"aaa"}, f.applier.applied)
}

func TestReconcile_CommitOutsideEnvironmentIgnored(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = []string{"environments/staging/services/transport.yaml", "README.md"}

	require.NoError(t, f.w.ReconcileOnce(context.Background()))

	state := f.store.Environment("prod")
	assert.Equal(t, "aaa", state.DeployedCommit)
	assert.Equal(t, "seed-aaa", state.Current.ID)
	assert.Empty(t, f.applier.applied)

	// The cursor advanced; the commit is not re-examined.
	require.NoError(t, f.w.ReconcileOnce(context.Background()))
	assert.Equal(t, 1, f.mirror.diffs)
}

func TestReconcile_TransientFetchErrorRetriesNextTick(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withExtraLayer(configDoc("bbb"))
	f.mirror.fetchErr = &gitmirror.TransientError{Op: "fetch", Err: errors.New("connection reset")}

	// Transient errors never surface and never advance the cursor.
	require.NoError(t, f.w.ReconcileOnce(context.Background()))
	assert.Empty(t, f.applier.applied)

	f.mirror.fetchErr = nil
	require.NoError(t, f.w.ReconcileOnce(context.Background()))
	assert.Equal(t, "bbb", f.store.Environment("prod").DeployedCommit)
}

func TestReconcile_ParseErrorFailsCommitOnce(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.errs["bbb"] = &loader.ParseError{Path: "environments/prod/services/transport.yaml", Err: errors.New("unknown field")}

	err := f.w.ReconcileOnce(context.Background())
	require.Error(t, err)
	var parseErr *loader.ParseError
	require.ErrorAs(t, err, &parseErr)

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateFailed, state.Current.State)
	assert.Equal(t, "aaa", state.DeployedCommit)

	// The broken commit is not retried until a new one arrives.
	require.NoError(t, f.w.ReconcileOnce(context.Background()))
	assert.Equal(t, 1, f.mirror.diffs)
	assert.Empty(t, f.applier.applied)
}

func TestReconcile_EmptyPlanShortCircuits(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	// Same rendered configuration under a new commit (comment-only change).
	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = configDoc("bbb")

	require.NoError(t, f.w.ReconcileOnce(context.Background()))

	state := f.store.Environment("prod")
	assert.Equal(t, "bbb", state.DeployedCommit)
	assert.Equal(t, models.DeploymentStateCompleted, state.Current.State)
	assert.Empty(t, f.applier.applied)
}

func TestReconcile_ApprovalGrantedOverChannel(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{RequiresApproval: true, ApprovalTimeout: time.Hour})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withExtraLayer(configDoc("bbb"))

	require.NoError(t, f.w.ReconcileOnce(context.Background()))

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateAwaitingApproval, state.Current.State)
	req := f.gate.Pending("prod")
	require.NotNil(t, req)
	assert.Equal(t, state.Current.ID, req.DeploymentID)
	assert.Empty(t, f.applier.applied)

	require.NoError(t, f.channel.Post(models.ApprovalDecision{
		DeploymentID: state.Current.ID,
		Decision:     models.DecisionApprove,
		Responder:    "alice",
	}))

	f.clock = f.clock.Add(time.Minute)
	require.NoError(t, f.w.ReconcileOnce(context.Background()))

	state = f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateCompleted, state.Current.State)
	assert.Equal(t, "bbb", state.DeployedCommit)
	assert.Equal(t, []string{"bbb"}, f.applier.applied)
}

func TestReconcile_ApprovalTimeoutFailsDeployment(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{ApprovalTimeout: time.Hour})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	// A datasource move is a migration and always gates.
	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withMovedDatasource(configDoc("bbb"))

	require.NoError(t, f.w.ReconcileOnce(context.Background()))
	assert.Equal(t, models.DeploymentStateAwaitingApproval, f.store.Environment("prod").Current.State)

	f.clock = f.clock.Add(61 * time.Minute)
	err := f.w.ReconcileOnce(context.Background())
	require.Error(t, err)
	var timeoutErr *gate.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateFailed, state.Current.State)
	assert.Equal(t, "aaa", state.DeployedCommit)
	assert.Empty(t, f.applier.applied)
}

func TestReconcile_RejectionFailsDeployment(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{RequiresApproval: true, ApprovalTimeout: time.Hour})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withExtraLayer(configDoc("bbb"))

	require.NoError(t, f.w.ReconcileOnce(context.Background()))
	depID := f.store.Environment("prod").Current.ID

	require.NoError(t, f.channel.Post(models.ApprovalDecision{
		DeploymentID: depID,
		Decision:     models.DecisionReject,
		Responder:    "bob",
	}))

	f.clock = f.clock.Add(time.Minute)
	err := f.w.ReconcileOnce(context.Background())
	require.Error(t, err)
	var rejErr *gate.RejectedError
	require.ErrorAs(t, err, &rejErr)
	assert.Equal(t, "bob", rejErr.Responder)

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateFailed, state.Current.State)
	assert.Equal(t, "aaa", state.DeployedCommit)
	assert.Empty(t, f.applier.applied)
}

func TestReconcile_WindowClosedKeepsDeploymentPending(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{
		RequiresApproval: true,
		ApprovalTimeout:  time.Hour,
		AllowedDays:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withExtraLayer(configDoc("bbb"))

	// Saturday: the commit is observed but nothing moves.
	f.clock = time.Date(2026, 3, 7, 10, 30, 0, 0, time.UTC)
	require.NoError(t, f.w.ReconcileOnce(context.Background()))

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStatePending, state.Current.State)
	assert.Nil(t, f.gate.Pending("prod"))

	// Monday: the request is created and the deployment starts waiting.
	f.clock = time.Date(2026, 3, 9, 10, 30, 0, 0, time.UTC)
	require.NoError(t, f.w.ReconcileOnce(context.Background()))
	assert.Equal(t, models.DeploymentStateAwaitingApproval, f.store.Environment("prod").Current.State)
	require.NotNil(t, f.gate.Pending("prod"))
}

func TestReconcile_ApplyFailureRollsBack(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{AutoRollback: true})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	// The new commit removes a serving layer and the apply blows up.
	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withoutLastLayer(configDoc("bbb"))
	f.applier.failFor["bbb"] = errors.New("reload refused")

	err := f.w.ReconcileOnce(context.Background())
	require.Error(t, err)
	var rbErr *RolledBackError
	require.ErrorAs(t, err, &rbErr)

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateRolledBack, state.Current.State)
	assert.Equal(t, "aaa", state.DeployedCommit)
	assert.Equal(t, models.SyncStatusOutOfSync, state.SyncStatus)
	// Failed apply of bbb, then the full reapply of the aaa snapshot.
	assert.Equal(t, []string{"bbb", "aaa"}, f.applier.applied)
}

func TestReconcile_ApplyFailureWithoutRollbackPolicy(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withRetitledLayer(configDoc("bbb"))
	f.applier.failFor["bbb"] = errors.New("rebind refused")

	err := f.w.ReconcileOnce(context.Background())
	require.Error(t, err)
	var applyErr *applier.ApplyError
	require.ErrorAs(t, err, &applyErr)

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateFailed, state.Current.State)
	assert.Equal(t, "aaa", state.DeployedCommit)
	assert.Equal(t, []string{"bbb"}, f.applier.applied)
}

func TestReconcile_RollbackFailureNeedsOperator(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{AutoRollback: true})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withRetitledLayer(configDoc("bbb"))
	f.applier.failFor["bbb"] = errors.New("rebind refused")
	f.applier.failFor["aaa"] = errors.New("still refused")

	err := f.w.ReconcileOnce(context.Background())
	require.Error(t, err)
	var rfErr *RollbackFailedError
	require.ErrorAs(t, err, &rfErr)

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateFailed, state.Current.State)
	assert.Equal(t, models.HealthUnhealthy, state.Health)
}

func TestReconcile_NewerCommitSupersedesAwaitingApproval(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{RequiresApproval: true, ApprovalTimeout: time.Hour})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withExtraLayer(configDoc("bbb"))
	require.NoError(t, f.w.ReconcileOnce(context.Background()))
	supersededID := f.store.Environment("prod").Current.ID

	f.mirror.head = "ccc"
	f.docs.docs["ccc"] = withMovedDatasource(withExtraLayer(configDoc("ccc")))
	f.clock = f.clock.Add(time.Minute)
	require.NoError(t, f.w.ReconcileOnce(context.Background()))

	state := f.store.Environment("prod")
	assert.Equal(t, "ccc", state.Current.Commit)
	assert.Equal(t, models.DeploymentStateAwaitingApproval, state.Current.State)

	// The superseded deployment failed and its request expired.
	require.NotEmpty(t, state.History)
	last := state.History[len(state.History)-1]
	assert.Equal(t, supersededID, last.ID)
	assert.Equal(t, models.DeploymentStateFailed, last.State)
	assert.Contains(t, last.ErrorMessage, "superseded")

	req := f.gate.Pending("prod")
	require.NotNil(t, req)
	assert.Equal(t, state.Current.ID, req.DeploymentID)
}

func TestForceRollback_FailedDeployment(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	f.mirror.head = "bbb"
	f.mirror.changed = envChange()
	f.docs.docs["bbb"] = withRetitledLayer(configDoc("bbb"))
	f.applier.failFor["bbb"] = errors.New("rebind refused")
	require.Error(t, f.w.ReconcileOnce(context.Background()))

	require.NoError(t, f.w.ForceRollback(context.Background(), "alice"))

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateRolledBack, state.Current.State)
	assert.Equal(t, []string{"bbb", "aaa"}, f.applier.applied)
}

func TestForceRollback_HealthyEnvironmentGetsOperatorRecord(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})
	seedDeployed(t, f, "aaa", configDoc("aaa"))

	require.NoError(t, f.w.ForceRollback(context.Background(), "alice"))

	state := f.store.Environment("prod")
	assert.Equal(t, models.DeploymentStateCompleted, state.Current.State)
	assert.Equal(t, "alice", state.Current.InitiatedBy)
	assert.Equal(t, "aaa", state.Current.Commit)
	assert.Equal(t, []string{"aaa"}, f.applier.applied)
}

func TestForceRollback_NothingToRollBackTo(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})

	err := f.w.ForceRollback(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no successful deployment")
}

func TestTriggerReconciliation_NonBlocking(t *testing.T) {
	f := newFixture(t, models.DeploymentPolicy{})

	// Queuing more wakes than the buffer holds never blocks.
	f.w.TriggerReconciliation()
	f.w.TriggerReconciliation()
	f.w.TriggerReconciliation()
}
