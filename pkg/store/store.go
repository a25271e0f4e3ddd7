package store

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

// StoreError marks a failure to read or persist environment state. It is the
// most severe error in the pipeline: state that cannot be recorded must abort
// the in-flight reconciliation rather than risk an unrecorded mutation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("state store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// allowedTransitions is the deployment state machine. Any transition not
// listed here is illegal and rejected before persisting.
var allowedTransitions = map[models.DeploymentState][]models.DeploymentState{
	models.DeploymentStatePending: {
		models.DeploymentStateApplying,
		models.DeploymentStateCompleted, // empty plan short-circuit
		models.DeploymentStateFailed,
	},
	models.DeploymentStateApplying: {
		models.DeploymentStateAwaitingApproval,
		models.DeploymentStateCompleted,
		models.DeploymentStateFailed,
	},
	models.DeploymentStateAwaitingApproval: {
		models.DeploymentStateApplying,
		models.DeploymentStateFailed,
	},
	models.DeploymentStateFailed: {
		models.DeploymentStateRolledBack,
	},
}

func transitionAllowed(from, to models.DeploymentState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store is the durable per-environment deployment state. The state file at
// <dataDir>/environments/<env>.json is the single source of truth; writes go
// through a temp file and an atomic rename so external readers never observe
// partial content.
type Store struct {
	dataDir string
	log     *zap.SugaredLogger

	mu     sync.RWMutex
	states map[string]*models.EnvironmentState
}

// NewStore opens the store rooted at dataDir and loads any existing
// environment state files.
func NewStore(dataDir string, log *zap.SugaredLogger) (*Store, error) {
	envDir := filepath.Join(dataDir, "environments")
	if err := os.MkdirAll(envDir, 0755); err != nil {
		return nil, &StoreError{Op: "init", Err: err}
	}

	s := &Store{
		dataDir: dataDir,
		log:     log,
		states:  make(map[string]*models.EnvironmentState),
	}

	entries, err := os.ReadDir(envDir)
	if err != nil {
		return nil, &StoreError{Op: "scan", Err: err}
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(envDir, entry.Name()))
		if err != nil {
			return nil, &StoreError{Op: "load", Err: err}
		}
		var state models.EnvironmentState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, &StoreError{Op: "load", Err: fmt.Errorf("corrupt state file %s: %w", entry.Name(), err)}
		}
		s.states[state.Environment] = &state
		log.Infow("Restored environment state",
			"environment", state.Environment,
			"deployedCommit", state.DeployedCommit,
			"health", state.Health)
	}
	return s, nil
}

// StatePath returns the well-known path of the environment's state document.
func (s *Store) StatePath(environment string) string {
	return filepath.Join(s.dataDir, "environments", environment+".json")
}

// Environment returns a snapshot copy of the environment's state, creating a
// fresh one in memory if the environment was never seen.
func (s *Store) Environment(environment string) *models.EnvironmentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.ensureLocked(environment))
}

// ensureLocked returns the live state for an environment; callers must hold
// at least a read lock (the map itself is only mutated under the write lock
// by the owning pipeline).
func (s *Store) ensureLocked(environment string) *models.EnvironmentState {
	if state, ok := s.states[environment]; ok {
		return state
	}
	return &models.EnvironmentState{
		Environment: environment,
		Health:      models.HealthHealthy,
		SyncStatus:  models.SyncStatusUnknown,
	}
}

// StartDeployment installs rec as the environment's current deployment. The
// previous current record is pushed into the bounded history.
func (s *Store) StartDeployment(environment string, rec models.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.ensureLocked(environment)
	s.states[environment] = state

	if state.Current != nil {
		state.History = append(state.History, *state.Current)
		if len(state.History) > models.MaxEnvironmentHistory {
			state.History = state.History[len(state.History)-models.MaxEnvironmentHistory:]
		}
	}

	rec.StateHistory = append(rec.StateHistory, models.StateTransition{
		State:     rec.State,
		Timestamp: rec.StartedAt,
	})
	state.Current = &rec
	state.SyncStatus = models.SyncStatusOutOfSync
	state.LastUpdated = time.Now().UTC()

	return s.saveLocked(state)
}

// Transition moves the current deployment to a new state, recording the
// transition and any error message before persisting. Illegal transitions
// are rejected.
func (s *Store) Transition(environment, deploymentID string, to models.DeploymentState, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[environment]
	if !ok || state.Current == nil {
		return &StoreError{Op: "transition", Err: fmt.Errorf("no current deployment for environment %s", environment)}
	}
	rec := state.Current
	if rec.ID != deploymentID {
		return &StoreError{Op: "transition", Err: fmt.Errorf("deployment %s is not current for environment %s", deploymentID, environment)}
	}
	if !transitionAllowed(rec.State, to) {
		return &StoreError{Op: "transition", Err: fmt.Errorf("illegal transition %s -> %s for deployment %s", rec.State, to, deploymentID)}
	}

	now := time.Now().UTC()
	rec.State = to
	rec.StateHistory = append(rec.StateHistory, models.StateTransition{State: to, Timestamp: now})
	if errorMessage != "" {
		rec.ErrorMessage = errorMessage
	}

	switch to {
	case models.DeploymentStateCompleted:
		rec.CompletedAt = &now
		rec.Health = models.HealthHealthy
		state.DeployedCommit = rec.Commit
		recCopy := *rec
		state.LastSuccessful = &recCopy
		state.SyncStatus = models.SyncStatusSynced
		state.Health = models.HealthHealthy
	case models.DeploymentStateFailed:
		rec.CompletedAt = &now
		rec.Health = models.HealthUnhealthy
	case models.DeploymentStateRolledBack:
		rec.CompletedAt = &now
		rec.Health = models.HealthDegraded
		state.SyncStatus = models.SyncStatusOutOfSync
	}
	state.LastUpdated = now

	return s.saveLocked(state)
}

// SetHealth records the operator-facing health of the environment.
func (s *Store) SetHealth(environment string, health models.Health) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.ensureLocked(environment)
	s.states[environment] = state
	if state.Health == health {
		return nil
	}
	state.Health = health
	state.LastUpdated = time.Now().UTC()
	return s.saveLocked(state)
}

// saveLocked persists one environment's state atomically. Callers hold the
// write lock.
func (s *Store) saveLocked(state *models.EnvironmentState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &StoreError{Op: "marshal", Err: err}
	}

	finalFile := s.StatePath(state.Environment)
	tempFile := finalFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	if err := os.Rename(tempFile, finalFile); err != nil {
		return &StoreError{Op: "rename", Err: err}
	}
	return nil
}

func copyState(state *models.EnvironmentState) *models.EnvironmentState {
	snapshot := *state
	if state.Current != nil {
		rec := copyRecord(*state.Current)
		snapshot.Current = &rec
	}
	if state.LastSuccessful != nil {
		rec := copyRecord(*state.LastSuccessful)
		snapshot.LastSuccessful = &rec
	}
	snapshot.History = make([]models.DeploymentRecord, len(state.History))
	for i, rec := range state.History {
		snapshot.History[i] = copyRecord(rec)
	}
	return &snapshot
}

func copyRecord(rec models.DeploymentRecord) models.DeploymentRecord {
	rec.StateHistory = append([]models.StateTransition(nil), rec.StateHistory...)
	return rec
}
