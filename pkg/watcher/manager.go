package watcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs one Watcher per environment. Environments reconcile fully in
// parallel; each loop owns its environment's state exclusively.
type Manager struct {
	watchers map[string]*Watcher
	log      *zap.SugaredLogger
}

// NewManager collects watchers under one lifecycle.
func NewManager(log *zap.SugaredLogger) *Manager {
	return &Manager{
		watchers: make(map[string]*Watcher),
		log:      log,
	}
}

// Add registers a watcher for its environment.
func (m *Manager) Add(w *Watcher) {
	m.watchers[w.env.Name] = w
}

// Watcher returns the watcher for an environment.
func (m *Manager) Watcher(environment string) (*Watcher, error) {
	w, ok := m.watchers[environment]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q", environment)
	}
	return w, nil
}

// TriggerReconciliation wakes one environment's loop early.
func (m *Manager) TriggerReconciliation(environment string) error {
	w, err := m.Watcher(environment)
	if err != nil {
		return err
	}
	w.TriggerReconciliation()
	return nil
}

// Run blocks until the context is cancelled, running every environment loop
// in parallel. Watcher loops swallow per-cycle errors, so the group only
// unwinds on shutdown.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.watchers) == 0 {
		return fmt.Errorf("no environments configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range m.watchers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	m.log.Infow("Reconciliation manager started", "environments", len(m.watchers))
	return g.Wait()
}
