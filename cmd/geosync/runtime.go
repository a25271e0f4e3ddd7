package main

import (
	"github.com/terracarta/geosync/pkg/applier"
	"github.com/terracarta/geosync/pkg/config"
	"github.com/terracarta/geosync/pkg/gate"
	"github.com/terracarta/geosync/pkg/gitmirror"
	"github.com/terracarta/geosync/pkg/loader"
	"github.com/terracarta/geosync/pkg/planner"
	"github.com/terracarta/geosync/pkg/store"
	"github.com/terracarta/geosync/pkg/watcher"
	"go.uber.org/zap"
)

// runtime holds the wired component graph for one agent process.
type runtime struct {
	cfg     *config.Config
	store   *store.Store
	manager *watcher.Manager
	mirrors map[string]*gitmirror.Mirror
	loaders map[string]*loader.Loader
}

func (rt *runtime) environment(name string) (config.EnvironmentConfig, bool) {
	for _, env := range rt.cfg.Environments {
		if env.Name == name {
			return env, true
		}
	}
	return config.EnvironmentConfig{}, false
}

// buildRuntime loads configuration and wires the full pipeline: one mirror,
// loader and watcher per environment, sharing the state store, snapshot
// cache, gate and target adapter.
func buildRuntime(configPath string, log *zap.SugaredLogger) (*runtime, error) {
	cfg, err := config.NewConfigManager(configPath).LoadAndValidateConfig()
	if err != nil {
		return nil, err
	}

	stateStore, err := store.NewStore(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}
	snapshots, err := store.NewSnapshotCache(snapshotDir(cfg))
	if err != nil {
		return nil, err
	}
	channel, err := gate.NewFileChannel(decisionDir(cfg))
	if err != nil {
		return nil, err
	}
	approvalGate, err := gate.NewGate(approvalDir(cfg), channel, log)
	if err != nil {
		return nil, err
	}
	adapter, err := applier.NewHTTPAdapter(cfg.Target.AdminURL, cfg.Target.Timeout, log)
	if err != nil {
		return nil, err
	}
	planApplier := applier.NewApplier(adapter, log)

	var auth *gitmirror.Auth
	if cfg.Repository.Username != "" || cfg.Repository.Token != "" {
		auth = &gitmirror.Auth{
			Username: cfg.Repository.Username,
			Token:    cfg.Repository.Token,
		}
	}

	rt := &runtime{
		cfg:     cfg,
		store:   stateStore,
		manager: watcher.NewManager(log),
		mirrors: make(map[string]*gitmirror.Mirror),
		loaders: make(map[string]*loader.Loader),
	}

	for _, env := range cfg.Environments {
		mirror, err := gitmirror.NewMirror(auth, cfg.Repository.URL, env.Branch, cfg.MirrorDir(env.Name), log)
		if err != nil {
			return nil, err
		}
		docLoader := loader.NewLoader(mirror, log)
		planBuilder := planner.NewBuilder(env.Policy.ModifiedThreshold)

		rt.mirrors[env.Name] = mirror
		rt.loaders[env.Name] = docLoader
		rt.manager.Add(watcher.NewWatcher(
			env,
			cfg.PollInterval,
			mirror,
			docLoader,
			planBuilder,
			approvalGate,
			planApplier,
			stateStore,
			snapshots,
			log,
		))
	}
	return rt, nil
}
