package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/catalog"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/config"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/downloadqueue"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/httpclient"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/lockfile"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/objectstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/policyclient"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/progressstore"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/reconciler"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/registry"
	"github.com/bleash-dev/comfyui-docker-sub000/internal/worker"
)

// app bundles every collaborator the command tree needs, built once per
// invocation from the resolved Config.
type app struct {
	cfg      *config.Config
	locks    *lockfile.Manager
	catalog  *catalog.Store
	registry *registry.Registry
	progress *progressstore.Store
	queue    *downloadqueue.Queue
	policy   *policyclient.Client
	store    objectstore.Store
	worker   *worker.Worker
	syncer   *reconciler.Reconciler
}

// newApp loads config and wires every collaborator, mirroring
// SPEC_FULL.md §4's environment inputs (ambient bucket, pod/user
// identity, policy base URL and shared secret) through to the
// constructors each package already defines.
func newApp(ctx context.Context, syncType string) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	locks := lockfile.NewManager(filepath.Join(cfg.StateDir(), "locks"))
	cat := catalog.NewStore(cfg.StateDir(), locks, cfg.Locks.CatalogTTL)
	reg := registry.New(cfg.StateDir(), locks, cfg.Locks.RegistrationTTL)

	policy := policyclient.New(cfg.Policy.BaseURL, cfg.Policy.SharedSecret, cfg.Core.PodID, cfg.Core.UserID, httpclient.CreatePolicyClient(log), log)
	progress := progressstore.New(cfg.StateDir(), locks, cfg.Locks.ProgressTTL, policy, "download")
	queue := downloadqueue.New(cfg.StateDir(), locks, cfg.Locks.QueueTTL, reg, progress)

	store, err := objectstore.NewS3Store(ctx, cfg.Core.Bucket, os.Getenv("AWS_REGION"))
	if err != nil {
		return nil, fmt.Errorf("failed to build object store client: %w", err)
	}

	w := worker.New(cfg.StateDir(), locks, reg, queue, progress, store, cfg.Worker, cfg.Locks, log)
	syncer := reconciler.New(cat, policy, store, policy, syncType, log)

	return &app{
		cfg: cfg, locks: locks, catalog: cat, registry: reg,
		progress: progress, queue: queue, policy: policy, store: store,
		worker: w, syncer: syncer,
	}, nil
}
