// Package adapter runs the leak adapter: it announces itself over HDP, loads
// the sensors file and keeps the reconciler in sync with it.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/reconcile"
)

type Announcer interface {
	PublishHello() error
	PublishStatus(status, reason string) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, devices []model.DeviceConfig) (reconcile.Result, error)
	Live() []uuid.UUID
	Stop()
}

type Pruner interface {
	Prune(ctx context.Context, live []uuid.UUID) ([]uuid.UUID, error)
}

type Deps struct {
	Announcer  Announcer
	Reconciler Reconciler
	// Load returns the current sensors list.
	Load func() ([]model.DeviceConfig, error)
	// Cache and Retire are optional. Cached states of accessories that are
	// not live after a pass are pruned and retired.
	Cache  Pruner
	Retire func(ctx context.Context, removed []model.Accessory)
}

type Adapter struct {
	deps Deps
	mu   sync.Mutex
}

func New(deps Deps) *Adapter {
	return &Adapter{deps: deps}
}

func (a *Adapter) Name() string { return "http-leak" }

// Start announces the adapter and runs the first reconciliation. A broken
// sensors file or registry fails Start.
func (a *Adapter) Start(ctx context.Context) error {
	a.Announce()
	if _, err := a.Reload(ctx); err != nil {
		_ = a.deps.Announcer.PublishStatus("error", err.Error())
		return err
	}
	return nil
}

// Announce republishes hello and online status, e.g. after an MQTT reconnect.
func (a *Adapter) Announce() {
	if err := a.deps.Announcer.PublishHello(); err != nil {
		slog.Warn("hdp hello publish failed", "error", err)
	}
	if err := a.deps.Announcer.PublishStatus("online", "running"); err != nil {
		slog.Warn("hdp status publish failed", "error", err)
	}
}

// Reload re-reads the sensors list and reconciles against it. Concurrent
// calls run one after another.
func (a *Adapter) Reload(ctx context.Context) (reconcile.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	devices, err := a.deps.Load()
	if err != nil {
		return reconcile.Result{}, err
	}
	res, err := a.deps.Reconciler.Reconcile(ctx, devices)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	slog.Info("leak accessories reconciled", "configured", len(devices), "registered", len(res.Registered), "updated", len(res.Updated), "removed", len(res.Removed), "live", res.Live)
	a.pruneOrphanStates(ctx)
	return res, nil
}

func (a *Adapter) pruneOrphanStates(ctx context.Context) {
	if a.deps.Cache == nil {
		return
	}
	dropped, err := a.deps.Cache.Prune(ctx, a.deps.Reconciler.Live())
	if err != nil {
		slog.Warn("leak state cache prune failed", "error", err)
		return
	}
	if len(dropped) == 0 || a.deps.Retire == nil {
		return
	}
	slog.Info("retiring orphan leak states", "count", len(dropped))
	phantoms := make([]model.Accessory, len(dropped))
	for i, id := range dropped {
		phantoms[i] = model.Accessory{Identity: id}
	}
	a.deps.Retire(ctx, phantoms)
}

// Stop halts every poller and publishes the offline status.
func (a *Adapter) Stop() {
	slog.Info("http leak adapter stopping")
	a.deps.Reconciler.Stop()
	if err := a.deps.Announcer.PublishStatus("offline", "shutdown"); err != nil {
		slog.Warn("hdp status publish failed", "error", err)
	}
}
