// Package reconcile converges the accessory registry onto the configured
// device list and keeps exactly one running poller per live accessory.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/observability"
)

// Registry is the persistent accessory store.
type Registry interface {
	ListCached(ctx context.Context) ([]model.Accessory, error)
	Register(ctx context.Context, acc *model.Accessory) error
	Unregister(ctx context.Context, accs []model.Accessory) error
	UpdateContext(ctx context.Context, acc *model.Accessory, device model.DeviceConfig) error
	EnsureSensorService(ctx context.Context, acc *model.Accessory, present bool) error
}

type Runner interface {
	Start(ctx context.Context)
	Stop()
}

type PollerFactory func(acc model.Accessory, device model.DeviceConfig) Runner

type Options struct {
	// OnRegistered runs at the end of a pass that registered new accessories,
	// also when a later step of that pass failed.
	OnRegistered func(ctx context.Context, registered []model.Accessory)
	// OnRemoved runs after stale accessories were unregistered.
	OnRemoved func(ctx context.Context, removed []model.Accessory)
}

type Result struct {
	Registered []model.Accessory
	Updated    []model.Accessory
	Removed    []model.Accessory
	Live       int
}

type entry struct {
	device model.DeviceConfig
	runner Runner
}

type Reconciler struct {
	base     context.Context
	registry Registry
	factory  PollerFactory
	opts     Options

	mu   sync.Mutex
	live map[uuid.UUID]*entry
}

// New creates a reconciler. Pollers run under base, not under the context of
// the Reconcile call that started them.
func New(base context.Context, registry Registry, factory PollerFactory, opts Options) *Reconciler {
	return &Reconciler{
		base:     base,
		registry: registry,
		factory:  factory,
		opts:     opts,
		live:     map[uuid.UUID]*entry{},
	}
}

// dedupe keys devices by identity in first-seen order. A later device with
// the same name replaces the earlier one.
func dedupe(devices []model.DeviceConfig) ([]uuid.UUID, map[uuid.UUID]model.DeviceConfig) {
	order := make([]uuid.UUID, 0, len(devices))
	byID := make(map[uuid.UUID]model.DeviceConfig, len(devices))
	for _, d := range devices {
		id := d.Identity()
		if _, dup := byID[id]; dup {
			slog.Warn("duplicate leak sensor name, later entry replaces earlier", "name", d.Name, "identity", id)
		} else {
			order = append(order, id)
		}
		byID[id] = d
	}
	return order, byID
}

// Reconcile runs one pass. Registry failures abort the pass and are returned;
// pollers already (re)started by then stay tracked.
func (r *Reconciler) Reconcile(ctx context.Context, devices []model.DeviceConfig) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.reconcileLocked(ctx, devices)
	if len(res.Registered) > 0 && r.opts.OnRegistered != nil {
		r.opts.OnRegistered(ctx, res.Registered)
	}
	return res, err
}

func (r *Reconciler) reconcileLocked(ctx context.Context, devices []model.DeviceConfig) (Result, error) {
	var res Result
	cached, err := r.registry.ListCached(ctx)
	if err != nil {
		return res, fmt.Errorf("list cached accessories: %w", err)
	}
	existing := make(map[uuid.UUID]model.Accessory, len(cached))
	for _, acc := range cached {
		existing[acc.Identity] = acc
	}

	order, configured := dedupe(devices)
	for _, id := range order {
		device := configured[id]
		var acc *model.Accessory
		if found, ok := existing[id]; ok {
			acc = &found
			if err := r.registry.UpdateContext(ctx, acc, device); err != nil {
				return res, fmt.Errorf("update context of %q: %w", device.Name, err)
			}
			slog.Info("restoring existing accessory from cache", "name", acc.DisplayName, "identity", id)
			res.Updated = append(res.Updated, *acc)
		} else {
			acc = model.NewAccessory(id, device.Name)
			if err := acc.SetContext(device); err != nil {
				return res, fmt.Errorf("encode context of %q: %w", device.Name, err)
			}
			if err := r.registry.Register(ctx, acc); err != nil {
				return res, fmt.Errorf("register %q: %w", device.Name, err)
			}
			slog.Info("adding new accessory", "name", device.Name, "identity", id)
			res.Registered = append(res.Registered, *acc)
		}
		if err := r.registry.EnsureSensorService(ctx, acc, device.HasSensor()); err != nil {
			return res, fmt.Errorf("sensor service of %q: %w", device.Name, err)
		}
		r.runLocked(*acc, device)
	}

	var stale []model.Accessory
	for _, acc := range cached {
		if _, ok := configured[acc.Identity]; !ok {
			stale = append(stale, acc)
		}
	}
	if len(stale) > 0 {
		if err := r.registry.Unregister(ctx, stale); err != nil {
			return res, fmt.Errorf("unregister %d stale accessories: %w", len(stale), err)
		}
		for _, acc := range stale {
			slog.Info("removing accessory no longer configured", "name", acc.DisplayName, "identity", acc.Identity)
		}
		res.Removed = stale
	}

	for id, e := range r.live {
		if _, ok := configured[id]; !ok {
			e.runner.Stop()
			delete(r.live, id)
		}
	}
	if len(stale) > 0 && r.opts.OnRemoved != nil {
		r.opts.OnRemoved(ctx, stale)
	}

	res.Live = len(r.live)
	observability.Accessories.Set(float64(res.Live))
	return res, nil
}

// runLocked keeps the running poller when its device is unchanged and
// replaces it otherwise.
func (r *Reconciler) runLocked(acc model.Accessory, device model.DeviceConfig) {
	if e, ok := r.live[acc.Identity]; ok {
		if reflect.DeepEqual(e.device, device) {
			return
		}
		e.runner.Stop()
	}
	runner := r.factory(acc, device)
	r.live[acc.Identity] = &entry{device: device, runner: runner}
	runner.Start(r.base)
}

// Live reports the identities that currently have a running poller.
func (r *Reconciler) Live() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids
}

// Stop stops every poller. A later Reconcile starts them again.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.live {
		e.runner.Stop()
		delete(r.live, id)
	}
	observability.Accessories.Set(0)
}
