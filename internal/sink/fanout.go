// Package sink delivers poller output to every consumer of leak state.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/realtime"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/store"
)

type Store interface {
	SaveLeakState(ctx context.Context, id uuid.UUID, leak bool, at time.Time) error
	SaveIdentityInfo(ctx context.Context, id uuid.UUID, info model.IdentityInfo) error
	List(ctx context.Context) ([]model.Accessory, error)
}

type Publisher interface {
	PublishState(acc *model.Accessory, leak bool, at time.Time) error
	PublishMetadata(acc *model.Accessory, info model.IdentityInfo) error
	ClearDevice(identity uuid.UUID, reason string) error
}

type Cache interface {
	Put(ctx context.Context, id uuid.UUID, st store.CachedState) error
	Lookup(ctx context.Context, id uuid.UUID) (*store.CachedState, error)
	Forget(ctx context.Context, ids ...uuid.UUID) error
}

type Broadcaster interface {
	Broadcast(ev realtime.Event)
}

// Fanout writes to the store first, then publishes over HDP, then updates the
// cache and realtime clients. Cache and Hub are optional.
type Fanout struct {
	Store     Store
	Publisher Publisher
	Cache     Cache
	Hub       Broadcaster

	now func() time.Time
}

func New(repo Store, pub Publisher, cache Cache, hub Broadcaster) *Fanout {
	return &Fanout{Store: repo, Publisher: pub, Cache: cache, Hub: hub, now: time.Now}
}

func (f *Fanout) SetLeakDetected(ctx context.Context, acc *model.Accessory, leak bool) error {
	at := f.now().UTC()
	var errs []error
	if err := f.Store.SaveLeakState(ctx, acc.Identity, leak, at); err != nil {
		errs = append(errs, err)
	}
	acc.LeakDetected = &leak
	acc.LastReadingAt = &at

	if err := f.Publisher.PublishState(acc, leak, at); err != nil {
		errs = append(errs, err)
	} else if f.Cache != nil {
		if err := f.Cache.Put(ctx, acc.Identity, store.CachedState{Leak: leak, At: at}); err != nil {
			slog.Debug("leak state cache set failed", "identity", acc.Identity, "error", err)
		}
	}
	if f.Hub != nil {
		f.Hub.Broadcast(realtime.Event{Type: realtime.EventState, Identity: acc.Identity.String(), Name: acc.DisplayName, Leak: &leak, At: at})
	}
	return errors.Join(errs...)
}

func (f *Fanout) SetIdentityInfo(ctx context.Context, acc *model.Accessory, info model.IdentityInfo) error {
	var errs []error
	if err := f.Store.SaveIdentityInfo(ctx, acc.Identity, info); err != nil {
		errs = append(errs, err)
	}
	acc.Manufacturer, acc.Model, acc.Serial = info.Manufacturer, info.Model, info.Serial
	if err := f.Publisher.PublishMetadata(acc, info); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Added announces freshly registered accessories to realtime clients.
func (f *Fanout) Added(_ context.Context, added []model.Accessory) {
	if f.Hub == nil {
		return
	}
	for _, acc := range added {
		f.Hub.Broadcast(realtime.Event{Type: realtime.EventAdded, Identity: acc.Identity.String(), Name: acc.DisplayName})
	}
}

// Snapshot returns the last reading of every registered accessory that has
// one. A cached reading takes precedence over the stored one.
func (f *Fanout) Snapshot(ctx context.Context) ([]realtime.Event, error) {
	accs, err := f.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	events := make([]realtime.Event, 0, len(accs))
	for _, acc := range accs {
		leak, at := acc.LeakDetected, acc.LastReadingAt
		if f.Cache != nil {
			cached, err := f.Cache.Lookup(ctx, acc.Identity)
			if err != nil {
				slog.Debug("leak state cache get failed", "identity", acc.Identity, "error", err)
			} else if cached != nil {
				leak, at = &cached.Leak, &cached.At
			}
		}
		if leak == nil {
			continue
		}
		ev := realtime.Event{Type: realtime.EventState, Identity: acc.Identity.String(), Name: acc.DisplayName, Leak: leak}
		if at != nil {
			ev.At = *at
		}
		events = append(events, ev)
	}
	return events, nil
}

// Retire cleans up after accessories were unregistered.
func (f *Fanout) Retire(ctx context.Context, removed []model.Accessory) {
	if len(removed) == 0 {
		return
	}
	if f.Cache != nil {
		ids := make([]uuid.UUID, len(removed))
		for i, acc := range removed {
			ids[i] = acc.Identity
		}
		if err := f.Cache.Forget(ctx, ids...); err != nil {
			slog.Debug("leak state cache delete failed", "count", len(ids), "error", err)
		}
	}
	for _, acc := range removed {
		if err := f.Publisher.ClearDevice(acc.Identity, "unconfigured"); err != nil {
			slog.Warn("hdp device clear failed", "identity", acc.Identity, "error", err)
		}
		if f.Hub != nil {
			f.Hub.Broadcast(realtime.Event{Type: realtime.EventRemoved, Identity: acc.Identity.String(), Name: acc.DisplayName})
		}
	}
}
