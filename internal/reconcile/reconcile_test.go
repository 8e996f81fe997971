package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/store"
)

type fakeRegistry struct {
	accs          map[uuid.UUID]model.Accessory
	registered    int
	unregisterOps int
	unregistered  []model.Accessory
	failRegister  error
	failRemove    error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{accs: map[uuid.UUID]model.Accessory{}}
}

func (f *fakeRegistry) ListCached(context.Context) ([]model.Accessory, error) {
	out := make([]model.Accessory, 0, len(f.accs))
	for _, a := range f.accs {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeRegistry) Register(_ context.Context, acc *model.Accessory) error {
	if f.failRegister != nil {
		return f.failRegister
	}
	if _, ok := f.accs[acc.Identity]; ok {
		return errors.New("already registered")
	}
	f.registered++
	f.accs[acc.Identity] = *acc
	return nil
}

func (f *fakeRegistry) Unregister(_ context.Context, accs []model.Accessory) error {
	if f.failRemove != nil {
		return f.failRemove
	}
	f.unregisterOps++
	for _, a := range accs {
		delete(f.accs, a.Identity)
		f.unregistered = append(f.unregistered, a)
	}
	return nil
}

func (f *fakeRegistry) UpdateContext(_ context.Context, acc *model.Accessory, d model.DeviceConfig) error {
	if err := acc.SetContext(d); err != nil {
		return err
	}
	f.accs[acc.Identity] = *acc
	return nil
}

func (f *fakeRegistry) EnsureSensorService(_ context.Context, acc *model.Accessory, present bool) error {
	acc.SensorService = present
	f.accs[acc.Identity] = *acc
	return nil
}

type fakeRunner struct {
	name    string
	started int
	stopped bool
}

func (r *fakeRunner) Start(context.Context) { r.started++ }
func (r *fakeRunner) Stop()                 { r.stopped = true }

type runners struct {
	mu  sync.Mutex
	all []*fakeRunner
}

func (rs *runners) factory(_ model.Accessory, d model.DeviceConfig) Runner {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r := &fakeRunner{name: d.Name}
	rs.all = append(rs.all, r)
	return r
}

func (rs *runners) running() map[string]int {
	out := map[string]int{}
	for _, r := range rs.all {
		if !r.stopped {
			out[r.name]++
		}
	}
	return out
}

func devices(names ...string) []model.DeviceConfig {
	out := make([]model.DeviceConfig, 0, len(names))
	for _, n := range names {
		out = append(out, model.DeviceConfig{
			Name:           n,
			Endpoint:       model.Endpoint{URL: "http://sensors.local/" + n},
			Status:         &model.StatusConfig{},
			UpdateInterval: 30,
		})
	}
	return out
}

func setup() (*fakeRegistry, *runners, *Reconciler) {
	reg := newFakeRegistry()
	rs := &runners{}
	return reg, rs, New(context.Background(), reg, rs.factory, Options{})
}

func TestReconcileRegistersNewDevices(t *testing.T) {
	reg, rs, rec := setup()
	res, err := rec.Reconcile(context.Background(), devices("Kitchen", "Basement"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Registered) != 2 || len(res.Updated) != 0 || len(res.Removed) != 0 || res.Live != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if reg.registered != 2 {
		t.Fatalf("expected 2 registrations, got %d", reg.registered)
	}
	for _, r := range rs.all {
		if r.started != 1 {
			t.Fatalf("runner %s started %d times", r.name, r.started)
		}
	}
	acc := reg.accs[model.IdentityFor("Kitchen")]
	d, ok, err := acc.Device()
	if err != nil || !ok || d.Endpoint.URL != "http://sensors.local/Kitchen" {
		t.Fatalf("context not written before register: %+v ok=%v err=%v", d, ok, err)
	}
	if !acc.SensorService {
		t.Fatalf("expected sensor service")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	reg, rs, rec := setup()
	ctx := context.Background()
	if _, err := rec.Reconcile(ctx, devices("Kitchen", "Basement")); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := rec.Reconcile(ctx, devices("Kitchen", "Basement"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(res.Registered) != 0 || len(res.Removed) != 0 || len(res.Updated) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if reg.registered != 2 || reg.unregisterOps != 0 {
		t.Fatalf("registered=%d unregisterOps=%d", reg.registered, reg.unregisterOps)
	}
	if len(rs.all) != 2 {
		t.Fatalf("unchanged devices should keep their pollers, got %d runners", len(rs.all))
	}
}

func TestReconcileOneAdded(t *testing.T) {
	reg, _, rec := setup()
	ctx := context.Background()
	_, _ = rec.Reconcile(ctx, devices("Kitchen"))
	res, err := rec.Reconcile(ctx, devices("Kitchen", "Attic"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Registered) != 1 || res.Registered[0].DisplayName != "Attic" || len(res.Removed) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if reg.unregisterOps != 0 {
		t.Fatalf("nothing should be removed")
	}
}

func TestReconcileAnnouncesRegistered(t *testing.T) {
	reg, rs, _ := setup()
	var calls [][]string
	rec := New(context.Background(), reg, rs.factory, Options{
		OnRegistered: func(_ context.Context, registered []model.Accessory) {
			names := make([]string, 0, len(registered))
			for _, acc := range registered {
				names = append(names, acc.DisplayName)
			}
			calls = append(calls, names)
		},
	})
	ctx := context.Background()

	if _, err := rec.Reconcile(ctx, devices("Kitchen", "Basement")); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := rec.Reconcile(ctx, devices("Kitchen", "Basement")); err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(calls) != 1 || strings.Join(calls[0], ",") != "Kitchen,Basement" {
		t.Fatalf("expected one announcement for the first pass, got %v", calls)
	}

	reg.failRemove = errors.New("host unavailable")
	if _, err := rec.Reconcile(ctx, devices("Kitchen", "Attic")); !errors.Is(err, reg.failRemove) {
		t.Fatalf("expected unregister error, got %v", err)
	}
	if len(calls) != 2 || strings.Join(calls[1], ",") != "Attic" {
		t.Fatalf("expected the accessory registered before the failure to be announced, got %v", calls)
	}
}

func TestReconcileOneRemovedStopsPoller(t *testing.T) {
	reg, rs, _ := setup()
	var notified []model.Accessory
	rec := New(context.Background(), reg, rs.factory, Options{
		OnRemoved: func(_ context.Context, removed []model.Accessory) { notified = removed },
	})
	ctx := context.Background()
	_, _ = rec.Reconcile(ctx, devices("Kitchen", "Basement", "Attic"))

	res, err := rec.Reconcile(ctx, devices("Kitchen", "Attic"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0].DisplayName != "Basement" || len(res.Registered) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if reg.unregisterOps != 1 || len(reg.unregistered) != 1 {
		t.Fatalf("expected one batch with one accessory, got ops=%d removed=%d", reg.unregisterOps, len(reg.unregistered))
	}
	running := rs.running()
	if running["Basement"] != 0 || running["Kitchen"] != 1 || running["Attic"] != 1 {
		t.Fatalf("unexpected running pollers: %v", running)
	}
	if len(notified) != 1 {
		t.Fatalf("expected removal hook, got %v", notified)
	}
}

func TestReconcileRemovesAllStaleInOneBatch(t *testing.T) {
	reg, _, rec := setup()
	ctx := context.Background()
	_, _ = rec.Reconcile(ctx, devices("A", "B", "C"))
	res, err := rec.Reconcile(ctx, nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Removed) != 3 || reg.unregisterOps != 1 || res.Live != 0 {
		t.Fatalf("unexpected: %+v ops=%d", res, reg.unregisterOps)
	}
}

func TestRenameIsRemoveAndAdd(t *testing.T) {
	reg, rs, rec := setup()
	ctx := context.Background()
	_, _ = rec.Reconcile(ctx, devices("Kitchen"))
	res, err := rec.Reconcile(ctx, devices("Kitchen sink"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(res.Registered) != 1 || len(res.Removed) != 1 {
		t.Fatalf("rename should be remove+add: %+v", res)
	}
	if _, ok := reg.accs[model.IdentityFor("Kitchen")]; ok {
		t.Fatalf("old identity still registered")
	}
	if got := rs.running(); got["Kitchen"] != 0 || got["Kitchen sink"] != 1 {
		t.Fatalf("unexpected running pollers: %v", got)
	}
}

func TestDuplicateNamesAlias(t *testing.T) {
	reg, rs, rec := setup()
	list := devices("Kitchen", "Kitchen")
	list[1].Endpoint.URL = "http://sensors.local/second"

	res, err := rec.Reconcile(context.Background(), list)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reg.registered != 1 || len(res.Registered) != 1 || res.Live != 1 || len(rs.all) != 1 {
		t.Fatalf("duplicates must collapse onto one accessory: %+v runners=%d", res, len(rs.all))
	}
	acc := reg.accs[model.IdentityFor("Kitchen")]
	d, _, _ := acc.Device()
	if d.Endpoint.URL != "http://sensors.local/second" {
		t.Fatalf("later entry should win, got %s", d.Endpoint.URL)
	}
}

func TestChangedDeviceRestartsPoller(t *testing.T) {
	reg, rs, rec := setup()
	ctx := context.Background()
	_, _ = rec.Reconcile(ctx, devices("Kitchen"))

	edited := devices("Kitchen")
	edited[0].UpdateInterval = 5
	edited[0].Status = nil
	if _, err := rec.Reconcile(ctx, edited); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(rs.all) != 2 || !rs.all[0].stopped || rs.all[1].stopped {
		t.Fatalf("expected old poller stopped and new one running")
	}
	acc := reg.accs[model.IdentityFor("Kitchen")]
	if acc.SensorService {
		t.Fatalf("sensor service should follow status definedness")
	}
	d, _, _ := acc.Device()
	if d.UpdateInterval != 5 {
		t.Fatalf("context not refreshed: %+v", d)
	}
}

func TestRestoredAccessoryIsNotReRegistered(t *testing.T) {
	reg, rs, rec := setup()
	cached := model.NewAccessory(model.IdentityFor("Kitchen"), "Kitchen")
	reg.accs[cached.Identity] = *cached

	res, err := rec.Reconcile(context.Background(), devices("Kitchen"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reg.registered != 0 || len(res.Updated) != 1 || len(rs.all) != 1 {
		t.Fatalf("restored accessory should be updated, not registered: %+v", res)
	}
}

func TestRegistryErrorPropagates(t *testing.T) {
	reg, _, rec := setup()
	reg.failRegister = errors.New("host unavailable")
	_, err := rec.Reconcile(context.Background(), devices("Kitchen"))
	if err == nil || !errors.Is(err, reg.failRegister) {
		t.Fatalf("expected registry error, got %v", err)
	}
}

func TestStopStopsEveryPoller(t *testing.T) {
	_, rs, rec := setup()
	_, _ = rec.Reconcile(context.Background(), devices("A", "B"))
	rec.Stop()
	if got := rs.running(); len(got) != 0 {
		t.Fatalf("pollers still running: %v", got)
	}
	if len(rec.Live()) != 0 {
		t.Fatalf("live set not cleared")
	}
}

func TestReconcileAgainstStoreSurvivesRestart(t *testing.T) {
	dsn := "file:reconcile_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()

	rs := &runners{}
	first := New(ctx, repo, rs.factory, Options{})
	if _, err := first.Reconcile(ctx, devices("Kitchen", "Basement")); err != nil {
		t.Fatalf("first: %v", err)
	}
	first.Stop()

	second := New(ctx, repo, rs.factory, Options{})
	res, err := second.Reconcile(ctx, devices("Kitchen"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(res.Registered) != 0 || len(res.Updated) != 1 || len(res.Removed) != 1 {
		t.Fatalf("unexpected result after restart: %+v", res)
	}
	accs, _ := repo.ListCached(ctx)
	if len(accs) != 1 || accs[0].DisplayName != "Kitchen" || !accs[0].SensorService {
		t.Fatalf("unexpected registry contents: %+v", accs)
	}
}
