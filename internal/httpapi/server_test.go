package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/config"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/reconcile"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/store"
)

type fakeReloader struct {
	res   reconcile.Result
	err   error
	calls int
}

func (f *fakeReloader) Reload(context.Context) (reconcile.Result, error) {
	f.calls++
	return f.res, f.err
}

func newTestServer(t *testing.T, reloader *fakeReloader) (*Server, *store.Repository) {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(repo, reloader, nil, nil), repo
}

func seed(t *testing.T, repo *store.Repository, device model.DeviceConfig) *model.Accessory {
	t.Helper()
	acc := model.NewAccessory(device.Identity(), device.Name)
	_ = acc.SetContext(device)
	if err := repo.Register(context.Background(), acc); err != nil {
		t.Fatalf("register: %v", err)
	}
	return acc
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)
	return rw
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeReloader{})
	rw := do(s, http.MethodGet, "/health")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}

func TestListAccessoriesHidesHeaders(t *testing.T) {
	s, repo := newTestServer(t, &fakeReloader{})
	acc := seed(t, repo, model.DeviceConfig{
		Name:           "Kitchen",
		Endpoint:       model.Endpoint{URL: "http://x/s", Headers: map[string]string{"Authorization": "secret"}},
		Status:         &model.StatusConfig{},
		UpdateInterval: 30,
	})
	_ = repo.SaveLeakState(context.Background(), acc.Identity, true, time.Now())

	rw := do(s, http.MethodGet, "/api/leak/accessories")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	if strings.Contains(rw.Body.String(), "secret") {
		t.Fatalf("response leaks endpoint headers: %s", rw.Body.String())
	}
	var resp struct {
		Accessories []accessoryView `json:"accessories"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Accessories) != 1 {
		t.Fatalf("expected 1 accessory, got %d", len(resp.Accessories))
	}
	got := resp.Accessories[0]
	if got.Name != "Kitchen" || got.LeakDetected == nil || !*got.LeakDetected || got.UpdateInterval != 30 || got.EndpointURL != "http://x/s" {
		t.Fatalf("unexpected view: %+v", got)
	}
}

func TestGetAccessory(t *testing.T) {
	s, repo := newTestServer(t, &fakeReloader{})
	acc := seed(t, repo, model.DeviceConfig{Name: "Kitchen"})

	if rw := do(s, http.MethodGet, "/api/leak/accessories/"+acc.Identity.String()); rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	if rw := do(s, http.MethodGet, "/api/leak/accessories/"+model.IdentityFor("nope").String()); rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
	if rw := do(s, http.MethodGet, "/api/leak/accessories/not-a-uuid"); rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

func TestReconcileReportsResult(t *testing.T) {
	rel := &fakeReloader{res: reconcile.Result{
		Registered: []model.Accessory{{DisplayName: "Attic"}},
		Removed:    []model.Accessory{{DisplayName: "Garage"}},
		Live:       2,
	}}
	s, _ := newTestServer(t, rel)
	rw := do(s, http.MethodPost, "/api/leak/reconcile")
	if rw.Code != http.StatusOK || rel.calls != 1 {
		t.Fatalf("expected 200 and one reload, got %d calls=%d", rw.Code, rel.calls)
	}
	var resp map[string]any
	_ = json.Unmarshal(rw.Body.Bytes(), &resp)
	if resp["live"].(float64) != 2 || resp["registered"].([]any)[0] != "Attic" || resp["removed"].([]any)[0] != "Garage" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestReconcileErrors(t *testing.T) {
	rel := &fakeReloader{err: &config.ConfigError{Err: config.ErrNoSensors}}
	s, _ := newTestServer(t, rel)
	if rw := do(s, http.MethodPost, "/api/leak/reconcile"); rw.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for config errors, got %d", rw.Code)
	}

	rel.err = errors.New("db down")
	if rw := do(s, http.MethodPost, "/api/leak/reconcile"); rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for registry errors, got %d", rw.Code)
	}
	if rw := do(s, http.MethodGet, "/api/leak/reconcile"); rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rw.Code)
	}
}
