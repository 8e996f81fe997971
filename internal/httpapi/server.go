package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/config"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/reconcile"
)

type Repository interface {
	List(ctx context.Context) ([]model.Accessory, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Accessory, error)
}

type Reloader interface {
	Reload(ctx context.Context) (reconcile.Result, error)
}

type Server struct {
	repo     Repository
	reloader Reloader
	realtime http.Handler
	metrics  http.Handler
}

// New builds the API. realtime and metrics may be nil.
func New(repo Repository, reloader Reloader, realtime, metrics http.Handler) *Server {
	return &Server{repo: repo, reloader: reloader, realtime: realtime, metrics: metrics}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/leak", func(r chi.Router) {
		r.Get("/accessories", s.handleListAccessories)
		r.Get("/accessories/{identity}", s.handleGetAccessory)
		r.Post("/reconcile", s.handleReconcile)
		if s.realtime != nil {
			r.Handle("/ws", s.realtime)
		}
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// accessoryView leaves out endpoint headers, which may carry credentials.
type accessoryView struct {
	Identity       string     `json:"identity"`
	Name           string     `json:"name"`
	Manufacturer   string     `json:"manufacturer,omitempty"`
	Model          string     `json:"model,omitempty"`
	Serial         string     `json:"serial,omitempty"`
	SensorService  bool       `json:"sensor_service"`
	LeakDetected   *bool      `json:"leak_detected,omitempty"`
	LastReadingAt  *time.Time `json:"last_reading_at,omitempty"`
	EndpointURL    string     `json:"endpoint_url,omitempty"`
	UpdateInterval int        `json:"update_interval,omitempty"`
}

func viewOf(acc model.Accessory) accessoryView {
	v := accessoryView{
		Identity:      acc.Identity.String(),
		Name:          acc.DisplayName,
		Manufacturer:  acc.Manufacturer,
		Model:         acc.Model,
		Serial:        acc.Serial,
		SensorService: acc.SensorService,
		LeakDetected:  acc.LeakDetected,
		LastReadingAt: acc.LastReadingAt,
	}
	if d, ok, err := acc.Device(); err == nil && ok {
		v.EndpointURL = d.Endpoint.URL
		v.UpdateInterval = d.UpdateInterval
	}
	return v
}

func (s *Server) handleListAccessories(w http.ResponseWriter, r *http.Request) {
	accs, err := s.repo.List(r.Context())
	if err != nil {
		slog.Error("list accessories failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list accessories"})
		return
	}
	out := make([]accessoryView, 0, len(accs))
	for _, acc := range accs {
		out = append(out, viewOf(acc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accessories": out})
}

func (s *Server) handleGetAccessory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "identity"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid identity"})
		return
	}
	acc, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("get accessory failed", "identity", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load accessory"})
		return
	}
	if acc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "accessory not found"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*acc))
}

func names(accs []model.Accessory) []string {
	out := make([]string, 0, len(accs))
	for _, a := range accs {
		out = append(out, a.DisplayName)
	}
	return out
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.reloader.Reload(r.Context())
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("reconcile failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reconcile failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registered": names(res.Registered),
		"updated":    names(res.Updated),
		"removed":    names(res.Removed),
		"live":       res.Live,
	})
}
