// Package admin exposes the worker's operational HTTP surface: health,
// an active-fence status dump, and manual stop-fence control.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/fenceline/internal/fence"
	"github.com/thebtf/fenceline/internal/kv"
	"github.com/thebtf/fenceline/pkg/models"
)

const httpTimeout = 30 * time.Second

// Server serves the admin API.
type Server struct {
	store  kv.Store
	dbPing func() error
	server *http.Server
	log    zerolog.Logger
}

// NewServer builds the admin server on addr. dbPing may be nil when the
// worker runs without a relational store.
func NewServer(addr string, store kv.Store, dbPing func() error) *Server {
	s := &Server{
		store:  store,
		dbPing: dbPing,
		log:    log.With().Str("component", "admin").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(httpTimeout))
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/fences", s.handleFences)
	r.Post("/api/fences/{family}/{entity}/stop", s.handleSetStop)
	r.Delete("/api/fences/{family}/{entity}/stop", s.handleClearStop)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Admin API listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"kv": "ok", "db": "ok"}
	status := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		checks["kv"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.dbPing != nil {
		if err := s.dbPing(); err != nil {
			checks["db"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	} else {
		checks["db"] = "disabled"
	}
	writeJSON(w, status, checks)
}

type fenceStatus struct {
	Key               string               `json:"key"`
	Family            models.JobFamily     `json:"family"`
	Entity            string               `json:"entity"`
	Payload           *models.FencePayload `json:"payload,omitempty"`
	Remaining         int64                `json:"remaining"`
	Progress          int64                `json:"progress"`
	GeneratorComplete bool                 `json:"generator_complete"`
	Stopped           bool                 `json:"stopped"`
	Error             string               `json:"error,omitempty"`
}

func (s *Server) handleFences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := fence.ActiveFences(ctx, s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]fenceStatus, 0, len(keys))
	for _, key := range keys {
		family, entity, ok := fence.ParseKey(key)
		if !ok {
			continue
		}
		st := fenceStatus{Key: key, Family: family, Entity: entity.String()}
		f := fence.New(s.store, family, entity)

		if st.Payload, err = f.Payload(ctx); err != nil {
			st.Error = err.Error()
		}
		if st.Remaining, err = f.Remaining(ctx); err != nil && st.Error == "" {
			st.Error = err.Error()
		}
		st.Progress, _ = f.Progress(ctx)
		_, st.GeneratorComplete, _ = f.GeneratorComplete(ctx)
		st.Stopped, _ = f.Stopped(ctx)
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fences": out})
}

func (s *Server) fenceFromURL(r *http.Request) (*fence.Fence, error) {
	family := models.JobFamily(chi.URLParam(r, "family"))
	if !family.IsValid() {
		return nil, fmt.Errorf("unknown job family %q", family)
	}
	entity, err := models.ParseEntityRef(r.URL.Query().Get("tenant"), chi.URLParam(r, "entity"))
	if err != nil {
		return nil, err
	}
	return fence.New(s.store, family, entity), nil
}

func (s *Server) handleSetStop(w http.ResponseWriter, r *http.Request) {
	f, err := s.fenceFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := f.SetStop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("fence", f.Key()).Msg("Stop fence set via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleClearStop(w http.ResponseWriter, r *http.Request) {
	f, err := s.fenceFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := f.ClearStop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("fence", f.Key()).Msg("Stop fence cleared via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
