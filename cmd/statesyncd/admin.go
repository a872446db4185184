package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/statesync/audit"
	"github.com/hazyhaar/statesync/backup"
	"github.com/hazyhaar/statesync/connectivity"
	"github.com/hazyhaar/statesync/engine"
	"github.com/hazyhaar/statesync/kit"
	"github.com/hazyhaar/statesync/shield"
	"github.com/hazyhaar/statesync/snapshot"
	"github.com/hazyhaar/statesync/watch"
)

// server is the admin HTTP API over one engine.
type server struct {
	eng      *engine.Engine
	ws       *workspace
	observer *connectivity.Observer
	audit    *audit.SQLiteLogger
	prober   *connectivity.Prober
	watcher  *watch.Watcher
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// wrap returns the audit middleware for action, or nil when auditing is off.
func (s *server) wrap(action string) kit.Middleware {
	if s.audit == nil {
		return nil
	}
	return audit.Middleware(s.audit, action)
}

// call runs fn as an endpoint, through the audit middleware when enabled.
func (s *server) call(ctx context.Context, action string, req any, fn kit.Endpoint) (any, error) {
	if mw := s.wrap(action); mw != nil {
		fn = mw(fn)
	}
	return fn(ctx, req)
}

// requestContext copies chi's request id and the remote address into the
// kit context keys the audit trail reads.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, requestContext)
	r.Use(shield.AdminStack(shield.DefaultMaxBody)...)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Post("/changes", s.handleChanges)
		r.Get("/working", s.handleGetWorking)
		r.Put("/working", s.handlePutWorking)
		r.Get("/conflicts", s.handleConflicts)
		r.Post("/conflicts/resolve", s.handleResolve)
		r.Get("/backups", s.handleListBackups)
		r.Post("/backups", s.handleCreateBackup)
		r.Post("/backups/cleanup", s.handleCleanup)
		r.Post("/backups/{id}/restore", s.handleRestore)
		r.Post("/signals/online", s.handleOnline)
		r.Post("/signals/visible", s.handleVisible)
		if s.audit != nil {
			r.Get("/audit/{kind}/{id}", s.handleAudit)
		}
	})
	return r
}

type statusResponse struct {
	engine.Status
	Probe map[string]any `json:"probe,omitempty"`
	Watch *watch.Stats   `json:"watch,omitempty"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: s.eng.Status()}
	if s.prober != nil {
		resp.Probe = s.prober.Status()
	}
	if s.watcher != nil {
		st := s.watcher.Stats()
		resp.Watch = &st
	}
	writeJSON(w, 200, resp)
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	var res engine.Result
	s.call(r.Context(), "sync", nil, func(ctx context.Context, _ any) (any, error) {
		current, err := s.ws.source(ctx)
		if err != nil {
			return nil, err
		}
		res = s.eng.PerformSync(ctx, current, nil)
		if !res.Success {
			return res, errors.New(res.Message)
		}
		return res, nil
	})
	switch {
	case res.Success:
		writeJSON(w, 200, res)
	case res.Message == engine.ErrSyncInProgress.Error():
		writeJSON(w, 409, res)
	default:
		writeJSON(w, 500, res)
	}
}

func (s *server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var req engine.Marker
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if !req.Kind.Valid() {
		writeJSON(w, 400, map[string]string{"error": "unknown kind " + string(req.Kind)})
		return
	}
	s.eng.MarkChanged(req.Kind, req.EntityID)
	writeJSON(w, 202, map[string]int{"pending": s.eng.Status().PendingCount})
}

func (s *server) handleGetWorking(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, 200, s.ws.get())
}

func (s *server) handlePutWorking(w http.ResponseWriter, r *http.Request) {
	var next snapshot.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, 400, err)
		return
	}
	changed := s.ws.put(&next)
	for _, m := range changed {
		s.eng.MarkChanged(m.Kind, m.EntityID)
	}
	writeJSON(w, 200, map[string]any{"changed": changed})
}

func (s *server) handleConflicts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, 200, s.eng.PendingConflicts())
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolutions []engine.ResolutionRequest `json:"resolutions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	resolutions, err := s.eng.DecodeResolutions(req.Resolutions)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	resp, err := s.call(r.Context(), "resolve_conflicts", req, func(ctx context.Context, _ any) (any, error) {
		current, err := s.ws.source(ctx)
		if err != nil {
			return nil, err
		}
		_, report, err := s.eng.ResolvePendingConflicts(ctx, resolutions, current)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"applied":   len(report.Applied),
			"unmatched": report.Unmatched,
			"remaining": len(s.eng.PendingConflicts()),
		}, nil
	})
	if err != nil {
		writeError(w, 422, err)
		return
	}
	writeJSON(w, 200, resp)
}

func (s *server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	infos, err := s.eng.AvailableBackups(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if infos == nil {
		infos = []backup.Info{}
	}
	writeJSON(w, 200, infos)
}

func (s *server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	resp, err := s.call(r.Context(), "create_backup", nil, func(ctx context.Context, _ any) (any, error) {
		current, err := s.ws.source(ctx)
		if err != nil {
			return nil, err
		}
		id, err := s.eng.CreateBackup(ctx, current)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	})
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 201, resp)
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	resp, err := s.call(r.Context(), "cleanup_backups", nil, func(ctx context.Context, _ any) (any, error) {
		n, err := s.eng.CleanupOldBackups(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": n}, nil
	})
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, resp)
}

func (s *server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, err := s.call(r.Context(), "restore_backup", map[string]string{"id": id}, func(ctx context.Context, _ any) (any, error) {
		restored, err := s.eng.RestoreFromBackup(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "entities": restored.Count()}, nil
	})
	switch {
	case backup.IsNotFound(err):
		writeError(w, 404, err)
	case errors.Is(err, backup.ErrCorrupted):
		writeError(w, 422, err)
	case err != nil:
		writeError(w, 500, err)
	default:
		writeJSON(w, 200, resp)
	}
}

func (s *server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	s.observer.SetOnline(req.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleVisible(w http.ResponseWriter, _ *http.Request) {
	s.observer.NotifyVisible()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.audit.Query(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "id"), 0)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, 200, entries)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
