// Package httpapi serves read-only status and Prometheus metrics over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/folderindex/internal/storage"
	"github.com/dshills/folderindex/pkg/types"
)

// Source is the workspace view the handlers read from
type Source interface {
	ListFolders(ctx context.Context) ([]*types.Folder, error)
	Folder(ctx context.Context, id string) (*types.Folder, error)
	FolderStats(id string) (types.ProgressEvent, bool)
	Errors(folderPath string) []types.ErrorRecord
}

// Health is the /healthz body
type Health struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// FolderDTO is a folder with its current progress
type FolderDTO struct {
	types.Folder
	Stats *types.ProgressEvent `json:"stats,omitempty"`
}

type handlers struct {
	src Source
	log hclog.Logger
}

// NewRouter mounts the routes. metrics serves /metrics and may be nil.
func NewRouter(src Source, metrics http.Handler, log hclog.Logger) http.Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	h := &handlers{src: src, log: log.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", metrics)
	r.Route("/folders", func(r chi.Router) {
		r.Get("/", h.listFolders)
		r.Get("/{id}/stats", h.folderStats)
	})
	r.Get("/errors", h.listErrors)
	return r
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{Status: "ok", Time: time.Now()})
}

func (h *handlers) listFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := h.src.ListFolders(r.Context())
	if err != nil {
		h.log.Error("list folders", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]FolderDTO, 0, len(folders))
	for _, f := range folders {
		dto := FolderDTO{Folder: *f}
		if ev, ok := h.src.FolderStats(f.ID); ok {
			dto.Stats = &ev
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) folderStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.src.Folder(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "folder not found")
			return
		}
		h.log.Error("get folder", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	ev, ok := h.src.FolderStats(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no statistics for folder")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// listErrors filters by ?folder=<absolute path>; no filter lists all
func (h *handlers) listErrors(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder != "" {
		folder = types.NormalizePath(folder)
	}
	writeJSON(w, http.StatusOK, h.src.Errors(folder))
}
