// Package rest exposes the cache admin API: stats, history, cleanups, and
// synchronous batch downloads.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hubfetch/hubfetch/internal/cache"
	"github.com/hubfetch/hubfetch/internal/downloader"
	"github.com/hubfetch/hubfetch/internal/downloader/progress"
	"github.com/hubfetch/hubfetch/internal/hub"
	"github.com/hubfetch/hubfetch/internal/logctx"
	"github.com/hubfetch/hubfetch/internal/storage"
	"github.com/hubfetch/hubfetch/internal/telemetry"
)

// CacheAdmin is the cache surface the API exposes; *cache.Cache satisfies it.
type CacheAdmin interface {
	Stats() (cache.Stats, error)
	Clear() (int64, error)
	ClearRepo(repoID string) (int64, error)
	CleanPartial() (int64, error)
}

// BatchRunner fans a download batch out; *downloader.Pool satisfies it.
type BatchRunner interface {
	EnsureAll(ctx context.Context, requests []downloader.Request, sink progress.Sink) ([]downloader.Result, downloader.Summary)
}

// AdminHandler serves the admin API.
type AdminHandler struct {
	cache     CacheAdmin
	batch     BatchRunner
	history   storage.DownloadReadRepository
	telemetry *telemetry.Telemetry
}

// NewAdminHandler builds the handler; history and telemetry may be nil.
func NewAdminHandler(c CacheAdmin, batch BatchRunner, history storage.DownloadReadRepository, tel *telemetry.Telemetry) *AdminHandler {
	return &AdminHandler{cache: c, batch: batch, history: history, telemetry: tel}
}

// Routes wires the admin API router.
func (h *AdminHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/cache/stats", h.handleStats)
		r.Delete("/cache", h.handleClear)
		r.Delete("/cache/repos/{org}/{name}", h.handleClearRepo)
		r.Delete("/cache/partials", h.handleCleanPartial)

		r.Get("/downloads", h.handleHistory)
		r.Post("/downloads", h.handleBatchDownload)
	})

	return r
}

func (h *AdminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats()
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type bytesFreedResponse struct {
	BytesFreed int64 `json:"bytes_freed"`
}

func (h *AdminHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	freed, err := h.cache.Clear()
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, bytesFreedResponse{BytesFreed: freed})
}

func (h *AdminHandler) handleClearRepo(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "org") + "/" + chi.URLParam(r, "name")

	freed, err := h.cache.ClearRepo(repoID)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, bytesFreedResponse{BytesFreed: freed})
}

func (h *AdminHandler) handleCleanPartial(w http.ResponseWriter, r *http.Request) {
	freed, err := h.cache.CleanPartial()
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, bytesFreedResponse{BytesFreed: freed})
}

func (h *AdminHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []storage.DownloadRecord{})

		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})

			return
		}

		limit = parsed
	}

	records, err := h.history.GetHistory(limit)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if records == nil {
		records = []storage.DownloadRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

type batchFileRequest struct {
	RepoID   string `json:"repo_id"`
	Revision string `json:"revision"`
	Filename string `json:"filename"`
	Size     int64  `json:"size,omitempty"`
}

type batchRequest struct {
	Files []batchFileRequest `json:"files"`
}

type batchFileResult struct {
	RepoID   string `json:"repo_id"`
	Revision string `json:"revision"`
	Filename string `json:"filename"`
	Path     string `json:"path,omitempty"`
	Error    string `json:"error,omitempty"`
}

type batchResponse struct {
	Results   []batchFileResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// handleBatchDownload ensures every requested file is present, synchronously,
// and reports per-file outcomes in request order.
func (h *AdminHandler) handleBatchDownload(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})

		return
	}

	if len(req.Files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no files requested"})

		return
	}

	requests := make([]downloader.Request, 0, len(req.Files))

	for _, f := range req.Files {
		handle := hub.FileHandle{RepoID: f.RepoID, Revision: f.Revision, Filename: f.Filename}
		if err := handle.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

			return
		}

		var meta *hub.FileMetadata
		if f.Size > 0 {
			meta = &hub.FileMetadata{Size: f.Size}
		}

		requests = append(requests, downloader.Request{Handle: handle, Metadata: meta})
	}

	results, summary := h.batch.EnsureAll(r.Context(), requests, progress.Discard)

	resp := batchResponse{
		Results:   make([]batchFileResult, 0, len(results)),
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
	}

	for _, res := range results {
		out := batchFileResult{
			RepoID:   res.Handle.RepoID,
			Revision: res.Handle.Revision,
			Filename: res.Handle.Filename,
			Path:     res.Path,
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
			out.Path = ""
		}

		resp.Results = append(resp.Results, out)
	}

	status := http.StatusOK
	if summary.Failed > 0 {
		status = http.StatusMultiStatus
	}

	writeJSON(w, status, resp)
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logctx.LoggerFromContext(r.Context()).Error("admin api error", "path", r.URL.Path, "err", err)

	status := http.StatusInternalServerError

	var notFound *hub.NotFoundError
	if errors.As(err, &notFound) {
		status = http.StatusNotFound
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
