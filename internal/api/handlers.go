package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ytbatch/backend"
)

type errorResponse struct {
	Error string `json:"error"`
}

type playlistResponse struct {
	Title  string                 `json:"title"`
	Author string                 `json:"author,omitempty"`
	Total  int                    `json:"total"`
	Items  []backend.PlaylistItem `json:"items"`
}

type addJobsRequest struct {
	Text    string `json:"text"`
	Kind    string `json:"kind"`
	Quality string `json:"quality"`
}

type addJobsResponse struct {
	IDs []string `json:"ids"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := backend.CheckWorker(r.Context(), s.config.WorkerPath)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"worker": status,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	ref := backend.Classify(r.URL.Query().Get("ref"))
	if ref.Kind != backend.RefSingle {
		writeError(w, http.StatusBadRequest, "ref must be a single video link or ID")
		return
	}

	meta, err := s.resolver.Resolve(r.Context(), ref.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("ref", ref.ID).Msg("metadata resolution failed")
		writeError(w, resolveStatus(err), "could not resolve video metadata")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	ref := backend.Classify(r.URL.Query().Get("ref"))
	if ref.Kind != backend.RefPlaylist {
		writeError(w, http.StatusBadRequest, "ref must be a playlist link or ID")
		return
	}

	var items []backend.PlaylistItem
	head, err := s.expander.Expand(r.Context(), ref.ID, func(item backend.PlaylistItem) {
		items = append(items, item)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("ref", ref.ID).Msg("playlist expansion failed")
		writeError(w, http.StatusBadGateway, "could not expand playlist")
		return
	}

	resp := playlistResponse{Total: len(items), Items: items}
	if resp.Items == nil {
		resp.Items = []backend.PlaylistItem{}
	}
	if head != nil {
		resp.Title = head.Title
		resp.Author = head.Author
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ref := backend.Classify(r.URL.Query().Get("ref"))
	if ref.Kind != backend.RefSingle {
		writeError(w, http.StatusBadRequest, "ref must be a single video link or ID")
		return
	}

	kind, err := backend.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		kind, _ = backend.ParseKind(s.config.DefaultKind)
	}
	quality := r.URL.Query().Get("quality")
	if quality == "" {
		quality = backend.DefaultQuality(kind)
	}
	expr, err := backend.BuildExpression(kind, quality)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Resolution runs before the stream opens so a failure can still get a
	// clean error response.
	meta, err := s.resolver.Resolve(r.Context(), ref.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("ref", ref.ID).Msg("metadata resolution failed")
		writeError(w, resolveStatus(err), "could not resolve video metadata")
		return
	}
	title := meta.Title
	if title == "" {
		title = ref.ID
	}
	name := backend.SanitizeFileName(title) + backend.ExtensionFor(kind)

	w.Header().Set("Content-Type", backend.ContentTypeFor(kind))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	if err := s.streams.Serve(r.Context(), ref.ID, expr, w); err != nil {
		var serr *backend.StreamError
		if errors.As(err, &serr) && !serr.Flushed {
			// No byte went out; drop the attachment header so the error body
			// is not saved as a download.
			w.Header().Del("Content-Disposition")
			writeError(w, http.StatusBadGateway, "retrieval failed: "+serr.Reason)
			return
		}
		// Bytes already reached the client; the truncated body is the only
		// signal we can still send.
		s.log.Warn().Err(err).Str("ref", ref.ID).Msg("stream aborted after first byte")
	}
}

// handleJobEvents streams job change events as server-sent events so clients
// can follow the list without polling.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.subscribeJobEvents()
	defer s.unsubscribeJobEvents(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	entries := s.jobs.List()
	if entries == nil {
		entries = []backend.JobEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAddJobs(w http.ResponseWriter, r *http.Request) {
	var req addJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	kind, err := backend.ParseKind(req.Kind)
	if err != nil {
		kind, _ = backend.ParseKind(s.config.DefaultKind)
	}
	quality := req.Quality
	if quality == "" {
		quality = backend.DefaultQuality(kind)
	}
	if _, err := backend.BuildExpression(kind, quality); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := s.jobs.AddBatch(req.Text, kind, quality)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusAccepted, addJobsResponse{IDs: ids})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	entry := s.jobs.Get(chi.URLParam(r, "id"))
	if entry == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobs.Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Retry(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n := s.jobs.RetryFailed()
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	var n int
	if r.URL.Query().Get("all") == "true" {
		n = s.jobs.ClearAll()
	} else {
		n = s.jobs.ClearFinished()
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	n := s.jobs.DownloadAll(s.trigger())
	writeJSON(w, http.StatusAccepted, map[string]int{"scheduled": n})
}

// trigger builds the job download trigger used by bulk scheduling. It saves
// each item into the configured output directory.
func (s *Server) trigger() backend.TriggerFunc {
	return backend.SaveTrigger(s.config, s.streams.Serve)
}

func resolveStatus(err error) int {
	var rerr *backend.ResolveError
	if errors.As(err, &rerr) {
		switch rerr.Kind {
		case backend.ResolveNotFound:
			return http.StatusNotFound
		case backend.ResolveMalformed:
			return http.StatusBadGateway
		}
	}
	return http.StatusServiceUnavailable
}
