package api

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"ytbatch/backend"
)

// Resolver resolves display metadata for one item reference.
type Resolver interface {
	Resolve(ctx context.Context, videoID string) (*backend.Metadata, error)
}

// Expander expands a playlist reference, emitting items incrementally.
type Expander interface {
	Expand(ctx context.Context, playlistID string, emit func(backend.PlaylistItem)) (*backend.PlaylistHead, error)
}

// Streamer serves one retrieval request into a sink.
type Streamer interface {
	Serve(ctx context.Context, videoID string, expr backend.FormatExpression, sink io.Writer) error
}

// Server is the HTTP API server.
type Server struct {
	router   chi.Router
	config   *backend.Config
	resolver Resolver
	expander Expander
	streams  Streamer
	jobs     *backend.Controller
	log      zerolog.Logger

	subMu sync.Mutex
	subs  map[chan backend.JobEvent]struct{}
}

// NewServer wires the API routes and middleware.
func NewServer(cfg *backend.Config, resolver Resolver, expander Expander, streams Streamer, jobs *backend.Controller) *Server {
	s := &Server{
		config:   cfg,
		resolver: resolver,
		expander: expander,
		streams:  streams,
		jobs:     jobs,
		log:      backend.WithComponent("api"),
		subs:     make(map[chan backend.JobEvent]struct{}),
	}
	jobs.SetEventCallback(s.broadcastJobEvent)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/info", s.handleInfo)
		r.Get("/playlist", s.handlePlaylist)

		// Retrieval is the expensive path; rate limit it per client.
		r.Group(func(r chi.Router) {
			if cfg.RateLimitPerMinute > 0 {
				r.Use(httprate.Limit(
					cfg.RateLimitPerMinute,
					time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP),
				))
			}
			r.Get("/download", s.handleDownload)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/events", s.handleJobEvents)
			r.Post("/", s.handleAddJobs)
			r.Post("/clear", s.handleClearJobs)
			r.Post("/retry", s.handleRetryFailed)
			r.Post("/download-all", s.handleDownloadAll)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleRemoveJob)
			r.Post("/{id}/retry", s.handleRetryJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the root http handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// broadcastJobEvent fans a job event out to every subscribed event stream.
// Slow subscribers drop events rather than blocking the controller.
func (s *Server) broadcastJobEvent(event backend.JobEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Server) subscribeJobEvents() chan backend.JobEvent {
	ch := make(chan backend.JobEvent, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Server) unsubscribeJobEvents(ch chan backend.JobEvent) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

// requestLogger logs one line per request with latency and status.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}

// corsMiddleware allows browser clients from any origin; the service carries
// no credentials.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
