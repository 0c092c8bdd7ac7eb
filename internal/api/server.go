// Package api exposes the HTTP surface of the dispatch service: health probes,
// Prometheus metrics and the endpoint that queues dispatch tasks.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"wa-broadcast-workers/internal/common/logger"
	"wa-broadcast-workers/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type TaskQueue interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}) (string, error)
	EnqueueAt(ctx context.Context, taskType string, payload interface{}, at time.Time) (string, error)
	Depth(ctx context.Context) (queue.Depth, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type Options struct {
	Queue          TaskQueue
	Dependencies   map[string]Pinger
	AllowedOrigins []string
	Logger         logger.Logger
	Version        string
}

type Server struct {
	queue          TaskQueue
	dependencies   map[string]Pinger
	allowedOrigins []string
	logger         logger.Logger
	version        string
	now            func() time.Time
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Server{
		queue:          opts.Queue,
		dependencies:   opts.Dependencies,
		allowedOrigins: opts.AllowedOrigins,
		logger:         log,
		version:        opts.Version,
		now:            time.Now,
	}
}

// Router builds the chi router. CORS is applied only when origins are configured.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/broadcasts/dispatch", s.handleDispatch)
		r.Get("/queue/depth", s.handleQueueDepth)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("HTTP request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"durationMs": time.Since(start).Milliseconds(),
			"requestId":  middleware.GetReqID(r.Context()),
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.dependencies))
	status := http.StatusOK
	for name, dep := range s.dependencies {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, status, map[string]interface{}{"checks": checks})
}

func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	if len(details) > 0 {
		body["error"].(map[string]interface{})["details"] = details
	}
	writeJSON(w, status, body)
}
