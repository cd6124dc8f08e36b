// Package gateway is the HTTP boundary: incident intake, status queries,
// workflow event streams, health and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-triage/internal/bus"
	"github.com/basket/go-triage/internal/config"
	"github.com/basket/go-triage/internal/engine"
	otelPkg "github.com/basket/go-triage/internal/otel"
	"github.com/basket/go-triage/internal/shared"
	"github.com/basket/go-triage/internal/storage"
	"github.com/basket/go-triage/internal/taskqueue"
	"github.com/basket/go-triage/internal/workflow"
)

// DefaultMaxBodyBytes caps an incident report.
const DefaultMaxBodyBytes = 1 << 20

const healthProbeKey = "health:probe"

// StatusReporter is satisfied by *engine.Engine.
type StatusReporter interface {
	Status() engine.Status
}

type Config struct {
	Service *workflow.Service
	Store   storage.Store
	Queue   taskqueue.Queue
	Engine  StatusReporter
	Bus     *bus.Bus

	RateLimit config.RateLimitConfig

	// AllowOrigins controls accepted Origin headers for event stream
	// websockets. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config reported by /healthz.
	ConfigFingerprint string

	MaxBodyBytes int64
	Metrics      *otelPkg.Metrics
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

type Server struct {
	cfg     Config
	limiter *RateLimiter
	logger  *slog.Logger
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.Noop().Tracer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
	}
}

// RateLimiter exposes the intake limiter so the caller can start eviction.
func (s *Server) RateLimiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/incidents", s.limiter.Wrap(http.HandlerFunc(s.handleSubmit)))
	mux.HandleFunc("GET /api/workflows/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/workflows/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s.traced(mux)
}

// traced gives every request a trace id and a server span.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		ctx, span := otelPkg.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "incident report too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	sub, err := s.cfg.Service.Submit(r.Context(), string(body))
	if errors.Is(err, workflow.ErrEmptyIncident) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("submit failed", "error", err, "trace_id", shared.TraceID(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "could not accept incident")
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow id required")
		return
	}
	view, err := s.cfg.Service.Query(r.Context(), id)
	if err != nil {
		s.logger.Error("status query failed", "workflow_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	storeOK := s.probeStore(r.Context()) == nil
	payload := map[string]any{
		"healthy":            storeOK,
		"store_ok":           storeOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	}
	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) probeStore(ctx context.Context) error {
	if s.cfg.Store == nil {
		return errors.New("no store configured")
	}
	want := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.cfg.Store.SaveTTL(ctx, healthProbeKey, want, time.Minute); err != nil {
		return err
	}
	got, found, err := storage.GetString(ctx, s.cfg.Store, healthProbeKey)
	if err != nil {
		return err
	}
	if !found || got != want {
		return fmt.Errorf("health probe read back %q", got)
	}
	return nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"alloc_bytes":     mem.Alloc,
		"goroutines":      runtime.NumGoroutine(),
		"bus_subscribers": s.cfg.Bus.SubscriberCount(),
	}
	if s.cfg.Engine != nil {
		payload["engine"] = s.cfg.Engine.Status()
	}
	if s.cfg.Queue != nil {
		if depth, err := s.cfg.Queue.Len(r.Context()); err == nil {
			payload["queue_depth"] = depth
		} else {
			payload["queue_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
