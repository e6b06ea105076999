package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	appscans "github.com/bryanwahyu/scan-orchestrator/internal/application/scans"
	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
	"github.com/bryanwahyu/scan-orchestrator/internal/middleware"
)

const maxBodyBytes = 1 << 20

// Options configures the HTTP surface around the scan service.
type Options struct {
	Logger         *slog.Logger
	Metrics        *middleware.Metrics
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	KeepAlive      time.Duration
	HealthCheckers map[string]middleware.HealthChecker
	// Ready reports whether the server accepts new work; nil means always.
	Ready func() bool
}

type Router struct {
	scansSvc *appscans.Service
	logger   *slog.Logger
}

func NewRouter(scansSvc *appscans.Service, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{scansSvc: scansSvc, logger: logger}
	mux := chi.NewRouter()

	mux.Use(chimw.Recoverer)
	mux.Use(middleware.Logging(logger))
	if opts.Metrics != nil {
		mux.Use(opts.Metrics.Middleware)
	}
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Cache-Control", "Last-Event-ID"},
		MaxAge:         300,
	}))
	mux.Use(middleware.RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))

	mux.Get("/health", middleware.HealthHandler(opts.HealthCheckers))
	mux.Get("/healthz/live", middleware.LivenessHandler)
	mux.Get("/healthz/ready", middleware.ReadinessHandler(opts.Ready))
	if opts.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	gw := &Gateway{Source: scansSvc, KeepAlive: opts.KeepAlive, Logger: logger}
	if opts.Metrics != nil {
		gw.Observer = opts.Metrics
	}

	mux.Route("/api", func(rt chi.Router) {
		rt.Post("/scans/start", r.wrap(r.handleStart))
		rt.Get("/scans", r.wrap(r.handleList))
		rt.Get("/scans/{id}", r.wrap(r.handleGet))
		rt.Post("/scans/{id}/cancel", r.wrap(r.handleCancel))
		rt.Method(http.MethodGet, "/scans/{id}/stream", gw)
		rt.Get("/history", r.wrap(r.handleHistory))
	})

	return mux
}

// badRequest is a client error whose message is safe to echo.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var br badRequest
		switch {
		case errors.As(err, &br):
			writeError(w, http.StatusBadRequest, br.msg)
		case errors.Is(err, domain.ErrInvalidConfig):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "Scan not found")
		case errors.Is(err, domain.ErrHistoryDisabled):
			writeError(w, http.StatusNotFound, "Scan history is not enabled")
		case errors.Is(err, domain.ErrDuplicateID), errors.Is(err, domain.ErrHandleExists):
			writeError(w, http.StatusConflict, "A scan with this run name is already running")
		case errors.Is(err, domain.ErrLLMRejected):
			writeError(w, http.StatusBadRequest, "LLM provider rejected the supplied credentials or model")
		case errors.Is(err, domain.ErrLLMQuota):
			writeError(w, http.StatusTooManyRequests, "LLM provider quota exceeded")
		case errors.Is(err, domain.ErrSpawnFailure):
			r.logger.ErrorContext(req.Context(), "start scan", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to start scan")
		default:
			r.logger.ErrorContext(req.Context(), "request failed", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, map[string]string{"error": msg})
}

// scanID reads the {id} path parameter. Ids are run names, so anything that
// could not have been started is rejected up front.
func scanID(req *http.Request) (domain.ScanID, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateRunName(id); err != nil {
		return "", err
	}
	return domain.ScanID(id), nil
}

// POST /api/scans/start
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) error {
	var cfg domain.ScanConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		return badRequest{"Invalid request body"}
	}

	cfg.RunName = middleware.SanitizeString(cfg.RunName)
	cfg.Instruction = middleware.SanitizeString(cfg.Instruction)
	for i := range cfg.Targets {
		cfg.Targets[i].Original = middleware.SanitizeString(cfg.Targets[i].Original)
	}
	if err := middleware.ValidateScanConfig(cfg); err != nil {
		return err
	}

	id, err := r.scansSvc.StartScan(req.Context(), cfg)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"scanId":  id,
		"message": "Scan started successfully",
	})
}

// GET /api/scans
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	list, err := r.scansSvc.ListScans(req.Context())
	if err != nil {
		return err
	}
	if list == nil {
		list = []*domain.Scan{}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"success": true, "scans": list})
}

// GET /api/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}

	scan, err := r.scansSvc.GetScan(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"success": true, "scan": scan})
}

// POST /api/scans/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}

	if !r.scansSvc.CancelScan(req.Context(), id) {
		writeError(w, http.StatusNotFound, "Scan not found or already completed")
		return nil
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Scan cancelled successfully",
	})
}

// GET /api/history?limit=50
func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) error {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest{"limit must be a number"}
		}
		limit = n
	}

	list, err := r.scansSvc.ScanHistory(req.Context(), limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*domain.Scan{}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"success": true, "scans": list})
}
