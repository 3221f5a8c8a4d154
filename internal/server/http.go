package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/joseph-ayodele/neuroscan/internal/async"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/export"
	"github.com/joseph-ayodele/neuroscan/internal/services/analysis"
	"github.com/joseph-ayodele/neuroscan/internal/storage"
)

// RequestIDHeader carries the caller's trace id; one is generated when absent.
const RequestIDHeader = "X-Request-ID"

// Pinger reports database reachability.
type Pinger interface {
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

// HTTPHandler serves the REST API, stored artifacts and health.
type HTTPHandler struct {
	analysis       *analysis.Service
	export         *export.Service
	files          *storage.FSStore
	db             Pinger
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewHTTPHandler wires the REST transport. files and db may be nil.
func NewHTTPHandler(svc *analysis.Service, exp *export.Service, files *storage.FSStore, db Pinger, maxUploadBytes int64, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		analysis:       svc,
		export:         exp,
		files:          files,
		db:             db,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Router returns a router with every route registered.
func (h *HTTPHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestLogger)
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the API routes on router.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1/analyses").Subrouter()

	api.HandleFunc("", h.SubmitAnalysis).Methods(http.MethodPost)
	api.HandleFunc("", h.ListAnalyses).Methods(http.MethodGet)
	// registered before /{id} so the literal path wins
	api.HandleFunc("/export.xlsx", h.ExportAnalyses).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.GetAnalysis).Methods(http.MethodGet)

	router.HandleFunc("/files/{bucket}/{key:.+}", h.ServeFile).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
}

// GetAnalysis returns the status view of one session.
// GET /api/v1/analyses/{id}
func (h *HTTPHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["id"]
	view, err := h.analysis.Status(r.Context(), ref)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// ListAnalyses lists sessions newest first.
// GET /api/v1/analyses?limit=50&offset=0
func (h *HTTPHandler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := getQueryInt(r, "limit", 50)
	offset := getQueryInt(r, "offset", 0)

	sessions, err := h.analysis.List(r.Context(), limit, offset)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
		"count":    len(sessions),
	})
}

// ServeFile serves a stored artifact.
// GET /files/{bucket}/{key}
func (h *HTTPHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		respondError(w, http.StatusNotFound, "file storage is not served here")
		return
	}
	vars := mux.Vars(r)
	p, err := h.files.Path(vars["bucket"], vars["key"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		respondError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, p)
}

// Health reports liveness and database reachability.
// GET /healthz
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context(), 2*time.Second); err != nil {
			h.logger.Warn("http.health.db.failed", "err", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "database": err.Error()})
			return
		}
		body["database"] = "ok"
	}
	respondJSON(w, http.StatusOK, body)
}

// requestLogger attaches a request id and logs each request.
func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rid := r.Header.Get(RequestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, rid)
		log := h.logger.With("request_id", rid)
		ctx := common.WithLogger(common.WithRequestID(r.Context(), rid), log)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		log.Info("http.request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// statusFor maps application errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidInput), errors.Is(err, common.ErrValidation),
		errors.Is(err, common.ErrInput), errors.Is(err, common.ErrFormat):
		return http.StatusBadRequest
	case errors.Is(err, async.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log := common.LoggerFromContext(r.Context(), h.logger)
	if code >= http.StatusInternalServerError {
		log.Error("http.request.failed", "path", r.URL.Path, "err", err)
		respondError(w, code, http.StatusText(code))
		return
	}
	log.Warn("http.request.rejected", "path", r.URL.Path, "status", code, "err", err)
	respondError(w, code, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"error": message})
}

func getQueryInt(r *http.Request, key string, defaultValue int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
