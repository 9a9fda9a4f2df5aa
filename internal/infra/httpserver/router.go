package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	appscans "github.com/bryanwahyu/codeprobe/internal/application/scans"
	domai "github.com/bryanwahyu/codeprobe/internal/domain/ai"
	"github.com/bryanwahyu/codeprobe/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
	"github.com/bryanwahyu/codeprobe/internal/middleware"
)

const defaultMaxUpload = 512 << 20

// ScanService is what the HTTP layer needs from the scan use-cases.
type ScanService interface {
	Submit(ctx context.Context, archive io.Reader) (domain.SessionID, error)
	Get(ctx context.Context, id domain.SessionID) (domain.Snapshot, error)
	Cancel(ctx context.Context, id domain.SessionID) (domain.Snapshot, error)
	Report(ctx context.Context, id domain.SessionID) (*appscans.Report, error)
	StepErrors(ctx context.Context, id domain.SessionID, limit int) ([]*scanerrors.ScanError, error)
}

type Options struct {
	MaxUploadBytes int64
	AllowedOrigins []string
	Limiter        *middleware.RateLimiter
	Metrics        *middleware.Metrics
	Health         map[string]middleware.HealthChecker
	Sessions       middleware.SessionCounter
	Engine         middleware.HealthChecker
	Logger         *slog.Logger
}

type Router struct {
	scansSvc  ScanService
	maxUpload int64
	logger    *slog.Logger
}

func NewRouter(scansSvc ScanService, opts Options) http.Handler {
	r := &Router{scansSvc: scansSvc, maxUpload: opts.MaxUploadBytes, logger: opts.Logger}
	if r.maxUpload <= 0 {
		r.maxUpload = defaultMaxUpload
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	mux := chi.NewRouter()
	if opts.Metrics != nil {
		mux.Use(opts.Metrics.Middleware)
	}
	mux.Use(middleware.Logging(r.logger))
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/health", middleware.HealthHandler(opts.Health, opts.Sessions))
	mux.Get("/ready", middleware.ReadinessHandler(opts.Engine))
	if opts.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	mux.Route("/v1/scans", func(rt chi.Router) {
		rt.Group(func(g chi.Router) {
			if opts.Limiter != nil {
				g.Use(opts.Limiter.Middleware)
			}
			g.Post("/", r.wrap(r.handleSubmit))
		})
		rt.Route("/{id}", func(one chi.Router) {
			one.Get("/", r.wrap(r.handleGet))
			one.Delete("/", r.wrap(r.handleCancel))
			one.Post("/cancel", r.wrap(r.handleCancel))
			one.Get("/report", r.wrap(r.handleReport))
			one.Get("/errors", r.wrap(r.handleErrors))
		})
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var (
			bad    badRequest
			intake *domain.IntakeError
			tooBig *http.MaxBytesError
		)
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "scan not found")
		case errors.Is(err, domain.ErrReportNotReady):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &tooBig):
			writeError(w, http.StatusRequestEntityTooLarge, "archive too large")
		case errors.As(err, &bad), errors.As(err, &intake):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domai.ErrQuotaExceeded):
			writeError(w, http.StatusTooManyRequests, "ai quota exceeded")
		default:
			r.logger.Error("handler error", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
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

func scanID(req *http.Request) (domain.SessionID, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateScanID(id); err != nil {
		return "", badRequest{err.Error()}
	}
	return domain.SessionID(id), nil
}

// POST /v1/scans
// multipart field "file", or a raw body with Content-Type application/zip
func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload)

	var archive io.Reader
	ct := req.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/zip"):
		archive = req.Body
	case strings.HasPrefix(ct, "multipart/form-data"):
		file, header, err := req.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return err
			}
			return badRequest{"multipart field \"file\" is required"}
		}
		defer file.Close()
		if err := middleware.ValidateArchiveName(header.Filename); err != nil {
			return badRequest{err.Error()}
		}
		archive = file
	default:
		return badRequest{"upload a zip archive as multipart field \"file\" or application/zip body"}
	}

	id, err := r.scansSvc.Submit(req.Context(), archive)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": domain.PhaseWaiting,
		"poll":   "/v1/scans/" + string(id),
	})
}

// GET /v1/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}
	snap, err := r.scansSvc.Get(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, snap)
}

// POST /v1/scans/{id}/cancel, DELETE /v1/scans/{id}
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}
	snap, err := r.scansSvc.Cancel(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, snap)
}

// GET /v1/scans/{id}/report
func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}
	rep, err := r.scansSvc.Report(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rep)
}

// GET /v1/scans/{id}/errors?limit=20
func (r *Router) handleErrors(w http.ResponseWriter, req *http.Request) error {
	id, err := scanID(req)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.scansSvc.StepErrors(req.Context(), id, middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}
