package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/queue"
	"github.com/ashita-ai/xray/internal/storage"
)

// JobQueue is the part of queue.Queue the HTTP layer uses: enqueue for
// writes, plus the dead-letter operations.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType model.JobType, payload any) (queue.Job, error)
	DeadLetters(ctx context.Context, f queue.DeadLetterFilter) ([]queue.Job, error)
	Retry(ctx context.Context, id string) error
	Stats(ctx context.Context) (map[queue.Status]int, error)
}

// Querier serves the read endpoints. Implemented by query.Service.
type Querier interface {
	HighRejectionSteps(ctx context.Context, threshold float64, limit int) ([]model.HighRejectionStep, error)
	GetRun(ctx context.Context, id string) (model.RunDetail, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error)
	GetStep(ctx context.Context, id string) (model.StepDetail, error)
	ListSteps(ctx context.Context, f model.StepFilter) ([]model.StepWithSummary, error)
}

// Pinger reports whether the entity store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	queue               JobQueue
	querier             Querier
	db                  Pinger
	validator           *model.Validator
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	now                 func() time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// DB and OpenAPISpec are optional.
type HandlersDeps struct {
	Queue               JobQueue
	Querier             Querier
	DB                  Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		queue:               d.Queue,
		querier:             d.Querier,
		db:                  d.DB,
		validator:           model.NewValidator(),
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		now:                 time.Now,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Queue:    "ok",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			resp.Postgres = "disconnected"
			resp.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		resp.Queue = "unavailable"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		resp.QueueDepth = make(map[string]int, len(stats))
		for status, n := range stats {
			resp.QueueDepth[string(status)] = n
		}
		if stats[queue.StatusDead] > 0 && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps an error from the queue, the query service or
// validation onto the API error envelope.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error(), verr.Fields)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, msg+": not found")
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, queue.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, msg+": service unavailable")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// writeInternalError logs err and writes an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func invalidParam(name, message string) error {
	return &model.ValidationError{Fields: []model.FieldError{{Field: name, Rule: "format", Message: message}}}
}

// pathID returns a path parameter holding a caller-supplied identifier.
func pathID(r *http.Request, name string) (string, error) {
	id := r.PathValue(name)
	if id == "" || len(id) > 256 {
		return "", invalidParam(name, name+" must be 1 to 256 characters")
	}
	return id, nil
}

// queryInt parses an integer query parameter; absent means defaultVal.
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidParam(key, key+" must be an integer")
	}
	return n, nil
}

// queryFloat parses a float query parameter; absent means defaultVal.
func queryFloat(r *http.Request, key string, defaultVal float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, invalidParam(key, key+" must be a number")
	}
	return f, nil
}
