package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/edirooss/wallflower/internal/domain/camera"
	mw "github.com/edirooss/wallflower/internal/http/middleware"
	"github.com/edirooss/wallflower/internal/infrastructure/go2rtc"
	"github.com/edirooss/wallflower/internal/infrastructure/processmgr"
	"github.com/edirooss/wallflower/internal/service"
	"github.com/edirooss/wallflower/internal/stream"
	"github.com/edirooss/wallflower/internal/transcript"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Workers is the lifecycle surface of the stream manager.
type Workers interface {
	StartWorker(ctx context.Context, id int64) (bool, error)
	StopWorker(ctx context.Context, id int64) bool
	RestartWorker(ctx context.Context, id int64) error
	ForceRetry(id int64) error
	ReconcileWithSource(ctx context.Context) error
	Status(id int64) (stream.Status, error)
	Transcripts(id int64) ([]transcript.Segment, error)
}

// TranscriptHistory reads persisted final transcripts.
type TranscriptHistory interface {
	Recent(ctx context.Context, cameraID int64, limit int64) ([]transcript.Record, error)
}

// URLResolver builds playback URLs for a proxy stream.
type URLResolver interface {
	URLsFor(name string) go2rtc.URLs
}

// CamerasHandler serves per-camera worker control and inspection.
//
// Supported operations:
//   - GET  /cameras/status            → All worker statuses (cached summary)
//   - GET  /cameras/:id/status        → One worker status
//   - POST /cameras/:id/start         → Start a worker
//   - POST /cameras/:id/stop          → Stop a worker
//   - POST /cameras/:id/restart       → Stop and start with fresh config
//   - POST /cameras/:id/retry         → Clear backoff and probe now
//   - POST /cameras/reconcile         → Converge workers with the camera source
//   - GET  /cameras/:id/transcripts   → Recent segments (?history=true for persisted finals)
//   - GET  /cameras/:id/logs          → Extractor stderr tail
//   - GET  /cameras/:id/urls          → Video proxy playback URLs
type CamerasHandler struct {
	log     *zap.Logger
	workers Workers
	summary *service.SummaryService
	logs    *processmgr.LogManager
	history TranscriptHistory
	urls    URLResolver

	reconcileTimeout time.Duration
}

// CamerasHandlerOptions carries the optional collaborators. Nil fields turn
// the matching routes into 404s.
type CamerasHandlerOptions struct {
	Logs    *processmgr.LogManager
	History TranscriptHistory
	URLs    URLResolver
	// ReconcileTimeout bounds POST /cameras/reconcile; default 60s.
	ReconcileTimeout time.Duration
}

func NewCamerasHandler(log *zap.Logger, workers Workers, summary *service.SummaryService, opts CamerasHandlerOptions) *CamerasHandler {
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = 60 * time.Second
	}
	return &CamerasHandler{
		log:              log.Named("cameras"),
		workers:          workers,
		summary:          summary,
		logs:             opts.Logs,
		history:          opts.History,
		urls:             opts.URLs,
		reconcileTimeout: opts.ReconcileTimeout,
	}
}

// StatusList handles GET /cameras/status.
//
// Status Codes:
//   - 200 OK → JSON array of summaries ordered by camera id
//   - 500 Internal Server Error
func (h *CamerasHandler) StatusList(c *gin.Context) {
	res, err := h.summary.Get(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	cache := "MISS"
	if res.CacheHit {
		cache = "HIT"
	}
	c.Header("X-Cache", cache)
	c.Header("X-Summary-Generated-At", res.GeneratedAt.UTC().Format(time.RFC3339Nano))
	c.Header("X-Total-Count", strconv.Itoa(len(res.Data)))
	if res.Data == nil {
		res.Data = []service.CameraSummary{}
	}
	c.JSON(http.StatusOK, res.Data)
}

// Status handles GET /cameras/:id/status.
func (h *CamerasHandler) Status(c *gin.Context) {
	st, err := h.workers.Status(mw.CameraID(c))
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Start handles POST /cameras/:id/start.
//
// Status Codes:
//   - 200 OK → {"started": bool}; false when the worker was already running
//   - 404 Not Found → camera not in the camera source
//   - 503 Service Unavailable → shutting down
func (h *CamerasHandler) Start(c *gin.Context) {
	id := mw.CameraID(c)
	started, err := h.workers.StartWorker(c.Request.Context(), id)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	h.summary.Invalidate()
	c.JSON(http.StatusOK, gin.H{"camera_id": id, "started": started})
}

// Stop handles POST /cameras/:id/stop.
func (h *CamerasHandler) Stop(c *gin.Context) {
	id := mw.CameraID(c)
	if !h.workers.StopWorker(c.Request.Context(), id) {
		abort(c, http.StatusNotFound, errNotRunning(id))
		return
	}
	h.summary.Invalidate()
	c.JSON(http.StatusOK, gin.H{"camera_id": id, "stopped": true})
}

// Restart handles POST /cameras/:id/restart.
func (h *CamerasHandler) Restart(c *gin.Context) {
	id := mw.CameraID(c)
	if err := h.workers.RestartWorker(c.Request.Context(), id); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	h.summary.Invalidate()
	c.JSON(http.StatusOK, gin.H{"camera_id": id, "restarted": true})
}

// Retry handles POST /cameras/:id/retry. The probe runs asynchronously.
//
// Status Codes:
//   - 202 Accepted
//   - 404 Not Found → no running worker
func (h *CamerasHandler) Retry(c *gin.Context) {
	id := mw.CameraID(c)
	if err := h.workers.ForceRetry(id); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	h.summary.Invalidate()
	c.JSON(http.StatusAccepted, gin.H{"camera_id": id, "message": "retry requested"})
}

// Reconcile handles POST /cameras/reconcile. Per-camera failures are joined
// into the message; the workers that could be converged stay converged.
func (h *CamerasHandler) Reconcile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.reconcileTimeout)
	defer cancel()

	err := h.workers.ReconcileWithSource(ctx)
	h.summary.Invalidate()
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "reconciled"})
}

// Transcripts handles GET /cameras/:id/transcripts.
//
// Query:
//   - history=true → persisted finals instead of the in-memory ring
//   - limit=N      → history only, newest N (default 100)
func (h *CamerasHandler) Transcripts(c *gin.Context) {
	id := mw.CameraID(c)

	if c.Query("history") == "true" {
		if h.history == nil {
			abort(c, http.StatusNotFound, errors.New("transcript history is not configured"))
			return
		}
		limit, err := queryInt(c, "limit", 100)
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		recs, err := h.history.Recent(c.Request.Context(), id, int64(limit))
		if err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
		if recs == nil {
			recs = []transcript.Record{}
		}
		c.Header("X-Total-Count", strconv.Itoa(len(recs)))
		c.JSON(http.StatusOK, recs)
		return
	}

	segs, err := h.workers.Transcripts(id)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	if segs == nil {
		segs = []transcript.Segment{}
	}
	c.Header("X-Total-Count", strconv.Itoa(len(segs)))
	c.JSON(http.StatusOK, segs)
}

// Logs handles GET /cameras/:id/logs?lines=N (default 100).
func (h *CamerasHandler) Logs(c *gin.Context) {
	id := mw.CameraID(c)
	if h.logs == nil {
		abort(c, http.StatusNotFound, errors.New("extractor logs are not available"))
		return
	}
	lines, err := queryInt(c, "lines", 100)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	buf, ok := h.logs.Lookup(id)
	if !ok {
		abort(c, http.StatusNotFound, errNoLogs(id))
		return
	}
	out := buf.Read(lines)
	if out == nil {
		out = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"camera_id": id, "lines": out})
}

// URLs handles GET /cameras/:id/urls.
func (h *CamerasHandler) URLs(c *gin.Context) {
	id := mw.CameraID(c)
	if h.urls == nil {
		abort(c, http.StatusNotFound, errors.New("video proxy is disabled"))
		return
	}
	if _, err := h.workers.Status(id); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, h.urls.URLsFor(camera.ProxyStreamName(id)))
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrUnknownCamera), errors.Is(err, camera.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, camera.ErrInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stream.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
