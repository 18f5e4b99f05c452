package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/edirooss/wallflower/internal/events"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventsHandler streams worker events as server-sent events.
type EventsHandler struct {
	log       *zap.Logger
	hub       *events.Broadcaster
	keepalive time.Duration
}

func NewEventsHandler(log *zap.Logger, hub *events.Broadcaster) *EventsHandler {
	return &EventsHandler{
		log:       log.Named("events"),
		hub:       hub,
		keepalive: 15 * time.Second,
	}
}

// Stream handles GET /events[?camera_id=N].
//
// Each event is sent with its kind as the SSE event name and the JSON event
// as data. A client too slow to keep up is disconnected; it should reconnect
// and re-read statuses.
func (h *EventsHandler) Stream(c *gin.Context) {
	var cameraID int64
	if _, ok := c.GetQuery("camera_id"); ok {
		id, err := queryInt(c, "camera_id", 0)
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		cameraID = int64(id)
	}

	sub := h.hub.Subscribe(cameraID)
	defer sub.Unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.C:
			if !ok {
				h.log.Debug("subscriber dropped", zap.Int64("camera_id", cameraID))
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			return true
		}
	})
}
