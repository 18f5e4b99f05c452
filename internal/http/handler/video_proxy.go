package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/edirooss/wallflower/internal/infrastructure/go2rtc"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProxyInspector is the read side of the video proxy client.
type ProxyInspector interface {
	Healthy(ctx context.Context) bool
	Streams(ctx context.Context) (map[string]go2rtc.StreamInfo, error)
}

// VideoProxyHandler reports the state of the restreaming proxy.
type VideoProxyHandler struct {
	log   *zap.Logger
	proxy ProxyInspector
}

// NewVideoProxyHandler accepts a nil proxy, reported as disabled.
func NewVideoProxyHandler(log *zap.Logger, proxy ProxyInspector) *VideoProxyHandler {
	return &VideoProxyHandler{log: log.Named("video_proxy"), proxy: proxy}
}

type videoProxyView struct {
	Enabled bool                         `json:"enabled"`
	Healthy bool                         `json:"healthy"`
	Streams map[string]go2rtc.StreamInfo `json:"streams,omitempty"`
	Error   string                       `json:"error,omitempty"`
}

// Get handles GET /video-proxy. An unreachable proxy is reported in the body
// with 200 so dashboards can render it.
func (h *VideoProxyHandler) Get(c *gin.Context) {
	if h.proxy == nil {
		c.JSON(http.StatusOK, videoProxyView{})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	view := videoProxyView{Enabled: true, Healthy: h.proxy.Healthy(ctx)}
	if view.Healthy {
		streams, err := h.proxy.Streams(ctx)
		if err != nil {
			c.Error(err)
			view.Error = err.Error()
		}
		view.Streams = streams
	}
	c.JSON(http.StatusOK, view)
}
