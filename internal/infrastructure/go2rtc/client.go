// Package go2rtc is a client for the go2rtc video proxy REST API. Cameras
// are registered under a stable name so that audio extraction and browser
// playback share one upstream connection.
package go2rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrConnection wraps transport failures reaching the proxy.
	ErrConnection = errors.New("go2rtc: connection failed")
	// ErrAPI wraps unexpected HTTP statuses.
	ErrAPI = errors.New("go2rtc: api error")
)

// Options configure the proxy endpoints.
type Options struct {
	Host         string
	Port         int
	RTSPPort     int
	ExternalHost string
	Timeout      time.Duration
}

// StreamInfo describes one registered stream.
type StreamInfo struct {
	Name      string           `json:"name"`
	Producers []map[string]any `json:"producers"`
	Consumers []map[string]any `json:"consumers"`
}

// Active reports whether the stream has a live producer.
func (s StreamInfo) Active() bool { return len(s.Producers) > 0 }

// URLs are the playback and restream endpoints of one stream.
type URLs struct {
	RTSP   string `json:"rtsp"`
	WebRTC string `json:"webrtc"`
	MJPEG  string `json:"mjpeg"`
	Frame  string `json:"frame"`
	HLS    string `json:"hls"`
}

// Client talks to one go2rtc instance.
type Client struct {
	log  *zap.Logger
	base string
	opts Options
	http *http.Client
}

func NewClient(log *zap.Logger, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ExternalHost == "" {
		opts.ExternalHost = opts.Host
	}
	return &Client{
		log:  log.Named("go2rtc"),
		base: "http://" + hostPort(opts.Host, opts.Port),
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
	}
}

// Register adds or replaces a stream.
func (c *Client) Register(ctx context.Context, name, src string) error {
	q := url.Values{"name": {name}, "src": {src}}
	status, body, err := c.do(ctx, http.MethodPut, "/api/streams", q)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("%w: register %s: status %d: %s", ErrAPI, name, status, body)
	}
	c.log.Debug("stream registered", zap.String("name", name))
	return nil
}

// Unregister removes a stream. Missing streams are not an error.
func (c *Client) Unregister(ctx context.Context, name string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/api/streams", url.Values{"name": {name}})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		c.log.Debug("stream unregistered", zap.String("name", name))
		return nil
	default:
		return fmt.Errorf("%w: unregister %s: status %d: %s", ErrAPI, name, status, body)
	}
}

// Streams lists every registered stream keyed by name.
func (c *Client) Streams(ctx context.Context) (map[string]StreamInfo, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/streams", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: list streams: status %d", ErrAPI, status)
	}
	var raw map[string]StreamInfo
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode streams: %v", ErrAPI, err)
	}
	out := make(map[string]StreamInfo, len(raw))
	for name, info := range raw {
		info.Name = name
		out[name] = info
	}
	return out, nil
}

// Healthy reports whether the proxy API answers.
func (c *Client) Healthy(ctx context.Context) bool {
	status, _, err := c.do(ctx, http.MethodGet, "/api/streams", nil)
	return err == nil && status == http.StatusOK
}

// RTSPURL is the restream endpoint used for audio extraction.
func (c *Client) RTSPURL(name string) string {
	return "rtsp://" + hostPort(c.opts.Host, c.opts.RTSPPort) + "/" + name
}

// URLsFor returns the playback endpoints of a stream as seen by browsers.
func (c *Client) URLsFor(name string) URLs {
	ext := "http://" + hostPort(c.opts.ExternalHost, c.opts.Port)
	src := url.QueryEscape(name)
	return URLs{
		RTSP:   c.RTSPURL(name),
		WebRTC: ext + "/stream.html?src=" + src,
		MJPEG:  ext + "/api/stream.mjpeg?src=" + src,
		Frame:  ext + "/api/frame.jpeg?src=" + src,
		HLS:    ext + "/api/stream.m3u8?src=" + src,
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values) (int, []byte, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrConnection, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read body: %v", ErrConnection, err)
	}
	return resp.StatusCode, []byte(strings.TrimSpace(string(body))), nil
}

func hostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}
