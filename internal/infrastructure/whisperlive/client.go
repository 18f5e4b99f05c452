package whisperlive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrSessionClosed reports that the server closed the websocket normally.
var ErrSessionClosed = errors.New("whisperlive: session closed by server")

// Options tune the websocket session.
type Options struct {
	DialTimeout time.Duration
	// IdleTimeout bounds every blocking read; pongs and messages extend it.
	IdleTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	Header       http.Header
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.IdleTimeout {
		o.PingInterval = o.IdleTimeout / 3
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// Client opens transcription sessions against one server.
type Client struct {
	log    *zap.Logger
	url    string
	opts   Options
	dialer *websocket.Dialer
}

// NewClient returns a client for the websocket endpoint url (ws://host:port).
func NewClient(log *zap.Logger, url string, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		log:  log.Named("whisperlive"),
		url:  url,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
	}
}

// URL returns the server endpoint.
func (c *Client) URL() string { return c.url }

// Dial connects and sends the handshake. The returned Conn must be closed.
func (c *Client) Dial(ctx context.Context, hs Handshake) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	conn := newConn(c.log.With(zap.String("uid", hs.UID)), ws, c.opts)
	if err := conn.writeJSON(hs); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	go conn.keepalive()
	return conn, nil
}

// Conn is one live session. SendAudio and Receive may be used from
// different goroutines; Close unblocks both.
type Conn struct {
	log  *zap.Logger
	ws   *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(log *zap.Logger, ws *websocket.Conn, opts Options) *Conn {
	c := &Conn{log: log, ws: ws, opts: opts, done: make(chan struct{})}
	_ = ws.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	})
	return c
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteJSON(v)
}

// SendAudio writes one binary audio frame.
func (c *Conn) SendAudio(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// EndAudio signals the end of the audio stream.
func (c *Conn) EndAudio() error {
	return c.SendAudio(EndOfAudio)
}

// Receive blocks for the next decodable text message. Binary and malformed
// messages are skipped. A normal close from the server yields ErrSessionClosed.
func (c *Conn) Receive() (Message, error) {
	for {
		typ, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Message{}, ErrSessionClosed
			}
			return Message{}, err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

		if typ != websocket.TextMessage {
			continue
		}
		msg, err := ParseMessage(raw)
		if err != nil {
			c.log.Warn("skipping malformed message", zap.Error(err), zap.Int("bytes", len(raw)))
			continue
		}
		return msg, nil
	}
}

// keepalive pings until the connection closes.
func (c *Conn) keepalive() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Close sends a close frame (best effort) and releases the connection.
// Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
