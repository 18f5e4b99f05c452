package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edirooss/wallflower/internal/config"
	"github.com/edirooss/wallflower/internal/domain/camera"
	"github.com/edirooss/wallflower/internal/events"
	"github.com/edirooss/wallflower/internal/infrastructure/whisperlive"
	"github.com/edirooss/wallflower/internal/transcript"
)

const testFrameBytes = 64

var errExit = errors.New("extractor exited with code 1: Connection refused")

// fakeExtractor stands in for an ffmpeg child. Its audio comes from a pipe
// fed by a behavior goroutine.
type fakeExtractor struct {
	r *io.PipeReader
	w *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	err      error

	onExit func()
}

func newFakeExtractor(onExit func()) *fakeExtractor {
	r, w := io.Pipe()
	return &fakeExtractor{r: r, w: w, done: make(chan struct{}), onExit: onExit}
}

func (e *fakeExtractor) Stdout() io.Reader     { return e.r }
func (e *fakeExtractor) Done() <-chan struct{} { return e.done }
func (e *fakeExtractor) Err() error {
	<-e.done
	return e.err
}

func (e *fakeExtractor) Close() {
	_ = e.r.Close()
	e.exit(errors.New("extractor killed by signal"))
}

func (e *fakeExtractor) exit(err error) {
	e.exitOnce.Do(func() {
		e.err = err
		close(e.done)
		if e.onExit != nil {
			e.onExit()
		}
	})
}

func (e *fakeExtractor) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// behavior drives a fake extractor after launch.
type behavior func(e *fakeExtractor)

// failing exits with an error before producing audio.
func failing(e *fakeExtractor) {
	e.exit(errExit)
	_ = e.w.Close()
}

// finite writes n frames and exits cleanly.
func finite(n int) behavior {
	return func(e *fakeExtractor) {
		frame := make([]byte, testFrameBytes)
		for i := 0; i < n; i++ {
			if _, err := e.w.Write(frame); err != nil {
				return
			}
		}
		e.exit(nil)
		_ = e.w.Close()
	}
}

// streaming writes a frame every 5ms until closed.
func streaming(e *fakeExtractor) {
	frame := make([]byte, testFrameBytes)
	for {
		if _, err := e.w.Write(frame); err != nil {
			return
		}
		select {
		case <-e.done:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// silent produces nothing and never exits on its own.
func silent(*fakeExtractor) {}

type fakeLauncher struct {
	mu       sync.Mutex
	argv     [][]string
	procs    []*fakeExtractor
	behavior func(n int) behavior // n counts launches from 1
	err      error

	live atomic.Int64
}

func (l *fakeLauncher) Launch(_ int64, argv []string) (Extractor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return nil, l.err
	}
	l.argv = append(l.argv, argv)
	l.live.Add(1)
	e := newFakeExtractor(func() { l.live.Add(-1) })
	l.procs = append(l.procs, e)
	go l.behavior(len(l.argv))(e)
	return e, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.argv)
}

func (l *fakeLauncher) lastArgv() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.argv) == 0 {
		return nil
	}
	return l.argv[len(l.argv)-1]
}

func (l *fakeLauncher) all() []*fakeExtractor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeExtractor(nil), l.procs...)
}

func always(b behavior) func(int) behavior { return func(int) behavior { return b } }

type fakeSession struct {
	msgs      chan whisperlive.Message
	closed    chan struct{}
	closeOnce sync.Once
	frames    atomic.Int64
	ended     atomic.Bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{msgs: make(chan whisperlive.Message, 16), closed: make(chan struct{})}
}

func (s *fakeSession) SendAudio(frame []byte) error {
	select {
	case <-s.closed:
		return whisperlive.ErrSessionClosed
	default:
	}
	s.frames.Add(1)
	return nil
}

func (s *fakeSession) EndAudio() error {
	s.ended.Store(true)
	return nil
}

func (s *fakeSession) Receive() (whisperlive.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return whisperlive.Message{}, whisperlive.ErrSessionClosed
	}
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeDialer struct {
	mu         sync.Mutex
	sessions   []*fakeSession
	handshakes []whisperlive.Handshake
	err        error
	panicOnce  atomic.Bool
}

func (d *fakeDialer) Dial(ctx context.Context, hs whisperlive.Handshake) (Session, error) {
	if d.panicOnce.CompareAndSwap(true, false) {
		panic("dialer exploded")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handshakes = append(d.handshakes, hs)
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

func (d *fakeDialer) lastHandshake() whisperlive.Handshake {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshakes[len(d.handshakes)-1]
}

type fakeSink struct {
	mu      sync.Mutex
	records []transcript.Record
	flushes int
}

func (s *fakeSink) Add(r transcript.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *fakeSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *fakeSink) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *fakeSink) snapshot() []transcript.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Record(nil), s.records...)
}

type eventLog struct {
	mu     sync.Mutex
	seq    int64
	events []events.Event
}

func (l *eventLog) Publish(e events.Event) events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e.Seq = l.seq
	l.events = append(l.events, e)
	return e
}

func (l *eventLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Status
	for _, e := range l.events {
		if st, ok := e.Data.(Status); ok {
			out = append(out, st)
		}
	}
	return out
}

func (l *eventLog) finals() []transcript.Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []transcript.Segment
	for _, e := range l.events {
		if seg, ok := e.Data.(transcript.Segment); ok && e.Kind == events.KindTranscript && seg.Final {
			out = append(out, seg)
		}
	}
	return out
}

// retryDelays lists the delay of every scheduled retry, in order.
func (l *eventLog) retryDelays() []time.Duration {
	var out []time.Duration
	for _, st := range l.statuses() {
		if st.State == StateRetrying {
			out = append(out, st.LastRetryDelay)
		}
	}
	return out
}

type fakeSource struct {
	mu   sync.Mutex
	cams map[int64]camera.Camera
	err  error
	gets atomic.Int64
}

func newFakeSource(cams ...camera.Camera) *fakeSource {
	s := &fakeSource{cams: make(map[int64]camera.Camera)}
	for _, c := range cams {
		s.cams[c.ID] = c
	}
	return s
}

func (s *fakeSource) GetCamera(_ context.Context, id int64) (*camera.Camera, error) {
	s.gets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.cams[id]
	if !ok {
		return nil, camera.ErrNotFound
	}
	return &c, nil
}

func (s *fakeSource) ListCameraIDs(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.cams))
	for id := range s.cams {
		ids = append(ids, id)
	}
	return ids, nil
}

// fail makes every lookup return err until called again with nil.
func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) set(cams ...camera.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cams = make(map[int64]camera.Camera)
	for _, c := range cams {
		s.cams[c.ID] = c
	}
}

type fakeProxy struct {
	mu           sync.Mutex
	registered   map[string]string
	unregistered []string
	err          error
}

func newFakeProxy() *fakeProxy { return &fakeProxy{registered: make(map[string]string)} }

func (p *fakeProxy) Register(_ context.Context, name, src string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.registered[name] = src
	return nil
}

func (p *fakeProxy) Unregister(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.registered, name)
	p.unregistered = append(p.unregistered, name)
	return nil
}

func (p *fakeProxy) RTSPURL(name string) string { return "rtsp://proxy:8554/" + name }

func testCamera(id int64) camera.Camera {
	return camera.Camera{
		ID:                   id,
		Name:                 "Lobby",
		SourceURL:            "rtsp://cam/5",
		TranscriptionEnabled: true,
	}
}

func testSettings() Settings {
	return Settings{
		Backoff:       []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond, 300 * time.Millisecond, 600 * time.Millisecond},
		MaxFailures:   10,
		Cooldown:      time.Hour,
		StopGrace:     200 * time.Millisecond,
		JoinTimeout:   2 * time.Second,
		DialTimeout:   time.Second,
		StableSession: time.Hour,
		DedupCap:      1000,
		RingSize:      100,
		Extractor:     config.ExtractorConfig{Path: "ffmpeg", RTSPTransport: "tcp", SampleRate: 16000, FrameBytes: testFrameBytes},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
