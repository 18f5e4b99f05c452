// Package stream supervises per-camera transcription workers: a session loop
// that pairs an audio extraction process with a transcription server session,
// a circuit breaker with table-driven backoff, the worker registry and the
// health monitor that resurrects or restarts stuck workers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/edirooss/wallflower/internal/domain/camera"
	"github.com/edirooss/wallflower/internal/events"
	"github.com/edirooss/wallflower/internal/infrastructure/whisperlive"
	"github.com/edirooss/wallflower/internal/transcript"
	"github.com/edirooss/wallflower/pkg/ffmpegcmd"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Worker owns the transcription pipeline of one camera.
//
// Lock order: lifeMu → emitMu → status.mu. The session loop never takes
// lifeMu, so Stop may hold it while joining the loop.
type Worker struct {
	log  *zap.Logger
	cam  camera.Camera
	set  Settings
	deps Deps

	status statusBox
	// emitMu keeps published events in the order of the changes they describe.
	emitMu sync.Mutex

	ring  *transcript.Ring
	dedup *dedupSet
	wake  chan struct{}

	lifeMu   sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// ErrorEvent is the payload of error events.
type ErrorEvent struct {
	Error               string        `json:"error"`
	Category            ErrorCategory `json:"category"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Breaker             BreakerState  `json:"breaker"`
}

// NewWorker returns a stopped worker for cam.
func NewWorker(log *zap.Logger, cam camera.Camera, set Settings, deps Deps) *Worker {
	set.setDefaults()
	if deps.Events == nil {
		deps.Events = discardEvents{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	w := &Worker{
		log:   log.Named("worker").With(zap.Int64("camera_id", cam.ID)),
		cam:   cam,
		set:   set,
		deps:  deps,
		ring:  transcript.NewRing(set.RingSize),
		dedup: newDedupSet(set.DedupCap),
		wake:  make(chan struct{}, 1),
	}
	w.status.s = Status{
		CameraID:   cam.ID,
		CameraName: cam.Name,
		State:      StateStopped,
		Breaker:    BreakerClosed,
	}
	return w
}

func (w *Worker) ID() int64             { return w.cam.ID }
func (w *Worker) Camera() camera.Camera { return w.cam }

// Status returns a consistent snapshot. It never blocks on lifecycle operations.
func (w *Worker) Status() Status { return w.status.snapshot() }

// Transcripts returns the recent segments, oldest first.
func (w *Worker) Transcripts() []transcript.Segment { return w.ring.Snapshot() }

// Start marks the worker running and spawns the session loop when
// transcription is enabled. No-op if already running.
func (w *Worker) Start() {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	if w.running {
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())

	enabled := w.cam.TranscriptionEnabled
	now := w.deps.Now()
	w.transition(func(s *Status) {
		s.Running = true
		s.LoopAlive = enabled
		s.State = StateConnected
		s.Heartbeat = now
		s.NextRetryAt = nil
		s.Error = ""
		s.ErrorCategory = ""
	})
	if enabled {
		w.spawn()
	}
	w.log.Info("worker started", zap.Bool("transcription", enabled))
}

// Stop cancels the session loop, tears down its process and session and
// waits for the loop to exit. The wait covers the extractor's terminate grace
// so the process has been reaped when Stop returns. No-op if stopped.
func (w *Worker) Stop() {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	w.cancel()

	if done := w.loopDone; done != nil {
		bound := w.set.JoinTimeout + w.set.reapTimeout()
		t := time.NewTimer(bound)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			w.log.Warn("session loop did not exit in time; abandoning it", zap.Duration("timeout", bound))
		}
	}

	w.transition(func(s *Status) {
		s.Running = false
		s.LoopAlive = false
		s.ExtractorConnected = false
		s.SessionConnected = false
		s.State = StateStopped
		s.NextRetryAt = nil
	})
	w.log.Info("worker stopped")
}

// ForceRetry puts the breaker into half-open, clears the failure streak and
// interrupts any backoff or cooldown wait so the next session starts now.
func (w *Worker) ForceRetry() {
	w.transition(func(s *Status) {
		s.Breaker = BreakerHalfOpen
		s.ConsecutiveFailures = 0
		s.RetryCount = 0
		s.NextRetryAt = nil
		s.Error = "retry requested, reconnecting"
		s.ErrorCategory = ""
	})
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.log.Info("retry requested")
}

// Respawn starts a new session loop if the previous one exited while the
// worker is still running. Reports whether a loop was spawned.
func (w *Worker) Respawn() bool {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	if !w.running || !w.cam.TranscriptionEnabled || w.loopRunning() {
		return false
	}
	w.transition(func(s *Status) { s.LoopAlive = true })
	w.spawn()
	return true
}

// TranscriptionEnabled reports whether the worker runs a session loop at all.
func (w *Worker) TranscriptionEnabled() bool { return w.cam.TranscriptionEnabled }

func (w *Worker) setWatchdogRestarts(n int) {
	w.status.update(func(s *Status) { s.WatchdogRestarts = n })
}

// loopRunning must be called with lifeMu held.
func (w *Worker) loopRunning() bool {
	if w.loopDone == nil {
		return false
	}
	select {
	case <-w.loopDone:
		return false
	default:
		return true
	}
}

// spawn must be called with lifeMu held.
func (w *Worker) spawn() {
	done := make(chan struct{})
	w.loopDone = done
	go w.run(w.ctx, done)
}

// transition applies fn and publishes the resulting snapshot.
func (w *Worker) transition(fn func(s *Status)) Status {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	st := w.status.update(fn)
	w.deps.Events.Publish(events.Event{Kind: events.KindStatus, CameraID: w.cam.ID, Data: st})
	return st
}

// mutate applies fn without publishing. Used for high-frequency fields.
func (w *Worker) mutate(fn func(s *Status)) {
	w.status.update(fn)
}

func (w *Worker) publish(kind events.Kind, data any) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.deps.Events.Publish(events.Event{Kind: kind, CameraID: w.cam.ID, Data: data})
}

// -----------------------------------------------------------------------------
// Session loop
// -----------------------------------------------------------------------------

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("session loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			w.transition(func(s *Status) {
				s.LoopAlive = false
				s.ExtractorConnected = false
				s.SessionConnected = false
				s.Error = displayMessage(fmt.Sprintf("internal error: %v", r))
				s.ErrorCategory = CategoryInternal
			})
			return
		}
		w.mutate(func(s *Status) { s.LoopAlive = false })
	}()

	for {
		if !w.awaitBreaker(ctx) {
			return
		}
		streamed, err := w.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if !w.sleep(ctx, w.settle(err, streamed)) {
			return
		}
	}
}

// awaitBreaker blocks while the breaker is open. When the cooldown elapses the
// breaker moves to half-open and a single probe session is allowed.
func (w *Worker) awaitBreaker(ctx context.Context) bool {
	for {
		st := w.status.snapshot()
		if st.Breaker != BreakerOpen || st.BreakerOpenedAt == nil {
			return ctx.Err() == nil
		}

		remaining := st.BreakerOpenedAt.Add(w.set.Cooldown).Sub(w.deps.Now())
		if remaining <= 0 {
			w.transition(func(s *Status) {
				if s.Breaker == BreakerOpen {
					s.Breaker = BreakerHalfOpen
					s.NextRetryAt = nil
				}
			})
			w.log.Info("breaker cooldown elapsed; probing")
			return ctx.Err() == nil
		}

		if st.State != StateFailed {
			at := w.deps.Now().Add(remaining)
			w.transition(func(s *Status) {
				s.State = StateFailed
				s.NextRetryAt = &at
				s.Error = breakerMessage(remaining)
				s.ErrorCategory = CategoryCircuitOpen
			})
		}
		if !w.sleep(ctx, remaining) {
			return false
		}
	}
}

// sleep waits d, returning early on ForceRetry. False means the worker is stopping.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-t.C:
		return true
	}
}

// settle records the session outcome and returns the delay before the next one.
func (w *Worker) settle(err error, streamed time.Duration) time.Duration {
	now := w.deps.Now()
	if err == nil {
		var delay time.Duration
		w.transition(func(s *Status) { delay = recordSuccess(s, now, w.set) })
		w.log.Info("session ended; reconnecting", zap.Duration("delay", delay))
		return delay
	}

	var (
		delay   time.Duration
		tripped bool
	)
	st := w.transition(func(s *Status) {
		if streamed >= w.set.StableSession {
			forgive(s)
		}
		delay, tripped = recordFailure(s, err, now, w.set)
	})
	w.publish(events.KindError, ErrorEvent{
		Error:               st.Error,
		Category:            st.ErrorCategory,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Breaker:             st.Breaker,
	})

	if tripped {
		w.log.Error("circuit breaker opened",
			zap.Int("consecutive_failures", st.ConsecutiveFailures),
			zap.Duration("cooldown", w.set.Cooldown),
			zap.String("error", st.Error))
		return 0
	}
	w.log.Warn("session failed; retrying",
		zap.Int("consecutive_failures", st.ConsecutiveFailures),
		zap.Duration("delay", delay),
		zap.String("error", st.Error))
	return delay
}

const (
	sideSend = "send"
	sideRecv = "receive"
)

// activity is how one half of a session ended.
type activity struct {
	side string
	err  error
}

// audioMeter counts frames forwarded in one session.
type audioMeter struct {
	mu     sync.Mutex
	frames int64
	first  time.Time
	stable bool
}

// frame counts one frame. It reports true exactly once, on the first frame
// sent after audio has flowed for at least stable.
func (m *audioMeter) frame(now time.Time, stable time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames == 0 {
		m.first = now
	}
	m.frames++
	if !m.stable && now.Sub(m.first) >= stable {
		m.stable = true
		return true
	}
	return false
}

func (m *audioMeter) read() (int64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames, m.first
}

// runSession runs one session to completion. It returns how long audio
// flowed and nil when the session streamed audio and ended cleanly.
func (w *Worker) runSession(ctx context.Context) (time.Duration, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	// A retry request made before this attempt is already satisfied.
	select {
	case <-w.wake:
	default:
	}

	now := w.deps.Now()
	w.transition(func(s *Status) {
		s.State = StateConnecting
		s.NextRetryAt = nil
		s.Heartbeat = now
	})

	dctx, cancel := context.WithTimeout(ctx, w.set.DialTimeout)
	sess, err := w.deps.Dialer.Dial(dctx, w.handshake())
	cancel()
	if err != nil {
		return 0, transient("connect transcription server", err)
	}
	w.mutate(func(s *Status) {
		s.SessionConnected = true
		s.SessionConnects++
	})

	src := w.audioSource()
	argv := ffmpegcmd.AudioExtraction(w.set.Extractor.Path, src, ffmpegcmd.AudioOptions{
		RTSPTransport: w.set.Extractor.RTSPTransport,
		SampleRate:    w.set.Extractor.SampleRate,
	})
	ex, err := w.deps.Launcher.Launch(w.cam.ID, argv)
	if err != nil {
		_ = sess.Close()
		w.mutate(func(s *Status) { s.SessionConnected = false })
		return 0, transient("start extractor", err)
	}

	connectedAt := w.deps.Now()
	w.transition(func(s *Status) {
		s.State = StateConnected
		s.ExtractorConnected = true
		s.ExtractorStarts++
		s.LastSuccessfulConnection = &connectedAt
		s.Heartbeat = connectedAt
	})
	w.log.Info("session established", zap.String("source", ffmpegcmd.RedactURL(src)))

	sctx, stop := context.WithCancel(ctx)
	go func() {
		<-sctx.Done()
		_ = sess.Close()
		ex.Close()
	}()

	meter := &audioMeter{}
	results := make(chan activity, 2)
	go func() { results <- w.pump(sess, ex.Stdout(), meter) }()
	go func() { results <- w.receive(sess) }()

	first := <-results
	stop()
	_ = sess.Close()
	ex.Close()
	select {
	case <-results:
	case <-time.After(w.set.JoinTimeout):
		w.log.Warn("session activity did not exit after teardown")
	}
	reaped := w.reap(ex)

	err = w.outcome(ctx, first, ex, reaped)
	frames, firstAt := meter.read()

	w.mutate(func(s *Status) {
		s.ExtractorConnected = false
		s.SessionConnected = false
	})
	w.flushSink()

	var streamed time.Duration
	if frames > 0 {
		streamed = w.deps.Now().Sub(firstAt)
	}
	if err == nil && frames == 0 {
		err = transient("stream audio", errNoAudio)
	}
	return streamed, err
}

// reap waits for a closed extractor to be reaped: the terminate grace plus
// time for the kill to land.
func (w *Worker) reap(ex Extractor) bool {
	t := time.NewTimer(w.set.reapTimeout())
	defer t.Stop()
	select {
	case <-ex.Done():
		return true
	case <-t.C:
		w.log.Error("extractor not reaped after kill", zap.Duration("timeout", w.set.reapTimeout()))
		return false
	}
}

// outcome classifies how a session ended.
func (w *Worker) outcome(ctx context.Context, first activity, ex Extractor, reaped bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if first.err != nil {
		return first.err
	}
	if first.side == sideSend {
		// Audio ran out: the extractor exited and its status decides.
		if !reaped {
			return transient("extractor", errExtractorStuck)
		}
		if err := ex.Err(); err != nil {
			return transient("extractor", err)
		}
	}
	return nil
}

// pump forwards fixed-size PCM frames until the extractor output ends.
func (w *Worker) pump(sess Session, r io.Reader, meter *audioMeter) activity {
	buf := make([]byte, w.set.Extractor.FrameBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if serr := sess.SendAudio(buf[:n]); serr != nil {
				return activity{side: sideSend, err: transient("send audio", serr)}
			}
			now := w.deps.Now()
			if meter.frame(now, w.set.StableSession) {
				w.markStable(now)
			} else {
				w.mutate(func(s *Status) {
					s.Heartbeat = now
					s.LastAudioAt = &now
				})
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			if eerr := sess.EndAudio(); eerr != nil {
				w.log.Debug("end of audio not delivered", zap.Error(eerr))
			}
			return activity{side: sideSend}
		default:
			return activity{side: sideSend, err: transient("read audio", err)}
		}
	}
}

// markStable clears the failure streak of a session that has streamed for
// StableSession. A half-open breaker closes here rather than when the
// session ends.
func (w *Worker) markStable(now time.Time) {
	var prev int
	w.transition(func(s *Status) {
		prev = s.ConsecutiveFailures
		forgive(s)
		s.Heartbeat = now
		s.LastAudioAt = &now
		s.Error = ""
		s.ErrorCategory = ""
	})
	if prev > 0 {
		w.log.Info("session stable; failure streak cleared", zap.Int("previous_failures", prev))
	}
}

// receive consumes server messages until the session ends.
func (w *Worker) receive(sess Session) activity {
	for {
		msg, err := sess.Receive()
		if err != nil {
			if errors.Is(err, whisperlive.ErrSessionClosed) {
				return activity{side: sideRecv}
			}
			return activity{side: sideRecv, err: transient("receive", err)}
		}

		switch msg.Control {
		case whisperlive.ControlDisconnect:
			w.log.Info("server ended the session")
			return activity{side: sideRecv}
		case whisperlive.ControlError:
			return activity{side: sideRecv, err: protocol("transcription server", fmt.Errorf("%w: %s", whisperlive.ErrServerError, msg.Detail))}
		case whisperlive.ControlWait:
			w.log.Warn("transcription server at capacity", zap.String("detail", msg.Detail))
		case whisperlive.ControlServerReady:
			w.log.Debug("transcription server ready")
		}

		for _, r := range msg.Results {
			w.deliver(r)
		}
	}
}

// deliver filters, deduplicates and fans out one result.
func (w *Worker) deliver(r whisperlive.Result) {
	seg := transcript.Segment{
		Text:       strings.TrimSpace(r.Text),
		Start:      r.Start,
		End:        r.End,
		Final:      r.Final,
		AvgLogprob: r.AvgLogprob,
		ReceivedAt: w.deps.Now(),
	}
	if seg.Text == "" {
		return
	}
	if w.deps.Filter != nil {
		if reason, reject := w.deps.Filter.Reject(seg); reject {
			w.log.Debug("segment filtered", zap.String("reason", reason), zap.String("text", seg.Text))
			return
		}
	}
	if seg.Final && !w.dedup.firstTime(seg.Start, seg.Text) {
		return
	}

	w.ring.Append(seg)
	if seg.Final {
		if w.deps.Sink != nil {
			w.deps.Sink.Add(w.record(seg))
		}
		last := displayMessage(seg.Text)
		w.mutate(func(s *Status) { s.LastTranscript = last })
	}
	w.publish(events.KindTranscript, seg)
}

func (w *Worker) record(seg transcript.Segment) transcript.Record {
	rec := transcript.Record{
		CameraID:   w.cam.ID,
		CameraName: w.cam.Name,
		Text:       seg.Text,
		Start:      seg.Start,
		End:        seg.End,
		CreatedAt:  seg.ReceivedAt,
	}
	if w.cam.TranscriptFile != "" || w.set.SaveToFile {
		rec.FilePath = w.cam.TranscriptPath(w.set.TranscriptDir)
	}
	return rec
}

func (w *Worker) flushSink() {
	if w.deps.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.set.SinkTimeout)
	defer cancel()
	if err := w.deps.Sink.Flush(ctx); err != nil {
		w.log.Warn("transcript flush failed", zap.Error(err))
	}
}

// audioSource is the proxy restream when a proxy is configured, else the camera itself.
func (w *Worker) audioSource() string {
	if w.deps.Proxy != nil {
		return w.deps.Proxy.RTSPURL(camera.ProxyStreamName(w.cam.ID))
	}
	return w.cam.SourceURL
}

// handshake merges camera tuning over the process defaults.
func (w *Worker) handshake() whisperlive.Handshake {
	wc := w.set.Whisper
	t := w.cam.Tuning
	if t == nil {
		t = &camera.Tuning{}
	}

	hs := whisperlive.Handshake{
		UID:                       uuid.NewString(),
		Language:                  pick(t.Language, wc.Language),
		Task:                      wc.Task,
		Model:                     pick(t.Model, wc.Model),
		UseVAD:                    pick(t.UseVAD, pick(wc.UseVAD, true)),
		InitialPrompt:             pick(t.InitialPrompt, wc.InitialPrompt),
		ChunkSize:                 wc.ChunkSize,
		ConditionOnPreviousText:   pick(t.ConditionOnPreviousText, pick(wc.ConditionOnPreviousText, true)),
		BeamSize:                  pick(t.BeamSize, wc.BeamSize),
		Temperature:               wc.Temperature,
		NoSpeechThreshold:         pick(t.NoSpeechThreshold, wc.NoSpeechThreshold),
		LogprobThreshold:          pick(t.LogprobThreshold, wc.LogprobThreshold),
		CompressionRatioThreshold: wc.CompressionRatioThreshold,
	}
	if len(t.Temperature) > 0 {
		hs.Temperature = t.Temperature
	}
	if hs.Task == "" {
		hs.Task = "transcribe"
	}
	if hs.UseVAD {
		hs.VADParameters = &whisperlive.VADParameters{
			Onset:  pick(t.VADOnset, wc.VADOnset),
			Offset: pick(t.VADOffset, wc.VADOffset),
		}
	}
	return hs
}

func pick[T any](override *T, def T) T {
	if override != nil {
		return *override
	}
	return def
}
