package stream

import (
	"context"
	"io"
	"time"

	"github.com/edirooss/wallflower/internal/config"
	"github.com/edirooss/wallflower/internal/domain/camera"
	"github.com/edirooss/wallflower/internal/events"
	"github.com/edirooss/wallflower/internal/infrastructure/whisperlive"
	"github.com/edirooss/wallflower/internal/transcript"
)

// Extractor is a running audio extraction process.
type Extractor interface {
	// Stdout yields raw PCM until the process exits or Close is called.
	Stdout() io.Reader
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// Err blocks until exit and reports abnormal termination.
	Err() error
	// Close stops the process, escalating to SIGKILL. It does not block.
	Close()
}

// Launcher starts extraction processes.
type Launcher interface {
	Launch(cameraID int64, argv []string) (Extractor, error)
}

// Session is one transcription server session.
type Session interface {
	SendAudio(frame []byte) error
	EndAudio() error
	Receive() (whisperlive.Message, error)
	Close() error
}

// Dialer opens transcription sessions.
type Dialer interface {
	Dial(ctx context.Context, hs whisperlive.Handshake) (Session, error)
}

// TranscriptSink accepts final transcripts for persistence.
type TranscriptSink interface {
	Add(rec transcript.Record)
	Flush(ctx context.Context) error
}

// EventSink publishes worker events.
type EventSink interface {
	Publish(e events.Event) events.Event
}

// VideoProxy registers camera streams with the restreaming proxy.
type VideoProxy interface {
	Register(ctx context.Context, name, src string) error
	Unregister(ctx context.Context, name string) error
	RTSPURL(name string) string
}

// CameraSource is the desired-state store.
type CameraSource interface {
	GetCamera(ctx context.Context, id int64) (*camera.Camera, error)
	ListCameraIDs(ctx context.Context) ([]int64, error)
}

// Deps are the collaborators shared by all workers.
type Deps struct {
	Dialer   Dialer
	Launcher Launcher
	Sink     TranscriptSink
	Events   EventSink
	// Proxy, when set, makes workers read audio from the proxy restream
	// instead of the camera.
	Proxy  VideoProxy
	Filter *transcript.Filter
	Now    func() time.Time
}

// Settings are per-worker tunables derived from config.
type Settings struct {
	Backoff       []time.Duration
	MaxFailures   int
	Cooldown      time.Duration
	StopGrace     time.Duration
	JoinTimeout   time.Duration
	DialTimeout   time.Duration
	StableSession time.Duration
	DedupCap      int
	RingSize      int
	SinkTimeout   time.Duration

	Whisper   config.WhisperConfig
	Extractor config.ExtractorConfig

	TranscriptDir string
	SaveToFile    bool
}

// NewSettings extracts worker settings from a validated config.
func NewSettings(cfg config.Config) Settings {
	return Settings{
		Backoff:       cfg.Worker.Backoff,
		MaxFailures:   cfg.Worker.MaxFailures,
		Cooldown:      cfg.Worker.BreakerCooldown,
		StopGrace:     cfg.Worker.StopGrace,
		JoinTimeout:   cfg.Worker.JoinTimeout,
		DialTimeout:   cfg.Worker.DialTimeout,
		StableSession: cfg.Worker.StableSession,
		DedupCap:      cfg.Worker.DedupCap,
		RingSize:      cfg.Worker.RingSize,
		SinkTimeout:   5 * time.Second,
		Whisper:       cfg.Whisper,
		Extractor:     cfg.Extractor,
		TranscriptDir: cfg.Transcripts.Dir,
		SaveToFile:    cfg.Transcripts.SaveToFile,
	}
}

// reapTimeout bounds the wait for a closed extractor: the terminate grace
// plus a margin for SIGKILL.
func (s Settings) reapTimeout() time.Duration { return s.StopGrace + time.Second }

func (s *Settings) setDefaults() {
	if len(s.Backoff) == 0 {
		s.Backoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, time.Minute}
	}
	if s.MaxFailures <= 0 {
		s.MaxFailures = 10
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 5 * time.Minute
	}
	if s.StopGrace <= 0 {
		s.StopGrace = 5 * time.Second
	}
	if s.JoinTimeout <= 0 {
		s.JoinTimeout = 5 * time.Second
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = 10 * time.Second
	}
	if s.StableSession <= 0 {
		s.StableSession = time.Minute
	}
	if s.SinkTimeout <= 0 {
		s.SinkTimeout = 5 * time.Second
	}
	if s.Extractor.FrameBytes <= 0 {
		s.Extractor.FrameBytes = 4096
	}
}

// WhisperDialer adapts a whisperlive client to Dialer.
type WhisperDialer struct {
	Client *whisperlive.Client
}

func (d WhisperDialer) Dial(ctx context.Context, hs whisperlive.Handshake) (Session, error) {
	conn, err := d.Client.Dial(ctx, hs)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type discardEvents struct{}

func (discardEvents) Publish(e events.Event) events.Event { return e }
