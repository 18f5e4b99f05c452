package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/edirooss/wallflower/pkg/hostutil"
)

const (
	DefaultConfigPath = "wallflower.yaml"
	DefaultPort       = "8080"
	DefaultRedisAddr  = "localhost:6379"
	DefaultLogLevel   = "info"

	SourceRedis = "redis"
	SourceFile  = "file"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the process configuration. Zero values are replaced by defaults in Validate.
type Config struct {
	HTTPAddr   string `yaml:"http_address"`
	Port       string `yaml:"port"`
	GRPCHealth string `yaml:"grpc_health_address"`
	RedisAddr  string `yaml:"redis_address"`
	RedisDB    int    `yaml:"redis_db"`
	LogLevel   string `yaml:"log_level"`
	Dev        bool   `yaml:"dev"`

	// CameraSource selects where desired camera state lives: "redis" or "file".
	CameraSource string `yaml:"camera_source"`
	CamerasFile  string `yaml:"cameras_file"`

	Whisper     WhisperConfig     `yaml:"whisper"`
	VideoProxy  VideoProxyConfig  `yaml:"video_proxy"`
	Extractor   ExtractorConfig   `yaml:"extractor"`
	Worker      WorkerConfig      `yaml:"worker"`
	Manager     ManagerConfig     `yaml:"manager"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
}

// WhisperConfig holds the transcription server address and decoding defaults.
// Cameras may override the decoding fields individually.
type WhisperConfig struct {
	Host                      string    `yaml:"host"`
	Port                      int       `yaml:"port"`
	Language                  string    `yaml:"language"`
	Task                      string    `yaml:"task"`
	Model                     string    `yaml:"model"`
	UseVAD                    *bool     `yaml:"use_vad"`
	VADOnset                  float64   `yaml:"vad_onset"`
	VADOffset                 float64   `yaml:"vad_offset"`
	InitialPrompt             string    `yaml:"initial_prompt"`
	ChunkSize                 int       `yaml:"chunk_size"`
	BeamSize                  int       `yaml:"beam_size"`
	Temperature               []float64 `yaml:"temperature"`
	NoSpeechThreshold         float64   `yaml:"no_speech_threshold"`
	LogprobThreshold          float64   `yaml:"logprob_threshold"`
	CompressionRatioThreshold float64   `yaml:"compression_ratio_threshold"`
	ConditionOnPreviousText   *bool     `yaml:"condition_on_previous_text"`
}

// URL returns the websocket endpoint of the transcription server.
func (w WhisperConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d", w.Host, w.Port)
}

type VideoProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	RTSPPort int    `yaml:"rtsp_port"`
	// ExternalHost is the host browsers use for playback URLs; Host when empty.
	ExternalHost string        `yaml:"external_host"`
	Timeout      time.Duration `yaml:"timeout"`
}

type ExtractorConfig struct {
	Path          string `yaml:"path"`
	RTSPTransport string `yaml:"rtsp_transport"`
	SampleRate    int    `yaml:"sample_rate"`
	FrameBytes    int    `yaml:"frame_bytes"`
}

type WorkerConfig struct {
	Backoff         []time.Duration `yaml:"backoff"`
	MaxFailures     int             `yaml:"max_failures"`
	BreakerCooldown time.Duration   `yaml:"breaker_cooldown"`
	StopGrace       time.Duration   `yaml:"stop_grace"`
	JoinTimeout     time.Duration   `yaml:"join_timeout"`
	DialTimeout     time.Duration   `yaml:"dial_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout"`
	// StableSession is how long a session must stream audio before earlier
	// failures are forgiven, even if it later ends with an error.
	StableSession time.Duration `yaml:"stable_session"`
	DedupCap      int           `yaml:"dedup_cap"`
	RingSize      int           `yaml:"ring_size"`
}

type ManagerConfig struct {
	HealthInterval   time.Duration `yaml:"health_interval"`
	WatchdogTimeout  time.Duration `yaml:"watchdog_timeout"`
	StartConcurrency int           `yaml:"start_concurrency"`
}

type TranscriptsConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxPerCamera  int64         `yaml:"max_per_camera"`
	MaxPending    int           `yaml:"max_pending"`
	Dir           string        `yaml:"dir"`
	SaveToFile    bool          `yaml:"save_to_file"`
	Filter        FilterConfig  `yaml:"filter"`
}

type FilterConfig struct {
	Enabled          *bool    `yaml:"enabled"`
	MinChars         int      `yaml:"min_chars"`
	LogprobThreshold *float64 `yaml:"logprob_threshold"`
	ExtraPhrases     []string `yaml:"extra_phrases"`
}

// Validate fills defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.RedisAddr == "" {
		c.RedisAddr = DefaultRedisAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	switch c.CameraSource {
	case "":
		c.CameraSource = SourceRedis
	case SourceRedis:
	case SourceFile:
		if c.CamerasFile == "" {
			return fmt.Errorf("%w: cameras_file is required when camera_source is %q", ErrInvalidConfig, SourceFile)
		}
	default:
		return fmt.Errorf("%w: unknown camera_source %q", ErrInvalidConfig, c.CameraSource)
	}

	if err := c.Whisper.validate(); err != nil {
		return err
	}
	c.VideoProxy.setDefaults()
	if c.VideoProxy.Enabled {
		for _, h := range []string{c.VideoProxy.Host, c.VideoProxy.ExternalHost} {
			if err := hostutil.ValidateHost(h); err != nil {
				return fmt.Errorf("%w: video_proxy: %v", ErrInvalidConfig, err)
			}
		}
	}
	c.Extractor.setDefaults()
	if err := c.Worker.validate(); err != nil {
		return err
	}
	c.Manager.setDefaults()
	c.Transcripts.setDefaults()
	return nil
}

func (w *WhisperConfig) validate() error {
	if w.Host == "" {
		w.Host = "whisper-live"
	}
	if err := hostutil.ValidateHost(w.Host); err != nil {
		return fmt.Errorf("%w: whisper.host: %v", ErrInvalidConfig, err)
	}
	if w.Port == 0 {
		w.Port = 9090
	}
	if w.Port < 0 || w.Port > 65535 {
		return fmt.Errorf("%w: whisper.port %d out of range", ErrInvalidConfig, w.Port)
	}
	if w.Language == "" {
		w.Language = "en"
	}
	if w.Task == "" {
		w.Task = "transcribe"
	}
	if w.Model == "" {
		w.Model = "small"
	}
	if w.UseVAD == nil {
		w.UseVAD = boolPtr(true)
	}
	if w.VADOnset == 0 {
		w.VADOnset = 0.5
	}
	if w.VADOffset == 0 {
		w.VADOffset = 0.5
	}
	if w.BeamSize == 0 {
		w.BeamSize = 5
	}
	if len(w.Temperature) == 0 {
		w.Temperature = []float64{0.0, 0.2, 0.4, 0.6, 0.8}
	}
	if w.NoSpeechThreshold == 0 {
		w.NoSpeechThreshold = 0.6
	}
	if w.LogprobThreshold == 0 {
		w.LogprobThreshold = -1.0
	}
	if w.CompressionRatioThreshold == 0 {
		w.CompressionRatioThreshold = 1.35
	}
	if w.ConditionOnPreviousText == nil {
		w.ConditionOnPreviousText = boolPtr(true)
	}
	return nil
}

func (v *VideoProxyConfig) setDefaults() {
	if v.Host == "" {
		v.Host = "localhost"
	}
	if v.Port == 0 {
		v.Port = 1984
	}
	if v.RTSPPort == 0 {
		v.RTSPPort = 8554
	}
	if v.ExternalHost == "" {
		v.ExternalHost = v.Host
	}
	if v.Timeout <= 0 {
		v.Timeout = 10 * time.Second
	}
}

func (e *ExtractorConfig) setDefaults() {
	if e.Path == "" {
		e.Path = "ffmpeg"
	}
	if e.RTSPTransport == "" {
		e.RTSPTransport = "tcp"
	}
	if e.SampleRate == 0 {
		e.SampleRate = 16000
	}
	if e.FrameBytes == 0 {
		e.FrameBytes = 4096
	}
}

func (w *WorkerConfig) validate() error {
	if len(w.Backoff) == 0 {
		w.Backoff = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second}
	}
	for i := 1; i < len(w.Backoff); i++ {
		if w.Backoff[i] < w.Backoff[i-1] {
			return fmt.Errorf("%w: worker.backoff must be non-decreasing", ErrInvalidConfig)
		}
	}
	if w.MaxFailures <= 0 {
		w.MaxFailures = 10
	}
	if w.BreakerCooldown <= 0 {
		w.BreakerCooldown = 5 * time.Minute
	}
	if w.StopGrace <= 0 {
		w.StopGrace = 5 * time.Second
	}
	if w.JoinTimeout <= 0 {
		w.JoinTimeout = 5 * time.Second
	}
	if w.DialTimeout <= 0 {
		w.DialTimeout = 10 * time.Second
	}
	if w.IdleTimeout <= 0 {
		w.IdleTimeout = 60 * time.Second
	}
	if w.StableSession <= 0 {
		w.StableSession = time.Minute
	}
	if w.DedupCap <= 0 {
		w.DedupCap = 1000
	}
	if w.RingSize <= 0 {
		w.RingSize = 100
	}
	return nil
}

func (m *ManagerConfig) setDefaults() {
	if m.HealthInterval <= 0 {
		m.HealthInterval = 10 * time.Second
	}
	if m.WatchdogTimeout <= 0 {
		m.WatchdogTimeout = 30 * time.Second
	}
	if m.StartConcurrency <= 0 {
		m.StartConcurrency = 4
	}
}

func (t *TranscriptsConfig) setDefaults() {
	if t.BatchSize <= 0 {
		t.BatchSize = 10
	}
	if t.FlushInterval <= 0 {
		t.FlushInterval = 5 * time.Second
	}
	if t.MaxPerCamera <= 0 {
		t.MaxPerCamera = 5000
	}
	if t.MaxPending <= 0 {
		t.MaxPending = 10000
	}
	if t.Dir == "" {
		t.Dir = "/data/transcripts"
	}
	if t.Filter.Enabled == nil {
		t.Filter.Enabled = boolPtr(true)
	}
	if t.Filter.MinChars <= 0 {
		t.Filter.MinChars = 2
	}
	if t.Filter.LogprobThreshold == nil {
		v := -1.0
		t.Filter.LogprobThreshold = &v
	}
}

func boolPtr(b bool) *bool { return &b }
