package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader reads the YAML config file and applies WALLFLOWER_* environment
// overrides. Tests can override ReadFile and Lookup.
type Loader struct {
	// Path of the YAML file. Empty means DefaultConfigPath, which may be absent.
	Path     string
	ReadFile func(string) ([]byte, error)
	Lookup   func(string) (string, bool)
}

// Load returns a validated Config.
func (l Loader) Load() (Config, error) {
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	path, explicit := l.Path, l.Path != ""
	if !explicit {
		path = DefaultConfigPath
		if p, ok := l.Lookup("WALLFLOWER_CONFIG"); ok && strings.TrimSpace(p) != "" {
			path, explicit = strings.TrimSpace(p), true
		}
	}

	var cfg Config
	data, err := l.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := l.applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l Loader) applyEnv(cfg *Config) error {
	overrideString(l.Lookup, "WALLFLOWER_HTTP_ADDRESS", &cfg.HTTPAddr)
	overrideString(l.Lookup, "WALLFLOWER_PORT", &cfg.Port)
	overrideString(l.Lookup, "WALLFLOWER_GRPC_HEALTH_ADDRESS", &cfg.GRPCHealth)
	overrideString(l.Lookup, "WALLFLOWER_REDIS_ADDRESS", &cfg.RedisAddr)
	overrideString(l.Lookup, "WALLFLOWER_LOG_LEVEL", &cfg.LogLevel)
	overrideString(l.Lookup, "WALLFLOWER_CAMERA_SOURCE", &cfg.CameraSource)
	overrideString(l.Lookup, "WALLFLOWER_CAMERAS_FILE", &cfg.CamerasFile)
	overrideString(l.Lookup, "WALLFLOWER_WHISPER_HOST", &cfg.Whisper.Host)
	overrideString(l.Lookup, "WALLFLOWER_WHISPER_MODEL", &cfg.Whisper.Model)
	overrideString(l.Lookup, "WALLFLOWER_WHISPER_LANGUAGE", &cfg.Whisper.Language)
	overrideString(l.Lookup, "WALLFLOWER_VIDEO_PROXY_HOST", &cfg.VideoProxy.Host)
	overrideString(l.Lookup, "WALLFLOWER_VIDEO_PROXY_EXTERNAL_HOST", &cfg.VideoProxy.ExternalHost)
	overrideString(l.Lookup, "WALLFLOWER_FFMPEG_PATH", &cfg.Extractor.Path)
	overrideString(l.Lookup, "WALLFLOWER_TRANSCRIPTS_DIR", &cfg.Transcripts.Dir)

	if v, ok := lookup(l.Lookup, "ENV"); ok {
		cfg.Dev = v == "dev"
	}
	if err := overrideInt(l.Lookup, "WALLFLOWER_WHISPER_PORT", &cfg.Whisper.Port); err != nil {
		return err
	}
	if err := overrideInt(l.Lookup, "WALLFLOWER_VIDEO_PROXY_PORT", &cfg.VideoProxy.Port); err != nil {
		return err
	}
	if err := overrideInt(l.Lookup, "WALLFLOWER_VIDEO_PROXY_RTSP_PORT", &cfg.VideoProxy.RTSPPort); err != nil {
		return err
	}
	if err := overrideInt(l.Lookup, "WALLFLOWER_MAX_FAILURES", &cfg.Worker.MaxFailures); err != nil {
		return err
	}
	if err := overrideBool(l.Lookup, "WALLFLOWER_VIDEO_PROXY_ENABLED", &cfg.VideoProxy.Enabled); err != nil {
		return err
	}
	if err := overrideBool(l.Lookup, "WALLFLOWER_SAVE_TRANSCRIPTS_TO_FILE", &cfg.Transcripts.SaveToFile); err != nil {
		return err
	}
	if err := overrideDuration(l.Lookup, "WALLFLOWER_BREAKER_COOLDOWN", &cfg.Worker.BreakerCooldown); err != nil {
		return err
	}
	if err := overrideDuration(l.Lookup, "WALLFLOWER_WATCHDOG_TIMEOUT", &cfg.Manager.WatchdogTimeout); err != nil {
		return err
	}
	return nil
}

func lookup(fn func(string) (string, bool), key string) (string, bool) {
	v, ok := fn(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func overrideString(fn func(string) (string, bool), key string, target *string) {
	if v, ok := lookup(fn, key); ok {
		*target = v
	}
}

func overrideInt(fn func(string) (string, bool), key string, target *int) error {
	v, ok := lookup(fn, key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = n
	return nil
}

func overrideBool(fn func(string) (string, bool), key string, target *bool) error {
	v, ok := lookup(fn, key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = b
	return nil
}

func overrideDuration(fn func(string) (string, bool), key string, target *time.Duration) error {
	v, ok := lookup(fn, key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = d
	return nil
}
