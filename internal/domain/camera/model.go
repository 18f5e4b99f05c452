package camera

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/edirooss/wallflower/pkg/hostutil"
)

var (
	ErrNotFound = errors.New("camera not found")
	ErrInvalid  = errors.New("invalid camera")
)

// Camera is the desired configuration of one audio source. It is owned by the
// camera source (Redis or the cameras file) and read by workers at start.
type Camera struct {
	ID                   int64   `json:"id" yaml:"id"`
	Name                 string  `json:"name" yaml:"name"`
	SourceURL            string  `json:"source_url" yaml:"source_url"`
	TranscriptionEnabled bool    `json:"transcription_enabled" yaml:"transcription_enabled"`
	TranscriptFile       string  `json:"transcript_file,omitempty" yaml:"transcript_file,omitempty"`
	Tuning               *Tuning `json:"tuning,omitempty" yaml:"tuning,omitempty"`
}

// Tuning holds per-camera overrides of the transcription defaults. Nil fields
// fall back to the process-wide whisper config.
type Tuning struct {
	Language                *string   `json:"language,omitempty" yaml:"language,omitempty"`
	Model                   *string   `json:"model,omitempty" yaml:"model,omitempty"`
	InitialPrompt           *string   `json:"initial_prompt,omitempty" yaml:"initial_prompt,omitempty"`
	UseVAD                  *bool     `json:"use_vad,omitempty" yaml:"use_vad,omitempty"`
	VADOnset                *float64  `json:"vad_onset,omitempty" yaml:"vad_onset,omitempty"`
	VADOffset               *float64  `json:"vad_offset,omitempty" yaml:"vad_offset,omitempty"`
	BeamSize                *int      `json:"beam_size,omitempty" yaml:"beam_size,omitempty"`
	Temperature             []float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	NoSpeechThreshold       *float64  `json:"no_speech_threshold,omitempty" yaml:"no_speech_threshold,omitempty"`
	LogprobThreshold        *float64  `json:"logprob_threshold,omitempty" yaml:"logprob_threshold,omitempty"`
	ConditionOnPreviousText *bool     `json:"condition_on_previous_text,omitempty" yaml:"condition_on_previous_text,omitempty"`
}

// Validate checks identity, source URL and tuning ranges.
func (c *Camera) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalid)
	}
	if strings.TrimSpace(c.SourceURL) == "" {
		return fmt.Errorf("%w: source_url is required", ErrInvalid)
	}
	u, err := url.Parse(c.SourceURL)
	if err != nil {
		return fmt.Errorf("%w: source_url: %v", ErrInvalid, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: source_url must be absolute", ErrInvalid)
	}
	if err := hostutil.ValidateHost(u.Hostname()); err != nil {
		return fmt.Errorf("%w: source_url: %v", ErrInvalid, err)
	}
	if c.Tuning != nil {
		if err := c.Tuning.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tuning) validate() error {
	if t.BeamSize != nil && (*t.BeamSize < 1 || *t.BeamSize > 10) {
		return fmt.Errorf("%w: beam_size must be within [1, 10]", ErrInvalid)
	}
	for _, v := range t.Temperature {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: temperature values must be within [0, 1]", ErrInvalid)
		}
	}
	if t.NoSpeechThreshold != nil && (*t.NoSpeechThreshold < 0 || *t.NoSpeechThreshold > 1) {
		return fmt.Errorf("%w: no_speech_threshold must be within [0, 1]", ErrInvalid)
	}
	if t.LogprobThreshold != nil && *t.LogprobThreshold > 0 {
		return fmt.Errorf("%w: logprob_threshold must not be positive", ErrInvalid)
	}
	if t.VADOnset != nil && (*t.VADOnset <= 0 || *t.VADOnset >= 1) {
		return fmt.Errorf("%w: vad_onset must be within (0, 1)", ErrInvalid)
	}
	if t.VADOffset != nil && (*t.VADOffset <= 0 || *t.VADOffset >= 1) {
		return fmt.Errorf("%w: vad_offset must be within (0, 1)", ErrInvalid)
	}
	return nil
}

// ParseTemperature parses the comma separated form used by operators ("0.0,0.2,0.4").
func ParseTemperature(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: temperature %q: %v", ErrInvalid, p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ProxyStreamName is the name under which the camera is registered with the video proxy.
func ProxyStreamName(id int64) string {
	return "camera_" + strconv.FormatInt(id, 10)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// TranscriptPath resolves the camera transcript file. An explicit
// TranscriptFile wins; otherwise the file is named after the camera inside dir.
func (c *Camera) TranscriptPath(dir string) string {
	if c.TranscriptFile != "" {
		return c.TranscriptFile
	}
	name := strings.Trim(unsafeNameChars.ReplaceAllString(strings.TrimSpace(c.Name), "_"), "_")
	if name == "" {
		name = ProxyStreamName(c.ID)
	}
	return filepath.Join(dir, name+".txt")
}
