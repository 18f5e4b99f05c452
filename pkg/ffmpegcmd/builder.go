// Package ffmpegcmd builds ffmpeg invocations. It only constructs argument
// vectors; running them belongs to processmgr.
//
// Usage:
//
//	argv := ffmpegcmd.AudioExtraction("ffmpeg", url, ffmpegcmd.AudioOptions{SampleRate: 16000})
//	log.Info("launching", zap.String("cmd", ffmpegcmd.Redacted(argv)))
package ffmpegcmd

import (
	"net/url"
	"strconv"
	"strings"
)

// Builder appends ffmpeg arguments in order. Not concurrency-safe.
type Builder struct {
	args []string
}

// NewBuilder returns a Builder whose argv[0] is bin.
func NewBuilder(bin string) *Builder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Builder{args: []string{bin}}
}

// WithFlag appends "-flag value" when value is non-empty.
func (b *Builder) WithFlag(flag, val string) *Builder {
	if val != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// WithIntFlag appends "-flag value" (always emitted).
func (b *Builder) WithIntFlag(flag string, val int) *Builder {
	b.args = append(b.args, flag, strconv.Itoa(val))
	return b
}

// WithSwitch appends a value-less flag such as -vn.
func (b *Builder) WithSwitch(flag string) *Builder {
	b.args = append(b.args, flag)
	return b
}

// WithArg appends a positional argument when non-empty.
func (b *Builder) WithArg(arg string) *Builder {
	if arg != "" {
		b.args = append(b.args, arg)
	}
	return b
}

// BuildArgv returns a copy of the argument vector.
func (b *Builder) BuildArgv() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// AudioOptions describes the raw PCM stream written to stdout.
type AudioOptions struct {
	RTSPTransport string // "tcp" when empty
	SampleRate    int    // 16000 when zero
	Channels      int    // 1 when zero
	// Codec and Format select the sample encoding; float32 little-endian when empty.
	Codec    string
	Format   string
	LogLevel string // "warning" when empty
}

// AudioExtraction returns argv that pulls src, drops video and writes raw
// mono PCM to stdout.
func AudioExtraction(bin, src string, o AudioOptions) []string {
	if o.RTSPTransport == "" {
		o.RTSPTransport = "tcp"
	}
	if o.SampleRate == 0 {
		o.SampleRate = 16000
	}
	if o.Channels == 0 {
		o.Channels = 1
	}
	if o.Codec == "" {
		o.Codec = "pcm_f32le"
	}
	if o.Format == "" {
		o.Format = "f32le"
	}
	if o.LogLevel == "" {
		o.LogLevel = "warning"
	}

	b := NewBuilder(bin)
	if strings.HasPrefix(strings.ToLower(src), "rtsp") {
		b.WithFlag("-rtsp_transport", o.RTSPTransport)
	}
	return b.
		WithFlag("-i", src).
		WithSwitch("-vn").
		WithFlag("-acodec", o.Codec).
		WithIntFlag("-ar", o.SampleRate).
		WithIntFlag("-ac", o.Channels).
		WithFlag("-f", o.Format).
		WithFlag("-loglevel", o.LogLevel).
		WithArg("pipe:1").
		BuildArgv()
}

// Redacted renders argv as a shell-quoted string with URL credentials masked.
func Redacted(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shQuote(RedactURL(a))
	}
	return strings.Join(quoted, " ")
}

// RedactURL masks the password of a URL with userinfo. Other strings are returned unchanged.
func RedactURL(s string) string {
	if !strings.Contains(s, "://") || !strings.Contains(s, "@") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	return u.Redacted()
}

// shQuote returns a POSIX-safe single-quoted token.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
