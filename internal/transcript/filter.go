package transcript

import (
	"strings"

	"github.com/edirooss/wallflower/internal/config"
)

// Phrases the speech model is known to emit on silence, music or noise.
var hallucinations = []string{
	"thank you.", "thank you", "you", "you.",
	"i'm sorry.", "i'm sorry",
	"thanks for watching.", "subtitle by",
	"start conversation", "the end",
	"copyright", "all rights reserved",
	"amara.org", "captions by",
	"silence", "bye",
	"subtitles by", "subtitled by", "captioned by",
	"please subscribe", "thank you for watching",
	"goodbye", "see you later", "have a nice day",
	"bye bye", "until next time", "come back soon",
	"[silence]", "[music]", "[applause]",
	"the end.", "end of transmission",
	"thanks", "ok", "sure", "from",
	"sign up", "subscribe today", "join us",
	"support the site", "leave a like", "click here",
	"connection terminated", "signal lost", "standby",
}

// Filter rejects segments that are too short, known hallucinations or below
// the confidence threshold.
type Filter struct {
	enabled  bool
	minChars int
	logprob  *float64
	phrases  map[string]struct{}
}

// NewFilter builds a filter from config. A validated config is expected.
func NewFilter(cfg config.FilterConfig) *Filter {
	f := &Filter{
		enabled:  cfg.Enabled == nil || *cfg.Enabled,
		minChars: cfg.MinChars,
		logprob:  cfg.LogprobThreshold,
		phrases:  make(map[string]struct{}, len(hallucinations)+len(cfg.ExtraPhrases)),
	}
	for _, p := range hallucinations {
		f.phrases[p] = struct{}{}
	}
	for _, p := range cfg.ExtraPhrases {
		f.phrases[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	return f
}

// Reject reports whether seg should be discarded, and why.
func (f *Filter) Reject(seg Segment) (string, bool) {
	text := strings.TrimSpace(seg.Text)
	if len([]rune(text)) < max(f.minChars, 1) {
		return "too_short", true
	}
	if !f.enabled {
		return "", false
	}
	if _, ok := f.phrases[strings.ToLower(text)]; ok {
		return "hallucination", true
	}
	// missing confidence counts as 0 and passes
	if f.logprob != nil && seg.AvgLogprob != nil && *seg.AvgLogprob < *f.logprob {
		return "low_confidence", true
	}
	return "", false
}
