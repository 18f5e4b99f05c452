// Package whisperlive speaks the WhisperLive streaming protocol: a JSON
// handshake, binary float32 audio frames upstream, JSON results downstream.
package whisperlive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EndOfAudio tells the server no more audio follows.
var EndOfAudio = []byte("END_OF_AUDIO")

var (
	ErrServerDisconnect = errors.New("whisperlive: server requested disconnect")
	ErrServerError      = errors.New("whisperlive: server error")
)

// VADParameters configure server-side voice activity detection.
type VADParameters struct {
	Onset  float64 `json:"onset"`
	Offset float64 `json:"offset"`
}

// Handshake is the first message of every session.
type Handshake struct {
	UID                       string         `json:"uid"`
	Language                  string         `json:"language,omitempty"`
	Task                      string         `json:"task"`
	Model                     string         `json:"model"`
	UseVAD                    bool           `json:"use_vad"`
	VADParameters             *VADParameters `json:"vad_parameters,omitempty"`
	InitialPrompt             string         `json:"initial_prompt,omitempty"`
	ChunkSize                 int            `json:"chunk_size,omitempty"`
	ConditionOnPreviousText   bool           `json:"condition_on_previous_text"`
	BeamSize                  int            `json:"beam_size"`
	Temperature               []float64      `json:"temperature"`
	NoSpeechThreshold         float64        `json:"no_speech_threshold"`
	LogprobThreshold          float64        `json:"logprob_threshold"`
	CompressionRatioThreshold float64        `json:"compression_ratio_threshold"`
}

// Result is one recognized segment as reported by the server.
type Result struct {
	Text       string
	Start      float64
	End        float64
	Final      bool
	AvgLogprob *float64
}

// Control classifies non-result server messages.
type Control int

const (
	ControlNone Control = iota
	ControlServerReady
	ControlWait
	ControlDisconnect
	ControlError
)

// Message is a decoded server message. Unrecognized payloads decode to an
// empty Message.
type Message struct {
	Control Control
	Detail  string
	Results []Result
}

// number accepts JSON numbers and numeric strings ("1.250").
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("number %q: %w", s, err)
		}
		*n = number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = number(v)
	return nil
}

type wireSegment struct {
	Text       *string `json:"text"`
	Start      number  `json:"start"`
	End        number  `json:"end"`
	IsFinal    *bool   `json:"is_final"`
	Completed  *bool   `json:"completed"`
	AvgLogprob *number `json:"avg_logprob"`
}

func (w wireSegment) result() (Result, bool) {
	if w.Text == nil {
		return Result{}, false
	}
	r := Result{
		Text:  *w.Text,
		Start: float64(w.Start),
		End:   float64(w.End),
		Final: (w.IsFinal != nil && *w.IsFinal) || (w.Completed != nil && *w.Completed),
	}
	if w.AvgLogprob != nil {
		v := float64(*w.AvgLogprob)
		r.AvgLogprob = &v
	}
	return r, true
}

type wireMessage struct {
	wireSegment
	Segments []wireSegment `json:"segments"`
	Message  string        `json:"message"`
	Status   string        `json:"status"`
}

// ParseMessage decodes a server text message. It accepts a single result
// object, an object carrying a "segments" list, a bare list of segments, and
// control messages. Malformed JSON is an error; well-formed but unknown
// payloads are not.
func ParseMessage(raw []byte) (Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Message{}, nil
	}

	if raw[0] == '[' {
		var segs []wireSegment
		if err := json.Unmarshal(raw, &segs); err != nil {
			return Message{}, fmt.Errorf("decode segments: %w", err)
		}
		return Message{Results: collect(segs)}, nil
	}

	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}

	var out Message
	switch strings.ToUpper(m.Status) {
	case "WAIT":
		out.Control, out.Detail = ControlWait, m.Message
		return out, nil
	case "ERROR":
		out.Control, out.Detail = ControlError, m.Message
		return out, nil
	}
	switch m.Message {
	case "SERVER_READY":
		out.Control = ControlServerReady
	case "DISCONNECT":
		out.Control = ControlDisconnect
	}

	if m.Segments != nil {
		out.Results = collect(m.Segments)
	} else if r, ok := m.wireSegment.result(); ok {
		out.Results = []Result{r}
	}
	return out, nil
}

func collect(segs []wireSegment) []Result {
	out := make([]Result, 0, len(segs))
	for _, s := range segs {
		if r, ok := s.result(); ok {
			out = append(out, r)
		}
	}
	return out
}
