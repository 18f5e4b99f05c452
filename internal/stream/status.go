package stream

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ConnectionState is the worker lifecycle state.
type ConnectionState string

const (
	StateStopped    ConnectionState = "stopped"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateRetrying   ConnectionState = "retrying"
	StateFailed     ConnectionState = "failed"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Status is a point-in-time copy of a worker's observable state. Snapshots
// are internally consistent: every field comes from the same transition.
type Status struct {
	CameraID   int64  `json:"camera_id"`
	CameraName string `json:"camera_name,omitempty"`

	Running            bool `json:"running"`
	LoopAlive          bool `json:"loop_alive"`
	ExtractorConnected bool `json:"extractor_connected"`
	SessionConnected   bool `json:"session_connected"`

	State   ConnectionState `json:"state"`
	Breaker BreakerState    `json:"breaker"`

	ConsecutiveFailures int   `json:"consecutive_failures"`
	RetryCount          int   `json:"retry_count"`
	ExtractorStarts     int64 `json:"extractor_starts"`
	SessionConnects     int64 `json:"session_connects"`
	WatchdogRestarts    int   `json:"watchdog_restarts"`

	LastSuccessfulConnection *time.Time    `json:"last_successful_connection,omitempty"`
	LastAudioAt              *time.Time    `json:"last_audio_at,omitempty"`
	NextRetryAt              *time.Time    `json:"next_retry_at,omitempty"`
	LastRetryDelay           time.Duration `json:"last_retry_delay"`
	BreakerOpenedAt          *time.Time    `json:"breaker_opened_at,omitempty"`

	// Heartbeat is refreshed on start, on every session attempt and on every
	// audio frame. The health monitor restarts workers whose heartbeat is stale.
	Heartbeat time.Time `json:"heartbeat"`

	Error          string        `json:"error,omitempty"`
	ErrorCategory  ErrorCategory `json:"error_category,omitempty"`
	LastTranscript string        `json:"last_transcript,omitempty"`

	// Seq increases by one on every recorded change.
	Seq int64 `json:"seq"`
}

// statusBox guards the mutable status. Readers always get a copy.
type statusBox struct {
	mu sync.RWMutex
	s  Status
}

func (b *statusBox) update(fn func(s *Status)) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.s)
	b.s.Seq++
	return b.s
}

func (b *statusBox) snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s
}

const maxErrorRunes = 200

var credentialsInURL = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.-]*://)[^/@\s]+@`)

// displayError renders err for operators: credentials masked, control
// characters removed, at most 200 runes.
func displayError(err error) string {
	if err == nil {
		return ""
	}
	return displayMessage(err.Error())
}

func displayMessage(msg string) string {
	msg = credentialsInURL.ReplaceAllString(msg, "${1}***@")
	msg = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, msg)
	msg = strings.TrimSpace(msg)
	if r := []rune(msg); len(r) > maxErrorRunes {
		return string(r[:maxErrorRunes-3]) + "..."
	}
	return msg
}
