// Package transcript holds transcript segments, the recent-segment ring, the
// hallucination filter and the batching sink that persists final segments.
package transcript

import (
	"sync"
	"time"
)

// Segment is one piece of recognized speech. Start and End are seconds
// relative to the beginning of the transcription session.
type Segment struct {
	Text       string    `json:"text"`
	Start      float64   `json:"start"`
	End        float64   `json:"end"`
	Final      bool      `json:"final"`
	AvgLogprob *float64  `json:"avg_logprob,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Record is a final segment bound to its camera, as handed to the sink.
type Record struct {
	CameraID   int64     `json:"camera_id"`
	CameraName string    `json:"camera_name,omitempty"`
	Text       string    `json:"text"`
	Start      float64   `json:"start"`
	End        float64   `json:"end"`
	CreatedAt  time.Time `json:"created_at"`

	// FilePath, when set, also appends the record to that text file.
	FilePath string `json:"-"`
}

// Ring keeps the most recent segments, final or not. Safe for concurrent use.
type Ring struct {
	mu      sync.RWMutex
	entries []Segment
	head    int
	size    int
}

// NewRing returns a ring holding up to n segments.
func NewRing(n int) *Ring {
	if n <= 0 {
		n = 100
	}
	return &Ring{entries: make([]Segment, n)}
}

// Append adds a segment, overwriting the oldest when full.
func (r *Ring) Append(s Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capN := len(r.entries)
	r.entries[r.head] = s
	r.head = (r.head + 1) % capN
	if r.size < capN {
		r.size++
	}
}

// Snapshot returns the buffered segments oldest → newest in a new slice.
func (r *Ring) Snapshot() []Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}
	capN := len(r.entries)
	out := make([]Segment, r.size)
	oldest := (r.head - r.size + capN) % capN
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(oldest+i)%capN]
	}
	return out
}

// Len reports how many segments are buffered.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
