package stream

import (
	"fmt"
	"sync"
)

// dedupSet remembers final segments already delivered in the current worker
// lifetime. The server re-sends finals while its window slides, keyed by
// start time and text. The set is cleared once it grows past its cap.
type dedupSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
	cap  int
}

func newDedupSet(capN int) *dedupSet {
	if capN <= 0 {
		capN = 1000
	}
	return &dedupSet{seen: make(map[string]struct{}), cap: capN}
}

// firstTime records the segment and reports whether it was new.
func (d *dedupSet) firstTime(start float64, text string) bool {
	key := fmt.Sprintf("%.2f|%s", start, text)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	if len(d.seen) >= d.cap {
		clear(d.seen)
	}
	d.seen[key] = struct{}{}
	return true
}
