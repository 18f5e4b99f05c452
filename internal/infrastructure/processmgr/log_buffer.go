package processmgr

import "sync"

// LogBufferSize is the number of stderr lines kept per camera.
const LogBufferSize = 500

// LogBuffer is a thread-safe circular buffer of stderr lines with O(1) append.
type LogBuffer struct {
	entries [LogBufferSize]string
	head    int // next write position
	size    int
	mu      sync.RWMutex
}

// Append adds a line, overwriting the oldest when full.
func (b *LogBuffer) Append(entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	const capN = len(b.entries)
	b.entries[b.head] = entry
	b.head = (b.head + 1) % capN
	if b.size < capN {
		b.size++
	}
}

// Read returns up to lines entries, newest → oldest, in a new slice.
// lines <= 0 or above capacity returns everything available.
func (b *LogBuffer) Read(lines int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	const capN = len(b.entries)
	if b.size == 0 {
		return nil
	}
	if lines <= 0 || lines > capN {
		lines = capN
	}
	n := min(b.size, lines)

	result := make([]string, n)
	newest := (b.head - 1 + capN) % capN
	for i := 0; i < n; i++ {
		result[i] = b.entries[(newest-i+capN)%capN]
	}
	return result
}
