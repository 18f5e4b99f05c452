package processmgr

import "sync"

// LogManager keeps one stderr LogBuffer per camera. Buffers outlive
// individual subprocesses so a restart keeps the previous run's output.
type LogManager struct {
	mu   sync.RWMutex
	bufs map[int64]*LogBuffer // camera ID → buffer
}

func NewLogManager() *LogManager {
	return &LogManager{bufs: make(map[int64]*LogBuffer)}
}

// Get returns the buffer for a camera, creating it on first use.
func (lm *LogManager) Get(cameraID int64) *LogBuffer {
	lm.mu.RLock()
	buf, ok := lm.bufs[cameraID]
	lm.mu.RUnlock()
	if ok {
		return buf
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if buf, ok := lm.bufs[cameraID]; ok {
		return buf
	}
	buf = new(LogBuffer)
	lm.bufs[cameraID] = buf
	return buf
}

// Lookup returns the buffer for a camera without creating one.
func (lm *LogManager) Lookup(cameraID int64) (*LogBuffer, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	buf, ok := lm.bufs[cameraID]
	return buf, ok
}
