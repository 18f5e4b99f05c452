package stream

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// startMonitor launches the health loop. No-op if already running.
func (m *Manager) startMonitor() {
	m.monMu.Lock()
	defer m.monMu.Unlock()

	if m.monCancel != nil || m.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.monCancel, m.monDone = cancel, done

	go func() {
		defer close(done)
		m.monitor(ctx)
	}()
}

// stopMonitor cancels the health loop and waits for an in-flight check.
func (m *Manager) stopMonitor() {
	m.monMu.Lock()
	cancel, done := m.monCancel, m.monDone
	m.monCancel, m.monDone = nil, nil
	m.monMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) monitor(ctx context.Context) {
	t := time.NewTicker(m.opts.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.checkHealth(ctx)
		}
	}
}

// checkHealth resurrects dead session loops and restarts workers whose
// heartbeat went stale while connecting or streaming. Workers that are backing
// off or held by an open breaker are left alone.
func (m *Manager) checkHealth(ctx context.Context) {
	now := m.opts.Now()

	var g errgroup.Group
	g.SetLimit(m.opts.StartConcurrency)

	for _, w := range m.snapshot() {
		if !w.TranscriptionEnabled() {
			continue
		}
		st := w.Status()
		if !st.Running {
			continue
		}
		log := m.log.With(zap.Int64("camera_id", st.CameraID))

		if !st.LoopAlive {
			if w.Respawn() {
				log.Warn("session loop died; respawned", zap.String("last_error", st.Error))
			}
			continue
		}

		if st.State != StateConnecting && st.State != StateConnected {
			continue
		}
		if idle := now.Sub(st.Heartbeat); idle >= m.opts.WatchdogTimeout {
			log.Warn("watchdog: no audio heartbeat; restarting worker",
				zap.Duration("idle", idle),
				zap.String("state", string(st.State)))
			// Rebuilt from the worker's own config: a source outage must not
			// leave the camera without a worker.
			cam := w.Camera()
			g.Go(func() error {
				if err := m.restart(ctx, st.CameraID, w, &cam, true); err != nil {
					log.Error("watchdog restart failed", zap.Error(err))
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}
