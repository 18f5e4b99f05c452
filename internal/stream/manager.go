package stream

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edirooss/wallflower/internal/config"
	"github.com/edirooss/wallflower/internal/domain/camera"
	"github.com/edirooss/wallflower/internal/transcript"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------
//
// Runtime model
//   • One Worker per camera id, created on start and discarded on stop.
//   • Lifecycle calls for the SAME id are serialized via a per-id gate, so
//     Restart never leaves a gap another caller could start into.
//   • mu guards registry membership only. Camera lookups, proxy calls and
//     worker teardown run outside it, with a re-check before insert.
//   • Status reads go straight to the worker and never wait on lifecycle calls.
//
// Video proxy registration is best-effort: a failure is logged and the
// worker still starts (audio then comes from the proxy restream, which the
// extractor retries like any other source failure).

// WorkerFactory builds a stopped worker for a camera.
type WorkerFactory func(cam camera.Camera) *Worker

// ManagerOptions tunes the registry and its health monitor.
type ManagerOptions struct {
	HealthInterval   time.Duration
	WatchdogTimeout  time.Duration
	StartConcurrency int
	ProxyTimeout     time.Duration
	Now              func() time.Time
}

// NewManagerOptions extracts manager options from a validated config.
func NewManagerOptions(cfg config.Config) ManagerOptions {
	return ManagerOptions{
		HealthInterval:   cfg.Manager.HealthInterval,
		WatchdogTimeout:  cfg.Manager.WatchdogTimeout,
		StartConcurrency: cfg.Manager.StartConcurrency,
		ProxyTimeout:     cfg.VideoProxy.Timeout,
	}
}

func (o *ManagerOptions) setDefaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = 30 * time.Second
	}
	if o.StartConcurrency <= 0 {
		o.StartConcurrency = 4
	}
	if o.ProxyTimeout <= 0 {
		o.ProxyTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager owns the camera id → Worker registry and the health monitor.
type Manager struct {
	log       *zap.Logger
	src       CameraSource
	proxy     VideoProxy
	newWorker WorkerFactory
	opts      ManagerOptions

	gates gates

	mu       sync.Mutex
	workers  map[int64]*Worker
	restarts map[int64]int // watchdog restarts, carried across worker instances

	closed       atomic.Bool
	shutdownOnce sync.Once

	monMu     sync.Mutex
	monCancel context.CancelFunc
	monDone   chan struct{}
}

// NewManager wires a registry. proxy may be nil.
func NewManager(log *zap.Logger, src CameraSource, proxy VideoProxy, newWorker WorkerFactory, opts ManagerOptions) *Manager {
	opts.setDefaults()
	return &Manager{
		log:       log.Named("manager"),
		src:       src,
		proxy:     proxy,
		newWorker: newWorker,
		opts:      opts,
		workers:   make(map[int64]*Worker),
		restarts:  make(map[int64]int),
	}
}

// StartWorker starts the worker for id. Reports false without error if it was
// already running.
func (m *Manager) StartWorker(ctx context.Context, id int64) (bool, error) {
	unlock := m.gates.lock(id)
	defer unlock()
	return m.startLocked(ctx, id)
}

// StopWorker stops and removes the worker for id. Reports whether one was running.
func (m *Manager) StopWorker(ctx context.Context, id int64) bool {
	unlock := m.gates.lock(id)
	defer unlock()

	stopped := m.stopLocked(ctx, id, true)
	if stopped {
		m.mu.Lock()
		delete(m.restarts, id)
		m.mu.Unlock()
	}
	return stopped
}

// RestartWorker stops then starts id with the camera config re-read. If the
// lookup fails the running worker is left untouched, unless the camera is
// gone from the source, in which case it is stopped.
func (m *Manager) RestartWorker(ctx context.Context, id int64) error {
	return m.restart(ctx, id, nil, nil, false)
}

// restart replaces the worker for id with one built from cam, or from a fresh
// source lookup when cam is nil. When expect is set, nothing happens unless
// expect is still the registered worker.
func (m *Manager) restart(ctx context.Context, id int64, expect *Worker, cam *camera.Camera, watchdog bool) error {
	unlock := m.gates.lock(id)
	defer unlock()

	m.mu.Lock()
	current := m.workers[id]
	m.mu.Unlock()
	if expect != nil && current != expect {
		return nil
	}

	if cam == nil {
		var err error
		if cam, err = m.src.GetCamera(ctx, id); err != nil {
			if errors.Is(err, camera.ErrNotFound) {
				m.stopLocked(ctx, id, true)
			}
			return fmt.Errorf("restart camera %d: get camera: %w", id, err)
		}
	}

	if watchdog {
		m.mu.Lock()
		m.restarts[id]++
		m.mu.Unlock()
	}
	m.stopLocked(ctx, id, false)
	if _, err := m.launchLocked(ctx, *cam); err != nil {
		return fmt.Errorf("restart camera %d: %w", id, err)
	}
	return nil
}

// ForceRetry interrupts the backoff or breaker cooldown of a running worker.
func (m *Manager) ForceRetry(id int64) error {
	w, ok := m.Worker(id)
	if !ok {
		return fmt.Errorf("camera %d: %w", id, ErrUnknownCamera)
	}
	w.ForceRetry()
	return nil
}

// startLocked must be called with the id gate held.
func (m *Manager) startLocked(ctx context.Context, id int64) (bool, error) {
	if m.closed.Load() {
		return false, ErrShuttingDown
	}
	m.mu.Lock()
	_, running := m.workers[id]
	m.mu.Unlock()
	if running {
		return false, nil
	}

	cam, err := m.src.GetCamera(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get camera %d: %w", id, err)
	}
	return m.launchLocked(ctx, *cam)
}

// launchLocked registers and starts a worker for cam. Must be called with the
// id gate held.
func (m *Manager) launchLocked(ctx context.Context, cam camera.Camera) (bool, error) {
	id := cam.ID
	if m.closed.Load() {
		return false, ErrShuttingDown
	}
	m.registerProxy(ctx, &cam)

	w := m.newWorker(cam)

	m.mu.Lock()
	if _, running := m.workers[id]; running {
		m.mu.Unlock()
		m.log.Debug("worker already started by a concurrent caller", zap.Int64("camera_id", id))
		return false, nil
	}
	if m.closed.Load() {
		m.mu.Unlock()
		return false, ErrShuttingDown
	}
	m.workers[id] = w
	restarts := m.restarts[id]
	m.mu.Unlock()

	if restarts > 0 {
		w.setWatchdogRestarts(restarts)
	}
	w.Start()
	return true, nil
}

// stopLocked must be called with the id gate held.
func (m *Manager) stopLocked(ctx context.Context, id int64, unregister bool) bool {
	m.mu.Lock()
	w, ok := m.workers[id]
	delete(m.workers, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	w.Stop()
	if unregister {
		m.unregisterProxy(ctx, id)
	}
	return true
}

func (m *Manager) registerProxy(ctx context.Context, cam *camera.Camera) {
	if m.proxy == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProxyTimeout)
	defer cancel()
	if err := m.proxy.Register(ctx, camera.ProxyStreamName(cam.ID), cam.SourceURL); err != nil {
		m.log.Warn("video proxy registration failed; continuing", zap.Int64("camera_id", cam.ID), zap.Error(err))
	}
}

func (m *Manager) unregisterProxy(ctx context.Context, id int64) {
	if m.proxy == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProxyTimeout)
	defer cancel()
	if err := m.proxy.Unregister(ctx, camera.ProxyStreamName(id)); err != nil {
		m.log.Warn("video proxy unregistration failed", zap.Int64("camera_id", id), zap.Error(err))
	}
}

// ReconcileWithSource makes the registry match the camera source: workers for
// removed ids are stopped, new ids are started and cameras whose config
// changed are restarted. Individual failures are joined into the result.
func (m *Manager) ReconcileWithSource(ctx context.Context) error {
	ids, err := m.src.ListCameraIDs(ctx)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}
	desired := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		desired[id] = struct{}{}
	}

	m.mu.Lock()
	var stale, kept []int64
	for id := range m.workers {
		if _, ok := desired[id]; ok {
			kept = append(kept, id)
		} else {
			stale = append(stale, id)
		}
	}
	var fresh []int64
	for id := range desired {
		if _, ok := m.workers[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	record := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(m.opts.StartConcurrency)
	for _, id := range stale {
		g.Go(func() error {
			m.StopWorker(ctx, id)
			return nil
		})
	}
	for _, id := range fresh {
		g.Go(func() error {
			if _, err := m.StartWorker(ctx, id); err != nil {
				record(err)
			}
			return nil
		})
	}
	for _, id := range kept {
		g.Go(func() error {
			if err := m.refresh(ctx, id); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("reconciled with camera source",
		zap.Int("desired", len(desired)),
		zap.Int("started", len(fresh)),
		zap.Int("stopped", len(stale)),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// refresh restarts id when its stored config no longer matches the running worker.
func (m *Manager) refresh(ctx context.Context, id int64) error {
	w, ok := m.Worker(id)
	if !ok {
		return nil
	}
	cam, err := m.src.GetCamera(ctx, id)
	if err != nil {
		return fmt.Errorf("get camera %d: %w", id, err)
	}
	if reflect.DeepEqual(w.Camera(), *cam) {
		return nil
	}
	m.log.Info("camera config changed; restarting worker", zap.Int64("camera_id", id))
	return m.restart(ctx, id, w, cam, false)
}

// StartAll starts the health monitor and every configured camera.
func (m *Manager) StartAll(ctx context.Context) error {
	m.startMonitor()
	return m.ReconcileWithSource(ctx)
}

// Shutdown stops the monitor and every worker. Runs once; later calls return
// immediately. Proxy registrations are left in place for the next start.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.stopMonitor()

		m.mu.Lock()
		m.closed.Store(true)
		ws := m.workers
		m.workers = make(map[int64]*Worker)
		m.mu.Unlock()

		var wg sync.WaitGroup
		for id, w := range ws {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// Wait out a concurrent start of the same id before stopping.
				unlock := m.gates.lock(id)
				defer unlock()
				w.Stop()
			}()
		}
		wg.Wait()
		m.log.Info("all workers stopped", zap.Int("count", len(ws)))
	})
}

// Worker returns the running worker for id.
func (m *Manager) Worker(id int64) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return w, ok
}

// Status returns the status of a running worker.
func (m *Manager) Status(id int64) (Status, error) {
	w, ok := m.Worker(id)
	if !ok {
		return Status{}, fmt.Errorf("camera %d: %w", id, ErrUnknownCamera)
	}
	return w.Status(), nil
}

// Statuses returns the status of every running worker ordered by camera id.
func (m *Manager) Statuses() []Status {
	ws := m.snapshot()
	out := make([]Status, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Status())
	}
	return out
}

// Transcripts returns the recent segments of a running worker.
func (m *Manager) Transcripts(id int64) ([]transcript.Segment, error) {
	w, ok := m.Worker(id)
	if !ok {
		return nil, fmt.Errorf("camera %d: %w", id, ErrUnknownCamera)
	}
	return w.Transcripts(), nil
}

// snapshot copies the registry ordered by camera id.
func (m *Manager) snapshot() []*Worker {
	m.mu.Lock()
	ws := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	slices.SortFunc(ws, func(a, b *Worker) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
	return ws
}
