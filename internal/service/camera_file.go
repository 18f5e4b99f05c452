package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/edirooss/wallflower/internal/domain/camera"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCamerasFile is returned when the cameras file cannot be applied.
var ErrInvalidCamerasFile = errors.New("invalid cameras file")

// CameraFile is a camera source backed by a YAML file. It is an alternative to
// the Redis repository for single-host deployments.
//
//	cameras:
//	  - id: 1
//	    name: Lobby
//	    source_url: rtsp://10.0.0.5:554/stream1
//	    transcription_enabled: true
type CameraFile struct {
	log  *zap.Logger
	path string

	mu      sync.RWMutex
	cameras map[int64]camera.Camera
}

type camerasFile struct {
	Cameras []camera.Camera `yaml:"cameras"`
}

// NewCameraFile loads path once. A file that fails to load is an error: the
// caller decides whether to abort startup.
func NewCameraFile(log *zap.Logger, path string) (*CameraFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	f := &CameraFile{
		log:  log.Named("camera_file"),
		path: abs,
	}
	if err := f.Reload(); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return f, nil
}

// Path returns the absolute path of the watched file.
func (f *CameraFile) Path() string { return f.path }

// Reload re-reads the file. On error the previous cameras stay in effect.
func (f *CameraFile) Reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read '%s': %w", f.path, err)
	}
	cams, err := parseCamerasFile(raw)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.cameras = cams
	f.mu.Unlock()

	f.log.Info("cameras loaded", zap.Int("count", len(cams)), zap.String("path", f.path))
	return nil
}

func parseCamerasFile(raw []byte) (map[int64]camera.Camera, error) {
	var doc camerasFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrInvalidCamerasFile, err)
	}
	out := make(map[int64]camera.Camera, len(doc.Cameras))
	for i := range doc.Cameras {
		cam := doc.Cameras[i]
		if err := cam.Validate(); err != nil {
			return nil, fmt.Errorf("%w: cameras[%d]: %w", ErrInvalidCamerasFile, i, err)
		}
		if _, dup := out[cam.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate camera id %d", ErrInvalidCamerasFile, cam.ID)
		}
		out[cam.ID] = cam
	}
	return out, nil
}

// GetCamera returns a copy of the camera with id.
func (f *CameraFile) GetCamera(_ context.Context, id int64) (*camera.Camera, error) {
	f.mu.RLock()
	cam, ok := f.cameras[id]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("camera %d: %w", id, camera.ErrNotFound)
	}
	return &cam, nil
}

// ListCameraIDs returns the configured ids in ascending order.
func (f *CameraFile) ListCameraIDs(_ context.Context) ([]int64, error) {
	f.mu.RLock()
	ids := make([]int64, 0, len(f.cameras))
	for id := range f.cameras {
		ids = append(ids, id)
	}
	f.mu.RUnlock()
	slices.Sort(ids)
	return ids, nil
}

// Watch reloads the file on change and calls onChange after each successful
// reload. Bursts of editor writes are coalesced by debounce. Watch blocks
// until ctx is done.
func (f *CameraFile) Watch(ctx context.Context, debounce time.Duration, onChange func(ctx context.Context)) error {
	if debounce <= 0 {
		debounce = 750 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher init: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and config management replace the file
	// by rename, which drops a watch on the file itself.
	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch add dir '%s': %w", dir, err)
	}

	var t *time.Timer
	trigger := func() {
		if ctx.Err() != nil {
			return
		}
		if err := f.Reload(); err != nil {
			f.log.Warn("reload failed; keeping previous cameras", zap.Error(err))
			return
		}
		if onChange != nil {
			onChange(ctx)
		}
	}
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != f.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if t != nil {
					t.Stop()
				}
				t = time.AfterFunc(debounce, trigger)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("watch error", zap.Error(err))
		}
	}
}
