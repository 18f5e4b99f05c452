package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/edirooss/wallflower/internal/domain/camera"
	"go.uber.org/zap/zaptest"
)

const twoCameras = `
cameras:
  - id: 2
    name: Dock
    source_url: rtsp://10.0.0.6/stream1
  - id: 1
    name: Lobby
    source_url: rtsp://10.0.0.5/stream1
    transcription_enabled: true
    tuning:
      language: he
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCameraFileLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	writeFile(t, path, twoCameras)

	f, err := NewCameraFile(zaptest.NewLogger(t), path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ids, _ := f.ListCameraIDs(ctx)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected ids %v", ids)
	}
	cam, err := f.GetCamera(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !cam.TranscriptionEnabled || cam.Tuning == nil || *cam.Tuning.Language != "he" {
		t.Fatalf("unexpected camera:\n%s", spew.Sdump(cam))
	}
	if _, err := f.GetCamera(ctx, 9); !errors.Is(err, camera.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseCamerasFileRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate": "cameras:\n  - {id: 1, source_url: rtsp://a/1}\n  - {id: 1, source_url: rtsp://a/2}\n",
		"invalid":   "cameras:\n  - {id: 0, source_url: rtsp://a/1}\n",
		"malformed": "cameras: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseCamerasFile([]byte(body)); !errors.Is(err, ErrInvalidCamerasFile) {
				t.Fatalf("expected ErrInvalidCamerasFile, got %v", err)
			}
		})
	}
}

func TestCameraFileReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	writeFile(t, path, twoCameras)
	f, err := NewCameraFile(zaptest.NewLogger(t), path)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "cameras: [")
	if err := f.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if ids, _ := f.ListCameraIDs(context.Background()); len(ids) != 2 {
		t.Fatalf("previous cameras lost: %v", ids)
	}
}

func TestCameraFileWatchCallsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	writeFile(t, path, twoCameras)
	f, err := NewCameraFile(zaptest.NewLogger(t), path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 4)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- f.Watch(ctx, 20*time.Millisecond, func(context.Context) { changed <- struct{}{} })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "cameras:\n  - {id: 3, source_url: rtsp://a/3}\n")

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("onChange not called")
	}
	ids, _ := f.ListCameraIDs(ctx)
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("unexpected ids after reload %v", ids)
	}

	cancel()
	select {
	case err := <-watchErr:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not return after cancel")
	}
}
