package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/edirooss/wallflower/internal/infrastructure/go2rtc"
	"github.com/edirooss/wallflower/internal/stream"
	"go.uber.org/zap/zaptest"
)

type fakeLister struct {
	calls    atomic.Int32
	statuses []stream.Status
}

func (f *fakeLister) Statuses() []stream.Status {
	f.calls.Add(1)
	return f.statuses
}

type fakeStreams struct {
	streams map[string]go2rtc.StreamInfo
	err     error
}

func (f *fakeStreams) Streams(context.Context) (map[string]go2rtc.StreamInfo, error) {
	return f.streams, f.err
}

func TestSummaryCachesWithinTTL(t *testing.T) {
	lister := &fakeLister{statuses: []stream.Status{{CameraID: 1}, {CameraID: 2}}}
	proxy := &fakeStreams{streams: map[string]go2rtc.StreamInfo{
		"camera_1": {Name: "camera_1", Producers: []map[string]any{{"url": "rtsp://a/1"}}},
	}}
	s := NewSummaryService(zaptest.NewLogger(t), lister, proxy, SummaryOptions{TTL: time.Hour})
	ctx := context.Background()

	first, err := s.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.CacheHit || len(first.Data) != 2 {
		t.Fatalf("unexpected first result:\n%s", spew.Sdump(first))
	}
	if p := first.Data[0].ProxyActive; p == nil || !*p {
		t.Fatal("camera 1 should be proxy-active")
	}
	if p := first.Data[1].ProxyActive; p == nil || *p {
		t.Fatal("camera 2 should be known inactive")
	}

	second, _ := s.Get(ctx)
	if !second.CacheHit || lister.calls.Load() != 1 {
		t.Fatalf("expected cache hit, lister calls %d", lister.calls.Load())
	}

	s.Invalidate()
	third, _ := s.Get(ctx)
	if third.CacheHit || lister.calls.Load() != 2 {
		t.Fatalf("invalidate did not force a refresh, lister calls %d", lister.calls.Load())
	}
}

func TestSummaryCoalescesConcurrentRefreshes(t *testing.T) {
	lister := &fakeLister{statuses: []stream.Status{{CameraID: 1}}}
	s := NewSummaryService(zaptest.NewLogger(t), lister, nil, SummaryOptions{TTL: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Get(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := lister.calls.Load(); n != 1 {
		t.Fatalf("expected one refresh, got %d", n)
	}
}

func TestSummaryProxyFailureLeavesActivityUnset(t *testing.T) {
	lister := &fakeLister{statuses: []stream.Status{{CameraID: 1}}}
	s := NewSummaryService(zaptest.NewLogger(t), lister, &fakeStreams{err: errors.New("proxy down")}, SummaryOptions{})

	res, err := s.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Data) != 1 || res.Data[0].ProxyActive != nil {
		t.Fatalf("unexpected result:\n%s", spew.Sdump(res))
	}
}
