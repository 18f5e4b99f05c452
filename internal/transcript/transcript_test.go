package transcript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/edirooss/wallflower/internal/config"
	"go.uber.org/zap/zaptest"
)

func TestRingKeepsNewest(t *testing.T) {
	r := NewRing(3)
	if r.Snapshot() != nil {
		t.Fatal("empty ring should snapshot to nil")
	}
	for i := 1; i <= 5; i++ {
		r.Append(Segment{Text: string(rune('a' + i - 1)), Start: float64(i)})
	}
	got := r.Snapshot()
	if len(got) != 3 || got[0].Text != "c" || got[2].Text != "e" {
		t.Fatalf("unexpected ring contents:\n%s", spew.Sdump(got))
	}
	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
}

func TestFilter(t *testing.T) {
	var cfg config.TranscriptsConfig
	cfg.Filter.MinChars = 2
	th := -1.0
	cfg.Filter.LogprobThreshold = &th
	cfg.Filter.ExtraPhrases = []string{"  Beep Boop "}
	f := NewFilter(cfg.Filter)

	low, ok := -1.5, -0.5
	cases := []struct {
		seg    Segment
		reason string
	}{
		{Segment{Text: " "}, "too_short"},
		{Segment{Text: "a"}, "too_short"},
		{Segment{Text: "Thank You"}, "hallucination"},
		{Segment{Text: "[music]"}, "hallucination"},
		{Segment{Text: "beep boop"}, "hallucination"},
		{Segment{Text: "please close the door", AvgLogprob: &low}, "low_confidence"},
		{Segment{Text: "please close the door", AvgLogprob: &ok}, ""},
		{Segment{Text: "what time is it"}, ""},
	}
	for _, tc := range cases {
		reason, rejected := f.Reject(tc.seg)
		if reason != tc.reason || rejected != (tc.reason != "") {
			t.Errorf("Reject(%q) = (%q, %v), want %q", tc.seg.Text, reason, rejected, tc.reason)
		}
	}

	off := false
	cfg.Filter.Enabled = &off
	if _, rejected := NewFilter(cfg.Filter).Reject(Segment{Text: "thank you"}); rejected {
		t.Fatal("disabled filter should only reject short text")
	}
}

type fakeStore struct {
	mu    sync.Mutex
	fail  int
	saved [][]Record
}

func (f *fakeStore) SaveTranscripts(_ context.Context, recs []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("redis down")
	}
	f.saved = append(f.saved, append([]Record(nil), recs...))
	return nil
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.saved {
		n += len(b)
	}
	return n
}

func TestSinkRequeuesOnFailure(t *testing.T) {
	store := &fakeStore{fail: 1}
	s := NewBatchSink(zaptest.NewLogger(t), store, SinkOptions{BatchSize: 10, MaxPending: 100})

	s.Add(Record{CameraID: 1, Text: "first"})
	s.Add(Record{CameraID: 1, Text: "second"})
	if err := s.Flush(context.Background()); err == nil {
		t.Fatal("expected store failure")
	}
	if s.Pending() != 2 {
		t.Fatalf("failed batch should be requeued, pending=%d", s.Pending())
	}

	s.Add(Record{CameraID: 1, Text: "third"})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.saved) != 1 || len(store.saved[0]) != 3 || store.saved[0][0].Text != "first" || store.saved[0][2].Text != "third" {
		t.Fatalf("order must be preserved across requeue:\n%s", spew.Sdump(store.saved))
	}
}

func TestSinkBoundsPending(t *testing.T) {
	s := NewBatchSink(zaptest.NewLogger(t), nil, SinkOptions{BatchSize: 100, MaxPending: 3})
	for i := 0; i < 5; i++ {
		s.Add(Record{Text: "x"})
	}
	if s.Pending() != 3 || s.Dropped() != 2 {
		t.Fatalf("pending=%d dropped=%d", s.Pending(), s.Dropped())
	}
}

func TestSinkRunFlushesOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	s := NewBatchSink(zaptest.NewLogger(t), store, SinkOptions{BatchSize: 2, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Add(Record{Text: "one"})
	s.Add(Record{Text: "two"})

	deadline := time.Now().Add(2 * time.Second)
	for store.total() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("batch was not flushed on size")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Add(Record{Text: "three"})
	cancel()
	<-done
	if store.total() != 3 {
		t.Fatalf("final flush missing, saved %d", store.total())
	}
}

func TestSinkAppendsTranscriptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "front.txt")
	s := NewBatchSink(zaptest.NewLogger(t), nil, SinkOptions{})

	at := time.Date(2024, 3, 1, 12, 30, 5, 0, time.Local)
	s.Add(Record{Text: " hello there ", CreatedAt: at, FilePath: path})
	s.Add(Record{Text: "no file", CreatedAt: at})
	s.Add(Record{Text: "general kenobi", CreatedAt: at.Add(time.Second), FilePath: path})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "[2024-03-01 12:30:05] hello there\n[2024-03-01 12:30:06] general kenobi\n"
	if string(data) != want {
		t.Fatalf("unexpected file contents:\n%s", data)
	}
	if strings.Contains(string(data), "no file") {
		t.Fatal("records without a path must not be written")
	}
}
