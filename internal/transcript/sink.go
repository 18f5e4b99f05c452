package transcript

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store persists batches of final transcripts.
type Store interface {
	SaveTranscripts(ctx context.Context, recs []Record) error
}

// SinkOptions tunes batching.
type SinkOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxPending bounds the queue while the store is failing; oldest records are dropped first.
	MaxPending int
	// SaveTimeout bounds one store round trip.
	SaveTimeout time.Duration
}

func (o *SinkOptions) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 10000
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 5 * time.Second
	}
}

// BatchSink queues records and writes them to the store in batches, either
// when BatchSize records are pending or every FlushInterval. A failed batch is
// put back at the head of the queue. Add never blocks on I/O.
type BatchSink struct {
	log   *zap.Logger
	store Store
	opts  SinkOptions

	mu      sync.Mutex
	pending []Record
	dropped uint64

	flushMu sync.Mutex
	kick    chan struct{}
}

// NewBatchSink returns a sink writing to store. store may be nil, in which
// case only transcript files are written.
func NewBatchSink(log *zap.Logger, store Store, opts SinkOptions) *BatchSink {
	opts.setDefaults()
	return &BatchSink{
		log:   log.Named("transcript_sink"),
		store: store,
		opts:  opts,
		kick:  make(chan struct{}, 1),
	}
}

// Add enqueues a record.
func (s *BatchSink) Add(r Record) {
	s.mu.Lock()
	s.pending = append(s.pending, r)
	if over := len(s.pending) - s.opts.MaxPending; over > 0 {
		s.pending = s.pending[over:]
		s.dropped += uint64(over)
	}
	full := len(s.pending) >= s.opts.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Pending reports queued records.
func (s *BatchSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run flushes on size or interval until ctx is done, then flushes once more.
func (s *BatchSink) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.FlushInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), s.opts.SaveTimeout)
			if err := s.Flush(final); err != nil {
				s.log.Warn("final flush failed", zap.Error(err), zap.Int("pending", s.Pending()))
			}
			cancel()
			return
		case <-t.C:
		case <-s.kick:
		}
		if err := s.Flush(ctx); err != nil {
			s.log.Warn("flush failed; batch requeued", zap.Error(err), zap.Int("pending", s.Pending()))
		}
	}
}

// Flush writes everything pending. On store failure the batch is requeued
// and the error returned. File append failures are logged only.
func (s *BatchSink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if s.store != nil {
		sctx, cancel := context.WithTimeout(ctx, s.opts.SaveTimeout)
		err := s.store.SaveTranscripts(sctx, batch)
		cancel()
		if err != nil {
			s.requeue(batch)
			return err
		}
	}

	if err := appendToFiles(batch); err != nil {
		s.log.Warn("transcript file write failed", zap.Error(err))
	}
	s.log.Debug("flushed transcripts", zap.Int("count", len(batch)))
	return nil
}

func (s *BatchSink) requeue(batch []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]Record, 0, len(batch)+len(s.pending))
	merged = append(merged, batch...)
	merged = append(merged, s.pending...)
	if over := len(merged) - s.opts.MaxPending; over > 0 {
		merged = merged[over:]
		s.dropped += uint64(over)
	}
	s.pending = merged
}

// Dropped reports records discarded because the queue overflowed.
func (s *BatchSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
