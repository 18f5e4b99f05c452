package service

import (
	"context"
	"sync"
	"time"

	"github.com/edirooss/wallflower/internal/domain/camera"
	"github.com/edirooss/wallflower/internal/infrastructure/go2rtc"
	"github.com/edirooss/wallflower/internal/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// StatusLister is the part of the manager the summary reads.
type StatusLister interface {
	Statuses() []stream.Status
}

// StreamLister reports the proxy's registered streams.
type StreamLister interface {
	Streams(ctx context.Context) (map[string]go2rtc.StreamInfo, error)
}

type SummaryOptions struct {
	// TTL controls how long the in-memory snapshot is served. Dashboards
	// poll every second or two; default 250ms.
	TTL time.Duration
	// RefreshTimeout bounds the proxy query of a single refresh; default 300ms.
	RefreshTimeout time.Duration
}

func (o *SummaryOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 300 * time.Millisecond
	}
}

// CameraSummary is one worker status joined with its proxy stream state.
type CameraSummary struct {
	stream.Status
	// ProxyActive is nil when no proxy is configured or it could not be queried.
	ProxyActive *bool `json:"proxy_active,omitempty"`
}

// SummaryResult lets the handler set cache headers.
type SummaryResult struct {
	Data        []CameraSummary
	CacheHit    bool
	GeneratedAt time.Time
}

// SummaryService serves a short-lived snapshot of all worker statuses.
// Concurrent refreshes are coalesced so a burst of dashboard polls costs one
// proxy round trip.
type SummaryService struct {
	log     *zap.Logger
	workers StatusLister
	proxy   StreamLister

	mu      sync.RWMutex
	cache   []CameraSummary
	expires time.Time
	genAt   time.Time

	opts SummaryOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewSummaryService wires the manager and an optional proxy. Reuse a single
// instance per process.
func NewSummaryService(log *zap.Logger, workers StatusLister, proxy StreamLister, opts SummaryOptions) *SummaryService {
	opts.setDefaults()
	return &SummaryService{
		log:     log.Named("summary_service"),
		workers: workers,
		proxy:   proxy,
		opts:    opts,
		now:     time.Now,
	}
}

// Get returns the cached snapshot or refreshes it when expired.
func (s *SummaryService) Get(ctx context.Context) (SummaryResult, error) {
	if res, ok := s.fresh(); ok {
		return res, nil
	}

	v, err, _ := s.sg.Do("summary-refresh", func() (any, error) {
		// Double-check freshness after winning the flight.
		if res, ok := s.fresh(); ok {
			return res, nil
		}

		ctx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
		defer cancel()

		start := s.now()
		data := s.refresh(ctx)

		s.mu.Lock()
		s.cache = data
		s.expires = s.now().Add(s.opts.TTL)
		s.genAt = start
		s.mu.Unlock()

		return SummaryResult{Data: cloneSummaries(data), CacheHit: false, GeneratedAt: start}, nil
	})
	if err != nil {
		return SummaryResult{}, err
	}
	return v.(SummaryResult), nil
}

// Invalidate drops the snapshot, e.g. after a lifecycle call.
func (s *SummaryService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.genAt = time.Time{}
	s.mu.Unlock()
}

func (s *SummaryService) fresh() (SummaryResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache != nil && s.now().Before(s.expires) {
		return SummaryResult{Data: cloneSummaries(s.cache), CacheHit: true, GeneratedAt: s.genAt}, true
	}
	return SummaryResult{}, false
}

// refresh joins worker statuses with proxy streams. A proxy failure is not
// fatal; ProxyActive is simply left unset.
func (s *SummaryService) refresh(ctx context.Context) []CameraSummary {
	statuses := s.workers.Statuses()

	var streams map[string]go2rtc.StreamInfo
	if s.proxy != nil && len(statuses) > 0 {
		var err error
		if streams, err = s.proxy.Streams(ctx); err != nil {
			s.log.Warn("proxy streams failed", zap.Error(err))
			streams = nil
		}
	}

	out := make([]CameraSummary, 0, len(statuses))
	for _, st := range statuses {
		sum := CameraSummary{Status: st}
		if streams != nil {
			info, ok := streams[camera.ProxyStreamName(st.CameraID)]
			active := ok && info.Active()
			sum.ProxyActive = &active
		}
		out = append(out, sum)
	}
	return out
}

func cloneSummaries(in []CameraSummary) []CameraSummary {
	if in == nil {
		return nil
	}
	out := make([]CameraSummary, len(in))
	copy(out, in)
	return out
}
