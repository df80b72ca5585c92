package episode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/ltm/sdk/go/ltm"
)

// maxShipperCapacity bounds buffered records so a dead backend cannot grow
// memory without limit.
const maxShipperCapacity = 10_000

// Shipper is a fire-and-forget Store. Records are buffered and flushed to a
// BatchStore when the batch size is reached or on every interval tick.
type Shipper struct {
	dst      BatchStore
	logger   *slog.Logger
	maxBatch int
	interval time.Duration

	mu      sync.Mutex
	pending []ltm.Episode

	dropped atomic.Int64
	started atomic.Bool

	flushCh chan struct{}
	drainCh chan context.Context
	done    chan struct{}
}

// NewShipper creates a shipper. Call Start before use and Drain to stop.
func NewShipper(dst BatchStore, logger *slog.Logger, maxBatch int, interval time.Duration) *Shipper {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBatch <= 0 {
		maxBatch = 100
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Shipper{
		dst:      dst,
		logger:   logger,
		maxBatch: maxBatch,
		interval: interval,
		flushCh:  make(chan struct{}, 1),
		drainCh:  make(chan context.Context),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush loop. Calling it twice is a no-op.
// Cancelling ctx stops the loop; records stored afterwards stay queued
// until Drain.
func (s *Shipper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.registerMetrics()
	go s.flushLoop(ctx)
}

// Store queues ep. It only fails when the buffer is full.
func (s *Shipper) Store(_ context.Context, ep ltm.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) >= maxShipperCapacity {
		s.dropped.Add(1)
		return fmt.Errorf("episode: shipper at capacity (%d records)", len(s.pending))
	}
	s.pending = append(s.pending, ep)

	if len(s.pending) >= s.maxBatch {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Shipper) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case drainCtx := <-s.drainCh:
			s.flush(drainCtx)
			close(s.done)
			return
		case <-ctx.Done():
			fallbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			s.flush(fallbackCtx)
			cancel()
			close(s.done)
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.flushCh:
			s.flush(ctx)
		}
	}
}

func (s *Shipper) flush(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		n := min(len(s.pending), s.maxBatch)
		batch := s.pending[:n:n]
		s.pending = s.pending[n:]
		s.mu.Unlock()

		start := time.Now()
		if err := s.dst.StoreBatch(ctx, batch); err != nil {
			s.logger.Error("episode: ship failed", "error", err, "batch_size", len(batch))
			if ltm.IsConflict(err) {
				// Conflicting records were stored once already.
				continue
			}
			if ltm.IsInvalid(err) {
				// The server will reject this batch every time.
				s.dropped.Add(int64(len(batch)))
				s.logger.Error("episode: dropping rejected batch", "dropped", len(batch))
				continue
			}
			s.mu.Lock()
			if len(s.pending)+len(batch) <= maxShipperCapacity {
				s.pending = append(batch, s.pending...)
			} else {
				s.dropped.Add(int64(len(batch)))
				s.logger.Error("episode: dropping records, shipper at capacity after failure", "dropped", len(batch))
			}
			s.mu.Unlock()
			return
		}
		s.logger.Debug("episode: batch shipped",
			"batch_size", len(batch),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Drain stops the flush loop and ships everything still queued, bounded by
// ctx. It also flushes records stored after the loop's context was
// cancelled.
func (s *Shipper) Drain(ctx context.Context) {
	if s.started.Load() {
		select {
		case s.drainCh <- ctx:
		case <-s.done:
		case <-ctx.Done():
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			s.logger.Warn("episode: drain timed out waiting for flush loop")
			return
		}
	}
	s.flush(ctx)
}

func (s *Shipper) registerMetrics() {
	meter := otel.Meter("ltm/episode")

	_, _ = meter.Int64ObservableGauge("ltm.shipper.depth",
		metric.WithDescription("Records waiting to be shipped"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("ltm.shipper.dropped_total",
		metric.WithDescription("Records dropped because the shipper was full or the server rejected them"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Dropped())
			return nil
		}),
	)
}

// Len returns the number of queued records.
func (s *Shipper) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Dropped returns the number of records lost to capacity limits or rejected
// by the server as invalid.
func (s *Shipper) Dropped() int64 {
	return s.dropped.Load()
}
