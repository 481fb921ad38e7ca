package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultBufferSize is the number of records that triggers a flush
const DefaultBufferSize = 100

// retainFactor bounds the records kept while the store is failing to
// retainFactor times the buffer size. The oldest records are dropped first.
const retainFactor = 10

// Store persists batches of job metrics
type Store interface {
	InsertMetrics(ctx context.Context, batch []JobMetrics) error
}

// Collector buffers job metrics in memory and writes them to a Store in
// batches. Record is safe to call from any worker. Periodic flushing is
// driven by the caller. After a failed flush, Record stops flushing until
// an explicit Flush succeeds.
type Collector struct {
	mu      sync.Mutex
	buf     []JobMetrics
	size    int
	failing bool
	dropped int
	store   Store
	logger  *slog.Logger
	flushMu sync.Mutex
}

// NewCollector creates a collector flushing to store every size records.
func NewCollector(store Store, size int, logger *slog.Logger) *Collector {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		buf:    make([]JobMetrics, 0, size),
		size:   size,
		store:  store,
		logger: logger.With("component", "metrics"),
	}
}

// Record appends m to the buffer and flushes when the buffer is full.
func (c *Collector) Record(ctx context.Context, m JobMetrics) {
	c.mu.Lock()
	c.buf = append(c.buf, m)
	c.trimLocked()
	full := len(c.buf) >= c.size && !c.failing
	c.mu.Unlock()

	c.logger.Debug("metrics recorded", "job", m.JobID, "status", m.Status, "total_ms", m.TotalTimeMs)

	if full {
		if err := c.Flush(ctx); err != nil {
			c.logger.Error("metrics flush failed", "error", err)
		}
	}
}

// Flush writes buffered records to the store. On failure the records are
// kept for the next attempt.
func (c *Collector) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.buf
	c.buf = make([]JobMetrics, 0, c.size)
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := c.store.InsertMetrics(ctx, batch); err != nil {
		c.mu.Lock()
		c.buf = append(batch, c.buf...)
		c.failing = true
		c.trimLocked()
		c.mu.Unlock()
		return fmt.Errorf("failed to flush %d metrics: %w", len(batch), err)
	}

	c.mu.Lock()
	c.failing = false
	dropped := c.dropped
	c.dropped = 0
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("metrics dropped while store was unavailable", "count", dropped)
	}
	c.logger.Info("metrics flushed", "count", len(batch))
	return nil
}

func (c *Collector) trimLocked() {
	limit := c.size * retainFactor
	if over := len(c.buf) - limit; over > 0 {
		c.buf = append(c.buf[:0:0], c.buf[over:]...)
		c.dropped += over
	}
}

// Pending returns the number of buffered records.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
