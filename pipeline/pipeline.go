// Package pipeline buffers crawl discoveries into batches and writes reports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/aluiziolira/go-price-watch/models"
)

var (
	// ErrBatcherClosed is returned when Add is called after shutdown.
	ErrBatcherClosed = errors.New("pipeline: closed")
)

// BatchWriter persists one flushed batch. Batches arrive in the order their
// thresholds were reached, items in discovery order.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch []models.Discovery) error
}

// BatchWriterFunc adapts a function to BatchWriter.
type BatchWriterFunc func(ctx context.Context, batch []models.Discovery) error

// WriteBatch calls f.
func (f BatchWriterFunc) WriteBatch(ctx context.Context, batch []models.Discovery) error {
	return f(ctx, batch)
}

// Options tunes a Batcher.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
}

// Batcher accumulates discoveries and flushes them from a single writer
// goroutine whenever BatchSize items are buffered or FlushInterval has passed
// since the last flush, whichever comes first.
type Batcher struct {
	writer   BatchWriter
	ch       chan models.Discovery
	size     int
	interval time.Duration
	metrics  *metrics.Metrics

	wg      sync.WaitGroup
	started atomic.Bool
	discard atomic.Bool

	flushes atomic.Int64
	flushed atomic.Int64

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewBatcher builds a batcher writing to writer.
func NewBatcher(writer BatchWriter, opts Options, m *metrics.Metrics) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Minute
	}
	if opts.Buffer <= 0 {
		opts.Buffer = opts.BatchSize * 2
	}
	return &Batcher{
		writer:   writer,
		ch:       make(chan models.Discovery, opts.Buffer),
		size:     opts.BatchSize,
		interval: opts.FlushInterval,
		metrics:  m,
		shutdown: make(chan struct{}),
	}
}

// Start launches the writer goroutine. Flushes use ctx.
func (b *Batcher) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go b.run(ctx)
}

// Add enqueues a discovery. It fails once the batcher is closed or a flush
// has failed.
func (b *Batcher) Add(d models.Discovery) error {
	closed, err := b.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrBatcherClosed
	}
	return b.enqueue(d)
}

// Close flushes whatever is buffered, stops the writer and returns the first
// flush error.
func (b *Batcher) Close() error {
	return b.stop()
}

// Discard stops the writer without flushing the unflushed remainder.
func (b *Batcher) Discard() error {
	b.discard.Store(true)
	return b.stop()
}

// Err returns the first flush error.
func (b *Batcher) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Stats returns the number of flushes and flushed discoveries so far.
func (b *Batcher) Stats() (flushes, items int) {
	return int(b.flushes.Load()), int(b.flushed.Load())
}

func (b *Batcher) stop() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.closeOnce.Do(func() {
		close(b.ch)
	})
	b.wg.Wait()
	b.signalShutdown()
	return b.Err()
}

func (b *Batcher) run(ctx context.Context) {
	defer b.wg.Done()

	batch := make([]models.Discovery, 0, b.size)
	timer := time.NewTimer(b.interval)
	defer timer.Stop()

	failed := false
	flush := func(reason string) {
		timer.Reset(b.interval)
		if len(batch) == 0 || failed {
			batch = batch[:0]
			return
		}
		out := make([]models.Discovery, len(batch))
		copy(out, batch)
		batch = batch[:0]

		if err := b.writer.WriteBatch(ctx, out); err != nil {
			failed = true
			b.setErr(fmt.Errorf("write batch: %w", err))
			return
		}
		b.flushes.Add(1)
		b.flushed.Add(int64(len(out)))
		b.metrics.ObserveFlush(len(out))
		slog.Debug("batch flushed", slog.String("reason", reason), slog.Int("size", len(out)))
	}

	for {
		select {
		case d, ok := <-b.ch:
			if !ok {
				if !b.discard.Load() {
					flush("close")
				}
				return
			}
			if failed {
				continue
			}
			batch = append(batch, d)
			if len(batch) >= b.size {
				flush("size")
			}
		case <-timer.C:
			flush("interval")
		}
	}
}

func (b *Batcher) enqueue(d models.Discovery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrBatcherClosed
		}
	}()

	select {
	case <-b.shutdown:
		if err := b.Err(); err != nil {
			return err
		}
		return ErrBatcherClosed
	case b.ch <- d:
		return nil
	}
}

func (b *Batcher) setErr(err error) {
	if err == nil {
		return
	}

	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return
	}
	b.err = err
	b.mu.Unlock()

	b.signalShutdown()
}

func (b *Batcher) state() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed, b.err
}

func (b *Batcher) signalShutdown() {
	b.shutdownOnce.Do(func() {
		close(b.shutdown)
	})
}
