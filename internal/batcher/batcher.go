package batcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeview/streamrelay/internal/model"
)

// Config controls batching behavior.
type Config struct {
	// Window is the coalescing interval. One batch is emitted per
	// window that saw at least one update.
	Window time.Duration
	// OutputBuffer sizes the batch output channel.
	OutputBuffer int
}

// DefaultConfig returns a 100ms window, short enough to be invisible
// next to the polling cadence.
func DefaultConfig() Config {
	return Config{
		Window:       100 * time.Millisecond,
		OutputBuffer: 64,
	}
}

// Batcher coalesces quote updates into fixed-window batches.
type Batcher struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]model.Quote

	out chan model.Batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a batcher. If logger is nil, slog.Default() is used.
func New(cfg Config, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = def.OutputBuffer
	}
	return &Batcher{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]model.Quote),
		out:     make(chan model.Batch, cfg.OutputBuffer),
	}
}

// Start launches the flush loop.
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.flushLoop()
	return nil
}

// Stop flushes any pending updates and closes the output channel.
func (b *Batcher) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("batcher shutdown timeout")
	}
	return nil
}

// Add queues a quote for the current window. A later quote for the same
// instrument within the window replaces the earlier one.
func (b *Batcher) Add(q model.Quote) {
	b.mu.Lock()
	b.pending[q.InstrumentID] = q
	b.mu.Unlock()
}

// Batches returns the output channel. It is closed after Stop once the
// final flush has been emitted.
func (b *Batcher) Batches() <-chan model.Batch {
	return b.out
}

func (b *Batcher) flushLoop() {
	defer b.wg.Done()
	defer close(b.out)

	ticker := time.NewTicker(b.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			b.flush(true)
			return
		case <-ticker.C:
			b.flush(false)
		}
	}
}

// flush emits the pending window as one batch. Empty windows emit
// nothing. On shutdown the send must not block forever if the consumer
// is gone, so the final flush falls back to dropping the batch.
func (b *Batcher) flush(final bool) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	updates := b.pending
	b.pending = make(map[string]model.Quote)
	b.mu.Unlock()

	batch := model.Batch{
		Timestamp: time.Now().UnixMilli(),
		Updates:   updates,
	}

	if final {
		select {
		case b.out <- batch:
		default:
			b.logger.Warn("dropping final batch, consumer gone", "updates", len(updates))
		}
		return
	}

	select {
	case b.out <- batch:
	case <-b.ctx.Done():
	}
}
