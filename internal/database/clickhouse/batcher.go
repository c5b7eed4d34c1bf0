package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const sendTimeout = 10 * time.Second

// batcher queues records of one table and inserts them in batches, on
// size or on the flush interval, from a single goroutine.
type batcher[T any] struct {
	queue    chan T
	pending  []T
	size     int
	interval time.Duration
	send     func(ctx context.Context, records []T) error
	stop     chan struct{}
	done     chan struct{}
	logger   *slog.Logger
}

func newBatcher[T any](size int, interval time.Duration, send func(context.Context, []T) error, logger *slog.Logger) *batcher[T] {
	return &batcher[T]{
		queue:    make(chan T, size*2),
		pending:  make([]T, 0, size),
		size:     size,
		interval: interval,
		send:     send,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// insert returns a send function appending rows to table.
func insert[T any](conn driver.Conn, table string, row func(T) []any) func(context.Context, []T) error {
	query := fmt.Sprintf("INSERT INTO %s", table)
	return func(ctx context.Context, records []T) error {
		batch, err := conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, r := range records {
			if err := batch.Append(row(r)...); err != nil {
				return fmt.Errorf("failed to append to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	}
}

func (b *batcher[T]) start() {
	go b.loop()
}

func (b *batcher[T]) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			b.drain()
			return
		case r := <-b.queue:
			b.pending = append(b.pending, r)
			if len(b.pending) >= b.size {
				b.flush()
			}
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *batcher[T]) drain() {
	for {
		select {
		case r := <-b.queue:
			b.pending = append(b.pending, r)
		default:
			b.flush()
			return
		}
	}
}

func (b *batcher[T]) flush() {
	if len(b.pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := b.send(ctx, b.pending); err != nil {
		b.logger.Warn("failed to flush batch", "count", len(b.pending), "error", err)
	} else {
		b.logger.Debug("flushed batch", "count", len(b.pending))
	}
	b.pending = b.pending[:0]
}

// enqueue never blocks. It reports false when the record was dropped.
func (b *batcher[T]) enqueue(r T) bool {
	select {
	case b.queue <- r:
		return true
	default:
		return false
	}
}

// close flushes what is queued and stops the loop. It must follow start.
func (b *batcher[T]) close() {
	close(b.stop)
	<-b.done
}
