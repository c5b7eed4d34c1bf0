package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
)

// Writer records received frames in ClickHouse together with their
// decoded J1939 header fields.
type Writer struct {
	*batcher[models.CANMessage]
}

// NewWriter creates a frame writer on an open connection and creates
// its table if needed.
func NewWriter(conn driver.Conn, table string, batchSize int, logger *slog.Logger) (*Writer, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if err := CreateFrameTable(conn, table); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger = logger.With("component", "clickhouse", "table", table)
	return &Writer{newBatcher(batchSize, time.Second, insert(conn, table, frameRow), logger)}, nil
}

// CreateFrameTable creates the frame table in ClickHouse
func CreateFrameTable(conn driver.Conn, tableName string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			interface String,
			can_id UInt32,
			priority UInt8,
			pgn UInt32,
			source_address UInt8,
			destination_address UInt8,
			data Array(UInt8)
		) ENGINE = MergeTree()
		ORDER BY (timestamp, pgn)
		PARTITION BY toYYYYMMDD(timestamp)
		TTL timestamp + INTERVAL 1 MONTH
		SETTINGS index_granularity = 8192
	`, tableName)

	return conn.Exec(context.Background(), query)
}

// frameRow returns the column values of msg in table order. Standard
// frames carry no J1939 header and are stored with zero header fields.
func frameRow(msg models.CANMessage) []any {
	var priority, sa, da uint8
	var pgn uint32
	if id, ok := j1939.FromFrame(msg.Frame); ok {
		priority = id.Priority()
		pgn = uint32(id.PGN())
		sa = id.SourceAddress()
		da = id.DestinationAddress()
	}
	return []any{
		msg.Timestamp,
		msg.Interface,
		msg.Frame.ID,
		priority,
		pgn,
		sa,
		da,
		append([]uint8(nil), msg.Frame.Payload()...),
	}
}

// Start begins processing and writing frames
func (w *Writer) Start() { w.start() }

// Write queues a frame for writing
func (w *Writer) Write(msg models.CANMessage) {
	if !w.enqueue(msg) {
		w.logger.Warn("batch channel full, dropping frame")
	}
}

// Close flushes queued frames. It must follow Start; the connection is
// owned by the caller.
func (w *Writer) Close() error {
	w.close()
	return nil
}
