package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Laixer/Glonax/internal/models"
)

// StatsWriter handles writing bus statistics to ClickHouse
type StatsWriter struct {
	*batcher[models.BusStats]
}

// NewStatsWriter creates a statistics writer and its table.
func NewStatsWriter(conn driver.Conn, table string, batchSize int, logger *slog.Logger) (*StatsWriter, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if err := CreateStatsTable(conn, table); err != nil {
		return nil, fmt.Errorf("failed to create stats table: %w", err)
	}
	logger = logger.With("component", "clickhouse", "table", table)
	return &StatsWriter{newBatcher(batchSize, 5*time.Second, insert(conn, table, statsRow), logger)}, nil
}

// CreateStatsTable creates the bus statistics table in ClickHouse
func CreateStatsTable(conn driver.Conn, tableName string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			interface String,
			state String,
			oper_state String,
			link_type String,
			mtu UInt32,
			tx_queue UInt32,

			-- RX statistics
			rx_packets UInt64,
			rx_bytes UInt64,
			rx_errors UInt64,
			rx_dropped UInt64,

			-- TX statistics
			tx_packets UInt64,
			tx_bytes UInt64,
			tx_errors UInt64,
			tx_dropped UInt64,

			-- Dispatch counters
			unmapped UInt64,
			malformed UInt64
		) ENGINE = MergeTree()
		ORDER BY (timestamp, interface)
		PARTITION BY toYYYYMMDD(timestamp)
		SETTINGS index_granularity = 8192
	`, tableName)

	return conn.Exec(context.Background(), query)
}

func statsRow(stat models.BusStats) []any {
	return []any{
		stat.Timestamp,
		stat.Interface,
		stat.State,
		stat.OperState,
		stat.LinkType,
		uint32(stat.MTU),
		uint32(stat.TxQueue),
		stat.RXPackets,
		stat.RXBytes,
		stat.RXErrors,
		stat.RXDropped,
		stat.TXPackets,
		stat.TXBytes,
		stat.TXErrors,
		stat.TXDropped,
		stat.Unmapped,
		stat.Malformed,
	}
}

// Start begins processing and writing statistics
func (w *StatsWriter) Start() { w.start() }

// Write queues statistics for writing
func (w *StatsWriter) Write(stat models.BusStats) {
	if !w.enqueue(stat) {
		w.logger.Warn("stats batch channel full, dropping record")
	}
}

// Close flushes queued statistics. It must follow Start.
func (w *StatsWriter) Close() error {
	w.close()
	return nil
}
