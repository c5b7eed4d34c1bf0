package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Laixer/Glonax/internal/models"
)

const statsColumns = `
			timestamp, interface, state, oper_state, link_type, mtu, tx_queue,
			rx_packets, rx_bytes, rx_errors, rx_dropped,
			tx_packets, tx_bytes, tx_errors, tx_dropped,
			unmapped, malformed`

// StatsAPI serves recorded bus statistics from ClickHouse
type StatsAPI struct {
	conn      driver.Conn
	tableName string
}

// NewStatsAPI creates a new Statistics API handler
func NewStatsAPI(conn driver.Conn, tableName string) *StatsAPI {
	return &StatsAPI{
		conn:      conn,
		tableName: tableName,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStats(row scanner) (models.BusStats, error) {
	var stat models.BusStats
	var mtu, txQueue uint32
	err := row.Scan(
		&stat.Timestamp, &stat.Interface, &stat.State, &stat.OperState, &stat.LinkType, &mtu, &txQueue,
		&stat.RXPackets, &stat.RXBytes, &stat.RXErrors, &stat.RXDropped,
		&stat.TXPackets, &stat.TXBytes, &stat.TXErrors, &stat.TXDropped,
		&stat.Unmapped, &stat.Malformed,
	)
	stat.MTU = int(mtu)
	stat.TxQueue = int(txQueue)
	return stat, err
}

// GetLatestStats retrieves the latest statistics of an interface
// GET /api/stats/latest?interface=can0
func (api *StatsAPI) GetLatestStats(w http.ResponseWriter, r *http.Request) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", statsColumns, api.tableName)
	args := []any{}

	if iface := r.URL.Query().Get("interface"); iface != "" {
		query += " AND interface = ?"
		args = append(args, iface)
	}
	query += " ORDER BY timestamp DESC LIMIT 1"

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stat, err := scanStats(api.conn.QueryRow(ctx, query, args...))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Query failed: %v", err))
		return
	}

	respondWithJSON(w, http.StatusOK, stat)
}

// GetStatsHistory retrieves historical statistics
// GET /api/stats/history?interface=can0&start_time=2024-01-01T00:00:00Z&end_time=2024-01-02T00:00:00Z&limit=100
func (api *StatsAPI) GetStatsHistory(w http.ResponseWriter, r *http.Request) {
	params, err := parseQueryParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	query, args := historyQuery(api.tableName, params)

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	rows, err := api.conn.Query(ctx, query, args...)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Query failed: %v", err))
		return
	}
	defer rows.Close()

	stats := []models.BusStats{}
	for rows.Next() {
		stat, err := scanStats(rows)
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Scan failed: %v", err))
			return
		}
		stats = append(stats, stat)
	}

	respondWithJSON(w, http.StatusOK, stats)
}

func historyQuery(table string, params models.QueryParams) (string, []any) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", statsColumns, table)
	args := []any{}

	if params.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, *params.StartTime)
	}
	if params.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, *params.EndTime)
	}
	if params.Interface != "" {
		query += " AND interface = ?"
		args = append(args, params.Interface)
	}

	query += " ORDER BY timestamp DESC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	} else {
		query += " LIMIT 100"
	}
	if params.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, params.Offset)
	}
	return query, args
}
