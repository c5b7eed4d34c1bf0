package influxdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	"github.com/Laixer/Glonax/internal/models"
)

const (
	measurementSignal  = "machine_state"
	measurementDriver  = "driver"
	measurementNetwork = "network"
)

// Writer records machine state snapshots in InfluxDB. A signal is only
// written when its value timestamp or staleness changed since the last
// snapshot, so an idle machine produces little more than liveness points.
type Writer struct {
	client     *influxdb3.Client
	batchSize  int
	batch      []*influxdb3.Point
	snapChan   chan models.Snapshot
	last       map[string]models.SignalValue
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	flushTimer *time.Ticker
	logger     *slog.Logger
}

// New creates a new InfluxDB writer
func New(config Config, logger *slog.Logger) (*Writer, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     config.URL,
		Token:    config.Token,
		Database: config.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}

	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Writer{
		client:     client,
		batchSize:  batchSize,
		batch:      make([]*influxdb3.Point, 0, batchSize),
		snapChan:   make(chan models.Snapshot, 16),
		last:       make(map[string]models.SignalValue),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		flushTimer: time.NewTicker(time.Second),
		logger:     logger.With("component", "influxdb", "database", config.Database),
	}, nil
}

// Start begins processing and writing snapshots
func (w *Writer) Start() {
	go w.writeLoop()
}

func (w *Writer) writeLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return

		case snap := <-w.snapChan:
			w.add(snap)

		case <-w.flushTimer.C:
			w.flush()
		}
	}
}

func (w *Writer) add(snap models.Snapshot) {
	w.batch = append(w.batch, snapshotPoints(snap, w.last)...)
	if len(w.batch) >= w.batchSize {
		w.flush()
	}
}

func (w *Writer) drain() {
	for {
		select {
		case snap := <-w.snapChan:
			w.add(snap)
		default:
			w.flush()
			return
		}
	}
}

func (w *Writer) flush() {
	if len(w.batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.client.WritePoints(ctx, w.batch); err != nil {
		w.logger.Warn("failed to write points", "count", len(w.batch), "error", err)
	} else {
		w.logger.Debug("flushed points", "count", len(w.batch))
	}
	w.batch = w.batch[:0]
}

// Publish queues a snapshot. It implements host.Publisher.
func (w *Writer) Publish(snap models.Snapshot) {
	select {
	case w.snapChan <- snap:
	default:
		w.logger.Warn("snapshot channel full, dropping snapshot")
	}
}

// Close flushes queued snapshots and closes the client. It must follow
// Start.
func (w *Writer) Close() error {
	w.cancel()
	w.flushTimer.Stop()
	<-w.done
	return w.client.Close()
}

// changedSignals returns the signals of snap that differ from last and
// records them in last.
func changedSignals(snap models.Snapshot, last map[string]models.SignalValue) []models.SignalValue {
	var out []models.SignalValue
	for _, v := range snap.Signals {
		prev, ok := last[v.Signal]
		if ok && prev.Timestamp.Equal(v.Timestamp) && prev.Stale == v.Stale {
			continue
		}
		last[v.Signal] = v
		out = append(out, v)
	}
	return out
}

func snapshotPoints(snap models.Snapshot, last map[string]models.SignalValue) []*influxdb3.Point {
	changed := changedSignals(snap, last)
	points := make([]*influxdb3.Point, 0, len(changed)+len(snap.Drivers)+len(snap.Networks))

	for _, v := range changed {
		ts := v.Timestamp
		if v.Stale {
			ts = snap.Timestamp
		}
		points = append(points, influxdb3.NewPoint(
			measurementSignal,
			map[string]string{
				"signal": v.Signal,
				"writer": v.Writer,
			},
			map[string]any{
				"value": v.Value,
				"stale": v.Stale,
			},
			ts,
		))
	}

	for _, d := range snap.Drivers {
		points = append(points, influxdb3.NewPoint(
			measurementDriver,
			map[string]string{
				"driver": d.Name,
				"kind":   d.Kind,
				"key":    d.Key,
			},
			map[string]any{
				"liveness": d.Liveness,
				"active":   d.Liveness == "active",
			},
			snap.Timestamp,
		))
	}

	for _, n := range snap.Networks {
		points = append(points, influxdb3.NewPoint(
			measurementNetwork,
			map[string]string{
				"interface": n.Interface,
			},
			map[string]any{
				"state":      n.State,
				"received":   n.Received,
				"dispatched": n.Dispatched,
				"unmapped":   n.Unmapped,
				"malformed":  n.Malformed,
				"sent":       n.Sent,
			},
			snap.Timestamp,
		))
	}
	return points
}
