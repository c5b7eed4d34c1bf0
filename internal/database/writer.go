// Package database records bus traffic and machine state in time series
// stores. Writers queue records without blocking the caller and flush
// them in batches.
package database

import "github.com/Laixer/Glonax/internal/models"

// FrameWriter records raw frames received on the networks.
type FrameWriter interface {
	// Start begins processing and writing frames
	Start()

	// Write queues a frame for writing. It never blocks.
	Write(msg models.CANMessage)

	// Close flushes queued frames and releases the connection
	Close() error
}

// StatsWriter records sampled bus statistics.
type StatsWriter interface {
	Start()
	Write(stats models.BusStats)
	Close() error
}

// SnapshotWriter records published machine state snapshots.
type SnapshotWriter interface {
	Start()
	Publish(snap models.Snapshot)
	Close() error
}
