package models

import "time"

// BusStats represents link statistics of a CAN network interface
type BusStats struct {
	Interface string    `json:"interface"`
	Timestamp time.Time `json:"timestamp"`

	// Interface state
	State     string `json:"state"`      // UP, DOWN, etc.
	OperState string `json:"oper_state"` // Kernel operational state
	LinkType  string `json:"link_type"`  // can, vcan
	MTU       int    `json:"mtu"`
	TxQueue   int    `json:"tx_queue"`

	// RX statistics
	RXPackets uint64 `json:"rx_packets"`
	RXBytes   uint64 `json:"rx_bytes"`
	RXErrors  uint64 `json:"rx_errors"`
	RXDropped uint64 `json:"rx_dropped"`

	// TX statistics
	TXPackets uint64 `json:"tx_packets"`
	TXBytes   uint64 `json:"tx_bytes"`
	TXErrors  uint64 `json:"tx_errors"`
	TXDropped uint64 `json:"tx_dropped"`

	// Dispatch counters from the daemon
	Unmapped  uint64 `json:"unmapped"`
	Malformed uint64 `json:"malformed"`
}
