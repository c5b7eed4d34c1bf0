package models

import "time"

// SignalValue is the last value written to one machine state signal.
type SignalValue struct {
	Signal    string    `json:"signal" cbor:"signal"`
	Value     float64   `json:"value" cbor:"value"`
	Writer    string    `json:"writer" cbor:"writer"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
	Stale     bool      `json:"stale" cbor:"stale"`
}

// DriverStatus describes one device driver at snapshot time.
type DriverStatus struct {
	Key       string    `json:"key" cbor:"key"`
	Kind      string    `json:"kind" cbor:"kind"`
	Name      string    `json:"name" cbor:"name"`
	Liveness  string    `json:"liveness" cbor:"liveness"`
	LastFrame time.Time `json:"last_frame" cbor:"last_frame"`
}

// NetworkStatus describes one CAN network at snapshot time.
type NetworkStatus struct {
	Interface  string `json:"interface" cbor:"interface"`
	State      string `json:"state" cbor:"state"`
	Address    uint8  `json:"address" cbor:"address"`
	Received   uint64 `json:"received" cbor:"received"`
	Dispatched uint64 `json:"dispatched" cbor:"dispatched"`
	Unmapped   uint64 `json:"unmapped" cbor:"unmapped"`
	Malformed  uint64 `json:"malformed" cbor:"malformed"`
	Sent       uint64 `json:"sent" cbor:"sent"`
}

// Snapshot is a published view of the machine state. Signals are
// individually consistent; the set as a whole is not a single instant.
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp" cbor:"timestamp"`
	Mode      string          `json:"mode" cbor:"mode"`
	Signals   []SignalValue   `json:"signals" cbor:"signals"`
	Drivers   []DriverStatus  `json:"drivers" cbor:"drivers"`
	Networks  []NetworkStatus `json:"networks" cbor:"networks"`
}

// Signal returns the named signal from the snapshot.
func (s Snapshot) Signal(name string) (SignalValue, bool) {
	for _, v := range s.Signals {
		if v.Signal == name {
			return v, true
		}
	}
	return SignalValue{}, false
}
