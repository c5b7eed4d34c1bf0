// Package state holds the aggregated machine state.
//
// Every signal lives in its own slot that is updated with an atomic
// pointer swap, so writers on unrelated buses never contend and a
// reader can never observe a half written value. Slots are created at
// startup, one owner per signal; after Seal the slot table is read only.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Laixer/Glonax/internal/models"
)

var (
	ErrSignalOwned   = errors.New("signal already owned")
	ErrUnknownSignal = errors.New("unknown signal")
	ErrNotOwner      = errors.New("writer does not own signal")
	ErrSealed        = errors.New("store is sealed")
)

type slot struct {
	name    string
	owner   string
	current atomic.Pointer[models.SignalValue]
}

// Store is the machine state store.
type Store struct {
	sealed atomic.Bool
	slots  map[string]*slot
	owners map[string][]*slot
	names  []string
}

func New() *Store {
	return &Store{
		slots:  make(map[string]*slot),
		owners: make(map[string][]*slot),
	}
}

// Register declares signal as written exclusively by owner.
func (s *Store) Register(signal, owner string) error {
	if s.sealed.Load() {
		return ErrSealed
	}
	if existing, ok := s.slots[signal]; ok {
		return fmt.Errorf("%w: %s is written by %s, cannot assign to %s", ErrSignalOwned, signal, existing.owner, owner)
	}
	sl := &slot{name: signal, owner: owner}
	s.slots[signal] = sl
	s.owners[owner] = append(s.owners[owner], sl)
	s.names = append(s.names, signal)
	return nil
}

// Seal freezes the slot table. The store may be shared afterwards.
func (s *Store) Seal() {
	sort.Strings(s.names)
	s.sealed.Store(true)
}

// Write stores a new value for signal. Only the registered owner may write.
func (s *Store) Write(signal, owner string, value float64, ts time.Time) error {
	sl, ok := s.slots[signal]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSignal, signal)
	}
	if sl.owner != owner {
		return fmt.Errorf("%w: %s is owned by %s, not %s", ErrNotOwner, signal, sl.owner, owner)
	}
	sl.current.Store(&models.SignalValue{
		Signal:    signal,
		Value:     value,
		Writer:    owner,
		Timestamp: ts,
	})
	return nil
}

// Read returns the last value of signal. The boolean is false when the
// signal is unknown or has never been written.
func (s *Store) Read(signal string) (models.SignalValue, bool) {
	sl, ok := s.slots[signal]
	if !ok {
		return models.SignalValue{}, false
	}
	v := sl.current.Load()
	if v == nil {
		return models.SignalValue{}, false
	}
	return *v, true
}

// MarkStale flags every written signal of owner as stale and returns
// the number of signals affected. A concurrent Write wins over the flag.
func (s *Store) MarkStale(owner string) int {
	n := 0
	for _, sl := range s.owners[owner] {
		for {
			old := sl.current.Load()
			if old == nil || old.Stale {
				break
			}
			stale := *old
			stale.Stale = true
			if sl.current.CompareAndSwap(old, &stale) {
				n++
				break
			}
		}
	}
	return n
}

// Snapshot returns every written signal, sorted by name. Each value is
// individually consistent.
func (s *Store) Snapshot() []models.SignalValue {
	values := make([]models.SignalValue, 0, len(s.names))
	for _, name := range s.names {
		if v := s.slots[name].current.Load(); v != nil {
			values = append(values, *v)
		}
	}
	return values
}
