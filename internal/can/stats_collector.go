package can

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/Laixer/Glonax/internal/models"
	"github.com/vishvananda/netlink"
)

// ErrLinkNotFound is returned when the interface does not exist.
var ErrLinkNotFound = errors.New("link not found")

// LinkUp reports whether the interface exists and is administratively up.
// The reconnect supervisor uses it before reopening a socket.
func LinkUp(ifname string) (bool, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, ErrLinkNotFound
		}
		return false, fmt.Errorf("failed to look up link %s: %w", ifname, err)
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}

// LinkStats samples kernel statistics of one interface.
func LinkStats(ifname string) (models.BusStats, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return models.BusStats{}, fmt.Errorf("failed to look up link %s: %w", ifname, err)
	}
	return statsFromAttrs(ifname, link.Type(), link.Attrs()), nil
}

func statsFromAttrs(ifname, linkType string, attrs *netlink.LinkAttrs) models.BusStats {
	stats := models.BusStats{
		Interface: ifname,
		LinkType:  linkType,
		MTU:       attrs.MTU,
		TxQueue:   attrs.TxQLen,
		OperState: attrs.OperState.String(),
		State:     "DOWN",
	}
	if attrs.Flags&net.FlagUp != 0 {
		stats.State = "UP"
	}
	if s := attrs.Statistics; s != nil {
		stats.RXPackets = s.RxPackets
		stats.RXBytes = s.RxBytes
		stats.RXErrors = s.RxErrors
		stats.RXDropped = s.RxDropped
		stats.TXPackets = s.TxPackets
		stats.TXBytes = s.TxBytes
		stats.TXErrors = s.TxErrors
		stats.TXDropped = s.TxDropped
	}
	return stats
}

// CounterSource supplies daemon side dispatch counters for an interface.
type CounterSource func(ifname string) (unmapped, malformed uint64)

// StatsCollector periodically samples link statistics of the configured
// networks.
type StatsCollector struct {
	interfaces []string
	interval   time.Duration
	counters   CounterSource
	sample     func(string) (models.BusStats, error)
	logger     *slog.Logger
	statsChan  chan models.BusStats
	stopChan   chan struct{}
}

// NewStatsCollector creates a new statistics collector
func NewStatsCollector(interfaces []string, interval time.Duration, counters CounterSource, logger *slog.Logger) *StatsCollector {
	return &StatsCollector{
		interfaces: interfaces,
		interval:   interval,
		counters:   counters,
		sample:     LinkStats,
		logger:     logger,
		statsChan:  make(chan models.BusStats, 10*len(interfaces)+1),
		stopChan:   make(chan struct{}),
	}
}

// Start begins collecting statistics
func (sc *StatsCollector) Start() {
	go sc.collectLoop()
}

// Stop stops the statistics collector
func (sc *StatsCollector) Stop() {
	close(sc.stopChan)
}

// GetStatsChannel returns the channel for receiving statistics
func (sc *StatsCollector) GetStatsChannel() <-chan models.BusStats {
	return sc.statsChan
}

func (sc *StatsCollector) collectLoop() {
	defer close(sc.statsChan)

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collect()

	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *StatsCollector) collect() {
	for _, ifname := range sc.interfaces {
		stats, err := sc.sample(ifname)
		if err != nil {
			sc.logger.Warn("failed to collect link statistics", "interface", ifname, "error", err)
			continue
		}
		stats.Timestamp = time.Now().UTC()
		if sc.counters != nil {
			stats.Unmapped, stats.Malformed = sc.counters(ifname)
		}

		select {
		case sc.statsChan <- stats:
		default:
			sc.logger.Warn("stats channel full, dropping statistics", "interface", ifname)
		}
	}
}
