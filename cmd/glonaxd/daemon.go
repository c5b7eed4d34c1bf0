package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Laixer/Glonax/internal/api"
	"github.com/Laixer/Glonax/internal/authority"
	"github.com/Laixer/Glonax/internal/can"
	"github.com/Laixer/Glonax/internal/config"
	"github.com/Laixer/Glonax/internal/control"
	"github.com/Laixer/Glonax/internal/database"
	"github.com/Laixer/Glonax/internal/database/clickhouse"
	"github.com/Laixer/Glonax/internal/database/influxdb"
	"github.com/Laixer/Glonax/internal/driver"
	"github.com/Laixer/Glonax/internal/host"
	"github.com/Laixer/Glonax/internal/models"
	"github.com/Laixer/Glonax/internal/mqtt"
	"github.com/Laixer/Glonax/internal/network"
	"github.com/Laixer/Glonax/internal/state"
	"github.com/Laixer/Glonax/internal/transport"
)

const (
	receiveTimeout  = 100 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

type listener struct {
	server *transport.Server
	ln     net.Listener
}

// daemon holds every component of a running glonaxd.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	networks   []*network.Network
	controller *control.Controller
	loop       *host.Loop
	hub        *transport.Hub
	listeners  []listener
	api        *api.Server
	stats      *can.StatsCollector

	chConn      chdriver.Conn
	frames      database.FrameWriter
	statsWriter database.StatsWriter
	snapshots   []database.SnapshotWriter
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, hub: transport.NewHub()}

	// Telemetry is optional: a sink that cannot be reached is logged and
	// left out.
	d.openClickHouse()
	d.openInfluxDB()
	d.openMQTT()

	store := state.New()
	netConfigs, err := cfg.NetworkConfigs()
	if err != nil {
		return nil, err
	}
	opts := []network.Option{
		network.WithLinkCheck(can.LinkUp),
		network.WithLogger(logger),
	}
	if d.frames != nil {
		opts = append(opts, network.WithTap(d.frames.Write))
	}
	for _, nc := range netConfigs {
		n, err := network.New(nc, store, network.SocketOpener(receiveTimeout), opts...)
		if err != nil {
			return nil, err
		}
		d.networks = append(d.networks, n)
	}
	store.Seal()

	mode := cfg.OperatingMode()
	targets := control.NewTargets(d.networks...)
	gate := authority.NewGate(mode, targets)
	d.controller = control.New(gate, targets, control.NewQueue(cfg.Transport.QueueSize), logger)

	if cfg.API.Port > 0 {
		apiConfig := api.ServerConfig{
			Port:     cfg.API.Port,
			GRPCPort: cfg.API.GRPCPort,
			Instance: cfg.Instance,
		}
		if d.chConn != nil {
			apiConfig.StatsConn = d.chConn
			apiConfig.StatsTable = cfg.ClickHouse.StatsTable
		}
		d.api, err = api.NewServer(apiConfig, d, d.hub, logger)
		if err != nil {
			return nil, err
		}
	}

	publishers := []host.Publisher{d.hub}
	for _, w := range d.snapshots {
		publishers = append(publishers, w)
	}
	if d.api != nil && d.api.GRPC() != nil {
		publishers = append(publishers, d.api.GRPC())
	}
	d.loop = host.New(host.Config{
		Interval:   cfg.TickInterval(),
		Mode:       mode,
		Networks:   d.networks,
		Store:      store,
		Controller: d.controller,
		Logger:     logger,
	}, publishers...)

	var failsafe []string
	if cfg.Transport.Failsafe {
		for _, drv := range targets.OfKind(driver.KindHydraulic) {
			failsafe = append(failsafe, drv.Name()+".stop_all")
		}
	}
	for _, l := range []struct {
		name, network string
		cfg           config.ListenerConfig
	}{
		{"tcp", "tcp", cfg.Transport.TCP},
		{"unix", "unix", cfg.Transport.Unix},
	} {
		if l.cfg.Address == "" {
			continue
		}
		sources, err := l.cfg.CommandSources()
		if err != nil {
			return nil, fmt.Errorf("transport %s: %w", l.name, err)
		}
		ln, err := transport.Listen(l.network, l.cfg.Address)
		if err != nil {
			d.closeListeners()
			return nil, err
		}
		srv := transport.NewServer(transport.Config{
			Name:            l.name,
			MaxConnections:  l.cfg.MaxConnections,
			Sources:         sources,
			Instance:        cfg.Instance,
			FailsafeTargets: failsafe,
		}, d.controller, d, d.hub, logger)
		d.listeners = append(d.listeners, listener{server: srv, ln: ln})
	}

	if cfg.StatsIntervalS > 0 {
		d.stats = can.NewStatsCollector(cfg.Interfaces(), time.Duration(cfg.StatsIntervalS)*time.Second, d.counters, logger)
	}
	return d, nil
}

// Snapshot serves the transport and API from the host loop.
func (d *daemon) Snapshot() models.Snapshot {
	return d.loop.Snapshot()
}

func (d *daemon) counters(ifname string) (unmapped, malformed uint64) {
	for _, n := range d.networks {
		if n.Interface() == ifname {
			c := n.Dispatcher().Counters()
			return c.Unmapped, c.Malformed
		}
	}
	return 0, 0
}

func (d *daemon) openClickHouse() {
	if !d.cfg.ClickHouse.Enabled {
		return
	}
	c := d.cfg.ClickHouse
	conn, err := clickhouse.Open(clickhouse.Config{
		Host:       c.Host,
		Port:       c.Port,
		Database:   c.Database,
		Username:   c.Username,
		Password:   c.Password,
		Table:      c.Table,
		StatsTable: c.StatsTable,
		BatchSize:  c.BatchSize,
	})
	if err != nil {
		d.logger.Warn("ClickHouse unavailable, frame recording disabled", "error", err)
		return
	}
	d.chConn = conn

	frames, err := clickhouse.NewWriter(conn, c.Table, c.BatchSize, d.logger)
	if err != nil {
		d.logger.Warn("failed to prepare frame table", "error", err)
	} else {
		frames.Start()
		d.frames = frames
	}

	stats, err := clickhouse.NewStatsWriter(conn, c.StatsTable, c.BatchSize, d.logger)
	if err != nil {
		d.logger.Warn("failed to prepare stats table", "error", err)
	} else {
		stats.Start()
		d.statsWriter = stats
	}
	d.logger.Info("recording to ClickHouse", "host", c.Host, "database", c.Database)
}

func (d *daemon) openInfluxDB() {
	if !d.cfg.InfluxDB.Enabled {
		return
	}
	c := d.cfg.InfluxDB
	w, err := influxdb.New(influxdb.Config{
		URL:       c.URL,
		Token:     c.Token,
		Database:  c.Database,
		BatchSize: c.BatchSize,
	}, d.logger)
	if err != nil {
		d.logger.Warn("InfluxDB unavailable, state recording disabled", "error", err)
		return
	}
	w.Start()
	d.snapshots = append(d.snapshots, w)
	d.logger.Info("recording to InfluxDB", "url", c.URL, "database", c.Database)
}

func (d *daemon) openMQTT() {
	if !d.cfg.MQTT.Enabled {
		return
	}
	c := d.cfg.MQTT
	prefix := c.Prefix
	if prefix == "" {
		prefix = "glonax/" + d.cfg.Instance.ID
	}
	p, err := mqtt.Connect(mqtt.Config{
		Broker:   c.Broker,
		ClientID: c.ClientID,
		Username: c.Username,
		Password: c.Password,
		Prefix:   prefix,
		QoS:      c.QoS,
	}, d.logger)
	if err != nil {
		d.logger.Warn("MQTT unavailable, state publishing disabled", "error", err)
		return
	}
	d.snapshots = append(d.snapshots, p)
}

// run starts every component and blocks until ctx is cancelled. Errors
// of individual networks are logged; the daemon keeps serving the rest.
func (d *daemon) run(ctx context.Context) error {
	d.logger.Info("glonaxd starting",
		"instance", d.cfg.Instance.ID,
		"model", d.cfg.Instance.Model,
		"serial", d.cfg.Instance.Serial,
		"mode", d.cfg.Mode,
		"networks", len(d.networks))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, n := range d.networks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("network stopped", "interface", n.Interface(), "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.loop.Run(runCtx)
	}()

	for _, l := range d.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.server.Serve(runCtx, l.ln)
		}()
	}

	if d.stats != nil {
		d.stats.Start()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for stat := range d.stats.GetStatsChannel() {
				if d.statsWriter != nil {
					d.statsWriter.Write(stat)
				}
			}
		}()
	}

	apiErr := make(chan error, 1)
	if d.api != nil {
		go func() { apiErr <- d.api.Start() }()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown requested")
	case err := <-apiErr:
		if err != nil {
			d.logger.Error("API server failed", "error", err)
		}
	}

	// Refuse new commands before the buses go away so nothing half
	// executes during teardown.
	d.controller.Shutdown()
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if d.api != nil {
		if err := d.api.Stop(shutdownCtx); err != nil {
			d.logger.Warn("failed to stop API server", "error", err)
		}
	}
	for _, n := range d.networks {
		if err := n.Close(); err != nil {
			d.logger.Warn("failed to close network", "interface", n.Interface(), "error", err)
		}
	}
	if d.stats != nil {
		d.stats.Stop()
	}
	d.hub.Close()
	wg.Wait()

	d.closeSinks()
	d.logger.Info("glonaxd stopped")
	return nil
}

func (d *daemon) closeListeners() {
	for _, l := range d.listeners {
		l.ln.Close()
	}
}

func (d *daemon) closeSinks() {
	if d.frames != nil {
		if err := d.frames.Close(); err != nil {
			d.logger.Warn("failed to close frame writer", "error", err)
		}
	}
	if d.statsWriter != nil {
		if err := d.statsWriter.Close(); err != nil {
			d.logger.Warn("failed to close stats writer", "error", err)
		}
	}
	for _, w := range d.snapshots {
		if err := w.Close(); err != nil {
			d.logger.Warn("failed to close snapshot writer", "error", err)
		}
	}
	if d.chConn != nil {
		d.chConn.Close()
	}
}
