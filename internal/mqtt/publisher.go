// Package mqtt publishes machine state snapshots to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/Laixer/Glonax/internal/models"
)

// Config holds the broker connection and topic layout.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// Prefix is prepended to every topic, e.g. "glonax/<instance id>".
	Prefix string
	QoS    byte
}

const (
	publishTimeout = 5 * time.Second
	queueSize      = 8
)

// client is the part of paho.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
}

// Publisher sends every snapshot to <prefix>/state and the liveness of
// each driver, retained, to <prefix>/driver/<name>. Availability is
// announced on <prefix>/status with a last will of "offline".
type Publisher struct {
	cfg    Config
	client client
	conn   paho.Client
	queue  chan models.Snapshot
	done   chan struct{}
	logger *slog.Logger

	liveness map[string]string
}

// Connect connects to the broker and returns a started publisher.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	logger = logger.With("component", "mqtt", "broker", cfg.Broker)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetWill(topic(cfg.Prefix, "status"), "offline", cfg.QoS, true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("connected to broker")
		c.Publish(topic(cfg.Prefix, "status"), cfg.QoS, true, "online")
	})

	conn := paho.NewClient(opts)
	token := conn.Connect()
	if !token.WaitTimeout(publishTimeout) {
		logger.Warn("broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	p := newPublisher(cfg, conn, logger)
	p.conn = conn
	p.Start()
	return p, nil
}

func newPublisher(cfg Config, c client, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:      cfg,
		client:   c,
		queue:    make(chan models.Snapshot, queueSize),
		done:     make(chan struct{}),
		logger:   logger,
		liveness: make(map[string]string),
	}
}

func topic(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}

// Start begins publishing queued snapshots.
func (p *Publisher) Start() {
	go p.publishLoop()
}

func (p *Publisher) publishLoop() {
	defer close(p.done)
	for snap := range p.queue {
		p.send(snap)
	}
}

func (p *Publisher) send(snap models.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		p.logger.Warn("failed to encode snapshot", "error", err)
		return
	}
	p.publish(topic(p.cfg.Prefix, "state"), false, payload)

	// Liveness is retained and only sent on change.
	for _, d := range snap.Drivers {
		if p.liveness[d.Name] == d.Liveness {
			continue
		}
		p.liveness[d.Name] = d.Liveness
		p.publish(topic(p.cfg.Prefix, "driver/"+d.Name), true, d.Liveness)
	}
}

func (p *Publisher) publish(t string, retained bool, payload any) {
	token := p.client.Publish(t, p.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn("publish timed out", "topic", t)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("publish failed", "topic", t, "error", err)
	}
}

// Publish queues a snapshot. It implements host.Publisher and never
// blocks.
func (p *Publisher) Publish(snap models.Snapshot) {
	select {
	case p.queue <- snap:
	default:
		p.logger.Warn("publish queue full, dropping snapshot")
	}
}

// Close publishes what is queued, marks this node offline and
// disconnects. Publish must not be called afterwards.
func (p *Publisher) Close() error {
	close(p.queue)
	<-p.done
	if p.conn != nil {
		p.publish(topic(p.cfg.Prefix, "status"), true, "offline")
		p.conn.Disconnect(250)
	}
	return nil
}
