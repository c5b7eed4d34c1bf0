// Package config loads the daemon configuration: a YAML file describing
// the machine, its networks and drivers, followed by optional KEY=VALUE
// overrides from a .env file.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"github.com/Laixer/Glonax/internal/authority"
	"github.com/Laixer/Glonax/internal/driver"
	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
	"github.com/Laixer/Glonax/internal/network"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	Instance models.Instance `yaml:"instance"`

	// Mode is the operating mode: normal, pilot-restrict or autonomous.
	Mode string `yaml:"mode"`

	// TickMS is the host loop interval in milliseconds.
	TickMS int `yaml:"tick_ms"`

	Log       LogConfig       `yaml:"log"`
	Networks  []NetworkConfig `yaml:"networks"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`

	// StatsIntervalS is the bus statistics sampling interval in seconds.
	// Zero disables sampling.
	StatsIntervalS int `yaml:"stats_interval_s"`

	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NetworkConfig describes one CAN interface.
type NetworkConfig struct {
	Interface string         `yaml:"interface"`
	Address   uint8          `yaml:"address"`
	Name      j1939.Name     `yaml:"name"`
	Drivers   []DriverConfig `yaml:"drivers"`
}

// DriverConfig describes one device on a network.
type DriverConfig struct {
	Kind        string `yaml:"kind"`
	Name        string `yaml:"name"`
	Destination uint8  `yaml:"destination"`
	Source      *uint8 `yaml:"source,omitempty"`
	TimeoutMS   int    `yaml:"timeout_ms"`

	IdleRPM float64 `yaml:"idle_rpm,omitempty"`
	MaxRPM  float64 `yaml:"max_rpm,omitempty"`
}

type TransportConfig struct {
	TCP  ListenerConfig `yaml:"tcp"`
	Unix ListenerConfig `yaml:"unix"`

	// Failsafe stops the hydraulics when a controlling session that
	// asked for it is lost.
	Failsafe bool `yaml:"failsafe"`

	// QueueSize bounds the autonomous command queue.
	QueueSize int `yaml:"queue_size"`
}

// ListenerConfig describes one transport listener. An empty address
// disables it.
type ListenerConfig struct {
	Address        string   `yaml:"address"`
	MaxConnections int      `yaml:"max_connections"`
	Sources        []string `yaml:"sources"`
}

type APIConfig struct {
	// Port of the HTTP API. Zero disables it.
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"`
}

type ClickHouseConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Database   string `yaml:"database"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Table      string `yaml:"table"`
	StatsTable string `yaml:"stats_table"`
	BatchSize  int    `yaml:"batch_size"`
}

type InfluxDBConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	Database  string `yaml:"database"`
	BatchSize int    `yaml:"batch_size"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
}

// Default returns the configuration used for every field the file
// leaves out.
func Default() *Config {
	return &Config{
		Instance: models.Instance{Model: "glonax"},
		Mode:     string(authority.ModeNormal),
		TickMS:   200,
		Log:      LogConfig{Level: "info", Format: "text"},
		Transport: TransportConfig{
			TCP:       ListenerConfig{MaxConnections: 10, Sources: []string{"remote", "autonomous"}},
			Unix:      ListenerConfig{MaxConnections: 5, Sources: []string{"pilot", "remote", "autonomous"}},
			Failsafe:  true,
			QueueSize: 32,
		},
		API:            APIConfig{Port: 8080},
		StatsIntervalS: 10,
		ClickHouse: ClickHouseConfig{
			Host:       "localhost",
			Port:       9000,
			Database:   "default",
			Username:   "default",
			Table:      "can_frames",
			StatsTable: "can_interface_stats",
			BatchSize:  1000,
		},
		InfluxDB: InfluxDBConfig{
			URL:       "http://localhost:8086",
			Database:  "glonax",
			BatchSize: 500,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "glonaxd",
			Prefix:   "glonax",
		},
	}
}

// Load reads the YAML file at path and then applies the .env file at
// envFile, if any. The result is validated.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(envFile); err != nil {
		return nil, err
	}
	cfg.fillInstance()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnv applies KEY=VALUE overrides from envFile. A missing file is
// not an error.
func (c *Config) LoadEnv(envFile string) error {
	if envFile == "" {
		return nil
	}

	file, err := os.Open(envFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error opening .env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if err := c.set(key, value); err != nil {
			return fmt.Errorf("%s:%d: %w", envFile, lineNo, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading .env file: %w", err)
	}
	return nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "GLONAX_MODE":
		c.Mode = value
	case "GLONAX_TICK_MS":
		c.TickMS, err = strconv.Atoi(value)
	case "GLONAX_SERIAL":
		c.Instance.Serial = value
	case "API_PORT":
		c.API.Port, err = strconv.Atoi(value)
	case "GRPC_PORT":
		c.API.GRPCPort, err = strconv.Atoi(value)
	case "STATS_INTERVAL":
		c.StatsIntervalS, err = strconv.Atoi(value)
	case "BATCH_SIZE":
		var n int
		n, err = strconv.Atoi(value)
		c.ClickHouse.BatchSize, c.InfluxDB.BatchSize = n, n
	case "CLICKHOUSE_ENABLED":
		c.ClickHouse.Enabled, err = strconv.ParseBool(value)
	case "CLICKHOUSE_HOST":
		c.ClickHouse.Host = value
	case "CLICKHOUSE_PORT":
		c.ClickHouse.Port, err = strconv.Atoi(value)
	case "CLICKHOUSE_DATABASE":
		c.ClickHouse.Database = value
	case "CLICKHOUSE_USERNAME":
		c.ClickHouse.Username = value
	case "CLICKHOUSE_PASSWORD":
		c.ClickHouse.Password = value
	case "CLICKHOUSE_TABLE":
		c.ClickHouse.Table = value
	case "CLICKHOUSE_STATS_TABLE":
		c.ClickHouse.StatsTable = value
	case "INFLUXDB_ENABLED":
		c.InfluxDB.Enabled, err = strconv.ParseBool(value)
	case "INFLUXDB_URL":
		c.InfluxDB.URL = value
	case "INFLUXDB_TOKEN":
		c.InfluxDB.Token = value
	case "INFLUXDB_DATABASE":
		c.InfluxDB.Database = value
	case "MQTT_ENABLED":
		c.MQTT.Enabled, err = strconv.ParseBool(value)
	case "MQTT_BROKER":
		c.MQTT.Broker = value
	case "MQTT_CLIENT_ID":
		c.MQTT.ClientID = value
	case "MQTT_USERNAME":
		c.MQTT.Username = value
	case "MQTT_PASSWORD":
		c.MQTT.Password = value
	case "MQTT_PREFIX":
		c.MQTT.Prefix = value
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// fillInstance derives a stable instance id from model and serial when
// none is configured.
func (c *Config) fillInstance() {
	if c.Instance.ID == "" && c.Instance.Serial != "" {
		c.Instance.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.Instance.Model+"/"+c.Instance.Serial)).String()
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the configuration. Duplicate driver address keys are
// detected when the networks are built.
func (c *Config) Validate() error {
	if _, err := authority.ParseMode(c.Mode); err != nil {
		return invalid("%v", err)
	}
	if c.TickMS <= 0 {
		return invalid("tick_ms must be positive, got %d", c.TickMS)
	}
	if len(c.Networks) == 0 {
		return invalid("no networks configured")
	}

	seen := make(map[string]bool)
	for i, n := range c.Networks {
		if n.Interface == "" {
			return invalid("networks[%d]: missing interface", i)
		}
		if seen[n.Interface] {
			return invalid("network %s configured twice", n.Interface)
		}
		seen[n.Interface] = true

		if err := n.Name.Validate(); err != nil {
			return invalid("network %s: %v", n.Interface, err)
		}
		if n.Address >= j1939.AddressNull {
			return invalid("network %s: address 0x%02X cannot be claimed", n.Interface, n.Address)
		}
		for j, d := range n.Drivers {
			if _, err := driver.ParseKind(d.Kind); err != nil {
				return invalid("network %s driver %d: %v", n.Interface, j, err)
			}
			if d.TimeoutMS <= 0 {
				return invalid("network %s driver %q: timeout_ms must be positive", n.Interface, d.Name)
			}
			if d.IdleRPM > d.MaxRPM && d.MaxRPM != 0 {
				return invalid("network %s driver %q: idle_rpm above max_rpm", n.Interface, d.Name)
			}
		}
	}

	for name, l := range map[string]ListenerConfig{"tcp": c.Transport.TCP, "unix": c.Transport.Unix} {
		if l.Address == "" {
			continue
		}
		if l.MaxConnections <= 0 {
			return invalid("transport.%s: max_connections must be positive", name)
		}
		if _, err := l.CommandSources(); err != nil {
			return invalid("transport.%s: %v", name, err)
		}
	}
	if c.Transport.QueueSize <= 0 {
		return invalid("transport.queue_size must be positive")
	}
	if c.MQTT.QoS > 2 {
		return invalid("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// OperatingMode returns the parsed mode.
func (c *Config) OperatingMode() authority.Mode {
	m, _ := authority.ParseMode(c.Mode)
	return m
}

// TickInterval returns the host loop interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// NetworkConfigs converts the networks for network.New.
func (c *Config) NetworkConfigs() ([]network.Config, error) {
	out := make([]network.Config, 0, len(c.Networks))
	for _, n := range c.Networks {
		nc := network.Config{
			Interface: n.Interface,
			Identity:  network.Identity{Name: n.Name, Address: n.Address},
		}
		for _, d := range n.Drivers {
			kind, err := driver.ParseKind(d.Kind)
			if err != nil {
				return nil, fmt.Errorf("network %s: %w", n.Interface, err)
			}
			nc.Drivers = append(nc.Drivers, driver.Config{
				Kind:        kind,
				Name:        d.Name,
				Destination: d.Destination,
				Source:      d.Source,
				Timeout:     time.Duration(d.TimeoutMS) * time.Millisecond,
				IdleRPM:     d.IdleRPM,
				MaxRPM:      d.MaxRPM,
			})
		}
		out = append(out, nc)
	}
	return out, nil
}

// Interfaces returns the configured interface names in order.
func (c *Config) Interfaces() []string {
	out := make([]string, len(c.Networks))
	for i, n := range c.Networks {
		out[i] = n.Interface
	}
	return out
}

// CommandSources parses the sources a listener accepts.
func (l ListenerConfig) CommandSources() ([]models.Source, error) {
	out := make([]models.Source, 0, len(l.Sources))
	for _, s := range l.Sources {
		src := models.Source(strings.ToLower(strings.TrimSpace(s)))
		if !src.Known() {
			return nil, fmt.Errorf("unknown command source %q", s)
		}
		out = append(out, src)
	}
	return out, nil
}
