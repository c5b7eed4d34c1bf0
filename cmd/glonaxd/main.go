// Command glonaxd is the machine daemon: it binds the CAN networks,
// keeps the machine state, gates commands by operating mode and serves
// clients over TCP, Unix sockets and HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Laixer/Glonax/internal/authority"
	"github.com/Laixer/Glonax/internal/config"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		envFile     string
		mode        string
		logLevel    string
		logFormat   string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("glonaxd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "/etc/glonax/glonax.yaml", "path to the YAML configuration")
	flagSet.StringVar(&envFile, "env", ".env", "path to a .env file with overrides")
	flagSet.StringVar(&mode, "mode", "", "operating mode: normal, pilot-restrict or autonomous (overrides the configuration)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("glonaxd %s\n", version)
		return nil
	}

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	if mode != "" {
		m, err := authority.ParseMode(mode)
		if err != nil {
			return err
		}
		cfg.Mode = string(m)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	cfg.Instance.Version = version

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", cfg.Format)
}
