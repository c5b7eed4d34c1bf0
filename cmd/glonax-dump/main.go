// Command glonax-dump prints the J1939 traffic of a CAN interface, one
// decoded frame per line.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/brutella/can"
	"github.com/spf13/pflag"

	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type line struct {
	Time     time.Time `json:"time"`
	PGN      uint32    `json:"pgn"`
	Priority uint8     `json:"priority"`
	Source   uint8     `json:"source"`
	Dest     uint8     `json:"destination"`
	Data     string    `json:"data"`
}

func run() error {
	var (
		ifname string
		pgns   []string
		source int
		asJSON bool
	)

	flagSet := pflag.NewFlagSet("glonax-dump", pflag.ContinueOnError)
	flagSet.StringVarP(&ifname, "interface", "i", "can0", "CAN interface to listen on")
	flagSet.StringSliceVarP(&pgns, "pgn", "p", nil, "only show these PGNs (decimal or 0x hex)")
	flagSet.IntVarP(&source, "source", "s", -1, "only show frames from this source address")
	flagSet.BoolVar(&asJSON, "json", false, "print JSON lines")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	filter := make(map[j1939.PGN]bool, len(pgns))
	for _, p := range pgns {
		v, err := strconv.ParseUint(p, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid PGN %q", p)
		}
		filter[j1939.PGN(v)] = true
	}

	bus, err := can.NewBusForInterfaceWithName(ifname)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", ifname, err)
	}

	// A failed write to stdout, such as a closed pipe, ends the dump.
	var (
		writeErr error
		stop     sync.Once
	)
	fail := func(err error) {
		stop.Do(func() {
			writeErr = fmt.Errorf("failed to write output: %w", err)
			bus.Disconnect()
		})
	}

	enc := json.NewEncoder(os.Stdout)
	bus.SubscribeFunc(func(f can.Frame) {
		frame := models.CANFrame{ID: f.ID, DLC: f.Length, Data: f.Data}
		id, ok := j1939.FromFrame(frame)
		if !ok {
			return
		}
		if len(filter) > 0 && !filter[id.PGN()] {
			return
		}
		if source >= 0 && id.SourceAddress() != uint8(source) {
			return
		}

		if asJSON {
			err := enc.Encode(line{
				Time:     time.Now().UTC(),
				PGN:      uint32(id.PGN()),
				Priority: id.Priority(),
				Source:   id.SourceAddress(),
				Dest:     id.DestinationAddress(),
				Data:     fmt.Sprintf("% X", frame.Payload()),
			})
			if err != nil {
				fail(err)
			}
			return
		}
		if _, err := fmt.Printf("%s %s % X\n", time.Now().Format("15:04:05.000"), id, frame.Payload()); err != nil {
			fail(err)
		}
	})

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigch
		bus.Disconnect()
	}()

	// ConnectAndPublish fails once Disconnect closes the socket.
	bus.ConnectAndPublish()
	return writeErr
}
