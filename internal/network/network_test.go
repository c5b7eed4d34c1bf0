package network

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Laixer/Glonax/internal/can"
	"github.com/Laixer/Glonax/internal/clock"
	"github.com/Laixer/Glonax/internal/driver"
	"github.com/Laixer/Glonax/internal/j1939"
	"github.com/Laixer/Glonax/internal/models"
	"github.com/Laixer/Glonax/internal/state"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var testIdentity = Identity{
	Name:    j1939.Name{IdentityNumber: 0x1234, ManufacturerCode: 0x717, Function: 0x1C, IndustryGroup: 2},
	Address: 0x9E,
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func encoderFrame(sa uint8, degrees float64) models.CANFrame {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:], uint32(degrees/180*math.Pi*1000))
	return j1939.NewID(6, j1939.PGNEncoderProcessData, j1939.AddressGlobal, sa).Frame(data)
}

func testConfig() Config {
	return Config{
		Interface: "vcan0",
		Identity:  testIdentity,
		Drivers: []driver.Config{
			{Kind: driver.KindEncoder, Name: "arm", Destination: 0x6A, Timeout: 1000 * time.Millisecond},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newDispatcher(t *testing.T) (*Dispatcher, *state.Store) {
	t.Helper()
	store := state.New()
	n, err := New(testConfig(), store, nil, WithClock(clock.Fake(t0)), WithLogger(discard()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	store.Seal()
	return n.Dispatcher(), store
}

func TestDispatcher_Routing(t *testing.T) {
	d, store := newDispatcher(t)

	// Unmapped, non extended and own address frames leave the store alone.
	noise := []models.CANFrame{
		j1939.NewID(6, j1939.PGNVecraftStatus, 0xFF, 0x33).Frame(nil),
		{ID: 0x123, DLC: 8},
		encoderFrame(testIdentity.Address, 10),
	}
	for _, f := range noise {
		if reply := d.Dispatch(models.CANMessage{Frame: f}); reply != nil {
			t.Fatalf("unexpected reply %v", reply)
		}
	}
	if snap := store.Snapshot(); len(snap) != 0 {
		t.Fatalf("store mutated by unmapped traffic: %+v", snap)
	}

	d.Dispatch(models.CANMessage{Frame: encoderFrame(0x6A, 45)})
	v, ok := store.Read("arm.encoder.angle")
	if !ok || math.Abs(v.Value-45) > 0.06 || v.Writer != "vcan0/0x6A" || !v.Timestamp.Equal(t0) {
		t.Fatalf("arm.encoder.angle = %+v, %v", v, ok)
	}

	bad := encoderFrame(0x6A, 1)
	bad.DLC = 3
	d.Dispatch(models.CANMessage{Frame: bad})

	c := d.Counters()
	want := Counters{Received: 5, Dispatched: 1, Unmapped: 1, Malformed: 1, Ignored: 2}
	if c != want {
		t.Fatalf("Counters() = %+v, want %+v", c, want)
	}
}

func TestDispatcher_FramesToDeviceDoNotRefreshLiveness(t *testing.T) {
	store := state.New()
	cfg := testConfig()
	cfg.Drivers = append(cfg.Drivers, driver.Config{Kind: driver.KindHydraulic, Name: "hcu", Destination: 0x4A, Timeout: time.Second})
	n, err := New(cfg, store, nil, WithClock(clock.Fake(t0)), WithLogger(discard()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	store.Seal()
	d := n.Dispatcher()

	// Another controller commanding the units.
	commands := []models.CANFrame{
		j1939.NewID(3, j1939.PGNActuatorBankLow, 0x4A, 0x20).Frame([]byte{0x10, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}),
		j1939.NewID(6, j1939.PGNProprietaryA, 0x6A, 0x20).Frame([]byte{1}),
	}
	for _, f := range commands {
		d.Dispatch(models.CANMessage{Frame: f})
	}

	if snap := store.Snapshot(); len(snap) != 0 {
		t.Fatalf("store written by frames addressed to devices: %+v", snap)
	}
	for _, drv := range n.Drivers() {
		if drv.Liveness() != driver.LivenessUnknown {
			t.Fatalf("%s liveness = %s, want unknown", drv.Name(), drv.Liveness())
		}
	}
	if c := d.Counters(); c.Unmapped != 2 || c.Dispatched != 0 {
		t.Fatalf("Counters() = %+v", c)
	}
}

func TestDispatcher_AddressClaimRequest(t *testing.T) {
	d, _ := newDispatcher(t)

	for _, da := range []uint8{testIdentity.Address, j1939.AddressGlobal} {
		reply := d.Dispatch(models.CANMessage{Frame: j1939.Request(j1939.PGNAddressClaimed, da, 0x10)})
		if len(reply) != 1 {
			t.Fatalf("request to 0x%02X: got %d replies", da, len(reply))
		}
		id, _ := j1939.FromFrame(reply[0])
		if id.PGN() != j1939.PGNAddressClaimed || id.SourceAddress() != testIdentity.Address {
			t.Fatalf("reply id = %s", id)
		}
		if got := j1939.NameFromUint64(binary.LittleEndian.Uint64(reply[0].Data[:])); got != testIdentity.Name {
			t.Fatalf("claimed name = %+v", got)
		}
	}

	// Requests for other nodes or other groups are not answered.
	if reply := d.Dispatch(models.CANMessage{Frame: j1939.Request(j1939.PGNAddressClaimed, 0x20, 0x10)}); reply != nil {
		t.Fatalf("answered request for another node")
	}
	if reply := d.Dispatch(models.CANMessage{Frame: j1939.Request(j1939.PGNVecraftStatus, 0xFF, 0x10)}); reply != nil {
		t.Fatalf("answered request for unsupported pgn")
	}
}

func TestNew_DuplicateSignalOwner(t *testing.T) {
	store := state.New()
	if _, err := New(testConfig(), store, nil, WithLogger(discard())); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cfg := testConfig()
	cfg.Interface = "vcan1"
	if _, err := New(cfg, store, nil, WithLogger(discard())); !errors.Is(err, state.ErrSignalOwned) {
		t.Fatalf("second network with same driver names: error = %v", err)
	}

	cfg.Identity.Name.IndustryGroup = 9
	if _, err := New(cfg, state.New(), nil); !errors.Is(err, j1939.ErrMalformedName) {
		t.Fatalf("malformed NAME: error = %v", err)
	}
}

// loopbacks hands out a fresh loopback per open, so a test can drop the
// interface and bring it back.
type loopbacks struct {
	mu      sync.Mutex
	current *can.Loopback
	peer    *can.Endpoint
	opens   int
	fail    bool
}

func (l *loopbacks) open(ifname string) (can.Bus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, can.ErrBusUnavailable
	}
	l.opens++
	l.current = can.NewLoopback(ifname)
	l.peer = l.current.Open(0)
	return l.current.Open(0, can.ExtendedData), nil
}

func (l *loopbacks) get() (*can.Loopback, *can.Endpoint, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.peer, l.opens
}

func TestNetwork_RunReconnect(t *testing.T) {
	clk := clock.Fake(t0)
	store := state.New()
	lbs := &loopbacks{}
	n, err := New(testConfig(), store, lbs.open, WithClock(clk), WithLogger(discard()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	store.Seal()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	waitFor(t, "connect", func() bool { return n.State() == StateConnected })
	lb, peer, _ := lbs.get()

	claim, err := peer.Receive(ctx)
	if err != nil {
		t.Fatalf("peer receive: %v", err)
	}
	if id, _ := j1939.FromFrame(claim.Frame); id.PGN() != j1939.PGNAddressClaimed {
		t.Fatalf("first frame = %s, want address claim", id)
	}

	if err := peer.Send(ctx, encoderFrame(0x6A, 45)); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	waitFor(t, "dispatch", func() bool { _, ok := store.Read("arm.encoder.angle"); return ok })
	if d := n.Drivers()[0]; d.Liveness() != driver.LivenessActive {
		t.Fatalf("liveness = %s", d.Liveness())
	}

	cmd := j1939.NewID(6, j1939.PGNProprietaryA, 0x6A, testIdentity.Address).Frame([]byte{1})
	if err := n.Send(ctx, []models.CANFrame{cmd}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got, err := peer.Receive(ctx); err != nil || got.Frame != cmd {
		t.Fatalf("peer got %+v, %v", got, err)
	}

	// Interface vanishes.
	lbs.mu.Lock()
	lbs.fail = true
	lbs.mu.Unlock()
	lb.Close()
	// The first backoff timer is armed once the loss has been handled.
	clk.WaitForTimers(1)
	if n.State() != StateDisconnected {
		t.Fatalf("State() after bus loss = %s", n.State())
	}

	v, _ := store.Read("arm.encoder.angle")
	if !v.Stale {
		t.Fatalf("signal not stale after bus loss")
	}
	if d := n.Drivers()[0]; d.Liveness() != driver.LivenessUnknown {
		t.Fatalf("liveness after bus loss = %s", d.Liveness())
	}
	if err := n.Send(ctx, []models.CANFrame{cmd}); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Send() while disconnected = %v", err)
	}

	// First retry fails, second waits twice as long.
	clk.Advance(minBackoff)
	clk.WaitForTimers(1)
	lbs.mu.Lock()
	lbs.fail = false
	lbs.mu.Unlock()
	clk.Advance(minBackoff)
	if n.State() == StateConnected {
		t.Fatalf("reconnected before backoff elapsed")
	}
	clk.Advance(minBackoff)
	waitFor(t, "reconnect", func() bool { return n.State() == StateConnected })
	if _, _, opens := lbs.get(); opens != 2 {
		t.Fatalf("opens = %d, want 2", opens)
	}

	if err := n.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after Close")
	}
	if err := n.Send(ctx, []models.CANFrame{cmd}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() after Close = %v", err)
	}
	if n.State() != StateClosed {
		t.Fatalf("State() = %s", n.State())
	}
}

func TestNetwork_CheckLiveness(t *testing.T) {
	clk := clock.Fake(t0)
	store := state.New()
	lbs := &loopbacks{}
	n, err := New(testConfig(), store, lbs.open, WithClock(clk), WithLogger(discard()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	store.Seal()

	// Not connected: nothing is evaluated.
	if got := n.CheckLiveness(t0.Add(time.Hour)); got != nil {
		t.Fatalf("CheckLiveness() on disconnected network = %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		n.Close()
	}()
	go n.Run(ctx)
	waitFor(t, "connect", func() bool { return n.State() == StateConnected })

	waitFor(t, "address claim", func() bool { return n.Status().Sent >= 1 })
	n.Dispatcher().Dispatch(models.CANMessage{Frame: encoderFrame(0x6A, 45)})

	if got := n.CheckLiveness(t0.Add(1000 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("timed out at the timeout boundary")
	}
	got := n.CheckLiveness(t0.Add(1001 * time.Millisecond))
	if len(got) != 1 || got[0].Liveness() != driver.LivenessTimedOut {
		t.Fatalf("CheckLiveness() = %v", got)
	}
	if v, _ := store.Read("arm.encoder.angle"); !v.Stale {
		t.Fatalf("signal not stale after timeout")
	}

	st := n.Status()
	if st.State != "connected" || st.Dispatched != 1 || st.Address != testIdentity.Address || st.Sent < 1 {
		t.Fatalf("Status() = %+v", st)
	}
}

func TestNetwork_Tap(t *testing.T) {
	var (
		mu     sync.Mutex
		tapped []models.CANMessage
	)
	tap := func(msg models.CANMessage) {
		mu.Lock()
		defer mu.Unlock()
		tapped = append(tapped, msg)
	}

	store := state.New()
	lbs := &loopbacks{}
	n, err := New(testConfig(), store, lbs.open, WithClock(clock.Fake(t0)), WithLogger(discard()), WithTap(tap))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	store.Seal()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		n.Close()
	}()
	go n.Run(ctx)
	waitFor(t, "connect", func() bool { return n.State() == StateConnected })
	_, peer, _ := lbs.get()

	// Frames nobody owns are tapped as well.
	stray := j1939.NewID(6, j1939.PGNVecraftStatus, j1939.AddressGlobal, 0x33).Frame(nil)
	for _, f := range []models.CANFrame{encoderFrame(0x6A, 45), stray} {
		if err := peer.Send(ctx, f); err != nil {
			t.Fatalf("peer send: %v", err)
		}
	}

	waitFor(t, "tap", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tapped) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	if tapped[0].Frame != encoderFrame(0x6A, 45) || tapped[1].Frame != stray {
		t.Fatalf("tapped = %+v", tapped)
	}
	if tapped[0].Interface != "vcan0" {
		t.Fatalf("tapped interface = %q", tapped[0].Interface)
	}
}
