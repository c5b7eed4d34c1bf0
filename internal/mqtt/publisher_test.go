package mqtt

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/Laixer/Glonax/internal/models"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	retained bool
	payload  any
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []message
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload any) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message{topic, retained, payload})
	return doneToken{}
}

func TestPublisher(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(Config{Prefix: "glonax/abc/"}, fc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Start()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	active := models.Snapshot{Timestamp: ts, Mode: "normal", Drivers: []models.DriverStatus{{Name: "arm", Liveness: "active"}}}
	p.Publish(active)
	p.Publish(active)
	timedOut := active
	timedOut.Drivers = []models.DriverStatus{{Name: "arm", Liveness: "timed_out"}}
	p.Publish(timedOut)
	p.Close()

	want := []struct {
		topic    string
		retained bool
	}{
		{"glonax/abc/state", false},
		{"glonax/abc/driver/arm", true},
		{"glonax/abc/state", false},
		{"glonax/abc/state", false},
		{"glonax/abc/driver/arm", true},
	}
	if len(fc.msgs) != len(want) {
		t.Fatalf("published %d messages: %+v", len(fc.msgs), fc.msgs)
	}
	for i, w := range want {
		if fc.msgs[i].topic != w.topic || fc.msgs[i].retained != w.retained {
			t.Fatalf("message %d = %s retained=%v, want %s retained=%v", i, fc.msgs[i].topic, fc.msgs[i].retained, w.topic, w.retained)
		}
	}
	if fc.msgs[4].payload != "timed_out" {
		t.Fatalf("liveness payload = %v", fc.msgs[4].payload)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(fc.msgs[0].payload.([]byte), &snap); err != nil || snap.Mode != "normal" || !snap.Timestamp.Equal(ts) {
		t.Fatalf("state payload = %+v, %v", snap, err)
	}
}
