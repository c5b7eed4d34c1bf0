package transport

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/Laixer/Glonax/internal/authority"
	"github.com/Laixer/Glonax/internal/models"
)

// Request operations.
const (
	OpHello     = "hello"
	OpSnapshot  = "snapshot"
	OpSubscribe = "subscribe"
	OpCommand   = "command"
	OpPing      = "ping"
	OpBye       = "bye"
)

// Server initiated envelopes.
const (
	OpRefused = "refused"
	OpPong    = "pong"
	OpError   = "error"
)

// Request is one client message.
type Request struct {
	Op string `cbor:"op"`

	// hello
	Name     string        `cbor:"name,omitempty"`
	Source   models.Source `cbor:"source,omitempty"`
	Control  bool          `cbor:"control,omitempty"`
	Failsafe bool          `cbor:"failsafe,omitempty"`

	// command
	Target string  `cbor:"target,omitempty"`
	Value  float64 `cbor:"value,omitempty"`
}

// Envelope is one server message. Data holds the op specific payload.
type Envelope struct {
	Op     string          `cbor:"op"`
	OK     bool            `cbor:"ok"`
	Error  string          `cbor:"error,omitempty"`
	Reason string          `cbor:"reason,omitempty"`
	Data   cbor.RawMessage `cbor:"data,omitempty"`
}

// CommandResult is the payload of a command response.
type CommandResult struct {
	ID       string             `cbor:"id"`
	Decision authority.Decision `cbor:"decision"`
}

func okEnvelope(op string, data any) (Envelope, error) {
	env := Envelope{Op: op, OK: true}
	if data != nil {
		raw, err := Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

func errEnvelope(op string, err error, reason authority.Reason) Envelope {
	return Envelope{Op: op, Error: err.Error(), Reason: string(reason)}
}
