package models

import (
	"fmt"
	"time"
)

// Source identifies who issued a command.
type Source string

const (
	SourcePilot      Source = "pilot"
	SourceRemote     Source = "remote"
	SourceAutonomous Source = "autonomous"
)

// Known reports whether s is one of the recognized command sources.
func (s Source) Known() bool {
	switch s {
	case SourcePilot, SourceRemote, SourceAutonomous:
		return true
	}
	return false
}

// Command is a request to change one actuator signal. Commands are never persisted.
type Command struct {
	ID     string    `json:"id" cbor:"id"`
	Source Source    `json:"source" cbor:"source"`
	Target string    `json:"target" cbor:"target"`
	Value  float64   `json:"value" cbor:"value"`
	Issued time.Time `json:"issued" cbor:"issued"`
}

func (c Command) String() string {
	return fmt.Sprintf("%s=%g from %s", c.Target, c.Value, c.Source)
}
