package api

import (
	"github.com/openrtk/stalld/internal/events"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type          string          `json:"type"`
	GranularityMS int             `json:"granularity_ms"`
	CPUs          []int           `json:"cpus"`
	Features      map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(granularityMS int, cpus []int, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:          "hello",
		GranularityMS: granularityMS,
		CPUs:          cpus,
		Features:      features,
	}
}

// EventMessage wraps a pipeline event for transport.
type EventMessage struct {
	Type string `json:"type"`
	events.Event
}

// NewEventMessage constructs an event payload.
func NewEventMessage(event events.Event) EventMessage {
	return EventMessage{
		Type:  "event",
		Event: event,
	}
}

// StateMessage wraps a per-CPU summary for transport.
type StateMessage struct {
	Type string `json:"type"`
	events.CPUSummary
}

// NewStateMessage constructs a state payload.
func NewStateMessage(summary events.CPUSummary) StateMessage {
	return StateMessage{
		Type:       "state",
		CPUSummary: summary,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client
// messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
