// Package bridge owns the headless browser worker and the duplex channel to
// the page-resident client agent. It multiplexes many concurrent proxy
// requests over that single channel by request id, delivering decoded
// upstream events to per-request queues.
package bridge

import "encoding/json"

// Descriptor event types carried on the channel toward the agent.
const (
	// EventTypeRequest identifies a request descriptor. It is the default and
	// may be omitted on the wire.
	EventTypeRequest = "request"
	// EventTypeCancelRequest aborts the matching in-flight fetch.
	EventTypeCancelRequest = "cancel_request"
	// EventTypeSetLogLevel mutates the agent's log-level knob.
	EventTypeSetLogLevel = "set_log_level"
)

// Upstream event types carried on the channel back from the agent.
const (
	// EventResponseHeaders carries the upstream status line and headers.
	EventResponseHeaders = "response_headers"
	// EventChunk carries a decoded piece of the upstream response body.
	EventChunk = "chunk"
	// EventStreamClose marks the end of the upstream response.
	EventStreamClose = "stream_close"
	// EventError carries an upstream failure with its status and diagnostic.
	EventError = "error"
	// EventHello is the first frame the agent sends after connecting.
	EventHello = "hello"
)

// Streaming modes for a request descriptor.
const (
	StreamingModeReal = "real"
	StreamingModeFake = "fake"
)

// Descriptor is the unit of work transmitted to the client agent.
type Descriptor struct {
	RequestID     string            `json:"request_id"`
	EventType     string            `json:"event_type,omitempty"`
	Method        string            `json:"method,omitempty"`
	Path          string            `json:"path,omitempty"`
	URL           string            `json:"url,omitempty"`
	QueryParams   map[string]string `json:"query_params,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	BodyB64       string            `json:"body_b64,omitempty"`
	IsGenerative  bool              `json:"is_generative"`
	StreamingMode string            `json:"streaming_mode,omitempty"`
	LogLevel      string            `json:"log_level,omitempty"`
}

// Marshal encodes the descriptor as a single text frame payload.
func (d *Descriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Event is a message flowing back from the client agent, tagged by request id.
type Event struct {
	RequestID string            `json:"request_id"`
	EventType string            `json:"event_type"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      string            `json:"data,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// ParseEvent decodes a single channel frame into an Event.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// Marshal encodes the event as a single text frame payload.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
