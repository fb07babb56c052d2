// Package bridge defines the two wire shapes exchanged between contexts:
// Requests travel towards the namespace that serves them and Events travel
// back to the client that issued the request.
package bridge

import (
	"encoding/json"
	"fmt"
)

const (
	// RequestField wraps a Request on the wire.
	RequestField = "bridge_request"
	// EventField wraps an Event on the wire.
	EventField = "bridge_event"
)

// RequestType enumerates the kinds of Request.
type RequestType string

const (
	RequestQuery             RequestType = "query"
	RequestMutation          RequestType = "mutation"
	RequestSubscriptionStart RequestType = "subscription.start"
	RequestSubscriptionStop  RequestType = "subscription.stop"
)

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case RequestQuery, RequestMutation, RequestSubscriptionStart, RequestSubscriptionStop:
		return true
	}
	return false
}

// EventType enumerates the kinds of Event.
type EventType string

const (
	EventOutput             EventType = "output"
	EventSubscriptionAck    EventType = "subscription.ack"
	EventSubscriptionOutput EventType = "subscription.output"
	EventSubscriptionStop   EventType = "subscription.stop"
	// EventError terminates a call whose procedure failed.
	EventError EventType = "error"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventOutput, EventSubscriptionAck, EventSubscriptionOutput, EventSubscriptionStop, EventError:
		return true
	}
	return false
}

// Terminal reports whether no further events follow t for the same request id.
func (t EventType) Terminal() bool {
	return t == EventOutput || t == EventSubscriptionStop || t == EventError
}

// Context addresses a message: who sent the originating request, which
// namespace serves it and, optionally, which target it is scoped to.
type Context struct {
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName,omitempty"`
	Namespace  string `json:"namespace"`
	TabID      *int64 `json:"tabId,omitempty"`
	ScopeToTab bool   `json:"scopeToTab,omitempty"`
}

// Request asks the context hosting Context.Namespace to run Path.
type Request struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Context        Context         `json:"context"`
	ID             int64           `json:"id"`
	Path           string          `json:"path"`
	Type           RequestType     `json:"type"`
	Input          json.RawMessage `json:"input,omitempty"`
}

// Event carries a result back to the client identified by Context.ClientID.
type Event struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Context        Context         `json:"context"`
	ID             int64           `json:"id"`
	Type           EventType       `json:"type"`
	Output         json.RawMessage `json:"output,omitempty"`
}

// ErrorOutput is the Output of an EventError.
type ErrorOutput struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Kind classifies a decoded message.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Message is the result of Decode; exactly one of Request or Event is set
// unless the kind is KindUnknown.
type Message struct {
	Kind    Kind
	Request *Request
	Event   *Event
}

type wire struct {
	Request *Request `json:"bridge_request,omitempty"`
	Event   *Event   `json:"bridge_event,omitempty"`
}

// Decode classifies raw channel traffic. It never fails: anything that is
// not a well-formed Event or Request comes back as KindUnknown so foreign
// messages sharing the channel can be ignored.
func Decode(data []byte) Message {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}
	}
	if w.Event != nil && validEvent(w.Event) {
		return Message{Kind: KindEvent, Event: w.Event}
	}
	if w.Request != nil && validRequest(w.Request) {
		return Message{Kind: KindRequest, Request: w.Request}
	}
	return Message{}
}

func validEvent(ev *Event) bool {
	return ev.IdempotencyKey != "" && ev.Context.ClientID != "" && ev.Context.Namespace != "" && ev.Type.Valid()
}

func validRequest(req *Request) bool {
	return req.IdempotencyKey != "" && req.Context.ClientID != "" && req.Context.Namespace != "" && req.Type.Valid()
}

// EncodeRequest returns the wire form of req.
func EncodeRequest(req *Request) ([]byte, error) {
	b, err := json.Marshal(wire{Request: req})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return b, nil
}

// EncodeEvent returns the wire form of ev.
func EncodeEvent(ev *Event) ([]byte, error) {
	b, err := json.Marshal(wire{Event: ev})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// Marshal encodes v as a raw JSON payload suitable for Input or Output.
// A nil value encodes as JSON null.
func Marshal(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// Clone returns a copy of c whose TabID does not alias c's.
func (c Context) Clone() Context {
	if c.TabID != nil {
		id := *c.TabID
		c.TabID = &id
	}
	return c
}
