package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Webhook event types.
const (
	EventTypeMessage            = "message"
	EventTypeConversationCreate = "conversation_create"
)

// Bot platform message types.
const (
	MessageKindText   = "text"
	MessageKindButton = "button"
)

// Sender kinds reported in message_by.type.
const (
	SenderBot     = "bot"
	SenderVisitor = "visitor"
)

// FlexID accepts identifiers the platform sends either as JSON strings or numbers.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// String returns the identifier as a string.
func (f FlexID) String() string {
	return string(f)
}

// WebhookEnvelope is the body posted by the bot platform.
// Token is a pointer so a present-but-empty token can be told apart from none.
type WebhookEnvelope struct {
	Token  *string        `json:"token,omitempty"`
	Events []WebhookEvent `json:"events,omitempty"`
}

// WebhookEvent is one entry of the events list.
type WebhookEvent struct {
	Event        EventBody   `json:"event"`
	Conversation EventEntity `json:"conversation"`
	Visitor      EventEntity `json:"visitor"`
}

// EventBody carries the type tag and its payload.
type EventBody struct {
	Type    string       `json:"type"`
	Payload EventPayload `json:"payload"`
}

// EventEntity references a remote object by key.
type EventEntity struct {
	Key FlexID `json:"key"`
}

// EventPayload is the payload of a message event.
type EventPayload struct {
	Message   EventMessage `json:"message"`
	MessageBy EventSender  `json:"message_by"`
}

// EventSender identifies who authored a message.
type EventSender struct {
	Type string `json:"type"`
}

// EventMessage is a message whose body depends on Type: Text for "text",
// Payload (a ButtonPayload) for "button".
type EventMessage struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ButtonPayload is the body of a button message.
type ButtonPayload struct {
	Title   string   `json:"title"`
	Buttons []Button `json:"buttons"`
}

// InboundMessage is a decoded message event ready for correlation.
type InboundMessage struct {
	Kind     string
	Sender   string
	Text     string
	Title    string
	Buttons  []Button
	Metadata map[string]string
}
