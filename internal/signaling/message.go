package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	pion "github.com/pion/webrtc/v4"
)

// Event names carried in Message.Type.
const (
	EventJoinRoom     = "join-room"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventRenegotiate  = "renegotiate"
	EventError        = "error"

	// EventDisconnect is raised locally when the transport drops. It never
	// travels over the wire.
	EventDisconnect = "disconnect"
)

// Message is the frame exchanged with the relay server.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

// OfferPayload relays a session offer. Senders fill Target, the relay
// replaces it with From.
type OfferPayload struct {
	Target string                  `json:"target,omitempty"`
	From   string                  `json:"from,omitempty"`
	Offer  pion.SessionDescription `json:"offer"`
}

// AnswerPayload relays a session answer.
type AnswerPayload struct {
	Target string                  `json:"target,omitempty"`
	From   string                  `json:"from,omitempty"`
	Answer pion.SessionDescription `json:"answer"`
}

// CandidatePayload relays one trickled ICE candidate.
type CandidatePayload struct {
	Target    string                `json:"target,omitempty"`
	From      string                `json:"from,omitempty"`
	Candidate pion.ICECandidateInit `json:"candidate"`
}

// RenegotiatePayload asks the offering side of a link for a fresh offer.
type RenegotiatePayload struct {
	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`
}

// ErrorPayload is sent by the relay when it rejects a message.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewMessage encodes payload into a Message of the given type.
func NewMessage(event string, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: event}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: event, Payload: b}, nil
}

// DecodePayload decodes the message payload into v.
func (m *Message) DecodePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Readdress replaces the target field of a peer-addressed payload with
// from, as the relay does before forwarding. It returns the target.
func Readdress(payload json.RawMessage, from string) (string, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", nil, fmt.Errorf("payload is not an object: %w", err)
	}
	raw, ok := fields["target"]
	if !ok {
		return "", nil, errors.New("payload has no target")
	}
	var target string
	if err := json.Unmarshal(raw, &target); err != nil || target == "" {
		return "", nil, errors.New("payload target is not a peer id")
	}
	delete(fields, "target")

	f, err := json.Marshal(from)
	if err != nil {
		return "", nil, err
	}
	fields["from"] = f

	out, err := json.Marshal(fields)
	if err != nil {
		return "", nil, err
	}
	return target, out, nil
}
