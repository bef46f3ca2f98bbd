package webrtc

import "github.com/vmihailenco/msgpack/v5"

// StatusLabel is the data channel the offering side opens for status updates.
const StatusLabel = "status"

const MessageTypeStatus = "status"

// Message is the envelope of every status channel message.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// StatusPayload is the self-reported state of the sending peer.
type StatusPayload struct {
	Muted  bool   `msgpack:"muted"`
	Client string `msgpack:"client,omitempty"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}

// Encode marshals a typed message for the wire.
func Encode(t string, payload any) ([]byte, error) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(msg)
}

// Parse unmarshals one wire message.
func Parse(data []byte) (Message, error) {
	var msg Message
	err := msgpack.Unmarshal(data, &msg)
	return msg, err
}
