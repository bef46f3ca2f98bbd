package relay

import (
	"encoding/json"

	"github.com/BioHazard786/murmur/internal/signaling"
)

// inbound is a message read from a client, tagged with its sender.
type inbound struct {
	client *Client
	msg    *signaling.Message
}

// targeted lists the events that are forwarded to a single peer.
var targeted = map[string]bool{
	signaling.EventOffer:        true,
	signaling.EventAnswer:       true,
	signaling.EventICECandidate: true,
	signaling.EventRenegotiate:  true,
}

func errorMessage(reason string) *signaling.Message {
	b, _ := json.Marshal(signaling.ErrorPayload{Error: reason})
	return &signaling.Message{Type: signaling.EventError, Payload: b}
}

func peerMessage(event, peerID string) *signaling.Message {
	b, _ := json.Marshal(peerID)
	return &signaling.Message{Type: event, Payload: b}
}
