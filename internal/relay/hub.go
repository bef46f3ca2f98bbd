package relay

import (
	"encoding/json"

	"github.com/BioHazard786/murmur/internal/metrics"
	"github.com/BioHazard786/murmur/internal/signaling"
	"github.com/rs/zerolog"
)

// Hub owns every room and client of the relay. All state is touched only
// by the Run goroutine.
type Hub struct {
	rooms   map[string]*Room
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	quit       chan struct{}
	stopped    chan struct{}

	log zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]*Room),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		log:        log.With().Str("component", "relay").Logger(),
	}
}

// Run processes registrations and messages until Stop is called.
func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.quit:
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			metrics.ActiveClients.Inc()
			h.log.Debug().Str("client", c.ID).Str("addr", c.addr).Msg("Client registered")

		case c := <-h.unregister:
			if h.clients[c] {
				h.log.Debug().Str("client", c.ID).Msg("Client unregistered")
				h.drop(c)
			}

		case in := <-h.inbound:
			if h.clients[in.client] {
				h.handle(in.client, in.msg)
			}
		}
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.stopped
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		close(c.send)
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) submit(c *Client, msg *signaling.Message) {
	select {
	case h.inbound <- inbound{client: c, msg: msg}:
	case <-h.quit:
	}
}

func (h *Hub) handle(c *Client, msg *signaling.Message) {
	switch {
	case msg.Type == signaling.EventJoinRoom:
		h.join(c, msg.Payload)
	case targeted[msg.Type]:
		h.forward(c, msg)
	default:
		h.reject(c, "unknown_type", "unknown message type "+msg.Type)
	}
}

func (h *Hub) join(c *Client, payload json.RawMessage) {
	var roomID string
	if err := json.Unmarshal(payload, &roomID); err != nil || roomID == "" {
		h.reject(c, "bad_room", "join-room needs a room id")
		return
	}
	if c.roomID != "" {
		h.log.Info().Str("room", c.roomID).Str("client", c.ID).Str("next", roomID).Msg("Client switching rooms")
		h.leave(c)
	}

	room, ok := h.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		h.rooms[roomID] = room
		metrics.ActiveRooms.Inc()
		h.log.Info().Str("room", roomID).Msg("Room created")
	}

	// Add before announcing so a member dropped mid-announce cannot empty
	// and delete the room under c.
	others := room.others(c)
	room.add(c)
	c.roomID = roomID

	announce := peerMessage(signaling.EventUserJoined, c.ID)
	for _, o := range others {
		h.deliver(o, announce)
	}
	metrics.RelayedMessagesTotal.WithLabelValues(signaling.EventJoinRoom).Inc()
	h.log.Info().Str("room", roomID).Str("client", c.ID).Int("members", len(room.members)).Msg("Client joined room")
}

func (h *Hub) forward(c *Client, msg *signaling.Message) {
	room := h.rooms[c.roomID]
	if room == nil {
		h.reject(c, "not_joined", "join a room first")
		return
	}
	target, payload, err := signaling.Readdress(msg.Payload, c.ID)
	if err != nil {
		h.reject(c, "bad_payload", err.Error())
		return
	}
	peer := room.member(target)
	if peer == nil {
		h.reject(c, "unknown_peer", "peer "+target+" is not in the room")
		return
	}

	h.deliver(peer, &signaling.Message{Type: msg.Type, Payload: payload})
	metrics.RelayedMessagesTotal.WithLabelValues(msg.Type).Inc()
	h.log.Debug().Str("room", room.ID).Str("type", msg.Type).Str("from", c.ID).Str("to", target).Msg("Relayed")
}

func (h *Hub) reject(c *Client, reason, detail string) {
	metrics.RejectedMessagesTotal.WithLabelValues(reason).Inc()
	h.log.Warn().Str("client", c.ID).Str("reason", reason).Msg(detail)
	h.deliver(c, errorMessage(detail))
}

// deliver queues msg for c, dropping clients that cannot keep up. Clients
// already dropped by an earlier cascading delivery are skipped.
func (h *Hub) deliver(c *Client, msg *signaling.Message) {
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.log.Warn().Str("client", c.ID).Msg("Send buffer full, dropping client")
		h.drop(c)
	}
}

// drop removes c from the hub and closes its send channel.
func (h *Hub) drop(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	metrics.ActiveClients.Dec()
	h.leave(c)
	close(c.send)
}

// leave takes c out of its room, announcing the departure to the members
// left behind and deleting the room once empty.
func (h *Hub) leave(c *Client) {
	room := h.rooms[c.roomID]
	c.roomID = ""
	if room == nil {
		return
	}
	room.remove(c)
	if room.empty() {
		delete(h.rooms, room.ID)
		metrics.ActiveRooms.Dec()
		h.log.Info().Str("room", room.ID).Msg("Room deleted")
		return
	}
	left := peerMessage(signaling.EventUserLeft, c.ID)
	for _, o := range room.others(c) {
		h.deliver(o, left)
	}
}
