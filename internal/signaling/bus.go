package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const endpointBuffer = 1024

// Bus is an in-process relay. It routes messages between endpoints with the
// same semantics as the relay server: user-joined and user-left fan out to
// the room, peer-addressed events are readdressed and delivered to their
// target only.
type Bus struct {
	mu        sync.Mutex
	rooms     map[string]map[string]*Endpoint
	endpoints map[string]*Endpoint
}

func NewBus() *Bus {
	return &Bus{
		rooms:     make(map[string]map[string]*Endpoint),
		endpoints: make(map[string]*Endpoint),
	}
}

// Connect returns a new endpoint identified as peerID.
func (b *Bus) Connect(peerID string) *Endpoint {
	e := &Endpoint{
		bus:   b,
		id:    peerID,
		inbox: make(chan *Message, endpointBuffer),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.endpoints[peerID] = e
	b.mu.Unlock()

	go e.deliver()
	return e
}

// Members returns the peer ids currently in room.
func (b *Bus) Members(room string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Sever drops the endpoint as if its transport failed: the endpoint sees a
// disconnect event and the rest of its room sees user-left.
func (b *Bus) Sever(peerID string) {
	b.mu.Lock()
	e := b.endpoints[peerID]
	b.mu.Unlock()
	if e == nil {
		return
	}
	e.enqueue(&Message{Type: EventDisconnect})
	e.leave()
}

// join moves e into room. It returns the members of the room e left, if
// any, and the members already in the new room.
func (b *Bus) join(e *Endpoint, room string) (previous, others []*Endpoint, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.closed {
		return nil, nil, ErrClosed
	}
	if e.room != "" {
		previous = b.vacate(e)
	}
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]*Endpoint)
		b.rooms[room] = members
	}
	others = peers(members, e)
	members[e.id] = e
	e.room = room
	return previous, others, nil
}

// vacate takes e out of its room. Callers hold b.mu.
func (b *Bus) vacate(e *Endpoint) []*Endpoint {
	members := b.rooms[e.room]
	delete(members, e.id)
	if len(members) == 0 {
		delete(b.rooms, e.room)
	}
	e.room = ""
	return peers(members, nil)
}

// remove takes e out of its room and returns the members left behind.
func (b *Bus) remove(e *Endpoint) []*Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.closed = true
	delete(b.endpoints, e.id)
	if e.room == "" {
		return nil
	}
	return b.vacate(e)
}

func (b *Bus) lookup(e *Endpoint, target string) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.room == "" {
		return nil
	}
	return b.rooms[e.room][target]
}

func peers(members map[string]*Endpoint, except *Endpoint) []*Endpoint {
	out := make([]*Endpoint, 0, len(members))
	for _, m := range members {
		if m != except {
			out = append(out, m)
		}
	}
	return out
}

// Endpoint is one participant's attachment to a Bus.
type Endpoint struct {
	bus      *Bus
	id       string
	handlers handlers

	inbox chan *Message
	done  chan struct{}
	once  sync.Once

	// Guarded by bus.mu.
	room   string
	closed bool
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) On(event string, fn Handler) {
	e.handlers.on(event, fn)
}

func (e *Endpoint) Join(_ context.Context, roomID string) error {
	if roomID == "" {
		return errors.New("room id is required")
	}
	previous, others, err := e.bus.join(e, roomID)
	if err != nil {
		return err
	}
	if len(previous) > 0 {
		left, err := NewMessage(EventUserLeft, e.id)
		if err != nil {
			return err
		}
		for _, o := range previous {
			o.enqueue(left)
		}
	}
	announce, err := NewMessage(EventUserJoined, e.id)
	if err != nil {
		return err
	}
	for _, o := range others {
		o.enqueue(announce)
	}
	return nil
}

func (e *Endpoint) Emit(event string, payload any) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	if event == EventJoinRoom {
		room, ok := payload.(string)
		if !ok {
			return errors.New("join-room payload must be a room id")
		}
		return e.Join(context.Background(), room)
	}

	msg, err := NewMessage(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	target, out, err := Readdress(msg.Payload, e.id)
	if err != nil {
		e.reject(err.Error())
		return nil
	}
	peer := e.bus.lookup(e, target)
	if peer == nil {
		e.reject("peer " + target + " is not in the room")
		return nil
	}
	peer.enqueue(&Message{Type: event, Payload: out})
	return nil
}

func (e *Endpoint) Disconnect() error {
	e.leave()
	return nil
}

func (e *Endpoint) leave() {
	e.once.Do(func() {
		left := e.bus.remove(e)
		if len(left) > 0 {
			msg, _ := NewMessage(EventUserLeft, e.id)
			for _, o := range left {
				o.enqueue(msg)
			}
		}
		close(e.done)
	})
}

func (e *Endpoint) reject(reason string) {
	b, _ := json.Marshal(ErrorPayload{Error: reason})
	e.enqueue(&Message{Type: EventError, Payload: b})
}

func (e *Endpoint) enqueue(msg *Message) {
	select {
	case e.inbox <- msg:
	case <-e.done:
	}
}

// deliver runs handlers for queued messages in FIFO order.
func (e *Endpoint) deliver() {
	for {
		select {
		case msg := <-e.inbox:
			e.handlers.dispatch(msg.Type, msg.Payload)
		case <-e.done:
			// Flush what was queued before the close, such as a disconnect.
			for {
				select {
				case msg := <-e.inbox:
					e.handlers.dispatch(msg.Type, msg.Payload)
				default:
					return
				}
			}
		}
	}
}
