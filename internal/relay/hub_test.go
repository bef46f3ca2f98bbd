package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BioHazard786/murmur/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	go hub.Run()
	srv := httptest.NewServer(NewRouter(hub, opts, zerolog.Nop()))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	msg, err := signaling.NewMessage(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) *signaling.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg signaling.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return &msg
}

func peerID(t *testing.T, msg *signaling.Message, event string) string {
	t.Helper()
	if msg.Type != event {
		t.Fatalf("expected %s, got %s %s", event, msg.Type, msg.Payload)
	}
	var id string
	if err := json.Unmarshal(msg.Payload, &id); err != nil || id == "" {
		t.Fatalf("expected peer id payload, got %s", msg.Payload)
	}
	return id
}

func TestRelayMeshRoom(t *testing.T) {
	srv := newTestServer(t, Options{})
	a, b, c := dial(t, srv), dial(t, srv), dial(t, srv)

	// Joins from different connections race inside the hub.
	send(t, a, signaling.EventJoinRoom, "room")
	time.Sleep(50 * time.Millisecond)
	send(t, b, signaling.EventJoinRoom, "room")
	bID := peerID(t, recv(t, a), signaling.EventUserJoined)

	time.Sleep(50 * time.Millisecond)
	send(t, c, signaling.EventJoinRoom, "room")
	cID := peerID(t, recv(t, a), signaling.EventUserJoined)
	if got := peerID(t, recv(t, b), signaling.EventUserJoined); got != cID {
		t.Errorf("b saw %s join, want %s", got, cID)
	}

	send(t, a, signaling.EventRenegotiate, signaling.RenegotiatePayload{Target: bID})
	msg := recv(t, b)
	if msg.Type != signaling.EventRenegotiate {
		t.Fatalf("expected renegotiate, got %s", msg.Type)
	}
	var p signaling.RenegotiatePayload
	if err := msg.DecodePayload(&p); err != nil {
		t.Fatal(err)
	}
	if p.From == "" || p.From == bID || p.Target != "" {
		t.Errorf("unexpected readdressed payload %+v", p)
	}
	aID := p.From

	c.Close()
	if got := peerID(t, recv(t, a), signaling.EventUserLeft); got != cID {
		t.Errorf("a saw %s leave, want %s", got, cID)
	}
	if got := peerID(t, recv(t, b), signaling.EventUserLeft); got != cID {
		t.Errorf("b saw %s leave, want %s", got, cID)
	}

	send(t, b, signaling.EventRenegotiate, signaling.RenegotiatePayload{Target: aID})
	msg = recv(t, a)
	if err := msg.DecodePayload(&p); err != nil || p.From != bID {
		t.Errorf("expected renegotiate from %s, got %s", bID, msg.Payload)
	}
}

func TestRelayRejects(t *testing.T) {
	srv := newTestServer(t, Options{})
	a := dial(t, srv)

	expectError := func(what string) {
		t.Helper()
		msg := recv(t, a)
		if msg.Type != signaling.EventError {
			t.Fatalf("%s: expected error, got %s", what, msg.Type)
		}
		var p signaling.ErrorPayload
		if err := msg.DecodePayload(&p); err != nil || p.Error == "" {
			t.Errorf("%s: bad error payload %s", what, msg.Payload)
		}
	}

	send(t, a, signaling.EventRenegotiate, signaling.RenegotiatePayload{Target: "x"})
	expectError("before join")

	send(t, a, signaling.EventJoinRoom, "")
	expectError("empty room id")

	send(t, a, signaling.EventJoinRoom, "room")
	send(t, a, signaling.EventRenegotiate, signaling.RenegotiatePayload{Target: "ghost"})
	expectError("unknown target")

	send(t, a, "bogus", nil)
	expectError("unknown type")
}

func TestRelayOrigins(t *testing.T) {
	srv := newTestServer(t, Options{AllowedOrigins: []string{"https://murmur.example"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	if _, resp, err := websocket.DefaultDialer.Dial(url, h); err == nil {
		t.Error("expected upgrade to be refused for foreign origin")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}

	h.Set("Origin", "https://murmur.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("allowed origin refused: %v", err)
	}
	conn.Close()
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, Options{})
	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	cases := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{[]string{"*"}, "https://a", true},
		{[]string{"https://a"}, "", true},
		{[]string{"https://a"}, "https://a", true},
		{[]string{"https://a"}, "https://b", false},
	}
	for _, c := range cases {
		if got := originAllowed(c.allowed, c.origin); got != c.want {
			t.Errorf("originAllowed(%v, %q) = %v, want %v", c.allowed, c.origin, got, c.want)
		}
	}
}

func seat(h *Hub, room string, c *Client) {
	r := h.rooms[room]
	if r == nil {
		r = newRoom(room)
		h.rooms[room] = r
	}
	h.clients[c] = true
	r.add(c)
	c.roomID = room
}

func testClient(id string, buffer int) *Client {
	return &Client{ID: id, send: make(chan *signaling.Message, buffer)}
}

func closed(c *Client) bool {
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return true
			}
		default:
			return false
		}
	}
}

func TestDropCascadesOverSlowMembers(t *testing.T) {
	h := NewHub(zerolog.Nop())
	x := testClient("x", 4)
	// Unbuffered channels with no reader are always full.
	y, z := testClient("y", 0), testClient("z", 0)
	for _, c := range []*Client{x, y, z} {
		seat(h, "room", c)
	}

	h.drop(x)

	if len(h.clients) != 0 {
		t.Errorf("expected every client dropped, %d left", len(h.clients))
	}
	if len(h.rooms) != 0 {
		t.Errorf("expected empty room deleted, got %d rooms", len(h.rooms))
	}
	for _, c := range []*Client{x, y, z} {
		if !closed(c) {
			t.Errorf("send channel of %s not closed", c.ID)
		}
	}
}

func TestJoinAnnounceSurvivesSlowMembers(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a, b := testClient("a", 0), testClient("b", 0)
	seat(h, "room", a)
	seat(h, "room", b)
	c := testClient("c", 8)
	h.clients[c] = true

	h.join(c, json.RawMessage(`"room"`))

	if c.roomID != "room" || h.rooms["room"] == nil || h.rooms["room"].member("c") != c {
		t.Fatalf("joiner lost its room: roomID=%q", c.roomID)
	}
	if len(h.rooms["room"].members) != 1 {
		t.Errorf("expected slow members dropped, got %d members", len(h.rooms["room"].members))
	}
	if !closed(a) || !closed(b) {
		t.Error("expected slow members closed")
	}
}

func TestJoinLeavesPreviousRoom(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a, b := testClient("a", 8), testClient("b", 8)
	seat(h, "r1", a)
	seat(h, "r1", b)

	h.join(b, json.RawMessage(`"r2"`))

	if b.roomID != "r2" {
		t.Fatalf("expected b in r2, got %q", b.roomID)
	}
	if h.rooms["r2"] == nil || h.rooms["r2"].member("b") != b {
		t.Fatal("expected r2 to hold b")
	}
	if h.rooms["r1"].member("b") != nil {
		t.Error("b still a member of r1")
	}
	select {
	case msg := <-a.send:
		if got := peerID(t, msg, signaling.EventUserLeft); got != "b" {
			t.Errorf("a saw %s leave, want b", got)
		}
	default:
		t.Fatal("expected user-left for b in r1")
	}
	select {
	case msg := <-b.send:
		t.Errorf("unexpected message to b: %s %s", msg.Type, msg.Payload)
	default:
	}

	h.join(a, json.RawMessage(`"r2"`))
	if _, ok := h.rooms["r1"]; ok {
		t.Error("expected empty r1 deleted")
	}
	if got := peerID(t, <-b.send, signaling.EventUserJoined); got != "a" {
		t.Errorf("b saw %s join, want a", got)
	}
}
