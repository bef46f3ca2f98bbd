package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/murmur/internal/signaling"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type fakeRemoteTrack struct{ id string }

func (t fakeRemoteTrack) ID() string              { return t.id }
func (t fakeRemoteTrack) StreamID() string        { return "stream-" + t.id }
func (t fakeRemoteTrack) Kind() pion.RTPCodecType { return pion.RTPCodecTypeAudio }

// fakeConn records every call. With autoConnect it reports a remote track
// and a connected state once both descriptions are set.
type fakeConn struct {
	peer        string
	role        Role
	autoConnect bool

	mu         sync.Mutex
	offers     int
	answers    int
	local      []pion.SessionDescription
	remote     []pion.SessionDescription
	candidates []pion.ICECandidateInit
	tracks     []string
	statuses   []Status
	closes     int
	connected  bool

	errCreateOffer  error
	errSetRemote    error
	errAddCandidate error

	onCandidate func(pion.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onState     func(pion.PeerConnectionState)
	onStatus    func(Status)
	onSpeaking  func(bool)
}

func (c *fakeConn) CreateOffer() (pion.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errCreateOffer != nil {
		return pion.SessionDescription{}, c.errCreateOffer
	}
	c.offers++
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", c.peer, c.offers)}, nil
}

func (c *fakeConn) CreateAnswer() (pion.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", c.peer, c.answers)}, nil
}

func (c *fakeConn) SetLocalDescription(desc pion.SessionDescription) error {
	c.mu.Lock()
	c.local = append(c.local, desc)
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc pion.SessionDescription) error {
	c.mu.Lock()
	if c.errSetRemote != nil {
		c.mu.Unlock()
		return c.errSetRemote
	}
	c.remote = append(c.remote, desc)
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *fakeConn) maybeConnect() {
	c.mu.Lock()
	ready := c.autoConnect && !c.connected && len(c.local) > 0 && len(c.remote) > 0
	if ready {
		c.connected = true
	}
	onTrack, onState := c.onTrack, c.onState
	c.mu.Unlock()
	if !ready {
		return
	}
	go func() {
		onState(pion.PeerConnectionStateConnecting)
		onTrack(fakeRemoteTrack{id: "remote-" + c.peer})
		onState(pion.PeerConnectionStateConnected)
	}()
}

func (c *fakeConn) AddICECandidate(ci pion.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errAddCandidate != nil {
		return c.errAddCandidate
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) AddTrack(t pion.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t.ID())
	return nil
}

func (c *fakeConn) RemoveTrack(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.tracks {
		if t == id {
			c.tracks = append(c.tracks[:i], c.tracks[i+1:]...)
			return nil
		}
	}
	return errors.New("not attached")
}

func (c *fakeConn) SendStatus(st Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, st)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(pion.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectionStateChange(fn func(pion.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnSpeaking(fn func(bool)) {
	c.mu.Lock()
	c.onSpeaking = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) fireState(st pion.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(st)
}

func (c *fakeConn) fireCandidate(ci pion.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	fn(ci)
}

func (c *fakeConn) fireStatus(st Status) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	fn(st)
}

func (c *fakeConn) fireSpeaking(speaking bool) {
	c.mu.Lock()
	fn := c.onSpeaking
	c.mu.Unlock()
	fn(speaking)
}

func (c *fakeConn) snapshot() fakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fakeConn{
		offers:     c.offers,
		answers:    c.answers,
		local:      append([]pion.SessionDescription(nil), c.local...),
		remote:     append([]pion.SessionDescription(nil), c.remote...),
		candidates: append([]pion.ICECandidateInit(nil), c.candidates...),
		tracks:     append([]string(nil), c.tracks...),
		statuses:   append([]Status(nil), c.statuses...),
		closes:     c.closes,
	}
}

type fakeFactory struct {
	autoConnect  bool
	err          error
	errSetRemote error

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) NewConn(peerID string, role Role) (Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{peer: peerID, role: role, autoConnect: f.autoConnect, errSetRemote: f.errSetRemote}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// conn returns the most recent connection created for peerID.
func (f *fakeFactory) conn(peerID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.conns) - 1; i >= 0; i-- {
		if f.conns[i].peer == peerID {
			return f.conns[i]
		}
	}
	return nil
}

func (f *fakeFactory) all() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

// fakeChannel records emitted messages and lets tests inject inbound ones.
type fakeChannel struct {
	mu          sync.Mutex
	handlers    map[string][]signaling.Handler
	emitted     []*signaling.Message
	joined      []string
	joinErr     error
	disconnects int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]signaling.Handler)}
}

func (c *fakeChannel) Join(_ context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinErr != nil {
		return c.joinErr
	}
	c.joined = append(c.joined, roomID)
	return nil
}

func (c *fakeChannel) On(event string, h signaling.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *fakeChannel) Emit(event string, payload any) error {
	msg, err := signaling.NewMessage(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, msg)
	return nil
}

func (c *fakeChannel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *fakeChannel) inject(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	hs := c.handlers[event]
	c.mu.Unlock()
	if len(hs) == 0 {
		t.Fatalf("no handler registered for %s", event)
	}
	for _, h := range hs {
		h(b)
	}
}

func (c *fakeChannel) sent(event string) []*signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*signaling.Message
	for _, m := range c.emitted {
		if m.Type == event {
			out = append(out, m)
		}
	}
	return out
}

type fakeTrack struct {
	id string

	mu      sync.Mutex
	enabled bool
	stops   int
}

func newFakeTrack(id string) *fakeTrack { return &fakeTrack{id: id, enabled: true} }

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() pion.RTPCodecType { return pion.RTPCodecTypeAudio }
func (t *fakeTrack) Local() pion.TrackLocal  { return fakeLocal{id: t.id} }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// fakeLocal satisfies pion.TrackLocal for attachment bookkeeping only.
type fakeLocal struct{ id string }

func (l fakeLocal) Bind(pion.TrackLocalContext) (pion.RTPCodecParameters, error) {
	return pion.RTPCodecParameters{}, nil
}
func (l fakeLocal) Unbind(pion.TrackLocalContext) error { return nil }
func (l fakeLocal) ID() string                          { return l.id }
func (l fakeLocal) RID() string                         { return "" }
func (l fakeLocal) StreamID() string                    { return "local" }
func (l fakeLocal) Kind() pion.RTPCodecType             { return pion.RTPCodecTypeAudio }

type fakeDevice struct {
	err error

	mu     sync.Mutex
	calls  int
	tracks []*fakeTrack
}

func (d *fakeDevice) Acquire(context.Context) ([]Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTrack(fmt.Sprintf("mic-%d", d.calls))
	d.tracks = append(d.tracks, t)
	return []Track{t}, nil
}

func (d *fakeDevice) track(i int) *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracks[i]
}

type recordingObserver struct {
	mu       sync.Mutex
	views    []View
	failures map[string]error
	ended    []error
	endedCh  chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{failures: make(map[string]error), endedCh: make(chan struct{})}
}

func (o *recordingObserver) ViewChanged(v View) {
	o.mu.Lock()
	o.views = append(o.views, v)
	o.mu.Unlock()
}

func (o *recordingObserver) PeerFailed(peerID string, err error) {
	o.mu.Lock()
	o.failures[peerID] = err
	o.mu.Unlock()
}

func (o *recordingObserver) SessionEnded(err error) {
	o.mu.Lock()
	o.ended = append(o.ended, err)
	o.mu.Unlock()
	close(o.endedCh)
}

func (o *recordingObserver) failure(peerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures[peerID]
}

func (o *recordingObserver) endings() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.ended...)
}

type harness struct {
	session  *Session
	channel  *fakeChannel
	factory  *fakeFactory
	device   *fakeDevice
	observer *recordingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		channel:  newFakeChannel(),
		factory:  &fakeFactory{},
		device:   &fakeDevice{},
		observer: newRecordingObserver(),
	}
	log := zerolog.Nop()
	s, err := New(Config{
		Channel:  h.channel,
		Factory:  h.factory,
		Media:    NewLocalMedia(h.device),
		Observer: h.observer,
		Logger:   &log,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.session = s
	t.Cleanup(func() { s.Leave() })
	return h
}

func (h *harness) join(t *testing.T, room string) {
	t.Helper()
	if err := h.session.Join(context.Background(), room); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

// flush waits until every event queued so far has been handled.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.session.post(func() { close(done) })
	select {
	case <-done:
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not drain")
	}
}

func (h *harness) peerIDs() []string {
	var ids []string
	for _, p := range h.session.Participants() {
		ids = append(ids, p.PeerID)
	}
	return ids
}

func offerFrom(peer, sdp string) signaling.OfferPayload {
	return signaling.OfferPayload{From: peer, Offer: pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp}}
}

func answerFrom(peer, sdp string) signaling.AnswerPayload {
	return signaling.AnswerPayload{From: peer, Answer: pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp}}
}

func candidateFrom(peer, c string) signaling.CandidatePayload {
	return signaling.CandidatePayload{From: peer, Candidate: pion.ICECandidateInit{Candidate: c}}
}
