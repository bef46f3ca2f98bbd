package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/BioHazard786/murmur/internal/metrics"
	"github.com/BioHazard786/murmur/internal/signaling"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const defaultInboxSize = 256

// Config wires a Session to its collaborators.
type Config struct {
	Channel  Channel
	Factory  ConnFactory
	Media    *LocalMedia
	Observer Observer
	Logger   *zerolog.Logger

	// InboxSize bounds the event queue. Zero means defaultInboxSize.
	InboxSize int
}

// Session is one participation in one room: the signaling subscription,
// the PeerLink per remote peer and the local media state.
//
// All mutable room state is owned by a single goroutine that drains the
// inbox in arrival order, so handlers never run concurrently.
type Session struct {
	channel  Channel
	factory  ConnFactory
	media    *LocalMedia
	observer Observer
	log      zerolog.Logger

	inbox    chan func()
	quit     chan struct{}
	loopDone chan struct{}
	done     chan struct{}

	joined    atomic.Bool
	started   atomic.Bool
	leaveOnce sync.Once
	unsub     func()

	// Owned by the event loop.
	roomID string
	links  map[string]*PeerLink
	order  []string

	mu      sync.RWMutex
	view    View
	history []Participant
	seen    map[string]int
	err     error
}

func New(cfg Config) (*Session, error) {
	if cfg.Channel == nil {
		return nil, errors.New("mesh: signaling channel is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("mesh: connection factory is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("mesh: local media is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}

	return &Session{
		channel:  cfg.Channel,
		factory:  cfg.Factory,
		media:    cfg.Media,
		observer: cfg.Observer,
		log:      log,
		inbox:    make(chan func(), cfg.InboxSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
		links:    make(map[string]*PeerLink),
		seen:     make(map[string]int),
	}, nil
}

// Join acquires local media, subscribes to the channel and announces the
// local participant in roomID. A device failure ends the session before
// anything is sent.
func (s *Session) Join(ctx context.Context, roomID string) error {
	if !s.joined.CompareAndSwap(false, true) {
		return NewError("join room", ErrAlreadyJoined)
	}
	s.log = s.log.With().Str("room", roomID).Logger()
	s.roomID = roomID

	if err := s.media.Acquire(ctx); err != nil {
		s.log.Error().Err(err).Msg("Local media unavailable")
		s.terminate(err)
		return err
	}

	s.subscribe()
	s.unsub = s.media.Subscribe(func(change TrackChange) {
		s.post(func() { s.handleTrackChange(change) })
	})

	s.started.Store(true)
	go s.run()
	s.post(s.publish)

	if err := s.channel.Join(ctx, roomID); err != nil {
		jerr := NewError("join room", fmt.Errorf("%w: %w", ErrTransport, err))
		s.terminate(jerr)
		return jerr
	}
	s.log.Info().Int("tracks", len(s.media.Tracks())).Msg("Joined room")
	return nil
}

// Leave tears the session down exactly once and returns the error that
// ended it, if any. Concurrent callers all wait for the same teardown.
func (s *Session) Leave() error {
	s.terminate(nil)
	return s.Err()
}

// Done is closed after teardown completes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, or nil after a clean leave.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) RoomID() string { return s.roomID }

// Participants returns the current remote peers in join order.
func (s *Session) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, len(s.view.Participants))
	copy(out, s.view.Participants)
	return out
}

// View returns a copy of the latest published view.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.view
	v.Participants = append([]Participant(nil), s.view.Participants...)
	return v
}

// History returns the last known summary of every peer seen so far.
func (s *Session) History() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Participant(nil), s.history...)
}

// SetMuted applies the mute flag to every local track and tells every
// connected peer. No renegotiation happens.
func (s *Session) SetMuted(muted bool) {
	s.media.SetMuted(muted)
	s.post(func() {
		for _, id := range s.order {
			if err := s.links[id].conn.SendStatus(Status{Muted: muted}); err != nil {
				s.log.Debug().Err(err).Str("peer", id).Msg("Status update not sent")
			}
		}
		s.publish()
	})
}

// ToggleMute flips the mute flag and returns the new value.
func (s *Session) ToggleMute() bool {
	muted := !s.media.Muted()
	s.SetMuted(muted)
	return muted
}

// Reacquire swaps the local tracks for a fresh set from the device. Links
// renegotiate as the old tracks detach and the new ones attach.
func (s *Session) Reacquire(ctx context.Context) error {
	if !s.started.Load() {
		return NewError("reacquire media", ErrSessionClosed)
	}
	select {
	case <-s.done:
		return NewError("reacquire media", ErrSessionClosed)
	default:
	}
	if err := s.media.Reacquire(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Media reacquire failed")
		return err
	}
	s.log.Info().Int("tracks", len(s.media.Tracks())).Msg("Media reacquired")
	return nil
}

func (s *Session) subscribe() {
	on := func(event string, fn func(json.RawMessage)) {
		s.channel.On(event, func(payload json.RawMessage) {
			s.post(func() { fn(payload) })
		})
	}
	on(signaling.EventUserJoined, s.handleUserJoined)
	on(signaling.EventUserLeft, s.handleUserLeft)
	on(signaling.EventOffer, s.handleOffer)
	on(signaling.EventAnswer, s.handleAnswer)
	on(signaling.EventICECandidate, s.handleICECandidate)
	on(signaling.EventRenegotiate, s.handleRenegotiate)
	on(signaling.EventError, s.handleRelayError)
	on(signaling.EventDisconnect, s.handleDisconnect)
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn on the event loop. After teardown it does nothing.
func (s *Session) post(fn func()) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.inbox <- fn:
	case <-s.quit:
	}
}

// terminate runs teardown once. It blocks until the event loop has exited,
// so handlers running on the loop must call it in a new goroutine.
func (s *Session) terminate(cause error) {
	s.leaveOnce.Do(func() {
		close(s.quit)
		if s.started.Load() {
			<-s.loopDone
		}
		s.teardown(cause)
		close(s.done)
	})
	<-s.done
}

func (s *Session) teardown(cause error) {
	if s.unsub != nil {
		s.unsub()
	}
	s.media.Stop()

	for _, id := range s.order {
		link := s.links[id]
		s.remember(link.summary())
		if err := link.Close(); err != nil {
			s.log.Debug().Err(err).Str("peer", id).Msg("Close peer connection")
		}
		metrics.PeerLinks.Dec()
	}
	s.links = make(map[string]*PeerLink)
	s.order = nil

	if err := s.channel.Disconnect(); err != nil {
		s.log.Debug().Err(err).Msg("Disconnect signaling channel")
	}

	s.mu.Lock()
	s.err = cause
	s.view = View{RoomID: s.roomID, Muted: s.media.Muted(), Quality: QualityIdle}
	view := s.view
	s.mu.Unlock()

	if cause != nil {
		s.log.Error().Err(cause).Msg("Session ended")
	} else {
		s.log.Info().Msg("Left room")
	}
	s.observer.ViewChanged(view)
	s.observer.SessionEnded(cause)
}

// publish recomputes the view from loop-owned state and notifies the observer.
func (s *Session) publish() {
	ps := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		ps = append(ps, s.links[id].summary())
	}

	view := View{
		RoomID:       s.roomID,
		Participants: ps,
		Muted:        s.media.Muted(),
		Quality:      qualityOf(ps),
		Active:       true,
	}

	s.mu.Lock()
	s.view = view
	for _, p := range ps {
		s.rememberLocked(p)
	}
	s.mu.Unlock()

	view.Participants = append([]Participant(nil), ps...)
	s.observer.ViewChanged(view)
}

func (s *Session) remember(p Participant) {
	s.mu.Lock()
	s.rememberLocked(p)
	s.mu.Unlock()
}

func (s *Session) rememberLocked(p Participant) {
	if i, ok := s.seen[p.PeerID]; ok {
		s.history[i] = p
		return
	}
	s.seen[p.PeerID] = len(s.history)
	s.history = append(s.history, p)
}

func (s *Session) createLink(peerID string, role Role) (*PeerLink, error) {
	conn, err := s.factory.NewConn(peerID, role)
	if err != nil {
		return nil, NewPeerError("create peer connection", peerID, fmt.Errorf("%w: %w", ErrNegotiation, err))
	}

	log := s.log.With().Str("peer", peerID).Str("role", role.String()).Logger()
	link := newPeerLink(peerID, role, conn, s.sender(peerID), s.hooks(), log)
	for _, t := range s.media.Tracks() {
		if err := link.AttachTrack(t); err != nil {
			log.Warn().Err(err).Str("track", t.ID()).Msg("Local track not attached")
		}
	}
	if err := conn.SendStatus(Status{Muted: s.media.Muted()}); err != nil {
		log.Debug().Err(err).Msg("Initial status not queued")
	}

	s.links[peerID] = link
	s.order = append(s.order, peerID)
	metrics.PeerLinks.Inc()
	log.Debug().Msg("Peer link created")
	return link, nil
}

func (s *Session) removeLink(peerID string) {
	link, ok := s.links[peerID]
	if !ok {
		return
	}
	s.remember(link.summary())
	delete(s.links, peerID)
	for i, id := range s.order {
		if id == peerID {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	if err := link.Close(); err != nil {
		s.log.Debug().Err(err).Str("peer", peerID).Msg("Close peer connection")
	}
	metrics.PeerLinks.Dec()
	s.publish()
}

// current reports whether link is still the live link for its peer.
func (s *Session) current(link *PeerLink) bool {
	return !link.Closed() && s.links[link.peerID] == link
}

func (s *Session) sender(peerID string) SendFunc {
	return func(event string, desc pion.SessionDescription) error {
		switch event {
		case signaling.EventOffer:
			return s.channel.Emit(event, signaling.OfferPayload{Target: peerID, Offer: desc})
		case signaling.EventAnswer:
			return s.channel.Emit(event, signaling.AnswerPayload{Target: peerID, Answer: desc})
		default:
			return fmt.Errorf("unexpected description event %q", event)
		}
	}
}

func (s *Session) hooks() linkHooks {
	return linkHooks{
		candidate: func(l *PeerLink, c pion.ICECandidateInit) {
			s.post(func() { s.handleLocalCandidate(l, c) })
		},
		track: func(l *PeerLink, t RemoteTrack) {
			s.post(func() { s.handleRemoteTrack(l, t) })
		},
		state: func(l *PeerLink, st pion.PeerConnectionState) {
			s.post(func() { s.handleConnectionState(l, st) })
		},
		status: func(l *PeerLink, st Status) {
			s.post(func() { s.handleStatus(l, st) })
		},
		speaking: func(l *PeerLink, speaking bool) {
			s.post(func() { s.handleSpeaking(l, speaking) })
		},
	}
}

// settle classifies the outcome of a negotiation step on link.
func (s *Session) settle(link *PeerLink, err error) {
	if link.neg.State() == StateFailed {
		metrics.NegotiationFailures.Inc()
		s.log.Error().Err(err).Str("peer", link.peerID).Msg("Negotiation failed")
		s.removeLink(link.peerID)
		s.observer.PeerFailed(link.peerID, err)
		return
	}
	switch {
	case err == nil:
		s.publish()
	case errors.Is(err, ErrProtocolViolation):
		metrics.ProtocolViolations.Inc()
		s.log.Warn().Err(err).Str("peer", link.peerID).Msg("Discarding out-of-state message")
	default:
		s.log.Warn().Err(err).Str("peer", link.peerID).Msg("Negotiation step incomplete")
	}
}

func (s *Session) stale(event, peerID string) {
	metrics.StaleMessages.Inc()
	err := NewPeerError(event, peerID, ErrStaleMessage)
	s.log.Debug().Err(err).Msg("Discarding message for unknown peer")
}

func (s *Session) badPayload(event string, err error) {
	s.log.Warn().Err(WrapError(event, ErrBadPayload, err.Error())).Msg("Discarding malformed message")
}

func (s *Session) handleUserJoined(payload json.RawMessage) {
	var peerID string
	if err := json.Unmarshal(payload, &peerID); err != nil || peerID == "" {
		s.badPayload(signaling.EventUserJoined, fmt.Errorf("peer id: %v", err))
		return
	}
	if _, ok := s.links[peerID]; ok {
		s.log.Debug().Str("peer", peerID).Msg("Duplicate user-joined ignored")
		return
	}

	link, err := s.createLink(peerID, RoleOffering)
	if err != nil {
		s.log.Error().Err(err).Msg("Peer link not created")
		s.observer.PeerFailed(peerID, err)
		return
	}
	s.settle(link, link.neg.StartOffer())
}

func (s *Session) handleUserLeft(payload json.RawMessage) {
	var peerID string
	if err := json.Unmarshal(payload, &peerID); err != nil || peerID == "" {
		s.badPayload(signaling.EventUserLeft, fmt.Errorf("peer id: %v", err))
		return
	}
	if _, ok := s.links[peerID]; !ok {
		s.stale(signaling.EventUserLeft, peerID)
		return
	}
	s.log.Info().Str("peer", peerID).Msg("Peer left")
	s.removeLink(peerID)
}

func (s *Session) handleOffer(payload json.RawMessage) {
	var p signaling.OfferPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.From == "" {
		s.badPayload(signaling.EventOffer, fmt.Errorf("offer: %v", err))
		return
	}

	link, ok := s.links[p.From]
	if !ok {
		var err error
		link, err = s.createLink(p.From, RoleAnswering)
		if err != nil {
			s.log.Error().Err(err).Msg("Peer link not created")
			s.observer.PeerFailed(p.From, err)
			return
		}
	}
	s.settle(link, link.neg.AcceptOffer(p.Offer))
}

func (s *Session) handleAnswer(payload json.RawMessage) {
	var p signaling.AnswerPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.From == "" {
		s.badPayload(signaling.EventAnswer, fmt.Errorf("answer: %v", err))
		return
	}
	link, ok := s.links[p.From]
	if !ok {
		s.stale(signaling.EventAnswer, p.From)
		return
	}
	s.settle(link, link.neg.AcceptAnswer(p.Answer))
}

func (s *Session) handleICECandidate(payload json.RawMessage) {
	var p signaling.CandidatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.From == "" {
		s.badPayload(signaling.EventICECandidate, fmt.Errorf("candidate: %v", err))
		return
	}
	link, ok := s.links[p.From]
	if !ok {
		s.stale(signaling.EventICECandidate, p.From)
		return
	}
	if err := link.neg.AddRemoteCandidate(p.Candidate); err != nil {
		s.log.Warn().Err(err).Msg("Remote ICE candidate rejected")
	}
}

func (s *Session) handleRenegotiate(payload json.RawMessage) {
	var p signaling.RenegotiatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.From == "" {
		s.badPayload(signaling.EventRenegotiate, fmt.Errorf("renegotiate: %v", err))
		return
	}
	link, ok := s.links[p.From]
	if !ok {
		s.stale(signaling.EventRenegotiate, p.From)
		return
	}
	s.settle(link, link.neg.Renegotiate())
}

func (s *Session) handleRelayError(payload json.RawMessage) {
	var p signaling.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.badPayload(signaling.EventError, err)
		return
	}
	s.log.Warn().Str("error", p.Error).Msg("Relay rejected a message")
}

func (s *Session) handleDisconnect(json.RawMessage) {
	err := NewError("signaling", ErrTransport)
	go s.terminate(err)
}

func (s *Session) handleLocalCandidate(link *PeerLink, c pion.ICECandidateInit) {
	if !s.current(link) {
		return
	}
	err := s.channel.Emit(signaling.EventICECandidate, signaling.CandidatePayload{
		Target:    link.peerID,
		Candidate: c,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("peer", link.peerID).Msg("Local ICE candidate not sent")
	}
}

func (s *Session) handleRemoteTrack(link *PeerLink, t RemoteTrack) {
	if !s.current(link) {
		return
	}
	link.remote = t
	s.log.Info().Str("peer", link.peerID).Str("kind", t.Kind().String()).Str("track", t.ID()).Msg("Remote track received")
	s.publish()
}

func (s *Session) handleConnectionState(link *PeerLink, st pion.PeerConnectionState) {
	if !s.current(link) {
		return
	}
	link.connState = st
	s.log.Debug().Str("peer", link.peerID).Str("state", st.String()).Msg("Connection state changed")

	switch st {
	case pion.PeerConnectionStateFailed:
		err := NewPeerError("connection", link.peerID, ErrConnectionFailed)
		s.removeLink(link.peerID)
		s.observer.PeerFailed(link.peerID, err)
	case pion.PeerConnectionStateClosed:
		s.removeLink(link.peerID)
	default:
		s.publish()
	}
}

func (s *Session) handleStatus(link *PeerLink, st Status) {
	if !s.current(link) {
		return
	}
	link.status = st
	s.publish()
}

func (s *Session) handleSpeaking(link *PeerLink, speaking bool) {
	if !s.current(link) || link.speaking == speaking {
		return
	}
	link.speaking = speaking
	s.publish()
}

func (s *Session) handleTrackChange(change TrackChange) {
	for _, id := range s.order {
		link := s.links[id]
		changed := false
		switch {
		case change.Added != nil:
			if err := link.AttachTrack(change.Added); err != nil {
				s.log.Warn().Err(err).Msg("Local track not attached")
				continue
			}
			changed = true
		case change.Removed != nil:
			detached, err := link.DetachTrack(change.Removed.ID())
			if err != nil {
				s.log.Warn().Err(err).Msg("Local track not detached")
			}
			changed = detached
		}
		if changed {
			s.requestRenegotiation(link)
		}
	}
}

func (s *Session) requestRenegotiation(link *PeerLink) {
	if link.Role() == RoleOffering {
		s.settle(link, link.neg.Renegotiate())
		return
	}
	if link.neg.State() == StateIdle {
		// The pending answer will already carry the change.
		return
	}
	err := s.channel.Emit(signaling.EventRenegotiate, signaling.RenegotiatePayload{Target: link.peerID})
	if err != nil {
		s.log.Warn().Err(err).Str("peer", link.peerID).Msg("Renegotiation request not sent")
	}
}
