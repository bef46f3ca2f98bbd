package mesh

import (
	"sync"
	"sync/atomic"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// linkHooks receive PeerLink events from transport goroutines.
type linkHooks struct {
	candidate func(*PeerLink, pion.ICECandidateInit)
	track     func(*PeerLink, RemoteTrack)
	state     func(*PeerLink, pion.PeerConnectionState)
	status    func(*PeerLink, Status)
	speaking  func(*PeerLink, bool)
}

// PeerLink is the connection to one remote participant.
type PeerLink struct {
	peerID   string
	conn     Conn
	neg      *Negotiator
	joinedAt time.Time

	// Fields below are owned by the session event loop.
	connState pion.PeerConnectionState
	remote    RemoteTrack
	status    Status
	speaking  bool
	attached  map[string]bool

	closeOnce sync.Once
	closed    atomic.Bool
}

func newPeerLink(peerID string, role Role, conn Conn, send SendFunc, hooks linkHooks, log zerolog.Logger) *PeerLink {
	l := &PeerLink{
		peerID:    peerID,
		conn:      conn,
		joinedAt:  time.Now(),
		connState: pion.PeerConnectionStateNew,
		attached:  make(map[string]bool),
	}
	l.neg = NewNegotiator(peerID, role, conn, send, log)

	conn.OnICECandidate(func(c pion.ICECandidateInit) {
		if !l.closed.Load() {
			hooks.candidate(l, c)
		}
	})
	conn.OnTrack(func(t RemoteTrack) {
		if !l.closed.Load() {
			hooks.track(l, t)
		}
	})
	conn.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		if !l.closed.Load() {
			hooks.state(l, s)
		}
	})
	conn.OnStatus(func(st Status) {
		if !l.closed.Load() {
			hooks.status(l, st)
		}
	})
	conn.OnSpeaking(func(speaking bool) {
		if !l.closed.Load() {
			hooks.speaking(l, speaking)
		}
	})
	return l
}

func (l *PeerLink) PeerID() string { return l.peerID }

func (l *PeerLink) Role() Role { return l.neg.Role() }

func (l *PeerLink) Negotiator() *Negotiator { return l.neg }

func (l *PeerLink) ConnectionState() pion.PeerConnectionState { return l.connState }

// AttachTrack sends t on this link. Attaching the same track twice is a no-op.
func (l *PeerLink) AttachTrack(t Track) error {
	if l.attached[t.ID()] {
		return nil
	}
	if err := l.conn.AddTrack(t.Local()); err != nil {
		return NewPeerError("attach track", l.peerID, err)
	}
	l.attached[t.ID()] = true
	return nil
}

// DetachTrack stops sending the track. It reports whether the track was attached.
func (l *PeerLink) DetachTrack(id string) (bool, error) {
	if !l.attached[id] {
		return false, nil
	}
	delete(l.attached, id)
	if err := l.conn.RemoveTrack(id); err != nil {
		return true, NewPeerError("detach track", l.peerID, err)
	}
	return true, nil
}

// Close stops event forwarding and releases the connection. Safe to call
// more than once.
func (l *PeerLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.conn.Close()
	})
	return err
}

func (l *PeerLink) Closed() bool { return l.closed.Load() }

func (l *PeerLink) summary() Participant {
	return Participant{
		PeerID:   l.peerID,
		HasAudio: l.remote != nil && l.remote.Kind() == pion.RTPCodecTypeAudio,
		Muted:    l.status.Muted,
		Speaking: l.speaking,
		State:    l.connState,
		Role:     l.neg.Role(),
		JoinedAt: l.joinedAt,
	}
}
