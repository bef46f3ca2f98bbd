package mesh

import (
	"context"

	"github.com/BioHazard786/murmur/internal/signaling"
	pion "github.com/pion/webrtc/v4"
)

// Channel is the room-scoped signaling transport.
type Channel interface {
	Join(ctx context.Context, roomID string) error
	On(event string, h signaling.Handler)
	Emit(event string, payload any) error
	Disconnect() error
}

// Role is fixed for the lifetime of a PeerLink.
type Role int

const (
	RoleOffering Role = iota
	RoleAnswering
)

func (r Role) String() string {
	if r == RoleOffering {
		return "offering"
	}
	return "answering"
}

// RemoteTrack is the subset of *pion.TrackRemote the session needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() pion.RTPCodecType
}

// Status is the self-reported state a peer shares over its status channel.
type Status struct {
	Muted bool
}

// Conn is one negotiated peer connection. Callbacks may fire on any
// goroutine; the session funnels them back into its event loop.
type Conn interface {
	CreateOffer() (pion.SessionDescription, error)
	CreateAnswer() (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	AddICECandidate(c pion.ICECandidateInit) error

	AddTrack(track pion.TrackLocal) error
	RemoveTrack(trackID string) error
	SendStatus(st Status) error

	OnICECandidate(fn func(pion.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(pion.PeerConnectionState))
	OnStatus(fn func(Status))
	OnSpeaking(fn func(speaking bool))

	Close() error
}

// ConnFactory creates connections for new PeerLinks.
type ConnFactory interface {
	NewConn(peerID string, role Role) (Conn, error)
}
