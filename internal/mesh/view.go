package mesh

import (
	"time"

	pion "github.com/pion/webrtc/v4"
)

// Participant is the rendering summary of one remote peer.
type Participant struct {
	PeerID   string
	HasAudio bool
	Muted    bool
	Speaking bool
	State    pion.PeerConnectionState
	Role     Role
	JoinedAt time.Time
}

// Quality is the aggregate connection-quality flag.
type Quality string

const (
	QualityIdle       Quality = "idle"
	QualityConnecting Quality = "connecting"
	QualityGood       Quality = "good"
	QualityDegraded   Quality = "degraded"
)

// View is everything a rendering surface needs, copied out of the session.
type View struct {
	RoomID       string
	Participants []Participant
	Muted        bool
	Quality      Quality
	Active       bool
}

// Observer receives session updates on the session goroutine. Implementations
// must not block and must not call back into the session synchronously.
type Observer interface {
	ViewChanged(v View)
	PeerFailed(peerID string, err error)
	SessionEnded(err error)
}

// NopObserver discards every update.
type NopObserver struct{}

func (NopObserver) ViewChanged(View)         {}
func (NopObserver) PeerFailed(string, error) {}
func (NopObserver) SessionEnded(error)       {}

func qualityOf(ps []Participant) Quality {
	if len(ps) == 0 {
		return QualityIdle
	}
	q := QualityGood
	for _, p := range ps {
		switch p.State {
		case pion.PeerConnectionStateConnected:
		case pion.PeerConnectionStateDisconnected:
			return QualityDegraded
		default:
			q = QualityConnecting
		}
	}
	return q
}
