package mesh

import (
	"github.com/BioHazard786/murmur/internal/signaling"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// State is the negotiation progress of one PeerLink.
type State int

const (
	StateIdle State = iota
	StateLocalOfferPending
	StateLocalOfferSet
	StateRemoteOfferSet
	StateLocalAnswerPending
	StateStable
	StateFailed
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateLocalOfferPending:  "local-offer-pending",
	StateLocalOfferSet:      "local-offer-set",
	StateRemoteOfferSet:     "remote-offer-set",
	StateLocalAnswerPending: "local-answer-pending",
	StateStable:             "stable",
	StateFailed:             "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// SendFunc emits a local description addressed to the remote peer.
type SendFunc func(event string, desc pion.SessionDescription) error

// Negotiator drives offer/answer and candidate exchange for a single link.
// It is owned by the session event loop and is not safe for concurrent use.
type Negotiator struct {
	peer  string
	role  Role
	state State
	conn  Conn
	send  SendFunc
	log   zerolog.Logger

	localSet  bool
	remoteSet bool
	pending   []pion.ICECandidateInit

	// renegotiate is set when a new offer was requested while a previous
	// exchange was still in flight.
	renegotiate bool
}

func NewNegotiator(peer string, role Role, conn Conn, send SendFunc, log zerolog.Logger) *Negotiator {
	return &Negotiator{
		peer: peer,
		role: role,
		conn: conn,
		send: send,
		log:  log,
	}
}

func (n *Negotiator) State() State { return n.state }

func (n *Negotiator) Role() Role { return n.role }

func (n *Negotiator) LocalDescriptionSet() bool { return n.localSet }

func (n *Negotiator) RemoteDescriptionSet() bool { return n.remoteSet }

// PendingCandidates reports how many remote candidates wait for a remote description.
func (n *Negotiator) PendingCandidates() int { return len(n.pending) }

// StartOffer creates and sends the initial offer. Only valid for an
// offering link in the idle state.
func (n *Negotiator) StartOffer() error {
	if n.role != RoleOffering || n.state != StateIdle {
		return violation("start offer", n.peer, n.state)
	}
	return n.offer("start offer")
}

// Renegotiate sends a follow-up offer, or defers it until the current
// exchange completes.
func (n *Negotiator) Renegotiate() error {
	if n.role != RoleOffering || n.state == StateFailed || n.state == StateIdle {
		return violation("renegotiate", n.peer, n.state)
	}
	if n.state != StateStable {
		n.renegotiate = true
		return nil
	}
	return n.offer("renegotiate")
}

func (n *Negotiator) offer(op string) error {
	n.state = StateLocalOfferPending
	desc, err := n.conn.CreateOffer()
	if err != nil {
		return n.fail(op, err)
	}
	if err := n.conn.SetLocalDescription(desc); err != nil {
		return n.fail(op, err)
	}
	n.localSet = true
	n.state = StateLocalOfferSet

	if err := n.send(signaling.EventOffer, desc); err != nil {
		return NewPeerError("send offer", n.peer, err)
	}
	return nil
}

// AcceptOffer applies a remote offer and replies with an answer. An
// answering link accepts its first offer from idle and follow-up offers
// from stable; anything else is glare and is rejected.
func (n *Negotiator) AcceptOffer(desc pion.SessionDescription) error {
	if desc.Type != pion.SDPTypeOffer {
		return WrapError("accept offer", ErrBadPayload, "sdp type "+desc.Type.String())
	}
	if n.role != RoleAnswering || (n.state != StateIdle && n.state != StateStable) {
		return violation("accept offer", n.peer, n.state)
	}

	if err := n.conn.SetRemoteDescription(desc); err != nil {
		return n.fail("set remote offer", err)
	}
	n.remoteSet = true
	n.state = StateRemoteOfferSet
	n.flushCandidates()

	n.state = StateLocalAnswerPending
	answer, err := n.conn.CreateAnswer()
	if err != nil {
		return n.fail("create answer", err)
	}
	if err := n.conn.SetLocalDescription(answer); err != nil {
		return n.fail("set local answer", err)
	}
	n.localSet = true
	n.state = StateStable

	if err := n.send(signaling.EventAnswer, answer); err != nil {
		return NewPeerError("send answer", n.peer, err)
	}
	return nil
}

// AcceptAnswer completes an exchange started by StartOffer or Renegotiate.
// Duplicate or out-of-order answers are protocol violations and leave the
// link untouched.
func (n *Negotiator) AcceptAnswer(desc pion.SessionDescription) error {
	if desc.Type != pion.SDPTypeAnswer {
		return WrapError("accept answer", ErrBadPayload, "sdp type "+desc.Type.String())
	}
	if n.state != StateLocalOfferSet {
		return violation("accept answer", n.peer, n.state)
	}

	if err := n.conn.SetRemoteDescription(desc); err != nil {
		return n.fail("set remote answer", err)
	}
	n.remoteSet = true
	n.state = StateStable
	n.flushCandidates()

	if n.renegotiate {
		n.renegotiate = false
		return n.offer("renegotiate")
	}
	return nil
}

// AddRemoteCandidate applies c, or queues it until a remote description
// exists. A failure to apply one candidate is returned but never moves the
// link to failed.
func (n *Negotiator) AddRemoteCandidate(c pion.ICECandidateInit) error {
	if n.state == StateFailed {
		return violation("add ice candidate", n.peer, n.state)
	}
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		return nil
	}
	if err := n.conn.AddICECandidate(c); err != nil {
		return NewPeerError("add ice candidate", n.peer, err)
	}
	return nil
}

func (n *Negotiator) flushCandidates() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.conn.AddICECandidate(c); err != nil {
			n.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("Buffered ICE candidate rejected")
		}
	}
}

func (n *Negotiator) fail(op string, err error) error {
	n.state = StateFailed
	n.pending = nil
	return negotiationFailure(op, n.peer, err)
}
