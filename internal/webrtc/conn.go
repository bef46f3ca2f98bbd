package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/BioHazard786/murmur/internal/mesh"
	"github.com/BioHazard786/murmur/internal/metrics"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ErrChannelNotOpen is returned when a status message cannot be sent yet.
var ErrChannelNotOpen = errors.New("status channel not open")

// Conn adapts a pion PeerConnection to mesh.Conn.
type Conn struct {
	pc     *pion.PeerConnection
	peerID string
	client string
	log    zerolog.Logger

	mu       sync.Mutex
	senders  map[string]*pion.RTPSender
	status   *pion.DataChannel
	open     bool
	latest   *mesh.Status
	onStatus func(mesh.Status)

	onSpeaking func(bool)
}

var _ mesh.Conn = (*Conn)(nil)

func newConn(pc *pion.PeerConnection, peerID, client string, log zerolog.Logger) *Conn {
	return &Conn{
		pc:      pc,
		peerID:  peerID,
		client:  client,
		log:     log,
		senders: make(map[string]*pion.RTPSender),
	}
}

func (c *Conn) CreateOffer() (pion.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Conn) CreateAnswer() (pion.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Conn) SetLocalDescription(desc pion.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Conn) SetRemoteDescription(desc pion.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Conn) AddICECandidate(ci pion.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack starts sending track and drains the sender's RTCP so the
// interceptors keep running.
func (c *Conn) AddTrack(track pion.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	c.mu.Lock()
	c.senders[track.ID()] = sender
	c.mu.Unlock()

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Conn) RemoveTrack(trackID string) error {
	c.mu.Lock()
	sender, ok := c.senders[trackID]
	delete(c.senders, trackID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("track %s is not attached", trackID)
	}
	return c.pc.RemoveTrack(sender)
}

// SendStatus sends st now if the status channel is open and otherwise
// keeps it to send on open. Only the latest status is kept.
func (c *Conn) SendStatus(st mesh.Status) error {
	c.mu.Lock()
	c.latest = &st
	dc, open := c.status, c.open
	c.mu.Unlock()

	if !open {
		return nil
	}
	return c.writeStatus(dc, st)
}

func (c *Conn) writeStatus(dc *pion.DataChannel, st mesh.Status) error {
	data, err := Encode(MessageTypeStatus, StatusPayload{Muted: st.Muted, Client: c.client})
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if dc == nil {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

func (c *Conn) bindStatus(dc *pion.DataChannel) {
	c.mu.Lock()
	c.status = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		c.open = true
		latest := c.latest
		c.mu.Unlock()
		c.log.Debug().Msg("Status channel open")

		if latest != nil {
			if err := c.writeStatus(dc, *latest); err != nil {
				c.log.Debug().Err(err).Msg("Initial status not sent")
			}
		}
	})

	dc.OnClose(func() {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
	})

	dc.OnMessage(func(msg pion.DataChannelMessage) {
		m, err := Parse(msg.Data)
		if err != nil {
			c.log.Debug().Err(err).Msg("Unreadable status message")
			return
		}
		if m.Type != MessageTypeStatus {
			c.log.Debug().Str("type", m.Type).Msg("Unknown status message")
			return
		}
		var p StatusPayload
		if err := m.DecodePayload(&p); err != nil {
			c.log.Debug().Err(err).Msg("Malformed status payload")
			return
		}

		c.mu.Lock()
		fn := c.onStatus
		c.mu.Unlock()
		if fn != nil {
			fn(mesh.Status{Muted: p.Muted})
		}
	})
}

func (c *Conn) OnICECandidate(fn func(pion.ICECandidateInit)) {
	c.pc.OnICECandidate(func(ic *pion.ICECandidate) {
		if ic == nil {
			return
		}
		fn(ic.ToJSON())
	})
}

// OnTrack reports each remote track and reads its RTP until the track ends.
func (c *Conn) OnTrack(fn func(mesh.RemoteTrack)) {
	c.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		c.log.Debug().
			Str("codec", track.Codec().MimeType).
			Uint8("pt", uint8(track.PayloadType())).
			Msg("Inbound track")
		fn(track)
		go c.readRemote(track)
	})
}

func (c *Conn) readRemote(track *pion.TrackRemote) {
	var meter *levelMeter
	if track.Kind() == pion.RTPCodecTypeAudio {
		m, err := newLevelMeter()
		if err != nil {
			c.log.Warn().Err(err).Msg("Speaking indicator disabled")
		}
		meter = m
	}
	defer c.reportSpeaking(false)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			c.log.Debug().Err(err).Str("track", track.ID()).Msg("Inbound track ended")
			return
		}
		metrics.RTPPacketsTotal.Inc()
		if meter == nil {
			continue
		}
		speaking, changed, err := meter.observe(pkt.Payload)
		if err != nil {
			c.log.Debug().Err(err).Msg("Inbound frame not decoded")
			continue
		}
		if changed {
			c.reportSpeaking(speaking)
		}
	}
}

func (c *Conn) reportSpeaking(speaking bool) {
	c.mu.Lock()
	fn := c.onSpeaking
	c.mu.Unlock()
	if fn != nil {
		fn(speaking)
	}
}

// OnSpeaking is called when the decoded level of an inbound audio track
// crosses the speaking threshold.
func (c *Conn) OnSpeaking(fn func(bool)) {
	c.mu.Lock()
	c.onSpeaking = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(pion.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *Conn) OnStatus(fn func(mesh.Status)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	return c.pc.Close()
}
