package webrtc

import (
	"fmt"

	"github.com/BioHazard786/murmur/internal/mesh"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// OpusPayloadType is the dynamic payload type negotiated for audio.
const OpusPayloadType = 111

// OpusCapability is the codec every local track is created with.
var OpusCapability = pion.RTPCodecCapability{
	MimeType:    pion.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// Options configures peer connections built by a Factory.
type Options struct {
	STUNServers []string

	// IncludeLoopback gathers loopback candidates so peers on one host can
	// connect without a network.
	IncludeLoopback bool

	// Client is advertised to peers in status messages.
	Client string

	Logger zerolog.Logger
}

// Factory creates pion-backed connections for mesh PeerLinks.
type Factory struct {
	api  *pion.API
	opts Options
}

var _ mesh.ConnFactory = (*Factory)(nil)

// NewFactory registers Opus and the NACK interceptors on a dedicated API.
func NewFactory(opts Options) (*Factory, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterCodec(pion.RTPCodecParameters{
		RTPCodecCapability: OpusCapability,
		PayloadType:        OpusPayloadType,
	}, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	ir := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	ir.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	ir.Add(generator)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeAudio)

	se := pion.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(ir),
		pion.WithSettingEngine(se),
	)
	return &Factory{api: api, opts: opts}, nil
}

// ICEServers returns the configured STUN servers as pion config objects.
func (f *Factory) ICEServers() []pion.ICEServer {
	if len(f.opts.STUNServers) == 0 {
		return nil
	}
	urls := make([]string, len(f.opts.STUNServers))
	copy(urls, f.opts.STUNServers)
	return []pion.ICEServer{{URLs: urls}}
}

// NewConn creates a peer connection for peerID. The offering side creates
// the status data channel so it is part of the first offer.
func (f *Factory) NewConn(peerID string, role mesh.Role) (mesh.Conn, error) {
	pc, err := f.api.NewPeerConnection(pion.Configuration{
		ICEServers: f.ICEServers(),
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c := newConn(pc, peerID, f.opts.Client, f.opts.Logger.With().Str("peer", peerID).Logger())
	if role == mesh.RoleOffering {
		// A listen-only offerer still needs an audio section; AddTrack
		// upgrades this transceiver to sendrecv when a local track exists.
		if _, err := pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
		ordered := true
		dc, err := pc.CreateDataChannel(StatusLabel, &pion.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create status channel: %w", err)
		}
		c.bindStatus(dc)
	} else {
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			if dc.Label() == StatusLabel {
				c.bindStatus(dc)
			}
		})
	}
	return c, nil
}
