package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/murmur/internal/mesh"
	"github.com/BioHazard786/murmur/internal/metrics"
	"github.com/google/uuid"
	"github.com/hraban/opus"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const (
	sampleRate    = 48000
	frameDuration = 20 * time.Millisecond
	frameSamples  = sampleRate / 50
	maxPacketSize = 1275

	DefaultToneHz = 440.0
	toneAmplitude = 6000
	trackStreamID = "murmur"
)

// silenceFrame is a 20 ms Opus packet that decodes to silence.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// SampleTrack is a local Opus track fed by a 20 ms frame clock. While
// disabled it sends silence frames, so muting needs no renegotiation.
type SampleTrack struct {
	id      string
	track   *pion.TrackLocalStaticSample
	next    func() ([]byte, error)
	log     zerolog.Logger
	enabled atomic.Bool

	done chan struct{}
	once sync.Once
}

var _ mesh.Track = (*SampleTrack)(nil)

func newSampleTrack(next func() ([]byte, error), log zerolog.Logger) (*SampleTrack, error) {
	id := "audio-" + uuid.NewString()[:8]
	track, err := pion.NewTrackLocalStaticSample(OpusCapability, id, trackStreamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	t := &SampleTrack{
		id:    id,
		track: track,
		next:  next,
		log:   log.With().Str("track", id).Logger(),
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.run()
	return t, nil
}

func (t *SampleTrack) ID() string { return t.id }

func (t *SampleTrack) Kind() pion.RTPCodecType { return pion.RTPCodecTypeAudio }

func (t *SampleTrack) Local() pion.TrackLocal { return t.track }

func (t *SampleTrack) Enabled() bool { return t.enabled.Load() }

func (t *SampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stop ends the frame clock. Safe to call more than once.
func (t *SampleTrack) Stop() {
	t.once.Do(func() { close(t.done) })
}

// Stopped reports whether Stop has been called.
func (t *SampleTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// frame returns the payload for the next 20 ms.
func (t *SampleTrack) frame() []byte {
	if !t.enabled.Load() || t.next == nil {
		return silenceFrame
	}
	data, err := t.next()
	if err != nil {
		metrics.EncodeErrorsTotal.Inc()
		t.log.Debug().Err(err).Msg("Frame encode failed")
		return silenceFrame
	}
	return data
}

func (t *SampleTrack) run() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		err := t.track.WriteSample(media.Sample{Data: t.frame(), Duration: frameDuration})
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.log.Debug().Err(err).Msg("Write sample failed")
		}
	}
}

// ToneDevice produces one track carrying a sine tone.
type ToneDevice struct {
	Frequency float64
	Logger    zerolog.Logger
}

func (d ToneDevice) Acquire(context.Context) ([]mesh.Track, error) {
	freq := d.Frequency
	if freq <= 0 {
		freq = DefaultToneHz
	}
	src, err := newToneSource(freq)
	if err != nil {
		return nil, err
	}
	t, err := newSampleTrack(src.next, d.Logger)
	if err != nil {
		return nil, err
	}
	return []mesh.Track{t}, nil
}

// SilenceDevice produces one track that only ever carries silence.
type SilenceDevice struct {
	Logger zerolog.Logger
}

func (d SilenceDevice) Acquire(context.Context) ([]mesh.Track, error) {
	t, err := newSampleTrack(nil, d.Logger)
	if err != nil {
		return nil, err
	}
	return []mesh.Track{t}, nil
}

// NoDevice acquires nothing. The session joins receive-only.
type NoDevice struct{}

func (NoDevice) Acquire(context.Context) ([]mesh.Track, error) { return nil, nil }

type toneSource struct {
	mu    sync.Mutex
	enc   *opus.Encoder
	pcm   []int16
	buf   []byte
	phase float64
	step  float64
}

func newToneSource(freq float64) (*toneSource, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &toneSource{
		enc:  enc,
		pcm:  make([]int16, frameSamples),
		buf:  make([]byte, maxPacketSize),
		step: 2 * math.Pi * freq / sampleRate,
	}, nil
}

func (s *toneSource) next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pcm {
		s.pcm[i] = int16(toneAmplitude * math.Sin(s.phase))
		s.phase += s.step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	n, err := s.enc.Encode(s.pcm, s.buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}
