package webrtc

import (
	"fmt"
	"math"

	"github.com/hraban/opus"
)

const (
	// speakingLevel is the RMS level, relative to full scale, above which a
	// frame counts as speech.
	speakingLevel = 0.02

	// speakingHold is how many quiet frames end a speaking burst.
	speakingHold = 15
)

// levelMeter decodes inbound Opus frames and tracks whether the peer is
// currently speaking.
type levelMeter struct {
	dec *opus.Decoder
	pcm []int16

	quiet    int
	speaking bool
}

func newLevelMeter() (*levelMeter, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	// Room for the longest Opus frame (120 ms).
	return &levelMeter{dec: dec, pcm: make([]int16, sampleRate/1000*120)}, nil
}

// observe decodes one frame and reports the speaking flag and whether it
// changed.
func (m *levelMeter) observe(frame []byte) (speaking, changed bool, err error) {
	level := 0.0
	if len(frame) > 0 {
		n, err := m.dec.Decode(frame, m.pcm)
		if err != nil {
			return m.speaking, false, err
		}
		level = rms(m.pcm[:n])
	}
	speaking, changed = m.update(level)
	return speaking, changed, nil
}

func (m *levelMeter) update(level float64) (speaking, changed bool) {
	was := m.speaking
	if level >= speakingLevel {
		m.quiet = 0
		m.speaking = true
	} else if m.speaking {
		m.quiet++
		if m.quiet >= speakingHold {
			m.speaking = false
			m.quiet = 0
		}
	}
	return m.speaking, m.speaking != was
}

// rms returns the root mean square of pcm relative to full scale.
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
