package mesh

import (
	"context"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// Track is a local media track that every PeerLink shares by reference.
// Disabling it mutes all links at once without renegotiation.
type Track interface {
	ID() string
	Kind() pion.RTPCodecType
	Local() pion.TrackLocal
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Device supplies local tracks. Acquire may block on user consent.
type Device interface {
	Acquire(ctx context.Context) ([]Track, error)
}

// TrackChange describes a structural change to the local track set.
// Exactly one of Added and Removed is set.
type TrackChange struct {
	Added   Track
	Removed Track
}

// LocalMedia is the local track set plus the mute flag.
type LocalMedia struct {
	device Device

	mu       sync.Mutex
	tracks   []Track
	muted    bool
	acquired bool
	stopped  bool
	subs     map[int]func(TrackChange)
	nextSub  int
}

func NewLocalMedia(device Device) *LocalMedia {
	return &LocalMedia{
		device: device,
		subs:   make(map[int]func(TrackChange)),
	}
}

// Acquire requests tracks from the device. Calling it again after a
// successful acquisition is a no-op.
func (m *LocalMedia) Acquire(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return NewError("acquire media", ErrSessionClosed)
	}
	if m.acquired {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	tracks, err := m.device.Acquire(ctx)
	if err != nil {
		return NewError("acquire media", fmt.Errorf("%w: %w", ErrDevice, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		for _, t := range tracks {
			t.Stop()
		}
		return NewError("acquire media", ErrSessionClosed)
	}
	for _, t := range tracks {
		t.SetEnabled(!m.muted)
	}
	m.tracks = tracks
	m.acquired = true
	return nil
}

// Reacquire replaces the current tracks with a fresh set from the device.
// Subscribers see one change per removed and per added track.
func (m *LocalMedia) Reacquire(ctx context.Context) error {
	tracks, err := m.device.Acquire(ctx)
	if err != nil {
		return NewError("reacquire media", fmt.Errorf("%w: %w", ErrDevice, err))
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		for _, t := range tracks {
			t.Stop()
		}
		return NewError("reacquire media", ErrSessionClosed)
	}
	old := m.tracks
	for _, t := range tracks {
		t.SetEnabled(!m.muted)
	}
	m.tracks = tracks
	m.acquired = true
	subs := m.subscribers()
	m.mu.Unlock()

	for _, t := range old {
		t.Stop()
		notify(subs, TrackChange{Removed: t})
	}
	for _, t := range tracks {
		notify(subs, TrackChange{Added: t})
	}
	return nil
}

// SetMuted sets enabled = !muted on every local track.
func (m *LocalMedia) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	for _, t := range m.tracks {
		t.SetEnabled(!muted)
	}
}

func (m *LocalMedia) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Tracks returns a copy of the current track set.
func (m *LocalMedia) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// AddTrack adds a track after acquisition, inheriting the mute flag.
func (m *LocalMedia) AddTrack(t Track) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return NewError("add track", ErrSessionClosed)
	}
	for _, existing := range m.tracks {
		if existing.ID() == t.ID() {
			m.mu.Unlock()
			return WrapError("add track", ErrBadPayload, "duplicate track "+t.ID())
		}
	}
	t.SetEnabled(!m.muted)
	m.tracks = append(m.tracks, t)
	subs := m.subscribers()
	m.mu.Unlock()

	notify(subs, TrackChange{Added: t})
	return nil
}

// RemoveTrack stops and removes the track with the given id.
func (m *LocalMedia) RemoveTrack(id string) bool {
	m.mu.Lock()
	var removed Track
	for i, t := range m.tracks {
		if t.ID() == id {
			removed = t
			m.tracks = append(m.tracks[:i:i], m.tracks[i+1:]...)
			break
		}
	}
	subs := m.subscribers()
	m.mu.Unlock()

	if removed == nil {
		return false
	}
	removed.Stop()
	notify(subs, TrackChange{Removed: removed})
	return true
}

// Subscribe registers fn for structural track changes.
func (m *LocalMedia) Subscribe(fn func(TrackChange)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Stop stops every track once. Later calls do nothing.
func (m *LocalMedia) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	tracks := m.tracks
	m.tracks = nil
	clear(m.subs)
	m.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

func (m *LocalMedia) subscribers() []func(TrackChange) {
	out := make([]func(TrackChange), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(TrackChange), change TrackChange) {
	for _, fn := range subs {
		fn(change)
	}
}
