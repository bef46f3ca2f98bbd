package ui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BioHazard786/murmur/internal/mesh"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	pion "github.com/pion/webrtc/v4"
)

const maxNotices = 3

// RoomUI renders a live room session and implements mesh.Observer. Observer
// calls never block: the latest view is kept and the program is nudged.
type RoomUI struct {
	program *tea.Program
	model   *roomModel
	updates chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	view     mesh.View
	notices  []string
	failures []string
	ended    bool
	endErr   error
}

// Controls are the session actions reachable from the keyboard.
type Controls struct {
	ToggleMute func() bool
	Reacquire  func() error
}

type refreshMsg struct{}

type reacquiredMsg struct{ err error }

type roomModel struct {
	ui       *RoomUI
	roomID   string
	link     string
	controls Controls
	spinner  spinner.Model

	view        mesh.View
	notices     []string
	ended       bool
	endErr      error
	reacquiring bool
	quitting    bool
}

func NewRoomUI(roomID, link string, controls Controls) *RoomUI {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	u := &RoomUI{updates: make(chan struct{}, 1), done: make(chan struct{})}
	u.model = &roomModel{
		ui:       u,
		roomID:   roomID,
		link:     link,
		controls: controls,
		spinner:  s,
		view:     mesh.View{RoomID: roomID, Active: true, Quality: mesh.QualityIdle},
	}
	return u
}

// Run shows the UI until the user quits or the session ends. It returns the
// error that ended the session, if any.
func (u *RoomUI) Run() error {
	// Inline mode keeps the room box and summary in the scrollback
	u.program = tea.NewProgram(u.model)
	_, err := u.program.Run()
	close(u.done)
	if err != nil {
		return fmt.Errorf("room ui: %w", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.endErr
}

func (u *RoomUI) ViewChanged(v mesh.View) {
	u.mu.Lock()
	u.view = v
	u.mu.Unlock()
	u.nudge()
}

func (u *RoomUI) PeerFailed(peerID string, err error) {
	msg := fmt.Sprintf("%s: %v", ShortID(peerID), err)
	u.mu.Lock()
	u.failures = append(u.failures, msg)
	u.mu.Unlock()
	u.notify(IconWarning + " " + msg)
}

// Failures returns every peer failure reported during the session, oldest
// first.
func (u *RoomUI) Failures() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.failures...)
}

func (u *RoomUI) notify(notice string) {
	u.mu.Lock()
	u.notices = append(u.notices, notice)
	if len(u.notices) > maxNotices {
		u.notices = u.notices[len(u.notices)-maxNotices:]
	}
	u.mu.Unlock()
	u.nudge()
}

func (u *RoomUI) SessionEnded(err error) {
	u.mu.Lock()
	u.ended = true
	u.endErr = err
	u.mu.Unlock()
	u.nudge()
}

func (u *RoomUI) nudge() {
	select {
	case u.updates <- struct{}{}:
	default:
	}
}

func (u *RoomUI) snapshot(m *roomModel) {
	u.mu.Lock()
	defer u.mu.Unlock()
	m.view = u.view
	m.notices = append(m.notices[:0], u.notices...)
	m.ended = u.ended
	m.endErr = u.endErr
}

func (m *roomModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates())
}

func (m *roomModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.ui.updates:
			return refreshMsg{}
		case <-m.ui.done:
			return nil
		}
	}
}

func (m *roomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "m", "M":
			if m.controls.ToggleMute != nil {
				m.view.Muted = m.controls.ToggleMute()
			}
		case "r", "R":
			if m.controls.Reacquire != nil && !m.reacquiring {
				m.reacquiring = true
				return m, m.reacquire()
			}
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case reacquiredMsg:
		m.reacquiring = false
		if msg.err != nil {
			m.ui.notify(fmt.Sprintf("%s %v", IconError, msg.err))
		} else {
			m.ui.notify(IconMic + " Audio device reacquired")
		}
		return m, nil

	case refreshMsg:
		m.ui.snapshot(m)
		if m.ended {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.listenForUpdates()
	}
	return m, nil
}

func (m *roomModel) reacquire() tea.Cmd {
	fn := m.controls.Reacquire
	return func() tea.Msg {
		return reacquiredMsg{err: fn()}
	}
}

func (m *roomModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s %s", IconRoom, m.roomID)))
	b.WriteString("\n")
	b.WriteString(LinkStyle.Render(IconLink+" "+m.link) + "\n\n")

	mic := StatusStyle.Render(IconMic + " live")
	if m.view.Muted {
		mic = StatusStyle.Background(Warning).Render(IconMuted + " muted")
	}
	fmt.Fprintf(&b, "%s  %s  %s %d connected\n\n",
		mic, QualityLabel(m.view.Quality), IconConnect, connected(m.view.Participants))

	if len(m.view.Participants) == 0 {
		b.WriteString(m.spinner.View() + " ")
	}
	b.WriteString(ParticipantTableView(m.view.Participants))
	b.WriteString("\n")

	for _, n := range m.notices {
		b.WriteString(WarningStyle.Render(n) + "\n")
	}

	b.WriteString(FooterStyle.Render("m mute/unmute • r reacquire device • q leave"))
	return b.String()
}

func connected(ps []mesh.Participant) int {
	n := 0
	for _, p := range ps {
		if p.State == pion.PeerConnectionStateConnected {
			n++
		}
	}
	return n
}
