package ui

import (
	"fmt"
	"time"

	"github.com/BioHazard786/murmur/internal/mesh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	pretty "github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	pion "github.com/pion/webrtc/v4"
)

// ShortID trims a peer id to something that fits a table cell.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ParticipantTableView renders the live participant list using lipgloss/table
func ParticipantTableView(ps []mesh.Participant) string {
	if len(ps) == 0 {
		return MutedStyle.Render(IconWaiting + " Nobody else is here yet")
	}

	rows := make([][]string, 0, len(ps))
	for _, p := range ps {
		audio := MutedStyle.Render("-")
		switch {
		case p.Speaking:
			audio = SuccessStyle.Render(IconSpeaker + " speaking")
		case p.HasAudio:
			audio = IconSpeaker
		}
		mic := IconMic
		if p.Muted {
			mic = IconMuted
		}
		rows = append(rows, []string{ShortID(p.PeerID), audio, mic, stateLabel(p.State), p.Role.String()})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Peer", "Audio", "Mic", "State", "Role").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

func stateLabel(st pion.PeerConnectionState) string {
	switch st {
	case pion.PeerConnectionStateConnected:
		return SuccessStyle.Render(st.String())
	case pion.PeerConnectionStateDisconnected:
		return WarningStyle.Render(st.String())
	case pion.PeerConnectionStateFailed:
		return ErrorStyle.Render(st.String())
	default:
		return MutedStyle.Render(st.String())
	}
}

// QualityLabel renders the aggregate connection flag.
func QualityLabel(q mesh.Quality) string {
	switch q {
	case mesh.QualityGood:
		return SuccessStyle.Render("● good")
	case mesh.QualityDegraded:
		return WarningStyle.Render("● degraded")
	case mesh.QualityConnecting:
		return MutedStyle.Render("◌ connecting")
	default:
		return MutedStyle.Render("○ idle")
	}
}

// RoomInfoView renders the room id and shareable link.
func RoomInfoView(roomID, roomLink string) string {
	content := fmt.Sprintf("%s\n\n%s Room ID:    %s\n%s Room Link:  %s",
		TitleStyle.Render(IconRoom+" Joined room"),
		IconCopy, BoldStyle.Foreground(Primary).Render(roomID),
		IconLink, LinkStyle.Render(roomLink),
	)
	return RoomBoxStyle.Render(content)
}

// SessionSummaryView renders every peer seen during the session with go-pretty.
func SessionSummaryView(roomID string, history []mesh.Participant, elapsed time.Duration) string {
	t := pretty.NewWriter()
	t.SetTitle("Session summary: " + roomID)
	t.SetStyle(pretty.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(pretty.Row{"Peer", "Role", "Joined", "Last state", "Audio"})
	for _, p := range history {
		audio := "no"
		if p.HasAudio {
			audio = "yes"
		}
		t.AppendRow(pretty.Row{ShortID(p.PeerID), p.Role.String(), p.JoinedAt.Format(time.TimeOnly), p.State.String(), audio})
	}
	t.AppendFooter(pretty.Row{"", "", "", "Peers", len(history)})
	t.AppendFooter(pretty.Row{"", "", "", "Duration", elapsed.Round(time.Second).String()})
	return t.Render()
}

func RenderSessionSummary(roomID string, history []mesh.Participant, elapsed time.Duration) {
	fmt.Println(SessionSummaryView(roomID, history, elapsed))
}
