package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/bit2swaz/meshsync/internal/core"
	"github.com/bit2swaz/meshsync/internal/store"
)

var (
	colorGreen = lipgloss.Color("2")
	colorBlack = lipgloss.Color("0")
	colorGray  = lipgloss.Color("240")
	colorRed   = lipgloss.Color("196")
	colorWhite = lipgloss.Color("231")

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorBlack).
			Background(colorGreen).
			Padding(0, 1)

	alertStyle = lipgloss.NewStyle().
			Background(colorRed).
			Foreground(colorWhite).
			Bold(true)

	flashStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(colorGreen)

	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(colorGreen).
			Padding(0, 1)

	streamStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(colorGreen).
			Padding(0, 1)

	ownItemStyle  = lipgloss.NewStyle().Foreground(colorGreen)
	peerItemStyle = lipgloss.NewStyle().Foreground(colorWhite)
	mutedStyle    = lipgloss.NewStyle().Foreground(colorGray)
)

func streamWidth(total int) int {
	return int(float64(total) * 0.65)
}

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}

	sw := streamWidth(m.width)
	sidebarWidth := m.width - sw - 4
	bodyHeight := m.height - 3

	vp := m.viewport
	vp.Width = sw
	vp.Height = bodyHeight

	stream := streamStyle.Width(sw).Height(bodyHeight).Render(vp.View())
	if ShouldFlash(m.changedAt) {
		stream = flashStyle.Width(sw).Height(bodyHeight).Render(vp.View())
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top, stream, m.renderSidebar(sidebarWidth, bodyHeight))

	return lipgloss.JoinVertical(lipgloss.Left, body, m.renderStatusBar(), m.textInput.View())
}

func (m model) renderStatusBar() string {
	if m.err != nil {
		return alertStyle.Render("node unreachable: " + m.err.Error())
	}
	st := m.status
	left := statusBarStyle.Render(fmt.Sprintf("%s | %d peers | %d items", strings.ToUpper(orDash(st.Status)), st.PeerCount, st.Items))
	return left + " " + mutedStyle.Render(m.notice)
}

func (m model) renderSidebar(width, height int) string {
	identity := fmt.Sprintf("ID: %s\nNICK: %s", short(m.nodeID, 8), orDash(m.status.Nick))

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("PEER", "ROLE", "SINCE").
		Width(width)
	for _, p := range m.peers {
		role := "member"
		if p.IsHost {
			role = "host"
		}
		name := p.Nick
		if name == "" {
			name = short(p.ID, 8)
		}
		if p.ID == m.nodeID {
			name += " (you)"
		}
		t.Row(name, role, since(p.ConnectedAt))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		"MESHSYNC",
		"",
		identity,
		"",
		"MESH:",
		t.Render(),
	)
	return sidebarStyle.Width(width).Height(height).Render(content)
}

// renderItems numbers live items the way /edit and /rm address them.
func renderItems(items []store.Item, nodeID string) string {
	if len(items) == 0 {
		return mutedStyle.Render("No items yet. Type below to add one.")
	}
	var sb strings.Builder
	for i, it := range items {
		style := peerItemStyle
		if it.Author == nodeID {
			style = ownItemStyle
		}
		stamp := ""
		if ts, err := core.ParseTimestamp(it.UpdatedAt); err == nil {
			stamp = ts.Local().Format("15:04:05")
		}
		sb.WriteString(fmt.Sprintf("%3d. %s %s\n", i+1, style.Render(it.Text), mutedStyle.Render(stamp)))
	}
	return sb.String()
}

// ShouldFlash reports whether a change is recent enough to highlight.
func ShouldFlash(changedAt time.Time) bool {
	return time.Since(changedAt) < 500*time.Millisecond
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return "now"
	}
	return d.String()
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
