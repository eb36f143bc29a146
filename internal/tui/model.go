// Package tui is the terminal view of a running node. It talks to the node
// only through the control API client.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/engine"
	"github.com/bit2swaz/meshsync/internal/negotiator"
	"github.com/bit2swaz/meshsync/internal/store"
)

const requestTimeout = 10 * time.Second

// API is the slice of web.Client the view uses.
type API interface {
	Items(ctx context.Context, withDeleted bool) ([]store.Item, error)
	AddItem(ctx context.Context, text string) (store.Item, error)
	UpdateItem(ctx context.Context, id, text string) (store.Item, error)
	DeleteItem(ctx context.Context, id string) (store.Item, error)
	Peers(ctx context.Context) ([]store.Peer, error)
	Status(ctx context.Context) (engine.Status, error)
	Host(ctx context.Context, manual bool) (negotiator.Offer, error)
	Join(ctx context.Context, input string) (negotiator.Answer, error)
}

type tickMsg time.Time

type snapshotMsg struct {
	items  []store.Item
	peers  []store.Peer
	status engine.Status
	err    error
}

type noticeMsg struct {
	text string
	err  error
}

type model struct {
	api       API
	nodeID    string
	items     []store.Item
	peers     []store.Peer
	status    engine.Status
	viewport  viewport.Model
	textInput textinput.Model
	notice    string
	changedAt time.Time
	width     int
	height    int
	ready     bool
	err       error
}

func initialModel(api API, nodeID string) model {
	ti := textinput.New()
	ti.Placeholder = "Add an item, or /edit N text, /rm N, /offer, /join CODE"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 60

	return model{
		api:       api,
		nodeID:    nodeID,
		textInput: ti,
		notice:    "Welcome to meshsync.",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.refresh())
}

func tick() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) refresh() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var snap snapshotMsg
		if snap.items, snap.err = api.Items(ctx, false); snap.err != nil {
			return snap
		}
		if snap.peers, snap.err = api.Peers(ctx); snap.err != nil {
			return snap
		}
		snap.status, snap.err = api.Status(ctx)
		return snap
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tickMsg:
		return m, m.refresh()

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			if itemsChanged(m.items, msg.items) {
				m.changedAt = time.Now()
			}
			m.items = msg.items
			sortPeers(msg.peers)
			m.peers = msg.peers
			m.status = msg.status
			m.viewport.SetContent(renderItems(m.items, m.nodeID))
		}
		return m, tick()

	case noticeMsg:
		if msg.err != nil {
			m.notice = apperr.Message(msg.err)
		} else {
			m.notice = msg.text
		}
		return m, m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.textInput.Value())
			m.textInput.Reset()
			if line == "" {
				return m, nil
			}
			if line == "/quit" {
				return m, tea.Quit
			}
			return m, m.command(line)
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		footerHeight := 3
		vpWidth := streamWidth(msg.Width)
		if !m.ready {
			m.viewport = viewport.New(vpWidth, msg.Height-footerHeight)
			m.viewport.SetContent(renderItems(m.items, m.nodeID))
			m.ready = true
		} else {
			m.viewport.Width = vpWidth
			m.viewport.Height = msg.Height - footerHeight
		}
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

// command turns one input line into an API call.
func (m model) command(line string) tea.Cmd {
	api := m.api
	items := m.items
	run := func(fn func(ctx context.Context) (string, error)) tea.Cmd {
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			text, err := fn(ctx)
			return noticeMsg{text: text, err: err}
		}
	}

	cmd, arg, rest := parseCommand(line)
	switch cmd {
	case "":
		return run(func(ctx context.Context) (string, error) {
			_, err := api.AddItem(ctx, line)
			return "Added.", err
		})
	case "rm", "edit":
		idx, err := strconv.Atoi(arg)
		if err != nil || idx < 1 || idx > len(items) {
			return notice(fmt.Sprintf("No item numbered %q.", arg))
		}
		id := items[idx-1].ID
		if cmd == "rm" {
			return run(func(ctx context.Context) (string, error) {
				_, err := api.DeleteItem(ctx, id)
				return "Deleted.", err
			})
		}
		return run(func(ctx context.Context) (string, error) {
			_, err := api.UpdateItem(ctx, id, rest)
			return "Updated.", err
		})
	case "offer":
		return run(func(ctx context.Context) (string, error) {
			offer, err := api.Host(ctx, false)
			if err != nil {
				return "", err
			}
			if offer.Code == "" {
				return "Rendezvous unavailable, share the offer with `meshsync offer --manual`.", nil
			}
			return "Share this code: " + offer.Code, nil
		})
	case "join":
		return run(func(ctx context.Context) (string, error) {
			ans, err := api.Join(ctx, arg)
			if err != nil {
				return "", err
			}
			if ans.Deposited {
				return "Answer sent, waiting for the host.", nil
			}
			return "Give the host this answer: " + ans.Blob, nil
		})
	default:
		return notice("Unknown command /" + cmd)
	}
}

func notice(text string) tea.Cmd {
	return func() tea.Msg { return noticeMsg{text: text} }
}

// parseCommand splits "/edit 2 new text" into ("edit", "2", "new text").
// Lines without a leading slash yield an empty command.
func parseCommand(line string) (cmd, arg, rest string) {
	if !strings.HasPrefix(line, "/") {
		return "", "", ""
	}
	fields := strings.SplitN(strings.TrimPrefix(line, "/"), " ", 3)
	cmd = fields[0]
	if len(fields) > 1 {
		arg = fields[1]
	}
	if len(fields) > 2 {
		rest = strings.TrimSpace(fields[2])
	}
	return cmd, arg, rest
}

// sortPeers puts hosts first, then orders by nick.
func sortPeers(peers []store.Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].IsHost != peers[j].IsHost {
			return peers[i].IsHost
		}
		return peers[i].Nick < peers[j].Nick
	})
}

func itemsChanged(before, after []store.Item) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].UpdatedAt != after[i].UpdatedAt {
			return true
		}
	}
	return false
}

// StartTUI runs the view until the user quits.
func StartTUI(api API, nodeID string) error {
	p := tea.NewProgram(initialModel(api, nodeID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
