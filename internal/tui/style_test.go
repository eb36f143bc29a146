package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bit2swaz/meshsync/internal/engine"
	"github.com/bit2swaz/meshsync/internal/negotiator"
	"github.com/bit2swaz/meshsync/internal/store"
)

type fakeAPI struct {
	items   []store.Item
	added   []string
	deleted []string
	updated map[string]string
}

func (f *fakeAPI) Items(context.Context, bool) ([]store.Item, error) { return f.items, nil }

func (f *fakeAPI) AddItem(_ context.Context, text string) (store.Item, error) {
	f.added = append(f.added, text)
	return store.Item{ID: "new", Text: text}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, id, text string) (store.Item, error) {
	if f.updated == nil {
		f.updated = make(map[string]string)
	}
	f.updated[id] = text
	return store.Item{ID: id, Text: text}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, id string) (store.Item, error) {
	f.deleted = append(f.deleted, id)
	return store.Item{ID: id, Deleted: true}, nil
}

func (f *fakeAPI) Peers(context.Context) ([]store.Peer, error) { return nil, nil }

func (f *fakeAPI) Status(context.Context) (engine.Status, error) {
	return engine.Status{Status: "disconnected"}, nil
}

func (f *fakeAPI) Host(context.Context, bool) (negotiator.Offer, error) {
	return negotiator.Offer{Code: "AB12"}, nil
}

func (f *fakeAPI) Join(_ context.Context, input string) (negotiator.Answer, error) {
	return negotiator.Answer{Code: input, Deposited: true}, nil
}

func TestFlashLogic(t *testing.T) {
	assert.True(t, ShouldFlash(time.Now()))
	assert.False(t, ShouldFlash(time.Now().Add(-2*time.Second)))
	assert.False(t, ShouldFlash(time.Time{}))
}

func TestPeerSorting(t *testing.T) {
	peers := []store.Peer{
		{Nick: "Zebra"},
		{Nick: "Alpha", IsHost: true},
		{Nick: "Beta"},
	}
	sortPeers(peers)
	assert.Equal(t, "Alpha", peers[0].Nick)
	assert.Equal(t, "Beta", peers[1].Nick)
	assert.Equal(t, "Zebra", peers[2].Nick)
}

func TestParseCommand(t *testing.T) {
	cmd, arg, rest := parseCommand("/edit 2 buy oat milk")
	assert.Equal(t, "edit", cmd)
	assert.Equal(t, "2", arg)
	assert.Equal(t, "buy oat milk", rest)

	cmd, arg, _ = parseCommand("/join AB12")
	assert.Equal(t, "join", cmd)
	assert.Equal(t, "AB12", arg)

	cmd, _, _ = parseCommand("buy milk")
	assert.Empty(t, cmd)
}

func runCmd(t *testing.T, cmd tea.Cmd) noticeMsg {
	t.Helper()
	require.NotNil(t, cmd)
	msg, ok := cmd().(noticeMsg)
	require.True(t, ok)
	return msg
}

func TestCommandsCallTheAPI(t *testing.T) {
	api := &fakeAPI{}
	m := initialModel(api, "me")
	m.items = []store.Item{{ID: "a", Text: "one"}, {ID: "b", Text: "two"}}

	runCmd(t, m.command("buy milk"))
	assert.Equal(t, []string{"buy milk"}, api.added)

	runCmd(t, m.command("/rm 2"))
	assert.Equal(t, []string{"b"}, api.deleted)

	runCmd(t, m.command("/edit 1 uno"))
	assert.Equal(t, "uno", api.updated["a"])

	msg := runCmd(t, m.command("/offer"))
	assert.Contains(t, msg.text, "AB12")

	msg = runCmd(t, m.command("/rm 9"))
	assert.Contains(t, msg.text, "No item numbered")
	assert.Len(t, api.deleted, 1)
}

func TestSnapshotUpdatesModel(t *testing.T) {
	m := initialModel(&fakeAPI{}, "me")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	next, _ = next.Update(snapshotMsg{
		items:  []store.Item{{ID: "a", Text: "buy milk", Author: "me"}},
		peers:  []store.Peer{{ID: "me", Nick: "me"}, {ID: "p", Nick: "pat", IsHost: true}},
		status: engine.Status{Status: "connected", PeerCount: 1, Items: 1},
	})
	got := next.(model)
	require.Len(t, got.items, 1)
	assert.Equal(t, "pat", got.peers[0].Nick)
	assert.True(t, ShouldFlash(got.changedAt))

	view := got.View()
	assert.True(t, strings.Contains(view, "buy milk"))
	assert.True(t, strings.Contains(view, "CONNECTED"))
}

func TestRenderItemsEmpty(t *testing.T) {
	assert.Contains(t, renderItems(nil, "me"), "No items yet")
}
