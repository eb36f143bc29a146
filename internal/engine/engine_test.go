package engine

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bit2swaz/meshsync/internal/config"
	"github.com/bit2swaz/meshsync/internal/core"
	"github.com/bit2swaz/meshsync/internal/negotiator"
	"github.com/bit2swaz/meshsync/internal/rendezvous"
	"github.com/bit2swaz/meshsync/internal/store"
	"github.com/bit2swaz/meshsync/internal/transport/pipe"
)

const waitFor = 5 * time.Second

func createTestNode(t *testing.T, network *pipe.Network, rdv rendezvous.Store, name string) *Node {
	t.Helper()
	db, err := store.Init(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)

	tr, err := network.Transport(name, nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.AnswerPollInterval = 10 * time.Millisecond
	cfg.GatherTimeout = time.Second

	n := New(core.Identity{NodeID: "node-" + name, Nick: name}, cfg, Deps{
		Transport:  tr,
		Rendezvous: rdv,
		Items:      store.NewItems(db),
		History:    store.NewPeers(db),
		Closers:    []func() error{func() error { return store.Close(db) }},
	})
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = n.Stop(ctx)
	})
	return n
}

func findItem(t *testing.T, n *Node, text string) (store.Item, bool) {
	items, err := n.Items(context.Background(), true)
	require.NoError(t, err)
	for _, it := range items {
		if it.Text == text {
			return it, true
		}
	}
	return store.Item{}, false
}

func peerIDs(t *testing.T, n *Node) []string {
	peers, err := n.Peers(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, p := range peers {
		ids = append(ids, p.ID)
	}
	return ids
}

func connect(t *testing.T, host, joiner *Node) {
	t.Helper()
	ctx := context.Background()
	offer, err := host.Host(ctx, false)
	require.NoError(t, err)
	ans, err := joiner.Join(ctx, offer.Code)
	require.NoError(t, err)
	require.True(t, ans.Deposited)
}

func TestAddSyncDeleteAcrossTwoNodes(t *testing.T) {
	ctx := context.Background()
	network := pipe.NewNetwork()
	rdv := rendezvous.NewMemoryStore()
	a := createTestNode(t, network, rdv, "a")
	b := createTestNode(t, network, rdv, "b")

	milk, err := a.AddItem(ctx, "buy milk")
	require.NoError(t, err)

	connect(t, a, b)

	require.Eventually(t, func() bool {
		_, ok := findItem(t, b, "buy milk")
		return ok
	}, waitFor, 10*time.Millisecond, "full sync never delivered the item")

	_, err = a.DeleteItem(ctx, milk.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := findItem(t, b, "buy milk")
		return ok && it.Deleted
	}, waitFor, 10*time.Millisecond, "tombstone never arrived")

	live, err := b.Items(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestOpsFlowBothWays(t *testing.T) {
	ctx := context.Background()
	network := pipe.NewNetwork()
	rdv := rendezvous.NewMemoryStore()
	a := createTestNode(t, network, rdv, "host")
	b := createTestNode(t, network, rdv, "guest")
	connect(t, a, b)

	require.Eventually(t, func() bool {
		st, err := b.Status(ctx)
		return err == nil && st.Status == "connected"
	}, waitFor, 10*time.Millisecond)

	_, err := b.AddItem(ctx, "from guest")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := findItem(t, a, "from guest")
		return ok
	}, waitFor, 10*time.Millisecond)

	it, _ := findItem(t, a, "from guest")
	_, err = a.UpdateItem(ctx, it.ID, "edited by host")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := b.Item(ctx, it.ID)
		return err == nil && got.Text == "edited by host"
	}, waitFor, 10*time.Millisecond)
}

func TestMeshDirectoryTracksMembers(t *testing.T) {
	network := pipe.NewNetwork()
	rdv := rendezvous.NewMemoryStore()
	a := createTestNode(t, network, rdv, "hub")
	b := createTestNode(t, network, rdv, "left")

	connect(t, a, b)

	require.Eventually(t, func() bool {
		return len(peerIDs(t, a)) == 2 && len(peerIDs(t, b)) == 2
	}, waitFor, 10*time.Millisecond, "both nodes should see each other")
	assert.Contains(t, peerIDs(t, b), "node-hub")
	assert.Contains(t, peerIDs(t, a), "node-left")

	history, err := a.PeerHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "left", history[0].Nick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	require.Eventually(t, func() bool {
		ids := peerIDs(t, a)
		return len(ids) == 1 && ids[0] == "node-hub"
	}, waitFor, 10*time.Millisecond, "departed peer should leave the directory")
}

func TestMeshStarConverges(t *testing.T) {
	network := pipe.NewNetwork()
	rdv := rendezvous.NewMemoryStore()
	hub := createTestNode(t, network, rdv, "hub")
	b := createTestNode(t, network, rdv, "b")
	c := createTestNode(t, network, rdv, "c")

	connect(t, hub, b)
	require.Eventually(t, func() bool {
		return len(peerIDs(t, hub)) == 2 && len(peerIDs(t, b)) == 2
	}, waitFor, 10*time.Millisecond)

	connect(t, hub, c)
	require.Eventually(t, func() bool {
		return len(peerIDs(t, hub)) == 3 && len(peerIDs(t, b)) == 3 && len(peerIDs(t, c)) == 3
	}, waitFor, 10*time.Millisecond, "every node should see the whole star")
	assert.Contains(t, peerIDs(t, hub), "node-b")
	assert.Contains(t, peerIDs(t, c), "node-b")
	assert.Contains(t, peerIDs(t, b), "node-c")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	require.Eventually(t, func() bool {
		h, cc := peerIDs(t, hub), peerIDs(t, c)
		return len(h) == 2 && len(cc) == 2 && !slices.Contains(h, "node-b") && !slices.Contains(cc, "node-b")
	}, waitFor, 10*time.Millisecond, "the departed leaf should leave every view")
}

func TestMalformedMessageIsDropped(t *testing.T) {
	network := pipe.NewNetwork()
	n := createTestNode(t, network, rendezvous.NewMemoryStore(), "solo")

	sess := &negotiator.Session{ID: "s1", State: negotiator.StateOpen}
	require.NoError(t, n.do(context.Background(), func() { n.handle(sess, []byte(`{"type":"gossip"}`)) }))
	assert.Equal(t, 1.0, testutil.ToFloat64(n.Metrics().MalformedMsgs))
}

func TestJoinExpiredCode(t *testing.T) {
	network := pipe.NewNetwork()
	n := createTestNode(t, network, rendezvous.NewMemoryStore(), "late")
	_, err := n.Join(context.Background(), "QQQQ")
	require.Error(t, err)
}

func TestStatusAndDiagnostics(t *testing.T) {
	ctx := context.Background()
	network := pipe.NewNetwork()
	n := createTestNode(t, network, rendezvous.NewMemoryStore(), "diag")
	_, err := n.AddItem(ctx, "one")
	require.NoError(t, err)

	st, err := n.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "disconnected", st.Status)
	assert.Equal(t, 1, st.Items)
	assert.Zero(t, st.PeerCount)

	d := n.Diagnostics(ctx)
	assert.Equal(t, "pipe", d.Transport)
	assert.True(t, d.StoreOK)
}
