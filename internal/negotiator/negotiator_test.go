package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/core"
	"github.com/bit2swaz/meshsync/internal/loop"
	"github.com/bit2swaz/meshsync/internal/protocol"
	"github.com/bit2swaz/meshsync/internal/rendezvous"
	"github.com/bit2swaz/meshsync/internal/transport"
	"github.com/bit2swaz/meshsync/internal/transport/pipe"
)

type fakeLink struct {
	ev       transport.Events
	gathered chan struct{}

	mu      sync.Mutex
	local   *transport.SessionDescription
	applied []transport.SessionDescription
	sent    [][]byte
	once    sync.Once
	closed  bool
}

func (l *fakeLink) CreateOffer(context.Context) error {
	l.mu.Lock()
	l.local = &transport.SessionDescription{Type: transport.TypeOffer, SDP: "fake-offer"}
	l.mu.Unlock()
	close(l.gathered)
	return nil
}

func (l *fakeLink) AcceptOffer(_ context.Context, _ transport.SessionDescription) error {
	l.mu.Lock()
	l.local = &transport.SessionDescription{Type: transport.TypeAnswer, SDP: "fake-answer"}
	l.mu.Unlock()
	close(l.gathered)
	return nil
}

func (l *fakeLink) ApplyAnswer(_ context.Context, a transport.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = append(l.applied, a)
	return nil
}

func (l *fakeLink) GatheringComplete() <-chan struct{} { return l.gathered }

func (l *fakeLink) LocalDescription() (transport.SessionDescription, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.local == nil {
		return transport.SessionDescription{}, false
	}
	return *l.local, true
}

func (l *fakeLink) Send(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return transport.ErrClosed
	}
	l.sent = append(l.sent, b)
	return nil
}

func (l *fakeLink) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.ev.FireClose(nil)
	})
	return nil
}

func (l *fakeLink) sentTypes(t *testing.T) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, f := range l.sent {
		m, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, m.Type())
	}
	return out
}

type fakeTransport struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) NewLink(ev transport.Events) (transport.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{ev: ev, gathered: make(chan struct{})}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeTransport) link(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[i]
}

type hookLog struct {
	mu     sync.Mutex
	opened int
	closed int
}

func testConfig() Config {
	return Config{GatherTimeout: time.Second, ConnectTimeout: 5 * time.Second, AnswerPollInterval: 10 * time.Millisecond}
}

func newNegotiator(t *testing.T, tr transport.Transport, rdv rendezvous.Store, id string, cfg Config) (*Negotiator, *hookLog) {
	t.Helper()
	lp := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go lp.Run(ctx)

	hl := &hookLog{}
	hooks := Hooks{
		OnOpen: func(*Session) {
			hl.mu.Lock()
			hl.opened++
			hl.mu.Unlock()
		},
		OnClose: func(*Session, error) {
			hl.mu.Lock()
			hl.closed++
			hl.mu.Unlock()
		},
	}
	n := New(lp, tr, rdv, core.Identity{NodeID: id, Nick: id}, cfg, hooks)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = n.Shutdown(sctx)
		cancel()
	})
	return n, hl
}

func stateOf(t *testing.T, n *Negotiator, id string) State {
	t.Helper()
	infos, err := n.Sessions(context.Background())
	require.NoError(t, err)
	for _, in := range infos {
		if in.ID == id {
			return in.State
		}
	}
	return ""
}

func answerBlob(t *testing.T) string {
	t.Helper()
	blob, err := rendezvous.Encode(rendezvous.Payload{SDP: transport.SessionDescription{Type: transport.TypeAnswer, SDP: "fake-answer"}}, false)
	require.NoError(t, err)
	return blob
}

func TestHostSessionWaitsInGathering(t *testing.T) {
	n, _ := newNegotiator(t, &fakeTransport{}, rendezvous.NewMemoryStore(), "a", testConfig())

	offer, err := n.Host(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, offer.Code)
	assert.NotEmpty(t, offer.Blob)
	assert.Equal(t, StateGathering, stateOf(t, n, offer.SessionID))

	decoded, err := rendezvous.Decode(offer.Blob)
	require.NoError(t, err)
	assert.Equal(t, "a", decoded.HostID)
	assert.False(t, decoded.AutoConnect)
}

func TestAnswerTargetsMostRecentPendingSession(t *testing.T) {
	ctx := context.Background()
	n, _ := newNegotiator(t, &fakeTransport{}, rendezvous.NewMemoryStore(), "a", testConfig())

	first, err := n.Host(ctx, true)
	require.NoError(t, err)
	second, err := n.Host(ctx, true)
	require.NoError(t, err)

	got, err := n.ApplyAnswer(ctx, answerBlob(t), "")
	require.NoError(t, err)
	assert.Equal(t, second.SessionID, got)
	assert.Equal(t, StateAwaitingRemote, stateOf(t, n, second.SessionID))
	assert.Equal(t, StateGathering, stateOf(t, n, first.SessionID))

	got, err = n.ApplyAnswer(ctx, answerBlob(t), "")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, got)

	_, err = n.ApplyAnswer(ctx, answerBlob(t), "")
	assert.True(t, apperr.IsNegotiation(err))
	assert.Contains(t, err.Error(), "no pending peer")
}

func TestAnswerRestrictedToItsCode(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AnswerPollInterval = time.Hour
	n, _ := newNegotiator(t, &fakeTransport{}, rendezvous.NewMemoryStore(), "a", cfg)

	older, err := n.Host(ctx, false)
	require.NoError(t, err)
	_, err = n.Host(ctx, false)
	require.NoError(t, err)

	got, err := n.ApplyAnswer(ctx, answerBlob(t), older.Code)
	require.NoError(t, err)
	assert.Equal(t, older.SessionID, got)
}

func TestOpenSendsIntroduceThenRequestSync(t *testing.T) {
	ft := &fakeTransport{}
	n, hl := newNegotiator(t, ft, rendezvous.NewMemoryStore(), "a", testConfig())
	ctx := context.Background()

	offer, err := n.Host(ctx, true)
	require.NoError(t, err)
	_, err = n.ApplyAnswer(ctx, answerBlob(t), "")
	require.NoError(t, err)

	ft.link(0).ev.FireOpen()
	require.Eventually(t, func() bool { return stateOf(t, n, offer.SessionID) == StateOpen }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.TypeIntroduce, protocol.TypeRequestSync}, ft.link(0).sentTypes(t))

	hl.mu.Lock()
	assert.Equal(t, 1, hl.opened)
	hl.mu.Unlock()

	status, open, err := n.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "connected", status)
	assert.Equal(t, 1, open)
}

func TestCloseIsIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	n, hl := newNegotiator(t, ft, rendezvous.NewMemoryStore(), "a", testConfig())
	ctx := context.Background()

	offer, err := n.Host(ctx, true)
	require.NoError(t, err)
	_, err = n.ApplyAnswer(ctx, answerBlob(t), "")
	require.NoError(t, err)
	ft.link(0).ev.FireOpen()
	require.Eventually(t, func() bool { return stateOf(t, n, offer.SessionID) == StateOpen }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, n.Close(ctx, offer.SessionID))
	require.NoError(t, n.Close(ctx, offer.SessionID))
	require.NoError(t, n.Close(ctx, "nope"))
	ft.link(0).ev.FireClose(errors.New("late duplicate"))

	// flush posted events
	_, err = n.Sessions(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, stateOf(t, n, offer.SessionID))
	assert.Contains(t, ft.link(0).sentTypes(t), protocol.TypeDisconnect)
	hl.mu.Lock()
	assert.Equal(t, 1, hl.closed)
	hl.mu.Unlock()
}

func TestConnectTimeoutFails(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	n, _ := newNegotiator(t, &fakeTransport{}, rendezvous.NewMemoryStore(), "a", cfg)
	ctx := context.Background()

	offer, err := n.Host(ctx, true)
	require.NoError(t, err)
	_, err = n.ApplyAnswer(ctx, answerBlob(t), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return stateOf(t, n, offer.SessionID) == StateFailed }, 2*time.Second, 10*time.Millisecond)
}

func TestTransportErrorFailsSession(t *testing.T) {
	ft := &fakeTransport{}
	n, _ := newNegotiator(t, ft, rendezvous.NewMemoryStore(), "a", testConfig())
	offer, err := n.Host(context.Background(), true)
	require.NoError(t, err)

	ft.link(0).ev.FireClose(errors.New("ice failed"))
	require.Eventually(t, func() bool { return stateOf(t, n, offer.SessionID) == StateFailed }, 2*time.Second, 5*time.Millisecond)
}

func TestJoinUnknownCodeIsMiss(t *testing.T) {
	n, _ := newNegotiator(t, &fakeTransport{}, rendezvous.NewMemoryStore(), "b", testConfig())
	_, err := n.Join(context.Background(), "ZZZZ")
	assert.True(t, apperr.IsRendezvousMiss(err))
}

func TestJoinOwnOfferRejected(t *testing.T) {
	rdv := rendezvous.NewMemoryStore()
	n, _ := newNegotiator(t, &fakeTransport{}, rdv, "a", testConfig())
	offer, err := n.Host(context.Background(), true)
	require.NoError(t, err)
	_, err = n.Join(context.Background(), offer.Blob)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func newPipePair(t *testing.T, rdv rendezvous.Store, names ...string) []*Negotiator {
	t.Helper()
	network := pipe.NewNetwork()
	var out []*Negotiator
	for _, name := range names {
		tr, err := network.Transport(name, nil)
		require.NoError(t, err)
		t.Cleanup(func() { tr.Close() })
		n, _ := newNegotiator(t, tr, rdv, name, testConfig())
		out = append(out, n)
	}
	return out
}

func openCount(t *testing.T, n *Negotiator) int {
	_, open, err := n.Status(context.Background())
	require.NoError(t, err)
	return open
}

func TestCodeExchangeOpensBothSides(t *testing.T) {
	rdv := rendezvous.NewMemoryStore()
	nodes := newPipePair(t, rdv, "host", "joiner")
	host, joiner := nodes[0], nodes[1]
	ctx := context.Background()

	offer, err := host.Host(ctx, false)
	require.NoError(t, err)
	require.True(t, rendezvous.IsCode(offer.Code))

	ans, err := joiner.Join(ctx, offer.Code)
	require.NoError(t, err)
	assert.True(t, ans.Deposited)

	require.Eventually(t, func() bool {
		return openCount(t, host) == 1 && openCount(t, joiner) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = joiner.Join(ctx, offer.Code)
	assert.True(t, apperr.IsAlreadyConnected(err), "got %v", err)
}

func TestManualExchange(t *testing.T) {
	nodes := newPipePair(t, rendezvous.NewMemoryStore(), "m-host", "m-joiner")
	host, joiner := nodes[0], nodes[1]
	ctx := context.Background()

	offer, err := host.Host(ctx, true)
	require.NoError(t, err)
	ans, err := joiner.Join(ctx, offer.Blob)
	require.NoError(t, err)
	assert.False(t, ans.Deposited)

	_, err = host.ApplyAnswer(ctx, ans.Blob, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return openCount(t, host) == 1 && openCount(t, joiner) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSharedCodeServesSeveralJoiners(t *testing.T) {
	rdv := rendezvous.NewMemoryStore()
	nodes := newPipePair(t, rdv, "s-host", "s-one", "s-two")
	host := nodes[0]
	ctx := context.Background()

	offer, err := host.Host(ctx, false)
	require.NoError(t, err)

	for i, j := range nodes[1:] {
		_, err := j.Join(ctx, offer.Code)
		require.NoError(t, err, fmt.Sprintf("joiner %d", i))
		want := i + 1
		require.Eventually(t, func() bool { return openCount(t, host) == want }, 5*time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, 1, openCount(t, nodes[1]))
	assert.Equal(t, 1, openCount(t, nodes[2]))
}

func TestShutdownClosesEverything(t *testing.T) {
	rdv := rendezvous.NewMemoryStore()
	nodes := newPipePair(t, rdv, "x-host", "x-joiner")
	host, joiner := nodes[0], nodes[1]
	ctx := context.Background()

	offer, err := host.Host(ctx, false)
	require.NoError(t, err)
	_, err = joiner.Join(ctx, offer.Code)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return openCount(t, joiner) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, host.Shutdown(ctx))
	require.Eventually(t, func() bool { return openCount(t, joiner) == 0 }, 5*time.Second, 10*time.Millisecond)
}
