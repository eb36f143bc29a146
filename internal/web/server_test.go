package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/engine"
	"github.com/bit2swaz/meshsync/internal/metrics"
	"github.com/bit2swaz/meshsync/internal/negotiator"
	"github.com/bit2swaz/meshsync/internal/store"
)

// MockNode implements Node over a map.
type MockNode struct {
	items      map[string]store.Item
	putErr     error
	joinErr    error
	lastManual bool
	closed     []string
	imported   []byte
}

func newMockNode() *MockNode {
	return &MockNode{items: make(map[string]store.Item)}
}

func (m *MockNode) Items(_ context.Context, withDeleted bool) ([]store.Item, error) {
	var out []store.Item
	for _, it := range m.items {
		if withDeleted || !it.Deleted {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *MockNode) Item(_ context.Context, id string) (store.Item, error) {
	it, ok := m.items[id]
	if !ok {
		return store.Item{}, apperr.New(apperr.KindNotFound, "get item", "no item "+id)
	}
	return it, nil
}

func (m *MockNode) AddItem(_ context.Context, text string) (store.Item, error) {
	it := store.Item{ID: "item-1", Text: text, UpdatedAt: "2026-01-01T00:00:00.000000000Z"}
	m.items[it.ID] = it
	return it, m.putErr
}

func (m *MockNode) UpdateItem(_ context.Context, id, text string) (store.Item, error) {
	it, ok := m.items[id]
	if !ok {
		return store.Item{}, apperr.New(apperr.KindNotFound, "update item", "no item "+id)
	}
	it.Text = text
	m.items[id] = it
	return it, m.putErr
}

func (m *MockNode) DeleteItem(_ context.Context, id string) (store.Item, error) {
	it, ok := m.items[id]
	if !ok {
		return store.Item{}, apperr.New(apperr.KindNotFound, "delete item", "no item "+id)
	}
	it.Deleted = true
	m.items[id] = it
	return it, m.putErr
}

func (m *MockNode) Export(context.Context) ([]byte, error) {
	return []byte(`{"items":{}}`), nil
}

func (m *MockNode) Import(_ context.Context, data []byte) (int, error) {
	m.imported = data
	return 2, m.putErr
}

func (m *MockNode) Peers(context.Context) ([]store.Peer, error) {
	return []store.Peer{{ID: "self", Nick: "me"}, {ID: "other", Nick: "you"}}, nil
}

func (m *MockNode) PeerHistory() ([]store.Peer, error) {
	return []store.Peer{{ID: "other", Nick: "you"}}, nil
}

func (m *MockNode) Sessions(context.Context) ([]negotiator.Info, error) {
	return []negotiator.Info{{ID: "s1", Role: negotiator.RoleHost, State: negotiator.StateOpen}}, nil
}

func (m *MockNode) CloseSession(_ context.Context, id string) error {
	if id != "s1" {
		return apperr.New(apperr.KindNotFound, "close session", "no session "+id)
	}
	m.closed = append(m.closed, id)
	return nil
}

func (m *MockNode) Host(_ context.Context, manual bool) (negotiator.Offer, error) {
	m.lastManual = manual
	offer := negotiator.Offer{SessionID: "s1", Blob: "blob"}
	if !manual {
		offer.Code = "AB12"
	}
	return offer, nil
}

func (m *MockNode) Join(_ context.Context, input string) (negotiator.Answer, error) {
	if m.joinErr != nil {
		return negotiator.Answer{}, m.joinErr
	}
	return negotiator.Answer{SessionID: "s2", Code: input, Blob: "answer", Deposited: true}, nil
}

func (m *MockNode) ApplyAnswer(_ context.Context, blob, code string) (string, error) {
	if blob == "stale" {
		return "", apperr.New(apperr.KindNegotiation, "apply answer", "no session awaiting an answer")
	}
	return "s1", nil
}

func (m *MockNode) Status(context.Context) (engine.Status, error) {
	return engine.Status{NodeID: "self", Status: "connected", OpenSessions: 1, PeerCount: 1}, nil
}

func (m *MockNode) Diagnostics(context.Context) engine.Diagnostics {
	return engine.Diagnostics{Transport: "tcp", Rendezvous: "memory", StoreOK: true, RendezvousOK: true}
}

func setupTestServer(t *testing.T) (*Client, *MockNode, *httptest.Server) {
	t.Helper()
	node := newMockNode()
	srv := httptest.NewServer(NewServer(node, metrics.NewCollector("test"), "", nil).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL), node, srv
}

func TestItemLifecycle(t *testing.T) {
	client, _, _ := setupTestServer(t)
	ctx := context.Background()

	it, err := client.AddItem(ctx, "buy milk")
	require.NoError(t, err)
	assert.Equal(t, "buy milk", it.Text)

	it, err = client.UpdateItem(ctx, it.ID, "buy oat milk")
	require.NoError(t, err)
	assert.Equal(t, "buy oat milk", it.Text)

	_, err = client.DeleteItem(ctx, it.ID)
	require.NoError(t, err)

	live, err := client.Items(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := client.Items(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	client, node, _ := setupTestServer(t)
	ctx := context.Background()

	_, err := client.Item(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	node.joinErr = apperr.New(apperr.KindRendezvousMiss, "join", "code ZZZZ")
	_, err = client.Join(ctx, "ZZZZ")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.True(t, apperr.IsRendezvousMiss(err))
	assert.Contains(t, err.Error(), "expired or not found")

	node.joinErr = apperr.New(apperr.KindAlreadyConnected, "join", "peer x")
	_, err = client.Join(ctx, "AB12")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	node.joinErr = apperr.Wrap(apperr.KindTransport, "join", errors.New("dial failed"))
	_, err = client.Join(ctx, "AB12")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)

	_, err = client.ApplyAnswer(ctx, "stale", "")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestBadRequestBody(t *testing.T) {
	_, _, srv := setupTestServer(t)

	resp, err := http.Post(srv.URL+"/api/items", "application/json", strings.NewReader(`{"text":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/api/join", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestPersistenceFailureStillReturnsItem(t *testing.T) {
	client, node, _ := setupTestServer(t)
	node.putErr = apperr.Wrap(apperr.KindPersistence, "put item", errors.New("disk full"))

	ctx := context.Background()

	it, err := client.AddItem(ctx, "kept in memory")
	require.Error(t, err)
	assert.True(t, apperr.IsPersistence(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "kept in memory", it.Text)
	assert.Equal(t, "item-1", it.ID)

	it, err = client.UpdateItem(ctx, "item-1", "edited")
	assert.True(t, apperr.IsPersistence(err))
	assert.Equal(t, "edited", it.Text)

	it, err = client.DeleteItem(ctx, "item-1")
	assert.True(t, apperr.IsPersistence(err))
	assert.True(t, it.Deleted)

	applied, err := client.Import(ctx, []byte(`{"items":{}}`))
	assert.True(t, apperr.IsPersistence(err))
	assert.Equal(t, 2, applied)
}

func TestPersistenceFailureReplyCarriesResult(t *testing.T) {
	_, node, srv := setupTestServer(t)
	node.putErr = apperr.Wrap(apperr.KindPersistence, "put item", errors.New("disk full"))

	resp, err := http.Post(srv.URL+"/api/items", "application/json", strings.NewReader(`{"text":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body struct {
		Kind   apperr.Kind `json:"kind"`
		Result store.Item  `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, apperr.KindPersistence, body.Kind)
	assert.Equal(t, "x", body.Result.Text)
}

func TestOfferJoinAnswer(t *testing.T) {
	client, node, _ := setupTestServer(t)
	ctx := context.Background()

	offer, err := client.Host(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "AB12", offer.Code)
	assert.False(t, node.lastManual)

	offer, err = client.Host(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, offer.Code)
	assert.True(t, node.lastManual)

	ans, err := client.Join(ctx, "AB12")
	require.NoError(t, err)
	assert.True(t, ans.Deposited)

	id, err := client.ApplyAnswer(ctx, "answer", "AB12")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
}

func TestOfferWithoutBody(t *testing.T) {
	_, node, srv := setupTestServer(t)
	resp, err := http.Post(srv.URL+"/api/offers", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.False(t, node.lastManual)
}

func TestSessionsAndPeers(t *testing.T) {
	client, node, _ := setupTestServer(t)
	ctx := context.Background()

	sessions, err := client.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, negotiator.StateOpen, sessions[0].State)

	require.NoError(t, client.CloseSession(ctx, "s1"))
	assert.Equal(t, []string{"s1"}, node.closed)
	assert.Error(t, client.CloseSession(ctx, "nope"))

	peers, err := client.Peers(ctx)
	require.NoError(t, err)
	assert.Len(t, peers, 2)

	history, err := client.PeerHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestExportImport(t *testing.T) {
	client, node, _ := setupTestServer(t)
	ctx := context.Background()

	doc, err := client.Export(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":{}}`, string(doc))

	applied, err := client.Import(ctx, []byte(`{"items":{"a":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.JSONEq(t, `{"items":{"a":{}}}`, string(node.imported))
}

func TestStatusDiagnosticsAndMetrics(t *testing.T) {
	client, _, srv := setupTestServer(t)
	ctx := context.Background()

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "connected", st.Status)

	d, err := client.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", d.Rendezvous)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `route="/api/status"`)
}
