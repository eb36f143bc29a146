// Package engine wires one peer together: the event loop, the item
// collection, the mesh directory and the negotiator, plus the message
// dispatch between them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/config"
	"github.com/bit2swaz/meshsync/internal/core"
	"github.com/bit2swaz/meshsync/internal/loop"
	"github.com/bit2swaz/meshsync/internal/mesh"
	"github.com/bit2swaz/meshsync/internal/metrics"
	"github.com/bit2swaz/meshsync/internal/negotiator"
	"github.com/bit2swaz/meshsync/internal/protocol"
	"github.com/bit2swaz/meshsync/internal/rendezvous"
	"github.com/bit2swaz/meshsync/internal/replication"
	"github.com/bit2swaz/meshsync/internal/store"
	"github.com/bit2swaz/meshsync/internal/transport"
	"github.com/bit2swaz/meshsync/internal/transport/tcp"
	"github.com/bit2swaz/meshsync/internal/transport/webrtc"
)

// PeerHistory is the durable record of every identity met.
type PeerHistory interface {
	RecordPeer(p store.Peer) error
	History() ([]store.Peer, error)
}

// Deps are the collaborators a Node runs on.
type Deps struct {
	Transport  transport.Transport
	Rendezvous rendezvous.Store
	Items      replication.Persister
	History    PeerHistory
	Metrics    *metrics.Collector
	Logger     *zap.Logger
	// Closers run on Stop after the transport shuts down.
	Closers []func() error
}

type Node struct {
	self    core.Identity
	cfg     config.Config
	log     *zap.Logger
	loop    *loop.Loop
	items   *replication.Engine
	mesh    *mesh.Directory
	neg     *negotiator.Negotiator
	tr      transport.Transport
	rdv     rendezvous.Store
	history PeerHistory
	metrics *metrics.Collector
	closers []func() error

	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

func New(self core.Identity, cfg config.Config, deps Deps) *Node {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewCollector("meshsync")
	}
	n := &Node{
		self:    self,
		cfg:     cfg,
		log:     log,
		loop:    loop.New(),
		tr:      deps.Transport,
		rdv:     deps.Rendezvous,
		history: deps.History,
		metrics: m,
		closers: deps.Closers,
	}

	n.neg = negotiator.New(n.loop, deps.Transport, deps.Rendezvous, self, negotiator.Config{
		Compress:           cfg.Compress,
		GatherTimeout:      cfg.GatherTimeout,
		ConnectTimeout:     cfg.ConnectTimeout,
		AnswerPollInterval: cfg.AnswerPollInterval,
	}, negotiator.Hooks{
		OnOpen:    n.onOpen,
		OnMessage: n.handle,
		OnClose:   n.onClose,
	}, negotiator.WithObserver(m), negotiator.WithLogger(log.Named("negotiator")))

	var hist mesh.History
	if deps.History != nil {
		hist = deps.History
	}
	n.mesh = mesh.NewDirectory(self.NodeID, self.Nick, n.neg, hist, log.Named("mesh"))
	n.items = replication.New(deps.Items, n.neg, self.NodeID,
		replication.WithObserver(m),
		replication.WithLogger(log.Named("replication")))
	n.items.OnChange(func(snap []store.Item) {
		live, tomb := 0, 0
		for _, it := range snap {
			if it.Deleted {
				tomb++
			} else {
				live++
			}
		}
		m.SetItems(live, tomb)
	})
	return n
}

// Open builds a node from configuration: identity file, sqlite store,
// transport and rendezvous backend.
func Open(cfg config.Config, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	self, err := core.LoadOrGenerateIdentity(cfg.IdentityPath, cfg.Nick)
	if err != nil {
		return nil, err
	}

	db, err := store.Init(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	closers := []func() error{func() error { return store.Close(db) }}
	fail := func(err error) (*Node, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}

	tr, err := newTransport(cfg, log)
	if err != nil {
		return fail(err)
	}

	rdv, err := newRendezvous(cfg, log)
	if err != nil {
		_ = tr.Close()
		return fail(err)
	}
	if c, ok := rdv.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	return New(self, cfg, Deps{
		Transport:  tr,
		Rendezvous: rdv,
		Items:      store.NewItems(db),
		History:    store.NewPeers(db),
		Logger:     log,
		Closers:    closers,
	}), nil
}

func newTransport(cfg config.Config, log *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case "webrtc":
		return webrtc.New(cfg.ICEServers, log.Named("webrtc")), nil
	default:
		return tcp.New(tcp.Options{
			ListenAddr:    cfg.ListenAddr,
			AdvertiseHost: cfg.AdvertiseHost,
			Logger:        log.Named("tcp"),
			ParkTimeout:   cfg.ConnectTimeout,
		})
	}
}

func newRendezvous(cfg config.Config, log *zap.Logger) (rendezvous.Store, error) {
	switch cfg.Rendezvous {
	case "redis":
		return rendezvous.NewRedisStore(cfg.RedisURL, cfg.CodeTTL, cfg.CodeLength, log.Named("rendezvous"))
	default:
		return rendezvous.NewMemoryStore(
			rendezvous.WithTTL(cfg.CodeTTL),
			rendezvous.WithCodeLength(cfg.CodeLength),
		), nil
	}
}

// Start loads persisted items and runs the event loop until Stop.
func (n *Node) Start(ctx context.Context) error {
	if err := n.items.Load(ctx); err != nil {
		return err
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.started = time.Now()
	go n.loop.Run(n.ctx)
	n.log.Info("Node started",
		zap.String("node", n.self.NodeID),
		zap.String("nick", n.self.Nick),
		zap.String("transport", n.tr.Name()))
	return nil
}

// Stop says goodbye to every peer and releases the transport and stores.
func (n *Node) Stop(ctx context.Context) error {
	var errs []error
	if err := n.neg.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if n.cancel != nil {
		n.cancel()
	}
	if err := n.tr.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range n.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	n.log.Info("Node stopped", zap.String("node", n.self.NodeID))
	return errors.Join(errs...)
}

func (n *Node) Identity() core.Identity { return n.self }

func (n *Node) Metrics() *metrics.Collector { return n.metrics }

// onOpen runs after the negotiator has sent introduce and request_sync.
func (n *Node) onOpen(s *negotiator.Session) {
	n.log.Info("Peer connected", zap.String("session", s.ID), zap.String("role", string(s.Role)))
}

func (n *Node) onClose(s *negotiator.Session, err error) {
	// A peer_list may already have dropped the entry; Remove still clears
	// the direct mark and announces the departure.
	if s.RemoteID == "" {
		return
	}
	for _, other := range n.neg.Registry().Open() {
		if other.RemoteID == s.RemoteID {
			return
		}
	}
	n.mesh.Remove(s.RemoteID)
}

// handle dispatches one frame from an open session. It runs on the loop.
func (n *Node) handle(s *negotiator.Session, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		n.metrics.Malformed()
		n.log.Warn("Dropping malformed message", zap.String("session", s.ID), zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case protocol.Op:
		if err := n.items.Receive(n.ctx, m); err != nil {
			n.log.Error("Failed to apply op", zap.String("id", m.ID), zap.Error(err))
		}
	case protocol.Introduce:
		n.neg.Identify(s, m.ID, m.Nick)
		n.mesh.Add(m.ID, m.Nick, s.Role == negotiator.RoleJoiner)
	case protocol.RequestSync:
		if err := n.neg.Send(s, protocol.FullSync{Items: n.items.Snapshot()}); err != nil {
			n.log.Warn("Full sync not sent", zap.String("session", s.ID), zap.Error(err))
		}
	case protocol.FullSync:
		applied, err := n.items.MergeAll(n.ctx, m.Items)
		if err != nil {
			n.log.Error("Full sync only partly persisted", zap.Error(err))
		}
		n.log.Info("Full sync merged", zap.String("session", s.ID), zap.Int("received", len(m.Items)), zap.Int("applied", applied))
	case protocol.PeerList:
		n.mesh.Replace(m.Peers)
	case protocol.Disconnect:
		n.log.Info("Peer said goodbye", zap.String("session", s.ID))
		n.neg.End(s)
	}
}

func (n *Node) do(ctx context.Context, fn func()) error {
	if err := n.loop.Do(ctx, fn); err != nil {
		if errors.Is(err, loop.ErrStopped) {
			return apperr.New(apperr.KindValidation, "node", "node is not running")
		}
		return err
	}
	return nil
}

func (n *Node) AddItem(ctx context.Context, text string) (store.Item, error) {
	var it store.Item
	var opErr error
	if err := n.do(ctx, func() { it, opErr = n.items.ApplyLocalEdit(n.ctx, text) }); err != nil {
		return store.Item{}, err
	}
	return it, opErr
}

func (n *Node) UpdateItem(ctx context.Context, id, text string) (store.Item, error) {
	var it store.Item
	var opErr error
	if err := n.do(ctx, func() { it, opErr = n.items.ApplyLocalUpdate(n.ctx, id, text) }); err != nil {
		return store.Item{}, err
	}
	return it, opErr
}

func (n *Node) DeleteItem(ctx context.Context, id string) (store.Item, error) {
	var it store.Item
	var opErr error
	if err := n.do(ctx, func() { it, opErr = n.items.ApplyLocalDelete(n.ctx, id) }); err != nil {
		return store.Item{}, err
	}
	return it, opErr
}

// Items returns the snapshot, optionally without tombstones.
func (n *Node) Items(ctx context.Context, withDeleted bool) ([]store.Item, error) {
	var snap []store.Item
	if err := n.do(ctx, func() { snap = n.items.Snapshot() }); err != nil {
		return nil, err
	}
	if withDeleted {
		return snap, nil
	}
	live := snap[:0]
	for _, it := range snap {
		if !it.Deleted {
			live = append(live, it)
		}
	}
	return live, nil
}

func (n *Node) Item(ctx context.Context, id string) (store.Item, error) {
	var it store.Item
	var ok bool
	if err := n.do(ctx, func() { it, ok = n.items.Get(id) }); err != nil {
		return store.Item{}, err
	}
	if !ok {
		return store.Item{}, apperr.New(apperr.KindNotFound, "get item", "no item "+id)
	}
	return it, nil
}

func (n *Node) Export(ctx context.Context) ([]byte, error) {
	var doc []byte
	var opErr error
	if err := n.do(ctx, func() { doc, opErr = n.items.Export() }); err != nil {
		return nil, err
	}
	return doc, opErr
}

func (n *Node) Import(ctx context.Context, data []byte) (int, error) {
	var applied int
	var opErr error
	if err := n.do(ctx, func() { applied, opErr = n.items.Import(n.ctx, data) }); err != nil {
		return 0, err
	}
	return applied, opErr
}

// Peers is the current mesh view.
func (n *Node) Peers(ctx context.Context) ([]store.Peer, error) {
	var peers []store.Peer
	err := n.do(ctx, func() { peers = n.mesh.Entries() })
	return peers, err
}

// PeerHistory lists every identity ever recorded.
func (n *Node) PeerHistory() ([]store.Peer, error) {
	if n.history == nil {
		return nil, nil
	}
	return n.history.History()
}

func (n *Node) Sessions(ctx context.Context) ([]negotiator.Info, error) {
	return n.neg.Sessions(ctx)
}

func (n *Node) CloseSession(ctx context.Context, id string) error {
	return n.neg.Close(ctx, id)
}

// Host publishes a new offer. The node marks itself as a host in the mesh.
func (n *Node) Host(ctx context.Context, manual bool) (negotiator.Offer, error) {
	offer, err := n.neg.Host(ctx, manual)
	if err != nil {
		return offer, err
	}
	_ = n.do(ctx, func() { n.mesh.SetHost(true) })
	return offer, nil
}

func (n *Node) Join(ctx context.Context, input string) (negotiator.Answer, error) {
	return n.neg.Join(ctx, input)
}

func (n *Node) ApplyAnswer(ctx context.Context, blob, code string) (string, error) {
	return n.neg.ApplyAnswer(ctx, blob, code)
}

// Status is the one-line health of a node.
type Status struct {
	NodeID       string `json:"nodeId"`
	Nick         string `json:"nick"`
	Status       string `json:"status"`
	OpenSessions int    `json:"openSessions"`
	PeerCount    int    `json:"peerCount"`
	Items        int    `json:"items"`
	Tombstones   int    `json:"tombstones"`
}

func (n *Node) Status(ctx context.Context) (Status, error) {
	st := Status{NodeID: n.self.NodeID, Nick: n.self.Nick}
	status, open, err := n.neg.Status(ctx)
	if err != nil {
		return st, err
	}
	st.Status, st.OpenSessions = status, open
	err = n.do(ctx, func() {
		st.PeerCount = n.mesh.Len() - 1
		st.Items, st.Tombstones = n.items.Counts()
	})
	return st, err
}

// Diagnostics describes how the node is wired.
type Diagnostics struct {
	Transport    string `json:"transport"`
	Rendezvous   string `json:"rendezvous"`
	StoreOK      bool   `json:"storeOk"`
	StoreError   string `json:"storeError,omitempty"`
	RendezvousOK bool   `json:"rendezvousOk"`
	Uptime       string `json:"uptime"`
}

func (n *Node) Diagnostics(ctx context.Context) Diagnostics {
	d := Diagnostics{
		Transport:    n.tr.Name(),
		Rendezvous:   n.cfg.Rendezvous,
		StoreOK:      true,
		RendezvousOK: true,
		Uptime:       time.Since(n.started).Round(time.Second).String(),
	}
	if _, err := n.PeerHistory(); err != nil {
		d.StoreOK, d.StoreError = false, err.Error()
	}
	if p, ok := n.rdv.(interface{ Ping(context.Context) error }); ok {
		d.RendezvousOK = p.Ping(ctx) == nil
	}
	return d
}
