// Package mesh tracks which identities make up the current mesh.
//
// The view is replaced wholesale by every peer_list received, except that
// peers this node holds an open session with always survive. When a received
// list lacked one of them, the repaired view is broadcast back. Peers two
// hops away can still be briefly overwritten when two nodes change
// membership at the same moment, until the next add or remove re-broadcasts.
package mesh

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/protocol"
	"github.com/bit2swaz/meshsync/internal/store"
)

type Broadcaster interface {
	Broadcast(m protocol.Message)
}

// History records every identity ever seen.
type History interface {
	RecordPeer(p store.Peer) error
}

// Directory is owned by the node's event loop.
type Directory struct {
	self    store.Peer
	entries map[string]store.Peer
	// direct holds identities with an open session to this node.
	direct  map[string]bool
	out     Broadcaster
	history History
	now     func() time.Time
	log     *zap.Logger
}

func NewDirectory(selfID, selfNick string, out Broadcaster, history History, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Directory{
		entries: make(map[string]store.Peer),
		direct:  make(map[string]bool),
		out:     out,
		history: history,
		now:     time.Now,
		log:     log,
	}
	d.self = store.Peer{ID: selfID, Nick: selfNick, ConnectedAt: d.now()}
	d.entries[selfID] = d.self
	return d
}

func (d *Directory) Self() store.Peer { return d.self }

// SetHost marks whether the local node is hosting and broadcasts the
// change.
func (d *Directory) SetHost(isHost bool) {
	if d.self.IsHost == isHost {
		return
	}
	d.self.IsHost = isHost
	d.entries[d.self.ID] = d.self
	d.broadcast()
}

// Add records identity as directly connected and broadcasts the full list.
func (d *Directory) Add(id, nick string, isHost bool) {
	if id == "" || id == d.self.ID {
		return
	}
	now := d.now()
	p := store.Peer{ID: id, Nick: nick, IsHost: isHost, ConnectedAt: now}
	if cur, ok := d.entries[id]; ok && !cur.ConnectedAt.IsZero() {
		p.ConnectedAt = cur.ConnectedAt
	}
	d.entries[id] = p
	d.direct[id] = true

	if d.history != nil {
		rec := p
		rec.LastSeen = now
		if err := d.history.RecordPeer(rec); err != nil {
			d.log.Warn("Failed to record peer", zap.String("peer", id), zap.Error(err))
		}
	}
	d.broadcast()
}

// Remove drops identity and broadcasts the full list. Removing an unknown
// identity still broadcasts, so peers converge on the local view.
func (d *Directory) Remove(id string) {
	if id == d.self.ID {
		return
	}
	delete(d.entries, id)
	delete(d.direct, id)
	d.broadcast()
}

// Replace adopts a received list. The local entry and directly connected
// peers always survive; if the list was missing any of the latter, the
// repaired view is broadcast.
func (d *Directory) Replace(peers []store.Peer) {
	next := make(map[string]store.Peer, len(peers)+1)
	for _, p := range peers {
		if p.ID == "" || p.ID == d.self.ID {
			continue
		}
		next[p.ID] = p
	}
	repaired := false
	for id := range d.direct {
		if _, ok := next[id]; ok {
			continue
		}
		if p, ok := d.entries[id]; ok {
			next[id] = p
			repaired = true
		}
	}
	next[d.self.ID] = d.self
	d.entries = next
	if repaired {
		d.broadcast()
	}
}

func (d *Directory) Has(id string) bool {
	_, ok := d.entries[id]
	return ok
}

// Entries returns members ordered by connection time, then id.
func (d *Directory) Entries() []store.Peer {
	out := make([]store.Peer, 0, len(d.entries))
	for _, p := range d.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) Len() int { return len(d.entries) }

func (d *Directory) broadcast() {
	d.out.Broadcast(protocol.PeerList{Peers: d.Entries()})
}
