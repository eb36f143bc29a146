// Package replication holds the item collection and its last-writer-wins
// merge. An Engine is not safe for concurrent use; the node calls it from
// its event loop only.
package replication

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/core"
	"github.com/bit2swaz/meshsync/internal/protocol"
	"github.com/bit2swaz/meshsync/internal/store"
)

// Persister is the durable half of the collection.
type Persister interface {
	PutItem(ctx context.Context, item store.Item) error
	GetAllItems(ctx context.Context) ([]store.Item, error)
}

type Broadcaster interface {
	Broadcast(m protocol.Message)
}

// Observer is told about every merge decision.
type Observer interface {
	OpApplied(source string)
	OpDiscarded(source string)
}

const (
	SourceLocal  = "local"
	SourceRemote = "remote"
	SourceSync   = "sync"
	SourceImport = "import"
)

type Engine struct {
	items    map[string]store.Item
	db       Persister
	out      Broadcaster
	clock    *core.Clock
	author   string
	log      *zap.Logger
	observer Observer
	subs     []func([]store.Item)
}

type Option func(*Engine)

func WithClock(c *core.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func New(db Persister, out Broadcaster, author string, opts ...Option) *Engine {
	e := &Engine{
		items:  make(map[string]store.Item),
		db:     db,
		out:    out,
		clock:  core.NewClock(nil),
		author: author,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load replaces the in-memory collection with the durable one.
func (e *Engine) Load(ctx context.Context) error {
	items, err := e.db.GetAllItems(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, "load items", err)
	}
	e.items = make(map[string]store.Item, len(items))
	for _, it := range items {
		e.items[it.ID] = it
	}
	e.log.Info("Loaded items", zap.Int("count", len(items)))
	return nil
}

// OnChange registers fn to receive the sorted snapshot after every change.
func (e *Engine) OnChange(fn func([]store.Item)) {
	e.subs = append(e.subs, fn)
}

// Merge applies item if it is unknown or strictly newer than the held
// version. The returned error is a persistence failure only; the in-memory
// collection keeps the winner either way.
func (e *Engine) Merge(ctx context.Context, item store.Item, source string) (bool, error) {
	if cur, ok := e.items[item.ID]; ok && !wins(item, cur) {
		if e.observer != nil {
			e.observer.OpDiscarded(source)
		}
		return false, nil
	}
	e.items[item.ID] = item
	if e.observer != nil {
		e.observer.OpApplied(source)
	}

	err := e.db.PutItem(ctx, item)
	if err != nil {
		e.log.Error("Failed to persist item", zap.String("id", item.ID), zap.Error(err))
		err = apperr.Wrap(apperr.KindPersistence, "persist item", err)
	}
	e.publish()
	return true, err
}

func (e *Engine) ApplyLocalEdit(ctx context.Context, text string) (store.Item, error) {
	if strings.TrimSpace(text) == "" {
		return store.Item{}, apperr.New(apperr.KindValidation, "add item", "text is empty")
	}
	item := store.Item{
		ID:        core.NewItemID(),
		Text:      text,
		UpdatedAt: e.clock.Next(""),
		Author:    e.author,
	}
	return item, e.local(ctx, protocol.OpUpsert, item)
}

func (e *Engine) ApplyLocalUpdate(ctx context.Context, id, text string) (store.Item, error) {
	if strings.TrimSpace(text) == "" {
		return store.Item{}, apperr.New(apperr.KindValidation, "update item", "text is empty")
	}
	cur, ok := e.items[id]
	if !ok || cur.Deleted {
		return store.Item{}, apperr.New(apperr.KindNotFound, "update item", "no item "+id)
	}
	item := cur
	item.Text = text
	item.Author = e.author
	item.UpdatedAt = e.clock.Next(cur.UpdatedAt)
	return item, e.local(ctx, protocol.OpUpsert, item)
}

// ApplyLocalDelete replaces the item with a tombstone that keeps its text.
func (e *Engine) ApplyLocalDelete(ctx context.Context, id string) (store.Item, error) {
	cur, ok := e.items[id]
	if !ok || cur.Deleted {
		return store.Item{}, apperr.New(apperr.KindNotFound, "delete item", "no item "+id)
	}
	item := cur
	item.Deleted = true
	item.UpdatedAt = e.clock.Next(cur.UpdatedAt)
	return item, e.local(ctx, protocol.OpDelete, item)
}

// local merges and broadcasts even when persisting fails.
func (e *Engine) local(ctx context.Context, kind protocol.OpKind, item store.Item) error {
	_, err := e.Merge(ctx, item, SourceLocal)
	e.out.Broadcast(protocol.Op{Kind: kind, ID: item.ID, Item: item})
	return err
}

// Receive merges a peer's op without forwarding it. A delete that names only
// an id tombstones the held item, keeping its text and author, with a fresh
// timestamp; an unknown or already deleted id is ignored.
func (e *Engine) Receive(ctx context.Context, op protocol.Op) error {
	item := op.Item
	if !op.HasItem() {
		cur, ok := e.items[op.ID]
		if op.Kind != protocol.OpDelete || !ok || cur.Deleted {
			if e.observer != nil {
				e.observer.OpDiscarded(SourceRemote)
			}
			return nil
		}
		item = cur
		item.Deleted = true
		item.UpdatedAt = e.clock.Next(cur.UpdatedAt)
	}
	_, err := e.Merge(ctx, item, SourceRemote)
	return err
}

// MergeAll merges a full sync. It returns the number of items applied and
// the first persistence failure.
func (e *Engine) MergeAll(ctx context.Context, items []store.Item) (int, error) {
	applied := 0
	var firstErr error
	for _, it := range items {
		ok, err := e.Merge(ctx, it, SourceSync)
		if ok {
			applied++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return applied, firstErr
}

// Snapshot returns every item, tombstones included, ordered by
// (updatedAt, id).
func (e *Engine) Snapshot() []store.Item {
	out := make([]store.Item, 0, len(e.items))
	for _, it := range e.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) Get(id string) (store.Item, bool) {
	it, ok := e.items[id]
	return it, ok
}

// Counts reports live items and tombstones.
func (e *Engine) Counts() (live, tombstones int) {
	for _, it := range e.items {
		if it.Deleted {
			tombstones++
		} else {
			live++
		}
	}
	return live, tombstones
}

type exportDoc struct {
	Items map[string]store.Item `json:"items"`
}

// Export renders the collection as {"items": {id: item}}.
func (e *Engine) Export() ([]byte, error) {
	doc := exportDoc{Items: make(map[string]store.Item, len(e.items))}
	for id, it := range e.items {
		doc.Items[id] = it
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Import merges an exported document and broadcasts every item that won.
func (e *Engine) Import(ctx context.Context, data []byte) (int, error) {
	var doc exportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, apperr.Wrap(apperr.KindValidation, "import", err)
	}
	ids := make([]string, 0, len(doc.Items))
	for id, it := range doc.Items {
		if it.ID == "" {
			it.ID = id
			doc.Items[id] = it
		}
		if it.ID != id {
			return 0, apperr.New(apperr.KindValidation, "import", "item key "+id+" does not match its id")
		}
		if _, err := core.ParseTimestamp(it.UpdatedAt); err != nil {
			return 0, apperr.Wrap(apperr.KindValidation, "import", err)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	applied := 0
	var firstErr error
	for _, id := range ids {
		it := doc.Items[id]
		ok, err := e.Merge(ctx, it, SourceImport)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !ok {
			continue
		}
		applied++
		kind := protocol.OpUpsert
		if it.Deleted {
			kind = protocol.OpDelete
		}
		e.out.Broadcast(protocol.Op{Kind: kind, ID: it.ID, Item: it})
	}
	return applied, firstErr
}

func (e *Engine) publish() {
	if len(e.subs) == 0 {
		return
	}
	snap := e.Snapshot()
	for _, fn := range e.subs {
		fn(snap)
	}
}

// wins reports whether a replaces b. Timestamps are compared by instant,
// falling back to string order for values that do not parse. Equal instants
// are settled by the raw timestamp, then author, then text, then deleted, so
// every peer picks the same winner whatever order the versions arrive in.
func wins(a, b store.Item) bool {
	if c := compareTimestamps(a.UpdatedAt, b.UpdatedAt); c != 0 {
		return c > 0
	}
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	if a.Author != b.Author {
		return a.Author > b.Author
	}
	if a.Text != b.Text {
		return a.Text > b.Text
	}
	return a.Deleted && !b.Deleted
}

func compareTimestamps(a, b string) int {
	ta, errA := core.ParseTimestamp(a)
	tb, errB := core.ParseTimestamp(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return ta.Compare(tb)
}
