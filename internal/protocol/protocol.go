// Package protocol is the wire format exchanged over an open session. Every
// frame is one JSON envelope whose "type" selects the message.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/core"
	"github.com/bit2swaz/meshsync/internal/store"
)

// Message types
const (
	TypeOp          = "op"
	TypeIntroduce   = "introduce"
	TypeRequestSync = "request_sync"
	TypeFullSync    = "full_sync"
	TypePeerList    = "peer_list"
	TypeDisconnect  = "disconnect"
)

// OpKind is the mutation carried by an op message.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// Message is one of Op, Introduce, RequestSync, FullSync, PeerList or
// Disconnect.
type Message interface {
	Type() string
	message()
}

// Op propagates a single local mutation. Deletes sent by this node carry
// the tombstone as well as the id; a delete received with only an id has a
// zero Item and the receiver builds the tombstone itself.
type Op struct {
	Kind OpKind
	ID   string
	Item store.Item
}

// HasItem reports whether the op carried an item.
func (o Op) HasItem() bool { return o.Item.ID != "" }

type Introduce struct {
	ID   string
	Nick string
}

type RequestSync struct{}

type FullSync struct {
	Items []store.Item
}

type PeerList struct {
	Peers []store.Peer
}

type Disconnect struct{}

func (Op) Type() string          { return TypeOp }
func (Introduce) Type() string   { return TypeIntroduce }
func (RequestSync) Type() string { return TypeRequestSync }
func (FullSync) Type() string    { return TypeFullSync }
func (PeerList) Type() string    { return TypePeerList }
func (Disconnect) Type() string  { return TypeDisconnect }

func (Op) message()          {}
func (Introduce) message()   {}
func (RequestSync) message() {}
func (FullSync) message()    {}
func (PeerList) message()    {}
func (Disconnect) message()  {}

// envelope is the JSON shape on the wire.
type envelope struct {
	Type  string       `json:"type" validate:"required,oneof=op introduce request_sync full_sync peer_list disconnect"`
	Op    *opBody      `json:"op,omitempty"`
	ID    string       `json:"id,omitempty"`
	Nick  string       `json:"nick,omitempty"`
	Item  *store.Item  `json:"item,omitempty"`
	Items []store.Item `json:"items,omitempty"`
	Peers []store.Peer `json:"peers,omitempty"`
}

// opBody is the nested object of an op frame:
// {"type":"upsert","item":{...}} or {"type":"delete","id":"..."}.
type opBody struct {
	Type OpKind      `json:"type"`
	ID   string      `json:"id,omitempty"`
	Item *store.Item `json:"item,omitempty"`
}

var validate = validator.New()

// Encode renders m as one frame.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type()}
	switch v := m.(type) {
	case Op:
		body := &opBody{Type: v.Kind, ID: v.ID}
		if v.HasItem() {
			item := v.Item
			body.Item = &item
			if body.ID == "" {
				body.ID = item.ID
			}
		}
		env.Op = body
	case Introduce:
		env.ID, env.Nick = v.ID, v.Nick
	case FullSync:
		env.Items = v.Items
		if env.Items == nil {
			env.Items = []store.Item{}
		}
	case PeerList:
		env.Peers = v.Peers
	case RequestSync, Disconnect:
	default:
		return nil, fmt.Errorf("unsupported message %T", m)
	}
	return json.Marshal(env)
}

// Decode parses and validates a frame. Anything that is not a well formed
// message yields a KindMalformed error.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed(err)
	}
	if err := validate.Struct(env); err != nil {
		return nil, malformed(err)
	}

	switch env.Type {
	case TypeOp:
		return decodeOp(env)
	case TypeIntroduce:
		if env.ID == "" {
			return nil, apperr.New(apperr.KindMalformed, "decode", "introduce without id")
		}
		return Introduce{ID: env.ID, Nick: env.Nick}, nil
	case TypeRequestSync:
		return RequestSync{}, nil
	case TypeFullSync:
		for _, it := range env.Items {
			if err := validItem(it); err != nil {
				return nil, err
			}
		}
		return FullSync{Items: env.Items}, nil
	case TypePeerList:
		for _, p := range env.Peers {
			if err := validate.Struct(p); err != nil {
				return nil, malformed(err)
			}
		}
		return PeerList{Peers: env.Peers}, nil
	default:
		return Disconnect{}, nil
	}
}

func decodeOp(env envelope) (Message, error) {
	body := env.Op
	if body == nil {
		return nil, apperr.New(apperr.KindMalformed, "decode", "op frame without op")
	}
	if body.Item != nil {
		if err := validItem(*body.Item); err != nil {
			return nil, err
		}
		if body.ID != "" && body.ID != body.Item.ID {
			return nil, apperr.New(apperr.KindMalformed, "decode", "op id does not match its item")
		}
	}
	switch body.Type {
	case OpUpsert:
		if body.Item == nil {
			return nil, apperr.New(apperr.KindMalformed, "decode", "upsert without item")
		}
		return Op{Kind: OpUpsert, ID: body.Item.ID, Item: *body.Item}, nil
	case OpDelete:
		if body.Item == nil {
			if body.ID == "" {
				return nil, apperr.New(apperr.KindMalformed, "decode", "delete without id")
			}
			return Op{Kind: OpDelete, ID: body.ID}, nil
		}
		if !body.Item.Deleted {
			return nil, apperr.New(apperr.KindMalformed, "decode", "delete op carries a live item")
		}
		return Op{Kind: OpDelete, ID: body.Item.ID, Item: *body.Item}, nil
	default:
		return nil, apperr.New(apperr.KindMalformed, "decode", fmt.Sprintf("unknown op %q", body.Type))
	}
}

func validItem(it store.Item) error {
	if err := validate.Struct(it); err != nil {
		return malformed(err)
	}
	if _, err := core.ParseTimestamp(it.UpdatedAt); err != nil {
		return malformed(err)
	}
	return nil
}

func malformed(err error) error {
	return apperr.Wrap(apperr.KindMalformed, "decode", err)
}
