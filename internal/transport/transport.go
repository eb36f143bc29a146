// Package transport defines the connection primitive the negotiator drives.
// A Link is created on one side with an offer and on the other by accepting
// that offer; once the host applies the answer both ends get OnOpen and can
// exchange opaque frames.
package transport

import (
	"context"
	"errors"
)

const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

var ErrClosed = errors.New("link closed")

// SessionDescription is the opaque blob each side publishes.
type SessionDescription struct {
	Type string `json:"type" validate:"oneof=offer answer"`
	SDP  string `json:"sdp" validate:"required"`
}

// Events are invoked from transport goroutines. Callers must not block in
// them.
type Events struct {
	OnOpen    func()
	OnMessage func([]byte)
	OnClose   func(error)
}

func (e Events) FireOpen() {
	if e.OnOpen != nil {
		e.OnOpen()
	}
}

func (e Events) FireMessage(b []byte) {
	if e.OnMessage != nil {
		e.OnMessage(b)
	}
}

func (e Events) FireClose(err error) {
	if e.OnClose != nil {
		e.OnClose(err)
	}
}

type Link interface {
	// CreateOffer prepares the host side. The offer is available from
	// LocalDescription once GatheringComplete is closed.
	CreateOffer(ctx context.Context) error
	// AcceptOffer prepares the joiner side and produces an answer.
	AcceptOffer(ctx context.Context, offer SessionDescription) error
	// ApplyAnswer completes the host side.
	ApplyAnswer(ctx context.Context, answer SessionDescription) error
	GatheringComplete() <-chan struct{}
	LocalDescription() (SessionDescription, bool)
	Send(data []byte) error
	Close() error
}

type Transport interface {
	Name() string
	NewLink(ev Events) (Link, error)
	Close() error
}

// Sharer is implemented by transports where one published offer can be
// answered by several joiners. Share returns a fresh host link that reuses
// origin's local description.
type Sharer interface {
	Share(origin Link, ev Events) (Link, error)
}
