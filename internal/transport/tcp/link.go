package tcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/bit2swaz/meshsync/internal/transport"
)

type link struct {
	t        *Transport
	ev       transport.Events
	host     bool
	token    string
	gathered chan struct{}

	mu     sync.Mutex
	local  *transport.SessionDescription
	conn   net.Conn
	closed bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (l *link) CreateOffer(context.Context) error {
	l.mu.Lock()
	busy := l.local != nil || l.conn != nil
	l.mu.Unlock()
	if busy {
		return errors.New("link already negotiated")
	}
	token := newToken()
	if !l.t.register(token) {
		return transport.ErrClosed
	}
	l.host = true
	l.token = token
	l.setLocal(transport.SessionDescription{Type: transport.TypeOffer, SDP: offerSDP(l.t.advertise, token)})
	close(l.gathered)
	return nil
}

func (l *link) AcceptOffer(ctx context.Context, offer transport.SessionDescription) error {
	if offer.Type != transport.TypeOffer {
		return fmt.Errorf("expected offer, got %q", offer.Type)
	}
	addr, token, err := parseOffer(offer.SDP)
	if err != nil {
		return err
	}
	conn, err := l.t.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	nonce := newToken()
	frame, _ := json.Marshal(hello{Token: token, Nonce: nonce})
	if err := transport.WriteFrame(conn, frame); err != nil {
		conn.Close()
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return transport.ErrClosed
	}
	l.conn = conn
	l.token = token
	l.mu.Unlock()

	l.setLocal(transport.SessionDescription{Type: transport.TypeAnswer, SDP: answerSDP(token, nonce)})
	close(l.gathered)
	go l.awaitAck(conn)
	return nil
}

func (l *link) awaitAck(conn net.Conn) {
	frame, err := transport.ReadFrame(conn)
	if err != nil {
		l.finish(err)
		return
	}
	var a ack
	if err := json.Unmarshal(frame, &a); err != nil || !a.OK {
		l.finish(errors.New("host rejected the connection"))
		return
	}
	l.ev.FireOpen()
	l.readLoop(conn)
}

func (l *link) ApplyAnswer(ctx context.Context, answer transport.SessionDescription) error {
	if !l.host {
		return errors.New("only an offering link accepts an answer")
	}
	if answer.Type != transport.TypeAnswer {
		return fmt.Errorf("expected answer, got %q", answer.Type)
	}
	token, nonce, err := parseAnswer(answer.SDP)
	if err != nil {
		return err
	}
	if token != l.token {
		return errors.New("answer belongs to a different offer")
	}
	conn, err := l.t.claim(ctx, token, nonce)
	if err != nil {
		return err
	}
	frame, _ := json.Marshal(ack{OK: true})
	if err := transport.WriteFrame(conn, frame); err != nil {
		conn.Close()
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return transport.ErrClosed
	}
	l.conn = conn
	l.mu.Unlock()

	go func() {
		l.ev.FireOpen()
		l.readLoop(conn)
	}()
	return nil
}

func (l *link) readLoop(conn net.Conn) {
	for {
		data, err := transport.ReadFrame(conn)
		if err != nil {
			l.finish(err)
			return
		}
		l.ev.FireMessage(data)
	}
}

func (l *link) GatheringComplete() <-chan struct{} { return l.gathered }

func (l *link) LocalDescription() (transport.SessionDescription, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.local == nil {
		return transport.SessionDescription{}, false
	}
	return *l.local, true
}

func (l *link) setLocal(d transport.SessionDescription) {
	l.mu.Lock()
	l.local = &d
	l.mu.Unlock()
}

func (l *link) Send(data []byte) error {
	l.mu.Lock()
	conn, closed := l.conn, l.closed
	l.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if conn == nil {
		return errors.New("link not connected")
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return transport.WriteFrame(conn, data)
}

func (l *link) Close() error {
	l.finish(nil)
	return nil
}

// finish tears the link down once. A read error caused by our own Close or
// by the remote hanging up is reported as a clean close.
func (l *link) finish(cause error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		conn := l.conn
		l.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if l.host && l.token != "" {
			l.t.unregister(l.token)
		}
		if errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) || errors.Is(cause, io.ErrClosedPipe) {
			cause = nil
		}
		l.ev.FireClose(cause)
	})
}
