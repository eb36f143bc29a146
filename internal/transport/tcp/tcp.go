// Package tcp carries links over plain TCP on a LAN. The host's offer names
// the listener address and a token; a joiner dials, introduces itself with
// the token and a nonce, and waits until the host applies the matching
// answer and acknowledges.
package tcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/transport"
	"github.com/bit2swaz/meshsync/internal/utils"
)

const defaultParkTimeout = 30 * time.Second

type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type Options struct {
	// Name reported by Transport.Name. Defaults to "tcp".
	Name          string
	ListenAddr    string
	AdvertiseHost string
	// Listener overrides ListenAddr when set.
	Listener net.Listener
	Dial     DialFunc
	Logger   *zap.Logger
	// ParkTimeout bounds how long an introduced joiner connection waits for
	// the host to apply its answer.
	ParkTimeout time.Duration
}

type hello struct {
	Token string `json:"token"`
	Nonce string `json:"nonce"`
}

type ack struct {
	OK bool `json:"ok"`
}

type slot struct {
	conn  net.Conn
	ready chan struct{}
}

type Transport struct {
	name        string
	ln          net.Listener
	advertise   string
	dial        DialFunc
	log         *zap.Logger
	parkTimeout time.Duration

	mu     sync.Mutex
	tokens map[string]int
	parked map[string]*slot
	closed bool
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.Sharer = (*Transport)(nil)

// New starts listening and accepting joiner connections.
func New(opts Options) (*Transport, error) {
	ln := opts.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", opts.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", opts.ListenAddr, err)
		}
	}
	if opts.Name == "" {
		opts.Name = "tcp"
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ParkTimeout <= 0 {
		opts.ParkTimeout = defaultParkTimeout
	}

	t := &Transport{
		name:        opts.Name,
		ln:          ln,
		advertise:   utils.AdvertiseAddr(ln.Addr(), opts.AdvertiseHost),
		dial:        opts.Dial,
		log:         opts.Logger,
		parkTimeout: opts.ParkTimeout,
		tokens:      make(map[string]int),
		parked:      make(map[string]*slot),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) Name() string { return t.name }

// Addr is the address placed in offers.
func (t *Transport) Addr() string { return t.advertise }

func (t *Transport) NewLink(ev transport.Events) (transport.Link, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}
	return &link{t: t, ev: ev, gathered: make(chan struct{})}, nil
}

func (t *Transport) Share(origin transport.Link, ev transport.Events) (transport.Link, error) {
	o, ok := origin.(*link)
	if !ok || o.t != t {
		return nil, errors.New("link does not belong to this transport")
	}
	desc, ok := o.LocalDescription()
	if !ok || desc.Type != transport.TypeOffer {
		return nil, errors.New("origin link has no published offer")
	}
	if !t.register(o.token) {
		return nil, transport.ErrClosed
	}
	l := &link{t: t, ev: ev, host: true, token: o.token, gathered: make(chan struct{})}
	l.setLocal(desc)
	close(l.gathered)
	return l, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for key, s := range t.parked {
		if s.conn != nil {
			s.conn.Close()
		}
		delete(t.parked, key)
	}
	t.mu.Unlock()

	err := t.ln.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("accept error", zap.Error(err))
			continue
		}
		go t.handshake(conn)
	}
}

// handshake reads the joiner's hello and parks the connection until the
// owning host link claims it.
func (t *Transport) handshake(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(t.parkTimeout))
	frame, err := transport.ReadFrame(conn)
	if err != nil {
		t.log.Debug("handshake read failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var h hello
	if err := json.Unmarshal(frame, &h); err != nil || h.Token == "" || h.Nonce == "" {
		t.log.Debug("malformed hello", zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}

	t.mu.Lock()
	if t.closed || t.tokens[h.Token] == 0 {
		t.mu.Unlock()
		t.log.Debug("hello for unknown offer", zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	key := parkKey(h.Token, h.Nonce)
	s := t.slotLocked(key)
	if s.conn != nil {
		t.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	close(s.ready)
	t.mu.Unlock()

	time.AfterFunc(t.parkTimeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.parked[key]; ok && cur.conn == conn {
			delete(t.parked, key)
			conn.Close()
		}
	})
}

func (t *Transport) slotLocked(key string) *slot {
	s, ok := t.parked[key]
	if !ok {
		s = &slot{ready: make(chan struct{})}
		t.parked[key] = s
	}
	return s
}

func (t *Transport) claim(ctx context.Context, token, nonce string) (net.Conn, error) {
	key := parkKey(token, nonce)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	s := t.slotLocked(key)
	t.mu.Unlock()

	select {
	case <-s.ready:
	case <-ctx.Done():
		t.mu.Lock()
		if cur, ok := t.parked[key]; ok && cur == s && s.conn == nil {
			delete(t.parked, key)
		}
		t.mu.Unlock()
		return nil, fmt.Errorf("joiner never connected: %w", ctx.Err())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	conn := s.conn
	s.conn = nil
	if cur, ok := t.parked[key]; ok && cur == s {
		delete(t.parked, key)
	}
	if conn == nil {
		return nil, errors.New("joiner connection expired")
	}
	return conn, nil
}

func (t *Transport) register(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.tokens[token]++
	return true
}

func (t *Transport) unregister(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tokens[token] <= 1 {
		delete(t.tokens, token)
		return
	}
	t.tokens[token]--
}

func parkKey(token, nonce string) string { return token + "/" + nonce }

func offerSDP(addr, token string) string {
	u := url.URL{Scheme: "tcp", Host: addr, RawQuery: url.Values{"token": {token}}.Encode()}
	return u.String()
}

func parseOffer(sdp string) (addr, token string, err error) {
	u, err := url.Parse(sdp)
	if err != nil || u.Scheme != "tcp" || u.Host == "" {
		return "", "", fmt.Errorf("not a tcp offer: %q", sdp)
	}
	token = u.Query().Get("token")
	if token == "" {
		return "", "", errors.New("offer carries no token")
	}
	return u.Host, token, nil
}

func answerSDP(token, nonce string) string {
	return url.Values{"token": {token}, "nonce": {nonce}}.Encode()
}

func parseAnswer(sdp string) (token, nonce string, err error) {
	q, err := url.ParseQuery(sdp)
	if err != nil {
		return "", "", fmt.Errorf("not a tcp answer: %w", err)
	}
	token, nonce = q.Get("token"), q.Get("nonce")
	if token == "" || nonce == "" {
		return "", "", errors.New("answer is missing token or nonce")
	}
	return token, nonce, nil
}

func newToken() string { return uuid.NewString() }
