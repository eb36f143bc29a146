// Package pipe is an in-process network for tests and local demos. Links
// run the tcp handshake over net.Pipe connections, so several nodes can share
// one process without opening sockets.
package pipe

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/transport/tcp"
)

type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Transport returns a transport reachable at name on this network.
func (n *Network) Transport(name string, log *zap.Logger) (*tcp.Transport, error) {
	ln, err := n.Listen(name)
	if err != nil {
		return nil, err
	}
	return tcp.New(tcp.Options{Name: "pipe", Listener: ln, Dial: n.Dial, Logger: log})
}

func (n *Network) Listen(name string) (*Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.listeners[name]; taken {
		return nil, fmt.Errorf("pipe address %q in use", name)
	}
	ln := &Listener{net: n, addr: addr(name), conns: make(chan net.Conn), done: make(chan struct{})}
	n.listeners[name] = ln
	return ln, nil
}

func (n *Network) Dial(ctx context.Context, name string) (net.Conn, error) {
	n.mu.Lock()
	ln, ok := n.listeners[name]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", name)
	}

	client, server := net.Pipe()
	select {
	case ln.conns <- server:
		return client, nil
	case <-ln.done:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dial %s: %w", name, net.ErrClosed)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

type Listener struct {
	net   *Network
	addr  addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		delete(l.net.listeners, string(l.addr))
		l.net.mu.Unlock()
	})
	return nil
}

func (l *Listener) Addr() net.Addr { return l.addr }

type addr string

func (a addr) Network() string { return "pipe" }
func (a addr) String() string  { return string(a) }
