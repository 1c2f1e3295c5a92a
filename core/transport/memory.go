package transport

import (
	"errors"
	"net"
	"sync"
)

// MemAddr is an in-memory stand-in for a net.Addr, identified by name.
type MemAddr string

func (a MemAddr) Network() string { return "mem" }
func (a MemAddr) String() string  { return string(a) }

type datagram struct {
	data []byte
	from net.Addr
}

// MemConn is an in-memory PacketConn used to exercise the forwarding
// engine without real sockets. Two MemConns wired via Connect deliver
// datagrams to each other's inbox.
type MemConn struct {
	addr MemAddr

	mu     sync.Mutex
	peers  map[string]*MemConn
	inbox  chan datagram
	closed bool
}

// NewMemConn creates an unconnected in-memory socket bound to addr.
func NewMemConn(addr MemAddr) *MemConn {
	return &MemConn{
		addr:  addr,
		peers: make(map[string]*MemConn),
		inbox: make(chan datagram, 256),
	}
}

// Connect registers other as a reachable peer of c (one direction); call
// it both ways to get a bidirectional pair.
func (c *MemConn) Connect(other *MemConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[string(other.addr)] = other
}

func (c *MemConn) ReadFrom(b []byte) (int, net.Addr, error) {
	dg, ok := <-c.inbox
	if !ok {
		return 0, nil, errors.New("transport: connection closed")
	}
	n := copy(b, dg.data)
	return n, dg.from, nil
}

func (c *MemConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("transport: connection closed")
	}
	peer, ok := c.peers[addr.String()]
	c.mu.Unlock()
	if !ok {
		return 0, errors.New("transport: unknown peer " + addr.String())
	}

	cp := make([]byte, len(b))
	copy(cp, b)

	select {
	case peer.inbox <- datagram{data: cp, from: c.addr}:
	default:
		return 0, errors.New("transport: peer inbox full")
	}
	return len(b), nil
}

func (c *MemConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbox)
	return nil
}

func (c *MemConn) LocalAddr() net.Addr {
	return c.addr
}
