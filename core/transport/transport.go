// Package transport abstracts the OS UDP socket primitives behind a
// small interface so the forwarding engine (Listener, Forwarder, session
// table) can be exercised against in-memory fakes in tests.
package transport

import "net"

// PacketConn is the subset of net.PacketConn the multiplexer core needs:
// atomic datagram read/write and close. A single datagram handed to
// WriteTo is never interleaved with another.
type PacketConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// ListenUDP binds a gateway-facing or server-facing UDP socket at bind
// (e.g. "0.0.0.0:1700").
func ListenUDP(bind string) (PacketConn, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

// DialUDP opens a connected UDP client socket to a downstream server.
// Using a connected socket lets the Forwarder use ReadFrom/WriteTo
// interchangeably with Read/Write semantics while still satisfying
// PacketConn.
func DialUDP(serverAddr string) (PacketConn, error) {
	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return &dialedConn{conn: conn, remote: addr}, nil
}

// dialedConn adapts a connected *net.UDPConn (whose ReadFrom/WriteTo
// ignore the supplied/returned address in favour of the dial target) to
// always report the dialed remote address, so callers can treat dialed
// and undialed sockets uniformly.
type dialedConn struct {
	conn   *net.UDPConn
	remote net.Addr
}

func (d *dialedConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := d.conn.Read(b)
	return n, d.remote, err
}

func (d *dialedConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return d.conn.Write(b)
}

func (d *dialedConn) Close() error {
	return d.conn.Close()
}

func (d *dialedConn) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}
