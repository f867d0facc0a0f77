package testutil

import (
	"fmt"
	"net"
	"sync/atomic"
)

// InMemoryListener is a net.Listener for in-process tests.
// It uses net.Pipe to produce paired connections; the server receives
// one end via Accept() and the test code obtains the client end with Dial().
// Every pair gets its own client address so per-connection logs differ.
type InMemoryListener struct {
	conns  chan net.Conn
	closed chan struct{}
	addr   net.Addr
	dialed atomic.Int64
}

type memAddr string

func (m memAddr) Network() string { return "inmem" }
func (m memAddr) String() string  { return string(m) }

type pipeConn struct {
	net.Conn
	local, remote net.Addr
}

func (c *pipeConn) LocalAddr() net.Addr  { return c.local }
func (c *pipeConn) RemoteAddr() net.Addr { return c.remote }

// NewInMemoryListener creates a new in-memory listener with a buffered
// connection queue.
func NewInMemoryListener() *InMemoryListener {
	return &InMemoryListener{
		conns:  make(chan net.Conn, 16),
		closed: make(chan struct{}),
		addr:   memAddr("inmem-server"),
	}
}

func (l *InMemoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *InMemoryListener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
	}
	close(l.closed)

	// Pending connections were never accepted; close them.
	for {
		select {
		case c := <-l.conns:
			_ = c.Close()
		default:
			return nil
		}
	}
}

func (l *InMemoryListener) Addr() net.Addr { return l.addr }

// Dial creates a client-side connection paired with a server-side
// connection that will be returned by the next Accept().
func (l *InMemoryListener) Dial() (net.Conn, error) {
	client := memAddr(fmt.Sprintf("inmem-client-%d", l.dialed.Add(1)))
	c1, c2 := net.Pipe()
	serverSide := &pipeConn{Conn: c1, local: l.addr, remote: client}
	clientSide := &pipeConn{Conn: c2, local: client, remote: l.addr}
	select {
	case l.conns <- serverSide:
		return clientSide, nil
	case <-l.closed:
		c1.Close()
		c2.Close()
		return nil, net.ErrClosed
	}
}
