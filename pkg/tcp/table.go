package tcp

import (
	"fmt"
	"sync"

	"github.com/embernet/ipcore/pkg/common"
)

// SocketTable demultiplexes inbound segments to the Socket bound to their
// destination port. Pending-connection tracking, RST generation, and the
// handshake all live in Socket.HandleIncomingSegment; this table only
// answers "which socket owns this port", mirroring
// pkg/udp.Demultiplexer's one-socket-per-port model.
type SocketTable struct {
	mu      sync.RWMutex
	sockets map[uint16]*Socket
}

// NewSocketTable creates an empty table.
func NewSocketTable() *SocketTable {
	return &SocketTable{sockets: make(map[uint16]*Socket)}
}

// Bind registers sock under its local port, once Bind/Listen/Connect has
// assigned one.
func (t *SocketTable) Bind(sock *Socket, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sockets[port]; exists {
		return fmt.Errorf("port %d already in use", port)
	}
	t.sockets[port] = sock
	return nil
}

// Unbind removes the socket bound to port.
func (t *SocketTable) Unbind(port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, port)
}

// Deliver routes one inbound segment to the socket bound to its destination
// port. When no socket is bound there it returns an error and sends
// nothing.
func (t *SocketTable) Deliver(seg *Segment, srcAddr, dstAddr common.IPv4Address) error {
	t.mu.RLock()
	sock, ok := t.sockets[seg.DestinationPort]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no socket bound to port %d", seg.DestinationPort)
	}
	return sock.HandleIncomingSegment(seg, srcAddr, dstAddr)
}

// CloseConnsFor implements ip.ConnCloser: every socket bound to addr
// (specifically, or via the wildcard local address) is closed.
func (t *SocketTable) CloseConnsFor(addr common.IPv4Address) {
	t.mu.Lock()
	var toClose []*Socket
	for port, sock := range t.sockets {
		if sock.GetLocalAddr() == addr || sock.GetLocalAddr() == (common.IPv4Address{}) {
			toClose = append(toClose, sock)
			delete(t.sockets, port)
		}
	}
	t.mu.Unlock()

	for _, sock := range toClose {
		_ = sock.Close()
	}
}
