package udp

import (
	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/ip"
)

// Receiver adapts a Demultiplexer into the engine's upper-layer contract: it
// implements ip.UpperLayerReceiver for ordinary/reassembled dispatch and
// ip.ConnCloser for the address table's "withdraw this address" path.
type Receiver struct {
	Demux *Demultiplexer
}

var _ ip.UpperLayerReceiver = (*Receiver)(nil)
var _ ip.ConnCloser = (*Receiver)(nil)

// NewReceiver wires demux as the upper-layer UDP entry point.
func NewReceiver(demux *Demultiplexer) *Receiver {
	return &Receiver{Demux: demux}
}

// Receive implements ip.UpperLayerReceiver: it parses the UDP header out of
// buf's transport region, verifies the checksum against the pseudo-header
// (src/dest already resolved by the validator), and hands the payload to whichever
// socket is bound to the destination port.
func (r *Receiver) Receive(buf *ip.Buffer) error {
	data := buf.Data[buf.TransportIx : buf.TransportIx+buf.DataLen]
	pkt, err := Parse(data)
	if err != nil {
		return err
	}
	if !pkt.VerifyChecksum(buf.IPAddrSrc, buf.IPAddrDest) {
		return nil // malformed checksum is silently dropped, not a validator error
	}
	return r.Demux.Deliver(pkt, Address{IP: buf.IPAddrSrc, Port: pkt.SourcePort})
}

// CloseConnsFor implements ip.ConnCloser: every socket bound to addr
// (either specifically, or via the INADDR_ANY wildcard) is closed, extending
// the one-socket-per-port model with a local-address check needed once a
// single process can see more than one local interface.
func (r *Receiver) CloseConnsFor(addr common.IPv4Address) {
	r.Demux.mu.Lock()
	var toClose []*Socket
	for _, sock := range r.Demux.sockets {
		sock.mu.RLock()
		match := sock.bound && !sock.closed && (sock.localAddr.IP == addr || sock.localAddr.IP == (common.IPv4Address{}))
		sock.mu.RUnlock()
		if match {
			toClose = append(toClose, sock)
		}
	}
	r.Demux.mu.Unlock()

	for _, sock := range toClose {
		_ = sock.Close()
	}
}
