package tcp

import (
	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/ip"
)

// Receiver adapts a SocketTable into the engine's upper-layer contract,
// mirroring pkg/udp.Receiver's shape.
type Receiver struct {
	Table *SocketTable
}

var _ ip.UpperLayerReceiver = (*Receiver)(nil)
var _ ip.ConnCloser = (*Receiver)(nil)

// NewReceiver wires table as the upper-layer TCP entry point.
func NewReceiver(table *SocketTable) *Receiver {
	return &Receiver{Table: table}
}

// Receive implements ip.UpperLayerReceiver: it parses the TCP segment out of
// buf's transport region, verifies the checksum against the pseudo-header,
// and hands it to SocketTable.Deliver.
func (r *Receiver) Receive(buf *ip.Buffer) error {
	data := buf.Data[buf.TransportIx : buf.TransportIx+buf.DataLen]
	seg, err := Parse(data)
	if err != nil {
		return err
	}
	if !seg.VerifyChecksum(buf.IPAddrSrc, buf.IPAddrDest) {
		return nil // malformed checksum is silently dropped, not a validator error
	}
	return r.Table.Deliver(seg, buf.IPAddrSrc, buf.IPAddrDest)
}

// CloseConnsFor implements ip.ConnCloser.
func (r *Receiver) CloseConnsFor(addr common.IPv4Address) {
	r.Table.CloseConnsFor(addr)
}

// NewEngineSendFunc builds the send callback Socket.SetSendFunc needs to
// transmit segments through engine, grounded on pkg/icmp.Responder's and
// pkg/igmp.Manager's identical buffer-acquire-then-Tx pattern.
func NewEngineSendFunc(engine *ip.Engine) func(seg *Segment, local, remote common.IPv4Address) error {
	return func(seg *Segment, local, remote common.IPv4Address) error {
		checksum, err := seg.CalculateChecksum(local, remote)
		if err != nil {
			return err
		}
		seg.Checksum = checksum
		payload, err := seg.Serialize()
		if err != nil {
			return err
		}

		buf := engine.Pool.Get(len(payload) + 60)
		buf.ProtocolHdrType = ip.ProtoHdrTCPv4
		buf.TransportIx = 60
		buf.DataLen = copy(buf.Data[60:], payload)
		buf.Data = buf.Data[:60+buf.DataLen]

		_, txErr := engine.Transmit.Tx(buf, ip.TxRequest{
			Src:  local,
			Dest: remote,
			TTL:  ip.TTLUseDefault,
		})
		if txErr != nil {
			engine.Pool.Put(buf)
			return txErr
		}
		return nil
	}
}
