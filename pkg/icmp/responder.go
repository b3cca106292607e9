package icmp

import (
	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/ip"
)

// Responder is the ICMPv4 upper-layer module: it implements
// ip.UpperLayerReceiver for ordinary dispatch and ip.TimeExceededEmitter
// for the reassembly timeout path, and knows how to build and transmit the
// error replies a well-behaved host sends in response to validation or
// reassembly failures (Destination Unreachable, Parameter Problem, Time
// Exceeded).
type Responder struct {
	Engine     *ip.Engine
	LocalAddrs func(ifNbr int) (common.IPv4Address, bool)
}

var _ ip.UpperLayerReceiver = (*Responder)(nil)
var _ ip.TimeExceededEmitter = (*Responder)(nil)
var _ ip.ErrorNotifier = (*Responder)(nil)

// NotifyProtocolUnreachable implements ip.ErrorNotifier: the validator
// calls this when a datagram names a protocol with no registered receiver.
func (r *Responder) NotifyProtocolUnreachable(buf *ip.Buffer) {
	_ = r.SendDestinationUnreachable(buf, CodeProtocolUnreachable)
}

// NotifyParameterProblem implements ip.ErrorNotifier: the validator calls
// this when header or option decoding fails at a specific byte offset.
func (r *Responder) NotifyParameterProblem(buf *ip.Buffer, pointer uint8) {
	_ = r.SendParameterProblem(buf, pointer)
}

// Receive implements ip.UpperLayerReceiver: handles Echo Request locally
// (replying with Echo Reply), and otherwise drops silently — there is no
// userspace socket here to hand other ICMP types on to.
func (r *Responder) Receive(buf *ip.Buffer) error {
	data := buf.Data[buf.ICMPIx : buf.ICMPIx+buf.DataLen]
	msg, err := Parse(data)
	if err != nil {
		return err
	}
	if !msg.VerifyChecksum() {
		return nil // malformed ICMP is silently dropped, not a validator error
	}

	if msg.IsEchoRequest() {
		reply := NewEchoReply(msg.ID, msg.Sequence, msg.Data)
		return r.send(buf.IfNbr, buf.IPAddrSrc, reply)
	}
	return nil
}

// SendTimeExceededFragReassembly implements ip.TimeExceededEmitter: the reply carries as much of the original head fragment's
// IP header and leading octets as fit, per RFC 792.
func (r *Responder) SendTimeExceededFragReassembly(head *ip.Buffer) {
	orig := originalHeaderBytes(head)
	msg := NewTimeExceeded(CodeFragmentReassemblyTime, orig)
	_ = r.send(head.IfNbr, head.IPAddrSrc, msg)
}

// SendDestinationUnreachable implements 's "any other
// [protocol] yields an ICMP Destination Unreachable (Protocol) reply".
func (r *Responder) SendDestinationUnreachable(buf *ip.Buffer, code Code) error {
	orig := originalHeaderBytes(buf)
	msg := NewDestinationUnreachable(code, orig)
	return r.send(buf.IfNbr, buf.IPAddrSrc, msg)
}

// SendParameterProblem implements  "emit an ICMP Parameter
// Problem pointing at the offending byte" for option decode failures.
func (r *Responder) SendParameterProblem(buf *ip.Buffer, pointer uint8) error {
	orig := originalHeaderBytes(buf)
	msg := &Message{
		Type: TypeParameterProblem,
		Code: 0,
		ID:   uint16(pointer) << 8,
		Data: orig,
	}
	return r.send(buf.IfNbr, buf.IPAddrSrc, msg)
}

func originalHeaderBytes(buf *ip.Buffer) []byte {
	start := buf.IPHdrIx
	end := start + int(buf.IPHdrLen) + 8
	if end > len(buf.Data) {
		end = len(buf.Data)
	}
	if start > end {
		return nil
	}
	out := make([]byte, end-start)
	copy(out, buf.Data[start:end])
	return out
}

func (r *Responder) send(ifNbr int, dest common.IPv4Address, msg *Message) error {
	payload, err := msg.Serialize()
	if err != nil {
		return err
	}

	src, ok := r.LocalAddrs(ifNbr)
	if !ok {
		return nil
	}

	buf := r.Engine.Pool.Get(len(payload) + 60)
	buf.IfNbrTx = ifNbr
	buf.ProtocolHdrType = ip.ProtoHdrICMPv4
	buf.TransportIx = 60
	buf.DataLen = copy(buf.Data[60:], payload)
	buf.Data = buf.Data[:60+buf.DataLen]

	_, txErr := r.Engine.Transmit.Tx(buf, ip.TxRequest{
		Src:  src,
		Dest: dest,
		TTL:  ip.TTLUseDefault,
	})
	if txErr != nil {
		r.Engine.Pool.Put(buf)
		return txErr
	}
	return nil
}
