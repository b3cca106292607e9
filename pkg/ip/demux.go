package ip

import "github.com/embernet/ipcore/pkg/common"

// UpperLayerReceiver is the upper-layer contract: a single
// receive entry point taking a buffer and yielding an error.
type UpperLayerReceiver interface {
	Receive(buf *Buffer) error
}

// Demux dispatches a validated, reassembled datagram to its registered
// upper-layer receiver by protocol number. Membership is populated after
// engine construction, by the Engine.Register* call for each upper layer.
type Demux struct {
	targets map[common.Protocol]UpperLayerReceiver
}

// NewDemux creates an empty demultiplexer; callers register targets with
// Register.
func NewDemux() *Demux {
	return &Demux{targets: make(map[common.Protocol]UpperLayerReceiver)}
}

// Register binds an upper-layer receiver to a protocol number.
func (d *Demux) Register(protocol common.Protocol, target UpperLayerReceiver) {
	d.targets[protocol] = target
}

// Dispatch sets data_len to the non-fragment or reassembled content length,
// then hands buf to the registered receiver for buf's protocol. An
// unregistered protocol is a configuration error (the validator already
// rejects unknown protocol numbers) — it is surfaced as ErrInvalidProtocol
// rather than panicking, since an upper-layer module can legitimately be
// compiled out.
func (d *Demux) Dispatch(buf *Buffer, reassembled bool) error {
	if reassembled {
		buf.DataLen = int(buf.IPFragSizeTot)
	} else {
		buf.DataLen = int(buf.IPTotLen) - int(buf.IPHdrLen)
	}

	target, ok := d.targets[protocolOf(buf)]
	if !ok {
		return ErrInvalidProtocol
	}
	return target.Receive(buf)
}

func protocolOf(buf *Buffer) common.Protocol {
	switch buf.ProtocolHdrTypeNetSub {
	case ProtoHdrICMPv4:
		return common.ProtocolICMP
	case ProtoHdrIGMP:
		return ProtocolIGMP
	case ProtoHdrUDPv4:
		return common.ProtocolUDP
	case ProtoHdrTCPv4:
		return common.ProtocolTCP
	default:
		return 0
	}
}
