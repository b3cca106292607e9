package ip

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/embernet/ipcore/pkg/common"
)

// TxFlags is the caller-supplied flag subset for tx.
type TxFlags uint8

const (
	TxFlagDontFrag TxFlags = 1 << iota
)

// TTLUseDefault is the sentinel TTL value meaning "substitute the protocol
// default".
const TTLUseDefault = 0

const (
	defaultUnicastTTL   = 128
	defaultMulticastTTL = 1
)

// MTUProvider reports the IPv4 MTU of an interface, consulted by the
// transmit MTU check.
type MTUProvider interface {
	MTU(ifNbr int) int
}

// Transmitter builds outbound IPv4 headers: header synthesis, option
// emission, checksum, MTU check, and route selection.
type Transmitter struct {
	Addrs *AddressTable
	MTUs  MTUProvider

	idCounter atomic.Uint32 // per-Transmitter monotonic ID counter
}

// TxRequest carries Tx's arguments; buf supplies ProtocolHdrType, IfNbrTx,
// and the payload already placed past TransportIx.
type TxRequest struct {
	Src     common.IPv4Address
	Dest    common.IPv4Address
	TOS     uint8
	TTL     uint8
	Flags   TxFlags
	Options []byte // pre-encoded via BuildOptions; nil/empty for none
}

// Tx writes a complete IPv4 header (plus any options) into buf ahead of
// its already-placed payload and sets buf.IPAddrNextRoute / buf.Flags for
// the driver.
func (t *Transmitter) Tx(buf *Buffer, req TxRequest) (TxDest, error) {
	protocol, ok := protocolTagOf(buf)
	if !ok {
		return 0, ErrInvalidProtocol
	}
	if buf.TransportIx == NoIndex {
		return 0, ErrInvalidDataLen
	}
	if req.TOS&0x01 != 0 { // MBZ bit
		return 0, ErrInvalidFlag
	}
	if req.Flags&^TxFlagDontFrag != 0 {
		return 0, ErrInvalidFlag
	}

	ttl := req.TTL
	if ttl == TTLUseDefault {
		if IsClassD(req.Dest) {
			ttl = defaultMulticastTTL
		} else {
			ttl = defaultUnicastTTL
		}
	}
	if ttl < 1 {
		return 0, ErrInvalidFlag
	}

	if !t.validSource(buf.IfNbrTx, req.Src) {
		return 0, ErrInvalidAddrSrc
	}
	if !t.validTxDest(req.Dest) {
		return 0, ErrTxDestInvalid
	}

	optLen := len(req.Options)
	if optLen > maxOptionsLen || optLen%4 != 0 {
		return 0, ErrInvalidOptLen
	}
	ihl := minIHL + optLen

	payloadLen := buf.DataLen
	totalLen := ihl + payloadLen
	if totalLen > maxIPLen {
		return 0, ErrInvalidTotLen
	}

	if mtu := t.MTUs.MTU(buf.IfNbrTx); mtu > 0 && totalLen > mtu {
		return 0, ErrInvalidFrag
	}

	dest, nextHop, err := t.selectRoute(buf.IfNbrTx, req.Src, req.Dest)
	if err != nil {
		return 0, err
	}

	hdrStart := buf.TransportIx - ihl
	if hdrStart < 0 {
		return 0, ErrInvalidDataLen
	}
	buf.IPHdrIx = hdrStart
	hdr := buf.Data[hdrStart : hdrStart+ihl]

	hdr[0] = 0x40 | byte(ihl/4)
	hdr[1] = req.TOS
	binary.BigEndian.PutUint16(hdr[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(t.idCounter.Add(1)))
	binary.BigEndian.PutUint16(hdr[6:8], 0) // no transmit fragmentation
	hdr[8] = ttl
	hdr[9] = byte(protocol)
	binary.BigEndian.PutUint16(hdr[10:12], 0) // checksum placeholder
	copy(hdr[12:16], req.Src[:])
	copy(hdr[16:20], req.Dest[:])
	if optLen > 0 {
		copy(hdr[20:20+optLen], req.Options)
	}

	chk := common.Checksum16(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], chk)

	buf.IPTotLen = uint16(totalLen)
	buf.IPHdrLen = uint16(ihl)
	buf.IPAddrSrc = req.Src
	buf.IPAddrDest = req.Dest
	buf.IPAddrNextRoute = nextHop
	buf.Flags &^= FlagTxBroadcast | FlagTxMulticast
	switch dest {
	case TxDestBroadcast, TxDestHostThisNet:
		buf.Flags |= FlagTxBroadcast
	case TxDestMulticast:
		buf.Flags |= FlagTxMulticast
	}

	return dest, nil
}

// Retx re-uses an already-built header, rewriting only the ID (RFC 1122
// §3.2.1.5) and recomputing the checksum incrementally.
func (t *Transmitter) Retx(buf *Buffer) error {
	if buf.IPHdrIx == NoIndex {
		return ErrInvalidDataLen
	}
	hdr := buf.Data[buf.IPHdrIx : buf.IPHdrIx+int(buf.IPHdrLen)]

	var oldID [2]byte
	copy(oldID[:], hdr[4:6])
	newID := uint16(t.idCounter.Add(1))
	var newIDBytes [2]byte
	binary.BigEndian.PutUint16(newIDBytes[:], newID)

	oldChk := binary.BigEndian.Uint16(hdr[10:12])
	binary.BigEndian.PutUint16(hdr[4:6], newID)
	newChk := common.UpdateChecksum16(oldChk, oldID[:], newIDBytes[:])
	binary.BigEndian.PutUint16(hdr[10:12], newChk)
	return nil
}

func (t *Transmitter) validSource(ifNbr int, src common.IPv4Address) bool {
	if src.ToUint32() == 0 {
		return true // this-host, permitted during dynamic init
	}
	if src.ToUint32()>>24 == 127 {
		return true
	}
	_, ok := t.Addrs.LookupOnIf(ifNbr, src)
	return ok
}

// validTxDest rejects only the address that can never be a destination;
// selectRoute is what actually discriminates broadcast/multicast/unicast
// and can itself fail with ErrTxDestInvalid.
func (t *Transmitter) validTxDest(dest common.IPv4Address) bool {
	return dest.ToUint32() != 0
}

// selectRoute classifies dest against the routing table on ifNbr,
// returning the next hop to hand the driver.
func (t *Transmitter) selectRoute(ifNbr int, src, dest common.IPv4Address) (TxDest, common.IPv4Address, error) {
	if _, _, found := t.Addrs.LookupAny(dest); found {
		return TxDestLocalHost, common.IPv4Address{}, nil
	}
	if dest.ToUint32()>>24 == 127 {
		return TxDestLocalHost, common.IPv4Address{}, nil
	}
	if isLinkLocal(dest) || isLinkLocal(src) {
		if dest == (common.IPv4Address{169, 254, 255, 255}) {
			return TxDestBroadcast, dest, nil
		}
		return TxDestUnicast, dest, nil
	}
	if isLimitedBroadcast(dest) {
		return TxDestBroadcast, dest, nil
	}
	if IsClassD(dest) {
		return TxDestMulticast, dest, nil
	}

	rec, ok := t.Addrs.LookupOnIf(ifNbr, src)
	if !ok {
		return 0, common.IPv4Address{}, ErrTxDestInvalid
	}
	destBits, maskBits := dest.ToUint32(), rec.Mask.ToUint32()
	if destBits&maskBits == rec.SubnetNet.ToUint32() {
		if destBits&^maskBits == ^maskBits {
			return TxDestHostThisNet, dest, nil
		}
		return TxDestUnicast, dest, nil
	}

	if !rec.HasGateway || rec.DfltGateway.ToUint32() == 0 {
		return 0, common.IPv4Address{}, ErrTxDestInvalid
	}
	return TxDestDfltGateway, rec.DfltGateway, nil
}

func protocolTagOf(buf *Buffer) (common.Protocol, bool) {
	switch buf.ProtocolHdrType {
	case ProtoHdrICMPv4:
		return common.ProtocolICMP, true
	case ProtoHdrIGMP:
		return ProtocolIGMP, true
	case ProtoHdrUDPv4:
		return common.ProtocolUDP, true
	case ProtoHdrTCPv4:
		return common.ProtocolTCP, true
	default:
		return 0, false
	}
}
