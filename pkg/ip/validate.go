package ip

import (
	"encoding/binary"

	"github.com/embernet/ipcore/pkg/common"
)

const (
	minIHL        = 20
	maxIHL        = 60
	limitedBcastU = 0xFFFFFFFF
)

// GroupMembership reports whether an interface has joined an IPv4 multicast
// group, consulted by the destination-address check only when IGMP is
// compiled in. Defined here so pkg/ip never imports the IGMP package
// directly.
type GroupMembership interface {
	IsMember(ifNbr int, group common.IPv4Address) bool
}

// Validator decodes and validates one received IPv4 header in place.
type Validator struct {
	Addrs             *AddressTable
	Groups            GroupMembership // nil when IGMP_MODULE_EN is off
	Notify            ErrorNotifier   // nil when ICMPv4_MODULE_EN is off
	LoopbackIf        int
	ChecksumOffloadRX bool
}

// ErrorNotifier lets the validator ask the ICMPv4 upper layer to emit a
// Destination Unreachable or Parameter Problem reply, without pkg/ip
// importing pkg/icmp.
type ErrorNotifier interface {
	NotifyProtocolUnreachable(buf *Buffer)
	NotifyParameterProblem(buf *Buffer, pointer uint8)
}

// Validate decodes and validates one received IPv4 header and its options.
// On success buf's header cursors and decoded fields are populated and
// data_len/transport cursors point past the IP header; on failure a
// sentinel error is returned and the caller is expected to discard buf.
func (v *Validator) Validate(buf *Buffer) error {
	// Step 1: buffer-shape preconditions.
	if buf.IPHdrIx == NoIndex {
		return ErrInvalidDataLen
	}
	if buf.ProtocolHdrType != ProtoHdrIPv4 {
		return ErrInvalidDataLen
	}
	ix := buf.IPHdrIx
	if buf.DataLen < ix+minIHL {
		return ErrInvalidDataLen
	}
	hdr := buf.Data[ix:]

	// Step 3: version.
	verIHL := hdr[0]
	if verIHL>>4 != 4 {
		return ErrInvalidVersion
	}

	// Step 4: header length.
	ihl := int(verIHL&0x0F) * 4
	if ihl < minIHL || ihl > maxIHL {
		return ErrInvalidHdrLen
	}
	if buf.DataLen < ix+ihl {
		return ErrInvalidDataLen
	}

	// Step 2: read tot_len, src, dest in host order.
	totLen := binary.BigEndian.Uint16(hdr[2:4])

	// Step 5: total length.
	if int(totLen) < ihl || ix+int(totLen) > buf.DataLen {
		return ErrInvalidTotLen
	}
	buf.DataLen = ix + int(totLen)
	hdr = buf.Data[ix:buf.DataLen]

	// Step 6: checksum.
	if !v.ChecksumOffloadRX {
		if !common.VerifyChecksum16(hdr[:ihl]) {
			return ErrInvalidChkSum
		}
	}

	// Step 7: ID, flags+fragment offset.
	id := binary.BigEndian.Uint16(hdr[4:6])
	flagsFrag := binary.BigEndian.Uint16(hdr[6:8])
	if flagsFrag&0x8000 != 0 { // reserved bit must be zero
		return ErrInvalidFlag
	}
	df := flagsFrag&0x4000 != 0
	mf := flagsFrag&0x2000 != 0
	fragOffset := flagsFrag & 0x1FFF

	dataLen := int(totLen) - ihl
	if df && (mf || fragOffset != 0) {
		return ErrInvalidFlag
	}
	if mf && dataLen%8 != 0 {
		return ErrInvalidFrag
	}

	var srcAddr, destAddr common.IPv4Address
	copy(srcAddr[:], hdr[12:16])
	copy(destAddr[:], hdr[16:20])
	// Populated ahead of steps 8/9 so an ICMP error reply triggered by
	// either step can reference the original header.
	buf.IPHdrLen = uint16(ihl)
	buf.IPAddrSrc = srcAddr
	buf.IPAddrDest = destAddr

	// Step 8: protocol.
	protocol := common.Protocol(hdr[9])
	switch protocol {
	case common.ProtocolICMP, ProtocolIGMP, common.ProtocolUDP, common.ProtocolTCP:
	default:
		if v.Notify != nil {
			v.Notify.NotifyProtocolUnreachable(buf)
		}
		return ErrInvalidProtocol
	}

	// Step 9: options.
	if ihl > minIHL {
		if pointer, err := v.decodeOptions(buf, hdr, ihl, destAddr); err != nil {
			if v.Notify != nil {
				v.Notify.NotifyParameterProblem(buf, uint8(pointer))
			}
			return err
		}
	}

	// Step 10: source address.
	remote := buf.Flags&FlagRxRemote != 0
	if err := v.checkSourceAddr(srcAddr, remote); err != nil {
		return err
	}

	// Step 11: destination address.
	linkBroadcast := buf.Flags&FlagRxBroadcast != 0
	linkMulticast := buf.Flags&FlagRxMulticast != 0
	if err := v.checkDestAddr(buf, destAddr, remote); err != nil {
		return err
	}

	// Step 12: broadcast consistency.
	linkLocalBroadcast := destAddr == (common.IPv4Address{169, 254, 255, 255}) && v.hasLinkLocalAddr(buf.IfNbr)
	ipBroadcast := isLimitedBroadcast(destAddr) || v.isDirectedBroadcast(buf.IfNbr, destAddr) ||
		v.isClassDirectedBroadcast(buf.IfNbr, destAddr) || linkLocalBroadcast
	ipMulticast := IsClassD(destAddr)
	if linkBroadcast != (ipBroadcast || ipMulticast) {
		return ErrInvalidAddrBroadcast
	}
	if linkMulticast && !ipMulticast {
		return ErrInvalidAddrBroadcast
	}

	// Populate decoded fields (host order).
	buf.IPTotLen = totLen
	buf.IPHdrLen = uint16(ihl)
	buf.IPDataLen = uint16(dataLen)
	buf.IPDatagramLen = totLen
	buf.IPID = id
	buf.IPFlagsFragOffset = flagsFrag
	buf.IPAddrSrc = srcAddr
	buf.IPAddrDest = destAddr

	// Step 13: protocol-header indexing.
	hdrEnd := ix + ihl
	switch protocol {
	case common.ProtocolICMP:
		buf.ICMPIx = hdrEnd
		buf.ProtocolHdrType = ProtoHdrICMPv4
	case ProtocolIGMP:
		buf.IGMPIx = hdrEnd
		buf.ProtocolHdrType = ProtoHdrIGMP
	default:
		buf.TransportIx = hdrEnd
		if protocol == common.ProtocolUDP {
			buf.ProtocolHdrType = ProtoHdrUDPv4
		} else {
			buf.ProtocolHdrType = ProtoHdrTCPv4
		}
	}
	// ProtocolHdrTypeNetSub preserves the protocol identity at validate
	// time; ProtocolHdrType itself gets overwritten as the buffer moves
	// through reassembly and demux, but reassembly.go's list-identity match
	// needs a copy every fragment of a list carries unchanged regardless of
	// processing stage.
	buf.ProtocolHdrTypeNetSub = buf.ProtocolHdrType
	buf.DataLen -= ihl

	return nil
}

// ProtocolIGMP is IGMP's IP protocol number (2); common.Protocol only names
// ICMP/TCP/UDP since those are transports.
const ProtocolIGMP common.Protocol = 2

func isLimitedBroadcast(addr common.IPv4Address) bool {
	return addr.ToUint32() == limitedBcastU
}

// IsClassD reports whether addr is a class-D (multicast) address.
func IsClassD(addr common.IPv4Address) bool {
	return addr[0] >= 224 && addr[0] <= 239
}

func isLinkLocal(addr common.IPv4Address) bool {
	return addr[0] == 169 && addr[1] == 254
}

// hasLinkLocalAddr reports whether ifNbr has a 169.254.0.0/16 address
// configured, the precondition §4.3 step 11 attaches to accepting the
// link-local broadcast 169.254.255.255.
func (v *Validator) hasLinkLocalAddr(ifNbr int) bool {
	for _, host := range v.Addrs.GetAll(ifNbr) {
		if isLinkLocal(host) {
			return true
		}
	}
	return false
}

// isDirectedBroadcast reports whether addr's host bits are all-ones within
// the subnet of some address configured on ifNbr.
func (v *Validator) isDirectedBroadcast(ifNbr int, addr common.IPv4Address) bool {
	a := addr.ToUint32()
	for _, host := range v.Addrs.GetAll(ifNbr) {
		rec, ok := v.Addrs.LookupOnIf(ifNbr, host)
		if !ok {
			continue
		}
		maskBits := rec.Mask.ToUint32()
		hostMask := ^maskBits
		if a&maskBits == rec.SubnetNet.ToUint32() && a&hostMask == hostMask {
			return true
		}
	}
	return false
}

// isClassDirectedBroadcast reports whether addr is the classful-network
// broadcast (all-ones host portion per the class A/B/C boundary, ignoring
// any actual subnet mask) of some address configured on ifNbr — distinct
// from isDirectedBroadcast's subnet-scoped check per §4.3 step 11(e)/(f).
func (v *Validator) isClassDirectedBroadcast(ifNbr int, addr common.IPv4Address) bool {
	for _, host := range v.Addrs.GetAll(ifNbr) {
		if sameClassNetwork(host, addr) && isClassABCBroadcastHost(addr) {
			return true
		}
	}
	return false
}

// sameClassNetwork reports whether a and b share the same class A/B/C
// network portion.
func sameClassNetwork(a, b common.IPv4Address) bool {
	av, bv := a.ToUint32(), b.ToUint32()
	var netMask uint32
	switch {
	case av>>31 == 0:
		netMask = 0xFF000000
	case av>>30 == 0b10:
		netMask = 0xFFFF0000
	case av>>29 == 0b110:
		netMask = 0xFFFFFF00
	default:
		return false
	}
	return av&netMask == bv&netMask
}

// checkSourceAddr rejects the source-address patterns RFC 1122 §3.2.1.3
// forbids on a received datagram (zero network, limited broadcast, class D,
// class A/B/C broadcast host, and non-loopback-local 127/8).
func (v *Validator) checkSourceAddr(src common.IPv4Address, remote bool) error {
	v4 := src.ToUint32()
	if v4 == 0 {
		if remote {
			return ErrInvalidAddrSrc // THIS_HOST only permitted on loopback/init path
		}
		return nil
	}
	if isLimitedBroadcast(src) {
		return ErrInvalidAddrSrc
	}
	if v4>>24 == 127 && remote {
		return ErrInvalidAddrSrc
	}
	if IsClassD(src) {
		return ErrInvalidAddrSrc
	}
	if isClassABCBroadcastHost(src) {
		return ErrInvalidAddrSrc
	}
	return nil
}

// isClassABCBroadcastHost reports whether addr's host portion (within its
// implied class A/B/C network) is all-ones, i.e. a broadcast pattern, per
// the same classful rule ValidHostAddr applies on the configuration side.
func isClassABCBroadcastHost(addr common.IPv4Address) bool {
	v := addr.ToUint32()
	var hostMask uint32
	switch {
	case v>>31 == 0:
		hostMask = 0x00FFFFFF
	case v>>30 == 0b10:
		hostMask = 0x0000FFFF
	case v>>29 == 0b110:
		hostMask = 0x000000FF
	default:
		return false
	}
	return v&hostMask == hostMask
}

// checkDestAddr accepts dest only if it names a configured local address,
// a joined multicast group, the loopback net, the limited broadcast
// address, the local-link-local all-ones address, the classful (class
// A/B/C) network broadcast of a configured address, or a directed broadcast
// on the receiving interface's subnet; every other destination is rejected.
func (v *Validator) checkDestAddr(buf *Buffer, dest common.IPv4Address, remote bool) error {
	loopback := buf.IfNbr == v.LoopbackIf
	if remote == loopback {
		// remote packets must not arrive on loopback, loopback packets must
		// arrive only on loopback.
		return ErrInvalidAddrDest
	}

	if _, ok := v.Addrs.LookupOnIf(buf.IfNbr, dest); ok {
		return nil
	}
	if v.Groups != nil && IsClassD(dest) && v.Groups.IsMember(buf.IfNbr, dest) {
		return nil
	}
	if loopback && dest.ToUint32()>>24 == 127 {
		return nil
	}
	if isLimitedBroadcast(dest) {
		return nil
	}
	if isLinkLocal(dest) {
		if dest == (common.IPv4Address{169, 254, 255, 255}) && v.hasLinkLocalAddr(buf.IfNbr) {
			return nil
		}
		return ErrInvalidAddrDest
	}
	if v.isClassDirectedBroadcast(buf.IfNbr, dest) {
		return nil
	}
	if v.isDirectedBroadcast(buf.IfNbr, dest) {
		return nil
	}
	return ErrInvalidAddrDest
}
