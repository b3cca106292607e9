package ip

import (
	"encoding/binary"

	"github.com/embernet/ipcore/pkg/common"
)

// hdrSpec describes one IPv4 header to synthesize for a test, with
// zero-valued fields taking RFC 791's obvious defaults.
type hdrSpec struct {
	TOS        byte
	ID         uint16
	DF, MF     bool
	FragOffset uint16 // in 8-octet units
	TTL        byte
	Protocol   common.Protocol
	Src, Dest  common.IPv4Address
	Options    []byte
	PayloadLen int
	BadChkSum  bool
}

// buildDatagram encodes spec into a full wire-format datagram (header,
// options, and a payload of incrementing bytes), with a correct checksum
// unless BadChkSum asks otherwise.
func buildDatagram(spec hdrSpec) []byte {
	ihl := minIHL + len(spec.Options)
	totLen := ihl + spec.PayloadLen
	buf := make([]byte, totLen)

	buf[0] = 0x40 | byte(ihl/4)
	buf[1] = spec.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(totLen))
	binary.BigEndian.PutUint16(buf[4:6], spec.ID)

	var flagsFrag uint16
	if spec.DF {
		flagsFrag |= 0x4000
	}
	if spec.MF {
		flagsFrag |= 0x2000
	}
	flagsFrag |= spec.FragOffset & 0x1FFF
	binary.BigEndian.PutUint16(buf[6:8], flagsFrag)

	ttl := spec.TTL
	if ttl == 0 {
		ttl = 64
	}
	buf[8] = ttl
	buf[9] = byte(spec.Protocol)
	copy(buf[12:16], spec.Src[:])
	copy(buf[16:20], spec.Dest[:])
	if len(spec.Options) > 0 {
		copy(buf[20:20+len(spec.Options)], spec.Options)
	}

	for i := ihl; i < totLen; i++ {
		buf[i] = byte(i)
	}

	chk := common.Checksum16(buf[:ihl])
	if spec.BadChkSum {
		chk ^= 0xFFFF
	}
	binary.BigEndian.PutUint16(buf[10:12], chk)

	return buf
}

// newTestBuffer wraps raw into a *Buffer in the post-driver, pre-validate
// state Validator.Validate expects.
func newTestBuffer(raw []byte, ifNbr int, flags Flags) *Buffer {
	b := &Buffer{
		Data:            make([]byte, len(raw)),
		DataLen:         len(raw),
		IPHdrIx:         0,
		ICMPIx:          NoIndex,
		IGMPIx:          NoIndex,
		TransportIx:     NoIndex,
		ProtocolHdrType: ProtoHdrIPv4,
		IfNbr:           ifNbr,
		IfNbrTx:         NoIndex,
		Flags:           flags,
	}
	copy(b.Data, raw)
	return b
}

// newTestValidator builds a Validator with one interface configured with
// host/mask and no default gateway.
func newTestValidator(ifNbr int, host, mask common.IPv4Address) (*Validator, *AddressTable) {
	addrs := NewAddressTable(4, nil)
	_ = addrs.CfgAddStatic(ifNbr, host, mask, common.IPv4Address{}, false)
	return &Validator{Addrs: addrs, LoopbackIf: NoIndex}, addrs
}
