// Package ip implements the embedded IPv4 engine: packet validation,
// fragment reassembly, demultiplexing, and transmit preparation, per
// RFC 791, RFC 1122, RFC 950, RFC 1071, RFC 1112, and RFC 3927.
package ip

import (
	"sync"

	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/timer"
)

// NoIndex is the sentinel value for an unset header-offset cursor or
// interface identifier.
const NoIndex = -1

// LocalHost is the sentinel interface identifier for the loopback path.
const LocalHost = -2

// ProtoHdrType tags which protocol header a Buffer currently exposes.
type ProtoHdrType uint8

const (
	ProtoHdrNone ProtoHdrType = iota
	ProtoHdrIPv4
	ProtoHdrIPv4Opt
	ProtoHdrICMPv4
	ProtoHdrIGMP
	ProtoHdrUDPv4
	ProtoHdrTCPv4
)

// Flags is the per-buffer bitset recording how a datagram arrived or how it
// should be sent.
type Flags uint16

const (
	FlagRxBroadcast Flags = 1 << iota
	FlagRxMulticast
	FlagRxRemote
	FlagTxBroadcast
	FlagTxMulticast
)

// Buffer is the uniform view over packet memory shared by every stage of
// the engine. It is allocated from a BufferPool and owned by exactly one subsystem at a
// time (driver → validator → reassembly list → demux → upper layer → pool);
// handoff is a pointer move, never a shared reference.
type Buffer struct {
	Data    []byte // payload, fixed capacity at allocation; may be oversized
	DataLen int    // current logical length
	TotLen  int    // total length across a buffer chain, if this buffer heads one

	IPHdrIx      int
	ICMPIx       int
	IGMPIx       int
	TransportIx int

	IPTotLen          uint16
	IPHdrLen          uint16
	IPDataLen         uint16
	IPDatagramLen     uint16
	IPID              uint16
	IPFlagsFragOffset uint16
	IPAddrSrc         common.IPv4Address
	IPAddrDest        common.IPv4Address
	IPAddrNextRoute   common.IPv4Address
	IPFragSizeTot     uint16
	IPFragSizeCur     uint16

	ProtocolHdrType       ProtoHdrType
	ProtocolHdrTypeNetSub ProtoHdrType

	// Reassembly linkage. Populated and consulted only by
	// pkg/ip/reassembly.go; meaningless outside a list.
	PrevList *Buffer
	NextList *Buffer
	PrevFrag *Buffer
	NextFrag *Buffer

	// Timer is set on the head buffer of a reassembly list while it is
	// pending.
	Timer *timer.Timer

	Flags    Flags
	IfNbr    int
	IfNbrTx  int
}

// Reset clears a Buffer back to its post-allocation state so it can be
// reused by the pool without leaking a previous datagram's decoded fields
// or list linkage.
func (b *Buffer) Reset() {
	data := b.Data
	*b = Buffer{
		Data:        data[:0],
		IPHdrIx:     NoIndex,
		ICMPIx:      NoIndex,
		IGMPIx:      NoIndex,
		TransportIx: NoIndex,
		IfNbr:       NoIndex,
		IfNbrTx:     NoIndex,
	}
}

// BufferPool arena-allocates Buffers with a fixed-capacity byte payload,
// modeled on the teacher's sync.Pool-backed packet-buffer pool but
// returning *Buffer rather than a bare []byte, since the reassembly
// engine needs the header cursors and list-linkage fields to come
// pre-zeroed to sentinels.
//
// Link fields are typed *Buffer pointers rather than raw arena-index
// handles: with a single owner at any time and Go's garbage collector doing
// the reclamation, a pointer is already a stable handle, without a second
// index table to keep in sync. See DESIGN.md for the corresponding Open
// Question resolution.
type BufferPool struct {
	payloadSize int
	pool        sync.Pool
}

// NewBufferPool creates a pool of Buffers whose Data slice has capacity
// payloadSize.
func NewBufferPool(payloadSize int) *BufferPool {
	bp := &BufferPool{payloadSize: payloadSize}
	bp.pool.New = func() any {
		return &Buffer{Data: make([]byte, payloadSize)}
	}
	return bp
}

// Get returns a Buffer ready for a fresh datagram: sentinels set, Data
// truncated to zero length and grown back to n bytes of capacity-backed
// storage.
func (bp *BufferPool) Get(n int) *Buffer {
	buf := bp.pool.Get().(*Buffer)
	if cap(buf.Data) < n {
		buf.Data = make([]byte, n)
	}
	buf.Reset()
	buf.Data = buf.Data[:n]
	return buf
}

// Put returns a Buffer to the pool. The caller must not touch buf after
// calling Put; doing so would violate the single-owner invariant
// documented on Buffer.
func (bp *BufferPool) Put(buf *Buffer) {
	if buf == nil {
		return
	}
	buf.PrevList, buf.NextList = nil, nil
	buf.PrevFrag, buf.NextFrag = nil, nil
	buf.Timer = nil
	bp.pool.Put(buf)
}
