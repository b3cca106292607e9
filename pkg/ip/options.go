package ip

import (
	"encoding/binary"
	"sync"

	"github.com/embernet/ipcore/pkg/common"
)

const (
	optEndOfList    = 0
	optNOP          = 1
	optSecurity     = 2
	optLooseSR      = 3
	optTimestamp    = 4
	optExtSecurity  = 5
	optRecordRoute  = 7
	optStrictSR     = 9
	maxOptionsLen   = 40
)

// optionScratchPool hands out capacity-40 scratch slices so option decoding
// never mutates the received wire image.
var optionScratchPool = sync.Pool{
	New: func() any { return make([]byte, maxOptionsLen) },
}

func getOptionScratch() []byte {
	return optionScratchPool.Get().([]byte)[:maxOptionsLen]
}

func putOptionScratch(b []byte) {
	optionScratchPool.Put(b) //nolint:staticcheck // pool slice, capacity preserved
}

// decodeOptions walks every option in a received IP header. hdr is the
// full IP header (including the fixed 20-byte portion); ihl is the
// decoded header length.
// On any option error it returns a sentinel taxonomy error and the
// in-header byte offset of the offending option, for the caller's ICMP
// Parameter Problem reply.
func (v *Validator) decodeOptions(buf *Buffer, hdr []byte, ihl int, thisDest common.IPv4Address) (int, error) {
	optLen := ihl - minIHL
	if optLen%4 != 0 || optLen > maxOptionsLen {
		return minIHL, ErrInvalidOptLen
	}

	scratch := getOptionScratch()
	defer putOptionScratch(scratch)
	n := copy(scratch, hdr[minIHL:minIHL+optLen])
	opts := scratch[:n]

	var sawRoute, sawTimestamp bool
	i := 0
	for i < len(opts) {
		typ := opts[i]
		switch typ {
		case optEndOfList:
			return 0, nil
		case optNOP:
			i++
			continue
		case optLooseSR, optStrictSR, optRecordRoute:
			if sawRoute {
				return minIHL + i, ErrInvalidOptNbr
			}
			sawRoute = true
			consumed, err := decodeRouteOption(opts, i, typ, thisDest)
			if err != nil {
				return minIHL + i, err
			}
			i += consumed
		case optTimestamp:
			if sawTimestamp {
				return minIHL + i, ErrInvalidOptNbr
			}
			sawTimestamp = true
			consumed, err := decodeTimestampOption(opts, i, thisDest)
			if err != nil {
				return minIHL + i, err
			}
			i += consumed
		case optSecurity, optExtSecurity:
			if i+1 >= len(opts) {
				return minIHL + i, ErrInvalidOptLen
			}
			l := int(opts[i+1])
			if l < 3 {
				i += 1 // unsupported/ill-formed, ignored
				continue
			}
			if i+l > len(opts) {
				return minIHL + i, ErrInvalidOptLen
			}
			i += l
		default:
			if i+1 >= len(opts) {
				return minIHL + i, ErrInvalidOptLen
			}
			l := int(opts[i+1])
			if l == 0 {
				return minIHL + i, ErrInvalidOptLen
			}
			if i+l > len(opts) {
				return minIHL + i, ErrInvalidOptLen
			}
			i += l
		}
	}
	return 0, nil
}

// decodeRouteOption handles loose/strict source route and record route
// (type 3/9/7). Returns the number of option bytes consumed.
func decodeRouteOption(opts []byte, i int, typ byte, thisDest common.IPv4Address) (int, error) {
	if i+2 >= len(opts) {
		return 0, ErrInvalidOptLen
	}
	l := int(opts[i+1])
	ptr := int(opts[i+2])
	if ptr < 4 {
		return 0, ErrInvalidOptRoute
	}
	if (l-3)%4 != 0 || i+l > len(opts) {
		return 0, ErrInvalidOptLen
	}

	// Convert each recorded address (4-octet words starting at offset 3)
	// to host order in place; they are already host-order-agnostic byte
	// arrays, so this is a structural no-op preserved for symmetry with
	// the encode path below, which writes them back in network order.
	for off := i + 3; off+4 <= i+l; off += 4 {
		_ = binary.BigEndian.Uint32(opts[off : off+4])
	}

	if ptr < l && (typ == optLooseSR || typ == optRecordRoute) {
		slot := i + ptr - 1
		if slot+4 > i+l {
			return 0, ErrInvalidOptRoute
		}
		copy(opts[slot:slot+4], thisDest[:])
		opts[i+2] = byte(ptr + 4)
	}
	return l, nil
}

// decodeTimestampOption handles option type 4, all variants keyed on the
// low nibble of the overflow/flags byte.
func decodeTimestampOption(opts []byte, i int, thisAddr common.IPv4Address) (int, error) {
	if i+3 >= len(opts) {
		return 0, ErrInvalidOptLen
	}
	l := int(opts[i+1])
	ptr := int(opts[i+2])
	overflowFlags := opts[i+3]
	flag := overflowFlags & 0x0F

	if i+l > len(opts) {
		return 0, ErrInvalidOptLen
	}

	var entrySize int
	switch flag {
	case 0: // TS only
		if l%4 != 0 {
			return 0, ErrInvalidOptLen
		}
		entrySize = 4
	case 1, 3: // TS+route-record, TS+route-specified
		if l%8 != 4 {
			return 0, ErrInvalidOptLen
		}
		entrySize = 8
	default:
		return 0, ErrInvalidOptFlag
	}

	if ptr-1+entrySize <= l {
		slot := i + ptr - 1
		if entrySize == 8 {
			copy(opts[slot:slot+4], thisAddr[:])
			binary.BigEndian.PutUint32(opts[slot+4:slot+8], currentTimestampMillis())
		} else {
			binary.BigEndian.PutUint32(opts[slot:slot+4], currentTimestampMillis())
		}
		opts[i+2] = byte(ptr + entrySize)
	} else {
		overflow := overflowFlags >> 4
		if overflow < 15 {
			overflow++
		}
		opts[i+3] = (overflow << 4) | flag
	}
	return l, nil
}

// currentTimestampMillis is the RFC 791 IP timestamp option value:
// milliseconds since midnight UTC.
func currentTimestampMillis() uint32 {
	return currentTimestampMillisAt(nowFunc())
}

// RouteOptionRequest asks BuildOptions to emit a loose/strict source-route
// or record-route option.
type RouteOptionRequest struct {
	Type    byte // optLooseSR, optStrictSR, or optRecordRoute
	Entries []common.IPv4Address
	Ptr     byte // 1-based pointer into the option, per RFC 791
}

// TimestampOptionRequest asks BuildOptions to emit a timestamp option.
type TimestampOptionRequest struct {
	Flag    byte // 0 (TS-only), 1 (TS+route-record), 3 (TS+route-specified)
	Entries int  // number of pre-reserved slots
	Ptr     byte
}

// BuildOptions encodes the transmit-side mirror of decodeOptions: at most
// one route option and one timestamp option, word-padded to a multiple of
// 4 with option 0 (End of List), bounded at 40 octets total.
func BuildOptions(route *RouteOptionRequest, ts *TimestampOptionRequest) ([]byte, error) {
	var out []byte

	if route != nil {
		l := 3 + 4*len(route.Entries)
		if l > maxOptionsLen {
			return nil, ErrInvalidOptLen
		}
		opt := make([]byte, l)
		opt[0] = route.Type
		opt[1] = byte(l)
		opt[2] = route.Ptr
		for i, e := range route.Entries {
			copy(opt[3+4*i:7+4*i], e[:])
		}
		out = append(out, opt...)
	}

	if ts != nil {
		entrySize := 4
		if ts.Flag == 1 || ts.Flag == 3 {
			entrySize = 8
		}
		l := 4 + entrySize*ts.Entries
		if (ts.Flag == 0 && l%4 != 0) || (ts.Flag != 0 && l%8 != 4) {
			return nil, ErrInvalidOptLen
		}
		if len(out)+l > maxOptionsLen {
			return nil, ErrInvalidOptLen
		}
		opt := make([]byte, l)
		opt[0] = optTimestamp
		opt[1] = byte(l)
		opt[2] = ts.Ptr
		opt[3] = ts.Flag
		out = append(out, opt...)
	}

	for len(out)%4 != 0 {
		out = append(out, optEndOfList)
	}
	if len(out) > maxOptionsLen {
		return nil, ErrInvalidOptLen
	}
	return out, nil
}
