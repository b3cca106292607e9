package ip

import (
	"math/bits"
	"sync"

	"github.com/embernet/ipcore/pkg/common"
)

// CfgState is the per-interface address-configuration state machine:
// none configured, statically configured, dynamically configured, or
// mid-acquisition.
type CfgState uint8

const (
	CfgNone CfgState = iota
	CfgStatic
	CfgDynamic
	CfgDynamicInit
)

// AddrRecord is one configured address entry.
type AddrRecord struct {
	Host         common.IPv4Address
	Mask         common.IPv4Address
	MaskHost     common.IPv4Address
	SubnetNet    common.IPv4Address
	DfltGateway  common.IPv4Address
	HasGateway   bool
}

// ConnCloser lets the address table close transport connections bound to an
// address being removed, without pkg/ip importing pkg/udp or pkg/tcp
// directly.
type ConnCloser interface {
	CloseConnsFor(host common.IPv4Address)
}

type ifaceAddrs struct {
	entries   []AddrRecord // len == n_cfgd; capacity MaxPerIf
	state     CfgState
	conflict  bool
}

// AddressTable is the per-interface address configuration store. Each
// interface keeps its entries in a fixed-capacity slice rather than a map,
// since entries must compact on removal.
type AddressTable struct {
	mu         sync.Mutex
	maxPerIf   int
	ifaces     map[int]*ifaceAddrs
	closer     ConnCloser
	dynInitIf  int // interface currently in DYNAMIC_INIT, NoIndex if none
}

// NewAddressTable creates an address table bounding each interface to
// maxPerIf entries.
func NewAddressTable(maxPerIf int, closer ConnCloser) *AddressTable {
	return &AddressTable{
		maxPerIf:  maxPerIf,
		ifaces:    make(map[int]*ifaceAddrs),
		closer:    closer,
		dynInitIf: NoIndex,
	}
}

func (t *AddressTable) ifaceLocked(ifNbr int) *ifaceAddrs {
	ia, ok := t.ifaces[ifNbr]
	if !ok {
		ia = &ifaceAddrs{entries: make([]AddrRecord, 0, t.maxPerIf)}
		t.ifaces[ifNbr] = ia
	}
	return ia
}

// CfgAddStatic adds a statically configured address to an interface.
// Rejects per the state machine, a conflicting address already configured
// elsewhere, a full table, or host/gateway validation failure.
func (t *AddressTable) CfgAddStatic(ifNbr int, host, mask, gw common.IPv4Address, hasGateway bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ia := t.ifaceLocked(ifNbr)
	if ia.state == CfgDynamicInit || ia.state == CfgDynamic {
		return ErrAddrCfgState
	}
	if err := t.validateNewRecordLocked(ifNbr, host, mask, gw, hasGateway); err != nil {
		return err
	}

	rec := recordFor(host, mask, gw, hasGateway)
	ia.entries = append(ia.entries, rec)
	ia.state = CfgStatic
	return nil
}

// CfgAddDynamic installs a single dynamically-acquired address, only while
// the interface is in DYNAMIC_INIT.
func (t *AddressTable) CfgAddDynamic(ifNbr int, host, mask, gw common.IPv4Address, hasGateway bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ia := t.ifaceLocked(ifNbr)
	if ia.state != CfgDynamicInit {
		return ErrAddrCfgState
	}
	if err := t.validateNewRecordLocked(ifNbr, host, mask, gw, hasGateway); err != nil {
		return err
	}

	ia.entries = append(ia.entries, recordFor(host, mask, gw, hasGateway))
	ia.state = CfgDynamic
	if t.dynInitIf == ifNbr {
		t.dynInitIf = NoIndex
	}
	return nil
}

// CfgDynamicStart transitions an interface into DYNAMIC_INIT after removing
// all of its current addresses; at most one interface globally may be in
// this state.
func (t *AddressTable) CfgDynamicStart(ifNbr int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ia := t.ifaceLocked(ifNbr)
	if ia.state == CfgDynamicInit {
		return nil // idempotent, per the state table
	}
	if t.dynInitIf != NoIndex && t.dynInitIf != ifNbr {
		return ErrAddrCfgInProgress
	}

	t.removeAllLocked(ifNbr, ia)
	ia.state = CfgDynamicInit
	t.dynInitIf = ifNbr
	return nil
}

// CfgDynamicStop leaves DYNAMIC_INIT without an address having been
// acquired, falling back to STATIC (empty) per the state table.
func (t *AddressTable) CfgDynamicStop(ifNbr int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ia := t.ifaceLocked(ifNbr)
	if ia.state != CfgDynamicInit {
		return ErrAddrCfgState
	}
	ia.state = CfgStatic
	if t.dynInitIf == ifNbr {
		t.dynInitIf = NoIndex
	}
	return nil
}

// CfgRemove removes one address from an interface, closing any transport
// connections bound to it first.
func (t *AddressTable) CfgRemove(ifNbr int, host common.IPv4Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ia, ok := t.ifaces[ifNbr]
	if !ok {
		return ErrAddrNotFound
	}
	idx := -1
	for i, e := range ia.entries {
		if e.Host == host {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrAddrNotFound
	}

	if t.closer != nil {
		t.closer.CloseConnsFor(host)
	}
	ia.entries = append(ia.entries[:idx], ia.entries[idx+1:]...)

	if len(ia.entries) == 0 {
		ia.state = CfgStatic
	}
	return nil
}

// CfgRemoveAll clears every address configured on an interface.
func (t *AddressTable) CfgRemoveAll(ifNbr int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ia := t.ifaceLocked(ifNbr)
	t.removeAllLocked(ifNbr, ia)
	ia.state = CfgStatic
}

func (t *AddressTable) removeAllLocked(ifNbr int, ia *ifaceAddrs) {
	if t.closer != nil {
		for _, e := range ia.entries {
			t.closer.CloseConnsFor(e.Host)
		}
	}
	ia.entries = ia.entries[:0]
}

// LookupOnIf finds a configured address record on a specific interface.
func (t *AddressTable) LookupOnIf(ifNbr int, host common.IPv4Address) (AddrRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ia, ok := t.ifaces[ifNbr]
	if !ok {
		return AddrRecord{}, false
	}
	for _, e := range ia.entries {
		if e.Host == host {
			return e, true
		}
	}
	return AddrRecord{}, false
}

// LookupAny finds a configured address record on any interface.
func (t *AddressTable) LookupAny(host common.IPv4Address) (int, AddrRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ifNbr, ia := range t.ifaces {
		for _, e := range ia.entries {
			if e.Host == host {
				return ifNbr, e, true
			}
		}
	}
	return 0, AddrRecord{}, false
}

// GetAll returns the configured hosts on an interface.
func (t *AddressTable) GetAll(ifNbr int) []common.IPv4Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	ia, ok := t.ifaces[ifNbr]
	if !ok {
		return nil
	}
	out := make([]common.IPv4Address, len(ia.entries))
	for i, e := range ia.entries {
		out[i] = e.Host
	}
	return out
}

// GetSourceFor finds the interface address whose subnet contains remote;
// failing that, the default gateway's interface's first address.
func (t *AddressTable) GetSourceFor(remote common.IPv4Address) (common.IPv4Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	remoteBits := remote.ToUint32()
	for _, ia := range t.ifaces {
		for _, e := range ia.entries {
			maskBits := e.Mask.ToUint32()
			if remoteBits&maskBits == e.SubnetNet.ToUint32() {
				return e.Host, true
			}
		}
	}
	for _, ia := range t.ifaces {
		for _, e := range ia.entries {
			if e.HasGateway {
				return ia.entries[0].Host, true
			}
		}
	}
	return common.IPv4Address{}, false
}

func (t *AddressTable) validateNewRecordLocked(ifNbr int, host, mask, gw common.IPv4Address, hasGateway bool) error {
	ia := t.ifaceLocked(ifNbr)
	if len(ia.entries) >= t.maxPerIf {
		return ErrAddrTblFull
	}
	if _, _, found := t.lookupAnyLocked(host); found {
		return ErrAddrCfgInUse
	}
	if !ValidHostAddr(host) {
		return ErrInvalidAddrHost
	}
	if !ValidSubnetMask(mask) {
		return ErrInvalidOptCfg
	}
	if hasGateway {
		if !isUnicastHost(gw) {
			return ErrInvalidAddrGateway
		}
		if host.ToUint32()&mask.ToUint32() != gw.ToUint32()&mask.ToUint32() {
			return ErrInvalidAddrGateway
		}
	}
	return nil
}

func (t *AddressTable) lookupAnyLocked(host common.IPv4Address) (int, AddrRecord, bool) {
	for ifNbr, ia := range t.ifaces {
		for _, e := range ia.entries {
			if e.Host == host {
				return ifNbr, e, true
			}
		}
	}
	return 0, AddrRecord{}, false
}

func recordFor(host, mask, gw common.IPv4Address, hasGateway bool) AddrRecord {
	hostBits := host.ToUint32()
	maskBits := mask.ToUint32()
	return AddrRecord{
		Host:        host,
		Mask:        mask,
		MaskHost:    common.IPv4FromUint32(hostBits &^ maskBits),
		SubnetNet:   common.IPv4FromUint32(hostBits & maskBits),
		DfltGateway: gw,
		HasGateway:  hasGateway,
	}
}

// isUnicastHost is the gateway-specific check: a valid unicast host
// address, i.e. ValidHostAddr (whose loopback/link-local carve-outs
// already cover what a gateway address needs to satisfy).
func isUnicastHost(addr common.IPv4Address) bool {
	return ValidHostAddr(addr)
}

// ValidHostAddr reports whether addr is usable as a configured host
// address under RFC 950/791's classful rules plus RFC 3927 link-local.
func ValidHostAddr(addr common.IPv4Address) bool {
	v := addr.ToUint32()
	if v == 0x00000000 || v == 0xFFFFFFFF {
		return false
	}
	if v>>24 == 127 {
		return false
	}
	if v>>16 == 0xA9FE { // 169.254.0.0/16
		thirdOctet := (v >> 8) & 0xFF
		// valid range is 169.254.1.0 .. 169.254.254.255 inclusive; the
		// reserved 169.254.0.0/24 and 169.254.255.0/24 subnets are excluded
		// entirely by third-octet alone, regardless of the fourth octet.
		return thirdOctet != 0 && thirdOctet != 255
	}
	if v>>28 == 0xE { // 224.0.0.0/4, class D
		return false
	}

	// Class A/B/C host-portion all-zero/all-one check (RFC 950/791).
	var hostMask uint32
	switch {
	case v>>31 == 0: // class A
		hostMask = 0x00FFFFFF
	case v>>30 == 0b10: // class B
		hostMask = 0x0000FFFF
	case v>>29 == 0b110: // class C
		hostMask = 0x000000FF
	default: // class D/E already excluded above for D; E is not addressable
		return false
	}
	hostPart := v & hostMask
	if hostPart == 0 || hostPart == hostMask {
		return false
	}
	return true
}

// ValidSubnetMask reports whether mask is contiguous from the high bit,
// with between 2 and 30 one-bits.
func ValidSubnetMask(mask common.IPv4Address) bool {
	v := mask.ToUint32()
	ones := bits.OnesCount32(v)
	if ones < 2 || ones > 30 {
		return false
	}
	// contiguous: v must equal the top `ones` bits set, rest zero.
	expect := ^uint32(0) << (32 - ones)
	return v == expect
}
