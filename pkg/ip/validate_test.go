package ip

import (
	"testing"

	"github.com/embernet/ipcore/pkg/common"
)

func TestValidate_Basic(t *testing.T) {
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	src := mustAddr(t, "192.168.1.200")
	v, _ := newTestValidator(0, host, mask)

	raw := buildDatagram(hdrSpec{
		ID:         1,
		TTL:        64,
		Protocol:   common.ProtocolUDP,
		Src:        src,
		Dest:       host,
		PayloadLen: 16,
	})
	buf := newTestBuffer(raw, 0, FlagRxRemote)

	if err := v.Validate(buf); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if buf.ProtocolHdrType != ProtoHdrUDPv4 {
		t.Errorf("ProtocolHdrType = %v, want ProtoHdrUDPv4", buf.ProtocolHdrType)
	}
	if buf.TransportIx != minIHL {
		t.Errorf("TransportIx = %d, want %d", buf.TransportIx, minIHL)
	}
	if buf.DataLen != 16 {
		t.Errorf("DataLen = %d, want 16", buf.DataLen)
	}
}

func TestValidate_BadVersion(t *testing.T) {
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)

	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "192.168.1.200"), Dest: host, PayloadLen: 4})
	raw[0] = 0x50 | (raw[0] & 0x0F) // version 5
	buf := newTestBuffer(raw, 0, FlagRxRemote)

	if err := v.Validate(buf); err != ErrInvalidVersion {
		t.Errorf("Validate() error = %v, want ErrInvalidVersion", err)
	}
}

func TestValidate_BadChecksum(t *testing.T) {
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)

	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "192.168.1.200"), Dest: host, PayloadLen: 4, BadChkSum: true})
	buf := newTestBuffer(raw, 0, FlagRxRemote)

	if err := v.Validate(buf); err != ErrInvalidChkSum {
		t.Errorf("Validate() error = %v, want ErrInvalidChkSum", err)
	}
}

func TestValidate_ChecksumOffloadSkipsVerification(t *testing.T) {
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)
	v.ChecksumOffloadRX = true

	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "192.168.1.200"), Dest: host, PayloadLen: 4, BadChkSum: true})
	buf := newTestBuffer(raw, 0, FlagRxRemote)

	if err := v.Validate(buf); err != nil {
		t.Errorf("Validate() with offload error = %v, want nil", err)
	}
}

func TestValidate_DFAndMoreFragmentsConflict(t *testing.T) {
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)

	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "192.168.1.200"), Dest: host, PayloadLen: 8, DF: true, MF: true})
	buf := newTestBuffer(raw, 0, FlagRxRemote)

	if err := v.Validate(buf); err != ErrInvalidFlag {
		t.Errorf("Validate() error = %v, want ErrInvalidFlag", err)
	}
}

func TestValidate_UnsupportedProtocolNotifies(t *testing.T) {
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)

	var notified *Buffer
	v.Notify = notifierFuncs{
		protoUnreachable: func(buf *Buffer) { notified = buf },
	}

	raw := buildDatagram(hdrSpec{Protocol: 99, Src: mustAddr(t, "192.168.1.200"), Dest: host, PayloadLen: 4})
	buf := newTestBuffer(raw, 0, FlagRxRemote)

	if err := v.Validate(buf); err != ErrInvalidProtocol {
		t.Errorf("Validate() error = %v, want ErrInvalidProtocol", err)
	}
	if notified != buf {
		t.Error("ErrorNotifier.NotifyProtocolUnreachable was not invoked with buf")
	}
}

func TestValidate_DestinationNotLocalRejected(t *testing.T) {
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)

	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "192.168.1.200"), Dest: mustAddr(t, "8.8.8.8"), PayloadLen: 4})
	buf := newTestBuffer(raw, 0, FlagRxRemote)

	if err := v.Validate(buf); err != ErrInvalidAddrDest {
		t.Errorf("Validate() error = %v, want ErrInvalidAddrDest", err)
	}
}

func TestValidate_DirectedBroadcastAccepted(t *testing.T) {
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)

	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "192.168.1.200"), Dest: mustAddr(t, "192.168.1.255"), PayloadLen: 4})
	buf := newTestBuffer(raw, 0, FlagRxRemote|FlagRxBroadcast)

	if err := v.Validate(buf); err != nil {
		t.Errorf("Validate() error = %v, want nil for directed broadcast", err)
	}
}

func TestValidate_ClassDirectedBroadcastAccepted(t *testing.T) {
	// 10.0.0.5/24: the configured subnet's directed broadcast is
	// 10.0.0.255, but the classful (class A) network broadcast
	// 10.255.255.255 must still be accepted per §4.3 step 11(e).
	host := mustAddr(t, "10.0.0.5")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)

	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "10.0.0.200"), Dest: mustAddr(t, "10.255.255.255"), PayloadLen: 4})
	buf := newTestBuffer(raw, 0, FlagRxRemote|FlagRxBroadcast)

	if err := v.Validate(buf); err != nil {
		t.Errorf("Validate() error = %v, want nil for class-directed broadcast", err)
	}
}

func TestValidate_LinkLocalBroadcastAcceptedWhenConfigured(t *testing.T) {
	host := mustAddr(t, "169.254.1.5")
	mask := mustAddr(t, "255.255.0.0")
	v, _ := newTestValidator(0, host, mask)

	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "169.254.1.6"), Dest: mustAddr(t, "169.254.255.255"), PayloadLen: 4})
	buf := newTestBuffer(raw, 0, FlagRxRemote|FlagRxBroadcast)

	if err := v.Validate(buf); err != nil {
		t.Errorf("Validate() error = %v, want nil for link-local broadcast on a link-local-configured interface", err)
	}
}

func TestValidate_LinkLocalBroadcastRejectedWithoutLinkLocalAddr(t *testing.T) {
	// No 169.254.0.0/16 address configured on this interface: the
	// link-local broadcast must not be accepted just because it matches
	// 169.254.255.255 exactly.
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)

	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "192.168.1.200"), Dest: mustAddr(t, "169.254.255.255"), PayloadLen: 4})
	buf := newTestBuffer(raw, 0, FlagRxRemote|FlagRxBroadcast)

	if err := v.Validate(buf); err != ErrInvalidAddrDest {
		t.Errorf("Validate() error = %v, want ErrInvalidAddrDest for unconfigured link-local broadcast", err)
	}
}

func TestValidate_BroadcastConsistencyMismatch(t *testing.T) {
	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	v, _ := newTestValidator(0, host, mask)

	// Link layer says broadcast, but destination is this host's unicast
	// address: IP-level classification disagrees with the link layer.
	raw := buildDatagram(hdrSpec{Protocol: common.ProtocolUDP, Src: mustAddr(t, "192.168.1.200"), Dest: host, PayloadLen: 4})
	buf := newTestBuffer(raw, 0, FlagRxRemote|FlagRxBroadcast)

	if err := v.Validate(buf); err != ErrInvalidAddrBroadcast {
		t.Errorf("Validate() error = %v, want ErrInvalidAddrBroadcast", err)
	}
}

type notifierFuncs struct {
	protoUnreachable func(buf *Buffer)
	paramProblem     func(buf *Buffer, pointer uint8)
}

func (n notifierFuncs) NotifyProtocolUnreachable(buf *Buffer) {
	if n.protoUnreachable != nil {
		n.protoUnreachable(buf)
	}
}

func (n notifierFuncs) NotifyParameterProblem(buf *Buffer, pointer uint8) {
	if n.paramProblem != nil {
		n.paramProblem(buf, pointer)
	}
}
