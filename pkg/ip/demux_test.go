package ip

import (
	"testing"

	"github.com/embernet/ipcore/pkg/common"
)

type recordingReceiver struct {
	got []*Buffer
	err error
}

func (r *recordingReceiver) Receive(buf *Buffer) error {
	r.got = append(r.got, buf)
	return r.err
}

func TestDemux_DispatchNonFragment(t *testing.T) {
	d := NewDemux()
	udp := &recordingReceiver{}
	d.Register(common.ProtocolUDP, udp)

	buf := &Buffer{
		ProtocolHdrTypeNetSub: ProtoHdrUDPv4,
		IPTotLen:              40,
		IPHdrLen:              20,
	}

	if err := d.Dispatch(buf, false); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(udp.got) != 1 || udp.got[0] != buf {
		t.Fatalf("udp receiver got %v, want [buf]", udp.got)
	}
	if buf.DataLen != 20 {
		t.Errorf("DataLen = %d, want 20", buf.DataLen)
	}
}

func TestDemux_DispatchReassembled(t *testing.T) {
	d := NewDemux()
	icmp := &recordingReceiver{}
	d.Register(common.ProtocolICMP, icmp)

	buf := &Buffer{
		ProtocolHdrTypeNetSub: ProtoHdrICMPv4,
		IPFragSizeTot:         100,
	}

	if err := d.Dispatch(buf, true); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if buf.DataLen != 100 {
		t.Errorf("DataLen = %d, want 100", buf.DataLen)
	}
}

func TestDemux_DispatchUnregisteredProtocol(t *testing.T) {
	d := NewDemux()
	buf := &Buffer{ProtocolHdrTypeNetSub: ProtoHdrTCPv4}

	if err := d.Dispatch(buf, false); err != ErrInvalidProtocol {
		t.Errorf("Dispatch() error = %v, want ErrInvalidProtocol", err)
	}
}

func TestDemux_DispatchPropagatesReceiverError(t *testing.T) {
	d := NewDemux()
	igmp := &recordingReceiver{err: ErrInvalidDataLen}
	d.Register(ProtocolIGMP, igmp)

	buf := &Buffer{ProtocolHdrTypeNetSub: ProtoHdrIGMP}
	if err := d.Dispatch(buf, false); err != ErrInvalidDataLen {
		t.Errorf("Dispatch() error = %v, want ErrInvalidDataLen", err)
	}
}
