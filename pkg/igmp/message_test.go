package igmp

import (
	"testing"

	"github.com/embernet/ipcore/pkg/common"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	group := common.IPv4Address{224, 1, 2, 3}
	msg := NewMembershipReport(group)

	wire := msg.Serialize()
	if len(wire) != HeaderLen {
		t.Fatalf("Serialize() length = %d, want %d", len(wire), HeaderLen)
	}
	if !VerifyChecksum(wire) {
		t.Fatal("VerifyChecksum() = false on freshly serialized message")
	}

	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.Type != TypeV2MembershipReport || got.GroupAddress != group {
		t.Errorf("Parse() = %+v, want Type=%d Group=%v", got, TypeV2MembershipReport, group)
	}
}

func TestParse_TooShort(t *testing.T) {
	if _, err := Parse(make([]byte, HeaderLen-1)); err == nil {
		t.Error("Parse() error = nil, want error for short message")
	}
}

func TestVerifyChecksum_CorruptedMessage(t *testing.T) {
	wire := NewLeaveGroup(common.IPv4Address{224, 0, 0, 5}).Serialize()
	wire[4] ^= 0xFF // flip a byte in the group address
	if VerifyChecksum(wire) {
		t.Error("VerifyChecksum() = true on corrupted message")
	}
}

func TestNewLeaveGroup(t *testing.T) {
	group := common.IPv4Address{239, 1, 1, 1}
	msg := NewLeaveGroup(group)
	if msg.Type != TypeLeaveGroup || msg.GroupAddress != group {
		t.Errorf("NewLeaveGroup() = %+v", msg)
	}
}
