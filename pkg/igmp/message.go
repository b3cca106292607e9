// Package igmp implements IGMPv2 (RFC 2236) host-side group membership: the
// message codec, a per-interface membership table, and the join/leave/query
// state machine that the IPv4 engine's validator consults through
// ip.GroupMembership when deciding whether a multicast destination address
// is locally joined.
package igmp

import (
	"encoding/binary"
	"fmt"

	"github.com/embernet/ipcore/pkg/common"
)

// Message types (RFC 2236 §2).
const (
	TypeMembershipQuery    uint8 = 0x11
	TypeV1MembershipReport uint8 = 0x12
	TypeV2MembershipReport uint8 = 0x16
	TypeLeaveGroup         uint8 = 0x17
)

// HeaderLen is the fixed IGMPv2 message size; IGMPv2 carries no options or
// variable-length group records (unlike v3).
const HeaderLen = 8

// AllHosts is the IPv4 all-hosts multicast address (224.0.0.1): every
// multicast-capable host is implicitly a permanent member, RFC 1112 §6.2.
var AllHosts = common.IPv4Address{224, 0, 0, 1}

// Message is a parsed IGMPv2 message.
type Message struct {
	Type         uint8
	MaxRespTime  uint8 // deciseconds, meaningful only on TypeMembershipQuery
	Checksum     uint16
	GroupAddress common.IPv4Address
}

// Parse decodes an IGMPv2 message from the wire. IGMPv2 messages are always
// exactly HeaderLen bytes; anything shorter is malformed, and trailing bytes
// (e.g. an IGMPv3 report landing on a v2-only decoder) are ignored rather
// than rejected, matching a v2 host's "parse what you understand" stance.
func Parse(data []byte) (*Message, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("igmp: message too short: %d bytes", len(data))
	}
	m := &Message{
		Type:        data[0],
		MaxRespTime: data[1],
		Checksum:    binary.BigEndian.Uint16(data[2:4]),
	}
	copy(m.GroupAddress[:], data[4:8])
	return m, nil
}

// VerifyChecksum reports whether data's Internet checksum (RFC 1071) is
// valid. data must be the full received message, checksum field included.
func VerifyChecksum(data []byte) bool {
	return len(data) >= HeaderLen && common.Checksum16(data) == 0
}

// Serialize encodes m to wire bytes with a freshly computed checksum.
func (m *Message) Serialize() []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = m.Type
	buf[1] = m.MaxRespTime
	copy(buf[4:8], m.GroupAddress[:])
	m.Checksum = common.Checksum16(buf)
	binary.BigEndian.PutUint16(buf[2:4], m.Checksum)
	return buf
}

// NewMembershipReport builds an unsolicited or query-response IGMPv2
// Membership Report for group.
func NewMembershipReport(group common.IPv4Address) *Message {
	return &Message{Type: TypeV2MembershipReport, GroupAddress: group}
}

// NewLeaveGroup builds an IGMPv2 Leave Group message for group.
func NewLeaveGroup(group common.IPv4Address) *Message {
	return &Message{Type: TypeLeaveGroup, GroupAddress: group}
}

func (m *Message) String() string {
	name := "Unknown"
	switch m.Type {
	case TypeMembershipQuery:
		name = "Query"
	case TypeV1MembershipReport:
		name = "Report(v1)"
	case TypeV2MembershipReport:
		name = "Report(v2)"
	case TypeLeaveGroup:
		name = "Leave"
	}
	return fmt.Sprintf("IGMP{Type=%s, Group=%s, MaxRespTime=%d}", name, m.GroupAddress, m.MaxRespTime)
}
