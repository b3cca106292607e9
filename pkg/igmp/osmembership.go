package igmp

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/embernet/ipcore/pkg/common"
)

// OSJoiner asks the host kernel to enable reception of a multicast group's
// frames at the network-interface level. Sending our own Membership Report
// (send, above) satisfies RFC 2236 toward routers on the LAN, but a raw or
// packet socket only ever sees frames the NIC itself chooses to pass up;
// without a matching kernel-level join the driver (filtering on destination
// MAC) never receives them. The default implementation opens a UDP
// PacketConn purely to ride golang.org/x/net/ipv4's JoinGroup/LeaveGroup
// down to setsockopt(IP_ADD_MEMBERSHIP).
type OSJoiner interface {
	JoinGroup(ifName string, group common.IPv4Address) error
	LeaveGroup(ifName string, group common.IPv4Address) error
}

// osJoiner is the default OSJoiner: one long-lived UDP socket shared by all
// interfaces, used only to carry kernel multicast-membership socket options,
// never to move data.
type osJoiner struct {
	conn *ipv4.PacketConn
}

// NewOSJoiner opens the control socket used to join/leave multicast groups
// at the kernel level.
func NewOSJoiner() (OSJoiner, error) {
	c, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("igmp: open membership control socket: %w", err)
	}
	return &osJoiner{conn: ipv4.NewPacketConn(c)}, nil
}

func (j *osJoiner) JoinGroup(ifName string, group common.IPv4Address) error {
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return fmt.Errorf("igmp: %w", err)
	}
	addr := &net.UDPAddr{IP: net.IP(group[:])}
	return j.conn.JoinGroup(iface, addr)
}

func (j *osJoiner) LeaveGroup(ifName string, group common.IPv4Address) error {
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return fmt.Errorf("igmp: %w", err)
	}
	addr := &net.UDPAddr{IP: net.IP(group[:])}
	return j.conn.LeaveGroup(iface, addr)
}
