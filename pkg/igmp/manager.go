package igmp

import (
	"math/rand"
	"sync"
	"time"

	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/ip"
	"github.com/embernet/ipcore/pkg/timer"
)

// group tracks one interface's membership in one multicast group. refCount
// lets multiple local joiners (sockets) share a single IGMP membership per
// RFC 1112 §6.3 ("a host may join the same group on an interface more than
// once"); the Leave Group message is only sent once refCount drops to zero.
type group struct {
	refCount   int
	reportTmr  *timer.Timer // pending delayed-report response to a Query, nil if none scheduled
	scheduling bool         // true between deciding to schedule a report and the timer being stored
}

// Manager is the IGMPv2 host-side module: it implements ip.UpperLayerReceiver
// for ordinary dispatch of received Query/Report/Leave messages and
// ip.GroupMembership for the validator's destination-address check. Modeled
// on pkg/icmp.Responder's engine-plus-LocalAddrs wiring shape, with group
// bookkeeping narrowed to the single IPv4 address type this engine handles.
type Manager struct {
	Engine     *ip.Engine
	LocalAddrs func(ifNbr int) (common.IPv4Address, bool)

	// OSJoiner and IfName are both optional: when set, Join/Leave also ask
	// the host kernel to pass the group's frames up to the driver, which our
	// own IGMP signalling alone cannot do. Nil OSJoiner (the default) skips
	// this, appropriate for pcapdriver's offline capture mode.
	OSJoiner OSJoiner
	IfName   func(ifNbr int) (string, bool)

	mu     sync.Mutex
	groups map[int]map[common.IPv4Address]*group
}

var _ ip.UpperLayerReceiver = (*Manager)(nil)
var _ ip.GroupMembership = (*Manager)(nil)

// NewManager creates an empty IGMPv2 membership table.
func NewManager(engine *ip.Engine, localAddrs func(ifNbr int) (common.IPv4Address, bool)) *Manager {
	return &Manager{
		Engine:     engine,
		LocalAddrs: localAddrs,
		groups:     make(map[int]map[common.IPv4Address]*group),
	}
}

// IsMember implements ip.GroupMembership. The all-hosts group is always
// considered joined on every interface (RFC 1112 §6.2), independent of any
// explicit Join.
func (m *Manager) IsMember(ifNbr int, addr common.IPv4Address) bool {
	if addr == AllHosts {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[ifNbr][addr]
	return ok && g.refCount > 0
}

// Join adds one reference to ifNbr's membership in addr, sending an
// unsolicited Membership Report (RFC 2236 §3) the first time the group
// transitions from unjoined to joined. Joining the all-hosts group is a
// silent no-op since membership there never needs announcing.
func (m *Manager) Join(ifNbr int, addr common.IPv4Address) error {
	if addr == AllHosts {
		return nil
	}
	m.mu.Lock()
	ifGroups, ok := m.groups[ifNbr]
	if !ok {
		ifGroups = make(map[common.IPv4Address]*group)
		m.groups[ifNbr] = ifGroups
	}
	g, existed := ifGroups[addr]
	if !existed {
		g = &group{}
		ifGroups[addr] = g
	}
	g.refCount++
	first := !existed
	m.mu.Unlock()

	if first {
		m.joinOS(ifNbr, addr)
		return m.send(ifNbr, addr, NewMembershipReport(addr))
	}
	return nil
}

// Leave removes one reference to ifNbr's membership in addr, sending a
// Leave Group message (RFC 2236 §6) once the reference count reaches zero.
func (m *Manager) Leave(ifNbr int, addr common.IPv4Address) error {
	if addr == AllHosts {
		return nil
	}
	m.mu.Lock()
	ifGroups := m.groups[ifNbr]
	g, ok := ifGroups[addr]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	g.refCount--
	last := g.refCount <= 0
	if last {
		if g.reportTmr != nil {
			g.reportTmr.Free()
		}
		delete(ifGroups, addr)
	}
	m.mu.Unlock()

	if last {
		m.leaveOS(ifNbr, addr)
		return m.send(ifNbr, AllRouters, NewLeaveGroup(addr))
	}
	return nil
}

func (m *Manager) joinOS(ifNbr int, addr common.IPv4Address) {
	if m.OSJoiner == nil || m.IfName == nil {
		return
	}
	if name, ok := m.IfName(ifNbr); ok {
		_ = m.OSJoiner.JoinGroup(name, addr)
	}
}

func (m *Manager) leaveOS(ifNbr int, addr common.IPv4Address) {
	if m.OSJoiner == nil || m.IfName == nil {
		return
	}
	if name, ok := m.IfName(ifNbr); ok {
		_ = m.OSJoiner.LeaveGroup(name, addr)
	}
}

// AllRouters is the IPv4 all-routers multicast address (224.0.0.2), the
// destination RFC 2236 §6 specifies for Leave Group messages.
var AllRouters = common.IPv4Address{224, 0, 0, 2}

// Receive implements ip.UpperLayerReceiver: it handles incoming Membership
// Query messages by scheduling a randomized delayed report per joined group
// (RFC 2236 §3's "delay response" rule, which lets other members on the LAN
// suppress duplicate reports) and otherwise drops silently — this host never
// needs to act on Reports or Leaves from other hosts.
func (m *Manager) Receive(buf *ip.Buffer) error {
	data := buf.Data[buf.IGMPIx : buf.IGMPIx+buf.DataLen]
	if !VerifyChecksum(data) {
		return nil
	}
	msg, err := Parse(data)
	if err != nil {
		return err
	}
	if msg.Type != TypeMembershipQuery {
		return nil
	}
	m.handleQuery(buf.IfNbr, msg)
	return nil
}

func (m *Manager) handleQuery(ifNbr int, query *Message) {
	maxResp := time.Duration(query.MaxRespTime) * 100 * time.Millisecond
	if maxResp <= 0 {
		maxResp = 10 * time.Second // RFC 2236 default query response time
	}

	m.mu.Lock()
	ifGroups := m.groups[ifNbr]
	var targets []common.IPv4Address
	for addr, g := range ifGroups {
		// A general query (GroupAddress zeroed) covers every joined group;
		// a group-specific query only covers its own group.
		if query.GroupAddress != (common.IPv4Address{}) && query.GroupAddress != addr {
			continue
		}
		if g.reportTmr == nil && !g.scheduling {
			g.scheduling = true
			targets = append(targets, addr)
		}
	}
	m.mu.Unlock()

	for _, addr := range targets {
		delay := time.Duration(rand.Int63n(int64(maxResp)))
		addr := addr
		tmr := m.Engine.Timers.Acquire(func(any) { m.fireReport(ifNbr, addr) }, nil, delay)

		m.mu.Lock()
		if g, ok := m.groups[ifNbr][addr]; ok {
			g.reportTmr = tmr
			g.scheduling = false
		} else {
			tmr.Free() // group was left while we were scheduling
		}
		m.mu.Unlock()
	}
}

func (m *Manager) fireReport(ifNbr int, addr common.IPv4Address) {
	m.mu.Lock()
	g, ok := m.groups[ifNbr][addr]
	if ok {
		g.reportTmr = nil
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = m.send(ifNbr, addr, NewMembershipReport(addr))
}

func (m *Manager) send(ifNbr int, dest common.IPv4Address, msg *Message) error {
	payload := msg.Serialize()

	src, ok := m.LocalAddrs(ifNbr)
	if !ok {
		return nil
	}

	buf := m.Engine.Pool.Get(len(payload) + 60)
	buf.IfNbrTx = ifNbr
	buf.ProtocolHdrType = ip.ProtoHdrIGMP
	buf.TransportIx = 60
	buf.DataLen = copy(buf.Data[60:], payload)
	buf.Data = buf.Data[:60+buf.DataLen]

	_, txErr := m.Engine.Transmit.Tx(buf, ip.TxRequest{
		Src:  src,
		Dest: dest,
		TTL:  1, // IGMP messages never leave the local network, RFC 2236 §2
	})
	if txErr != nil {
		m.Engine.Pool.Put(buf)
		return txErr
	}
	return nil
}
