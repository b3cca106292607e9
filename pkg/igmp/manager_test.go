package igmp

import (
	"testing"
	"time"

	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/ip"
)

func mustAddr(t *testing.T, s string) common.IPv4Address {
	t.Helper()
	a, err := common.ParseIPv4(s)
	if err != nil {
		t.Fatalf("ParseIPv4(%q): %v", s, err)
	}
	return a
}

type fixedMTU int

func (m fixedMTU) MTU(ifNbr int) int { return int(m) }

func newTestManager(t *testing.T) (*Manager, common.IPv4Address) {
	t.Helper()
	e := ip.NewEngine(ip.EngineConfig{
		MaxPerIf:         4,
		FragReasmTimeout: time.Minute,
		LoopbackIf:       ip.NoIndex,
	}, 2048, nil, nil, fixedMTU(1500), nil)
	t.Cleanup(e.Close)

	host := mustAddr(t, "192.168.1.10")
	mask := mustAddr(t, "255.255.255.0")
	if err := e.Addrs.CfgAddStatic(0, host, mask, common.IPv4Address{}, false); err != nil {
		t.Fatalf("CfgAddStatic() error = %v", err)
	}

	mgr := NewManager(e, func(ifNbr int) (common.IPv4Address, bool) {
		if ifNbr != 0 {
			return common.IPv4Address{}, false
		}
		return host, true
	})
	e.Validator.Groups = mgr
	e.RegisterIGMP(mgr)
	return mgr, host
}

func TestManager_AllHostsAlwaysMember(t *testing.T) {
	mgr, _ := newTestManager(t)
	if !mgr.IsMember(0, AllHosts) {
		t.Error("IsMember(AllHosts) = false, want true without any Join")
	}
}

func TestManager_JoinLeave_RefCounting(t *testing.T) {
	mgr, _ := newTestManager(t)
	group := common.IPv4Address{239, 1, 1, 1}

	if mgr.IsMember(0, group) {
		t.Fatal("IsMember() = true before any Join")
	}

	if err := mgr.Join(0, group); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if !mgr.IsMember(0, group) {
		t.Error("IsMember() = false after Join")
	}

	if err := mgr.Join(0, group); err != nil {
		t.Fatalf("second Join() error = %v", err)
	}

	if err := mgr.Leave(0, group); err != nil {
		t.Fatalf("first Leave() error = %v", err)
	}
	if !mgr.IsMember(0, group) {
		t.Error("IsMember() = false after dropping only one of two references")
	}

	if err := mgr.Leave(0, group); err != nil {
		t.Fatalf("second Leave() error = %v", err)
	}
	if mgr.IsMember(0, group) {
		t.Error("IsMember() = true after refcount reached zero")
	}
}

func TestManager_Leave_WithoutJoin_IsNoop(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Leave(0, common.IPv4Address{239, 9, 9, 9}); err != nil {
		t.Fatalf("Leave() error = %v, want nil for an ungrouped address", err)
	}
}

func TestManager_Join_AllHosts_IsNoop(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Join(0, AllHosts); err != nil {
		t.Fatalf("Join(AllHosts) error = %v", err)
	}
	// still reported as a member, but no per-group bookkeeping was created
	if !mgr.IsMember(0, AllHosts) {
		t.Error("IsMember(AllHosts) = false")
	}
}

type recordingJoiner struct {
	joined, left []string
}

func (j *recordingJoiner) JoinGroup(ifName string, group common.IPv4Address) error {
	j.joined = append(j.joined, ifName)
	return nil
}

func (j *recordingJoiner) LeaveGroup(ifName string, group common.IPv4Address) error {
	j.left = append(j.left, ifName)
	return nil
}

func TestManager_OSJoiner_CalledOnFirstJoinAndLastLeave(t *testing.T) {
	mgr, _ := newTestManager(t)
	joiner := &recordingJoiner{}
	mgr.OSJoiner = joiner
	mgr.IfName = func(ifNbr int) (string, bool) { return "eth0", true }

	group := common.IPv4Address{239, 2, 2, 2}
	_ = mgr.Join(0, group)
	_ = mgr.Join(0, group)
	if len(joiner.joined) != 1 {
		t.Fatalf("OSJoiner.JoinGroup called %d times, want 1", len(joiner.joined))
	}

	_ = mgr.Leave(0, group)
	if len(joiner.left) != 0 {
		t.Fatalf("OSJoiner.LeaveGroup called before last reference dropped")
	}

	_ = mgr.Leave(0, group)
	if len(joiner.left) != 1 {
		t.Fatalf("OSJoiner.LeaveGroup called %d times, want 1", len(joiner.left))
	}
}

func TestManager_Receive_QuerySchedulesReport(t *testing.T) {
	mgr, _ := newTestManager(t)
	group := common.IPv4Address{239, 3, 3, 3}
	if err := mgr.Join(0, group); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	query := &Message{Type: TypeMembershipQuery, MaxRespTime: 1} // 100ms max response
	wire := query.Serialize()

	buf := mgr.Engine.Pool.Get(len(wire))
	buf.IGMPIx = 0
	buf.DataLen = len(wire)
	copy(buf.Data, wire)
	buf.IfNbr = 0

	if err := mgr.Receive(buf); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	mgr.mu.Lock()
	g := mgr.groups[0][group]
	scheduled := g != nil && (g.reportTmr != nil || g.scheduling)
	mgr.mu.Unlock()
	if !scheduled {
		t.Error("Receive(Query) did not schedule a delayed report")
	}
}

func TestManager_Receive_NonQuery_Ignored(t *testing.T) {
	mgr, _ := newTestManager(t)
	wire := NewMembershipReport(common.IPv4Address{239, 4, 4, 4}).Serialize()

	buf := mgr.Engine.Pool.Get(len(wire))
	buf.IGMPIx = 0
	buf.DataLen = len(wire)
	copy(buf.Data, wire)
	buf.IfNbr = 0

	if err := mgr.Receive(buf); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
}
