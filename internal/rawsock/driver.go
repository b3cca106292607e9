// Package rawsock is the live-interface driver that feeds ip.Engine from a
// real network interface, built on pkg/ethernet.Interface's AF_PACKET raw
// socket (itself golang.org/x/sys/unix-backed).
package rawsock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/ethernet"
	"github.com/embernet/ipcore/pkg/ip"
)

// pollInterval bounds how long Run's ReadFrame blocks before re-checking
// ctx.Done(), since AF_PACKET sockets have no context-aware read.
const pollInterval = 500 * time.Millisecond

// ResolveMAC maps a next-hop IPv4 address to the link-layer address to frame
// a unicast datagram to. The driver does no ARP: the resolver is supplied
// by the caller, typically a static table for point-to-point or
// pre-provisioned links. A nil resolver is accepted, and every unicast send
// through such a driver then fails with "no link-layer address". See
// DESIGN.md.
type ResolveMAC func(dest common.IPv4Address) (common.MACAddress, bool)

// Driver binds one OS network interface as one of the engine's numbered
// interfaces and pumps frames in both directions.
type Driver struct {
	iface *ethernet.Interface
	ifNbr int

	engine  *ip.Engine
	resolve ResolveMAC
}

// Open binds ifName (e.g. "eth0") as ifNbr, the interface number the engine
// and its AddressTable use to identify this link.
func Open(ifName string, ifNbr int, engine *ip.Engine, resolve ResolveMAC) (*Driver, error) {
	iface, err := ethernet.OpenInterface(ifName)
	if err != nil {
		return nil, fmt.Errorf("rawsock: %w", err)
	}
	if err := iface.SetReadTimeout(pollInterval); err != nil {
		iface.Close()
		return nil, fmt.Errorf("rawsock: %s: %w", ifName, err)
	}

	return &Driver{iface: iface, ifNbr: ifNbr, engine: engine, resolve: resolve}, nil
}

// Close releases the underlying interface.
func (d *Driver) Close() error {
	return d.iface.Close()
}

// IfNbr returns the engine-facing interface number this driver feeds.
func (d *Driver) IfNbr() int { return d.ifNbr }

// MTU implements ip.MTUProvider for this one interface; a MTUProvider
// composing several drivers (cmd/ipengined's mtuTable) dispatches to each by
// ifNbr.
func (d *Driver) MTU(ifNbr int) int {
	if ifNbr != d.ifNbr {
		return 0
	}
	return d.iface.MTU()
}

// Run reads frames until ctx is cancelled, handing every IPv4 payload to
// engine.Receive. It never returns a transient read timeout to the caller;
// only ctx cancellation or a fatal socket error ends the loop.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := d.iface.ReadFrame()
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				continue
			}
			return fmt.Errorf("rawsock: %w", err)
		}
		d.deliver(frame)
	}
}

func (d *Driver) deliver(frame *ethernet.Frame) {
	if frame.EtherType != common.EtherTypeIPv4 {
		return // ARP and anything else is outside this module's scope
	}

	payload := frame.Payload
	out := d.engine.Pool.Get(len(payload))
	out.DataLen = copy(out.Data, payload)
	out.IPHdrIx = 0
	out.ProtocolHdrType = ip.ProtoHdrIPv4
	out.IfNbr = d.ifNbr
	out.Flags |= ip.FlagRxRemote
	if frame.IsBroadcast() {
		out.Flags |= ip.FlagRxBroadcast
	} else if frame.IsMulticast() {
		out.Flags |= ip.FlagRxMulticast
	}

	d.engine.Receive(out)
}

// Send frames buf, which must already have passed through Transmitter.Tx
// (IPAddrNextRoute, IPAddrDest and the TxFlag* bits are read from it), and
// writes it out this interface's raw socket.
func (d *Driver) Send(buf *ip.Buffer) error {
	dstMAC, ok := d.destMAC(buf)
	if !ok {
		return fmt.Errorf("rawsock: no link-layer address for %s", buf.IPAddrNextRoute)
	}

	region := buf.Data
	if buf.IPHdrIx != ip.NoIndex {
		region = buf.Data[buf.IPHdrIx:]
	}
	frame := ethernet.NewFrame(dstMAC, d.iface.MACAddress(), common.EtherTypeIPv4, region)
	return d.iface.WriteFrame(frame)
}

// destMAC resolves buf's next-hop to a link-layer address without ARP:
// broadcast and multicast destinations map deterministically, per RFC 1112
// §6.4 for the multicast case; everything else goes through the injected
// resolver.
func (d *Driver) destMAC(buf *ip.Buffer) (common.MACAddress, bool) {
	switch {
	case buf.Flags&ip.FlagTxBroadcast != 0:
		return common.BroadcastMAC, true
	case buf.Flags&ip.FlagTxMulticast != 0:
		return multicastMAC(buf.IPAddrDest), true
	default:
		if d.resolve == nil {
			return common.MACAddress{}, false
		}
		return d.resolve(buf.IPAddrNextRoute)
	}
}

// multicastMAC implements RFC 1112 §6.4: the low 23 bits of the group
// address map directly into the 01:00:5E:00:00:00/24 range.
func multicastMAC(group common.IPv4Address) common.MACAddress {
	return common.MACAddress{0x01, 0x00, 0x5e, group[1] & 0x7f, group[2], group[3]}
}
