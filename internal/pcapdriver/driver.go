// Package pcapdriver is the offline counterpart to internal/rawsock: it
// replays IPv4 datagrams from a capture file and records transmitted
// datagrams to one, the mode internal/engcfg's empty Interface setting
// selects. Built on gopacket's pcapgo (pure Go, no libpcap/cgo) rather than
// gopacket/pcap, since a capture file needs no live device binding.
package pcapdriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/ethernet"
	"github.com/embernet/ipcore/pkg/ip"
)

// Driver reads Ethernet frames from a pcap file and, optionally, records
// frames it transmits to a second one.
type Driver struct {
	ifNbr  int
	engine *ip.Engine

	srcFile *os.File
	reader  *pcapgo.Reader

	dstFile *os.File
	writer  *pcapgo.Writer

	localMAC common.MACAddress
}

// Open opens readPath for replay and, if writePath is non-empty, writePath
// to record every frame Send builds. ifNbr is the engine interface number
// this capture stands in for.
func Open(readPath, writePath string, ifNbr int, engine *ip.Engine, localMAC common.MACAddress) (*Driver, error) {
	d := &Driver{ifNbr: ifNbr, engine: engine, localMAC: localMAC}

	if readPath != "" {
		f, err := os.Open(readPath)
		if err != nil {
			return nil, fmt.Errorf("pcapdriver: open %s: %w", readPath, err)
		}
		r, err := pcapgo.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("pcapdriver: %s: %w", readPath, err)
		}
		d.srcFile, d.reader = f, r
	}

	if writePath != "" {
		f, err := os.Create(writePath)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("pcapdriver: create %s: %w", writePath, err)
		}
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(uint32(ethernet.MaxFrameSize), layers.LinkTypeEthernet); err != nil {
			f.Close()
			d.Close()
			return nil, fmt.Errorf("pcapdriver: %s header: %w", writePath, err)
		}
		d.dstFile, d.writer = f, w
	}

	return d, nil
}

// Close releases both files, if open.
func (d *Driver) Close() error {
	var err error
	if d.srcFile != nil {
		err = d.srcFile.Close()
	}
	if d.dstFile != nil {
		if cerr := d.dstFile.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// IfNbr returns the engine interface number this capture replays onto.
func (d *Driver) IfNbr() int { return d.ifNbr }

// Run replays every frame in the capture, handing IPv4 payloads to
// engine.Receive, until the file is exhausted or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	if d.reader == nil {
		return errors.New("pcapdriver: no read file configured")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, _, err := d.reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pcapdriver: read: %w", err)
		}
		d.deliver(data)
	}
}

func (d *Driver) deliver(raw []byte) {
	frame, err := ethernet.Parse(raw)
	if err != nil {
		return
	}
	if frame.EtherType != common.EtherTypeIPv4 {
		return
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

// MTU reports 0 (no MTU ceiling) for any interface; a capture file has no
// physical link to bound frame size against.
func (d *Driver) MTU(int) int { return 0 }

// Send records buf, already passed through Transmitter.Tx, as one frame in
// the write capture. Since there is no real link to address, the
// destination MAC is synthesized from the IP destination the same way
// internal/rawsock derives one for broadcast/multicast, and the all-zero MAC
// otherwise; a replayed capture's point is datagram content, not framing.
func (d *Driver) Send(buf *ip.Buffer) error {
	if d.writer == nil {
		return errors.New("pcapdriver: no write file configured")
	}

	dst := common.MACAddress{}
	switch {
	case buf.Flags&ip.FlagTxBroadcast != 0:
		dst = common.BroadcastMAC
	case buf.Flags&ip.FlagTxMulticast != 0:
		dst = common.MACAddress{0x01, 0x00, 0x5e, buf.IPAddrDest[1] & 0x7f, buf.IPAddrDest[2], buf.IPAddrDest[3]}
	}

	region := buf.Data
	if buf.IPHdrIx != ip.NoIndex {
		region = buf.Data[buf.IPHdrIx:]
	}
	frame := ethernet.NewFrame(dst, d.localMAC, common.EtherTypeIPv4, region)
	data := frame.Serialize()

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return d.writer.WritePacket(ci, data)
}
