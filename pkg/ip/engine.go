package ip

import (
	"sync"
	"time"

	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/timer"
)

// EngineConfig is the engine's configuration surface. ChecksumOffloadRX/TX
// are read once by NewEngine and not consulted again. ChecksumOffloadRX is
// copied into the Validator, which then skips header checksum
// verification. ChecksumOffloadTX is stored only: Transmitter always
// computes the header checksum in software.
type EngineConfig struct {
	MaxPerIf            int
	FragReasmTimeout    time.Duration
	LoopbackIf          int
	ChecksumOffloadRX   bool
	ChecksumOffloadTX   bool
	MCastModuleEn       bool
	IGMPModuleEn        bool
	TCPModuleEn         bool
	ICMPv4ModuleEn      bool
}

// ErrorCounter receives one call per discarded buffer, keyed by the
// sentinel error that caused the discard. internal/telemetry implements
// this against Prometheus; nil is a valid no-op counter.
type ErrorCounter interface {
	CountError(err error)
}

// Engine composes the validator, reassembler, demultiplexer and transmitter
// into the single entry point a driver or upper layer calls. Its
// configuration-mutating methods acquire mu, standing in for a global
// network lock; the receive path itself is caller-serialized and takes no
// lock of its own.
type Engine struct {
	mu sync.Mutex

	cfg EngineConfig

	Pool        *BufferPool
	Addrs       *AddressTable
	Timers      *timer.Service
	Validator   *Validator
	Reassembler *Reassembler
	Demux       *Demux
	Transmit    *Transmitter

	counter     ErrorCounter
	icmpEmitter TimeExceededEmitter
}

// NewEngine wires the validator, reassembler, demultiplexer and
// transmitter together per the given configuration. closer and groups may
// be nil if the corresponding module is not enabled; mtus and counter may
// be nil (a zero MTU disables the MTU check; a nil counter disables
// telemetry).
func NewEngine(cfg EngineConfig, payloadSize int, closer ConnCloser, groups GroupMembership, mtus MTUProvider, counter ErrorCounter) *Engine {
	pool := NewBufferPool(payloadSize)
	addrs := NewAddressTable(cfg.MaxPerIf, closer)
	timers := timer.NewService()

	e := &Engine{
		cfg:    cfg,
		Pool:   pool,
		Addrs:  addrs,
		Timers: timers,
		Validator: &Validator{
			Addrs:             addrs,
			Groups:            groups,
			LoopbackIf:        cfg.LoopbackIf,
			ChecksumOffloadRX: cfg.ChecksumOffloadRX,
		},
		Demux:    NewDemux(),
		Transmit: &Transmitter{Addrs: addrs, MTUs: mtus},
		counter:  counter,
	}
	e.Reassembler = NewReassembler(pool, timers, e, cfg.FragReasmTimeout)
	return e
}

// Close stops the engine's timer dispatch goroutine.
func (e *Engine) Close() {
	e.Timers.Close()
}

// TimeExceededEmitter lets the ICMPv4 upper layer receive
// fragment-reassembly timeouts without pkg/ip importing pkg/icmp.
type TimeExceededEmitter interface {
	SendTimeExceededFragReassembly(head *Buffer)
}

var _ TimeoutNotifier = (*Engine)(nil)

// FragmentReassemblyTimeExceeded implements TimeoutNotifier. icmpEmitter is
// set once by RegisterICMP before the engine starts receiving; this runs on
// the timer dispatch goroutine and reads it without a lock. The Reassembler
// unlinks and frees head's list after this returns.
func (e *Engine) FragmentReassemblyTimeExceeded(head *Buffer) {
	if e.icmpEmitter != nil {
		e.icmpEmitter.SendTimeExceededFragReassembly(head)
	}
}

// RegisterICMP wires the ICMPv4 upper layer into Demux (ordinary dispatch),
// the reassembly timeout path (Time-Exceeded replies), and the validator
// (Destination-Unreachable/Parameter-Problem replies).
func (e *Engine) RegisterICMP(icmp interface {
	UpperLayerReceiver
	TimeExceededEmitter
	ErrorNotifier
}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.icmpEmitter = icmp
	e.Validator.Notify = icmp
	e.Demux.Register(common.ProtocolICMP, icmp)
}

// RegisterIGMP, RegisterUDP, RegisterTCP wire the remaining optional demux
// targets.
func (e *Engine) RegisterIGMP(r UpperLayerReceiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Demux.Register(ProtocolIGMP, r)
}

func (e *Engine) RegisterUDP(r UpperLayerReceiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Demux.Register(common.ProtocolUDP, r)
}

func (e *Engine) RegisterTCP(r UpperLayerReceiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Demux.Register(common.ProtocolTCP, r)
}

// Receive runs the full validate -> reassemble -> dispatch path for one
// datagram. Every error is counted and none escapes to the driver. On a
// validation or dispatch error buf is returned to the pool; on a
// reassembly error buf is returned to the pool only when it is a duplicate
// fragment or when the list it had joined is discarded.
func (e *Engine) Receive(buf *Buffer) {
	if err := e.Validator.Validate(buf); err != nil {
		e.fail(buf, err)
		return
	}

	result, complete, err := e.Reassembler.Reassemble(buf)
	if err != nil {
		e.countErr(err)
		return
	}

	switch result {
	case ResultNonFragment:
		if derr := e.Demux.Dispatch(complete, false); derr != nil {
			e.fail(complete, derr)
		}
	case ResultComplete:
		if derr := e.Demux.Dispatch(complete, true); derr != nil {
			e.fail(complete, derr)
		}
	case ResultInProgress, ResultDiscard:
		// buf is now owned by the reassembly list (InProgress) or already
		// freed (Discard); nothing further to do here.
	}
}

func (e *Engine) fail(buf *Buffer, err error) {
	e.countErr(err)
	e.Pool.Put(buf)
}

func (e *Engine) countErr(err error) {
	if e.counter != nil {
		e.counter.CountError(err)
	}
}
