// Package capture implements the connect, close and flow-sample capture
// points in Go, over a modelled kernel: a fault-tolerant memory reader, the
// current task and a ring transport.
//
// It mirrors the programs in bpf/tcpflow.bpf.c and keeps their constraints.
// A capture never blocks, never retries, does a fixed amount of work per
// call and either commits one complete record or drops it. Fields are read
// straight into the reserved record, so a capture allocates nothing.
package capture

import (
	"encoding/binary"

	"github.com/jhwbarlow/tcp-flow-bpf/pkg/event"
)

// TCPProbe is the context of the tcp:tcp_probe tracepoint. The kernel fills
// in every field before the capture point runs, with ports already in host
// byte order.
type TCPProbe struct {
	Saddr, Daddr [event.SockaddrLen]byte
	Sport, Dport uint16
	Family       uint16
	Mark         uint32
	DataLen      uint16
	SndNxt       uint32
	SndUna       uint32
	SndCwnd      uint32
	Ssthresh     uint32
	SndWnd       uint32
	Srtt         uint32
	RcvWnd       uint32
	SockCookie   uint64
}

// Probe holds the resources shared by the capture points: the ring they
// emit into, the kernel memory they read and the task they run as.
type Probe struct {
	out    Transport
	mem    KernelMemory
	task   Task
	layout SockLayout
	order  binary.ByteOrder
	host   binary.ByteOrder
}

type Option func(*Probe)

// WithSockLayout sets the socket field selector. The default is
// DefaultSockLayout.
func WithSockLayout(layout SockLayout) Option {
	return func(p *Probe) {
		p.layout = layout
	}
}

// WithByteOrder sets the order multi-byte record fields are written in. The
// default is the host order.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(p *Probe) {
		p.order = order
	}
}

func NewProbe(out Transport, mem KernelMemory, task Task, opts ...Option) *Probe {
	p := &Probe{
		out:    out,
		mem:    mem,
		task:   task,
		layout: DefaultSockLayout,
		order:  event.HostByteOrder(),
		host:   event.HostByteOrder(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Connect captures a socket moving to the connecting state.
func (p *Probe) Connect(sk uint64) {
	p.emitConn(sk, event.KindConnect)
}

// Close captures a socket being torn down.
func (p *Probe) Close(sk uint64) {
	p.emitConn(sk, event.KindClose)
}

func (p *Probe) emitConn(sk uint64, kind event.Kind) {
	rec, ok := p.out.Reserve(event.ConnEventSize)
	if !ok {
		return
	}

	clear(rec)
	fields := event.SplitConn(rec)
	p.readConn(fields, sk)

	tag := kind.Tag()
	copy(fields.Tag, tag[:])

	p.out.Commit(rec)
}

// readConn reads the socket at sk straight into the fields of a zeroed
// record. Any field whose read fails is left zero. Addresses are only read
// for families with a known width.
func (p *Probe) readConn(f event.ConnFields, sk uint64) {
	l := &p.layout

	p.order.PutUint32(f.PID, currentPID(p.task))
	p.readPort(f.Sport, sk+l.LocalPort)
	p.readPort(f.Dport, sk+l.RemotePort)

	family, _ := probeReadUint16(p.mem, f.Family, sk+l.Family, p.host).Get()
	p.order.PutUint16(f.Family, family)

	switch family {
	case event.FamilyIPv4:
		probeRead(p.mem, f.Saddr, sk+l.LocalAddr4)
		probeRead(p.mem, f.Daddr, sk+l.RemoteAddr4)
	case event.FamilyIPv6:
		probeRead(p.mem, f.SaddrV6, sk+l.LocalAddr6)
		probeRead(p.mem, f.DaddrV6, sk+l.RemoteAddr6)
	}
}

// readPort reads a network order port into field and rewrites it in the
// record's byte order.
func (p *Probe) readPort(field []byte, addr uint64) {
	if port, ok := probeReadPort(p.mem, field, addr).Get(); ok {
		p.order.PutUint16(field, port)
	}
}

// Flow captures a tcp_probe sample. Samples which carry no data are dropped
// before anything is reserved. Only addresses, ports, length and smoothed RTT
// are kept; the congestion and window fields are not part of the record.
func (p *Probe) Flow(tp *TCPProbe) {
	if tp == nil || tp.DataLen == 0 {
		return
	}

	rec, ok := p.out.Reserve(event.FlowEventSize)
	if !ok {
		return
	}

	flowEvent := event.FlowEvent{
		Saddr:   tp.Saddr,
		Daddr:   tp.Daddr,
		Sport:   tp.Sport,
		Dport:   tp.Dport,
		Family:  tp.Family,
		DataLen: uint32(tp.DataLen),
		Srtt:    tp.Srtt,
		PID:     currentPID(p.task),
	}
	event.PutFlow(rec, p.order, &flowEvent)

	p.out.Commit(rec)
}
