// Package event defines the fixed-layout records the capture points write into
// the ring transport, and their userspace decoding.
//
// The layouts must stay in sync with the structs in bpf/tcpflow.bpf.c.
package event

import (
	"bytes"
	"fmt"
	"net/netip"
)

// Address families, as defined in the kernel (linux/socket.h).
const (
	FamilyIPv4 = 2
	FamilyIPv6 = 10
)

const (
	// TagLen is the width of the null-padded kind tag of a ConnEvent.
	TagLen = 8

	// SockaddrLen is sizeof(struct sockaddr_in6), the width of the address
	// buffers of the tcp_probe tracepoint and therefore of a FlowEvent.
	SockaddrLen = 28

	ConnEventSize = 60
	FlowEventSize = 76
)

// Kind identifies the capture point which produced a record.
type Kind string

const (
	KindConnect Kind = "connect"
	KindClose   Kind = "close"
	KindFlow    Kind = "flow"
)

func (k Kind) String() string {
	return string(k)
}

// Tag returns the null-padded tag written into a ConnEvent.
func (k Kind) Tag() [TagLen]byte {
	var tag [TagLen]byte
	copy(tag[:], k)
	return tag
}

// Record is implemented by every record shape carried on the ring.
type Record interface {
	Kind() Kind
}

// ConnEvent is emitted on connection establishment and teardown.
// Only one of the address pairs is meaningful, selected by Family.
type ConnEvent struct {
	PID              uint32
	Sport, Dport     uint16
	Family           uint16
	Saddr, Daddr     [4]byte
	SaddrV6, DaddrV6 [16]byte
	Tag              [TagLen]byte
	_                [2]byte
}

// Kind returns the kind named by the record's tag.
func (e *ConnEvent) Kind() Kind {
	tag := e.Tag[:]
	if i := bytes.IndexByte(tag, 0); i >= 0 {
		tag = tag[:i]
	}

	return Kind(tag)
}

// SourceAddr returns the local address, or the zero Addr for an
// unsupported family.
func (e *ConnEvent) SourceAddr() netip.Addr {
	return connAddr(e.Family, e.Saddr, e.SaddrV6)
}

// DestAddr returns the remote address, or the zero Addr for an
// unsupported family.
func (e *ConnEvent) DestAddr() netip.Addr {
	return connAddr(e.Family, e.Daddr, e.DaddrV6)
}

func (e *ConnEvent) String() string {
	return fmt.Sprintf("%s pid=%d %s -> %s",
		e.Kind(),
		e.PID,
		netip.AddrPortFrom(e.SourceAddr(), e.Sport),
		netip.AddrPortFrom(e.DestAddr(), e.Dport))
}

func connAddr(family uint16, v4 [4]byte, v6 [16]byte) netip.Addr {
	switch family {
	case FamilyIPv4:
		return netip.AddrFrom4(v4)
	case FamilyIPv6:
		return netip.AddrFrom16(v6)
	default:
		return netip.Addr{}
	}
}

// FlowEvent is a point-in-time sample of an active connection taken from the
// tcp_probe tracepoint.
//
// PID is whichever process was on the CPU when the tracepoint fired. Samples
// are frequently taken in softirq context, so it need not be the owner of
// the connection.
type FlowEvent struct {
	Saddr, Daddr [SockaddrLen]byte
	Sport, Dport uint16
	Family       uint16
	_            [2]byte
	DataLen      uint32
	Srtt         uint32 // Kernel units, as reported by the tracepoint
	PID          uint32
}

func (*FlowEvent) Kind() Kind {
	return KindFlow
}

// SourceAddr returns the address held in the local sockaddr buffer.
func (e *FlowEvent) SourceAddr() netip.Addr {
	return sockaddrAddr(e.Family, &e.Saddr)
}

// DestAddr returns the address held in the remote sockaddr buffer.
func (e *FlowEvent) DestAddr() netip.Addr {
	return sockaddrAddr(e.Family, &e.Daddr)
}

func (e *FlowEvent) String() string {
	return fmt.Sprintf("flow pid=%d %s -> %s len=%d srtt=%d",
		e.PID,
		netip.AddrPortFrom(e.SourceAddr(), e.Sport),
		netip.AddrPortFrom(e.DestAddr(), e.Dport),
		e.DataLen,
		e.Srtt)
}

// sockaddrAddr extracts the address from a sockaddr_in or sockaddr_in6 laid
// out in a SockaddrLen buffer.
func sockaddrAddr(family uint16, sa *[SockaddrLen]byte) netip.Addr {
	switch family {
	case FamilyIPv4:
		return netip.AddrFrom4([4]byte(sa[4:8]))
	case FamilyIPv6:
		return netip.AddrFrom16([16]byte(sa[8:24]))
	default:
		return netip.Addr{}
	}
}
