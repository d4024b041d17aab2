package replay

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/jhwbarlow/tcp-flow-bpf/pkg/capture"
	"github.com/jhwbarlow/tcp-flow-bpf/pkg/event"
)

const (
	familyIPv4 = event.FamilyIPv4
	familyIPv6 = event.FamilyIPv6

	// Sockets are placed in the direct map, one page apart.
	sockBase   = 0xffff888000000000
	sockStride = 0x1000
)

// kernel is the simulated kernel state a trace is replayed against.
type kernel struct {
	mem     *Memory
	handles []uint64 // Socket handle per step, zero for flow steps
}

// newKernel materialises the socket of every connect and close step.
func newKernel(trace *Trace) (*kernel, error) {
	k := &kernel{
		mem:     NewMemory(),
		handles: make([]uint64, len(trace.Steps)),
	}

	for i := range trace.Steps {
		step := &trace.Steps[i]
		if step.Sock == nil {
			continue
		}

		sk := sockBase + uint64(i)*sockStride
		if err := k.mem.Map(sk, sockBytes(step.Sock)); err != nil {
			return nil, fmt.Errorf("mapping socket for step %d: %w", i, err)
		}
		k.handles[i] = sk

		for _, fault := range step.Faults {
			off, n := faultSpan(fault)
			k.mem.Fault(sk+off, n)
		}
	}

	return k, nil
}

// sockBytes lays a socket out with capture.DefaultSockLayout. The family is
// stored in host order and the ports in network order.
func sockBytes(s *Sock) []byte {
	l := capture.DefaultSockLayout
	b := make([]byte, capture.DefaultSockSize)

	event.HostByteOrder().PutUint16(b[l.Family:], s.Family)
	binary.BigEndian.PutUint16(b[l.LocalPort:], s.Sport)
	binary.BigEndian.PutUint16(b[l.RemotePort:], s.Dport)

	switch s.Family {
	case familyIPv4:
		putAddr4(b[l.LocalAddr4:], s.Saddr)
		putAddr4(b[l.RemoteAddr4:], s.Daddr)
	case familyIPv6:
		putAddr6(b[l.LocalAddr6:], s.Saddr)
		putAddr6(b[l.RemoteAddr6:], s.Daddr)
	}

	return b
}

func putAddr4(b []byte, addr netip.Addr) {
	if addr.IsValid() {
		a := addr.Unmap().As4()
		copy(b, a[:])
	}
}

func putAddr6(b []byte, addr netip.Addr) {
	if addr.IsValid() {
		a := addr.As16()
		copy(b, a[:])
	}
}

func faultSpan(fault string) (off uint64, n int) {
	l := capture.DefaultSockLayout

	switch fault {
	case FaultFamily:
		return l.Family, 2
	case FaultSport:
		return l.LocalPort, 2
	case FaultDport:
		return l.RemotePort, 2
	case FaultSaddr:
		return l.LocalAddr4, 4
	case FaultDaddr:
		return l.RemoteAddr4, 4
	case FaultSaddrV6:
		return l.LocalAddr6, 16
	case FaultDaddrV6:
		return l.RemoteAddr6, 16
	default: // FaultSock
		return 0, capture.DefaultSockSize
	}
}

// tcpProbe builds the tracepoint context of a flow step.
func tcpProbe(s *Sample) *capture.TCPProbe {
	return &capture.TCPProbe{
		Saddr:      sockaddr(s.Family, s.Saddr, s.Sport),
		Daddr:      sockaddr(s.Family, s.Daddr, s.Dport),
		Sport:      s.Sport,
		Dport:      s.Dport,
		Family:     s.Family,
		Mark:       s.Mark,
		DataLen:    s.DataLen,
		SndNxt:     s.SndNxt,
		SndUna:     s.SndUna,
		SndCwnd:    s.SndCwnd,
		Ssthresh:   s.Ssthresh,
		SndWnd:     s.SndWnd,
		Srtt:       s.Srtt,
		RcvWnd:     s.RcvWnd,
		SockCookie: s.SockCookie,
	}
}

// sockaddr encodes a sockaddr_in or sockaddr_in6 the way the tcp_probe
// tracepoint stores them.
func sockaddr(family uint16, addr netip.Addr, port uint16) [event.SockaddrLen]byte {
	var b [event.SockaddrLen]byte

	event.HostByteOrder().PutUint16(b[0:], family)
	binary.BigEndian.PutUint16(b[2:], port)

	switch family {
	case familyIPv4:
		putAddr4(b[4:], addr)
	case familyIPv6:
		putAddr6(b[8:], addr)
	}

	return b
}
