package capture

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/jhwbarlow/tcp-flow-bpf/pkg/event"
)

var errMockFault = errors.New("mock bad address")

type mockKernelMemory struct {
	bytes  map[uint64]byte
	faults map[uint64]bool

	readCount int
}

func newMockKernelMemory() *mockKernelMemory {
	return &mockKernelMemory{
		bytes:  make(map[uint64]byte),
		faults: make(map[uint64]bool),
	}
}

func (mm *mockKernelMemory) ReadKernel(dst []byte, addr uint64) error {
	mm.readCount++

	for i := range dst {
		a := addr + uint64(i)
		if mm.faults[a] {
			return errMockFault
		}

		b, ok := mm.bytes[a]
		if !ok {
			return errMockFault
		}
		dst[i] = b
	}

	return nil
}

func (mm *mockKernelMemory) put(addr uint64, data []byte) {
	for i, b := range data {
		mm.bytes[addr+uint64(i)] = b
	}
}

func (mm *mockKernelMemory) fault(addr uint64, n int) {
	for i := 0; i < n; i++ {
		mm.faults[addr+uint64(i)] = true
	}
}

type mockSock struct {
	family           uint16
	sport, dport     uint16
	saddr, daddr     [4]byte
	saddrV6, daddrV6 [16]byte
}

// putSock lays a socket out at sk using DefaultSockLayout, with the ports in
// network byte order.
func (mm *mockKernelMemory) putSock(sk uint64, s *mockSock) {
	l := DefaultSockLayout
	var port, family [2]byte

	binary.BigEndian.PutUint16(port[:], s.sport)
	mm.put(sk+l.LocalPort, port[:])
	binary.BigEndian.PutUint16(port[:], s.dport)
	mm.put(sk+l.RemotePort, port[:])
	event.HostByteOrder().PutUint16(family[:], s.family)
	mm.put(sk+l.Family, family[:])
	mm.put(sk+l.LocalAddr4, s.saddr[:])
	mm.put(sk+l.RemoteAddr4, s.daddr[:])
	mm.put(sk+l.LocalAddr6, s.saddrV6[:])
	mm.put(sk+l.RemoteAddr6, s.daddrV6[:])
}

type mockTransport struct {
	full bool

	reserveCalled int
	commitCalled  int
	records       [][]byte
}

func (mt *mockTransport) Reserve(size int) ([]byte, bool) {
	mt.reserveCalled++

	if mt.full {
		return nil, false
	}

	rec := make([]byte, size)
	for i := range rec {
		rec[i] = 0xAA // Stale ring contents, which a capture must overwrite
	}

	return rec, true
}

func (mt *mockTransport) Commit(rec []byte) {
	mt.commitCalled++
	mt.records = append(mt.records, rec)
}

func mockTask(pid, tid uint32) Task {
	return TaskFunc(func() uint64 {
		return uint64(pid)<<32 | uint64(tid)
	})
}

const mockSockAddr = 0xFFFF888012345000

func decodeConn(t *testing.T, rec []byte) *event.ConnEvent {
	t.Helper()

	record, err := event.NewDecoder(binary.LittleEndian).Decode(rec)
	if err != nil {
		t.Fatalf("expected nil decode error, got %v (of type %T)", err, err)
	}

	connEvent, ok := record.(*event.ConnEvent)
	if !ok {
		t.Fatalf("expected *event.ConnEvent, got %T", record)
	}

	return connEvent
}

func decodeFlow(t *testing.T, rec []byte) *event.FlowEvent {
	t.Helper()

	record, err := event.NewDecoder(binary.LittleEndian).Decode(rec)
	if err != nil {
		t.Fatalf("expected nil decode error, got %v (of type %T)", err, err)
	}

	flowEvent, ok := record.(*event.FlowEvent)
	if !ok {
		t.Fatalf("expected *event.FlowEvent, got %T", record)
	}

	return flowEvent
}

func TestConnectIPv4(t *testing.T) {
	mockMemory := newMockKernelMemory()
	mockMemory.putSock(mockSockAddr, &mockSock{
		family: event.FamilyIPv4,
		sport:  443,
		dport:  51000,
		saddr:  [4]byte{10, 0, 0, 1},
		daddr:  [4]byte{10, 0, 0, 2},
	})

	// The local port is stored as 0xBB01 when read as a little endian u16
	localPort := []byte{
		mockMemory.bytes[mockSockAddr+DefaultSockLayout.LocalPort],
		mockMemory.bytes[mockSockAddr+DefaultSockLayout.LocalPort+1],
	}
	if got := binary.LittleEndian.Uint16(localPort); got != 0xBB01 {
		t.Fatalf("expected local port to read as 0xBB01, got %#x", got)
	}

	mockTransport := new(mockTransport)
	probe := NewProbe(mockTransport, mockMemory, mockTask(4242, 4243), WithByteOrder(binary.LittleEndian))

	probe.Connect(mockSockAddr)

	if len(mockTransport.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(mockTransport.records))
	}

	connEvent := decodeConn(t, mockTransport.records[0])
	t.Logf("got event %v", connEvent)

	if connEvent.Family != event.FamilyIPv4 || connEvent.Sport != 443 || connEvent.Dport != 51000 {
		t.Errorf("expected family 2, 443 -> 51000, got family %d, %d -> %d",
			connEvent.Family,
			connEvent.Sport,
			connEvent.Dport)
	}

	if connEvent.Kind() != event.KindConnect {
		t.Errorf("expected kind %q, got %q", event.KindConnect, connEvent.Kind())
	}

	if connEvent.PID != 4242 {
		t.Errorf("expected thread group id 4242 as pid, got %d", connEvent.PID)
	}

	if connEvent.Saddr != [4]byte{10, 0, 0, 1} || connEvent.Daddr != [4]byte{10, 0, 0, 2} {
		t.Errorf("expected 10.0.0.1 -> 10.0.0.2, got %v -> %v", connEvent.Saddr, connEvent.Daddr)
	}

	if connEvent.SaddrV6 != [16]byte{} || connEvent.DaddrV6 != [16]byte{} {
		t.Error("expected IPv6 addresses to be zero for an IPv4 socket, but were not")
	}
}

func TestCloseIPv6(t *testing.T) {
	saddr := netip.MustParseAddr("2001:db8::1").As16()
	daddr := netip.MustParseAddr("2001:db8::2").As16()
	mockMemory := newMockKernelMemory()
	mockMemory.putSock(mockSockAddr, &mockSock{
		family:  event.FamilyIPv6,
		sport:   8443,
		dport:   33000,
		saddr:   [4]byte{192, 0, 2, 1}, // Readable, but must not be copied
		daddr:   [4]byte{192, 0, 2, 2},
		saddrV6: saddr,
		daddrV6: daddr,
	})
	mockTransport := new(mockTransport)
	probe := NewProbe(mockTransport, mockMemory, mockTask(1, 1), WithByteOrder(binary.LittleEndian))

	probe.Close(mockSockAddr)

	if len(mockTransport.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(mockTransport.records))
	}

	connEvent := decodeConn(t, mockTransport.records[0])

	if connEvent.Kind() != event.KindClose {
		t.Errorf("expected kind %q, got %q", event.KindClose, connEvent.Kind())
	}

	if connEvent.SaddrV6 != saddr || connEvent.DaddrV6 != daddr {
		t.Errorf("expected IPv6 addresses to be copied verbatim, got %v -> %v",
			connEvent.SourceAddr(),
			connEvent.DestAddr())
	}

	if connEvent.Saddr != [4]byte{} || connEvent.Daddr != [4]byte{} {
		t.Error("expected IPv4 addresses to be zero for an IPv6 socket, but were not")
	}
}

func TestConnectUnknownFamilyLeavesAddrsZero(t *testing.T) {
	mockMemory := newMockKernelMemory()
	mockMemory.putSock(mockSockAddr, &mockSock{
		family:  1, // AF_UNIX
		sport:   1,
		dport:   2,
		saddr:   [4]byte{10, 0, 0, 1},
		saddrV6: [16]byte{0xFE, 0x80},
	})
	mockTransport := new(mockTransport)
	probe := NewProbe(mockTransport, mockMemory, mockTask(1, 1), WithByteOrder(binary.LittleEndian))

	probe.Connect(mockSockAddr)

	connEvent := decodeConn(t, mockTransport.records[0])

	if connEvent.Family != 1 {
		t.Errorf("expected family 1 to be recorded, got %d", connEvent.Family)
	}

	if connEvent.Saddr != [4]byte{} || connEvent.Daddr != [4]byte{} ||
		connEvent.SaddrV6 != [16]byte{} || connEvent.DaddrV6 != [16]byte{} {
		t.Error("expected all addresses to be zero for an unknown family, but were not")
	}
}

func TestConnectFieldFaultLeavesFieldZero(t *testing.T) {
	mockMemory := newMockKernelMemory()
	mockMemory.putSock(mockSockAddr, &mockSock{
		family: event.FamilyIPv4,
		sport:  443,
		dport:  51000,
		saddr:  [4]byte{10, 0, 0, 1},
		daddr:  [4]byte{10, 0, 0, 2},
	})
	mockMemory.fault(mockSockAddr+DefaultSockLayout.RemoteAddr4+3, 1) // Fails after three bytes were copied
	mockMemory.fault(mockSockAddr+DefaultSockLayout.RemotePort, 2)
	mockTransport := new(mockTransport)
	probe := NewProbe(mockTransport, mockMemory, mockTask(7, 7), WithByteOrder(binary.LittleEndian))

	probe.Connect(mockSockAddr)

	if len(mockTransport.records) != 1 {
		t.Fatalf("expected the record to be emitted despite faults, got %d records", len(mockTransport.records))
	}

	connEvent := decodeConn(t, mockTransport.records[0])

	if connEvent.Daddr != [4]byte{} {
		t.Errorf("expected faulting remote address to be zero, got %v", connEvent.Daddr)
	}

	if connEvent.Dport != 0 {
		t.Errorf("expected faulting remote port to be zero, got %d", connEvent.Dport)
	}

	if connEvent.Saddr != [4]byte{10, 0, 0, 1} || connEvent.Sport != 443 {
		t.Errorf("expected readable fields to be populated, got %v:%d", connEvent.Saddr, connEvent.Sport)
	}
}

func TestConnectUnreadableSocket(t *testing.T) {
	mockTransport := new(mockTransport)
	probe := NewProbe(mockTransport, newMockKernelMemory(), mockTask(99, 100), WithByteOrder(binary.LittleEndian))

	probe.Connect(0)

	if len(mockTransport.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(mockTransport.records))
	}

	connEvent := decodeConn(t, mockTransport.records[0])
	expected := &event.ConnEvent{PID: 99, Tag: event.KindConnect.Tag()}

	if *connEvent != *expected {
		t.Errorf("expected %+v, got %+v", expected, connEvent)
	}
}

func TestConnectPortsConvertedToHostOrder(t *testing.T) {
	for _, port := range []uint16{0, 1, 22, 80, 255, 256, 443, 8080, 51000, 65535} {
		mockMemory := newMockKernelMemory()
		mockMemory.putSock(mockSockAddr, &mockSock{family: event.FamilyIPv4, sport: port, dport: ^port})
		mockTransport := new(mockTransport)
		probe := NewProbe(mockTransport, mockMemory, mockTask(1, 1), WithByteOrder(binary.LittleEndian))

		probe.Close(mockSockAddr)

		connEvent := decodeConn(t, mockTransport.records[0])
		if connEvent.Sport != port || connEvent.Dport != ^port {
			t.Errorf("expected ports %d -> %d, got %d -> %d", port, ^port, connEvent.Sport, connEvent.Dport)
		}
	}
}

func TestConnectTransportFullDropsRecord(t *testing.T) {
	mockMemory := newMockKernelMemory()
	mockMemory.putSock(mockSockAddr, &mockSock{family: event.FamilyIPv4})
	mockTransport := &mockTransport{full: true}
	probe := NewProbe(mockTransport, mockMemory, mockTask(1, 1))

	probe.Connect(mockSockAddr)

	if mockTransport.reserveCalled != 1 {
		t.Errorf("expected a single reservation attempt, got %d", mockTransport.reserveCalled)
	}

	if mockTransport.commitCalled != 0 {
		t.Errorf("expected nothing to be committed, got %d commits", mockTransport.commitCalled)
	}

	// Nothing is populated without a reservation
	if mockMemory.readCount != 0 {
		t.Errorf("expected no kernel reads without a reservation, got %d", mockMemory.readCount)
	}
}

func mockTCPProbe(dataLen uint16, srtt uint32) *TCPProbe {
	tp := &TCPProbe{
		Sport:    443,
		Dport:    51000,
		Family:   event.FamilyIPv4,
		DataLen:  dataLen,
		Srtt:     srtt,
		SndCwnd:  10,
		Ssthresh: 0x7FFFFFFF,
		SndWnd:   65535,
		RcvWnd:   65535,
	}
	copy(tp.Saddr[:], []byte{0x02, 0x00, 0x01, 0xBB, 10, 0, 0, 1})
	copy(tp.Daddr[:], []byte{0x02, 0x00, 0xC7, 0x38, 10, 0, 0, 2})

	return tp
}

func TestFlowSample(t *testing.T) {
	mockTransport := new(mockTransport)
	probe := NewProbe(mockTransport, newMockKernelMemory(), mockTask(31337, 31338), WithByteOrder(binary.LittleEndian))
	tp := mockTCPProbe(1460, 25000)

	probe.Flow(tp)

	if len(mockTransport.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(mockTransport.records))
	}

	flowEvent := decodeFlow(t, mockTransport.records[0])
	t.Logf("got event %v", flowEvent)

	if flowEvent.DataLen != 1460 || flowEvent.Srtt != 25000 {
		t.Errorf("expected len 1460 srtt 25000, got len %d srtt %d", flowEvent.DataLen, flowEvent.Srtt)
	}

	if flowEvent.Saddr != tp.Saddr || flowEvent.Daddr != tp.Daddr {
		t.Error("expected sockaddr buffers to be copied verbatim, but were not")
	}

	if flowEvent.Sport != 443 || flowEvent.Dport != 51000 || flowEvent.Family != event.FamilyIPv4 {
		t.Errorf("expected 443 -> 51000 family 2 copied verbatim, got %d -> %d family %d",
			flowEvent.Sport,
			flowEvent.Dport,
			flowEvent.Family)
	}

	if flowEvent.PID != 31337 {
		t.Errorf("expected pid 31337, got %d", flowEvent.PID)
	}

	// Same connection, nothing transferred
	probe.Flow(mockTCPProbe(0, 25000))

	if len(mockTransport.records) != 1 {
		t.Errorf("expected no additional record for an empty sample, got %d records", len(mockTransport.records))
	}
}

func TestFlowEmptySamplesNeverReserve(t *testing.T) {
	mockTransport := new(mockTransport)
	probe := NewProbe(mockTransport, newMockKernelMemory(), mockTask(1, 1))

	for i := 0; i < 1000; i++ {
		probe.Flow(mockTCPProbe(0, uint32(i)))
	}
	probe.Flow(nil)

	if mockTransport.reserveCalled != 0 {
		t.Errorf("expected no reservations for empty samples, got %d", mockTransport.reserveCalled)
	}
}

func TestFlowTransportFullDropsRecord(t *testing.T) {
	mockTransport := &mockTransport{full: true}
	probe := NewProbe(mockTransport, newMockKernelMemory(), mockTask(1, 1))

	probe.Flow(mockTCPProbe(1, 1))

	if mockTransport.reserveCalled != 1 {
		t.Errorf("expected a single reservation attempt, got %d", mockTransport.reserveCalled)
	}

	if mockTransport.commitCalled != 0 {
		t.Errorf("expected nothing to be committed, got %d commits", mockTransport.commitCalled)
	}
}
