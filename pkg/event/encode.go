package event

import "encoding/binary"

// ConnFields are the fields of an encoded ConnEvent, as views into the
// buffer holding it. Writing through a view writes the record in place.
type ConnFields struct {
	PID              []byte
	Sport, Dport     []byte
	Family           []byte
	Saddr, Daddr     []byte
	SaddrV6, DaddrV6 []byte
	Tag              []byte
	Pad              []byte
}

// SplitConn returns the field views of the ConnEvent held in b. b must hold
// at least ConnEventSize bytes.
func SplitConn(b []byte) ConnFields {
	_ = b[ConnEventSize-1] // Bounds check hint

	return ConnFields{
		PID:     b[0:4:4],
		Sport:   b[4:6:6],
		Dport:   b[6:8:8],
		Family:  b[8:10:10],
		Saddr:   b[10:14:14],
		Daddr:   b[14:18:18],
		SaddrV6: b[18:34:34],
		DaddrV6: b[34:50:50],
		Tag:     b[50:58:58],
		Pad:     b[58:60:60],
	}
}

// PutConn writes e into b using the ConnEvent wire layout. b must hold at
// least ConnEventSize bytes; every one of them is written.
func PutConn(b []byte, order binary.ByteOrder, e *ConnEvent) {
	f := SplitConn(b)

	order.PutUint32(f.PID, e.PID)
	order.PutUint16(f.Sport, e.Sport)
	order.PutUint16(f.Dport, e.Dport)
	order.PutUint16(f.Family, e.Family)
	copy(f.Saddr, e.Saddr[:])
	copy(f.Daddr, e.Daddr[:])
	copy(f.SaddrV6, e.SaddrV6[:])
	copy(f.DaddrV6, e.DaddrV6[:])
	copy(f.Tag, e.Tag[:])
	clear(f.Pad)
}

// PutFlow writes e into b using the FlowEvent wire layout. b must hold at
// least FlowEventSize bytes; every one of them is written.
func PutFlow(b []byte, order binary.ByteOrder, e *FlowEvent) {
	_ = b[FlowEventSize-1]

	copy(b[0:28], e.Saddr[:])
	copy(b[28:56], e.Daddr[:])
	order.PutUint16(b[56:58], e.Sport)
	order.PutUint16(b[58:60], e.Dport)
	order.PutUint16(b[60:62], e.Family)
	b[62], b[63] = 0, 0
	order.PutUint32(b[64:68], e.DataLen)
	order.PutUint32(b[68:72], e.Srtt)
	order.PutUint32(b[72:76], e.PID)
}
