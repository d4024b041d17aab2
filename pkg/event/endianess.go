package event

import (
	"encoding/binary"
	"unsafe"
)

// HostByteOrder returns the byte order of the machine, which is the order the
// capture points write multi-byte fields in.
func HostByteOrder() binary.ByteOrder {
	test := uint16(0xF00D)
	testByte := *((*byte)(unsafe.Pointer(&test)))

	if testByte == 0xF0 {
		return binary.BigEndian
	}

	return binary.LittleEndian
}
