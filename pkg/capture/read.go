package capture

import "encoding/binary"

// KernelMemory is read by the capture points the way a BPF program reads
// kernel memory with bpf_probe_read_kernel: a read of an invalid or unmapped
// address fails instead of faulting the reader.
type KernelMemory interface {
	ReadKernel(dst []byte, addr uint64) error
}

// Result is the outcome of a single fault-tolerant read. A failed read
// carries no value; the destination it was meant for keeps its zero value.
type Result[T any] struct {
	value T
	ok    bool
}

func Ok[T any](value T) Result[T] {
	return Result[T]{value: value, ok: true}
}

func Fault[T any]() Result[T] {
	return Result[T]{}
}

// Get returns the value read, or the zero value and false.
func (r Result[T]) Get() (T, bool) {
	return r.value, r.ok
}

func (r Result[T]) OK() bool {
	return r.ok
}

// Into stores the value in dst if the read succeeded, and leaves dst
// untouched otherwise.
func (r Result[T]) Into(dst *T) {
	if r.ok {
		*dst = r.value
	}
}

// probeRead copies len(dst) bytes from addr straight into dst, which is
// normally a field of a reserved record. A failed read zeroes dst, so bytes
// copied before the fault are never exposed.
func probeRead(mem KernelMemory, dst []byte, addr uint64) Result[[]byte] {
	if err := mem.ReadKernel(dst, addr); err != nil {
		clear(dst)
		return Fault[[]byte]()
	}

	return Ok(dst)
}

// probeReadUint16 reads a 16-bit value stored in the given byte order into
// the 2-byte field dst, and returns its value.
func probeReadUint16(mem KernelMemory, dst []byte, addr uint64, stored binary.ByteOrder) Result[uint16] {
	b, ok := probeRead(mem, dst[:2], addr).Get()
	if !ok {
		return Fault[uint16]()
	}

	return Ok(stored.Uint16(b))
}

// probeReadPort reads a port stored in network byte order and returns it in
// host order.
func probeReadPort(mem KernelMemory, dst []byte, addr uint64) Result[uint16] {
	return probeReadUint16(mem, dst, addr, binary.BigEndian)
}
