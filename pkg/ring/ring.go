// Package ring is an in-process multi-producer, single-consumer ring buffer
// with the semantics of the kernel BPF ring buffer: producers reserve space,
// populate it and commit it; the consumer sees records in reservation order
// and never sees an uncommitted one; a full ring drops the record.
package ring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	hdrSize = 8

	busyBit    = 1 << 31
	discardBit = 1 << 30
	lenMask    = discardBit - 1

	// MinSize is the smallest ring that can be created.
	MinSize = 4096
)

var (
	ErrClosed      = errors.New("ring closed")
	ErrInvalidSize = errors.New("ring size must be a power of two and at least 4096 bytes")
)

// Ring is a fixed-capacity ring of variable-length records.
//
// Each record is preceded by an 8-byte header holding its length and the
// busy and discard bits, and starts on an 8-byte boundary. A record never
// wraps around the end of the ring: the tail is filled with a discarded pad
// record instead.
type Ring struct {
	data []byte
	hdrs []atomic.Uint32 // One slot per 8-byte unit of data, used where a record starts
	mask uint64

	mu       sync.Mutex // Serialises reservations
	producer atomic.Uint64
	consumer atomic.Uint64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a ring of size bytes.
func New(size int) (*Ring, error) {
	if size < MinSize || size&(size-1) != 0 {
		return nil, ErrInvalidSize
	}

	return &Ring{
		data: make([]byte, size),
		hdrs: make([]atomic.Uint32, size/hdrSize),
		mask: uint64(size - 1),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}, nil
}

// Size returns the capacity of the ring in bytes.
func (r *Ring) Size() int {
	return len(r.data)
}

// header returns the header slot of a record returned by Reserve. The
// header sits immediately before the record in the ring.
func (r *Ring) header(rec []byte) *atomic.Uint32 {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
	start := uintptr(unsafe.Pointer(unsafe.SliceData(rec)))

	return &r.hdrs[(uint64(start-base)-hdrSize)/hdrSize]
}

// Commit makes a record returned by Reserve visible to the consumer.
func (r *Ring) Commit(rec []byte) {
	if cap(rec) == 0 {
		return
	}

	hdr := r.header(rec)
	hdr.Store(hdr.Load() &^ busyBit)
	r.signal()
}

// Discard releases a record returned by Reserve without the consumer ever
// seeing it.
func (r *Ring) Discard(rec []byte) {
	if cap(rec) == 0 {
		return
	}

	hdr := r.header(rec)
	hdr.Store(hdr.Load()&^busyBit | discardBit)
	r.signal()
}

func align(n uint64) uint64 {
	return (n + hdrSize - 1) &^ (hdrSize - 1)
}

// Reserve reserves size bytes and returns them with undefined contents. It
// returns false when the ring does not have that much free space, or is
// closed. It never waits for the consumer. The record must be passed to
// Commit or Discard exactly once.
func (r *Ring) Reserve(size int) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reserveLocked(size)
}

// reserveLocked must be called with r.mu held.
func (r *Ring) reserveLocked(size int) ([]byte, bool) {
	if size <= 0 || size > lenMask {
		return nil, false
	}

	capacity := r.mask + 1
	total := align(hdrSize + uint64(size))
	if total > capacity {
		return nil, false
	}

	if r.closed() {
		return nil, false
	}

	prod := r.producer.Load()
	cons := r.consumer.Load()
	off := prod & r.mask

	var pad uint64
	if off+total > capacity {
		pad = capacity - off
	}

	if prod+pad+total-cons > capacity {
		return nil, false
	}

	if pad > 0 {
		r.hdrs[off/hdrSize].Store(uint32(pad-hdrSize) | discardBit)
		prod += pad
		off = 0
	}

	r.hdrs[off/hdrSize].Store(uint32(size) | busyBit)
	r.producer.Store(prod + total)

	start := off + hdrSize
	return r.data[start : start+uint64(size) : start+uint64(size)], true
}

// Emit reserves size bytes, populates them with fill and commits them.
// fill is not called when the reservation fails.
func (r *Ring) Emit(size int, fill func(rec []byte)) bool {
	rec, ok := r.Reserve(size)
	if !ok {
		return false
	}

	fill(rec)
	r.Commit(rec)

	return true
}

func (r *Ring) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// TryRead returns a copy of the next committed record without waiting.
// It returns false when the ring is empty or the next record is still being
// populated. Only one goroutine may consume from a ring.
func (r *Ring) TryRead() ([]byte, bool) {
	for {
		cons := r.consumer.Load()
		if cons == r.producer.Load() {
			return nil, false
		}

		off := cons & r.mask
		hdr := r.hdrs[off/hdrSize].Load()
		if hdr&busyBit != 0 {
			return nil, false
		}

		n := uint64(hdr & lenMask)
		total := align(hdrSize + n)

		if hdr&discardBit != 0 {
			r.consumer.Store(cons + total)
			continue
		}

		rec := make([]byte, n)
		copy(rec, r.data[off+hdrSize:off+hdrSize+n])
		r.consumer.Store(cons + total)

		return rec, true
	}
}

// Read waits for the next committed record. Once the ring is closed, Read
// returns the records already committed, waits for those reserved before the
// close to be committed or discarded, and then returns ErrClosed.
func (r *Ring) Read(ctx context.Context) ([]byte, error) {
	for {
		if rec, ok := r.TryRead(); ok {
			return rec, nil
		}

		done := r.done
		if r.closed() {
			if !r.pending() {
				return nil, ErrClosed
			}
			done = nil // Only a commit or discard can make progress now
		}

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.wake:
		}
	}
}

func (r *Ring) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// pending reports whether any reserved space has not been consumed yet.
func (r *Ring) pending() bool {
	return r.consumer.Load() != r.producer.Load()
}

// Close stops further reservations and wakes the consumer. Records reserved
// before Close may still be committed, and are delivered by Read.
func (r *Ring) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.done)
		r.mu.Unlock()
	})

	return nil
}
