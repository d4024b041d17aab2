package capture

// Transport is the ring the capture points write into. It is used the way a
// BPF program uses bpf_ringbuf_reserve and bpf_ringbuf_submit.
//
// Reserve returns size bytes of undefined content, or false when the ring is
// full; the record is then dropped and nothing else happens. Commit makes a
// slice returned by Reserve visible to the consumer, and must be called
// exactly once for it.
type Transport interface {
	Reserve(size int) ([]byte, bool)
	Commit(rec []byte)
}

// Task is the execution context a capture point runs in.
type Task interface {
	// PIDTGID returns the thread group id in the upper 32 bits and the thread
	// id in the lower 32 bits, like bpf_get_current_pid_tgid.
	PIDTGID() uint64
}

// TaskFunc adapts a function to a Task.
type TaskFunc func() uint64

func (f TaskFunc) PIDTGID() uint64 {
	return f()
}

func currentPID(task Task) uint32 {
	return uint32(task.PIDTGID() >> 32)
}
