package bpf

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"
)

var errProgramNotFound = errors.New("program not found in BPF object")

// CiliumRunner loads the BPF object into the kernel using the cilium/ebpf
// library. Unlike the libbpfgo backend it can resize the ring buffer map
// before the object is loaded.
type CiliumRunner struct {
	ringSize         uint32
	eventChannelSize int
	bpfObjectLoader  bpfObjectLoader

	collection *ebpf.Collection
	links      []link.Link
	reader     *ringbuf.Reader
	eventChan  chan []byte

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewCiliumRunner creates a runner for the BPF object at objectPath. A
// non-zero ringSize overrides the size of the ring buffer map compiled into
// the object; it must be a power-of-two multiple of the page size.
func NewCiliumRunner(objectPath string, ringSize uint32, eventChannelSize int) *CiliumRunner {
	return newCiliumRunner(ringSize, eventChannelSize, newFileBPFObjectLoader(objectPath))
}

func newCiliumRunner(ringSize uint32, eventChannelSize int, bpfObjectLoader bpfObjectLoader) *CiliumRunner {
	return &CiliumRunner{
		ringSize:         ringSize,
		eventChannelSize: eventChannelSize,
		bpfObjectLoader:  bpfObjectLoader,
		done:             make(chan struct{}),
	}
}

// Run loads the BPF object into the kernel, attaches every program to its
// kernel hook and starts a goroutine polling the ring buffer.
func (r *CiliumRunner) Run() error {
	bpfObj, err := r.bpfObjectLoader.load()
	if err != nil {
		return fmt.Errorf("loading BPF object: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bpfObj))
	if err != nil {
		return fmt.Errorf("parsing BPF object %s: %w", r.bpfObjectLoader.source(), err)
	}

	ringSpec, ok := spec.Maps[ringBufName]
	if !ok {
		return fmt.Errorf("ring buffer map %q not found in BPF object", ringBufName)
	}
	if r.ringSize != 0 {
		ringSpec.MaxEntries = r.ringSize
	}

	// Allow the current process to lock memory for eBPF resources on kernels
	// which still account BPF memory against RLIMIT_MEMLOCK.
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock rlimit: %w", err)
	}

	collection, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("loading BPF object into kernel: %w", err)
	}
	r.collection = collection

	for _, a := range attachments {
		l, err := r.attach(a)
		if err != nil {
			return fmt.Errorf("attaching to %s %s: %w", a.kind, a.target, err)
		}
		r.links = append(r.links, l)

		log.WithFields(log.Fields{
			"program": a.program,
			"hook":    a.target,
		}).Debugf("Attached %s", a.kind)
	}

	reader, err := ringbuf.NewReader(collection.Maps[ringBufName])
	if err != nil {
		return fmt.Errorf("creating ring buffer reader: %w", err)
	}
	r.reader = reader

	r.eventChan = make(chan []byte, r.eventChannelSize)
	r.wg.Add(1)
	go r.poll()

	return nil
}

func (r *CiliumRunner) attach(a attachment) (link.Link, error) {
	program := r.collection.Programs[a.program]
	if program == nil {
		return nil, fmt.Errorf("%s: %w", a.program, errProgramNotFound)
	}

	switch a.kind {
	case attachKprobe:
		return link.Kprobe(a.target, program, nil)
	case attachTracepoint:
		group, name, err := splitTracepoint(a.target)
		if err != nil {
			return nil, err
		}

		return link.Tracepoint(group, name, program, nil)
	default:
		return nil, fmt.Errorf("unsupported attach kind %s", a.kind)
	}
}

func (r *CiliumRunner) poll() {
	defer r.wg.Done()
	defer close(r.eventChan)

	for {
		record, err := r.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}

			log.WithError(err).Warn("Error reading ring buffer")
			continue
		}

		select {
		case r.eventChan <- record.RawSample:
		case <-r.done:
			return
		}
	}
}

// EventChannel returns the channel raw ring buffer records are delivered on.
// It is closed once the runner is closed.
func (r *CiliumRunner) EventChannel() <-chan []byte {
	return r.eventChan
}

// Close detaches the programs and unloads the BPF object. It may be called
// after a failed Run to release whatever was acquired.
func (r *CiliumRunner) Close() error {
	var errs []error

	r.closeOnce.Do(func() {
		log.Info("Closing BPF collection")
		close(r.done)

		if r.reader != nil {
			if err := r.reader.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing ring buffer reader: %w", err))
			}
		}
		r.wg.Wait()

		for _, l := range r.links {
			if err := l.Close(); err != nil {
				errs = append(errs, fmt.Errorf("detaching program: %w", err))
			}
		}

		if r.collection != nil {
			r.collection.Close()
		}
	})

	return errors.Join(errs...)
}
