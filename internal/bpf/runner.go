// Package bpf loads the tcp-flow BPF object into the kernel, attaches its
// connect, close and tcp_probe programs and surfaces the raw records the
// programs commit to the shared ring buffer.
//
// Two interchangeable backends are provided, one built on libbpfgo and one on
// cilium/ebpf. Both deliver records on the channel returned by EventChannel()
// until Close() is called.
package bpf

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// LibBPFGoRunner loads the BPF object into the kernel using the libbpfgo
// library.
type LibBPFGoRunner struct {
	eventChannelSize int
	bpfModuleCreator bpfModuleCreator

	module    bpfModule
	eventChan <-chan []byte
}

// NewLibBPFGoRunner creates a runner for the BPF object at objectPath,
// buffering up to eventChannelSize records between the ring buffer and the
// consumer.
func NewLibBPFGoRunner(objectPath string, eventChannelSize int) *LibBPFGoRunner {
	bpfObjectLoader := newFileBPFObjectLoader(objectPath)
	bpfModuleCreator := newObjectModuleCreator(bpfObjectLoader, openLibBPFGoModule)

	return newLibBPFGoRunner(eventChannelSize, bpfModuleCreator)
}

func newLibBPFGoRunner(eventChannelSize int, bpfModuleCreator bpfModuleCreator) *LibBPFGoRunner {
	return &LibBPFGoRunner{
		eventChannelSize: eventChannelSize,
		bpfModuleCreator: bpfModuleCreator,
	}
}

// Run loads the BPF object into the kernel, attaches every program to its
// kernel hook and starts polling the ring buffer.
func (r *LibBPFGoRunner) Run() error {
	module, err := r.bpfModuleCreator.createModule(moduleName)
	if err != nil {
		return fmt.Errorf("creating BPF module: %w", err)
	}
	r.module = module

	if err := module.loadObject(); err != nil {
		return fmt.Errorf("loading BPF object into kernel: %w", err)
	}

	for _, a := range attachments {
		program, err := module.getProgram(a.program)
		if err != nil {
			return fmt.Errorf("loading BPF program %s: %w", a.program, err)
		}

		if err := attachProgram(program, a); err != nil {
			return fmt.Errorf("attaching to %s %s: %w", a.kind, a.target, err)
		}

		log.WithFields(log.Fields{
			"program": a.program,
			"hook":    a.target,
		}).Debugf("Attached %s", a.kind)
	}

	eventChan := make(chan []byte, r.eventChannelSize)

	buf, err := module.initRingBuf(ringBufName, eventChan)
	if err != nil {
		return fmt.Errorf("initialising ring buffer: %w", err)
	}
	r.eventChan = eventChan
	buf.Start()

	return nil
}

func attachProgram(program bpfProgram, a attachment) error {
	switch a.kind {
	case attachKprobe:
		return program.attachKprobe(a.target)
	case attachTracepoint:
		return program.attachTracepoint(a.target)
	default:
		return fmt.Errorf("unsupported attach kind %s", a.kind)
	}
}

// EventChannel returns the channel raw ring buffer records are delivered on.
func (r *LibBPFGoRunner) EventChannel() <-chan []byte {
	return r.eventChan
}

// Close unloads the BPF programs loaded into the kernel by this runner.
// After this, no more records will be emitted on to the channel returned
// by the runner.
func (r *LibBPFGoRunner) Close() error {
	if r.module == nil {
		return nil
	}

	log.Info("Closing BPF module")
	r.module.close()
	r.module = nil

	return nil
}
