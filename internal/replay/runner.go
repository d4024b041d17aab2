// Package replay is a capture mechanism driven by a recorded trace instead of
// the kernel. Each step of the trace fires one capture point against a
// simulated kernel memory, the capture points emit into an in-process ring
// and a drain goroutine surfaces the committed records, exactly as the BPF
// backends surface the records of the kernel ring buffer.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jhwbarlow/tcp-flow-bpf/pkg/capture"
	"github.com/jhwbarlow/tcp-flow-bpf/pkg/ring"
)

// Runner replays a trace. The event channel is closed once every record
// committed by the trace has been delivered.
type Runner struct {
	trace            *Trace
	ringSize         int
	eventChannelSize int

	ring      *ring.Ring
	eventChan chan []byte

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewRunner(trace *Trace, ringSize, eventChannelSize int) *Runner {
	return &Runner{
		trace:            trace,
		ringSize:         ringSize,
		eventChannelSize: eventChannelSize,
	}
}

// Run materialises the trace's sockets and starts replaying it.
func (r *Runner) Run() error {
	k, err := newKernel(r.trace)
	if err != nil {
		return fmt.Errorf("building simulated kernel: %w", err)
	}

	rg, err := ring.New(r.ringSize)
	if err != nil {
		return fmt.Errorf("creating ring: %w", err)
	}
	r.ring = rg
	r.eventChan = make(chan []byte, r.eventChannelSize)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	log.WithField("steps", len(r.trace.Steps)).Debug("Replaying trace")

	r.wg.Add(2)
	go r.produce(ctx, k)
	go r.drain(ctx)

	return nil
}

func (r *Runner) produce(ctx context.Context, k *kernel) {
	defer r.wg.Done()
	defer r.ring.Close()

	var current *Step
	task := capture.TaskFunc(func() uint64 {
		return current.pidTGID()
	})
	probe := capture.NewProbe(r.ring, k.mem, task)

	for i := range r.trace.Steps {
		if ctx.Err() != nil {
			return
		}

		current = &r.trace.Steps[i]
		switch current.Probe {
		case ProbeConnect:
			probe.Connect(k.handles[i])
		case ProbeClose:
			probe.Close(k.handles[i])
		case ProbeFlow:
			probe.Flow(tcpProbe(current.Sample))
		}
	}
}

func (r *Runner) drain(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.eventChan)

	for {
		rec, err := r.ring.Read(ctx)
		if err != nil {
			if !errors.Is(err, ring.ErrClosed) && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("Error reading ring")
			}
			return
		}

		select {
		case r.eventChan <- rec:
		case <-ctx.Done():
			return
		}
	}
}

// EventChannel returns the channel committed records are delivered on.
func (r *Runner) EventChannel() <-chan []byte {
	return r.eventChan
}

// Close stops the replay. Records not yet delivered are discarded.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		if r.cancel == nil {
			return
		}

		log.Debug("Stopping replay")
		r.cancel()
		r.ring.Close()
		r.wg.Wait()
	})

	return nil
}
