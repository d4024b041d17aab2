// Package tcpflow delivers the TCP connect, close and flow-sample records
// captured in the kernel as typed events.
//
// An Eventer starts a Runner, which loads the capture points and surfaces the
// raw records they commit to the shared ring buffer, and decodes each record
// as it is read. Records dropped because the ring was full are never seen.
package tcpflow

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jhwbarlow/tcp-flow-bpf/internal/bpf"
	"github.com/jhwbarlow/tcp-flow-bpf/internal/config"
	"github.com/jhwbarlow/tcp-flow-bpf/pkg/event"
)

var ErrEventerClosed = errors.New("read from closed eventer")

// Runner is an interface which describes objects which start a capture
// mechanism and then send the raw records it produces on the returned
// channel.
type Runner interface {
	Run() error
	EventChannel() <-chan []byte
	Close() error
}

// Deserialiser is an interface which describes objects which convert raw
// records into events.
type deserialiser interface {
	Decode(data []byte) (event.Record, error)
}

type Eventer struct {
	deserialiser deserialiser
	runner       Runner

	done      chan struct{}
	closeOnce sync.Once
}

// New creates an Eventer reading from the kernel through the backend named
// in cfg, which is validated first.
func New(cfg *config.Config) (*Eventer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var runner Runner
	switch cfg.Backend {
	case config.BackendLibBPFGo:
		runner = bpf.NewLibBPFGoRunner(cfg.Object, cfg.EventChannelSize)
	case config.BackendCilium:
		runner = bpf.NewCiliumRunner(cfg.Object, uint32(cfg.RingSize), cfg.EventChannelSize)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}

	log.WithField("backend", cfg.Backend).Debug("Loading BPF object")

	return NewWithRunner(runner)
}

// NewWithRunner creates an Eventer reading from any capture mechanism, such
// as a trace replay.
func NewWithRunner(runner Runner) (*Eventer, error) {
	return newEventer(event.NewDecoder(event.HostByteOrder()), runner)
}

func newEventer(deserialiser deserialiser, runner Runner) (*Eventer, error) {
	if err := runner.Run(); err != nil {
		// Release whatever was acquired before the failure
		if closeErr := runner.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Error closing runner")
		}

		return nil, fmt.Errorf("starting runner: %w", err)
	}

	return &Eventer{
		deserialiser: deserialiser,
		runner:       runner,

		done: make(chan struct{}), // Closing this channel will cause Event() to no longer attempt to read from the runner
	}, nil
}

// Event blocks until the next record is available and returns it decoded.
// It returns ErrEventerClosed once the Eventer is closed or the runner has
// no more records.
func (e *Eventer) Event() (event.Record, error) {
	select {
	case <-e.done:
		return nil, ErrEventerClosed
	default:
	}

	select {
	case <-e.done:
		return nil, ErrEventerClosed
	case eventData, ok := <-e.runner.EventChannel():
		if !ok { // Check if the channel was closed, as the runner could be closed by Close() while Event() is being called
			return nil, ErrEventerClosed
		}

		record, err := e.deserialiser.Decode(eventData)
		if err != nil {
			return nil, fmt.Errorf("deserialising event: %w", err)
		}

		return record, nil
	}
}

func (e *Eventer) Close() error {
	var err error

	e.closeOnce.Do(func() {
		close(e.done) // Closing this channel will cause Event() to return ErrEventerClosed

		if closeErr := e.runner.Close(); closeErr != nil {
			err = fmt.Errorf("closing runner: %w", closeErr)
		}
	})

	return err
}
