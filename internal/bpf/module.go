package bpf

import (
	"fmt"

	bpf "github.com/aquasecurity/libbpfgo"
)

// BPFModuleCreator is an interface which describes objects which are "factories"
// for BPFModules.
type bpfModuleCreator interface {
	createModule(name string) (bpfModule, error)
}

// moduleOpener opens a BPF ELF-format object held in memory as a module
// with the given name, without loading it into the kernel.
type moduleOpener func(bpfObj []byte, name string) (bpfModule, error)

func openLibBPFGoModule(bpfObj []byte, name string) (bpfModule, error) {
	module, err := bpf.NewModuleFromBuffer(bpfObj, name)
	if err != nil {
		return nil, err
	}

	return newLibBPFGoBPFModule(module), nil
}

// ObjectModuleCreator opens the object returned by a BPFObjectLoader as a
// BPFModule.
type objectModuleCreator struct {
	bpfObjectLoader bpfObjectLoader
	open            moduleOpener
}

func newObjectModuleCreator(bpfObjectLoader bpfObjectLoader, open moduleOpener) *objectModuleCreator {
	return &objectModuleCreator{
		bpfObjectLoader: bpfObjectLoader,
		open:            open,
	}
}

// CreateModule loads the BPF object and opens it as a module named name.
// Failures to open the object name both the module and where the object was
// read from.
func (c *objectModuleCreator) createModule(name string) (bpfModule, error) {
	bpfObj, err := c.bpfObjectLoader.load()
	if err != nil {
		return nil, fmt.Errorf("loading BPF object: %w", err)
	}

	module, err := c.open(bpfObj, name)
	if err != nil {
		return nil, fmt.Errorf("opening %s as module %s: %w", c.bpfObjectLoader.source(), name, err)
	}

	return module, nil
}

// BPFModule is an interface which describes objects which represent a BPF object
// containing one or more BPF programs which can be loaded into the kernel.
// Once loaded into the kernel, individual programs can be retrieved from the module
// and attached to hooks within the kernel.
// The BPF object also contains the ring buffer map the programs emit into,
// which is initialised using the module.
type bpfModule interface {
	loadObject() error
	getProgram(name string) (bpfProgram, error)
	initRingBuf(name string, eventsChan chan []byte) (bpfRingBuffer, error)
	close()
}

// BPFRingBuffer is an interface which describes a ring buffer which, once
// started, delivers records on the channel it was initialised with.
type bpfRingBuffer interface {
	Start()
}

// LibBPFGoBPFModule is a wrapper around a libbpfgo Module, allowing it to
// return interfaces instead of concrete types to enable mocking.
type libBPFGoBPFModule struct {
	module *bpf.Module
}

func newLibBPFGoBPFModule(module *bpf.Module) *libBPFGoBPFModule {
	return &libBPFGoBPFModule{module}
}

// LoadObject loads the BPF object represented by this module into the kernel.
func (m *libBPFGoBPFModule) loadObject() error {
	return m.module.BPFLoadObject()
}

// GetProgram returns a BPFProgram representing an individual BPF program within
// the loaded module.
func (m *libBPFGoBPFModule) getProgram(name string) (bpfProgram, error) {
	program, err := m.module.GetProgram(name)
	if err != nil {
		return nil, err
	}

	return newLibBPFGoBPFProgram(program), nil
}

// InitRingBuf initialises the named ring buffer within the loaded module.
// Once started, each committed record is delivered on eventsChan. Records the
// programs could not reserve space for are never delivered nor counted.
func (m *libBPFGoBPFModule) initRingBuf(name string, eventsChan chan []byte) (bpfRingBuffer, error) {
	return m.module.InitRingBuf(name, eventsChan)
}

// Close detaches and unloads all items in the kernel related to this module, including
// programs and ring buffers.
func (m *libBPFGoBPFModule) close() {
	m.module.Close()
}
