package bpf

import bpf "github.com/aquasecurity/libbpfgo"

// BPFProgram is an interface which describes objects representing BPF programs.
type bpfProgram interface {
	attachKprobe(function string) error
	attachTracepoint(tracepoint string) error
}

// LibBPFGoBPFProgram is a wrapper around a libbpfgo BPFProg,
// allowing the API to be simplified to simplify mocking.
type libBPFGoBPFProgram struct {
	program *bpf.BPFProg
}

func newLibBPFGoBPFProgram(program *bpf.BPFProg) *libBPFGoBPFProgram {
	return &libBPFGoBPFProgram{program}
}

// AttachKprobe attaches this program to the entry of the provided kernel function.
func (p *libBPFGoBPFProgram) attachKprobe(function string) error {
	_, err := p.program.AttachKprobe(function)
	return err
}

// AttachTracepoint attaches this program to the provided kernel tracepoint.
// The tracepoint should be supplied in format `subsystem:tracepoint`.
func (p *libBPFGoBPFProgram) attachTracepoint(tracepoint string) error {
	_, err := p.program.AttachTracepoint(tracepoint)
	return err
}
