package bpf

import (
	"errors"
	"fmt"
	"os"
)

var errNoBPFObject error = errors.New("no BPF object available")

// BPFObjectLoader is an interface which describes objects which
// return/"load" a BPF ELF-format object as a byte slice.
type bpfObjectLoader interface {
	load() ([]byte, error)
	source() string
}

// FileBPFObjectLoader returns a BPF ELF-format object read from a file,
// the object having been compiled from bpf/tcpflow.bpf.c.
type fileBPFObjectLoader struct {
	path string
}

func newFileBPFObjectLoader(path string) *fileBPFObjectLoader {
	return &fileBPFObjectLoader{path}
}

// Source names the file the object is read from.
func (l *fileBPFObjectLoader) source() string {
	return l.path
}

// Load returns a BPF ELF-format object.
func (l *fileBPFObjectLoader) load() ([]byte, error) {
	if l.path == "" {
		return nil, errNoBPFObject
	}

	bpfObj, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.path, err)
	}

	// Guard against some build-time mishap
	if len(bpfObj) == 0 {
		return nil, fmt.Errorf("%s: %w", l.path, errNoBPFObject)
	}

	return bpfObj, nil
}
