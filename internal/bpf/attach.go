package bpf

import (
	"fmt"
	"strings"
)

// Must match that used in the BPF C
const (
	ringBufName = "events"
	moduleName  = "tcp-flow"
)

type attachKind int

const (
	attachKprobe attachKind = iota
	attachTracepoint
)

func (k attachKind) String() string {
	switch k {
	case attachKprobe:
		return "kprobe"
	case attachTracepoint:
		return "tracepoint"
	default:
		return fmt.Sprintf("attachKind(%d)", int(k))
	}
}

// Attachment binds a program in the BPF object to a kernel hook.
type attachment struct {
	program string
	kind    attachKind
	target  string // Function name for kprobes, `subsystem:tracepoint` for tracepoints
}

var attachments = []attachment{
	{program: "kprobe__tcp_connect", kind: attachKprobe, target: "tcp_connect"},
	{program: "kprobe__tcp_close", kind: attachKprobe, target: "tcp_close"},
	{program: "tracepoint__tcp__tcp_probe", kind: attachTracepoint, target: "tcp:tcp_probe"},
}

// splitTracepoint splits a `subsystem:tracepoint` target into its group and name.
func splitTracepoint(target string) (group, name string, err error) {
	group, name, ok := strings.Cut(target, ":")
	if !ok || group == "" || name == "" {
		return "", "", fmt.Errorf("malformed tracepoint %q", target)
	}

	return group, name, nil
}
