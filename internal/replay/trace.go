package replay

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	ProbeConnect = "connect"
	ProbeClose   = "close"
	ProbeFlow    = "flow"
)

// Socket fields whose reads can be made to fault. FaultSock makes the whole
// socket unreadable.
const (
	FaultSock    = "sock"
	FaultFamily  = "family"
	FaultSport   = "sport"
	FaultDport   = "dport"
	FaultSaddr   = "saddr"
	FaultDaddr   = "daddr"
	FaultSaddrV6 = "saddr_v6"
	FaultDaddrV6 = "daddr_v6"
)

var ErrInvalidTrace = errors.New("invalid trace")

// Trace is a recorded sequence of kernel events, replayed in order.
type Trace struct {
	Steps []Step `yaml:"steps"`
}

// Step is a single firing of one capture point.
type Step struct {
	Probe  string   `yaml:"probe"`
	PID    uint32   `yaml:"pid"`
	TID    uint32   `yaml:"tid"` // Defaults to the pid
	Sock   *Sock    `yaml:"sock"`
	Sample *Sample  `yaml:"sample"`
	Faults []string `yaml:"faults"`
}

// Sock is the kernel socket a connect or close step fires for. Ports are
// given in host order; they are stored in network order like the kernel does.
type Sock struct {
	Family uint16     `yaml:"family"`
	Sport  uint16     `yaml:"sport"`
	Dport  uint16     `yaml:"dport"`
	Saddr  netip.Addr `yaml:"saddr"`
	Daddr  netip.Addr `yaml:"daddr"`
}

// Sample is the tcp_probe tracepoint context a flow step fires with.
type Sample struct {
	Family     uint16     `yaml:"family"`
	Saddr      netip.Addr `yaml:"saddr"`
	Daddr      netip.Addr `yaml:"daddr"`
	Sport      uint16     `yaml:"sport"`
	Dport      uint16     `yaml:"dport"`
	Mark       uint32     `yaml:"mark"`
	DataLen    uint16     `yaml:"data_len"`
	SndNxt     uint32     `yaml:"snd_nxt"`
	SndUna     uint32     `yaml:"snd_una"`
	SndCwnd    uint32     `yaml:"snd_cwnd"`
	Ssthresh   uint32     `yaml:"ssthresh"`
	SndWnd     uint32     `yaml:"snd_wnd"`
	Srtt       uint32     `yaml:"srtt"`
	RcvWnd     uint32     `yaml:"rcv_wnd"`
	SockCookie uint64     `yaml:"sock_cookie"`
}

// Load decodes and validates a trace. Unknown keys are rejected.
func Load(r io.Reader) (*Trace, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	trace := new(Trace)
	if err := decoder.Decode(trace); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty trace", ErrInvalidTrace)
		}

		return nil, fmt.Errorf("decoding trace: %w", err)
	}

	if err := trace.Validate(); err != nil {
		return nil, err
	}

	return trace, nil
}

// LoadFile loads the trace at path.
func LoadFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace: %w", err)
	}
	defer f.Close()

	return Load(f)
}

func (t *Trace) Validate() error {
	for i := range t.Steps {
		if err := t.Steps[i].validate(); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidTrace, i, err)
		}
	}

	return nil
}

func (s *Step) validate() error {
	switch s.Probe {
	case ProbeConnect, ProbeClose:
		if s.Sock == nil {
			return fmt.Errorf("%s step without sock", s.Probe)
		}

		if s.Sample != nil {
			return fmt.Errorf("%s step with sample", s.Probe)
		}

		for _, fault := range s.Faults {
			if !knownFault(fault) {
				return fmt.Errorf("unknown fault %q", fault)
			}
		}

		return s.Sock.validate()
	case ProbeFlow:
		if s.Sample == nil {
			return errors.New("flow step without sample")
		}

		if s.Sock != nil || len(s.Faults) > 0 {
			return errors.New("flow step with sock or faults")
		}

		return nil
	default:
		return fmt.Errorf("unknown probe %q", s.Probe)
	}
}

func (s *Sock) validate() error {
	for _, addr := range []netip.Addr{s.Saddr, s.Daddr} {
		if !addr.IsValid() {
			continue
		}

		if s.Family == familyIPv4 && !addr.Unmap().Is4() {
			return fmt.Errorf("address %s does not fit family %d", addr, s.Family)
		}
	}

	return nil
}

func knownFault(fault string) bool {
	switch fault {
	case FaultSock, FaultFamily, FaultSport, FaultDport,
		FaultSaddr, FaultDaddr, FaultSaddrV6, FaultDaddrV6:
		return true
	default:
		return false
	}
}

func (s *Step) pidTGID() uint64 {
	tid := s.TID
	if tid == 0 {
		tid = s.PID
	}

	return uint64(s.PID)<<32 | uint64(tid)
}
