package event

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnknownRecord = errors.New("unknown record shape")
	ErrUnknownKind   = errors.New("unknown connection event kind")
)

// Decoder converts raw ring records into ConnEvents and FlowEvents.
// The shape of a record is identified by its length, which the ring carries
// alongside each record.
type Decoder struct {
	endianess binary.ByteOrder
}

func NewDecoder(endianess binary.ByteOrder) *Decoder {
	return &Decoder{endianess}
}

// Decode creates a record from the supplied ring sample.
func (d *Decoder) Decode(data []byte) (Record, error) {
	switch len(data) {
	case ConnEventSize:
		connEvent := new(ConnEvent)
		if err := binary.Read(bytes.NewReader(data), d.endianess, connEvent); err != nil {
			return nil, fmt.Errorf("decoding connection event: %w", err)
		}

		if kind := connEvent.Kind(); kind != KindConnect && kind != KindClose {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}

		return connEvent, nil
	case FlowEventSize:
		flowEvent := new(FlowEvent)
		if err := binary.Read(bytes.NewReader(data), d.endianess, flowEvent); err != nil {
			return nil, fmt.Errorf("decoding flow event: %w", err)
		}

		return flowEvent, nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrUnknownRecord, len(data))
	}
}
