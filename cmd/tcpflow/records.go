package main

import (
	"errors"
	"fmt"
	"net/netip"

	log "github.com/sirupsen/logrus"

	tcpflow "github.com/jhwbarlow/tcp-flow-bpf"
	"github.com/jhwbarlow/tcp-flow-bpf/pkg/event"
)

// logRecords logs every record read from eventer until it is closed, and
// returns the number of records read.
func logRecords(logger *log.Entry, eventer *tcpflow.Eventer) (int, error) {
	count := 0

	for {
		record, err := eventer.Event()
		if err != nil {
			if errors.Is(err, tcpflow.ErrEventerClosed) {
				return count, nil
			}

			if errors.Is(err, event.ErrUnknownRecord) || errors.Is(err, event.ErrUnknownKind) {
				logger.WithError(err).Warn("Skipping undecodable record")
				continue
			}

			return count, fmt.Errorf("reading event: %w", err)
		}

		count++
		logger.WithFields(recordFields(record)).Info(record.Kind())
	}
}

func recordFields(record event.Record) log.Fields {
	switch r := record.(type) {
	case *event.ConnEvent:
		return log.Fields{
			"pid":    r.PID,
			"family": r.Family,
			"src":    netip.AddrPortFrom(r.SourceAddr(), r.Sport).String(),
			"dst":    netip.AddrPortFrom(r.DestAddr(), r.Dport).String(),
		}
	case *event.FlowEvent:
		return log.Fields{
			"pid":      r.PID,
			"family":   r.Family,
			"src":      netip.AddrPortFrom(r.SourceAddr(), r.Sport).String(),
			"dst":      netip.AddrPortFrom(r.DestAddr(), r.Dport).String(),
			"data_len": r.DataLen,
			"srtt":     r.Srtt,
		}
	default:
		return log.Fields{}
	}
}
