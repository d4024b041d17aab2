package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	tcpflow "github.com/jhwbarlow/tcp-flow-bpf"
	"github.com/jhwbarlow/tcp-flow-bpf/internal/replay"
)

func newReplayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "replay TRACE",
		Short: "Replay a recorded trace through the capture points and log the records",
		Long: `replay fires the connect, close and flow capture points for each step of a
YAML trace against a simulated kernel, passes the records through an
in-process ring of --ring-size bytes and logs them as watch would.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trace, err := replay.LoadFile(args[0])
			if err != nil {
				return err
			}

			logger := c.log.WithField("trace", args[0])

			runner := replay.NewRunner(trace, c.cfg.RingSize, c.cfg.EventChannelSize)
			eventer, err := tcpflow.NewWithRunner(runner)
			if err != nil {
				return err
			}
			defer eventer.Close()

			count, err := logRecords(logger, eventer)
			logger.WithFields(log.Fields{
				"steps":   len(trace.Steps),
				"records": count,
			}).Info("Replayed")

			return err
		},
	}
}
