package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	tcpflow "github.com/jhwbarlow/tcp-flow-bpf"
)

func newWatchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Attach to the kernel and log records until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := c.log.WithField("backend", c.cfg.Backend)

			eventer, err := tcpflow.New(c.cfg)
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				logger.Info("Stopping")
				if err := eventer.Close(); err != nil {
					logger.WithError(err).Warn("Error closing eventer")
				}
			}()

			logger.Info("Watching")
			count, err := logRecords(logger, eventer)
			logger.WithField("records", count).Info("Stopped")

			return err
		},
	}
}
