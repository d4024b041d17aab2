package main

import (
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jhwbarlow/tcp-flow-bpf/internal/config"
)

// cli carries the state shared by the commands of one invocation.
type cli struct {
	v   *viper.Viper
	cfg *config.Config
	log *log.Entry
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	config.SetDefaults(c.v)

	var configFile string

	rootCmd := &cobra.Command{
		Use:   "tcpflow",
		Short: "Stream TCP connection and flow records captured in the kernel",
		Long: `tcpflow attaches BPF programs to the kernel's TCP connect and close paths
and to the tcp_probe tracepoint, and logs every record they emit. Records
which do not fit into the kernel ring buffer are dropped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				c.v.SetConfigFile(configFile)
			}

			cfg, err := config.Load(c.v)
			if err != nil {
				return err
			}
			c.cfg = cfg

			if err := setupLogging(cfg.Log); err != nil {
				return err
			}
			c.log = log.WithField("session", uuid.NewString())

			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to a YAML configuration file")
	pf.String("backend", config.BackendLibBPFGo, "BPF loader backend (libbpfgo or cilium)")
	pf.String("object", "bpf.o", "Path to the compiled BPF object")
	pf.Int("ring-size", 1<<24, "Ring buffer size in bytes (cilium backend and replay)")
	pf.Int("event-channel-size", 1024, "Number of records buffered between the ring and the decoder")
	pf.String("log-level", "info", "Log level")
	pf.String("log-format", config.LogFormatText, "Log format (text or json)")

	for key, flag := range map[string]string{
		"backend":            "backend",
		"object":             "object",
		"ring_size":          "ring-size",
		"event_channel_size": "event-channel-size",
		"log.level":          "log-level",
		"log.format":         "log-format",
	} {
		if err := c.v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(
		newWatchCmd(c),
		newReplayCmd(c),
		newVersionCmd(),
	)

	return rootCmd
}

func setupLogging(cfg config.Log) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case config.LogFormatJSON:
		log.SetFormatter(new(log.JSONFormatter))
	default:
		log.SetFormatter(textFormatter())
	}

	return nil
}
