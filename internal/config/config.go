// Package config holds the tcpflow configuration, read through viper from
// defaults, an optional config file, TCPFLOW_* environment variables and
// command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	BackendLibBPFGo = "libbpfgo"
	BackendCilium   = "cilium"

	LogFormatText = "text"
	LogFormatJSON = "json"

	EnvPrefix = "TCPFLOW"
)

// Magic, potentially tunable, defaults
const (
	defaultObject           = "bpf.o"
	defaultRingSize         = 1 << 24 // Must match the map size in the BPF C
	minRingSize             = 4096
	maxRingSize             = 1 << 30 // The kernel's limit for a BPF ring buffer map
	defaultEventChannelSize = 1024
	defaultLogLevel         = "info"
)

var (
	ErrUnknownBackend   = errors.New("unknown backend")
	ErrUnknownLogFormat = errors.New("unknown log format")
	ErrNoObject         = errors.New("no BPF object path configured")
	ErrInvalidRingSize  = errors.New("ring size must be a power of two between 4096 and 1073741824 bytes")
)

type Config struct {
	Backend          string `mapstructure:"backend"`
	Object           string `mapstructure:"object"`
	RingSize         int    `mapstructure:"ring_size"`
	EventChannelSize int    `mapstructure:"event_channel_size"`
	Log              Log    `mapstructure:"log"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key with its default value and binds the
// environment, so keys also resolve from TCPFLOW_RING_SIZE, TCPFLOW_LOG_LEVEL
// and so on.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendLibBPFGo)
	v.SetDefault("object", defaultObject)
	v.SetDefault("ring_size", defaultRingSize)
	v.SetDefault("event_channel_size", defaultEventChannelSize)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.format", LogFormatText)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration file set on v, if any, and returns the
// validated configuration.
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLibBPFGo, BackendCilium:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	if c.Object == "" {
		return ErrNoObject
	}

	if c.RingSize < minRingSize || c.RingSize > maxRingSize || c.RingSize&(c.RingSize-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRingSize, c.RingSize)
	}

	if c.EventChannelSize < 0 {
		return fmt.Errorf("event channel size must not be negative: %d", c.EventChannelSize)
	}

	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLogFormat, c.Log.Format)
	}

	return nil
}
