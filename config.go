package aiop

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	defCapacity        = 1024
	defEventBufferSize = 64
	defLoopTimeoutMs   = 1000
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

// ReactorConfig configures one reactor.
type ReactorConfig struct {
	// Capacity is the maximum number of registered objects.
	Capacity int `yaml:"capacity" toml:"capacity"`
	// Backend names the polling backend, "auto" or empty selects the best available one.
	Backend string `yaml:"backend" toml:"backend"`
	// RaiseFileLimit raises RLIMIT_NOFILE so Capacity descriptors can be open.
	RaiseFileLimit bool `yaml:"raise_file_limit" toml:"raise_file_limit"`
}

type EventLoopConfig struct {
	Name            string `yaml:"name" toml:"name"`
	LockOsThread    bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
	EventBufferSize int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	TimeoutMs       int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

// SocketOptions are applied to descriptors before they are registered.
type SocketOptions struct {
	RecvBuffer int  `yaml:"recv_buffer" toml:"recv_buffer"`
	SendBuffer int  `yaml:"send_buffer" toml:"send_buffer"`
	NoDelay    bool `yaml:"no_delay" toml:"no_delay"`
}

type Config struct {
	Global  Global          `yaml:"global" toml:"global"`
	Reactor ReactorConfig   `yaml:"reactor" toml:"reactor"`
	Loop    EventLoopConfig `yaml:"loop" toml:"loop"`

	// Socket is applied by servers to accepted descriptors.
	Socket SocketOptions `yaml:"socket" toml:"socket"`

	// Loops is the number of event loops in a Group.
	Loops int `yaml:"loops" toml:"loops"`
}

func DefaultConfig() *Config {
	return &Config{
		Global: Global{LogLevel: "info"},
		Reactor: ReactorConfig{
			Capacity: defCapacity,
			Backend:  "auto",
		},
		Loop: EventLoopConfig{
			Name:            "loop",
			EventBufferSize: defEventBufferSize,
			TimeoutMs:       defLoopTimeoutMs,
		},
		Socket: SocketOptions{NoDelay: true},
		Loops:  1,
	}
}

// LoadConfig reads a .toml or .yaml file on top of DefaultConfig.
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, config)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	if err = validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.Reactor.Capacity <= 0 {
		return ErrInvalidCapacity
	}
	if config.Loop.EventBufferSize <= 0 {
		return errors.New("loop event buffer size must be positive")
	}
	if config.Loops <= 0 {
		return errors.New("loops must be positive")
	}
	if _, err := zerolog.ParseLevel(config.Global.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if !isAuto(config.Reactor.Backend) {
		for _, name := range Backends() {
			if name == config.Reactor.Backend {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownBackend, config.Reactor.Backend)
	}
	return nil
}

// InitLog applies the configured global log level.
func InitLog(config *Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil || config.Global.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Debug().Msgf("log level set to %s", level)
}
