package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a zerolog level name
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects JSON lines or the human console writer
type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

// Config is the logging section of the bridge settings. ServiceName,
// Environment and Version are stamped on every entry.
type Config struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`

	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`

	Caller bool `yaml:"caller"`
	PID    bool `yaml:"pid"`

	// Output defaults to stderr.
	Output io.Writer `yaml:"-"`
}

// DefaultConfig logs info and above to the console
func DefaultConfig() *Config {
	return &Config{
		Level:       LogLevelInfo,
		Format:      LogFormatConsole,
		ServiceName: "oauth2bridge",
		Environment: "development",
		Version:     "dev",
	}
}

// zerolog maps l onto a zerolog level; unknown names mean info.
func (l LogLevel) zerolog() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(string(l)))
	if err != nil || l == "" {
		return zerolog.InfoLevel
	}
	return level
}

func (c *Config) writer() io.Writer {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}
	if c.Format == LogFormatConsole {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return out
}

// Configure installs the global logger described by config and returns it.
// A nil config means DefaultConfig.
func Configure(config *Config) zerolog.Logger {
	if config == nil {
		config = DefaultConfig()
	}
	zerolog.SetGlobalLevel(config.Level.zerolog())
	zerolog.TimeFieldFormat = time.RFC3339Nano

	ctx := zerolog.New(config.writer()).With().
		Timestamp().
		Str("service", config.ServiceName).
		Str("environment", config.Environment).
		Str("version", config.Version)
	if config.Caller {
		ctx = ctx.Caller()
	}
	if config.PID {
		ctx = ctx.Int("pid", os.Getpid())
	}

	log.Logger = ctx.Logger()
	return log.Logger
}

// ApplyEnv overrides config from LOG_LEVEL, LOG_FORMAT, LOG_CALLER, LOG_PID,
// SERVICE_NAME and ENVIRONMENT. Unset or empty variables leave fields alone.
func ApplyEnv(config *Config) {
	env := func(key string, apply func(string)) {
		if v := os.Getenv(key); v != "" {
			apply(v)
		}
	}
	flag := func(dst *bool) func(string) {
		return func(v string) {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	env("LOG_LEVEL", func(v string) { config.Level = LogLevel(strings.ToLower(v)) })
	env("LOG_FORMAT", func(v string) { config.Format = LogFormat(strings.ToLower(v)) })
	env("LOG_CALLER", flag(&config.Caller))
	env("LOG_PID", flag(&config.PID))
	env("SERVICE_NAME", func(v string) { config.ServiceName = v })
	env("ENVIRONMENT", func(v string) { config.Environment = v })
}

// GetLogger returns the global logger tagged with component
func GetLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
