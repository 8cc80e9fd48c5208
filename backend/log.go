package backend

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig captures options for configuring the global logger.
type LogConfig struct {
	Level  string    // optional log level ("debug", "info", etc.)
	Output io.Writer // optional writer (defaults to os.Stdout)
}

var (
	logOnce sync.Once
	baseLog zerolog.Logger
)

// ConfigureLogger initialises the global zerolog logger exactly once.
func ConfigureLogger(cfg LogConfig) {
	logOnce.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		} else if env := os.Getenv("LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(env); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = io.Writer(os.Stdout)
			if os.Getenv("LOG_FORMAT") == "console" {
				writer = zerolog.ConsoleWriter{Out: os.Stdout}
			}
		}

		baseLog = zerolog.New(writer).With().
			Timestamp().
			Str("service", "ytbatch").
			Logger()
	})
}

func logger() zerolog.Logger {
	ConfigureLogger(LogConfig{})
	return baseLog
}

// Logger returns the configured base logger instance.
func Logger() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}
