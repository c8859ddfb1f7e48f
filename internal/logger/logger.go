// Package logger configures the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type sink struct{ w io.Writer }

var output atomic.Value // sink

func init() {
	output.Store(sink{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}})
	log.Logger = zerolog.New(forward{}).With().Timestamp().Logger()
}

// forward writes to whatever output Setup installed last, so component
// loggers created at package init follow later reconfiguration.
type forward struct{}

func (forward) Write(p []byte) (int, error) {
	return output.Load().(sink).w.Write(p)
}

// Setup installs the global logger with the given level ("debug", "info",
// ...) and format ("console" or "json").
func Setup(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("logger: parse level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		out = os.Stdout
	case "", "console":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	default:
		return fmt.Errorf("logger: unsupported format %q", format)
	}

	output.Store(sink{out})
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Component returns a logger tagged with a component name, e.g. "nats" or
// "chat". It is safe to call from package-level var declarations.
func Component(name string) zerolog.Logger {
	return zerolog.New(forward{}).With().Timestamp().Str("component", name).Logger()
}
