package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig shapes the process-wide logger.
type LoggerConfig struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	// JSON writes one JSON object per line instead of console text, for log collectors
	// reading agentd's stdout.
	JSON bool
	Out  io.Writer
}

// InitLogger installs the logger as the zerolog global and returns it.
func InitLogger(app string, cfg LoggerConfig) zerolog.Logger {
	logger := NewLogger(app, cfg)
	zerolog.SetGlobalLevel(cfg.Level)
	log.Logger = logger
	return logger
}

// NewLogger builds a logger without touching globals.
func NewLogger(app string, cfg LoggerConfig) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	if cfg.JSON {
		ctx := zerolog.New(out).Level(cfg.Level).With()
		if cfg.Timestamp {
			ctx = ctx.Timestamp()
		}
		return ctx.Str("app", app).Int("pid", os.Getpid()).Logger()
	}
	output := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		output.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	return zerolog.New(output).Level(cfg.Level).With().Timestamp().Str("app", app).Logger()
}
