// Package zlog sets up the two binaries' logging: a zerolog console
// logger for startup/shutdown banners, and the log/slog handler every
// internal package logs through during normal operation. Grounded on the
// teacher pack's pkg/log (cuemby-warren): a package-level zerolog Logger,
// a Config{Level,JSONOutput} struct, and Init wiring both up from the
// same level.
package zlog

import (
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global zerolog instance used for binary-edge banners.
var Logger zerolog.Logger

// Level is one of the four levels both zerolog and slog recognize.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures both the zerolog banner logger and slog's default handler.
type Config struct {
	Level      Level
	JSONOutput bool
}

// Init sets the global zerolog Logger and installs an slog handler at the
// same level and format, so internal/* packages (which log exclusively
// through log/slog) end up consistent with the binary's chosen output.
func Init(cfg Config) {
	zlevel, slevel := levels(cfg.Level)
	zerolog.SetGlobalLevel(zlevel)

	if cfg.JSONOutput {
		Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slevel})))
		return
	}

	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slevel})))
}

func levels(l Level) (zerolog.Level, slog.Level) {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel, slog.LevelDebug
	case WarnLevel:
		return zerolog.WarnLevel, slog.LevelWarn
	case ErrorLevel:
		return zerolog.ErrorLevel, slog.LevelError
	default:
		return zerolog.InfoLevel, slog.LevelInfo
	}
}

// WithComponent returns a child banner logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }
func Fatal(msg string) { Logger.Fatal().Msg(msg) }
