package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log is the exported, initialized logger instance.
var Log zerolog.Logger

// init initializes Log with the log level from the LOG_LEVEL environment variable.
func init() {
	Log = NewLogger(parseLogLevelFromEnv())
}

// parseLogLevelFromEnv reads LOG_LEVEL and returns the corresponding zerolog level.
// Defaults to info if LOG_LEVEL is unset or invalid.
func parseLogLevelFromEnv() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func NewLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// Level returns the level the logger runs at. Used to plumb the same
// verbosity into libraries that take a zerolog level directly.
func Level() zerolog.Level {
	return Log.GetLevel()
}

func formatEvent(e *zerolog.Event, prefix string) *zerolog.Event {
	if prefix != "" {
		return e.Str("component", prefix)
	}
	return e
}

// Wrapper functions keep call sites terse; the *WithPrefix variants tag
// the entry with a component name.

func Debug(msg string, v ...interface{}) {
	Log.Debug().Msgf(msg, v...)
}

func DebugWithPrefix(prefix, msg string, v ...interface{}) {
	formatEvent(Log.Debug(), prefix).Msgf(msg, v...)
}

func Info(msg string, v ...interface{}) {
	Log.Info().Msgf(msg, v...)
}

func InfoWithPrefix(prefix, msg string, v ...interface{}) {
	formatEvent(Log.Info(), prefix).Msgf(msg, v...)
}

func Warn(msg string, v ...interface{}) {
	Log.Warn().Msgf(msg, v...)
}

func WarnWithPrefix(prefix, msg string, v ...interface{}) {
	formatEvent(Log.Warn(), prefix).Msgf(msg, v...)
}

func Error(msg string, v ...interface{}) {
	Log.Error().Msgf(msg, v...)
}

func ErrorWithPrefix(prefix, msg string, v ...interface{}) {
	formatEvent(Log.Error(), prefix).Msgf(msg, v...)
}

// Fatal logs the message and exits the program with a non-zero status code.
func Fatal(msg string, v ...interface{}) {
	Log.Fatal().Msgf(msg, v...)
}

func FatalWithPrefix(prefix, msg string, v ...interface{}) {
	formatEvent(Log.Fatal(), prefix).Msgf(msg, v...)
}
