// Package telemetry is the observability substrate (spec C2): structured
// logging, trace/span propagation, rate-limited error reporting, and
// metric collection. Every failure inside this package is swallowed to a
// fallback stream; it must never raise into caller paths (§4.2).
package telemetry

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger, grounded on
// intelligencedev-manifold/internal/observability/logging.go. Log records
// are always structured key/value pairs; no format strings cross the
// transport boundary.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger builds a root Logger writing to stdout at the given level
// ("debug", "info", "warn", "error"; defaults to "info" on empty/garbage
// input so a misconfigured level never disables logging entirely).
func NewLogger(level string) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil {
		lvl = l
	}

	zl := zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// WithRun derives a child Logger that stamps every record with run_id, so
// callers never have to thread the run id through individual log calls.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{zl: l.zl.With().Str("run_id", runID).Logger()}
}

// With derives a child Logger carrying additional fixed fields.
func (l *Logger) With(fields map[string]any) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) event(level zerolog.Level, msg string, fields map[string]any) {
	ev := l.zl.WithLevel(level)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs a structured debug record.
func (l *Logger) Debug(msg string, fields map[string]any) { l.event(zerolog.DebugLevel, msg, fields) }

// Info logs a structured info record.
func (l *Logger) Info(msg string, fields map[string]any) { l.event(zerolog.InfoLevel, msg, fields) }

// Warn logs a structured warning record.
func (l *Logger) Warn(msg string, fields map[string]any) { l.event(zerolog.WarnLevel, msg, fields) }

// Error logs a structured error record.
func (l *Logger) Error(msg string, fields map[string]any) { l.event(zerolog.ErrorLevel, msg, fields) }

// Fallback is the last-resort sink used when telemetry itself fails; it
// writes directly to stderr and must never itself be able to panic.
func Fallback(msg string, err error) {
	defer func() { _ = recover() }()
	os.Stderr.WriteString("telemetry_fallback: " + msg + ": ")
	if err != nil {
		os.Stderr.WriteString(err.Error())
	}
	os.Stderr.WriteString("\n")
}
