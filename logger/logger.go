// Package logger is the structured logging layer shared by outrun-server
// and outrun-mount, built on log/slog the way gcsfuse's internal/logger
// package is: a package-level default logger swappable by severity and
// format, a TRACE severity one step below slog's own LevelDebug, and
// file output rotated through gopkg.in/natefinch/lumberjack.v2.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels. LevelTrace sits one step below slog's own LevelDebug so
// that "trace" logging (the noisiest tier -- one line per RPC, per cache
// lookup) can be filtered independently of "debug".
const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelOff   slog.Level = slog.LevelError + 4
)

// Severity names accepted in config, matching spec.md's ambient logging
// surface.
const (
	Trace   = "TRACE"
	Debug   = "DEBUG"
	Info    = "INFO"
	Warning = "WARNING"
	Error   = "ERROR"
	Off     = "OFF"
)

// Config configures Init. Grounded on gcsfuse's cfg.LoggingConfig: a
// severity, an output format, an optional file path (stderr if empty), and
// rotation parameters for that file.
type Config struct {
	Severity string
	Format   string // "text" or "json"
	FilePath string

	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultConfig returns the logging defaults: INFO severity, text format,
// stderr output.
func DefaultConfig() Config {
	return Config{
		Severity:        Info,
		Format:          "text",
		MaxFileSizeMB:   512,
		BackupFileCount: 10,
		Compress:        true,
	}
}

var (
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr, programLevel, "text"))
	closer        io.Closer
)

// Init installs the default logger per cfg, closing any previously opened
// log file first. Safe to call more than once (tests do, to redirect
// output at different severities).
func Init(cfg Config) error {
	if closer != nil {
		_ = closer.Close()
		closer = nil
	}

	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxFileSizeMB,
			MaxBackups: cfg.BackupFileCount,
			Compress:   cfg.Compress,
		}
		w = lj
		closer = lj
	}

	setLevel(cfg.Severity)
	defaultLogger = slog.New(newHandler(w, programLevel, cfg.Format))
	return nil
}

func setLevel(severity string) {
	switch severity {
	case Trace:
		programLevel.Set(LevelTrace)
	case Debug:
		programLevel.Set(LevelDebug)
	case Info:
		programLevel.Set(LevelInfo)
	case Warning:
		programLevel.Set(LevelWarn)
	case Error:
		programLevel.Set(LevelError)
	case Off:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// newHandler builds a slog.Handler that renders LevelTrace as "TRACE" and
// LevelOff's sentinel as unreachable (nothing is ever logged at LevelOff or
// above short of a deliberate panic path), in either gcsfuse-style quoted
// text or newline-delimited JSON.
func newHandler(w io.Writer, level slog.Leveler, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				a.Value = slog.StringValue(severityName(a.Value.Any().(slog.Level)))
				a.Key = "severity"
			}
			if a.Key == slog.MessageKey {
				a.Key = "message"
			}
			if a.Key == slog.TimeKey {
				a.Key = "time"
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006/01/02 15:04:05.000000"))
				}
			}
			return a
		},
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarn:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func Tracef(format string, args ...any) { defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(fmt.Sprintf(format, args...)) }

// Scoped is a logger carrying fixed fields (session id, request id) applied
// to every record it emits, for the per-request/per-session attribution
// spec.md's ambient logging surface calls for.
type Scoped struct {
	l *slog.Logger
}

// With returns a Scoped logger that attaches args (alternating key/value
// pairs, slog's own convention) to every record, built off whatever the
// current default logger is at the time of the call.
func With(args ...any) *Scoped {
	return &Scoped{l: defaultLogger.With(args...)}
}

func (s *Scoped) Tracef(format string, args ...any) {
	s.l.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
}
func (s *Scoped) Debugf(format string, args ...any) { s.l.Debug(fmt.Sprintf(format, args...)) }
func (s *Scoped) Infof(format string, args ...any)  { s.l.Info(fmt.Sprintf(format, args...)) }
func (s *Scoped) Warnf(format string, args ...any)  { s.l.Warn(fmt.Sprintf(format, args...)) }
func (s *Scoped) Errorf(format string, args ...any) { s.l.Error(fmt.Sprintf(format, args...)) }

// Close releases any file opened by Init. Called once at session teardown.
func Close() error {
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}
