// Package log provides the narrow logging seam the rest of this module
// depends on. Components take a Logger interface rather than importing
// logrus directly, so tests can inject a recording logger.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract consumed throughout the core. It is
// intentionally small: printf-style leveled methods plus WithField(s) for
// attaching request-scoped context (operation_id, repository, tag, ...).
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a Logger backed by logrus, writing to w at the given level
// ("debug", "info", "warn", "error"). An empty level defaults to "info".
func New(w io.Writer, level string) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewDefault builds a Logger writing to stderr at info level.
func NewDefault() Logger {
	return New(os.Stderr, "info")
}

func (l *logrusLogger) Debug(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Info(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warn(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Error(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value any) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields map[string]any) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// Discard is a Logger that drops everything; handy as a test default.
func Discard() Logger { return New(io.Discard, "error") }

// Recorder is a Logger that also keeps every formatted line in memory, for
// assertions in tests that need to check a warning/error was actually
// logged without depending on stderr.
type Recorder struct {
	Logger
	lines *[]string
}

// NewRecorder builds a Recorder. Every call, at any level, is appended
// fully formatted to Lines(); nothing is written anywhere else.
func NewRecorder() *Recorder {
	lines := &[]string{}
	return &Recorder{Logger: &recordingLogger{lines: lines}, lines: lines}
}

func (r *Recorder) Lines() []string { return *r.lines }

type recordingLogger struct {
	lines  *[]string
	prefix string
}

func (r *recordingLogger) record(level, format string, args ...any) {
	*r.lines = append(*r.lines, fmt.Sprintf("[%s] %s%s", level, r.prefix, fmt.Sprintf(format, args...)))
}

func (r *recordingLogger) Debug(format string, args ...any) { r.record("debug", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.record("info", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.record("warn", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.record("error", format, args...) }

func (r *recordingLogger) WithField(key string, value any) Logger {
	return &recordingLogger{lines: r.lines, prefix: fmt.Sprintf("%s%s=%v ", r.prefix, key, value)}
}

func (r *recordingLogger) WithFields(fields map[string]any) Logger {
	l := r
	for k, v := range fields {
		l = &recordingLogger{lines: l.lines, prefix: fmt.Sprintf("%s%s=%v ", l.prefix, k, v)}
	}
	return l
}
