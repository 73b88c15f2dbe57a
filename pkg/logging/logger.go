// Package logging wraps logrus with the field-map call style used across
// genbatch and an optional per-component log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levels = [...]struct {
	name   string
	logrus logrus.Level
}{
	DEBUG: {"DEBUG", logrus.DebugLevel},
	INFO:  {"INFO", logrus.InfoLevel},
	WARN:  {"WARN", logrus.WarnLevel},
	ERROR: {"ERROR", logrus.ErrorLevel},
	FATAL: {"FATAL", logrus.FatalLevel},
}

func (l Level) valid() bool { return l >= DEBUG && l <= FATAL }

func (l Level) String() string {
	if !l.valid() {
		return "UNKNOWN"
	}
	return levels[l].name
}

// ParseLevel maps a config value such as "warning" to a Level. Unknown
// values fall back to INFO.
func ParseLevel(s string) Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARNING" {
		return WARN
	}
	for l, def := range levels {
		if def.name == s {
			return Level(l)
		}
	}
	return INFO
}

// Logger is a leveled logger carrying a fixed set of fields
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
	file  *os.File
}

func formatter(jsonFormat bool) logrus.Formatter {
	if jsonFormat {
		return &logrus.JSONFormatter{FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		}}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"}
}

// NewLogger returns a logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	if !level.valid() {
		level = INFO
	}
	base := &logrus.Logger{
		Out:       os.Stdout,
		Formatter: formatter(jsonFormat),
		Hooks:     make(logrus.LevelHooks),
		Level:     levels[level].logrus,
		ExitFunc:  os.Exit,
	}
	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	l := NewLogger(ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

// NewFileLogger tees output to stdout and <baseDir>/<app>/<component>.log.
// Every entry carries a component field.
func NewFileLogger(baseDir, app, component string, level Level, jsonFormat bool) (*Logger, error) {
	dir := filepath.Join(baseDir, app)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	name := component
	if name == "" {
		name = app
	}
	path := filepath.Join(dir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	l := NewLogger(level, jsonFormat)
	l.SetOutput(io.MultiWriter(f, os.Stdout))
	l.file = f
	l = l.WithField("component", strings.Trim(app+"/"+component, "/"))
	l.Info("Logger initialized", map[string]interface{}{"path": path})
	return l, nil
}

// SetOutput redirects every logger derived from the same base
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// WithField returns a logger that adds key=value to every entry
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithField(key, value), file: l.file}
}

func (l *Logger) at(level logrus.Level, msg string, fields []map[string]interface{}) {
	if !l.base.IsLevelEnabled(level) {
		return
	}
	entry := l.entry
	for _, f := range fields {
		if len(f) > 0 {
			entry = entry.WithFields(logrus.Fields(f))
		}
	}
	entry.Log(level, msg)
	if level == logrus.FatalLevel {
		l.base.Exit(1)
	}
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.at(logrus.DebugLevel, msg, fields)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.at(logrus.InfoLevel, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.at(logrus.WarnLevel, msg, fields)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.at(logrus.ErrorLevel, msg, fields)
}

// Fatal logs msg and exits the process
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) {
	l.at(logrus.FatalLevel, msg, fields)
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	l.Info("Logger closing")
	return l.file.Close()
}
