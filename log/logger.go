package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a small leveled logger writing either colored text or JSON
// lines, optionally duplicated into a size-rotated file.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer

	name       string
	level      LogLevel
	json       bool
	noColor    bool
	timeFormat string
	exit       func(int)
}

type logEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
}

type Option func(*Logger)

// WithLevel sets the minimum level that is written.
func WithLevel(level LogLevel) Option {
	return func(l *Logger) {
		l.level = level
	}
}

// WithOutput replaces the default stdout writer.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) {
		l.writer = w
		l.noColor = true
	}
}

// WithJSON switches the output to one JSON object per line.
func WithJSON() Option {
	return func(l *Logger) {
		l.json = true
	}
}

// WithFile duplicates the output into a rotated log file. maxSize is in
// megabytes; maxBackups rotated files are kept for maxAge days.
func WithFile(path string, maxSize, maxBackups, maxAge int) Option {
	return func(l *Logger) {
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
		}
		l.writer = io.MultiWriter(l.writer, file)
		l.noColor = true
	}
}

func New(name string, opts ...Option) *Logger {
	l := &Logger{
		writer:     os.Stdout,
		name:       name,
		level:      Info,
		timeFormat: "2006-01-02 15:04:05",
		exit:       os.Exit,
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Named returns a child logger sharing the writer and level, with the
// given name appended to the component path.
func (l *Logger) Named(name string) *Logger {
	child := &Logger{
		writer:     l.writer,
		name:       name,
		level:      l.level,
		json:       l.json,
		noColor:    l.noColor,
		timeFormat: l.timeFormat,
		exit:       l.exit,
	}
	if l.name != "" {
		child.name = l.name + "/" + name
	}

	return child
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if level < l.level {
		return
	}

	timestamp := time.Now().Format(l.timeFormat)
	formatted := fmt.Sprintf(msg, args...)

	l.mu.Lock()
	if l.json {
		entry := logEntry{
			Timestamp: timestamp,
			Level:     level.String(),
			Component: l.name,
			Message:   formatted,
		}

		raw, _ := json.Marshal(entry)
		fmt.Fprintf(l.writer, "%s\n", raw)
	} else {
		prefix := fmt.Sprintf("[%s] %-5s", timestamp, level)
		if l.name != "" {
			prefix = fmt.Sprintf("%s [%s]", prefix, l.name)
		}

		if l.noColor {
			fmt.Fprintf(l.writer, "%s %s\n", prefix, formatted)
		} else {
			fmt.Fprintf(l.writer, "%s%s %s\033[0m\n", color(level), prefix, formatted)
		}
	}
	l.mu.Unlock()

	if level == Fatal {
		l.exit(1)
	}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(Debug, msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(Info, msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(Warn, msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(Error, msg, args...)
}

func (l *Logger) Fatal(msg string, args ...any) {
	l.log(Fatal, msg, args...)
}
