// Package log implements support for structured logging.
package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// log.DefaultCaller + 2 for this module's leveling wrappers.
const defaultCallerUnwind = 5

// Logger is a structured logger.
type Logger struct {
	base         log.Logger
	keyvals      []interface{}
	logger       log.Logger
	level        Level
	module       string
	callerUnwind int
}

// NewDefaultLogger initializes a new logger instance with default settings.
// For usage outside tests, prefer RootLogger() from package `cmd/common`.
func NewDefaultLogger(module string) *Logger {
	logger, err := NewLogger(module, os.Stdout, FmtJSON, LevelInfo)
	if err != nil {
		// Shouldn't happen as NewLogger can only fail if an invalid format is provided.
		panic(err)
	}
	return logger
}

// NewLogger initializes a new logger instance.
func NewLogger(module string, w io.Writer, format Format, lvl Level) (*Logger, error) {
	var base log.Logger
	switch format {
	case FmtLogfmt:
		base = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case FmtJSON:
		base = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("log: unsupported log format: %v", format)
	}

	l := &Logger{
		base:         base,
		level:        lvl,
		module:       module,
		callerUnwind: defaultCallerUnwind,
	}
	l.logger = l.build()
	return l, nil
}

func (l *Logger) build() log.Logger {
	prefixes := []interface{}{
		"ts", log.DefaultTimestampUTC,
		"caller", log.Caller(l.callerUnwind),
	}
	logger := log.WithPrefix(l.base, prefixes...)
	if len(l.keyvals) > 0 {
		logger = log.With(logger, l.keyvals...)
	}
	return logger
}

func (l *Logger) clone() *Logger {
	c := *l
	c.keyvals = append([]interface{}{}, l.keyvals...)
	return &c
}

func (l *Logger) log(lvl Level, msg string, keyvals []interface{}) {
	if l.level > lvl {
		return
	}
	keyvals = append([]interface{}{"module", l.module, "msg", msg}, keyvals...)
	var leveled log.Logger
	switch lvl {
	case LevelDebug:
		leveled = level.Debug(l.logger)
	case LevelInfo:
		leveled = level.Info(l.logger)
	case LevelWarn:
		leveled = level.Warn(l.logger)
	default:
		leveled = level.Error(l.logger)
	}
	_ = leveled.Log(keyvals...)
}

// Debug logs the message and key value pairs at the Debug log level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(LevelDebug, msg, keyvals)
}

// Info logs the message and key value pairs at the Info log level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(LevelInfo, msg, keyvals)
}

// Warn logs the message and key value pairs at the Warn log level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(LevelWarn, msg, keyvals)
}

// Error logs the message and key value pairs at the Error log level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(LevelError, msg, keyvals)
}

// With returns a clone of the logger with the provided key/value pairs
// added as context for all subsequent logs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	c := l.clone()
	c.keyvals = append(c.keyvals, keyvals...)
	c.logger = c.build()
	return c
}

// WithModule returns a clone of the logger with the provided module
// added as context for all subsequent logs.
func (l *Logger) WithModule(module string) *Logger {
	c := l.clone()
	c.module = module
	return c
}

// WithCallerUnwind returns a clone of the logger that reports the caller
// `unwind` frames up the stack. Loggers that are called through adapters
// (e.g. WriterIntoLogger) need a deeper unwind to report the real caller.
func (l *Logger) WithCallerUnwind(unwind int) *Logger {
	c := l.clone()
	c.callerUnwind = unwind
	c.logger = c.build()
	return c
}

// Level is the logging level.
func (l *Logger) Level() Level {
	return l.level
}

// lineWriter splits writes into lines and logs every complete line.
type lineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	logFn  func(msg string, keyvals ...interface{})
	prefix []interface{}
}

// WriterIntoLogger returns an io.Writer that logs each line written to it at
// the Info level. Partial lines are buffered until a newline arrives or the
// writer is closed.
func WriterIntoLogger(logger Logger) io.WriteCloser {
	return &lineWriter{logFn: logger.Info}
}

// WriterIntoLoggerAt is like WriterIntoLogger, but logs at the given level and
// attaches keyvals to every line.
func WriterIntoLoggerAt(logger *Logger, lvl Level, keyvals ...interface{}) io.WriteCloser {
	logFn := logger.Info
	switch lvl {
	case LevelDebug:
		logFn = logger.Debug
	case LevelWarn:
		logFn = logger.Warn
	case LevelError:
		logFn = logger.Error
	}
	return &lineWriter{logFn: logFn, prefix: keyvals}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line; put it back for the next write.
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		w.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Close flushes any buffered partial line.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
	return nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logFn(string(line), w.prefix...)
}
