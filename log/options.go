package log

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Level is the minimum severity a Logger emits. It can be used as a command
// line flag value.
type Level uint

// Supported log levels, from most to least verbose.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format is the encoding of emitted log lines. It can be used as a command
// line flag value.
type Format uint

// Supported formats. JSON is what the orchestrator and agents emit by
// default; logfmt is easier to read on a terminal.
const (
	FmtLogfmt Format = iota
	FmtJSON
)

var (
	_ pflag.Value = (*Level)(nil)
	_ pflag.Value = (*Format)(nil)

	levelNames  = []string{"DEBUG", "INFO", "WARN", "ERROR"}
	formatNames = []string{"logfmt", "JSON"}
)

// lookup returns the index of the case-insensitive match of s in names.
func lookup(names []string, s string) (uint, bool) {
	for i, name := range names {
		if strings.EqualFold(name, s) {
			return uint(i), true
		}
	}
	return 0, false
}

func (l *Level) String() string {
	if int(*l) >= len(levelNames) {
		panic("logging: unsupported log level")
	}
	return levelNames[*l]
}

// Set parses a level name such as "debug" or "WARN".
func (l *Level) Set(s string) error {
	v, ok := lookup(levelNames, s)
	if !ok {
		return fmt.Errorf("logging: invalid log level: '%s'", s)
	}
	*l = Level(v)
	return nil
}

func (l *Level) Type() string {
	return "[" + strings.Join(levelNames, ",") + "]"
}

func (f *Format) String() string {
	if int(*f) >= len(formatNames) {
		panic("logging: unsupported format")
	}
	return formatNames[*f]
}

// Set parses a format name, "logfmt" or "json" in any case.
func (f *Format) Set(s string) error {
	v, ok := lookup(formatNames, s)
	if !ok {
		return fmt.Errorf("logging: invalid log format: '%s'", s)
	}
	*f = Format(v)
	return nil
}

func (f *Format) Type() string {
	return "[" + strings.Join(formatNames, ",") + "]"
}
