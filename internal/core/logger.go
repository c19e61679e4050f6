package core

import (
	"fmt"

	"github.com/apex/log"
)

// Logger is the structured logging contract used by Service. Arguments are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return noopLogger{} }

// NewApexLogger adapts an apex/log logger to Logger. A nil logger uses the
// apex/log package-level logger.
func NewApexLogger(l log.Interface) Logger {
	if l == nil {
		l = log.Log
	}
	return apexLogger{l: l}
}

type apexLogger struct {
	l log.Interface
}

func (a apexLogger) Debug(msg string, args ...any) { a.entry(args).Debug(msg) }
func (a apexLogger) Info(msg string, args ...any)  { a.entry(args).Info(msg) }
func (a apexLogger) Warn(msg string, args ...any)  { a.entry(args).Warn(msg) }
func (a apexLogger) Error(msg string, args ...any) { a.entry(args).Error(msg) }

func (a apexLogger) entry(args []any) *log.Entry {
	return a.l.WithFields(fieldsFromArgs(args))
}

// fieldsFromArgs turns key/value pairs into apex fields. A trailing key
// without value is kept under "!BADKEY".
func fieldsFromArgs(args []any) log.Fields {
	fields := make(log.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		fields[key] = args[i+1]
	}
	return fields
}
