// Package logger exposes the structured, nil-safe logging interface
// used by all chronicle components.
package logger

// Field represents a structured field to be added to a log entry.
type Field struct {
	Key   string
	Value any
}

// With is an helper function to build a Field in a functional way.
func With(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger is a structured logger capable of printing information about
// the execution of a component at various levels.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Debug delegates the debug log call to the provided logger, if not nil.
func Debug(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Debug(msg, fields...)
	}
}

// Info delegates the info log call to the provided logger, if not nil.
func Info(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Info(msg, fields...)
	}
}

// Warn delegates the warning log call to the provided logger, if not nil.
func Warn(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Warn(msg, fields...)
	}
}

// Error delegates the error log call to the provided logger, if not nil.
func Error(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Error(msg, fields...)
	}
}
