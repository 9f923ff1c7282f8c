// Package zaplogger provides a logger.Logger implementation backed
// by go.uber.org/zap.
package zaplogger

import (
	"go.uber.org/zap"

	"github.com/get-chronicle/go-chronicle/logger"
)

var _ logger.Logger = &Logger{}

// Logger is a zap wrapper that implements the chronicle logger.Logger interface.
type Logger zap.Logger

// Wrap wraps a zap.Logger into a zaplogger.Logger instance.
func Wrap(l *zap.Logger) *Logger {
	return (*Logger)(l)
}

func adaptFields(fields []logger.Field) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))

	for _, field := range fields {
		zapFields = append(zapFields, zap.Any(field.Key, field.Value))
	}

	return zapFields
}

// Debug prints a debug log message.
func (l *Logger) Debug(msg string, fields ...logger.Field) {
	(*zap.Logger)(l).Debug(msg, adaptFields(fields)...)
}

// Info prints an info log message.
func (l *Logger) Info(msg string, fields ...logger.Field) {
	(*zap.Logger)(l).Info(msg, adaptFields(fields)...)
}

// Warn prints a warning log message.
func (l *Logger) Warn(msg string, fields ...logger.Field) {
	(*zap.Logger)(l).Warn(msg, adaptFields(fields)...)
}

// Error prints an error log message.
func (l *Logger) Error(msg string, fields ...logger.Field) {
	(*zap.Logger)(l).Error(msg, adaptFields(fields)...)
}
