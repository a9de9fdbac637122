// Package logging wraps zap with the field vocabulary the kernel's call
// sites use throughout (String/Int/Err/Duration/...), so swapping the
// backing logger never touches call sites.
package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a key-value pair attached to a log line.
type Field = zapcore.Field

// Logger is a component-scoped structured logger.
type Logger struct {
	z *zap.Logger
}

// New builds a production-style Logger (JSON encoding, ISO8601 timestamps)
// scoped to component, writing to os.Stdout.
func New(component string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout"}
	z, err := cfg.Build()
	if err != nil {
		// zap's production config never fails to build against stdout;
		// fall back to a no-op logger rather than panic at import time.
		z = zap.NewNop()
	}
	if component != "" {
		z = z.Named(component)
	}
	return &Logger{z: z}
}

// NewNop returns a Logger that discards everything, for tests that don't
// care about log output.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// With returns a derived Logger carrying the given fields on every line.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	err := l.z.Sync()
	// zap returns an error syncing os.Stdout on some platforms even
	// though the write already happened; that's not actionable here.
	if err != nil && isStdoutSyncNoise(err) {
		return nil
	}
	return err
}

func isStdoutSyncNoise(err error) bool {
	return err.Error() == "sync /dev/stdout: invalid argument" ||
		err.Error() == "sync /dev/stdout: inappropriate ioctl for device"
}

// Field constructors, mirroring the vocabulary call sites use.
func String(key, value string) Field       { return zap.String(key, value) }
func Int(key string, value int) Field      { return zap.Int(key, value) }
func Int64(key string, value int64) Field  { return zap.Int64(key, value) }
func Uint64(key string, v uint64) Field    { return zap.Uint64(key, v) }
func Float64(key string, v float64) Field  { return zap.Float64(key, v) }
func Bool(key string, value bool) Field    { return zap.Bool(key, value) }
func Err(err error) Field                  { return zap.Error(err) }
func Duration(key string, d time.Duration) Field { return zap.Duration(key, d) }
func Any(key string, value interface{}) Field    { return zap.Any(key, value) }
func Time(key string, t time.Time) Field         { return zap.Time(key, t) }
