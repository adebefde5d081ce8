// Package logger - Builds the process-wide zap logger.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger that writes debug and info entries to stdout and warnings and
// errors to stderr. Debug entries are only emitted when debug is set.
func New(debug bool) *zap.Logger {
	return zap.New(newCore(debug, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr)), zap.AddCaller())
}

func newCore(debug bool, stdout, stderr zapcore.WriteSyncer) zapcore.Core {
	// debug and info level enabler
	debugInfoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level == zapcore.DebugLevel || level == zapcore.InfoLevel
	})

	// info level enabler
	infoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level == zapcore.InfoLevel
	})

	// warn, error and fatal level enabler
	warnErrorFatalLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	if debug {
		enc := zapcore.NewJSONEncoder(zap.NewDevelopmentEncoderConfig())
		return zapcore.NewTee(
			zapcore.NewCore(enc, stdout, debugInfoLevel),
			zapcore.NewCore(enc.Clone(), stderr, warnErrorFatalLevel),
		)
	}

	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zapcore.NewTee(
		zapcore.NewCore(enc, stdout, infoLevel),
		zapcore.NewCore(enc.Clone(), stderr, warnErrorFatalLevel),
	)
}
